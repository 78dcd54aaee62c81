package config

import (
	"slices"
	"strings"

	logx "roomrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (auth.secret, admin.token) are reported
// only as "set"/"changed" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	o, n := oldCfg.Server, newCfg.Server
	if trim(o.Addr) != trim(n.Addr) || trim(o.Path) != trim(n.Path) ||
		o.ReadLimit != n.ReadLimit || trim(o.HandshakeTimeout) != trim(n.HandshakeTimeout) ||
		trim(o.ShutdownTimeout) != trim(n.ShutdownTimeout) || !slices.Equal(o.AllowedOrigins, n.AllowedOrigins) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", trim(n.Addr)),
			logx.String("server.path", trim(n.Path)),
			logx.Int("server.origin_count", len(n.AllowedOrigins)),
		)
	}

	oa, na := oldCfg.Auth, newCfg.Auth
	secretChanged := oa.Secret != na.Secret
	if secretChanged || trim(oa.Issuer) != trim(na.Issuer) || trim(oa.TokenTTL) != trim(na.TokenTTL) ||
		boolOr(oa.VerifyUser, true) != boolOr(na.VerifyUser, true) {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.Bool("auth.secret_changed", secretChanged),
			logx.String("auth.issuer", trim(na.Issuer)),
			logx.Bool("auth.verify_user", boolOr(na.VerifyUser, true)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(newCfg.Storage.Driver)),
			logx.String("storage.path", trim(newCfg.Storage.Path)),
		)
	}

	or, nr := oldCfg.Relay, newCfg.Relay
	if or.SendQueue != nr.SendQueue || trim(or.WriteTimeout) != trim(nr.WriteTimeout) ||
		trim(or.CloseGrace) != trim(nr.CloseGrace) || trim(or.PersistTimeout) != trim(nr.PersistTimeout) ||
		floatOr(or.RatePerSec, -1) != floatOr(nr.RatePerSec, -1) || or.Burst != nr.Burst {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Int("relay.send_queue", nr.SendQueue),
			logx.Any("relay.rate_per_sec", nr.RatePerSec),
			logx.Int("relay.burst", nr.Burst),
		)
	}

	ol, nl := oldCfg.Liveness, newCfg.Liveness
	if boolOr(ol.Enabled, true) != boolOr(nl.Enabled, true) || trim(ol.Period) != trim(nl.Period) ||
		ol.ThresholdFactor != nl.ThresholdFactor {
		changed = append(changed, "liveness")
		attrs = append(attrs,
			logx.Bool("liveness.enabled", boolOr(nl.Enabled, true)),
			logx.String("liveness.period", trim(nl.Period)),
			logx.Int("liveness.threshold_factor", nl.ThresholdFactor),
		)
	}

	if trim(oldCfg.Directory.CacheTTL) != trim(newCfg.Directory.CacheTTL) {
		changed = append(changed, "directory")
		attrs = append(attrs, logx.String("directory.cache_ttl", trim(newCfg.Directory.CacheTTL)))
	}

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		trim(oldCfg.Logging.File.Path) != trim(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oad, nad := oldCfg.Admin, newCfg.Admin
	if oad.Enabled != nad.Enabled || trim(oad.Addr) != trim(nad.Addr) || oad.Pprof != nad.Pprof || oad.Token != nad.Token {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", nad.Enabled),
			logx.String("admin.addr", trim(nad.Addr)),
			logx.Bool("admin.pprof", nad.Pprof),
			logx.Bool("admin.token_set", nad.Token != ""),
		)
	}

	return changed, attrs
}

// RestartRequired reports the changed sections that only take effect after a
// restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "server", "auth", "storage", "admin":
			out = append(out, s)
		}
	}
	return out
}

func trim(s string) string { return strings.TrimSpace(s) }

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
