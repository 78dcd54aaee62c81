package app

import (
	"fmt"
	"strings"
	"time"

	"roomrelay/internal/auth"
	"roomrelay/internal/config"
	"roomrelay/internal/observability/admin"
	"roomrelay/internal/relay"
	"roomrelay/internal/storage"
	"roomrelay/internal/transport/ws"
	logx "roomrelay/pkg/logx"
)

// serverSettings are the listener values the ws handler does not own.
type serverSettings struct {
	Addr            string
	ShutdownTimeout time.Duration
}

func mapServerConfig(cfg *config.Config) (serverSettings, ws.HandlerConfig, error) {
	sc := cfg.Server
	out := serverSettings{Addr: strings.TrimSpace(sc.Addr)}
	if out.Addr == "" {
		out.Addr = ":8080"
	}
	var err error
	if out.ShutdownTimeout, err = config.ParseDurationOrDefault("server.shutdown_timeout", sc.ShutdownTimeout, 5*time.Second); err != nil {
		return serverSettings{}, ws.HandlerConfig{}, err
	}
	if sc.ReadLimit < 0 {
		return serverSettings{}, ws.HandlerConfig{}, fmt.Errorf("server.read_limit must be >= 0")
	}
	hs, err := config.ParseDurationOrDefault("server.handshake_timeout", sc.HandshakeTimeout, 10*time.Second)
	if err != nil {
		return serverSettings{}, ws.HandlerConfig{}, err
	}
	return out, ws.HandlerConfig{
		Path:             sc.Path,
		ReadLimit:        sc.ReadLimit,
		HandshakeTimeout: hs,
		AllowedOrigins:   sc.AllowedOrigins,
	}, nil
}

func mapAuthConfig(cfg *config.Config) (auth.Config, bool, error) {
	ac := cfg.Auth
	if strings.TrimSpace(ac.Secret) == "" {
		return auth.Config{}, false, fmt.Errorf("auth.secret is required")
	}
	ttl, err := config.ParseDurationOrDefault("auth.token_ttl", ac.TokenTTL, 24*time.Hour)
	if err != nil {
		return auth.Config{}, false, err
	}
	verify := ac.VerifyUser == nil || *ac.VerifyUser
	return auth.Config{Secret: ac.Secret, Issuer: strings.TrimSpace(ac.Issuer), TokenTTL: ttl}, verify, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "":
		return storage.Config{}, fmt.Errorf("storage.driver is required (sqlite or memory)")
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	rc := cfg.Relay
	if rc.SendQueue < 0 {
		return relay.Config{}, fmt.Errorf("relay.send_queue must be >= 0")
	}
	if rc.Burst < 0 {
		return relay.Config{}, fmt.Errorf("relay.burst must be >= 0")
	}
	out := relay.Config{SendQueue: rc.SendQueue, RatePerSec: 10, Burst: rc.Burst}
	if rc.RatePerSec != nil {
		if *rc.RatePerSec < 0 {
			return relay.Config{}, fmt.Errorf("relay.rate_per_sec must be >= 0")
		}
		out.RatePerSec = *rc.RatePerSec
	}
	if out.Burst == 0 && out.RatePerSec > 0 {
		out.Burst = 20
	}
	var err error
	if out.WriteTimeout, err = config.ParseDurationField("relay.write_timeout", rc.WriteTimeout); err != nil {
		return relay.Config{}, err
	}
	if out.CloseGrace, err = config.ParseDurationField("relay.close_grace", rc.CloseGrace); err != nil {
		return relay.Config{}, err
	}
	if out.PersistTimeout, err = config.ParseDurationField("relay.persist_timeout", rc.PersistTimeout); err != nil {
		return relay.Config{}, err
	}
	return out, nil
}

// mapMonitorConfig returns enabled=false when liveness.enabled is explicitly false.
func mapMonitorConfig(cfg *config.Config) (relay.MonitorConfig, bool, error) {
	lc := cfg.Liveness
	if lc.ThresholdFactor < 0 {
		return relay.MonitorConfig{}, false, fmt.Errorf("liveness.threshold_factor must be >= 0")
	}
	period, err := config.ParseDurationOrDefault("liveness.period", lc.Period, 30*time.Second)
	if err != nil {
		return relay.MonitorConfig{}, false, err
	}
	enabled := lc.Enabled == nil || *lc.Enabled
	return relay.MonitorConfig{Period: period, ThresholdFactor: lc.ThresholdFactor}, enabled, nil
}

// mapDirectoryTTL keeps an explicit "0s" as "no caching".
func mapDirectoryTTL(cfg *config.Config) (time.Duration, error) {
	raw := strings.TrimSpace(cfg.Directory.CacheTTL)
	if raw == "" {
		return 30 * time.Second, nil
	}
	return config.ParseDurationField("directory.cache_ttl", raw)
}

func mapAdminConfig(cfg *config.Config) (admin.Config, bool) {
	ac := cfg.Admin
	return admin.Config{Addr: ac.Addr, Token: ac.Token, Pprof: ac.Pprof}, ac.Enabled
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
	}
}

// validateConfig runs every mapper so a bad hot reload is rejected before commit.
func validateConfig(cfg *config.Config) error {
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: unknown level %q", lvl)
	}
	if _, _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapAuthConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRelayConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapMonitorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDirectoryTTL(cfg); err != nil {
		return err
	}
	if ac, enabled := mapAdminConfig(cfg); enabled {
		if _, err := admin.New(ac, admin.Sources{}, logx.Nop()); err != nil {
			return err
		}
	}
	return nil
}

// OpenStore opens the configured store. The operator CLI shares it with the daemon.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

// NewTokenIssuer builds the authenticator the daemon would use, backed by users.
func NewTokenIssuer(cfg *config.Config, users auth.UserLookup) (*auth.JWT, error) {
	ac, _, err := mapAuthConfig(cfg)
	if err != nil {
		return nil, err
	}
	return auth.NewJWT(ac, users)
}
