package config

// Config is the on-disk relay configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); omitted or zero values take the documented defaults.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Relay     RelayConfig     `json:"relay"`
	Liveness  LivenessConfig  `json:"liveness"`
	Directory DirectoryConfig `json:"directory"`
	Logging   LoggingConfig   `json:"logging"`
	Admin     AdminConfig     `json:"admin,omitempty"`
}

// ServerConfig controls the websocket listener.
//
// Defaults:
//   - addr: ":8080"
//   - path: "/ws/chat/"
//   - read_limit: 65536
//   - handshake_timeout: "10s"
//   - shutdown_timeout: "5s"
//   - allowed_origins: empty (any origin)
type ServerConfig struct {
	Addr             string   `json:"addr"`
	Path             string   `json:"path,omitempty"`
	ReadLimit        int64    `json:"read_limit,omitempty"`
	HandshakeTimeout string   `json:"handshake_timeout,omitempty"`
	AllowedOrigins   []string `json:"allowed_origins,omitempty"`
	ShutdownTimeout  string   `json:"shutdown_timeout,omitempty"`
}

// AuthConfig controls bearer token verification. Secret is never logged.
type AuthConfig struct {
	Secret   string `json:"secret"`
	Issuer   string `json:"issuer,omitempty"`    // default "roomrelay"
	TokenTTL string `json:"token_ttl,omitempty"` // default "24h"
	// VerifyUser requires the token subject to exist in storage. Default true.
	VerifyUser *bool `json:"verify_user,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/relay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RelayConfig tunes per-connection delivery.
//
// Defaults:
//   - send_queue: 64
//   - write_timeout: "10s"
//   - close_grace: "2s"
//   - persist_timeout: "5s"
//   - rate_per_sec: 10, burst: 20 (rate_per_sec 0 disables limiting)
type RelayConfig struct {
	SendQueue      int      `json:"send_queue,omitempty"`
	WriteTimeout   string   `json:"write_timeout,omitempty"`
	CloseGrace     string   `json:"close_grace,omitempty"`
	PersistTimeout string   `json:"persist_timeout,omitempty"`
	RatePerSec     *float64 `json:"rate_per_sec,omitempty"`
	Burst          int      `json:"burst,omitempty"`
}

// LivenessConfig controls idle eviction. Default: enabled, "30s", factor 2.
type LivenessConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	Period          string `json:"period,omitempty"`
	ThresholdFactor int    `json:"threshold_factor,omitempty"`
}

type DirectoryConfig struct {
	// CacheTTL is "30s" by default; "0s" disables caching.
	CacheTTL string `json:"cache_ttl,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AdminConfig controls the optional operator HTTP server.
//
// Security note:
//   - Prefer binding to localhost (the default "127.0.0.1:6060").
//   - A non-loopback addr requires a token.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}
