package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "server": {"addr": ":9000", "allowed_origins": ["https://chat.example"]},
  "auth": {"secret": "s3cret", "verify_user": false},
  "storage": {"driver": "sqlite", "path": "./data/relay.db"},
  "relay": {"send_queue": 32, "rate_per_sec": 0},
  "liveness": {"period": "10s", "threshold_factor": 3},
  "directory": {"cache_ttl": "0s"},
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDecodeJSON(t *testing.T) {
	cfg, err := Decode("relay.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Server.Addr != ":9000" || cfg.Storage.Driver != "sqlite" || cfg.Relay.SendQueue != 32 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Auth.VerifyUser == nil || *cfg.Auth.VerifyUser {
		t.Fatalf("verify_user should decode as explicit false")
	}
	if cfg.Relay.RatePerSec == nil || *cfg.Relay.RatePerSec != 0 {
		t.Fatalf("rate_per_sec should decode as explicit 0")
	}
	if cfg.Liveness.Enabled != nil {
		t.Fatalf("liveness.enabled omitted should stay nil")
	}
}

func TestDecodeYAMLMatchesJSON(t *testing.T) {
	y := `
server:
  addr: ":9000"
  allowed_origins: ["https://chat.example"]
auth:
  secret: s3cret
  verify_user: false
storage:
  driver: sqlite
  path: ./data/relay.db
relay:
  send_queue: 32
  rate_per_sec: 0
liveness:
  period: 10s
  threshold_factor: 3
directory:
  cache_ttl: 0s
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
`
	fromYAML, err := Decode("relay.yaml", []byte(y))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	fromJSON, err := Decode("relay.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if hashConfig(fromYAML) != hashConfig(fromJSON) {
		t.Fatalf("yaml and json decode differently:\n%+v\n%+v", fromYAML, fromJSON)
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field": `{"server": {"addr": ":1", "bogus": true}}`,
		"trailing data": `{"server": {"addr": ":1"}} {}`,
		"wrong type":    `{"relay": {"send_queue": "many"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode("relay.json", []byte(body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("parse: %v %v", d, err)
	}
	if _, err := ParseDurationField("relay.write_timeout", "-1s"); err == nil {
		t.Fatalf("negative should fail")
	}
	_, err := ParseDurationField("relay.write_timeout", "soon")
	if err == nil || !strings.Contains(err.Error(), "relay.write_timeout") {
		t.Fatalf("error should name the field: %v", err)
	}
}

func TestReloadPublishesAndSkipsUnchanged(t *testing.T) {
	path := writeFile(t, "relay.json", sampleJSON)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if _, err := m.Reload(context.Background()); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("reload unchanged: %v", err)
	}

	updated := strings.Replace(sampleJSON, `"send_queue": 32`, `"send_queue": 8`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Relay.SendQueue != 8 {
			t.Fatalf("published send_queue=%d", cfg.Relay.SendQueue)
		}
	default:
		t.Fatalf("nothing published")
	}
	if m.Get().Relay.SendQueue != 8 {
		t.Fatalf("not committed")
	}
}

func TestReloadValidatorRejectionKeepsConfig(t *testing.T) {
	path := writeFile(t, "relay.json", sampleJSON)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Relay.SendQueue < 16 {
			return errors.New("send_queue too small")
		}
		return nil
	})
	updated := strings.Replace(sampleJSON, `"send_queue": 32`, `"send_queue": 8`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("expected rejection")
	}
	if m.Get().Relay.SendQueue != 32 {
		t.Fatalf("rejected config was committed")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	m.publish(&Config{Server: ServerConfig{Addr: "a"}})
	m.publish(&Config{Server: ServerConfig{Addr: "b"}})
	if got := (<-ch).Server.Addr; got != "b" {
		t.Fatalf("got %q want newest", got)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "relay.json", sampleJSON)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	updated := strings.Replace(sampleJSON, `"level": "debug"`, `"level": "warn"`, 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "warn" {
				t.Fatalf("level=%q", cfg.Logging.Level)
			}
			cancel()
			<-done
			return
		case <-tick.C:
			// The watcher may not be armed on the first write.
			_ = os.WriteFile(path, []byte(updated), 0o600)
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a, err := Decode("relay.json", []byte(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Decode("relay.json", []byte(sampleJSON))

	if sections, _ := SummarizeConfigChange(a, b); len(sections) != 0 {
		t.Fatalf("identical configs reported %v", sections)
	}

	b.Auth.Secret = "rotated"
	b.Liveness.ThresholdFactor = 4
	b.Logging.Level = "info"
	sections, attrs := SummarizeConfigChange(a, b)
	want := []string{"auth", "liveness", "logging"}
	if !slices.Equal(sections, want) {
		t.Fatalf("sections=%v want %v", sections, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if got := RestartRequired(sections); !slices.Equal(got, []string{"auth"}) {
		t.Fatalf("restart required=%v", got)
	}
}

func TestSummarizeTreatsNilAsEmpty(t *testing.T) {
	sections, _ := SummarizeConfigChange(nil, &Config{Server: ServerConfig{Addr: ":1"}})
	if !slices.Equal(sections, []string{"server"}) {
		t.Fatalf("sections=%v", sections)
	}
}
