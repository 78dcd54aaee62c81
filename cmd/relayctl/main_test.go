package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"roomrelay/internal/app"
	"roomrelay/internal/auth"
	"roomrelay/internal/config"
	logx "roomrelay/pkg/logx"
)

func init() { auth.PasswordCost = bcrypt.MinCost }

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := "auth:\n  secret: ctl-secret\nstorage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "relay.db") + "\n"
	p := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func run(t *testing.T, cfg, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", cfg}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestUserRoomAndToken(t *testing.T) {
	cfg := writeConfig(t)

	if out, err := run(t, cfg, "", "user", "add", "erin", "--password", "pw1"); err != nil || !strings.Contains(out, "created user erin") {
		t.Fatalf("user add: %v %q", err, out)
	}
	if _, err := run(t, cfg, "", "user", "add", "ERIN", "--password", "pw2"); err == nil {
		t.Fatalf("duplicate user should fail")
	}
	if _, err := run(t, cfg, "", "room", "add", "ops"); err != nil {
		t.Fatalf("room add: %v", err)
	}
	out, err := run(t, cfg, "", "room", "list")
	if err != nil || !strings.Contains(out, "ops") {
		t.Fatalf("room list: %v %q", err, out)
	}

	tok, err := run(t, cfg, "pw1\n", "token", "mint", "erin")
	if err != nil {
		t.Fatalf("token mint: %v", err)
	}
	tok = strings.TrimSpace(tok)

	c, err := config.NewConfigManager(cfg).Load()
	if err != nil {
		t.Fatal(err)
	}
	st, err := app.OpenStore(c, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	j, err := app.NewTokenIssuer(c, st)
	if err != nil {
		t.Fatal(err)
	}
	who, err := j.Authenticate(context.Background(), tok)
	if err != nil || who.Username != "erin" {
		t.Fatalf("minted token: %+v %v", who, err)
	}

	if _, err := run(t, cfg, "", "token", "mint", "erin", "--password", "nope"); err == nil {
		t.Fatalf("wrong password should fail")
	}
}

func TestPasswordRequired(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := run(t, cfg, "", "user", "add", "frank"); err == nil {
		t.Fatalf("missing password should fail")
	}
}
