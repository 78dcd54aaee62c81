package systemd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram unavailable: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func recv(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestNotifyStates(t *testing.T) {
	conn := listen(t)
	cases := []struct {
		fn   func() error
		want string
	}{
		{Ready, "READY=1"},
		{Reloading, "RELOADING=1"},
		{Stopping, "STOPPING=1"},
		{func() error { return Status("serving 3 rooms") }, "STATUS=serving 3 rooms"},
	}
	for _, tc := range cases {
		if err := tc.fn(); err != nil {
			t.Fatalf("notify %s: %v", tc.want, err)
		}
		if got := recv(t, conn); got != tc.want {
			t.Fatalf("got %q want %q", got, tc.want)
		}
	}
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	if err := Ready(); err != nil {
		t.Fatalf("Ready without socket: %v", err)
	}
	if iv := WatchdogInterval(); iv != 0 {
		t.Fatalf("watchdog interval=%s", iv)
	}
}

func TestWatchdogPingsUntilUnhealthy(t *testing.T) {
	conn := listen(t)
	pings := 0
	healthy := func() bool {
		pings++
		return pings <= 2
	}
	done := make(chan struct{})
	go func() {
		Watchdog(context.Background(), 10*time.Millisecond, healthy)
		close(done)
	}()
	for range 2 {
		if got := recv(t, conn); got != "WATCHDOG=1" {
			t.Fatalf("got %q", got)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("watchdog did not stop when unhealthy")
	}
}
