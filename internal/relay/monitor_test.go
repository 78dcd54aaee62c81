package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "roomrelay/pkg/logx"
)

type recordingEvictor struct {
	reg    *Registry
	causes map[string]error
}

func (r *recordingEvictor) Evict(c *Connection, cause error) {
	r.causes[c.ID()] = cause
	r.reg.Evict(c, cause)
}

func TestSweepEvictsOnlyPastThreshold(t *testing.T) {
	reg := NewRegistry()
	ev := &recordingEvictor{reg: reg, causes: map[string]error{}}
	m := NewMonitor(MonitorConfig{Period: 10 * time.Second, ThresholdFactor: 2}, reg, ev, logx.Nop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	fresh, _ := newTestConn(t, Config{})
	edge, _ := newTestConn(t, Config{})
	stale, fstale := newTestConn(t, Config{})
	for _, c := range []*Connection{fresh, edge, stale} {
		_ = reg.Register(1, c)
	}
	fresh.lastActivity.Store(now.Add(-5 * time.Second).UnixNano())
	edge.lastActivity.Store(now.Add(-20 * time.Second).UnixNano())
	stale.lastActivity.Store(now.Add(-21 * time.Second).UnixNano())

	if n := m.Sweep(now); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if _, ok := ev.causes[stale.ID()]; !ok || len(ev.causes) != 1 {
		t.Fatalf("evicted = %v, want only the stale connection", ev.causes)
	}
	if !errors.Is(ev.causes[stale.ID()], ErrStale) {
		t.Fatalf("cause = %v, want ErrStale", ev.causes[stale.ID()])
	}
	if code, reason := fstale.waitClosed(t); code != CloseGoingAway || reason != "idle timeout" {
		t.Fatalf("close = %d %q", code, reason)
	}
	if !reg.Contains(fresh) || !reg.Contains(edge) || reg.Contains(stale) {
		t.Fatalf("unexpected membership after sweep")
	}

	reg.Touch(edge)
	if n := m.Sweep(now.Add(time.Second)); n != 0 {
		t.Fatalf("second Sweep() = %d, want 0", n)
	}
}

func TestMonitorDefaults(t *testing.T) {
	m := NewMonitor(MonitorConfig{}, NewRegistry(), nil, logx.Logger{})
	cfg := m.Config()
	if cfg.Period != 30*time.Second || cfg.ThresholdFactor != 2 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Threshold() != time.Minute {
		t.Fatalf("Threshold() = %s, want 1m", cfg.Threshold())
	}
}

func TestMonitorScheduleEvictsStaleSession(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.join(t, "42", "tok-alice")
	b := h.join(t, "42", "tok-bob")
	a.ft.nextOf(t, EventUserJoined)
	bconn := h.connOf(t, 42, b.ft)
	bconn.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	aconn := h.connOf(t, 42, a.ft)

	m := NewMonitor(MonitorConfig{Period: time.Hour, ThresholdFactor: 1}, h.srv.Registry(), h.srv, logx.Nop())
	m.Start()
	m.Start()
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	// Keep alice fresh while the shortened schedule runs.
	m.Apply(MonitorConfig{Period: 20 * time.Millisecond, ThresholdFactor: 50})
	h.srv.Registry().Touch(aconn)

	if code, _ := b.ft.waitClosed(t); code != CloseGoingAway {
		t.Fatalf("close code = %d, want %d", code, CloseGoingAway)
	}
	if ev := a.ft.next(t); ev.Type != EventUserLeft || ev.Sender != "bob" {
		t.Fatalf("alice got %+v", ev)
	}
	if !h.srv.Registry().Contains(aconn) {
		t.Fatalf("fresh connection was evicted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("second Stop() = %v", err)
	}
}

func TestKVFields(t *testing.T) {
	got := kvFields([]interface{}{"entry", 3, "next", "soon", "dangling"})
	if len(got) != 2 {
		t.Fatalf("kvFields() returned %d fields, want 2", len(got))
	}
}
