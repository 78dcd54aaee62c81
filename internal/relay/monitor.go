package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "roomrelay/pkg/logx"
)

// MonitorConfig controls the liveness sweep.
//
// A connection is dead when it has been silent for longer than Period * ThresholdFactor.
type MonitorConfig struct {
	Period          time.Duration
	ThresholdFactor int
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Period <= 0 {
		c.Period = 30 * time.Second
	}
	if c.ThresholdFactor <= 0 {
		c.ThresholdFactor = 2
	}
	return c
}

func (c MonitorConfig) Threshold() time.Duration {
	c = c.withDefaults()
	return c.Period * time.Duration(c.ThresholdFactor)
}

// Monitor periodically evicts silent connections.
type Monitor struct {
	reg   *Registry
	evict Evictor
	log   logx.Logger
	now   func() time.Time

	mu    sync.Mutex
	cfg   MonitorConfig
	c     *cron.Cron
	entry cron.EntryID
}

func NewMonitor(cfg MonitorConfig, reg *Registry, evict Evictor, log logx.Logger) *Monitor {
	if evict == nil {
		evict = reg
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{reg: reg, evict: evict, log: log, now: time.Now, cfg: cfg.withDefaults()}
}

func (m *Monitor) Config() MonitorConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Sweep evicts every registered connection idle for longer than the threshold
// at now. It returns the number of evictions. Eviction never waits on a transport.
func (m *Monitor) Sweep(now time.Time) int {
	threshold := m.Config().Threshold()
	n := 0
	for _, c := range m.reg.Snapshot() {
		idle := now.Sub(c.LastActivity())
		if idle <= threshold {
			continue
		}
		m.evict.Evict(c, fmt.Errorf("%w: silent for %s", ErrStale, idle.Truncate(time.Millisecond)))
		n++
	}
	if n > 0 {
		m.log.Info("liveness sweep evicted connections", logx.Int("evicted", n), logx.Duration("threshold", threshold))
	} else {
		m.log.Trace("liveness sweep clean", logx.Int("connections", m.reg.Len()))
	}
	return n
}

// Start schedules Sweep every period. It is a no-op if already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return
	}
	cl := cronLogger{log: m.log}
	m.c = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	m.scheduleLocked()
	m.c.Start()
	m.log.Info("liveness monitor started", logx.Duration("period", m.cfg.Period), logx.Duration("threshold", m.cfg.Threshold()))
}

func (m *Monitor) scheduleLocked() {
	if m.entry != 0 {
		m.c.Remove(m.entry)
	}
	m.entry = m.c.Schedule(cron.Every(m.cfg.Period), cron.FuncJob(func() { m.Sweep(m.now()) }))
}

// Apply swaps period and threshold. A running schedule is replaced.
func (m *Monitor) Apply(cfg MonitorConfig) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := cfg.Period != m.cfg.Period
	m.cfg = cfg
	if m.c != nil && changed {
		m.scheduleLocked()
		m.log.Info("liveness monitor rescheduled", logx.Duration("period", cfg.Period))
	}
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.entry = 0
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts logx to cron.Logger. Scheduler chatter goes to trace.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
