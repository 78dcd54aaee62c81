// Package supervisor runs the relay's long-lived background tasks: the HTTP
// listeners, the config watcher and the lifecycle event consumer.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "roomrelay/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context. Every task is named,
// panic-safe and counted; the first failure is kept for health reporting.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Pointer[error]

	wg       sync.WaitGroup
	started  atomic.Uint64
	active   atomic.Int64
	doneOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	tasks map[string]*TaskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the shared context on the first fatal task error.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		tasks:  map[string]*TaskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err returns the first fatal task error, if any.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(&err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. A non-nil error other than context.Canceled, or a panic,
// is fatal.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.spawn(func() {
		err := s.run(name, false, fn)
		if err != nil && s.ctx.Err() == nil {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	})
}

// Backoff bounds the delay between restarts. The delay doubles per failure,
// gets 20% jitter and resets after a run that lasted at least 30s.
type Backoff struct {
	Min, Max time.Duration
	// MaxRestarts of 0 means unlimited. Giving up is fatal.
	MaxRestarts int
}

func (b Backoff) withDefaults() Backoff {
	if b.Min <= 0 {
		b.Min = 250 * time.Millisecond
	}
	if b.Max < b.Min {
		b.Max = max(b.Min, 30*time.Second)
	}
	return b
}

// GoRestart runs fn until it returns nil or the context ends, restarting it on
// errors and panics.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, b Backoff) {
	b = b.withDefaults()
	s.spawn(func() {
		wait, restarts := b.Min, 0
		for {
			began := time.Now()
			err := s.run(name, restarts > 0, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			restarts++
			if b.MaxRestarts > 0 && restarts > b.MaxRestarts {
				s.log.Error("task gave up", logx.String("task", name), logx.Int("restarts", restarts-1), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			if time.Since(began) >= 30*time.Second {
				wait = b.Min
			}
			d := wait + time.Duration(rand.Int64N(int64(wait)/5+1))
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", d), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(d):
			}
			wait = min(wait*2, b.Max)
		}
	})
}

func (s *Supervisor) spawn(body func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		body()
	}()
}

// run executes fn once with accounting. Panics come back as errors.
func (s *Supervisor) run(name string, restart bool, fn func(ctx context.Context) error) (err error) {
	s.noteStart(name, restart)
	s.log.Debug("task started", logx.String("task", name))
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name)
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.noteStop(name, err)
		s.log.Debug("task stopped", logx.String("task", name), logx.Err(err))
	}()
	return fn(s.ctx)
}

// Stop cancels the shared context and waits for every task, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

// TaskStats aggregates runs of one task name.
type TaskStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Runs        uint64    `json:"runs"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at,omitzero"`
	LastErr     string    `json:"last_err,omitempty"`
	Uptime      string    `json:"uptime,omitempty"`
}

// Snapshot is a point-in-time view for the admin surface.
type Snapshot struct {
	Active     int64       `json:"active"`
	Started    uint64      `json:"started"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func (s *Supervisor) Snapshot() Snapshot {
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, t := range s.tasks {
		ts := *t
		if ts.Active > 0 {
			ts.Uptime = time.Since(ts.LastStartAt).Truncate(time.Second).String()
		}
		snap.Tasks = append(snap.Tasks, ts)
	}
	s.mu.Unlock()
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })
	return snap
}

func (s *Supervisor) stat(name string) *TaskStats {
	t := s.tasks[name]
	if t == nil {
		t = &TaskStats{Name: name}
		s.tasks[name] = t
	}
	return t
}

func (s *Supervisor) noteStart(name string, restart bool) {
	now := time.Now()
	s.started.Add(1)
	s.active.Add(1)
	s.mu.Lock()
	t := s.stat(name)
	t.Runs++
	t.Active++
	if restart {
		t.Restarts++
	}
	t.LastStartAt = now
	s.mu.Unlock()
}

func (s *Supervisor) noteStop(name string, err error) {
	now := time.Now()
	s.active.Add(-1)
	s.mu.Lock()
	t := s.stat(name)
	t.Active--
	t.LastStopAt = now
	if err != nil {
		t.LastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string) {
	s.mu.Lock()
	s.stat(name).Panics++
	s.mu.Unlock()
}
