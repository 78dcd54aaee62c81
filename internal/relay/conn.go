package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"roomrelay/internal/chat"
	logx "roomrelay/pkg/logx"
)

// State is a connection's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateJoiningRoom
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoiningRoom:
		return "joining_room"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection is one live duplex session. It is owned by the session task that
// created it; the registry and broadcaster only hold references.
//
// Outbound events go through a bounded FIFO drained by a single writer goroutine,
// so enqueueing never blocks the caller and per-recipient order is preserved.
type Connection struct {
	id        string
	transport Transport
	log       logx.Logger

	// identity and roomID are written before Register and read-only afterwards.
	identity chat.Identity
	roomID   int64

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos
	limiter      *rate.Limiter

	outbox       chan []byte
	writeTimeout time.Duration
	closeGrace   time.Duration
	onWriteErr   func(*Connection, error)

	closeOnce  sync.Once
	closed     chan struct{} // no more deliveries accepted
	writerDone chan struct{}
	released   chan struct{} // transport closed
}

func newConnection(id string, t Transport, cfg Config, now time.Time, log logx.Logger, onWriteErr func(*Connection, error)) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{
		id:           id,
		transport:    t,
		log:          log,
		limiter:      newLimiter(cfg),
		outbox:       make(chan []byte, cfg.SendQueue),
		writeTimeout: cfg.WriteTimeout,
		closeGrace:   cfg.CloseGrace,
		onWriteErr:   onWriteErr,
		closed:       make(chan struct{}),
		writerDone:   make(chan struct{}),
		released:     make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	go c.writeLoop()
	return c
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, cfg.Burst))
}

func (c *Connection) ID() string              { return c.id }
func (c *Connection) Identity() chat.Identity { return c.identity }
func (c *Connection) RoomID() int64           { return c.roomID }
func (c *Connection) State() State            { return State(c.state.Load()) }

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

func (c *Connection) casState(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// deliver enqueues an encoded event. It never blocks.
func (c *Connection) deliver(payload []byte) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	select {
	case c.outbox <- payload:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.closed:
			c.drain()
			return
		case p := <-c.outbox:
			if err := c.write(p, c.writeTimeout); err != nil {
				if !c.isClosed() && c.onWriteErr != nil {
					c.onWriteErr(c, fmt.Errorf("%w: %v", ErrTransport, err))
				}
				return
			}
		}
	}
}

// drain flushes frames queued before Close, bounded by the close grace.
func (c *Connection) drain() {
	deadline := time.Now().Add(c.closeGrace)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return
		}
		select {
		case p := <-c.outbox:
			if err := c.write(p, min(left, c.writeTimeout)); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(p []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.transport.WriteFrame(ctx, p)
}

// Close stops accepting deliveries, gives the writer up to the close grace to flush,
// then closes the transport. Concurrent and repeated calls are safe; every caller
// returns once the transport has been closed.
func (c *Connection) Close(code CloseCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		timer := time.NewTimer(c.closeGrace)
		select {
		case <-c.writerDone:
		case <-timer.C:
		}
		timer.Stop()
		if err := c.transport.Close(code, reason); err != nil {
			c.log.Debug("transport close failed", logx.Err(err))
		}
		close(c.released)
	})
	<-c.released
}

// closeAsync closes the connection without waiting for the transport.
func (c *Connection) closeAsync(code CloseCode, reason string) {
	go c.Close(code, reason)
}
