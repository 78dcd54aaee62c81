package relay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"roomrelay/internal/chat"
	"roomrelay/internal/eventbus"
	logx "roomrelay/pkg/logx"
)

// Config tunes per-connection behaviour.
//
// Defaults (when fields are zero):
//   - send_queue: 64
//   - write_timeout: 10s
//   - close_grace: 2s
//   - persist_timeout: 5s
//   - rate_per_sec: 0 (inbound rate limiting disabled)
type Config struct {
	SendQueue      int
	WriteTimeout   time.Duration
	CloseGrace     time.Duration
	PersistTimeout time.Duration
	RatePerSec     float64
	Burst          int
}

func (c Config) withDefaults() Config {
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 2 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	return c
}

// Deps are the collaborators a Server consumes.
type Deps struct {
	Auth  Authenticator
	Rooms RoomDirectory
	Store MessageStore
	Bus   eventbus.Bus // optional
	Log   logx.Logger
	Now   func() time.Time // optional; tests pin the clock
}

// ConnectRequest is what the transport layer extracted at connect time.
type ConnectRequest struct {
	RoomRef    string
	Credential string
	RemoteAddr string
}

// Lifecycle event types published on the bus.
const (
	TopicJoined  = "relay.joined"
	TopicLeft    = "relay.left"
	TopicEvicted = "relay.evicted"
	TopicMessage = "relay.message"
)

// LifecycleEvent is the Data of relay bus events.
type LifecycleEvent struct {
	ConnID    string `json:"conn_id"`
	RoomID    int64  `json:"room_id"`
	User      string `json:"user,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Stats is a point-in-time view for operators.
type Stats struct {
	Connections int           `json:"connections"`
	Rooms       map[int64]int `json:"rooms"`
	Accepted    uint64        `json:"accepted"`
	Rejected    uint64        `json:"rejected"`
	Messages    uint64        `json:"messages"`
	Evictions   uint64        `json:"evictions"`
}

// Server is the session lifecycle controller. Serve drives one connection from
// handshake to release; everything else is shared across sessions.
type Server struct {
	mu  sync.RWMutex
	cfg Config

	reg   *Registry
	bc    *Broadcaster
	auth  Authenticator
	rooms RoomDirectory
	store MessageStore
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	// lifeMu orders session admission and registration against Shutdown.
	lifeMu   sync.Mutex
	sessions sync.WaitGroup
	closing  atomic.Bool

	accepted  atomic.Uint64
	rejected  atomic.Uint64
	messages  atomic.Uint64
	evictions atomic.Uint64
}

func NewServer(cfg Config, reg *Registry, deps Deps) *Server {
	if reg == nil {
		reg = NewRegistry()
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	reg.now = now
	s := &Server{
		cfg:   cfg.withDefaults(),
		reg:   reg,
		auth:  deps.Auth,
		rooms: deps.Rooms,
		store: deps.Store,
		bus:   deps.Bus,
		log:   log,
		now:   now,
	}
	s.bc = NewBroadcaster(reg, s, log)
	return s
}

func (s *Server) Registry() *Registry       { return s.reg }
func (s *Server) Broadcaster() *Broadcaster { return s.bc }

func (s *Server) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Apply swaps tunables at runtime. Rate limits are pushed to live connections;
// queue sizes only affect new connections.
func (s *Server) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	lim, burst := rate.Inf, 0
	if cfg.RatePerSec > 0 {
		lim, burst = rate.Limit(cfg.RatePerSec), max(1, cfg.Burst)
	}
	for _, c := range s.reg.Snapshot() {
		c.limiter.SetLimit(lim)
		c.limiter.SetBurst(burst)
	}
}

// Serve runs one connection's lifecycle and returns when its transport has been
// released. The returned error is nil for ordinary disconnects, and a *CloseError
// for terminal handshake failures.
func (s *Server) Serve(ctx context.Context, t Transport, req ConnectRequest) (err error) {
	s.lifeMu.Lock()
	if s.closing.Load() {
		s.lifeMu.Unlock()
		_ = t.Close(closeFor(ErrServerClosed))
		return ErrServerClosed
	}
	s.sessions.Add(1)
	s.lifeMu.Unlock()
	defer s.sessions.Done()

	cfg := s.config()
	id := uuid.NewString()
	log := s.log.With(logx.String("conn", id))
	c := newConnection(id, t, cfg, s.now(), log, func(c *Connection, err error) { s.Evict(c, err) })

	if n, ok := t.(ActivityNotifier); ok {
		n.OnActivity(func() { s.reg.Touch(c) })
	}
	// Cancellation closes the transport, which unblocks the pending read.
	stop := context.AfterFunc(ctx, func() { c.closeAsync(closeFor(ErrServerClosed)) })
	defer stop()

	var (
		room   chat.Room
		joined bool
		code   = CloseNormal
		reason = ""
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("session panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			code, reason = closeFor(nil)
			err = &CloseError{Code: code, Reason: reason, Err: fmt.Errorf("panic: %v", r)}
		}
		s.finish(c, room, joined, code, reason)
	}()

	log.Debug("session started", logx.String("remote", req.RemoteAddr), logx.String("room_ref", req.RoomRef))

	// Authenticating
	c.setState(StateAuthenticating)
	ident, aerr := s.authenticate(ctx, req.Credential)
	if aerr != nil {
		s.rejected.Add(1)
		code, reason = closeFor(ErrAuthenticationFailed)
		log.Info("authentication failed", logx.String("remote", req.RemoteAddr), logx.Err(aerr))
		return &CloseError{Code: code, Reason: reason, Err: aerr}
	}
	c.identity = ident
	log = log.With(logx.String("user", ident.Username))

	// JoiningRoom
	c.setState(StateJoiningRoom)
	room, rerr := s.resolveRoom(ctx, req.RoomRef)
	if rerr != nil {
		s.rejected.Add(1)
		code, reason = closeFor(rerr)
		if errors.Is(rerr, ErrRoomNotFound) {
			_ = s.bc.SendTo(c, errorEvent(0, "Room not found", s.now()))
			log.Info("room not found", logx.String("room_ref", req.RoomRef))
		} else {
			log.Warn("room lookup failed", logx.String("room_ref", req.RoomRef), logx.Err(rerr))
		}
		return &CloseError{Code: code, Reason: reason, Err: rerr}
	}
	if err := s.register(room.ID, c); err != nil {
		code, reason = closeFor(err)
		if errors.Is(err, ErrServerClosed) {
			log.Debug("server closing; session not registered")
			return ErrServerClosed
		}
		s.rejected.Add(1)
		code, reason = closeFor(err)
		log.Error("register failed", logx.Int64("room_id", room.ID), logx.Err(err))
		return &CloseError{Code: code, Reason: reason, Err: err}
	}
	joined = true
	s.accepted.Add(1)
	log = log.With(logx.Int64("room_id", room.ID))

	// Active
	if err := s.bc.SendTo(c, connectedEvent(room, s.now())); err != nil {
		code, reason = closeFor(ErrTransport)
		return nil
	}
	s.bc.Broadcast(room.ID, joinedEvent(room.ID, ident, s.now()), c)
	s.publish(TopicJoined, LifecycleEvent{ConnID: c.id, RoomID: room.ID, User: ident.Username})
	log.Info("joined room", logx.String("room", room.Name))

	code, reason = s.receive(ctx, c, room, log)
	return nil
}

func (s *Server) authenticate(ctx context.Context, credential string) (chat.Identity, error) {
	if credential == "" {
		return chat.Identity{}, fmt.Errorf("%w: missing credential", ErrAuthenticationFailed)
	}
	if s.auth == nil {
		return chat.Identity{}, fmt.Errorf("%w: no authenticator configured", ErrAuthenticationFailed)
	}
	ident, err := s.auth.Authenticate(ctx, credential)
	if err != nil {
		return chat.Identity{}, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	if ident.Username == "" {
		return chat.Identity{}, fmt.Errorf("%w: empty identity", ErrAuthenticationFailed)
	}
	return ident, nil
}

func (s *Server) resolveRoom(ctx context.Context, ref string) (chat.Room, error) {
	if s.rooms == nil {
		return chat.Room{}, fmt.Errorf("%w: no room directory configured", ErrStorage)
	}
	room, err := s.rooms.ResolveRoom(ctx, ref)
	switch {
	case errors.Is(err, chat.ErrRoomNotFound):
		return chat.Room{}, fmt.Errorf("%w: %q", ErrRoomNotFound, ref)
	case err != nil:
		return chat.Room{}, fmt.Errorf("%w: resolve room: %w", ErrStorage, err)
	}
	return room, nil
}

// receive is the steady-state loop. It returns the close status to use once the
// transport stops producing frames.
func (s *Server) receive(ctx context.Context, c *Connection, room chat.Room, log logx.Logger) (CloseCode, string) {
	for {
		frame, err := c.transport.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return closeFor(ErrServerClosed)
			}
			if c.isClosed() {
				log.Debug("receive loop stopped by close", logx.Err(err))
			} else if errors.Is(err, ErrTransport) {
				log.Debug("transport read failed", logx.Err(err))
			}
			return CloseNormal, ""
		}
		s.reg.Touch(c)
		if err := s.handleFrame(ctx, c, room, frame, log); err != nil {
			log.Debug("frame rejected", logx.Err(err))
		}
	}
}

// handleFrame processes one inbound frame. Returned errors are non-terminal; the
// sender has already been notified.
func (s *Server) handleFrame(ctx context.Context, c *Connection, room chat.Room, frame []byte, log logx.Logger) error {
	in, err := decodeFrame(frame)
	if err != nil {
		s.notify(c, room.ID, "Invalid JSON format")
		return err
	}
	if in.Type != string(EventMessage) {
		log.Trace("ignoring frame", logx.String("type", in.Type))
		return nil
	}
	if !c.limiter.Allow() {
		s.notify(c, room.ID, "Rate limit exceeded")
		return fmt.Errorf("%w: rate limit exceeded", ErrProtocolViolation)
	}
	draft, err := in.draft(room.ID, c.identity)
	if err != nil {
		s.notify(c, room.ID, strings.TrimPrefix(err.Error(), ErrProtocolViolation.Error()+": "))
		return err
	}

	if s.store == nil {
		s.notify(c, room.ID, "Failed to store message")
		return fmt.Errorf("%w: no message store configured", ErrStorage)
	}
	pctx, cancel := context.WithTimeout(ctx, s.config().PersistTimeout)
	stored, err := s.store.PersistMessage(pctx, draft)
	cancel()
	if err != nil {
		log.Warn("persist message failed", logx.Err(err))
		s.notify(c, room.ID, "Failed to store message")
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	s.messages.Add(1)

	res := s.bc.Broadcast(room.ID, MessageEvent(stored), c)
	s.publish(TopicMessage, LifecycleEvent{ConnID: c.id, RoomID: room.ID, User: c.identity.Username, MessageID: stored.ID})
	log.Debug("message relayed",
		logx.Int64("message_id", stored.ID),
		logx.String("kind", string(stored.Kind)),
		logx.Int("delivered", res.Delivered),
		logx.Int("evicted", len(res.Evicted)),
	)
	return nil
}

func (s *Server) notify(c *Connection, roomID int64, msg string) {
	if err := s.bc.SendTo(c, errorEvent(roomID, msg, s.now())); err != nil {
		c.log.Debug("error notice not delivered", logx.Err(err))
	}
}

// finish is the Closing -> Closed path. It runs exactly once per session, on
// every exit path.
func (s *Server) finish(c *Connection, room chat.Room, joined bool, code CloseCode, reason string) {
	s.reg.Unregister(c)
	c.setState(StateClosing)
	if joined {
		if !s.closing.Load() {
			s.bc.Broadcast(room.ID, leftEvent(room.ID, c.identity, s.now()), c)
		}
		s.publish(TopicLeft, LifecycleEvent{ConnID: c.id, RoomID: room.ID, User: c.identity.Username})
		c.log.Info("left room", logx.String("user", c.identity.Username), logx.Int64("room_id", room.ID))
	}
	c.Close(code, reason)
	c.setState(StateClosed)
	c.log.Debug("session closed", logx.Int("code", int(code)))
}

// Evict removes c from the registry and closes it without waiting on its transport.
// The session task observes the closed transport and runs its normal cleanup.
func (s *Server) Evict(c *Connection, cause error) {
	if s.reg.Unregister(c) {
		s.evictions.Add(1)
		c.log.Info("connection evicted", logx.String("user", c.identity.Username), logx.Int64("room_id", c.roomID), logx.Err(cause))
		s.publish(TopicEvicted, LifecycleEvent{ConnID: c.id, RoomID: c.roomID, User: c.identity.Username, Reason: errorText(cause)})
	}
	c.closeAsync(closeFor(cause))
}

// register refuses with ErrServerClosed once Shutdown has begun, so every
// registered connection is in Shutdown's snapshot.
func (s *Server) register(roomID int64, c *Connection) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closing.Load() {
		return ErrServerClosed
	}
	return s.reg.Register(roomID, c)
}

// Shutdown stops accepting sessions, closes every live connection with a
// going-away status and waits for session tasks to finish. Sessions still in
// the handshake are refused when they try to join.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lifeMu.Lock()
	s.closing.Store(true)
	live := s.reg.Snapshot()
	s.lifeMu.Unlock()
	for _, c := range live {
		c.closeAsync(closeFor(ErrServerClosed))
	}
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.reg.Len(),
		Rooms:       s.reg.RoomCounts(),
		Accepted:    s.accepted.Load(),
		Rejected:    s.rejected.Load(),
		Messages:    s.messages.Load(),
		Evictions:   s.evictions.Load(),
	}
}

func (s *Server) publish(topic string, ev LifecycleEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: s.now(), Data: ev})
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
