package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roomrelay/internal/chat"
	logx "roomrelay/pkg/logx"
)

type fakeTransport struct {
	in      chan []byte
	written chan []byte

	mu       sync.Mutex
	writeErr error
	block    chan struct{} // when non-nil, writes wait for it to close
	hungUp   bool

	closeOnce sync.Once
	closed    chan struct{}
	code      CloseCode
	reason    string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:      make(chan []byte, 64),
		written: make(chan []byte, 1024),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) WriteFrame(ctx context.Context, p []byte) error {
	f.mu.Lock()
	err, block := f.writeErr, f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		case <-f.closed:
			return errors.New("closed")
		}
	}
	if err != nil {
		return err
	}
	select {
	case <-f.closed:
		return errors.New("closed")
	default:
	}
	f.written <- p
	return nil
}

func (f *fakeTransport) Close(code CloseCode, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.code, f.reason = code, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) send(t *testing.T, frame string) {
	t.Helper()
	select {
	case f.in <- []byte(frame):
	case <-time.After(2 * time.Second):
		t.Fatalf("inbound frame not consumed: %s", frame)
	}
}

func (f *fakeTransport) hangup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hungUp {
		f.hungUp = true
		close(f.in)
	}
}

func (f *fakeTransport) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) closeStatus() (CloseCode, string, bool) {
	select {
	case <-f.closed:
	default:
		return 0, "", false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.reason, true
}

// next returns the next written envelope or fails the test.
func (f *fakeTransport) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case b := <-f.written:
		var ev Envelope
		if err := json.Unmarshal(b, &ev); err != nil {
			t.Fatalf("decode written frame %q: %v", b, err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for an outbound event")
		return Envelope{}
	}
}

// nextOf skips events until one of type typ arrives.
func (f *fakeTransport) nextOf(t *testing.T, typ EventType) Envelope {
	t.Helper()
	for {
		if ev := f.next(t); ev.Type == typ {
			return ev
		}
	}
}

func (f *fakeTransport) waitClosed(t *testing.T) (CloseCode, string) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(3 * time.Second):
		t.Fatalf("transport was not closed")
	}
	code, reason, _ := f.closeStatus()
	return code, reason
}

type fakeAuth struct{ users map[string]chat.Identity }

func (a fakeAuth) Authenticate(_ context.Context, credential string) (chat.Identity, error) {
	id, ok := a.users[credential]
	if !ok {
		return chat.Identity{}, errors.New("bad token")
	}
	return id, nil
}

type fakeRooms struct {
	rooms map[string]chat.Room
	err   error
}

func (r fakeRooms) ResolveRoom(_ context.Context, ref string) (chat.Room, error) {
	if r.err != nil {
		return chat.Room{}, r.err
	}
	room, ok := r.rooms[strings.ToLower(ref)]
	if !ok {
		return chat.Room{}, chat.ErrRoomNotFound
	}
	return room, nil
}

// gatedRooms parks every lookup until release is closed.
type gatedRooms struct {
	RoomDirectory
	entered chan struct{}
	release chan struct{}
}

func (g gatedRooms) ResolveRoom(ctx context.Context, ref string) (chat.Room, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.RoomDirectory.ResolveRoom(ctx, ref)
}

type fakeStore struct {
	mu     sync.Mutex
	drafts []chat.MessageDraft
	seq    int64
	err    error
	now    time.Time
}

func (s *fakeStore) PersistMessage(_ context.Context, d chat.MessageDraft) (chat.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return chat.StoredMessage{}, s.err
	}
	s.drafts = append(s.drafts, d)
	s.seq++
	return chat.StoredMessage{
		ID:         s.seq,
		RoomID:     d.RoomID,
		Sender:     d.Sender,
		Content:    d.Content,
		Kind:       d.Kind,
		Attachment: d.Attachment,
		Timestamp:  s.now,
	}, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drafts)
}

func (s *fakeStore) recorded() []chat.MessageDraft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.MessageDraft(nil), s.drafts...)
}

func (s *fakeStore) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

var (
	alice = chat.Identity{UserID: 1, Username: "alice"}
	bob   = chat.Identity{UserID: 2, Username: "bob"}
	carol = chat.Identity{UserID: 3, Username: "carol"}
)

type harness struct {
	srv   *Server
	store *fakeStore
	ctx   context.Context
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := &fakeStore{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	srv := NewServer(cfg, nil, Deps{
		Auth: fakeAuth{users: map[string]chat.Identity{
			"tok-alice": alice,
			"tok-bob":   bob,
			"tok-carol": carol,
		}},
		Rooms: fakeRooms{rooms: map[string]chat.Room{
			"42":      {ID: 42, Name: "general"},
			"7":       {ID: 7, Name: "random"},
			"general": {ID: 42, Name: "general"},
		}},
		Store: store,
		Log:   logx.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
		cancel()
	})
	return &harness{srv: srv, store: store, ctx: ctx}
}

type session struct {
	ft   *fakeTransport
	done chan error
}

// join starts a session and waits for its connected notice.
func (h *harness) join(t *testing.T, room, token string) *session {
	t.Helper()
	s := h.start(room, token)
	if ev := s.ft.next(t); ev.Type != EventConnected {
		t.Fatalf("first event = %+v, want connected", ev)
	}
	return s
}

func (h *harness) start(room, token string) *session {
	s := &session{ft: newFakeTransport(), done: make(chan error, 1)}
	go func() {
		s.done <- h.srv.Serve(h.ctx, s.ft, ConnectRequest{RoomRef: room, Credential: token, RemoteAddr: "test"})
	}()
	return s
}

func (s *session) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not finish")
		return nil
	}
}

func (h *harness) connOf(t *testing.T, roomID int64, ft *fakeTransport) *Connection {
	t.Helper()
	for _, c := range h.srv.Registry().MembersOf(roomID) {
		if c.transport == ft {
			return c
		}
	}
	t.Fatalf("transport not registered in room %d", roomID)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var connSeq atomic.Int64

func newTestConn(t *testing.T, cfg Config) (*Connection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := newConnection(fmt.Sprintf("test-%d", connSeq.Add(1)), ft, cfg, time.Now(), logx.Nop(), nil)
	t.Cleanup(func() { c.Close(CloseNormal, "") })
	return c, ft
}
