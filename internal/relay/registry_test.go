package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistryRegisterMembersOf(t *testing.T) {
	reg := NewRegistry()
	a, _ := newTestConn(t, Config{})
	b, _ := newTestConn(t, Config{})
	c, _ := newTestConn(t, Config{})

	for _, step := range []struct {
		room int64
		conn *Connection
	}{{1, a}, {1, b}, {2, c}} {
		if err := reg.Register(step.room, step.conn); err != nil {
			t.Fatalf("Register(%d, %s) error = %v", step.room, step.conn.ID(), err)
		}
	}

	got := reg.MembersOf(1)
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("MembersOf(1) = %v, want [a b] in join order", ids(got))
	}
	if got := reg.MembersOf(3); len(got) != 0 {
		t.Fatalf("MembersOf(3) = %v, want empty", ids(got))
	}
	if a.State() != StateActive || a.RoomID() != 1 {
		t.Fatalf("a state=%s room=%d, want active in room 1", a.State(), a.RoomID())
	}
	if n := reg.Len(); n != 3 {
		t.Fatalf("Len() = %d, want 3", n)
	}
	counts := reg.RoomCounts()
	if counts[1] != 2 || counts[2] != 1 {
		t.Fatalf("RoomCounts() = %v", counts)
	}
}

func TestRegistryRejectsDoubleRegister(t *testing.T) {
	reg := NewRegistry()
	a, _ := newTestConn(t, Config{})
	if err := reg.Register(1, a); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	if err := reg.Register(2, a); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("second Register error = %v, want ErrAlreadyRegistered", err)
	}
	if got := reg.MembersOf(2); len(got) != 0 {
		t.Fatalf("connection leaked into room 2: %v", ids(got))
	}
}

func TestRegistryRejectsClosedConnection(t *testing.T) {
	reg := NewRegistry()
	a, _ := newTestConn(t, Config{})
	a.Close(CloseNormal, "")
	if err := reg.Register(1, a); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Register(closed) error = %v, want ErrConnectionClosed", err)
	}
	if a.State() == StateActive {
		t.Fatalf("closed connection became active")
	}
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	reg := NewRegistry()
	a, _ := newTestConn(t, Config{})
	b, _ := newTestConn(t, Config{})
	_ = reg.Register(5, a)
	_ = reg.Register(5, b)

	if !reg.Unregister(a) {
		t.Fatalf("first Unregister should report removal")
	}
	if reg.Unregister(a) {
		t.Fatalf("second Unregister should be a no-op")
	}
	if got := reg.MembersOf(5); len(got) != 1 || got[0] != b {
		t.Fatalf("MembersOf(5) = %v, want [b]", ids(got))
	}
	if a.State() != StateClosing {
		t.Fatalf("state after Unregister = %s, want closing", a.State())
	}

	var removed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.Unregister(b) {
				removed.Add(1)
			}
		}()
	}
	wg.Wait()
	if removed.Load() != 1 {
		t.Fatalf("concurrent Unregister removed %d times, want 1", removed.Load())
	}
	if reg.Len() != 0 || len(reg.RoomCounts()) != 0 {
		t.Fatalf("registry not empty: len=%d rooms=%v", reg.Len(), reg.RoomCounts())
	}
}

func TestRegistrySnapshotIsStable(t *testing.T) {
	reg := NewRegistry()
	a, _ := newTestConn(t, Config{})
	b, _ := newTestConn(t, Config{})
	_ = reg.Register(9, a)

	snap := reg.MembersOf(9)
	_ = reg.Register(9, b)
	reg.Unregister(a)

	if len(snap) != 1 || snap[0] != a {
		t.Fatalf("snapshot changed after later mutations: %v", ids(snap))
	}
	if got := reg.MembersOf(9); len(got) != 1 || got[0] != b {
		t.Fatalf("MembersOf(9) = %v, want [b]", ids(got))
	}
}

func TestRegistryConcurrentMembershipMatchesState(t *testing.T) {
	reg := NewRegistry()
	const n = 64
	conns := make([]*Connection, n)
	for i := range conns {
		conns[i], _ = newTestConn(t, Config{})
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *Connection) {
			defer wg.Done()
			room := int64(i % 4)
			if err := reg.Register(room, c); err != nil {
				t.Errorf("Register error = %v", err)
				return
			}
			reg.Touch(c)
			_ = reg.MembersOf(room)
			if i%2 == 0 {
				reg.Unregister(c)
			}
		}(i, c)
	}
	wg.Wait()

	for i, c := range conns {
		in := reg.Contains(c)
		active := c.State() == StateActive
		if in != active {
			t.Fatalf("conn %d: registered=%v active=%v", i, in, active)
		}
		if want := i%2 != 0; in != want {
			t.Fatalf("conn %d: registered=%v, want %v", i, in, want)
		}
	}
	if reg.Len() != n/2 {
		t.Fatalf("Len() = %d, want %d", reg.Len(), n/2)
	}
}

func ids(cs []*Connection) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID())
	}
	return out
}
