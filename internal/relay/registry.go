package relay

import (
	"sync"
	"time"
)

// Registry is the authoritative map of room membership.
//
// Member slices are copy-on-write: MembersOf hands out the current slice, which
// is never mutated afterwards, so callers iterate a stable snapshot without
// holding the lock. Callers must not modify returned slices.
type Registry struct {
	mu    sync.RWMutex
	rooms map[int64][]*Connection
	index map[string]int64

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: map[int64][]*Connection{},
		index: map[string]int64{},
		now:   time.Now,
	}
}

// Register adds c to roomID and marks it active.
func (r *Registry) Register(roomID int64, c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[c.id]; ok {
		return ErrAlreadyRegistered
	}
	if c.isClosed() {
		return ErrConnectionClosed
	}
	c.roomID = roomID
	c.setState(StateActive)

	cur := r.rooms[roomID]
	next := make([]*Connection, len(cur), len(cur)+1)
	copy(next, cur)
	r.rooms[roomID] = append(next, c)
	r.index[c.id] = roomID
	return nil
}

// Unregister removes c from whichever room holds it. It reports whether this call
// removed it; absent handles are a no-op.
func (r *Registry) Unregister(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.index[c.id]
	if !ok {
		return false
	}
	delete(r.index, c.id)
	c.casState(StateActive, StateClosing)

	cur := r.rooms[roomID]
	if len(cur) <= 1 {
		delete(r.rooms, roomID)
		return true
	}
	next := make([]*Connection, 0, len(cur)-1)
	for _, m := range cur {
		if m != c {
			next = append(next, m)
		}
	}
	r.rooms[roomID] = next
	return true
}

// MembersOf returns a point-in-time snapshot of the room, in join order.
func (r *Registry) MembersOf(roomID int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// Touch records activity on c.
func (r *Registry) Touch(c *Connection) {
	c.lastActivity.Store(r.now().UnixNano())
}

// Contains reports whether c is currently registered.
func (r *Registry) Contains(c *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[c.id]
	return ok
}

// Snapshot returns every registered connection.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.index))
	for _, members := range r.rooms {
		out = append(out, members...)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// RoomCounts returns member counts per non-empty room.
func (r *Registry) RoomCounts() map[int64]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]int, len(r.rooms))
	for id, members := range r.rooms {
		out[id] = len(members)
	}
	return out
}

// Evict unregisters c and closes its transport in the background.
// Registry-level eviction has no observers; Server.Evict adds logging and events.
func (r *Registry) Evict(c *Connection, cause error) {
	r.Unregister(c)
	c.closeAsync(closeFor(cause))
}
