// Package directory resolves the room reference a client connects with.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"roomrelay/internal/chat"
	logx "roomrelay/pkg/logx"
)

// Rooms is the lookup surface of the store.
type Rooms interface {
	RoomByID(ctx context.Context, id int64) (chat.Room, error)
	RoomByName(ctx context.Context, name string) (chat.Room, error)
}

type entry struct {
	room    chat.Room
	expires time.Time
}

// Directory resolves numeric ids or case-insensitive names. Hits are cached
// for ttl; misses are never cached.
type Directory struct {
	rooms Rooms
	ttl   time.Duration
	log   logx.Logger
	now   func() time.Time

	sf    singleflight.Group
	mu    sync.RWMutex
	cache map[string]entry
}

func New(rooms Rooms, ttl time.Duration, log logx.Logger) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory{
		rooms: rooms,
		ttl:   ttl,
		log:   log,
		now:   time.Now,
		cache: map[string]entry{},
	}
}

// ResolveRoom returns chat.ErrRoomNotFound when ref names no room.
func (d *Directory) ResolveRoom(ctx context.Context, ref string) (chat.Room, error) {
	key := strings.ToLower(strings.TrimSpace(ref))
	if key == "" {
		return chat.Room{}, fmt.Errorf("%w: empty reference", chat.ErrRoomNotFound)
	}
	if r, ok := d.cached(key); ok {
		return r, nil
	}

	v, err, shared := d.sf.Do(key, func() (any, error) {
		return d.lookup(ctx, key)
	})
	if err != nil {
		return chat.Room{}, err
	}
	room := v.(chat.Room)
	if shared {
		d.log.Trace("room lookup shared", logx.String("ref", key))
	}
	d.store(key, room)
	return room, nil
}

func (d *Directory) lookup(ctx context.Context, key string) (chat.Room, error) {
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		room, err := d.rooms.RoomByID(ctx, id)
		if err == nil || !errors.Is(err, chat.ErrRoomNotFound) {
			return room, err
		}
	}
	return d.rooms.RoomByName(ctx, key)
}

func (d *Directory) cached(key string) (chat.Room, bool) {
	d.mu.RLock()
	e, ok := d.cache[key]
	off := d.ttl <= 0
	d.mu.RUnlock()
	if off || !ok || d.now().After(e.expires) {
		return chat.Room{}, false
	}
	return e.room, true
}

func (d *Directory) store(key string, room chat.Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ttl <= 0 {
		return
	}
	d.cache[key] = entry{room: room, expires: d.now().Add(d.ttl)}
}

// SetTTL changes the cache lifetime for new entries. A ttl <= 0 disables
// caching and drops what is cached.
func (d *Directory) SetTTL(ttl time.Duration) {
	d.mu.Lock()
	d.ttl = ttl
	if ttl <= 0 {
		d.cache = map[string]entry{}
	}
	d.mu.Unlock()
}

// Forget drops every cached entry.
func (d *Directory) Forget() {
	d.mu.Lock()
	d.cache = map[string]entry{}
	d.mu.Unlock()
}
