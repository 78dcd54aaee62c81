// Package eventbus fans relay lifecycle events out to in-process consumers.
//
// Publish never blocks: subscribers have bounded buffers and a slow subscriber
// loses events instead of stalling the relay.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a small, JSON-serializable signal.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered subscriber. With topics, only events whose
	// Type equals a topic or starts with "<topic>." are delivered.
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts events lost to full subscriber buffers.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	topics []string
}

func (s *sub) wants(typ string) bool {
	if len(s.topics) == 0 {
		return true
	}
	for _, t := range s.topics {
		if typ == t || strings.HasPrefix(typ, t+".") {
			return true
		}
	}
	return false
}

type memBus struct {
	// Publish holds the read lock while sending so unsubscribe never closes a
	// channel mid-send.
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), topics: topics}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
