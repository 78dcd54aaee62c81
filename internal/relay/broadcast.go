package relay

import (
	"errors"

	logx "roomrelay/pkg/logx"
)

// BroadcastResult summarizes one fan-out.
type BroadcastResult struct {
	Delivered int
	Evicted   []string
}

// Broadcaster fans events out to room members.
type Broadcaster struct {
	reg   *Registry
	evict Evictor
	log   logx.Logger
}

func NewBroadcaster(reg *Registry, evict Evictor, log logx.Logger) *Broadcaster {
	if evict == nil {
		evict = reg
	}
	return &Broadcaster{reg: reg, evict: evict, log: log}
}

// Broadcast delivers ev to every member of roomID except exclude.
//
// Delivery runs against a snapshot. Members that cannot accept the event are
// collected and evicted after the fan-out, never mid-iteration.
func (b *Broadcaster) Broadcast(roomID int64, ev Envelope, exclude ...*Connection) BroadcastResult {
	var res BroadcastResult
	payload, err := encode(ev)
	if err != nil {
		b.log.Error("broadcast dropped", logx.Int64("room_id", roomID), logx.Err(err))
		return res
	}

	type failure struct {
		c   *Connection
		err error
	}
	var failed []failure

	for _, m := range b.reg.MembersOf(roomID) {
		if excluded(m, exclude) {
			continue
		}
		if err := m.deliver(payload); err != nil {
			failed = append(failed, failure{c: m, err: err})
			continue
		}
		res.Delivered++
	}

	for _, f := range failed {
		cause := f.err
		if !errors.Is(cause, ErrTransport) {
			cause = errors.Join(ErrTransport, cause)
		}
		b.log.Debug("recipient failed; evicting",
			logx.String("conn", f.c.id),
			logx.Int64("room_id", roomID),
			logx.String("event", string(ev.Type)),
			logx.Err(f.err),
		)
		b.evict.Evict(f.c, cause)
		res.Evicted = append(res.Evicted, f.c.id)
	}
	return res
}

// SendTo delivers ev to c alone. A failure is returned to the caller and does not
// touch any other connection.
func (b *Broadcaster) SendTo(c *Connection, ev Envelope) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	return c.deliver(payload)
}

func excluded(c *Connection, exclude []*Connection) bool {
	for _, e := range exclude {
		if e == c {
			return true
		}
	}
	return false
}
