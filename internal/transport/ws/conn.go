// Package ws carries relay sessions over gorilla/websocket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"roomrelay/internal/relay"
)

const controlTimeout = time.Second

var (
	_ relay.Transport        = (*Conn)(nil)
	_ relay.ActivityNotifier = (*Conn)(nil)
)

// Conn adapts a websocket connection to relay.Transport.
type Conn struct {
	ws *websocket.Conn

	writeMu  sync.Mutex
	activity atomic.Pointer[func()]
	closed   atomic.Bool
}

// NewConn wraps ws. Inbound messages larger than readLimit bytes end the
// session; 0 leaves gorilla's default.
func NewConn(ws *websocket.Conn, readLimit int64) *Conn {
	c := &Conn{ws: ws}
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	ws.SetPingHandler(func(data string) error {
		c.touch()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	return c
}

// OnActivity registers fn to run on ping and pong control frames.
func (c *Conn) OnActivity(fn func()) { c.activity.Store(&fn) }

func (c *Conn) touch() {
	if fn := c.activity.Load(); fn != nil {
		(*fn)()
	}
}

// ReadFrame blocks for the next data message. A clean close by either side
// reads as io.EOF; anything else wraps relay.ErrTransport.
func (c *Conn) ReadFrame(context.Context) ([]byte, error) {
	_, p, err := c.ws.ReadMessage()
	if err == nil {
		return p, nil
	}
	if c.closed.Load() ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed) {
		return nil, io.EOF
	}
	return nil, fmt.Errorf("%w: read: %w", relay.ErrTransport, err)
}

func (c *Conn) WriteFrame(ctx context.Context, p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return fmt.Errorf("%w: write: %w", relay.ErrTransport, err)
	}
	return nil
}

// Close sends a close frame with code and reason, then drops the connection.
func (c *Conn) Close(code relay.CloseCode, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(int(code), reason)
	werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlTimeout))
	cerr := c.ws.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) && !errors.Is(werr, net.ErrClosed) {
		return werr
	}
	return cerr
}
