package relay

import (
	"context"

	"roomrelay/internal/chat"
)

// Transport is one live duplex channel. Implementations must unblock a pending
// ReadFrame when Close is called. WriteFrame is only ever called from one goroutine.
// Close may be called concurrently with ReadFrame and WriteFrame.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
	Close(code CloseCode, reason string) error
}

// ActivityNotifier is implemented by transports that observe liveness below the
// frame level (websocket ping/pong).
type ActivityNotifier interface {
	OnActivity(fn func())
}

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (chat.Identity, error)
}

// RoomDirectory resolves a room reference (numeric id or name). It reports
// chat.ErrRoomNotFound for unknown rooms.
type RoomDirectory interface {
	ResolveRoom(ctx context.Context, ref string) (chat.Room, error)
}

type MessageStore interface {
	PersistMessage(ctx context.Context, draft chat.MessageDraft) (chat.StoredMessage, error)
}

// Evictor forcibly removes a connection. It must not block on the connection's transport.
type Evictor interface {
	Evict(c *Connection, cause error)
}
