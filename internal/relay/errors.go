package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed: credential absent, malformed or rejected. Terminal.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrRoomNotFound: the requested room does not resolve. Terminal.
	ErrRoomNotFound = errors.New("room not found")
	// ErrProtocolViolation: malformed frame or invalid message payload. Non-terminal.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrStorage: a collaborator failed to read or persist. Non-terminal inside the receive loop.
	ErrStorage = errors.New("storage error")
	// ErrTransport: the underlying duplex channel failed. Terminal for that connection only.
	ErrTransport = errors.New("transport error")
	// ErrAlreadyRegistered: the handle is already a member of some room.
	ErrAlreadyRegistered = errors.New("connection already registered")

	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrStale            = errors.New("connection stale")
	ErrServerClosed     = errors.New("relay server closed")
)

// CloseCode is a websocket close status (RFC 6455 section 7.4.1).
type CloseCode int

const (
	CloseNormal          CloseCode = 1000
	CloseGoingAway       CloseCode = 1001
	ClosePolicyViolation CloseCode = 1008
	CloseInternalError   CloseCode = 1011
)

// CloseError describes why a session ended and how the transport was closed.
type CloseError struct {
	Code   CloseCode
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("closed %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("closed %d (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

func closeFor(cause error) (CloseCode, string) {
	switch {
	case errors.Is(cause, ErrStale):
		return CloseGoingAway, "idle timeout"
	case errors.Is(cause, ErrServerClosed):
		return CloseGoingAway, "server shutting down"
	case errors.Is(cause, ErrAuthenticationFailed):
		return ClosePolicyViolation, "authentication failed"
	case errors.Is(cause, ErrRoomNotFound):
		return ClosePolicyViolation, "room not found"
	default:
		return CloseInternalError, "internal server error"
	}
}
