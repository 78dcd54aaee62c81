package storage

import (
	"context"
	"errors"
	"time"

	"roomrelay/internal/chat"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrAlreadyExists = errors.New("already exists")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// User is an account record. PasswordHash is a bcrypt hash.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

func (u User) Identity() chat.Identity {
	return chat.Identity{UserID: u.ID, Username: u.Username}
}

// Store is the persistence API used by the relay, the directory and relayctl.
//
// Lookups that find nothing return chat.ErrUserNotFound or chat.ErrRoomNotFound.
// Name uniqueness is case-insensitive; duplicates return ErrAlreadyExists.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string) (User, error)
	UserByName(ctx context.Context, username string) (User, error)

	CreateRoom(ctx context.Context, name string) (chat.Room, error)
	RoomByID(ctx context.Context, id int64) (chat.Room, error)
	RoomByName(ctx context.Context, name string) (chat.Room, error)
	ListRooms(ctx context.Context) ([]chat.Room, error)

	// PersistMessage validates d, assigns an id and a server timestamp, and
	// stores it.
	PersistMessage(ctx context.Context, d chat.MessageDraft) (chat.StoredMessage, error)

	Close() error
}
