package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"roomrelay/internal/chat"
)

type memoryStore struct {
	mu sync.Mutex

	users     map[string]User // by normalized name
	rooms     map[int64]chat.Room
	roomNames map[string]int64
	messages  []chat.StoredMessage

	userSeq, roomSeq, msgSeq int64
	now                      func() time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		users:     map[string]User{},
		rooms:     map[int64]chat.Room{},
		roomNames: map[string]int64{},
		now:       time.Now,
	}
}

func (m *memoryStore) CreateUser(_ context.Context, username, passwordHash string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, errors.New("username is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normName(username)
	if _, ok := m.users[key]; ok {
		return User{}, fmt.Errorf("%w: user %s", ErrAlreadyExists, username)
	}
	m.userSeq++
	u := User{ID: m.userSeq, Username: username, PasswordHash: passwordHash, CreatedAt: m.now().UTC()}
	m.users[key] = u
	return u, nil
}

func (m *memoryStore) UserByName(_ context.Context, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[normName(username)]
	if !ok {
		return User{}, fmt.Errorf("%w: %s", chat.ErrUserNotFound, username)
	}
	return u, nil
}

func (m *memoryStore) CreateRoom(_ context.Context, name string) (chat.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chat.Room{}, errors.New("room name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normName(name)
	if _, ok := m.roomNames[key]; ok {
		return chat.Room{}, fmt.Errorf("%w: room %s", ErrAlreadyExists, name)
	}
	m.roomSeq++
	r := chat.Room{ID: m.roomSeq, Name: name, CreatedAt: m.now().UTC()}
	m.rooms[r.ID] = r
	m.roomNames[key] = r.ID
	return r, nil
}

func (m *memoryStore) RoomByID(_ context.Context, id int64) (chat.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return chat.Room{}, fmt.Errorf("%w: %d", chat.ErrRoomNotFound, id)
	}
	return r, nil
}

func (m *memoryStore) RoomByName(_ context.Context, name string) (chat.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.roomNames[normName(name)]
	if !ok {
		return chat.Room{}, fmt.Errorf("%w: %s", chat.ErrRoomNotFound, name)
	}
	return m.rooms[id], nil
}

func (m *memoryStore) ListRooms(context.Context) ([]chat.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chat.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) PersistMessage(ctx context.Context, d chat.MessageDraft) (chat.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return chat.StoredMessage{}, err
	}
	if d.Kind == "" {
		d.Kind = chat.KindText
	}
	// Blank text is stored as absent; the returned record must match the row.
	if !d.HasText() {
		d.Content = ""
	}
	if err := d.Validate(); err != nil {
		return chat.StoredMessage{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[d.RoomID]; !ok {
		return chat.StoredMessage{}, fmt.Errorf("%w: %d", chat.ErrRoomNotFound, d.RoomID)
	}
	m.msgSeq++
	msg := chat.StoredMessage{
		ID:         m.msgSeq,
		RoomID:     d.RoomID,
		Sender:     d.Sender,
		Content:    d.Content,
		Kind:       d.Kind,
		Attachment: d.Attachment,
		Timestamp:  m.now().UTC(),
	}
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *memoryStore) Close() error { return nil }
