package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"roomrelay/internal/chat"
	logx "roomrelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, errors.New("username is required")
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, password_hash, created_at) VALUES(?,?,?)`,
		username, passwordHash, now.Format(timeLayout),
	)
	if err != nil {
		return User{}, mapConstraint(err, "user "+username)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, err
	}
	return User{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: now}, nil
}

func (s *sqliteStore) UserByName(ctx context.Context, username string) (User, error) {
	var (
		u  User
		at string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`,
		strings.TrimSpace(username),
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: %s", chat.ErrUserNotFound, username)
	}
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = parseTime(at)
	return u, nil
}

func (s *sqliteStore) CreateRoom(ctx context.Context, name string) (chat.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chat.Room{}, errors.New("room name is required")
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_rooms(name, created_at) VALUES(?,?)`,
		name, now.Format(timeLayout),
	)
	if err != nil {
		return chat.Room{}, mapConstraint(err, "room "+name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Room{}, err
	}
	return chat.Room{ID: id, Name: name, CreatedAt: now}, nil
}

func (s *sqliteStore) RoomByID(ctx context.Context, id int64) (chat.Room, error) {
	return s.room(ctx, `SELECT id, name, created_at FROM chat_rooms WHERE id = ?`, id)
}

func (s *sqliteStore) RoomByName(ctx context.Context, name string) (chat.Room, error) {
	return s.room(ctx, `SELECT id, name, created_at FROM chat_rooms WHERE name = ?`, strings.TrimSpace(name))
}

func (s *sqliteStore) room(ctx context.Context, query string, arg any) (chat.Room, error) {
	var (
		r  chat.Room
		at string
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&r.ID, &r.Name, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Room{}, fmt.Errorf("%w: %v", chat.ErrRoomNotFound, arg)
	}
	if err != nil {
		return chat.Room{}, err
	}
	r.CreatedAt = parseTime(at)
	return r, nil
}

func (s *sqliteStore) ListRooms(ctx context.Context) ([]chat.Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM chat_rooms ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.Room
	for rows.Next() {
		var (
			r  chat.Room
			at string
		)
		if err := rows.Scan(&r.ID, &r.Name, &at); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PersistMessage(ctx context.Context, d chat.MessageDraft) (chat.StoredMessage, error) {
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
	now := s.now().UTC()

	var (
		url, name, mime any
		size            any
	)
	if a := d.Attachment; a != nil {
		url, name, mime, size = a.URL, a.Name, a.MIMEType, a.Size
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(room_id, sender_id, sender_name, content, message_type, file_url, file_name, file_size, mime_type, timestamp)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		d.RoomID, d.Sender.UserID, d.Sender.Username, nullStr(d.Content), string(d.Kind),
		url, name, size, mime, now.Format(timeLayout),
	)
	if err != nil {
		var se *sqlite.Error
		if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
			return chat.StoredMessage{}, fmt.Errorf("%w: %d", chat.ErrRoomNotFound, d.RoomID)
		}
		return chat.StoredMessage{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.StoredMessage{}, err
	}
	return chat.StoredMessage{
		ID:         id,
		RoomID:     d.RoomID,
		Sender:     d.Sender,
		Content:    d.Content,
		Kind:       d.Kind,
		Attachment: d.Attachment,
		Timestamp:  now,
	}, nil
}

func mapConstraint(err error, what string) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, what)
		}
	}
	return err
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
