// Package chat holds the domain records shared by the relay core and its
// collaborators: identities, rooms and chat messages.
package chat

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrInvalidMessage = errors.New("invalid message")
)

// Identity is the authenticated principal bound to a connection at handshake.
type Identity struct {
	UserID   int64
	Username string
}

type Room struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
)

// ParseKind maps a wire value to a kind. Empty means text.
func ParseKind(s string) (MessageKind, error) {
	switch k := MessageKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindText, nil
	case KindText, KindImage, KindVideo, KindAudio, KindDocument:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown message_type %q", ErrInvalidMessage, s)
	}
}

// Attachment references an uploaded file. Blob storage lives elsewhere.
type Attachment struct {
	URL      string
	Name     string
	Size     int64
	MIMEType string
}

// MessageDraft is what the relay asks the store to persist.
type MessageDraft struct {
	RoomID     int64
	Sender     Identity
	Content    string
	Kind       MessageKind
	Attachment *Attachment
}

// HasText reports whether the draft carries a non-blank text body.
func (d MessageDraft) HasText() bool { return strings.TrimSpace(d.Content) != "" }

// Validate enforces that a message is text-bearing, file-bearing, or both.
func (d MessageDraft) Validate() error {
	if d.RoomID <= 0 {
		return fmt.Errorf("%w: missing room", ErrInvalidMessage)
	}
	switch d.Kind {
	case KindText, KindImage, KindVideo, KindAudio, KindDocument:
	default:
		return fmt.Errorf("%w: unknown message_type %q", ErrInvalidMessage, d.Kind)
	}
	if d.Attachment != nil {
		a := d.Attachment
		if strings.TrimSpace(a.URL) == "" || strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.MIMEType) == "" || a.Size < 0 {
			return fmt.Errorf("%w: incomplete file metadata (file_url, file_name, file_size and mime_type are required together)", ErrInvalidMessage)
		}
	}
	if d.Kind != KindText && d.Attachment == nil {
		return fmt.Errorf("%w: message_type %q requires file metadata", ErrInvalidMessage, d.Kind)
	}
	if !d.HasText() && d.Attachment == nil {
		return fmt.Errorf("%w: missing 'content', 'file_url', or 'attachment' field", ErrInvalidMessage)
	}
	return nil
}

// StoredMessage is a persisted chat message. It is never mutated after creation.
type StoredMessage struct {
	ID         int64
	RoomID     int64
	Sender     Identity
	Content    string
	Kind       MessageKind
	Attachment *Attachment
	Timestamp  time.Time
}

const filesPrefix = "/api/files/"

// NormalizeFileURL turns absolute upload URLs into the relative /api/files/<name>
// form so stored records do not depend on the host a client used.
func NormalizeFileURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	i := strings.Index(u.Path, filesPrefix)
	if i < 0 {
		return raw
	}
	name, _, _ := strings.Cut(u.Path[i+len(filesPrefix):], "/")
	if name == "" {
		return raw
	}
	return filesPrefix + name
}
