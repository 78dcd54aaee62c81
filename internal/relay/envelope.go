package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"roomrelay/internal/chat"
)

type EventType string

const (
	EventConnected  EventType = "connected"
	EventUserJoined EventType = "user_joined"
	EventUserLeft   EventType = "user_left"
	EventMessage    EventType = "message"
	EventError      EventType = "error"
)

// TimestampLayout is ISO-8601 with milliseconds, always rendered in UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the event record exchanged over a connection.
type Envelope struct {
	Type        EventType        `json:"type"`
	RoomID      int64            `json:"room_id,omitempty"`
	RoomName    string           `json:"room_name,omitempty"`
	MessageID   int64            `json:"message_id,omitempty"`
	Sender      string           `json:"sender,omitempty"`
	Message     string           `json:"message,omitempty"`
	MessageType chat.MessageKind `json:"message_type,omitempty"`
	FileURL     string           `json:"file_url,omitempty"`
	FileName    string           `json:"file_name,omitempty"`
	FileSize    *int64           `json:"file_size,omitempty"`
	MIMEType    string           `json:"mime_type,omitempty"`
	Timestamp   string           `json:"timestamp"`
}

func stamp(t time.Time) string { return t.UTC().Format(TimestampLayout) }

func connectedEvent(room chat.Room, now time.Time) Envelope {
	return Envelope{
		Type:      EventConnected,
		RoomID:    room.ID,
		RoomName:  room.Name,
		Message:   "Connected to " + room.Name,
		Timestamp: stamp(now),
	}
}

func joinedEvent(roomID int64, who chat.Identity, now time.Time) Envelope {
	return Envelope{
		Type:      EventUserJoined,
		RoomID:    roomID,
		Sender:    who.Username,
		Message:   who.Username + " joined the chat",
		Timestamp: stamp(now),
	}
}

func leftEvent(roomID int64, who chat.Identity, now time.Time) Envelope {
	return Envelope{
		Type:      EventUserLeft,
		RoomID:    roomID,
		Sender:    who.Username,
		Message:   who.Username + " left the chat",
		Timestamp: stamp(now),
	}
}

func errorEvent(roomID int64, msg string, now time.Time) Envelope {
	return Envelope{Type: EventError, RoomID: roomID, Message: msg, Timestamp: stamp(now)}
}

// MessageEvent renders a stored record. The event carries exactly the record's fields.
func MessageEvent(m chat.StoredMessage) Envelope {
	ev := Envelope{
		Type:        EventMessage,
		RoomID:      m.RoomID,
		MessageID:   m.ID,
		Sender:      m.Sender.Username,
		Message:     m.Content,
		MessageType: m.Kind,
		Timestamp:   stamp(m.Timestamp),
	}
	if a := m.Attachment; a != nil {
		size := a.Size
		ev.FileURL = a.URL
		ev.FileName = a.Name
		ev.FileSize = &size
		ev.MIMEType = a.MIMEType
	}
	return ev
}

func encode(ev Envelope) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return b, nil
}

// inboundFrame is the client-to-server record. File metadata may come flat or
// as an attachment object.
type inboundFrame struct {
	Type        string             `json:"type"`
	Content     *string            `json:"content"`
	MessageType string             `json:"message_type"`
	FileURL     string             `json:"file_url"`
	FileName    string             `json:"file_name"`
	FileSize    *int64             `json:"file_size"`
	MIMEType    string             `json:"mime_type"`
	Attachment  *inboundAttachment `json:"attachment"`
}

type inboundAttachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     *int64 `json:"size"`
	MIMEType string `json:"mime_type"`
}

func decodeFrame(b []byte) (inboundFrame, error) {
	var in inboundFrame
	if err := json.Unmarshal(b, &in); err != nil {
		return inboundFrame{}, fmt.Errorf("%w: invalid JSON: %v", ErrProtocolViolation, err)
	}
	return in, nil
}

func (in inboundFrame) attachment() *chat.Attachment {
	url, name, mime, size := in.FileURL, in.FileName, in.MIMEType, in.FileSize
	if a := in.Attachment; a != nil {
		url, name, mime, size = a.URL, a.Filename, a.MIMEType, a.Size
	}
	if url == "" && name == "" && mime == "" && size == nil {
		return nil
	}
	out := &chat.Attachment{URL: chat.NormalizeFileURL(url), Name: name, MIMEType: mime, Size: -1}
	if size != nil {
		out.Size = *size
	}
	return out
}

// draft builds and validates a message draft. Failures wrap ErrProtocolViolation.
func (in inboundFrame) draft(roomID int64, sender chat.Identity) (chat.MessageDraft, error) {
	kind, err := chat.ParseKind(in.MessageType)
	if err != nil {
		return chat.MessageDraft{}, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	d := chat.MessageDraft{
		RoomID:     roomID,
		Sender:     sender,
		Kind:       kind,
		Attachment: in.attachment(),
	}
	if in.Content != nil {
		d.Content = *in.Content
	}
	if err := d.Validate(); err != nil {
		return chat.MessageDraft{}, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return d, nil
}
