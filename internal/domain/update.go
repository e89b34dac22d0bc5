package domain

import "time"

// Kind tags a normalized update.
type Kind string

const (
	KindMessage       Kind = "message"
	KindEditedMessage Kind = "edited_message"
	KindCommand       Kind = "command"
	KindUnknown       Kind = "unknown"
)

// CarriesMessage reports whether updates of this kind are archived.
func (k Kind) CarriesMessage() bool {
	return k == KindMessage || k == KindEditedMessage || k == KindCommand
}

// ChatInfo is what an update tells us about its chat.
type ChatInfo struct {
	ID    int64
	Type  string
	Title string
}

// Author is the sender of a message.
type Author struct {
	ID          int64
	DisplayName string
	Username    string
	IsBot       bool
}

// InboundMessage is the message part of an update.
type InboundMessage struct {
	MessageID int64
	From      *Author
	Text      *string
	ReplyToID *int64
	SentAt    time.Time
}

// Command is a parsed bot command such as "/bot on".
type Command struct {
	Name string
	Args string
}

// Update is one normalized inbound platform event.
// ChatID is zero when the update cannot be tied to a chat.
type Update struct {
	ID         int64
	Kind       Kind
	ChatID     int64
	Chat       *ChatInfo
	Message    *InboundMessage
	Command    *Command
	RawType    string
	ReceivedAt time.Time
}

// ArchiveRecord converts a message-bearing update into the row the archive stores.
func (u Update) ArchiveRecord() (Message, bool) {
	if !u.Kind.CarriesMessage() || u.Message == nil || u.ChatID == 0 {
		return Message{}, false
	}
	m := Message{
		ChatID:     u.ChatID,
		MessageID:  u.Message.MessageID,
		Text:       u.Message.Text,
		ReplyToID:  u.Message.ReplyToID,
		Kind:       u.Kind,
		SentAt:     u.Message.SentAt,
		ReceivedAt: u.ReceivedAt,
	}
	if u.Message.From != nil {
		id := u.Message.From.ID
		m.UserID = &id
	}
	if m.SentAt.IsZero() {
		m.SentAt = u.ReceivedAt
	}
	return m, true
}

// ArchiveResult says what the archive did with a message.
type ArchiveResult string

const (
	ArchiveSkipped   ArchiveResult = "skipped"
	ArchiveStored    ArchiveResult = "stored"
	ArchiveDuplicate ArchiveResult = "duplicate"
)

// Outcome is the result of dispatching a single update.
type Outcome struct {
	Update      Update
	ChatCreated bool
	// Settings is resolved for command updates only.
	Settings *ChatSettings
	Archive  ArchiveResult
	Err      error
	Duration time.Duration
}
