// Package domain holds the records shared by the ingestion pipeline: stored
// rows, normalized platform updates, dispatch outcomes and the error taxonomy.
package domain

import (
	"fmt"
	"time"
)

// Chat is a group or private chat seen on the platform.
type Chat struct {
	ChatID    int64     `db:"chat_id" json:"chat_id"`
	ChatType  string    `db:"chat_type" json:"chat_type"`
	Title     *string   `db:"title" json:"title,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ProfanityPolicy controls how rough the bot is allowed to be in a chat.
type ProfanityPolicy string

const (
	ProfanityOff  ProfanityPolicy = "off"
	ProfanitySoft ProfanityPolicy = "soft"
	ProfanityHard ProfanityPolicy = "hard"
)

// Valid reports whether p is one of the known policies.
func (p ProfanityPolicy) Valid() bool {
	switch p {
	case ProfanityOff, ProfanitySoft, ProfanityHard:
		return true
	}
	return false
}

// ParseProfanityPolicy validates a policy name.
func ParseProfanityPolicy(s string) (ProfanityPolicy, error) {
	p := ProfanityPolicy(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown profanity policy %q", s)
	}
	return p, nil
}

// ChatSettings is the per-chat configuration row. There is exactly one per chat.
type ChatSettings struct {
	ChatID          int64           `db:"chat_id" json:"chat_id"`
	Enabled         bool            `db:"enabled" json:"enabled"`
	ProfanityPolicy ProfanityPolicy `db:"profanity_policy" json:"profanity_policy"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// DefaultSettings returns the settings a chat starts with.
func DefaultSettings(chatID int64, now time.Time) ChatSettings {
	return ChatSettings{
		ChatID:          chatID,
		Enabled:         true,
		ProfanityPolicy: ProfanityOff,
		UpdatedAt:       now,
	}
}

// User is a message author.
type User struct {
	UserID      int64     `db:"user_id" json:"user_id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Username    *string   `db:"username" json:"username,omitempty"`
	IsBot       bool      `db:"is_bot" json:"is_bot"`
	LastSeenAt  time.Time `db:"last_seen_at" json:"last_seen_at"`
}

// Message is an archived message event, keyed by (ChatID, MessageID).
type Message struct {
	ChatID     int64     `db:"chat_id" json:"chat_id"`
	MessageID  int64     `db:"message_id" json:"message_id"`
	UserID     *int64    `db:"user_id" json:"user_id,omitempty"`
	Text       *string   `db:"text" json:"text,omitempty"`
	ReplyToID  *int64    `db:"reply_to_id" json:"reply_to_id,omitempty"`
	Kind       Kind      `db:"kind" json:"kind"`
	SentAt     time.Time `db:"sent_at" json:"sent_at"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`
}
