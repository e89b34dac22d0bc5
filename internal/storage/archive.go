package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/user/gremlinbot/internal/domain"
)

// Archive is the append-only message store plus the user table it references.
type Archive struct {
	db *Database
}

// NewArchive creates a new message archive.
func NewArchive(db *Database) *Archive {
	return &Archive{db: db}
}

// UpsertUser records or refreshes a message author. Rows only move forward in
// time: an older sighting never overwrites a newer one.
func (a *Archive) UpsertUser(ctx context.Context, u domain.User) error {
	query := `
		INSERT INTO users (user_id, display_name, username, is_bot, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			username = excluded.username,
			is_bot = excluded.is_bot,
			last_seen_at = excluded.last_seen_at
		WHERE excluded.last_seen_at >= users.last_seen_at
	`
	_, err := a.db.ExecContext(ctx, a.db.Rebind(query),
		u.UserID, u.DisplayName, u.Username, u.IsBot, dbTime(u.LastSeenAt))
	return storeError("upsert user", err)
}

// GetUser returns a user by platform id.
func (a *Archive) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	var u domain.User
	query := `SELECT user_id, display_name, username, is_bot, last_seen_at FROM users WHERE user_id = ?`
	err := a.db.GetContext(ctx, &u, a.db.Rebind(query), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeError("get user", err)
	}
	return &u, nil
}

// Record stores a message once. A second write for the same (chat, message)
// pair reports domain.ArchiveDuplicate and leaves the stored row untouched.
func (a *Archive) Record(ctx context.Context, m domain.Message) (domain.ArchiveResult, error) {
	query := `
		INSERT INTO messages (chat_id, message_id, user_id, text, reply_to_id, kind, sent_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO NOTHING
	`
	res, err := a.db.ExecContext(ctx, a.db.Rebind(query),
		m.ChatID, m.MessageID, m.UserID, m.Text, m.ReplyToID, m.Kind, dbTime(m.SentAt), dbTime(m.ReceivedAt))
	if err != nil {
		return "", storeError("record message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", storeError("record message", err)
	}
	if n == 0 {
		return domain.ArchiveDuplicate, nil
	}
	return domain.ArchiveStored, nil
}

// ListMessages returns the latest messages of a chat in ascending id order.
// A limit <= 0 returns all of them.
func (a *Archive) ListMessages(ctx context.Context, chatID int64, limit int) ([]domain.Message, error) {
	query := `
		SELECT chat_id, message_id, user_id, text, reply_to_id, kind, sent_at, received_at
		FROM messages WHERE chat_id = ? ORDER BY id DESC`
	args := []any{chatID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var msgs []domain.Message
	if err := a.db.SelectContext(ctx, &msgs, a.db.Rebind(query), args...); err != nil {
		return nil, storeError("list messages", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CountMessages returns how many messages are archived for a chat.
func (a *Archive) CountMessages(ctx context.Context, chatID int64) (int, error) {
	var n int
	err := a.db.GetContext(ctx, &n, a.db.Rebind(`SELECT COUNT(*) FROM messages WHERE chat_id = ?`), chatID)
	if err != nil {
		return 0, storeError("count messages", err)
	}
	return n, nil
}
