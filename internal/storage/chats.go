package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/user/gremlinbot/internal/domain"
)

const (
	insertChatQuery = `
		INSERT INTO chats (chat_id, chat_type, title, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO NOTHING
	`
	insertDefaultSettingsQuery = `
		INSERT INTO chat_settings (chat_id, enabled, profanity_policy, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO NOTHING
	`
	selectChatQuery     = `SELECT chat_id, chat_type, title, created_at FROM chats WHERE chat_id = ?`
	selectSettingsQuery = `SELECT chat_id, enabled, profanity_policy, updated_at FROM chat_settings WHERE chat_id = ?`
)

// ChatStore handles chat and chat settings operations.
type ChatStore struct {
	db  *Database
	now func() time.Time
}

// NewChatStore creates a new chat store.
func NewChatStore(db *Database) *ChatStore {
	return &ChatStore{db: db, now: time.Now}
}

// EnsureChat records a chat and its default settings if they do not exist yet.
// It returns the stored row, unchanged when the chat was already known, and
// whether this call created it.
func (s *ChatStore) EnsureChat(ctx context.Context, chatID int64, meta ChatMeta) (*domain.Chat, bool, error) {
	now := dbTime(s.now())
	var (
		chat    domain.Chat
		created bool
	)
	err := s.db.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(insertChatQuery), chatID, meta.Type, nullString(meta.Title), now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0

		def := domain.DefaultSettings(chatID, now)
		if _, err := tx.ExecContext(ctx, tx.Rebind(insertDefaultSettingsQuery),
			def.ChatID, def.Enabled, def.ProfanityPolicy, def.UpdatedAt); err != nil {
			return err
		}
		return tx.GetContext(ctx, &chat, tx.Rebind(selectChatQuery), chatID)
	})
	if err != nil {
		return nil, false, storeError("ensure chat", err)
	}
	return &chat, created, nil
}

// GetChat returns a chat by id.
func (s *ChatStore) GetChat(ctx context.Context, chatID int64) (*domain.Chat, error) {
	var chat domain.Chat
	err := s.db.GetContext(ctx, &chat, s.db.Rebind(selectChatQuery), chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeError("get chat", err)
	}
	return &chat, nil
}

// ListChats returns all known chats, newest first.
func (s *ChatStore) ListChats(ctx context.Context) ([]domain.Chat, error) {
	var chats []domain.Chat
	query := `SELECT chat_id, chat_type, title, created_at FROM chats ORDER BY created_at DESC, chat_id`
	if err := s.db.SelectContext(ctx, &chats, query); err != nil {
		return nil, storeError("list chats", err)
	}
	return chats, nil
}

// GetSettings returns the settings row for a chat, or domain.ErrNotFound.
func (s *ChatStore) GetSettings(ctx context.Context, chatID int64) (*domain.ChatSettings, error) {
	var settings domain.ChatSettings
	err := s.db.GetContext(ctx, &settings, s.db.Rebind(selectSettingsQuery), chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeError("get settings", err)
	}
	return &settings, nil
}

// UpsertSettings applies patch to the chat's settings in one transaction and
// returns the row as written. Missing chat and settings rows are created first.
func (s *ChatStore) UpsertSettings(ctx context.Context, chatID int64, patch SettingsPatch) (*domain.ChatSettings, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	now := dbTime(s.now())
	var settings domain.ChatSettings
	err := s.db.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(insertChatQuery), chatID, "", nil, now); err != nil {
			return err
		}
		def := domain.DefaultSettings(chatID, now)
		if _, err := tx.ExecContext(ctx, tx.Rebind(insertDefaultSettingsQuery),
			def.ChatID, def.Enabled, def.ProfanityPolicy, def.UpdatedAt); err != nil {
			return err
		}

		query := selectSettingsQuery
		if s.db.dialect == DialectPostgres {
			query += " FOR UPDATE"
		}
		if err := tx.GetContext(ctx, &settings, tx.Rebind(query), chatID); err != nil {
			return err
		}

		patch.Apply(&settings, now)
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE chat_settings
			SET enabled = ?, profanity_policy = ?, updated_at = ?
			WHERE chat_id = ?
		`), settings.Enabled, settings.ProfanityPolicy, settings.UpdatedAt, chatID)
		return err
	})
	if err != nil {
		return nil, storeError("upsert settings", err)
	}
	return &settings, nil
}
