package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gremlinbot/internal/domain"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func ptr[T any](v T) *T { return &v }

func TestParseStoreURL(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		in     string
		driver string
		dsn    string
	}{
		{"postgres://bot:bot@db:5432/botdb", DialectPostgres, "postgres://bot:bot@db:5432/botdb"},
		{"postgresql://db/botdb?sslmode=disable", DialectPostgres, "postgresql://db/botdb?sslmode=disable"},
		{"file:test.db?cache=shared", DialectSQLite, "file:test.db?cache=shared&_foreign_keys=on&_busy_timeout=5000"},
		{"sqlite://" + dir + "/a.db", DialectSQLite, dir + "/a.db?_foreign_keys=on&_busy_timeout=5000"},
		{dir + "/b.db", DialectSQLite, dir + "/b.db?_foreign_keys=on&_busy_timeout=5000"},
	}
	for _, tc := range cases {
		driver, dsn, err := parseStoreURL(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.driver, driver, tc.in)
		assert.Equal(t, tc.dsn, dsn, tc.in)
	}

	_, _, err := parseStoreURL("")
	assert.Error(t, err)
}

func TestEnsureChat_IdempotentAndUnchanged(t *testing.T) {
	db := newTestDB(t)
	store := NewChatStore(db)
	ctx := context.Background()

	first, created, err := store.EnsureChat(ctx, -100, ChatMeta{Type: "supergroup", Title: "Gremlins"})
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, first.Title)
	assert.Equal(t, "Gremlins", *first.Title)

	second, created, err := store.EnsureChat(ctx, -100, ChatMeta{Type: "group", Title: "Renamed"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ChatType, second.ChatType)
	assert.Equal(t, *first.Title, *second.Title)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))

	var chats, settings int
	require.NoError(t, db.Get(&chats, `SELECT COUNT(*) FROM chats WHERE chat_id = -100`))
	require.NoError(t, db.Get(&settings, `SELECT COUNT(*) FROM chat_settings WHERE chat_id = -100`))
	assert.Equal(t, 1, chats)
	assert.Equal(t, 1, settings)
}

func TestEnsureChat_ConcurrentFirstSight(t *testing.T) {
	db := newTestDB(t)
	store := NewChatStore(db)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, c, err := store.EnsureChat(context.Background(), 7, ChatMeta{Type: "group"})
			assert.NoError(t, err)
			if c {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM chats WHERE chat_id = 7`))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, created)
}

func TestSettings_DefaultsAndPatch(t *testing.T) {
	db := newTestDB(t)
	store := NewChatStore(db)
	ctx := context.Background()

	_, err := store.GetSettings(ctx, 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = store.EnsureChat(ctx, 5, ChatMeta{Type: "group"})
	require.NoError(t, err)

	got, err := store.GetSettings(ctx, 5)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, domain.ProfanityOff, got.ProfanityPolicy)

	written, err := store.UpsertSettings(ctx, 5, SettingsPatch{Enabled: ptr(false)})
	require.NoError(t, err)
	assert.False(t, written.Enabled)
	assert.Equal(t, domain.ProfanityOff, written.ProfanityPolicy, "untouched field keeps its value")

	written, err = store.UpsertSettings(ctx, 5, SettingsPatch{ProfanityPolicy: ptr(domain.ProfanityHard)})
	require.NoError(t, err)
	assert.False(t, written.Enabled)
	assert.Equal(t, domain.ProfanityHard, written.ProfanityPolicy)

	reread, err := store.GetSettings(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, written.Enabled, reread.Enabled)
	assert.Equal(t, written.ProfanityPolicy, reread.ProfanityPolicy)
	assert.True(t, written.UpdatedAt.Equal(reread.UpdatedAt))
}

func TestUpsertSettings_CreatesMissingChat(t *testing.T) {
	db := newTestDB(t)
	store := NewChatStore(db)
	ctx := context.Background()

	s, err := store.UpsertSettings(ctx, 42, SettingsPatch{ProfanityPolicy: ptr(domain.ProfanitySoft)})
	require.NoError(t, err)
	assert.True(t, s.Enabled)
	assert.Equal(t, domain.ProfanitySoft, s.ProfanityPolicy)

	chat, err := store.GetChat(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, chat.Title)
}

func TestUpsertSettings_RejectsInvalidPatch(t *testing.T) {
	store := NewChatStore(newTestDB(t))
	ctx := context.Background()

	_, err := store.UpsertSettings(ctx, 1, SettingsPatch{})
	assert.ErrorIs(t, err, ErrInvalidPatch)

	_, err = store.UpsertSettings(ctx, 1, SettingsPatch{ProfanityPolicy: ptr(domain.ProfanityPolicy("nuclear"))})
	assert.ErrorIs(t, err, ErrInvalidPatch)
	assert.False(t, domain.IsTransient(err))
}

func TestArchive_RecordIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	chats := NewChatStore(db)
	archive := NewArchive(db)
	ctx := context.Background()

	_, _, err := chats.EnsureChat(ctx, 1, ChatMeta{Type: "group"})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, archive.UpsertUser(ctx, domain.User{UserID: 9, DisplayName: "Ann", LastSeenAt: now}))

	msg := domain.Message{
		ChatID: 1, MessageID: 100, UserID: ptr(int64(9)), Text: ptr("hi"),
		Kind: domain.KindMessage, SentAt: now, ReceivedAt: now,
	}
	res, err := archive.Record(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, domain.ArchiveStored, res)

	msg.Text = ptr("edited")
	res, err = archive.Record(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, domain.ArchiveDuplicate, res)

	n, err := archive.CountMessages(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := archive.ListMessages(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", *msgs[0].Text)
}

func TestArchive_NullTextAndAuthor(t *testing.T) {
	db := newTestDB(t)
	_, _, err := NewChatStore(db).EnsureChat(context.Background(), 3, ChatMeta{Type: "channel"})
	require.NoError(t, err)
	archive := NewArchive(db)

	res, err := archive.Record(context.Background(), domain.Message{
		ChatID: 3, MessageID: 1, Kind: domain.KindMessage, SentAt: time.Now(), ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ArchiveStored, res)

	msgs, err := archive.ListMessages(context.Background(), 3, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Text)
	assert.Nil(t, msgs[0].UserID)
}

func TestArchive_ListMessagesLimitKeepsLatest(t *testing.T) {
	db := newTestDB(t)
	_, _, err := NewChatStore(db).EnsureChat(context.Background(), 4, ChatMeta{})
	require.NoError(t, err)
	archive := NewArchive(db)
	for i := int64(1); i <= 5; i++ {
		_, err := archive.Record(context.Background(), domain.Message{
			ChatID: 4, MessageID: i, Kind: domain.KindMessage, SentAt: time.Now(), ReceivedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	msgs, err := archive.ListMessages(context.Background(), 4, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(4), msgs[0].MessageID)
	assert.Equal(t, int64(5), msgs[1].MessageID)
}

func TestArchive_UserLastSeenIsMonotonic(t *testing.T) {
	archive := NewArchive(newTestDB(t))
	ctx := context.Background()
	t0 := time.Date(2025, 9, 27, 12, 0, 0, 0, time.UTC)

	require.NoError(t, archive.UpsertUser(ctx, domain.User{UserID: 1, DisplayName: "New", Username: ptr("new"), LastSeenAt: t0}))
	require.NoError(t, archive.UpsertUser(ctx, domain.User{UserID: 1, DisplayName: "Old", LastSeenAt: t0.Add(-time.Hour)}))

	u, err := archive.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "New", u.DisplayName)
	assert.True(t, u.LastSeenAt.Equal(t0))

	require.NoError(t, archive.UpsertUser(ctx, domain.User{UserID: 1, DisplayName: "Newer", LastSeenAt: t0.Add(time.Minute)}))
	u, err = archive.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Newer", u.DisplayName)
	assert.Nil(t, u.Username)
	assert.True(t, u.LastSeenAt.Equal(t0.Add(time.Minute)))
}

func TestOffsetStore_NeverMovesBackwards(t *testing.T) {
	store := NewOffsetStore(newTestDB(t))
	ctx := context.Background()

	off, err := store.LoadOffset(ctx, "telegram")
	require.NoError(t, err)
	assert.Zero(t, off)

	require.NoError(t, store.SaveOffset(ctx, "telegram", 12))
	require.NoError(t, store.SaveOffset(ctx, "telegram", 5))

	off, err = store.LoadOffset(ctx, "telegram")
	require.NoError(t, err)
	assert.Equal(t, int64(12), off)

	require.NoError(t, store.SaveOffset(ctx, "telegram", 20))
	off, err = store.LoadOffset(ctx, "telegram")
	require.NoError(t, err)
	assert.Equal(t, int64(20), off)
}

func TestStore_ClosedDatabaseIsTransient(t *testing.T) {
	db := newTestDB(t)
	store := NewChatStore(db)
	require.NoError(t, db.Close())

	_, _, err := store.EnsureChat(context.Background(), 1, ChatMeta{})
	assert.True(t, domain.IsTransient(err))
}

func TestArchive_ConstraintViolationIsPermanent(t *testing.T) {
	db := newTestDB(t)
	archive := NewArchive(db)
	now := time.Now()

	_, err := archive.Record(context.Background(), domain.Message{
		ChatID: 404, MessageID: 1, Text: ptr("orphan"),
		Kind: domain.KindMessage, SentAt: now, ReceivedAt: now,
	})
	require.Error(t, err)

	var ce *domain.ConstraintError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, "record message", ce.Op)
	assert.False(t, domain.IsTransient(err))
}
