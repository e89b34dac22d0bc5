package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gremlinbot/internal/cache"
	"github.com/user/gremlinbot/internal/config"
	"github.com/user/gremlinbot/internal/domain"
	"github.com/user/gremlinbot/internal/metrics"
	"github.com/user/gremlinbot/internal/storage"
	"github.com/user/gremlinbot/internal/telegram"
)

const adminToken = "admin-s3cret"

type fixture struct {
	router  http.Handler
	webhook *telegram.WebhookSource
	chats   *storage.ChatStore
	archive *storage.Archive
}

func newFixture(t *testing.T, mode, token string) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	chats := storage.NewChatStore(db)
	archive := storage.NewArchive(db)
	settings := cache.New(chats, cache.NewMemoryBackend(time.Minute), cache.Options{})

	f := &fixture{chats: chats, archive: archive}
	opts := Options{
		Mode:       mode,
		State:      func() string { return "listening" },
		AdminToken: token,
		Chats:      chats,
		Settings:   settings,
		Messages:   archive,
	}
	if mode == config.ModeWebhook {
		f.webhook = telegram.NewWebhookSource("hook-secret", 8)
		opts.Webhook = f.webhook
	}
	f.router = NewRouter(opts)
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func admin() map[string]string {
	return map[string]string{adminTokenHeader: adminToken}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, config.ModeWebhook, adminToken)
	before := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/health", "200"))

	rec := f.do(t, http.MethodGet, "/health", "", map[string]string{requestIDHeader: "rid-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rid-1", rec.Header().Get(requestIDHeader))

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, healthResponse{Status: "ok", Mode: "webhook", State: "listening"}, body)

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/health", "200")))
}

func TestRequestIDGenerated(t *testing.T) {
	f := newFixture(t, config.ModePolling, adminToken)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, config.ModePolling, adminToken)
	metrics.CacheHits.Add(0)
	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gremlin_settings_cache_hits_total")
}

const webhookBody = `{"update_id":1,"message":{"message_id":1,"date":1,"chat":{"id":5,"type":"group"},"text":"hi"}}`

func TestWebhook_BadSecretHasNoSideEffects(t *testing.T) {
	f := newFixture(t, config.ModeWebhook, adminToken)

	rec := f.do(t, http.MethodPost, "/webhook/telegram", webhookBody, map[string]string{telegram.SecretHeader: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.webhook.Pending())

	chats, err := f.chats.ListChats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, chats)

	rec = f.do(t, http.MethodPost, "/webhook/telegram", webhookBody, map[string]string{telegram.SecretHeader: "hook-secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.webhook.Pending())
}

func TestWebhook_NotMountedWhenPolling(t *testing.T) {
	f := newFixture(t, config.ModePolling, adminToken)
	rec := f.do(t, http.MethodPost, "/webhook/telegram", webhookBody, map[string]string{telegram.SecretHeader: "hook-secret"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_Auth(t *testing.T) {
	unconfigured := newFixture(t, config.ModePolling, "")
	assert.Equal(t, http.StatusServiceUnavailable, unconfigured.do(t, http.MethodGet, "/admin/chats", "", nil).Code)

	f := newFixture(t, config.ModePolling, adminToken)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/admin/chats", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/admin/chats", "", map[string]string{adminTokenHeader: "wrong"}).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/admin/chats", "", admin()).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/admin/chats?token="+adminToken, "", nil).Code)
}

func TestAdmin_SettingsRoundTrip(t *testing.T) {
	f := newFixture(t, config.ModePolling, adminToken)
	ctx := context.Background()
	_, _, err := f.chats.EnsureChat(ctx, -42, storage.ChatMeta{Type: "group", Title: "den"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/admin/chats/-42/settings", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	var s domain.ChatSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.True(t, s.Enabled)

	rec = f.do(t, http.MethodPatch, "/admin/chats/-42/settings", `{"enabled":false,"profanity_policy":"hard"}`, admin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var patched settingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patched))
	assert.True(t, patched.CacheInvalidated)
	assert.False(t, patched.Settings.Enabled)
	assert.Equal(t, domain.ProfanityHard, patched.Settings.ProfanityPolicy)

	rec = f.do(t, http.MethodGet, "/admin/chats/-42/settings", "", admin())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.False(t, s.Enabled)
	assert.Equal(t, domain.ProfanityHard, s.ProfanityPolicy)

	rec = f.do(t, http.MethodGet, "/admin/chats", "", admin())
	var list struct {
		Chats []domain.Chat `json:"chats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Chats, 1)
	assert.Equal(t, int64(-42), list.Chats[0].ChatID)
}

func TestAdmin_SettingsErrors(t *testing.T) {
	f := newFixture(t, config.ModePolling, adminToken)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"unknown chat", http.MethodGet, "/admin/chats/77/settings", "", http.StatusNotFound},
		{"bad chat id", http.MethodGet, "/admin/chats/abc/settings", "", http.StatusBadRequest},
		{"bad policy", http.MethodPatch, "/admin/chats/1/settings", `{"profanity_policy":"spicy"}`, http.StatusBadRequest},
		{"empty patch", http.MethodPatch, "/admin/chats/1/settings", `{}`, http.StatusBadRequest},
		{"unknown field", http.MethodPatch, "/admin/chats/1/settings", `{"volume":11}`, http.StatusBadRequest},
		{"not json", http.MethodPatch, "/admin/chats/1/settings", `enabled=false`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.target, tt.body, admin())
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			var e ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
			assert.NotEmpty(t, e.Code)
			assert.NotEmpty(t, e.RequestID)
		})
	}
}

func TestAdmin_PatchCreatesMissingChat(t *testing.T) {
	f := newFixture(t, config.ModePolling, adminToken)
	rec := f.do(t, http.MethodPatch, "/admin/chats/9/settings", `{"enabled":false}`, admin())
	require.Equal(t, http.StatusOK, rec.Code)

	s, err := f.chats.GetSettings(context.Background(), 9)
	require.NoError(t, err)
	assert.False(t, s.Enabled)
}

func TestAdmin_Messages(t *testing.T) {
	f := newFixture(t, config.ModePolling, adminToken)
	ctx := context.Background()
	_, _, err := f.chats.EnsureChat(ctx, 3, storage.ChatMeta{Type: "private"})
	require.NoError(t, err)
	for i := int64(1); i <= 3; i++ {
		text := "msg"
		_, err := f.archive.Record(ctx, domain.Message{
			ChatID: 3, MessageID: i, Text: &text, Kind: domain.KindMessage,
			SentAt: time.Now(), ReceivedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/admin/chats/3/messages?limit=2", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	var h historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, 3, h.Total)
	require.Len(t, h.Messages, 2)
	assert.Equal(t, int64(2), h.Messages[0].MessageID)
	assert.Equal(t, int64(3), h.Messages[1].MessageID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/chats/3/messages?limit=0", "", admin()).Code)

	rec = f.do(t, http.MethodGet, "/admin/chats/404/messages", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Empty(t, h.Messages)
	assert.NotNil(t, h.Messages)
}

type deadlineChats struct {
	remaining time.Duration
	ok        bool
}

func (d *deadlineChats) ListChats(ctx context.Context) ([]domain.Chat, error) {
	var deadline time.Time
	deadline, d.ok = ctx.Deadline()
	d.remaining = time.Until(deadline)
	return nil, nil
}

func TestAdmin_StoreCallsAreBounded(t *testing.T) {
	f := newFixture(t, config.ModePolling, adminToken)
	chats := &deadlineChats{}
	router := NewRouter(Options{
		Mode:         config.ModePolling,
		AdminToken:   adminToken,
		AdminTimeout: 2 * time.Second,
		Chats:        chats,
		Settings:     cache.New(f.chats, cache.NewMemoryBackend(time.Minute), cache.Options{}),
		Messages:     f.archive,
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/chats", nil)
	req.Header.Set(adminTokenHeader, adminToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, chats.ok, "admin handlers run under a deadline")
	assert.LessOrEqual(t, chats.remaining, 2*time.Second)
	assert.Greater(t, chats.remaining, time.Duration(0))
}
