package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/gremlinbot/internal/domain"
	"github.com/user/gremlinbot/internal/storage"
)

const (
	adminTokenHeader    = "X-Admin-Token"
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// DefaultAdminTimeout bounds the store and cache calls of one admin request.
	DefaultAdminTimeout = 10 * time.Second
)

// ChatReader lists known chats.
type ChatReader interface {
	ListChats(ctx context.Context) ([]domain.Chat, error)
}

// SettingsService reads and writes settings through the cache.
type SettingsService interface {
	Get(ctx context.Context, chatID int64) (*domain.ChatSettings, error)
	Update(ctx context.Context, chatID int64, patch storage.SettingsPatch) (*domain.ChatSettings, error)
}

// MessageReader reads the archive.
type MessageReader interface {
	ListMessages(ctx context.Context, chatID int64, limit int) ([]domain.Message, error)
	CountMessages(ctx context.Context, chatID int64) (int, error)
}

type adminHandler struct {
	token    string
	timeout  time.Duration
	chats    ChatReader
	settings SettingsService
	messages MessageReader
}

type settingsResponse struct {
	Settings         *domain.ChatSettings `json:"settings"`
	CacheInvalidated bool                 `json:"cache_invalidated"`
}

type historyResponse struct {
	ChatID   int64            `json:"chat_id"`
	Total    int              `json:"total"`
	Messages []domain.Message `json:"messages"`
}

func (h *adminHandler) routes(r chi.Router) {
	r.Use(h.requireToken)
	r.Use(middleware.Timeout(h.timeout))
	r.Get("/chats", h.listChats)
	r.Get("/chats/{chatID}/settings", h.getSettings)
	r.Patch("/chats/{chatID}/settings", h.patchSettings)
	r.Get("/chats/{chatID}/messages", h.listMessages)
}

// requireToken answers 503 when no admin token is configured and 401 when
// the caller's token does not match.
func (h *adminHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			fail(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "admin token is not configured", nil)
			return
		}
		got := r.Header.Get(adminTokenHeader)
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(h.token), []byte(got)) != 1 {
			fail(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid admin token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *adminHandler) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chats.ListChats(r.Context())
	if err != nil {
		fail(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to list chats", err)
		return
	}
	if chats == nil {
		chats = []domain.Chat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (h *adminHandler) getSettings(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(w, r)
	if !ok {
		return
	}
	s, err := h.settings.Get(r.Context(), chatID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		fail(w, r, http.StatusNotFound, ErrCodeNotFound, "chat not found", nil)
	case err != nil:
		fail(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to load settings", err)
	default:
		writeJSON(w, http.StatusOK, s)
	}
}

func (h *adminHandler) patchSettings(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(w, r)
	if !ok {
		return
	}

	var patch storage.SettingsPatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		fail(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body", nil)
		return
	}

	s, err := h.settings.Update(r.Context(), chatID, patch)
	switch {
	case errors.Is(err, storage.ErrInvalidPatch):
		fail(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error(), nil)
	case err != nil && s != nil:
		// Committed, but the old snapshot may be served until its TTL.
		LoggerFrom(r.Context()).Warn().Err(err).Int64("chat_id", chatID).Msg("Settings saved with stale cache entry")
		writeJSON(w, http.StatusOK, settingsResponse{Settings: s, CacheInvalidated: false})
	case err != nil:
		fail(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to update settings", err)
	default:
		writeJSON(w, http.StatusOK, settingsResponse{Settings: s, CacheInvalidated: true})
	}
}

func (h *adminHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			fail(w, r, http.StatusBadRequest, ErrCodeBadRequest, "limit must be between 1 and 500", nil)
			return
		}
		limit = n
	}

	msgs, err := h.messages.ListMessages(r.Context(), chatID, limit)
	if err != nil {
		fail(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to list messages", err)
		return
	}
	total, err := h.messages.CountMessages(r.Context(), chatID)
	if err != nil {
		fail(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to count messages", err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, historyResponse{ChatID: chatID, Total: total, Messages: msgs})
}

func chatIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	chatID, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil || chatID == 0 {
		fail(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid chat id", nil)
		return 0, false
	}
	return chatID, true
}
