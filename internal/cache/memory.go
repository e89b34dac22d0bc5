package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/user/gremlinbot/internal/domain"
)

// MemoryBackend keeps snapshots in process with passive TTL expiry.
type MemoryBackend struct {
	cache *gocache.Cache
}

// NewMemoryBackend creates an in-process backend. A ttl <= 0 disables expiry.
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	if ttl <= 0 {
		return &MemoryBackend{cache: gocache.New(gocache.NoExpiration, 0)}
	}
	return &MemoryBackend{cache: gocache.New(ttl, 2*ttl)}
}

func (m *MemoryBackend) Get(_ context.Context, chatID int64) (*domain.ChatSettings, bool, error) {
	x, found := m.cache.Get(settingsKey(chatID))
	if !found {
		return nil, false, nil
	}
	s := x.(domain.ChatSettings)
	return &s, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, settings domain.ChatSettings) error {
	m.cache.Set(settingsKey(settings.ChatID), settings, gocache.DefaultExpiration)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, chatID int64) error {
	m.cache.Delete(settingsKey(chatID))
	return nil
}

func (m *MemoryBackend) Close() error {
	m.cache.Flush()
	return nil
}
