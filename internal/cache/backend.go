package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/user/gremlinbot/internal/domain"
)

// Backend stores settings snapshots keyed by chat id. It is never the source
// of truth; any entry may vanish at any time.
type Backend interface {
	Get(ctx context.Context, chatID int64) (*domain.ChatSettings, bool, error)
	Set(ctx context.Context, settings domain.ChatSettings) error
	Delete(ctx context.Context, chatID int64) error
	Close() error
}

// NewBackend picks a backend from the cache URL: empty or memory:// selects
// the in-process cache, redis:// and rediss:// select Redis.
func NewBackend(ctx context.Context, cacheURL string, ttl time.Duration) (Backend, error) {
	switch {
	case cacheURL == "", strings.HasPrefix(cacheURL, "memory://"):
		return NewMemoryBackend(ttl), nil
	case strings.HasPrefix(cacheURL, "redis://"), strings.HasPrefix(cacheURL, "rediss://"):
		return NewRedisBackend(ctx, cacheURL, ttl)
	default:
		return nil, fmt.Errorf("unsupported cache url scheme: %q", cacheURL)
	}
}

func settingsKey(chatID int64) string {
	return fmt.Sprintf("chat:%d:settings", chatID)
}
