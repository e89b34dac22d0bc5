// Package cache is the read-through settings cache that sits in front of the
// chat store.
//
// Reads populate the cache on miss. Writes go to the store first and
// invalidate the cache entry only after the store commit succeeded. Misses and
// writes for the same chat id are serialized by a per-chat lock so a slow
// reader can never put a pre-write snapshot back after invalidation. Between a
// store commit and the end of its invalidation there is a window in which
// concurrent readers may still see the old snapshot; it closes when Update
// returns.
package cache

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/user/gremlinbot/internal/domain"
	"github.com/user/gremlinbot/internal/metrics"
	"github.com/user/gremlinbot/internal/storage"
	"github.com/user/gremlinbot/pkg/logger"
)

// Store is the authoritative settings store.
type Store interface {
	GetSettings(ctx context.Context, chatID int64) (*domain.ChatSettings, error)
	UpsertSettings(ctx context.Context, chatID int64, patch storage.SettingsPatch) (*domain.ChatSettings, error)
}

// Notifier receives a settings snapshot after every committed change.
type Notifier interface {
	PublishSettingsChanged(ctx context.Context, settings domain.ChatSettings)
}

// Options tune invalidation retries.
type Options struct {
	InvalidateAttempts uint
	InvalidateBackoff  time.Duration
	Notifier           Notifier
}

// Settings is the settings cache shared by all chat workers.
type Settings struct {
	store   Store
	backend Backend
	locks   *keyLock
	notify  Notifier

	invalidateAttempts uint
	invalidateBackoff  time.Duration
}

// New creates a settings cache over store using backend for snapshots.
func New(store Store, backend Backend, opts Options) *Settings {
	if opts.InvalidateAttempts == 0 {
		opts.InvalidateAttempts = 3
	}
	if opts.InvalidateBackoff <= 0 {
		opts.InvalidateBackoff = 50 * time.Millisecond
	}
	return &Settings{
		store:              store,
		backend:            backend,
		locks:              newKeyLock(),
		notify:             opts.Notifier,
		invalidateAttempts: opts.InvalidateAttempts,
		invalidateBackoff:  opts.InvalidateBackoff,
	}
}

// Get returns the settings for chatID, loading them from the store on miss.
// It returns domain.ErrNotFound for chats the store does not know.
func (c *Settings) Get(ctx context.Context, chatID int64) (*domain.ChatSettings, error) {
	if s, ok := c.lookup(ctx, chatID); ok {
		metrics.CacheHits.Inc()
		return s, nil
	}

	unlock := c.locks.Lock(chatID)
	defer unlock()

	// Another reader may have filled the entry while we waited.
	if s, ok := c.lookup(ctx, chatID); ok {
		metrics.CacheHits.Inc()
		return s, nil
	}
	metrics.CacheMisses.Inc()

	s, err := c.store.GetSettings(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := c.backend.Set(ctx, *s); err != nil {
		metrics.CacheErrors.WithLabelValues("set").Inc()
		logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to populate settings cache")
	}
	return s, nil
}

// Update applies patch in the store, then invalidates the cached entry and
// publishes the new snapshot. When invalidation keeps failing the committed
// settings are returned together with a TransientStoreError; the stale entry
// then lives until its TTL expires.
func (c *Settings) Update(ctx context.Context, chatID int64, patch storage.SettingsPatch) (*domain.ChatSettings, error) {
	unlock := c.locks.Lock(chatID)
	s, err := c.store.UpsertSettings(ctx, chatID, patch)
	if err != nil {
		unlock()
		return nil, err
	}
	invErr := c.invalidate(ctx, chatID)
	unlock()

	if invErr != nil {
		logger.Error().Err(invErr).Int64("chat_id", chatID).Msg("Settings committed but cache invalidation failed")
		return s, invErr
	}
	if c.notify != nil {
		c.notify.PublishSettingsChanged(ctx, *s)
	}
	return s, nil
}

// Invalidate drops the cached entry for chatID.
func (c *Settings) Invalidate(ctx context.Context, chatID int64) error {
	unlock := c.locks.Lock(chatID)
	defer unlock()
	return c.invalidate(ctx, chatID)
}

// Close releases the backend.
func (c *Settings) Close() error {
	return c.backend.Close()
}

func (c *Settings) lookup(ctx context.Context, chatID int64) (*domain.ChatSettings, bool) {
	s, ok, err := c.backend.Get(ctx, chatID)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("get").Inc()
		logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Settings cache read failed, using store")
		return nil, false
	}
	return s, ok
}

func (c *Settings) invalidate(ctx context.Context, chatID int64) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.invalidateBackoff
	b.MaxInterval = 8 * c.invalidateBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.backend.Delete(ctx, chatID)
		if err != nil {
			metrics.CacheErrors.WithLabelValues("delete").Inc()
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.invalidateAttempts))
	return domain.Transient("invalidate settings cache", err)
}
