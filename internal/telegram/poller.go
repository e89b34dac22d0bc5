package telegram

import (
	"context"
	"encoding/json"
	"time"

	"github.com/user/gremlinbot/internal/domain"
	"github.com/user/gremlinbot/internal/metrics"
	"github.com/user/gremlinbot/pkg/logger"
)

// DefaultOffsetName keys the persisted polling offset.
const DefaultOffsetName = "telegram"

// OffsetStore persists the next update id to request.
type OffsetStore interface {
	LoadOffset(ctx context.Context, name string) (int64, error)
	SaveOffset(ctx context.Context, name string, offset int64) error
}

// Fetcher is the long-poll call the poller makes.
type Fetcher interface {
	GetUpdates(ctx context.Context, offset int64, limit int, timeout time.Duration) ([]json.RawMessage, error)
}

// PollerConfig tunes getUpdates.
type PollerConfig struct {
	Name    string
	Timeout time.Duration
	Limit   int
}

// Poller pulls updates with getUpdates. A batch's Commit persists the next
// offset; until then a restart re-fetches the batch.
type Poller struct {
	fetcher Fetcher
	offsets OffsetStore
	cfg     PollerConfig
	now     func() time.Time

	offset int64
	loaded bool
}

// NewPoller creates a poller resuming from the offset stored under cfg.Name.
func NewPoller(fetcher Fetcher, offsets OffsetStore, cfg PollerConfig) *Poller {
	if cfg.Name == "" {
		cfg.Name = DefaultOffsetName
	}
	if cfg.Limit <= 0 || cfg.Limit > 100 {
		cfg.Limit = 100
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}
	return &Poller{
		fetcher: fetcher,
		offsets: offsets,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Offset returns the offset the next fetch will use.
func (p *Poller) Offset() int64 {
	return p.offset
}

// Next fetches the next non-empty batch. Items that fail to normalize are
// logged and skipped, but the offset still moves past them. Next is not safe
// for concurrent use.
func (p *Poller) Next(ctx context.Context) (Batch, error) {
	if !p.loaded {
		off, err := p.offsets.LoadOffset(ctx, p.cfg.Name)
		if err != nil {
			return Batch{}, err
		}
		p.offset, p.loaded = off, true
		logger.Info().Int64("offset", off).Msg("Resuming long polling")
	}

	for {
		items, err := p.fetcher.GetUpdates(ctx, p.offset, p.cfg.Limit, p.cfg.Timeout)
		if err != nil {
			return Batch{}, err
		}
		if len(items) == 0 {
			if err := ctx.Err(); err != nil {
				return Batch{}, err
			}
			continue
		}
		return p.batch(items), nil
	}
}

func (p *Poller) batch(items []json.RawMessage) Batch {
	receivedAt := p.now()
	next := p.offset
	updates := make([]domain.Update, 0, len(items))

	for _, item := range items {
		if id := peekUpdateID(item); id >= next {
			next = id + 1
		}
		u, err := DecodeUpdate(item, receivedAt)
		if err != nil {
			metrics.DispatchFailures.WithLabelValues(metrics.ReasonMalformed).Inc()
			logger.Warn().Err(err).Int64("offset", p.offset).Msg("Skipping malformed polled update")
			continue
		}
		metrics.UpdatesReceived.WithLabelValues("polling").Inc()
		updates = append(updates, u)
	}

	return Batch{
		Updates: updates,
		Commit: func(ctx context.Context) error {
			if err := p.offsets.SaveOffset(ctx, p.cfg.Name, next); err != nil {
				return err
			}
			if next > p.offset {
				p.offset = next
			}
			return nil
		},
	}
}

func peekUpdateID(item json.RawMessage) int64 {
	var head struct {
		UpdateID int64 `json:"update_id"`
	}
	if err := json.Unmarshal(item, &head); err != nil {
		return 0
	}
	return head.UpdateID
}
