package dispatcher

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/user/gremlinbot/internal/domain"
	"github.com/user/gremlinbot/internal/metrics"
	"github.com/user/gremlinbot/internal/storage"
	"github.com/user/gremlinbot/pkg/logger"
)

// process runs one update through the pipeline:
// ensure chat, upsert author, resolve settings (commands), archive (messages).
func (d *Dispatcher) process(ctx context.Context, u domain.Update) domain.Outcome {
	start := time.Now()
	out := domain.Outcome{Update: u, Archive: domain.ArchiveSkipped}

	step, attempts, err := d.apply(ctx, u, &out)
	out.Duration = time.Since(start)
	metrics.DispatchDuration.WithLabelValues(string(u.Kind)).Observe(out.Duration.Seconds())

	if err != nil {
		out.Err = &domain.FatalIngestError{
			UpdateID: u.ID,
			ChatID:   u.ChatID,
			Kind:     u.Kind,
			Attempts: attempts,
			Err:      err,
		}
		metrics.DispatchFailures.WithLabelValues(metrics.ReasonFatal).Inc()
		ev := logger.Error().
			Err(err).
			Int64("update_id", u.ID).
			Int64("chat_id", u.ChatID).
			Str("kind", string(u.Kind)).
			Str("raw_type", u.RawType).
			Str("step", step).
			Int("attempts", attempts)
		if u.Message != nil {
			ev = ev.Int64("message_id", u.Message.MessageID)
		}
		ev.Msg("Update dropped")
		return out
	}

	logger.Debug().
		Int64("update_id", u.ID).
		Int64("chat_id", u.ChatID).
		Str("kind", string(u.Kind)).
		Str("archive", string(out.Archive)).
		Dur("took", out.Duration).
		Msg("Update dispatched")
	return out
}

// apply returns the failing step and its attempt count on error.
func (d *Dispatcher) apply(ctx context.Context, u domain.Update, out *domain.Outcome) (string, int, error) {
	if u.ChatID != 0 {
		meta := storage.ChatMeta{}
		if u.Chat != nil {
			meta = storage.ChatMeta{Type: u.Chat.Type, Title: u.Chat.Title}
		}
		n, err := d.retry(ctx, "ensure chat", func(ctx context.Context) error {
			_, created, err := d.chats.EnsureChat(ctx, u.ChatID, meta)
			if created {
				out.ChatCreated = true
			}
			return err
		})
		if err != nil {
			return "ensure chat", n, err
		}
	}

	if u.Message != nil && u.Message.From != nil {
		user := authorToUser(u)
		n, err := d.retry(ctx, "upsert user", func(ctx context.Context) error {
			return d.archive.UpsertUser(ctx, user)
		})
		if err != nil {
			return "upsert user", n, err
		}
	}

	if u.Kind == domain.KindCommand && u.ChatID != 0 {
		n, err := d.retry(ctx, "resolve settings", func(ctx context.Context) error {
			s, err := d.settings.Get(ctx, u.ChatID)
			if err != nil {
				return err
			}
			out.Settings = s
			return nil
		})
		if err != nil {
			return "resolve settings", n, err
		}
	}

	if rec, ok := u.ArchiveRecord(); ok {
		n, err := d.retry(ctx, "record message", func(ctx context.Context) error {
			res, err := d.archive.Record(ctx, rec)
			if err != nil {
				return err
			}
			out.Archive = res
			return nil
		})
		if err != nil {
			return "record message", n, err
		}
		metrics.MessagesArchived.WithLabelValues(string(out.Archive)).Inc()
	}
	return "", 0, nil
}

// retry runs fn with a per-attempt timeout and bounded exponential backoff.
// Only transient errors are retried.
func (d *Dispatcher) retry(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
		err := fn(callCtx)
		if err != nil && !domain.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Str("op", op).Dur("retry_in", next).Msg("Store call failed, retrying")
		}),
	)
	return attempts, err
}

func authorToUser(u domain.Update) domain.User {
	from := u.Message.From
	seen := u.Message.SentAt
	if seen.IsZero() {
		seen = u.ReceivedAt
	}
	user := domain.User{
		UserID:      from.ID,
		DisplayName: from.DisplayName,
		IsBot:       from.IsBot,
		LastSeenAt:  seen,
	}
	if from.Username != "" {
		username := from.Username
		user.Username = &username
	}
	return user
}
