package telegram

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/user/gremlinbot/internal/domain"
	"github.com/user/gremlinbot/internal/metrics"
	"github.com/user/gremlinbot/pkg/logger"
)

const maxWebhookBody = 1 << 20

// Batch is a group of updates taken from a source. Commit, when set,
// acknowledges the batch to the platform and must be called only after every
// update in it has been dispatched.
type Batch struct {
	Updates []domain.Update
	Commit  func(ctx context.Context) error
}

// WebhookSource receives pushed updates over HTTP and hands them out through
// Next. Webhook batches have no Commit: the HTTP response is the ack.
type WebhookSource struct {
	secret  string
	updates chan domain.Update
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewWebhookSource creates a source that buffers up to queueSize updates.
func NewWebhookSource(secret string, queueSize int) *WebhookSource {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &WebhookSource{
		secret:  secret,
		updates: make(chan domain.Update, queueSize),
		now:     time.Now,
	}
}

// VerifySecret compares the delivered secret with the configured one in
// constant time.
func VerifySecret(expected, got string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// ServeHTTP accepts one webhook delivery. It answers 200 once the update is
// queued, 401 on a bad secret, 400 on a malformed body and 503 when the queue
// is full or the source is closing.
func (s *WebhookSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !VerifySecret(s.secret, r.Header.Get(SecretHeader)) {
		metrics.DispatchFailures.WithLabelValues(metrics.ReasonAuth).Inc()
		logger.Warn().Str("remote", r.RemoteAddr).Msg("Invalid webhook secret")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	defer r.Body.Close()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read webhook body")
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	u, err := DecodeUpdate(body, s.now())
	if err != nil {
		metrics.DispatchFailures.WithLabelValues(metrics.ReasonMalformed).Inc()
		logger.Warn().Err(err).Int("bytes", len(body)).Msg("Rejected malformed webhook update")
		http.Error(w, "Malformed update", http.StatusBadRequest)
		return
	}

	switch err := s.offer(u); {
	case err == nil:
		metrics.UpdatesReceived.WithLabelValues("webhook").Inc()
		logger.Debug().Int64("update_id", u.ID).Str("kind", string(u.Kind)).Msg("Webhook update queued")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	case errors.Is(err, domain.ErrQueueFull):
		metrics.DispatchFailures.WithLabelValues(metrics.ReasonQueueFull).Inc()
		logger.Warn().Int64("update_id", u.ID).Msg("Webhook queue full, asking platform to retry")
		http.Error(w, "Busy", http.StatusServiceUnavailable)
	default:
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
	}
}

func (s *WebhookSource) offer(u domain.Update) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrClosed
	}
	select {
	case s.updates <- u:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Next blocks until at least one update is queued and returns everything
// queued at that moment. After Close it drains what is left and then returns
// domain.ErrClosed.
func (s *WebhookSource) Next(ctx context.Context) (Batch, error) {
	var first domain.Update
	select {
	case u, ok := <-s.updates:
		if !ok {
			return Batch{}, domain.ErrClosed
		}
		first = u
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}

	batch := Batch{Updates: []domain.Update{first}}
	for {
		select {
		case u, ok := <-s.updates:
			if !ok {
				return batch, nil
			}
			batch.Updates = append(batch.Updates, u)
		default:
			return batch, nil
		}
	}
}

// Close stops accepting deliveries. Queued updates stay readable via Next.
func (s *WebhookSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.updates)
}

// Pending reports how many updates are queued.
func (s *WebhookSource) Pending() int {
	return len(s.updates)
}
