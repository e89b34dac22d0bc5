// Package dispatcher routes normalized updates through the chat state store,
// the settings cache and the message archive.
//
// Each active chat id owns one lane: a FIFO queue drained by a single
// goroutine, so updates for a chat are applied in the order they were
// submitted while different chats proceed in parallel. A lane's goroutine
// exits as soon as its queue is empty; the next submit for that chat starts a
// new one. A semaphore caps how many lanes process at the same time.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/user/gremlinbot/internal/domain"
	"github.com/user/gremlinbot/internal/metrics"
	"github.com/user/gremlinbot/internal/storage"
	"github.com/user/gremlinbot/pkg/logger"
)

// ChatStore records chat existence.
type ChatStore interface {
	EnsureChat(ctx context.Context, chatID int64, meta storage.ChatMeta) (*domain.Chat, bool, error)
}

// Archive stores authors and messages.
type Archive interface {
	UpsertUser(ctx context.Context, u domain.User) error
	Record(ctx context.Context, m domain.Message) (domain.ArchiveResult, error)
}

// SettingsResolver resolves chat settings, normally through the cache.
type SettingsResolver interface {
	Get(ctx context.Context, chatID int64) (*domain.ChatSettings, error)
}

// Publisher receives every outcome on the chat's lane.
type Publisher interface {
	PublishUpdate(ctx context.Context, outcome domain.Outcome)
}

// Config bounds retries, timeouts and queueing.
type Config struct {
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	MaxConcurrency int
	QueueSize      int
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		CallTimeout:    5 * time.Second,
		MaxConcurrency: 16,
		QueueSize:      1000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	return c
}

// Dispatcher is the single entry point for normalized updates.
type Dispatcher struct {
	chats     ChatStore
	archive   Archive
	settings  SettingsResolver
	publisher Publisher
	cfg       Config
	sem       chan struct{}

	mu     sync.Mutex
	lanes  map[int64]*lane
	closed bool
	wg     sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

type job struct {
	update domain.Update
	done   chan domain.Outcome
}

type lane struct {
	chatID int64
	queue  []job
}

// New creates a dispatcher. publisher may be nil.
func New(chats ChatStore, archive Archive, settings SettingsResolver, publisher Publisher, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		chats:     chats,
		archive:   archive,
		settings:  settings,
		publisher: publisher,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.MaxConcurrency),
		lanes:     make(map[int64]*lane),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Enqueue queues u on its chat lane without waiting for the result.
func (d *Dispatcher) Enqueue(ctx context.Context, u domain.Update) error {
	return d.push(ctx, job{update: u})
}

// Submit queues u and returns a channel that receives its outcome.
func (d *Dispatcher) Submit(ctx context.Context, u domain.Update) (<-chan domain.Outcome, error) {
	done := make(chan domain.Outcome, 1)
	if err := d.push(ctx, job{update: u, done: done}); err != nil {
		return nil, err
	}
	return done, nil
}

// Dispatch processes u and waits for the outcome. The returned error is the
// outcome's error, or ctx's error if ctx ends first.
func (d *Dispatcher) Dispatch(ctx context.Context, u domain.Update) (domain.Outcome, error) {
	done, err := d.Submit(ctx, u)
	if err != nil {
		return domain.Outcome{Update: u, Err: err}, err
	}
	select {
	case out := <-done:
		return out, out.Err
	case <-ctx.Done():
		return domain.Outcome{Update: u, Err: ctx.Err()}, ctx.Err()
	}
}

// DispatchBatch submits all updates in order and waits for every outcome.
// Outcomes are returned in submission order.
func (d *Dispatcher) DispatchBatch(ctx context.Context, updates []domain.Update) []domain.Outcome {
	outcomes := make([]domain.Outcome, len(updates))
	pending := make([]<-chan domain.Outcome, len(updates))
	for i, u := range updates {
		done, err := d.Submit(ctx, u)
		if err != nil {
			outcomes[i] = domain.Outcome{Update: u, Err: err}
			continue
		}
		pending[i] = done
	}
	for i, done := range pending {
		if done == nil {
			continue
		}
		select {
		case outcomes[i] = <-done:
		case <-ctx.Done():
			outcomes[i] = domain.Outcome{Update: updates[i], Err: ctx.Err()}
		}
	}
	return outcomes
}

// Close stops accepting updates and waits for queued ones to finish. When ctx
// ends first, in-flight retries are cancelled and ctx's error is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		logger.Warn().Int("lanes", d.activeLanes()).Msg("Dispatcher shutdown grace expired, cancelling in-flight updates")
		return ctx.Err()
	}
}

func (d *Dispatcher) push(ctx context.Context, j job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrClosed
	}

	chatID := j.update.ChatID
	l, ok := d.lanes[chatID]
	if !ok {
		l = &lane{chatID: chatID}
		d.lanes[chatID] = l
		d.wg.Add(1)
		go d.runLane(l)
	}
	if len(l.queue) >= d.cfg.QueueSize {
		metrics.DispatchFailures.WithLabelValues(metrics.ReasonQueueFull).Inc()
		return domain.ErrQueueFull
	}
	l.queue = append(l.queue, j)
	return nil
}

func (d *Dispatcher) runLane(l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, l.chatID)
			d.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue[0] = job{}
		l.queue = l.queue[1:]
		d.mu.Unlock()

		d.sem <- struct{}{}
		out := d.process(d.baseCtx, j.update)
		<-d.sem

		if d.publisher != nil {
			d.publisher.PublishUpdate(d.baseCtx, out)
		}
		if j.done != nil {
			j.done <- out
		}
	}
}

func (d *Dispatcher) activeLanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}
