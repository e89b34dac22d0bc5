// Package supervisor runs the active transport. It keeps exactly one of
// webhook or polling mode alive, pumps batches from the transport's source
// into the dispatcher and shuts everything down within a grace period.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/user/gremlinbot/internal/config"
	"github.com/user/gremlinbot/internal/domain"
	"github.com/user/gremlinbot/internal/telegram"
	"github.com/user/gremlinbot/pkg/logger"
)

// State is the supervisor's lifecycle position.
type State string

// Webhook mode states.
const (
	StateUnregistered State = "unregistered"
	StateRegistering  State = "registering"
	StateListening    State = "listening"
	StateShuttingDown State = "shutting_down"
)

// Polling mode states.
const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateDraining State = "draining"
)

// StateStopped ends both lifecycles.
const StateStopped State = "stopped"

// Source yields batches of normalized updates.
type Source interface {
	Next(ctx context.Context) (telegram.Batch, error)
}

// Dispatcher is the part of the dispatcher the pump drives.
type Dispatcher interface {
	Enqueue(ctx context.Context, u domain.Update) error
	DispatchBatch(ctx context.Context, updates []domain.Update) []domain.Outcome
	Close(ctx context.Context) error
}

// Registrar manages the platform-side webhook registration.
type Registrar interface {
	RegisterWebhook(ctx context.Context, url, secret string) error
	DeleteWebhook(ctx context.Context) error
}

// HTTPServer is satisfied by *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// Config describes the transport to run.
type Config struct {
	Mode             string
	WebhookURL       string
	WebhookSecret    string
	ShutdownGrace    time.Duration
	RetryInitial     time.Duration
	RetryMax         time.Duration
	RegisterAttempts uint
}

// Supervisor owns the transport lifecycle.
type Supervisor struct {
	cfg        Config
	registrar  Registrar
	source     Source
	dispatcher Dispatcher

	mu    sync.RWMutex
	state State
}

// New creates a supervisor for cfg.Mode.
func New(cfg Config, registrar Registrar, source Source, dispatcher Dispatcher) *Supervisor {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.RegisterAttempts == 0 {
		cfg.RegisterAttempts = 5
	}

	s := &Supervisor{
		cfg:        cfg,
		registrar:  registrar,
		source:     source,
		dispatcher: dispatcher,
	}
	if cfg.Mode == config.ModeWebhook {
		s.state = StateUnregistered
	} else {
		s.state = StateIdle
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Mode returns the transport mode being supervised.
func (s *Supervisor) Mode() string {
	return s.cfg.Mode
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	logger.Info().Str("mode", s.cfg.Mode).Str("from", string(prev)).Str("to", string(st)).Msg("Transport state changed")
}

// Run starts srv and the transport, blocks until ctx ends or srv fails, and
// then shuts down. It returns nil after a clean shutdown.
func (s *Supervisor) Run(ctx context.Context, srv HTTPServer) error {
	l := logger.WithField("mode", s.cfg.Mode)
	l.Info().Str("state", string(s.State())).Msg("Transport starting")
	defer func() {
		l.Info().Str("state", string(s.State())).Msg("Transport stopped")
	}()

	switch s.cfg.Mode {
	case config.ModeWebhook:
		return s.runWebhook(ctx, srv)
	case config.ModePolling:
		return s.runPolling(ctx, srv)
	default:
		return fmt.Errorf("unknown transport mode %q", s.cfg.Mode)
	}
}

func (s *Supervisor) runWebhook(ctx context.Context, srv HTTPServer) error {
	serveErr := serve(srv)

	// The pump stops through the source closing, or when the grace runs out.
	graceCtx, graceCancel := context.WithCancel(context.Background())
	defer graceCancel()
	pumpDone := make(chan struct{})

	s.setState(StateRegistering)
	startErr := s.register(ctx)
	registered := startErr == nil
	if registered {
		s.setState(StateListening)
		go func() {
			defer close(pumpDone)
			s.pump(graceCtx, graceCtx)
		}()

		select {
		case <-ctx.Done():
		case err := <-serveErr:
			startErr = err
		}
	} else {
		close(pumpDone)
	}

	s.setState(StateShuttingDown)
	timer := time.AfterFunc(s.cfg.ShutdownGrace, graceCancel)
	defer timer.Stop()

	if err := srv.Shutdown(graceCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if registered {
		if err := s.registrar.DeleteWebhook(graceCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to delete webhook")
		} else {
			logger.Info().Msg("Webhook deleted")
		}
	}
	if c, ok := s.source.(interface{ Close() }); ok {
		c.Close()
	}
	waitOrGrace(graceCtx, pumpDone, "webhook pump")
	if err := s.dispatcher.Close(graceCtx); err != nil {
		logger.Warn().Err(err).Msg("Dispatcher did not drain before grace expired")
	}

	s.setState(StateStopped)
	return startErr
}

func (s *Supervisor) runPolling(ctx context.Context, srv HTTPServer) error {
	serveErr := serve(srv)

	graceCtx, graceCancel := context.WithCancel(context.Background())
	defer graceCancel()

	if err := s.retry(ctx, "delete webhook", func() error {
		return s.registrar.DeleteWebhook(ctx)
	}); err != nil {
		logger.Warn().Err(err).Msg("Could not delete webhook, polling may conflict")
	}

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()

	s.setState(StatePolling)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.pump(pollCtx, graceCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = err
	}

	s.setState(StateDraining)
	stopPolling()
	timer := time.AfterFunc(s.cfg.ShutdownGrace, graceCancel)
	defer timer.Stop()

	waitOrGrace(graceCtx, pumpDone, "polling loop")
	if err := s.dispatcher.Close(graceCtx); err != nil {
		logger.Warn().Err(err).Msg("Dispatcher did not drain before grace expired")
	}
	if err := srv.Shutdown(graceCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	s.setState(StateStopped)
	return runErr
}

// register sets the webhook, retrying with backoff.
func (s *Supervisor) register(ctx context.Context) error {
	err := s.retry(ctx, "register webhook", func() error {
		return s.registrar.RegisterWebhook(ctx, s.cfg.WebhookURL, s.cfg.WebhookSecret)
	})
	if err != nil {
		return fmt.Errorf("webhook registration failed: %w", err)
	}
	logger.Info().Str("url", s.cfg.WebhookURL).Msg("Webhook registered")
	return nil
}

func (s *Supervisor) retry(ctx context.Context, op string, fn func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.cfg.RegisterAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Str("op", op).Dur("retry_in", next).Msg("Platform call failed, retrying")
		}),
	)
	return err
}

func (s *Supervisor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitial
	b.MaxInterval = s.cfg.RetryMax
	return b
}

// pump moves batches from the source to the dispatcher until the source is
// closed or nextCtx ends. Dispatch and commit run under workCtx so a batch
// already taken is finished during shutdown.
func (s *Supervisor) pump(nextCtx, workCtx context.Context) {
	b := s.newBackOff()
	for {
		batch, err := s.source.Next(nextCtx)
		if err != nil {
			if errors.Is(err, domain.ErrClosed) || nextCtx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			logger.Error().Err(err).Dur("retry_in", wait).Msg("Failed to fetch updates")
			if !sleep(nextCtx, wait) {
				return
			}
			continue
		}
		b.Reset()
		s.handle(workCtx, batch)
	}
}

func (s *Supervisor) handle(ctx context.Context, batch telegram.Batch) {
	if batch.Commit == nil {
		for _, u := range batch.Updates {
			if err := s.enqueue(ctx, u); err != nil {
				logger.Error().Err(err).Int64("update_id", u.ID).Int64("chat_id", u.ChatID).Msg("Update dropped before dispatch")
			}
		}
		return
	}

	outcomes := s.dispatcher.DispatchBatch(ctx, batch.Updates)
	for _, o := range outcomes {
		// Fatal updates were logged by the dispatcher and do not hold the
		// offset back. Anything not processed at all must be re-fetched.
		var fatal *domain.FatalIngestError
		if o.Err != nil && !errors.As(o.Err, &fatal) {
			logger.Warn().Err(o.Err).Int64("update_id", o.Update.ID).Msg("Batch not fully dispatched, offset not committed")
			return
		}
	}
	if err := batch.Commit(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to commit polling offset")
	}
}

// enqueue hands an acknowledged update to the dispatcher, waiting out a full
// chat lane. While it waits the pump stops draining the source, so the
// webhook queue fills and new deliveries are refused with 503 before ack.
func (s *Supervisor) enqueue(ctx context.Context, u domain.Update) error {
	b := s.newBackOff()
	for {
		err := s.dispatcher.Enqueue(ctx, u)
		if !errors.Is(err, domain.ErrQueueFull) {
			return err
		}
		wait := b.NextBackOff()
		logger.Debug().Int64("update_id", u.ID).Int64("chat_id", u.ChatID).Dur("retry_in", wait).Msg("Chat lane full, waiting")
		if !sleep(ctx, wait) {
			return err
		}
	}
}

func serve(srv HTTPServer) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
			errCh <- err
		}
	}()
	return errCh
}

func waitOrGrace(ctx context.Context, done <-chan struct{}, what string) {
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn().Str("component", what).Msg("Shutdown grace expired")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
