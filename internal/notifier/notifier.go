// Package notifier fans dispatch results and settings changes out to the
// in-process collaborators (command handlers, context assembly, the
// interjection scheduler) without them touching the stores themselves.
package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/gremlinbot/internal/domain"
	"github.com/user/gremlinbot/pkg/logger"
)

// SettingsChanged is published after a settings write was committed and the
// cache entry for the chat was invalidated.
type SettingsChanged struct {
	ID        string
	ChatID    int64
	Settings  domain.ChatSettings
	ChangedAt time.Time
}

// Listener consumes pipeline events. Calls for one chat arrive in dispatch
// order on that chat's worker, so implementations must not block for long.
type Listener interface {
	OnUpdate(ctx context.Context, outcome domain.Outcome)
	OnSettingsChanged(ctx context.Context, event SettingsChanged)
}

// Funcs adapts plain functions to Listener. Nil fields are skipped.
type Funcs struct {
	Update          func(ctx context.Context, outcome domain.Outcome)
	SettingsChanged func(ctx context.Context, event SettingsChanged)
}

func (f Funcs) OnUpdate(ctx context.Context, outcome domain.Outcome) {
	if f.Update != nil {
		f.Update(ctx, outcome)
	}
}

func (f Funcs) OnSettingsChanged(ctx context.Context, event SettingsChanged) {
	if f.SettingsChanged != nil {
		f.SettingsChanged(ctx, event)
	}
}

// Notifier delivers events to registered listeners.
type Notifier struct {
	mu        sync.RWMutex
	listeners []Listener
	now       func() time.Time
}

// NewNotifier creates a new notifier instance.
func NewNotifier() *Notifier {
	return &Notifier{now: time.Now}
}

// Subscribe registers l for all future events.
func (n *Notifier) Subscribe(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// PublishUpdate delivers a dispatch outcome to every listener.
func (n *Notifier) PublishUpdate(ctx context.Context, outcome domain.Outcome) {
	for _, l := range n.snapshot() {
		n.deliver("update", outcome.Update.ChatID, func() { l.OnUpdate(ctx, outcome) })
	}
}

// PublishSettingsChanged delivers a settings-changed event to every listener.
func (n *Notifier) PublishSettingsChanged(ctx context.Context, settings domain.ChatSettings) {
	event := SettingsChanged{
		ID:        uuid.NewString(),
		ChatID:    settings.ChatID,
		Settings:  settings,
		ChangedAt: n.now(),
	}
	for _, l := range n.snapshot() {
		n.deliver("settings_changed", settings.ChatID, func() { l.OnSettingsChanged(ctx, event) })
	}
}

func (n *Notifier) snapshot() []Listener {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Listener(nil), n.listeners...)
}

// deliver runs fn and keeps a panicking listener from taking the worker down.
func (n *Notifier) deliver(event string, chatID int64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("event", event).
				Int64("chat_id", chatID).
				Msg("Listener panicked")
		}
	}()
	fn()
}
