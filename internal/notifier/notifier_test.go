package notifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gremlinbot/internal/domain"
)

func TestPublishUpdate_ReachesAllListeners(t *testing.T) {
	n := NewNotifier()
	var a, b []int64
	n.Subscribe(Funcs{Update: func(_ context.Context, o domain.Outcome) { a = append(a, o.Update.ID) }})
	n.Subscribe(Funcs{Update: func(_ context.Context, o domain.Outcome) { b = append(b, o.Update.ID) }})

	n.PublishUpdate(context.Background(), domain.Outcome{Update: domain.Update{ID: 1}})
	n.PublishUpdate(context.Background(), domain.Outcome{Update: domain.Update{ID: 2}})

	assert.Equal(t, []int64{1, 2}, a)
	assert.Equal(t, []int64{1, 2}, b)
}

func TestPublishSettingsChanged_CarriesSnapshot(t *testing.T) {
	n := NewNotifier()
	var got []SettingsChanged
	n.Subscribe(Funcs{SettingsChanged: func(_ context.Context, e SettingsChanged) { got = append(got, e) }})

	n.PublishSettingsChanged(context.Background(), domain.ChatSettings{ChatID: 5, Enabled: false, ProfanityPolicy: domain.ProfanitySoft})

	require.Len(t, got, 1)
	assert.Equal(t, int64(5), got[0].ChatID)
	assert.False(t, got[0].Settings.Enabled)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].ChangedAt.IsZero())
}

func TestPublish_RecoversListenerPanic(t *testing.T) {
	n := NewNotifier()
	called := false
	n.Subscribe(Funcs{Update: func(context.Context, domain.Outcome) { panic("boom") }})
	n.Subscribe(Funcs{Update: func(context.Context, domain.Outcome) { called = true }})

	assert.NotPanics(t, func() {
		n.PublishUpdate(context.Background(), domain.Outcome{})
	})
	assert.True(t, called)
}
