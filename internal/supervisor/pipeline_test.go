package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gremlinbot/internal/cache"
	"github.com/user/gremlinbot/internal/config"
	"github.com/user/gremlinbot/internal/dispatcher"
	"github.com/user/gremlinbot/internal/storage"
	"github.com/user/gremlinbot/internal/telegram"
)

// batchFetcher serves scripted getUpdates responses, then long-polls until
// the context ends.
type batchFetcher struct {
	mu      sync.Mutex
	batches [][]json.RawMessage
	offsets []int64
}

func (f *batchFetcher) GetUpdates(ctx context.Context, offset int64, _ int, _ time.Duration) ([]json.RawMessage, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return b, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *batchFetcher) requested() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.offsets...)
}

type countingOffsets struct {
	*storage.OffsetStore
	saves atomic.Int32
}

func (c *countingOffsets) SaveOffset(ctx context.Context, name string, offset int64) error {
	c.saves.Add(1)
	return c.OffsetStore.SaveOffset(ctx, name, offset)
}

func rawMessage(updateID, chatID, messageID int64, text string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"update_id":%d,"message":{"message_id":%d,"date":1700000000,"chat":{"id":%d,"type":"group","title":"den"},"from":{"id":42,"first_name":"Ann"},"text":%q}}`,
		updateID, messageID, chatID, text))
}

func TestPolling_DuplicateInBatchStoredOnceAndOffsetAdvancesOnce(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	chats := storage.NewChatStore(db)
	archive := storage.NewArchive(db)
	settings := cache.New(chats, cache.NewMemoryBackend(time.Minute), cache.Options{})
	disp := dispatcher.New(chats, archive, settings, nil, dispatcher.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		CallTimeout:    time.Second,
		MaxConcurrency: 4,
		QueueSize:      100,
	})

	fetcher := &batchFetcher{batches: [][]json.RawMessage{{
		rawMessage(10, 7, 1, "hi"),
		rawMessage(10, 7, 1, "hi"),
		rawMessage(11, 7, 2, "again"),
	}}}
	offsets := &countingOffsets{OffsetStore: storage.NewOffsetStore(db)}
	poller := telegram.NewPoller(fetcher, offsets, telegram.PollerConfig{Timeout: time.Second})

	reg := &fakeRegistrar{}
	sup := New(testConfig(config.ModePolling), reg, poller, disp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, newFakeServer()) }()

	require.Eventually(t, func() bool {
		got := fetcher.requested()
		return len(got) >= 2 && got[1] == 12
	}, 2*time.Second, time.Millisecond, "next fetch resumes after the committed batch")

	cancel()
	require.NoError(t, <-done)

	n, err := archive.CountMessages(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "a redelivered update is archived once")

	stored, err := offsets.LoadOffset(context.Background(), telegram.DefaultOffsetName)
	require.NoError(t, err)
	assert.Equal(t, int64(12), stored)
	assert.Equal(t, int32(1), offsets.saves.Load())

	got := fetcher.requested()
	assert.Equal(t, int64(0), got[0])
}
