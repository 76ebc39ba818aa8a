package crawler_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmw-nz/hoard/internal/channel"
	"github.com/jmw-nz/hoard/internal/crawler"
	"github.com/jmw-nz/hoard/internal/database"
	"github.com/jmw-nz/hoard/internal/event"
	"github.com/jmw-nz/hoard/internal/item"
	"github.com/jmw-nz/hoard/internal/policy"
	"github.com/jmw-nz/hoard/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

var errExpected = errors.New("test: expected error")

// fakeManager satisfies database.Manager without a live database; the
// store fakes below ignore the Queryable they are handed.
type fakeManager struct{}

func (fakeManager) Connect(database.DatabaseConfig) error { return nil }
func (fakeManager) GetSqlxDb() *sqlx.DB                   { return nil }
func (fakeManager) WrapTx(f func(tx *sqlx.Tx) error) error {
	return f(nil)
}

// memoryStore answers Save/OldestSeenItemID from an in-memory map,
// mirroring the (channel_id, item_id) conflict behaviour of the real
// store.
type memoryStore struct {
	mu    sync.Mutex
	items map[int64]*item.Item
}

func newMemoryStore() *memoryStore {
	return &memoryStore{items: make(map[int64]*item.Item)}
}

func (s *memoryStore) Save(_ database.Queryable, it *item.Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[it.ItemID]; exists {
		return false, nil
	}

	s.items[it.ItemID] = it
	return true, nil
}

func (s *memoryStore) OldestSeenItemID(_ database.Queryable, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest int64
	for id := range s.items {
		if oldest == 0 || id < oldest {
			oldest = id
		}
	}

	return oldest, nil
}

// fakeChannelAPI serves a fixed, descending history and counts page
// fetches. failOnFetch, when non-zero, fails that fetch (1-indexed).
type fakeChannelAPI struct {
	mu          sync.Mutex
	history     []channel.RawItem
	fetchCount  int
	failOnFetch int
}

func historyOf(count int) []channel.RawItem {
	name := "clip.mp4"
	items := make([]channel.RawItem, 0, count)
	for id := int64(count); id >= 1; id-- {
		items = append(items, channel.RawItem{
			ItemID:    id,
			Timestamp: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
			Link:      "https://example.com/item",
			Media: &channel.RawMedia{
				Type:      item.MediaVideo,
				Ref:       "ref",
				UniqueRef: "unique",
				FileName:  &name,
			},
		})
	}

	return items
}

func (api *fakeChannelAPI) GetHistory(_ context.Context, _ string, beforeID int64, limit int) ([]channel.RawItem, error) {
	api.mu.Lock()
	defer api.mu.Unlock()

	api.fetchCount++
	if api.failOnFetch != 0 && api.fetchCount == api.failOnFetch {
		return nil, errExpected
	}

	page := make([]channel.RawItem, 0, limit)
	for _, raw := range api.history {
		if beforeID != 0 && raw.ItemID >= beforeID {
			continue
		}
		if len(page) == limit {
			break
		}

		page = append(page, raw)
	}

	return page, nil
}

func (api *fakeChannelAPI) ResolveCurrentMedia(context.Context, string) (*channel.MediaDescriptor, error) {
	return nil, errExpected
}

func (api *fakeChannelAPI) Fetch(context.Context, string) (io.ReadCloser, error) {
	return nil, errExpected
}

func newService(t *testing.T, config crawler.Config, api *fakeChannelAPI, store *memoryStore, bus event.EventCoordinator) interface {
	CrawlChannel(ctx context.Context, channelID string) error
} {
	t.Helper()

	engine := policy.NewEngine(policy.Policy{Video: policy.MediaRule{Enabled: true}}, t.TempDir(), false)
	return crawler.New(config, fakeManager{}, store, engine, api, bus)
}

func Test_CrawlChannel_TerminatesAtFixedPoint(t *testing.T) {
	t.Parallel()

	// 35 items across pages of 10: four productive fetches, then one
	// fetch which fails to move the cursor.
	api := &fakeChannelAPI{history: historyOf(35)}
	store := newMemoryStore()
	config := crawler.Config{
		Channels:       []string{"channelA"},
		PageSize:       10,
		MaxPagesPerRun: 100,
		Interval:       time.Hour,
		RequestsPerSec: 1000,
	}

	service := newService(t, config, api, store, event.New())
	require.NoError(t, service.CrawlChannel(context.Background(), "channelA"))

	assert.Len(t, store.items, 35)
	assert.LessOrEqual(t, api.fetchCount, 5, "crawl must issue no more than p+1 page fetches")
}

func Test_CrawlChannel_RespectsPageCap(t *testing.T) {
	t.Parallel()

	api := &fakeChannelAPI{history: historyOf(100)}
	store := newMemoryStore()
	config := crawler.Config{
		Channels:       []string{"channelA"},
		PageSize:       10,
		MaxPagesPerRun: 2,
		Interval:       time.Hour,
		RequestsPerSec: 1000,
	}

	service := newService(t, config, api, store, event.New())
	require.NoError(t, service.CrawlChannel(context.Background(), "channelA"))

	assert.Equal(t, 2, api.fetchCount)
	assert.Len(t, store.items, 20)

	// The next invocation resumes from the persisted cursor rather
	// than the top of the channel.
	require.NoError(t, service.CrawlChannel(context.Background(), "channelA"))
	assert.Len(t, store.items, 40)
}

func Test_CrawlChannel_FetchFailureDoesNotCorruptCursor(t *testing.T) {
	t.Parallel()

	api := &fakeChannelAPI{history: historyOf(30), failOnFetch: 2}
	store := newMemoryStore()
	config := crawler.Config{
		Channels:       []string{"channelA"},
		PageSize:       10,
		MaxPagesPerRun: 100,
		Interval:       time.Hour,
		RequestsPerSec: 1000,
	}

	service := newService(t, config, api, store, event.New())
	require.ErrorIs(t, service.CrawlChannel(context.Background(), "channelA"), errExpected)

	// Only the first page landed; the cursor reflects exactly that.
	assert.Len(t, store.items, 10)
	oldest, err := store.OldestSeenItemID(nil, "channelA")
	require.NoError(t, err)
	assert.Equal(t, int64(21), oldest)

	// Retrying picks up from item 21 with nothing re-fetched twice.
	api.failOnFetch = 0
	require.NoError(t, service.CrawlChannel(context.Background(), "channelA"))
	assert.Len(t, store.items, 30)
}

func Test_CrawlChannel_DispatchesQueuedEvents(t *testing.T) {
	t.Parallel()

	api := &fakeChannelAPI{history: historyOf(5)}
	store := newMemoryStore()
	config := crawler.Config{
		Channels:       []string{"channelA"},
		PageSize:       10,
		MaxPagesPerRun: 100,
		Interval:       time.Hour,
		RequestsPerSec: 1000,
	}

	bus := event.New()
	handlerChan := make(event.HandlerChannel, 32)
	bus.RegisterHandlerChannel(handlerChan, event.ITEM_QUEUED, event.CRAWL_COMPLETE)

	service := newService(t, config, api, store, bus)
	require.NoError(t, service.CrawlChannel(context.Background(), "channelA"))
	close(handlerChan)

	queued, crawlComplete := 0, 0
	for ev := range handlerChan {
		switch ev.Event {
		case event.ITEM_QUEUED:
			queued++
		case event.CRAWL_COMPLETE:
			crawlComplete++
		}
	}

	assert.Equal(t, 5, queued)
	assert.Equal(t, 1, crawlComplete)
}
