package crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmw-nz/hoard/internal/channel"
	"github.com/jmw-nz/hoard/internal/database"
	"github.com/jmw-nz/hoard/internal/event"
	"github.com/jmw-nz/hoard/internal/item"
	"github.com/jmw-nz/hoard/pkg/logger"
	"golang.org/x/time/rate"
)

var log = logger.Get("CrawlerServ")

type (
	store interface {
		Save(db database.Queryable, it *item.Item) (bool, error)
		OldestSeenItemID(db database.Queryable, channelID string) (int64, error)
	}

	classifier interface {
		Classify(it *item.Item) item.State
		DestinationPath(it *item.Item) (string, bool)
	}

	Config struct {
		Channels        []string      `yaml:"channels" env:"CRAWLER_CHANNELS" env-required:"true"`
		PageSize        int           `yaml:"page_size" env:"CRAWLER_PAGE_SIZE" env-default:"1000" validate:"min=1,max=1000"`
		MaxPagesPerRun  int           `yaml:"max_pages_per_run" env:"CRAWLER_MAX_PAGES" env-default:"10" validate:"min=1"`
		Interval        time.Duration `yaml:"interval" env:"CRAWLER_INTERVAL" env-default:"15m"`
		RequestsPerSec  float64       `yaml:"requests_per_second" env:"CRAWLER_RPS" env-default:"1"`
	}

	// crawlerService walks each configured channels history backward
	// from the oldest item already seen, classifying and persisting
	// whatever it discovers. A single goroutine crawls all channels in
	// turn; page fetches across channels share one rate limiter so the
	// remote API sees a steady request rate regardless of how many
	// channels are configured.
	crawlerService struct {
		db        database.Manager
		store     store
		engine    classifier
		client    channel.Client
		eventBus  event.EventDispatcher
		config    Config
		limiter   *rate.Limiter
	}
)

func New(config Config, db database.Manager, store store, engine classifier, client channel.Client, eventBus event.EventDispatcher) *crawlerService {
	return &crawlerService{
		db:       db,
		store:    store,
		engine:   engine,
		client:   client,
		eventBus: eventBus,
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(config.RequestsPerSec), 1),
	}
}

// Run crawls every configured channel immediately, then again on each
// interval tick, until the context provided is cancelled.
func (service *crawlerService) Run(ctx context.Context) error {
	ticker := time.NewTicker(service.config.Interval)
	defer ticker.Stop()

	service.crawlAll(ctx)

	for {
		select {
		case <-ticker.C:
			service.crawlAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (service *crawlerService) crawlAll(ctx context.Context) {
	for _, channelID := range service.config.Channels {
		if ctx.Err() != nil {
			return
		}

		if err := service.CrawlChannel(ctx, channelID); err != nil {
			// A failed crawl is retried on the next tick; the cursor
			// only ever advances after a fully persisted page, so no
			// progress is lost.
			log.Warnf("Crawl of channel %s aborted: %v\n", channelID, err)
		}
	}
}

// CrawlChannel pages backward through one channels history for up to
// MaxPagesPerRun pages (so one deep channel cannot starve the others).
// The backward cursor is the oldest item id the store has seen for the
// channel; when a page fails to decrease it the channel is exhausted.
func (service *crawlerService) CrawlChannel(ctx context.Context, channelID string) error {
	oldestSeen, err := service.store.OldestSeenItemID(service.db.GetSqlxDb(), channelID)
	if err != nil {
		return err
	}

	for page := 0; page < service.config.MaxPagesPerRun; page++ {
		if err := service.limiter.Wait(ctx); err != nil {
			return err
		}

		rawItems, err := service.client.GetHistory(ctx, channelID, oldestSeen, service.config.PageSize)
		if err != nil {
			return fmt.Errorf("failed to fetch history page for channel %s: %w", channelID, err)
		}

		queued, err := service.persistPage(channelID, rawItems)
		if err != nil {
			return err
		}

		for _, id := range queued {
			service.eventBus.Dispatch(event.ITEM_QUEUED, id)
		}

		newOldest, err := service.store.OldestSeenItemID(service.db.GetSqlxDb(), channelID)
		if err != nil {
			return err
		}

		if newOldest == oldestSeen {
			log.Infof("Channel %s exhausted after %d page(s)\n", channelID, page+1)
			break
		}

		oldestSeen = newOldest
	}

	service.eventBus.Dispatch(event.CRAWL_COMPLETE, channelID)
	return nil
}

// persistPage classifies and inserts one page of raw items inside a
// single transaction, returning the ids of newly inserted items which
// classified as Queued.
func (service *crawlerService) persistPage(channelID string, rawItems []channel.RawItem) ([]uuid.UUID, error) {
	queued := make([]uuid.UUID, 0)
	err := service.db.WrapTx(func(tx *sqlx.Tx) error {
		for _, raw := range rawItems {
			it := service.buildItem(channelID, raw)

			it.State = service.engine.Classify(it)
			if it.State == item.Completed {
				// The destination file already exists on disk from a
				// previous run; record its path so the row satisfies
				// the terminal-state invariant.
				relPath, _ := service.engine.DestinationPath(it)
				it.DownloadedPath = &relPath
			}

			inserted, err := service.store.Save(tx, it)
			if err != nil {
				return err
			}

			if inserted && it.State == item.Queued {
				queued = append(queued, it.ID)
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist history page for channel %s: %w", channelID, err)
	}

	return queued, nil
}

func (service *crawlerService) buildItem(channelID string, raw channel.RawItem) *item.Item {
	it := &item.Item{
		ID:           uuid.New(),
		ChannelID:    channelID,
		ItemID:       raw.ItemID,
		DiscoveredAt: raw.Timestamp,
		Link:         raw.Link,
		MediaType:    item.MediaNone,
		State:        item.Unknown,
	}

	if raw.Media != nil {
		it.MediaType = raw.Media.Type
		it.MediaRef = raw.Media.Ref
		it.MediaUniqueRef = raw.Media.UniqueRef
		it.FileName = raw.Media.FileName
		it.MimeType = raw.Media.MimeType
		it.SizeBytes = raw.Media.SizeBytes
		it.DurationSecs = raw.Media.DurationSecs
		it.Width = raw.Media.Width
		it.Height = raw.Media.Height
	}

	return it
}
