package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmw-nz/hoard/internal/channel"
	"github.com/jmw-nz/hoard/internal/database"
	"github.com/jmw-nz/hoard/internal/event"
	"github.com/jmw-nz/hoard/internal/item"
	"github.com/jmw-nz/hoard/pkg/logger"
	"github.com/jmw-nz/hoard/pkg/worker"
)

var log = logger.Get("DownloadServ")

type (
	store interface {
		ClaimNextQueued(db database.Queryable) (*item.Item, error)
		FindDuplicate(db database.Queryable, claimed *item.Item) (*item.Item, error)
		Transition(db database.Queryable, id interface{}, from item.State, to item.State, downloadedPath *string) error
	}

	pathResolver interface {
		DestinationPath(it *item.Item) (string, bool)
	}

	transcoder interface {
		ExtractAudio(ctx context.Context, inputPath string, outputPath string) error
	}

	Config struct {
		OutputRoot   string          `yaml:"output_root" env:"OUTPUT_ROOT" env-required:"true"`
		ExtractAudio bool            `yaml:"extract_audio" env:"EXTRACT_AUDIO"`
		PollInterval time.Duration   `yaml:"poll_interval" env:"DOWNLOAD_POLL_INTERVAL" env-default:"30s"`
		Transcode    TranscodeConfig `yaml:"transcode"`
	}

	// downloaderService drives a pool of download workers over the
	// global queue of claimed work. Workers sleep when the queue is
	// empty and are woken by the crawler (via the event bus) or by the
	// fallback poll tick.
	//
	// Downloading is I/O-bound and transcoding CPU-bound, so the two
	// are bounded independently: worker count caps concurrent fetches
	// while transcodeSlots is a counting semaphore shared across all
	// workers capping concurrent ffmpeg subprocesses.
	downloaderService struct {
		db         database.Manager
		store      store
		resolver   pathResolver
		client     channel.Client
		transcoder transcoder
		eventBus   event.EventDispatcher
		config     Config

		workerPool     *worker.WorkerPool
		transcodeSlots chan struct{}
		runCtx         context.Context
	}
)

func New(
	config Config,
	concurrentDownloads int,
	concurrentTranscodes int,
	db database.Manager,
	store store,
	resolver pathResolver,
	client channel.Client,
	eventBus event.EventDispatcher,
) (*downloaderService, error) {
	if err := os.MkdirAll(filepath.Join(config.OutputRoot, "downloading"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging area under output root '%s': %w", config.OutputRoot, err)
	}

	service := &downloaderService{
		db:             db,
		store:          store,
		resolver:       resolver,
		client:         client,
		transcoder:     newAudioExtractor(config.Transcode),
		eventBus:       eventBus,
		config:         config,
		workerPool:     worker.NewWorkerPool(),
		transcodeSlots: make(chan struct{}, concurrentTranscodes),
	}

	for i := 0; i < concurrentDownloads; i++ {
		label := fmt.Sprintf("download-worker-%d", i)
		service.workerPool.PushWorker(worker.NewWorker(label, service.PerformItemDownload))
	}

	return service, nil
}

// Run starts the worker pool and blocks until the context provided is
// cancelled. Workers poll on a fixed interval in addition to event
// wakeups so queued work present before startup is picked up.
func (service *downloaderService) Run(ctx context.Context) error {
	service.runCtx = ctx
	if err := service.workerPool.Start(); err != nil {
		return err
	}

	ticker := time.NewTicker(service.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			service.WakeupWorkers()
		case <-ctx.Done():
			// In-flight claims are deliberately left in Downloading;
			// the resume sweep at next startup reclassifies them.
			service.workerPool.Close()
			return nil
		}
	}
}

// WakeupWorkers nudges sleeping workers; wired to ITEM_QUEUED events.
// An event arriving before Run has started the pool is not actionable
// and is logged rather than dropped silently.
func (service *downloaderService) WakeupWorkers() {
	if err := service.workerPool.WakeupWorkers(); err != nil {
		log.Warnf("Failed to wake download workers: %v\n", err)
	}
}

// PerformItemDownload is the worker function for this service. One
// invocation claims at most one Queued item and drives it to a
// terminal (or error) state. Per-item failures are recorded on the row
// and swallowed so one bad item never stops the pool; an illegal state
// transition is an invariant violation and panics, taking the whole
// process down rather than quietly draining the pool.
func (service *downloaderService) PerformItemDownload(w worker.Worker) (bool, error) {
	claimed, err := service.store.ClaimNextQueued(service.db.GetSqlxDb())
	if err != nil {
		return false, err
	}
	if claimed == nil {
		return false, nil
	}

	log.Debugf("Worker %s claimed %s\n", w.Label(), claimed)
	if err := service.processClaimed(claimed); err != nil {
		if errors.Is(err, item.ErrIllegalTransition) || errors.Is(err, item.ErrTransitionConflict) {
			// A broken state machine cannot be reasoned about locally;
			// a quietly dead worker would leave the crawler queueing
			// work nothing will ever claim.
			log.Fatalf("Invariant violation while processing %s: %v\n", claimed, err)
			panic(fmt.Sprintf("invariant violation while processing %s: %v", claimed, err))
		}
		if service.runCtx.Err() != nil {
			// Shutdown mid-download; leave the row in Downloading.
			return false, nil
		}

		log.Errorf("Failed to process %s: %v\n", claimed, err)
	}

	return true, nil
}

func (service *downloaderService) processClaimed(claimed *item.Item) error {
	duplicate, err := service.store.FindDuplicate(service.db.GetSqlxDb(), claimed)
	if err != nil {
		return err
	}
	if duplicate != nil {
		return service.recordDuplicate(claimed, duplicate)
	}

	relPath, ok := service.resolver.DestinationPath(claimed)
	if !ok {
		// Cannot happen for an item which classified as Queued, but a
		// nameless destination must not silently produce a bad path.
		return service.failItem(claimed, item.ErrorDownload, fmt.Errorf("no destination path derivable for %s", claimed))
	}

	stagingPath, err := service.fetchToStaging(claimed)
	if err != nil {
		if service.runCtx.Err() != nil {
			return service.runCtx.Err()
		}

		return service.failItem(claimed, item.ErrorDownload, err)
	}

	if service.config.ExtractAudio && claimed.MediaType == item.MediaVideo {
		transcodedPath, err := service.transcodeStaged(claimed, stagingPath)
		os.Remove(stagingPath)
		if err != nil {
			if service.runCtx.Err() != nil {
				return service.runCtx.Err()
			}

			return service.failItem(claimed, item.ErrorTranscode, err)
		}

		stagingPath = transcodedPath
	}

	if err := service.finalize(claimed, stagingPath, relPath); err != nil {
		os.Remove(stagingPath)
		return service.failItem(claimed, item.ErrorDownload, err)
	}

	if err := service.store.Transition(service.db.GetSqlxDb(), claimed.ID, item.Downloading, item.Completed, &relPath); err != nil {
		return err
	}

	log.Infof("Download of %s complete (%s)\n", claimed, relPath)
	service.eventBus.Dispatch(event.DOWNLOAD_COMPLETE, claimed.ID)
	return nil
}

// recordDuplicate transitions a claimed item straight to Duplicate
// without fetching any bytes, recording the path of the item it
// duplicates.
func (service *downloaderService) recordDuplicate(claimed *item.Item, duplicate *item.Item) error {
	duplicatePath := duplicate.DownloadedPath
	if duplicatePath == nil {
		// The duplicate is still mid-download; record where it will
		// finalize.
		if relPath, ok := service.resolver.DestinationPath(duplicate); ok {
			duplicatePath = &relPath
		}
	}
	if duplicatePath == nil {
		return service.failItem(claimed, item.ErrorDownload, fmt.Errorf("duplicate of %s has no resolvable path", claimed))
	}

	log.Infof("%s duplicates %s, skipping download\n", claimed, duplicate)
	if err := service.store.Transition(service.db.GetSqlxDb(), claimed.ID, item.Downloading, item.Duplicate, duplicatePath); err != nil {
		return err
	}

	service.eventBus.Dispatch(event.DOWNLOAD_DUPLICATE, claimed.ID)
	return nil
}

// fetchToStaging streams the items media to a uniquely named file in the
// staging area. Staging names embed a fresh uuid rather than the final
// human-readable name so concurrent in-flight files can never clobber
// each other.
func (service *downloaderService) fetchToStaging(claimed *item.Item) (string, error) {
	stream, err := service.openStream(claimed)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	stagingPath := filepath.Join(
		service.config.OutputRoot, "downloading",
		fmt.Sprintf("%s.%s.temp", claimed.MediaUniqueRef, uuid.New()),
	)
	stagingFile, err := os.Create(stagingPath)
	if err != nil {
		return "", fmt.Errorf("failed to create staging file for %s: %w", claimed, err)
	}

	written, err := io.Copy(stagingFile, stream)
	closeErr := stagingFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written == 0 {
		err = fmt.Errorf("empty payload fetched for %s", claimed)
	}
	if err != nil {
		os.Remove(stagingPath)
		return "", err
	}

	return stagingPath, nil
}

// openStream fetches the items media, re-resolving the media reference
// once if the remote reports it stale.
func (service *downloaderService) openStream(claimed *item.Item) (io.ReadCloser, error) {
	stream, err := service.client.Fetch(service.runCtx, claimed.MediaRef)
	if err == nil {
		return stream, nil
	}

	var staleErr *channel.StaleRefError
	if !errors.As(err, &staleErr) {
		return nil, err
	}

	log.Debugf("Media ref for %s is stale, re-resolving\n", claimed)
	descriptor, err := service.client.ResolveCurrentMedia(service.runCtx, claimed.MediaRef)
	if err != nil {
		return nil, fmt.Errorf("failed to re-resolve stale media ref for %s: %w", claimed, err)
	}

	return service.client.Fetch(service.runCtx, descriptor.Ref)
}

// transcodeStaged runs the staged download through audio extraction,
// holding one of the bounded transcode slots for the duration.
func (service *downloaderService) transcodeStaged(claimed *item.Item, stagingPath string) (string, error) {
	select {
	case service.transcodeSlots <- struct{}{}:
	case <-service.runCtx.Done():
		return "", service.runCtx.Err()
	}
	defer func() { <-service.transcodeSlots }()

	outputPath := stagingPath + ".mp3"
	if err := service.transcoder.ExtractAudio(service.runCtx, stagingPath, outputPath); err != nil {
		os.Remove(outputPath)
		return "", err
	}

	return outputPath, nil
}

// finalize moves the staged file into its destination via a same-volume
// rename, so a partially written file is never visible at the final
// path. The original content timestamp is applied for determinism.
func (service *downloaderService) finalize(claimed *item.Item, stagingPath string, relPath string) error {
	finalPath := filepath.Join(service.config.OutputRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory for %s: %w", claimed, err)
	}

	if err := os.Rename(stagingPath, finalPath); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", claimed, err)
	}

	if err := os.Chtimes(finalPath, claimed.DiscoveredAt, claimed.DiscoveredAt); err != nil {
		log.Warnf("Failed to apply content timestamp to %s: %v\n", finalPath, err)
	}

	return nil
}

// failItem records an error outcome on the row and dispatches the
// failure event. The original error is logged, not returned; per-item
// errors never propagate past the worker iteration.
func (service *downloaderService) failItem(claimed *item.Item, state item.State, cause error) error {
	log.Warnf("Processing of %s failed (-> %s): %v\n", claimed, state, cause)
	if err := service.store.Transition(service.db.GetSqlxDb(), claimed.ID, item.Downloading, state, nil); err != nil {
		return err
	}

	service.eventBus.Dispatch(event.DOWNLOAD_FAILED, claimed.ID)
	return nil
}
