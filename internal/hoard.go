package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmw-nz/hoard/internal/channel"
	"github.com/jmw-nz/hoard/internal/crawler"
	"github.com/jmw-nz/hoard/internal/database"
	"github.com/jmw-nz/hoard/internal/downloader"
	"github.com/jmw-nz/hoard/internal/event"
	"github.com/jmw-nz/hoard/internal/item"
	"github.com/jmw-nz/hoard/internal/policy"
	"github.com/jmw-nz/hoard/internal/progress"
	"github.com/jmw-nz/hoard/internal/resume"
	"github.com/jmw-nz/hoard/pkg/docker"
	"github.com/jmw-nz/hoard/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	DownloaderService interface {
		RunnableService
		WakeupWorkers()
	}
)

// hoardImpl represents the top-level object for the pipeline, and is
// responsible for initialising embedded support services, stores,
// event handling, et cetera...
type hoardImpl struct {
	eventBus      event.EventCoordinator
	config        HoardConfig
	dockerManager docker.DockerManager

	db        database.Manager
	itemStore *item.Store

	resumeManager     *resume.Manager
	crawlerService    RunnableService
	downloaderService DownloaderService
	progressService   RunnableService
}

func New(config HoardConfig) *hoardImpl {
	log.Debugf("Bootstrapping Hoard services using config: %#v\n", config)

	hoard := &hoardImpl{
		eventBus:  event.New(),
		config:    config,
		db:        database.New(),
		itemStore: item.NewStore(),
	}

	engine := policy.NewEngine(config.Policy, config.Downloader.OutputRoot, config.Downloader.ExtractAudio)
	client := channel.NewClient(config.ChannelAPI)

	hoard.resumeManager = resume.New(config.Resume, hoard.db, hoard.itemStore, engine)
	hoard.crawlerService = crawler.New(config.Crawler, hoard.db, hoard.itemStore, engine, client, hoard.eventBus)
	hoard.progressService = progress.New(config.Progress, hoard.db, hoard.itemStore, hoard.eventBus)

	if serv, err := downloader.New(
		config.Downloader,
		config.Concurrent.Downloads,
		config.Concurrent.Transcodes,
		hoard.db, hoard.itemStore, engine, client, hoard.eventBus,
	); err == nil {
		hoard.downloaderService = serv
	} else {
		panic(fmt.Sprintf("failed to construct downloader service due to error: %s", err.Error()))
	}

	hoard.eventBus.RegisterAsyncHandlerFunction(event.ITEM_QUEUED, func(event.Event, event.Payload) {
		hoard.downloaderService.WakeupWorkers()
	})

	return hoard
}

// Run will start all of Hoard by bringing up all required services and
// connections, such as:
// - Docker services
// - Database connection
// - The resume sweep (to completion, before any worker starts)
// - Service instances
//
// This function will not return until Hoard is stopped. To stop Hoard,
// the provided context must be cancelled. Errors from which Hoard
// cannot recover will also cause it to stop.
func (hoard *hoardImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	if hoard.config.Services.EnablePostgres {
		manager, err := docker.NewDockerManager()
		if err != nil {
			return err
		}
		hoard.dockerManager = manager
		defer hoard.dockerManager.Shutdown(time.Second * 10)

		log.Infof("Initialising embedded database...\n")
		if _, err := database.InitialiseDockerDatabase(hoard.dockerManager, hoard.config.Database); err != nil {
			return err
		}
	}

	log.Infof("Connecting to database...\n")
	if err := hoard.db.Connect(hoard.config.Database); err != nil {
		return err
	}

	// The resume sweep is a barrier: interrupted and failed work is
	// reclassified before any crawler or worker can touch the store.
	log.Infof("Sweeping interrupted work...\n")
	if err := hoard.resumeManager.Sweep(); err != nil {
		return err
	}

	wg := &sync.WaitGroup{}
	hoard.spawnAsyncService(ctx, wg, hoard.crawlerService, "crawler-service", crashHandler)
	hoard.spawnAsyncService(ctx, wg, hoard.downloaderService, "downloader-service", crashHandler)
	hoard.spawnAsyncService(ctx, wg, hoard.progressService, "progress-service", crashHandler)
	log.Infof("Hoard services spawned!\n")

	wg.Wait()
	return nil
}

// spawnAsyncService will run the provided function/service as its own
// go-routine, ensuring that the service waitgroup is updated correctly.
func (hoard *hoardImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Debugf("Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
