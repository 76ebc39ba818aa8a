package progress

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jmw-nz/hoard/internal/database"
	"github.com/jmw-nz/hoard/internal/event"
	"github.com/jmw-nz/hoard/internal/item"
	"github.com/jmw-nz/hoard/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
)

var log = logger.Get("ProgressServ")

// doneStates and totalStates define the progress denominator: items
// filtered out or sitting in an error state are not "work to do".
var (
	doneStates  = []item.State{item.Completed, item.Duplicate}
	totalStates = []item.State{item.Queued, item.Downloading, item.Completed, item.Duplicate}
)

type (
	store interface {
		StateCounts(db database.Queryable) ([]item.StateCount, error)
	}

	Config struct {
		Interval        time.Duration `yaml:"interval" env:"PROGRESS_INTERVAL" env-default:"60s"`
		MetricsHostAddr string        `yaml:"metrics_host" env:"METRICS_HOST_ADDR"`
	}

	// Snapshot is a point-in-time aggregation of pipeline progress.
	Snapshot struct {
		DoneCount  int64
		TotalCount int64
		DoneBytes  int64
		TotalBytes int64
		ByState    map[item.State]int64
	}

	// reporterService periodically aggregates item counts and bytes by
	// state, purely for observability. It also exposes the same
	// figures as prometheus gauges (plus event-driven outcome
	// counters) over an optional /metrics endpoint.
	reporterService struct {
		db     database.Manager
		store  store
		config Config

		registry   *prometheus.Registry
		itemsGauge *prometheus.GaugeVec
		bytesGauge *prometheus.GaugeVec
		outcomes   *prometheus.CounterVec
	}
)

func New(config Config, db database.Manager, store store, eventBus event.EventHandler) *reporterService {
	registry := prometheus.NewRegistry()
	service := &reporterService{
		db:       db,
		store:    store,
		config:   config,
		registry: registry,
		itemsGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "hoard_items", Help: "Number of items per lifecycle state."},
			[]string{"state"},
		),
		bytesGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "hoard_item_bytes", Help: "Total known media bytes per lifecycle state."},
			[]string{"state"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "hoard_download_outcomes_total", Help: "Download outcomes observed since process start."},
			[]string{"outcome"},
		),
	}
	registry.MustRegister(service.itemsGauge, service.bytesGauge, service.outcomes)

	eventBus.RegisterAsyncHandlerFunction(event.DOWNLOAD_COMPLETE, func(event.Event, event.Payload) {
		service.outcomes.WithLabelValues("complete").Inc()
	})
	eventBus.RegisterAsyncHandlerFunction(event.DOWNLOAD_DUPLICATE, func(event.Event, event.Payload) {
		service.outcomes.WithLabelValues("duplicate").Inc()
	})
	eventBus.RegisterAsyncHandlerFunction(event.DOWNLOAD_FAILED, func(event.Event, event.Payload) {
		service.outcomes.WithLabelValues("failed").Inc()
	})

	return service
}

// Run logs a snapshot on each interval tick until the context is
// cancelled, serving /metrics in the background when a metrics host
// address is configured.
func (service *reporterService) Run(ctx context.Context) error {
	if service.config.MetricsHostAddr != "" {
		go service.serveMetrics(ctx)
	}

	ticker := time.NewTicker(service.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshot, err := service.Snapshot()
			if err != nil {
				log.Warnf("Failed to aggregate progress: %v\n", err)
				continue
			}

			log.Infof("Progress: %d/%d items, %d/%d bytes\n",
				snapshot.DoneCount, snapshot.TotalCount, snapshot.DoneBytes, snapshot.TotalBytes)
		case <-ctx.Done():
			return nil
		}
	}
}

// Snapshot aggregates current per-state counts and bytes, refreshing
// the prometheus gauges as a side effect of observation.
func (service *reporterService) Snapshot() (*Snapshot, error) {
	counts, err := service.store.StateCounts(service.db.GetSqlxDb())
	if err != nil {
		return nil, err
	}

	byState := lo.SliceToMap(counts, func(count item.StateCount) (item.State, int64) {
		return count.State, count.Count
	})

	snapshot := &Snapshot{
		ByState: byState,
		DoneCount: lo.SumBy(counts, func(count item.StateCount) int64 {
			return lo.Ternary(lo.Contains(doneStates, count.State), count.Count, 0)
		}),
		TotalCount: lo.SumBy(counts, func(count item.StateCount) int64 {
			return lo.Ternary(lo.Contains(totalStates, count.State), count.Count, 0)
		}),
		DoneBytes: lo.SumBy(counts, func(count item.StateCount) int64 {
			return lo.Ternary(lo.Contains(doneStates, count.State), count.Bytes, 0)
		}),
		TotalBytes: lo.SumBy(counts, func(count item.StateCount) int64 {
			return lo.Ternary(lo.Contains(totalStates, count.State), count.Bytes, 0)
		}),
	}

	service.itemsGauge.Reset()
	service.bytesGauge.Reset()
	for _, count := range counts {
		service.itemsGauge.WithLabelValues(string(count.State)).Set(float64(count.Count))
		service.bytesGauge.WithLabelValues(string(count.State)).Set(float64(count.Bytes))
	}

	return snapshot, nil
}

func (service *reporterService) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(service.registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: service.config.MetricsHostAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	log.Infof("Serving metrics on %s\n", service.config.MetricsHostAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Metrics server failed: %v\n", err)
	}
}
