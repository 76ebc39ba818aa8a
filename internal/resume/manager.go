package resume

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jmw-nz/hoard/internal/database"
	"github.com/jmw-nz/hoard/internal/item"
	"github.com/jmw-nz/hoard/pkg/logger"
)

var log = logger.Get("ResumeMgr")

type (
	store interface {
		RewindToUnknown(db database.Queryable, states []item.State, maxRetries int) ([]*item.Item, error)
		Transition(db database.Queryable, id interface{}, from item.State, to item.State, downloadedPath *string) error
	}

	classifier interface {
		Classify(it *item.Item) item.State
		DestinationPath(it *item.Item) (string, bool)
	}

	Config struct {
		// MaxRetries bounds how many times an errored or interrupted
		// item will be requeued across process restarts. Zero means
		// unlimited, retaining the "retry forever by restarting"
		// behaviour as an explicit choice rather than an accident.
		MaxRetries int `yaml:"max_retries" env:"RESUME_MAX_RETRIES" env-default:"0" validate:"min=0"`
	}

	// Manager rewinds interrupted and failed work at startup. Sweep
	// runs synchronously before any download worker starts; it is a
	// barrier, not a race.
	Manager struct {
		db     database.Manager
		store  store
		engine classifier
		config Config
	}
)

func New(config Config, db database.Manager, store store, engine classifier) *Manager {
	return &Manager{db: db, store: store, engine: engine, config: config}
}

// Sweep rewinds every resumable row back to Unknown and immediately
// reclassifies it under the current policy, all in one transaction.
//
// Two passes run with different retry handling: in-flight and errored
// states (Downloading, ErrorDownload, ErrorTranscode) honour the
// configured retry cap, while policy-rejection states (Filtered,
// MissingMetadata, NoMedia) are always re-evaluated since
// reclassifying them is the whole point of changing the policy and
// restarting.
func (manager *Manager) Sweep() error {
	return manager.db.WrapTx(func(tx *sqlx.Tx) error {
		interrupted, err := manager.store.RewindToUnknown(
			tx,
			[]item.State{item.Downloading, item.ErrorDownload, item.ErrorTranscode},
			manager.config.MaxRetries,
		)
		if err != nil {
			return fmt.Errorf("failed to rewind interrupted items: %w", err)
		}

		rejected, err := manager.store.RewindToUnknown(
			tx,
			[]item.State{item.Filtered, item.MissingMetadata, item.NoMedia},
			0,
		)
		if err != nil {
			return fmt.Errorf("failed to rewind policy-rejected items: %w", err)
		}

		rewound := append(interrupted, rejected...)
		if len(rewound) == 0 {
			log.Infof("Nothing to resume\n")
			return nil
		}

		log.Infof("Reclassifying %d rewound item(s) (%d interrupted, %d policy-rejected)\n",
			len(rewound), len(interrupted), len(rejected))

		for _, it := range rewound {
			next := manager.engine.Classify(it)

			var downloadedPath *string
			if next == item.Completed {
				// The file landed on a previous run; the row just
				// never recorded it.
				relPath, ok := manager.engine.DestinationPath(it)
				if !ok {
					next = item.MissingMetadata
				} else {
					downloadedPath = &relPath
				}
			}

			if err := manager.store.Transition(tx, it.ID, item.Unknown, next, downloadedPath); err != nil {
				return fmt.Errorf("failed to reclassify rewound item %s: %w", it, err)
			}

			log.Debugf("Rewound %s reclassified as %s\n", it, next)
		}

		return nil
	})
}
