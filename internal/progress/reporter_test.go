package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmw-nz/hoard/internal/database"
	"github.com/jmw-nz/hoard/internal/event"
	"github.com/jmw-nz/hoard/internal/item"
	"github.com/jmw-nz/hoard/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type fakeManager struct{}

func (fakeManager) Connect(database.DatabaseConfig) error  { return nil }
func (fakeManager) GetSqlxDb() *sqlx.DB                    { return nil }
func (fakeManager) WrapTx(f func(tx *sqlx.Tx) error) error { return f(nil) }

type fixedStore struct {
	counts []item.StateCount
}

func (s *fixedStore) StateCounts(database.Queryable) ([]item.StateCount, error) {
	return s.counts, nil
}

func Test_Snapshot_ExcludesNonWorkStates(t *testing.T) {
	t.Parallel()

	store := &fixedStore{counts: []item.StateCount{
		{State: item.Queued, Count: 5, Bytes: 500},
		{State: item.Downloading, Count: 1, Bytes: 100},
		{State: item.Completed, Count: 3, Bytes: 300},
		{State: item.Duplicate, Count: 1, Bytes: 50},
		{State: item.Filtered, Count: 10, Bytes: 99999},
		{State: item.ErrorDownload, Count: 2, Bytes: 20},
	}}

	service := New(Config{Interval: time.Hour}, fakeManager{}, store, event.New())

	snapshot, err := service.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, int64(4), snapshot.DoneCount)
	assert.Equal(t, int64(10), snapshot.TotalCount)
	assert.Equal(t, int64(350), snapshot.DoneBytes)
	assert.Equal(t, int64(950), snapshot.TotalBytes)
	assert.Equal(t, int64(10), snapshot.ByState[item.Filtered])

	assert.Equal(t, float64(5), testutil.ToFloat64(service.itemsGauge.WithLabelValues(string(item.Queued))))
	assert.Equal(t, float64(500), testutil.ToFloat64(service.bytesGauge.WithLabelValues(string(item.Queued))))
}

func Test_OutcomeCountersFollowEvents(t *testing.T) {
	t.Parallel()

	bus := event.New()
	service := New(Config{Interval: time.Hour}, fakeManager{}, &fixedStore{}, bus)

	bus.Dispatch(event.DOWNLOAD_COMPLETE, uuid.New())
	bus.Dispatch(event.DOWNLOAD_COMPLETE, uuid.New())
	bus.Dispatch(event.DOWNLOAD_DUPLICATE, uuid.New())
	bus.Dispatch(event.DOWNLOAD_FAILED, uuid.New())

	// Outcome handlers run asynchronously on the bus.
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, float64(2), testutil.ToFloat64(service.outcomes.WithLabelValues("complete")))
		assert.Equal(c, float64(1), testutil.ToFloat64(service.outcomes.WithLabelValues("duplicate")))
		assert.Equal(c, float64(1), testutil.ToFloat64(service.outcomes.WithLabelValues("failed")))
	}, time.Second*2, time.Millisecond*20)
}
