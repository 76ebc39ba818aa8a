package integration_test

import (
	"testing"

	"github.com/jmw-nz/hoard/internal/item"
	"github.com/jmw-nz/hoard/internal/policy"
	"github.com/jmw-nz/hoard/internal/resume"
	"github.com/jmw-nz/hoard/tests/helpers"
	"github.com/stretchr/testify/assert"
)

// Exercises the startup sweep end-to-end against a real database: rows
// interrupted mid-download are requeued, policy-rejected rows are
// reclassified under the current (here, permissive) policy, and rows
// whose output file already exists on disk are marked complete without
// re-downloading.
func Test_ResumeSweep_RecoversInterruptedPipeline(t *testing.T) {
	t.Parallel()

	db := helpers.RequireDatabase(t)
	store := item.NewStore()

	outputRoot, _ := helpers.TempOutputRoot(t, []string{"channelA/video/recovered.mp4"})
	engine := policy.NewEngine(policy.Policy{
		Video: policy.MediaRule{Enabled: true},
		Audio: policy.MediaRule{Enabled: true},
		Photo: policy.MediaRule{Enabled: true},
	}, outputRoot, false)

	interrupted := seedItem("channelA", 1, item.Downloading)
	rejected := seedItem("channelA", 2, item.Filtered)
	recovered := seedItem("channelA", 3, item.MissingMetadata)
	recovered.MediaUniqueRef = "recovered"
	finished := seedItem("channelA", 4, item.Completed)
	finished.DownloadedPath = ptr("channelA/video/finished.mp4")

	mustSave(t, db.GetSqlxDb(), store, interrupted, rejected, recovered, finished)

	manager := resume.New(resume.Config{MaxRetries: 0}, db, store, engine)
	assert.Nil(t, manager.Sweep())

	requeued, err := store.Get(db.GetSqlxDb(), interrupted.ID)
	assert.Nil(t, err)
	assert.Equal(t, item.Queued, requeued.State)
	assert.Equal(t, 1, requeued.Retries)

	reclassified, err := store.Get(db.GetSqlxDb(), rejected.ID)
	assert.Nil(t, err)
	assert.Equal(t, item.Queued, reclassified.State, "permissive policy should requeue a previously filtered item")

	complete, err := store.Get(db.GetSqlxDb(), recovered.ID)
	assert.Nil(t, err)
	assert.Equal(t, item.Completed, complete.State)
	if assert.NotNil(t, complete.DownloadedPath) {
		assert.Equal(t, "channelA/video/recovered.mp4", *complete.DownloadedPath)
	}

	untouched, err := store.Get(db.GetSqlxDb(), finished.ID)
	assert.Nil(t, err)
	assert.Equal(t, item.Completed, untouched.State)
	assert.Equal(t, 0, untouched.Retries)

	// A second sweep over the now-settled table is a no-op.
	assert.Nil(t, manager.Sweep())
	settled, err := store.Get(db.GetSqlxDb(), interrupted.ID)
	assert.Nil(t, err)
	assert.Equal(t, item.Queued, settled.State)
	assert.Equal(t, 1, settled.Retries)
}
