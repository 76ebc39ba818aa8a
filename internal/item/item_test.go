package item_test

import (
	"testing"

	"github.com/jmw-nz/hoard/internal/item"
	"github.com/stretchr/testify/assert"
)

func Test_ValidTransition(t *testing.T) {
	t.Parallel()

	allStates := []item.State{
		item.Unknown, item.Queued, item.Filtered, item.MissingMetadata,
		item.NoMedia, item.Downloading, item.Completed, item.Duplicate,
		item.ErrorDownload, item.ErrorTranscode,
	}

	legal := map[item.State][]item.State{
		item.Unknown:         {item.Queued, item.Filtered, item.MissingMetadata, item.NoMedia, item.Completed},
		item.Queued:          {item.Downloading},
		item.Downloading:     {item.Completed, item.Duplicate, item.ErrorDownload, item.ErrorTranscode, item.Unknown},
		item.Filtered:        {item.Unknown},
		item.MissingMetadata: {item.Unknown},
		item.NoMedia:         {item.Unknown},
		item.ErrorDownload:   {item.Unknown},
		item.ErrorTranscode:  {item.Unknown},
	}

	isLegal := func(from item.State, to item.State) bool {
		for _, next := range legal[from] {
			if next == to {
				return true
			}
		}
		return false
	}

	for _, from := range allStates {
		for _, to := range allStates {
			assert.Equalf(t, isLegal(from, to), item.ValidTransition(from, to),
				"transition %s -> %s", from, to)
		}
	}
}

func Test_TerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	t.Parallel()

	for _, terminal := range []item.State{item.Completed, item.Duplicate} {
		assert.True(t, terminal.Terminal())
		assert.False(t, terminal.Resumable())
	}

	for _, resumable := range []item.State{
		item.Downloading, item.Filtered, item.MissingMetadata,
		item.NoMedia, item.ErrorDownload, item.ErrorTranscode,
	} {
		assert.Falsef(t, resumable.Terminal(), "state %s", resumable)
		assert.Truef(t, resumable.Resumable(), "state %s", resumable)
	}
}
