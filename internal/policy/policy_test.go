package policy_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmw-nz/hoard/internal/item"
	"github.com/jmw-nz/hoard/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func videoItem(sizeBytes int64, durationSecs int64) *item.Item {
	return &item.Item{
		ID:             uuid.New(),
		ChannelID:      "channelA",
		ItemID:         100,
		DiscoveredAt:   time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC),
		MediaType:      item.MediaVideo,
		MediaRef:       "ref",
		MediaUniqueRef: "unique-ref-a",
		FileName:       ptr("clip.mp4"),
		SizeBytes:      ptr(sizeBytes),
		DurationSecs:   ptr(durationSecs),
		State:          item.Unknown,
	}
}

func videoOnlyPolicy() policy.Policy {
	return policy.Policy{
		Video: policy.MediaRule{
			Enabled:            true,
			MinSizeBytes:       ptr(int64(1000)),
			MaxSizeBytes:       ptr(int64(50_000_000)),
			MinDurationSeconds: ptr(int64(5)),
			MaxDurationSeconds: ptr(int64(3600)),
		},
	}
}

func Test_Classify(t *testing.T) {
	t.Parallel()

	engine := policy.NewEngine(videoOnlyPolicy(), t.TempDir(), false)

	tests := []struct {
		summary  string
		item     *item.Item
		expected item.State
	}{
		{"Video within bounds", videoItem(2000, 10), item.Queued},
		{"Video at inclusive lower size bound", videoItem(1000, 10), item.Queued},
		{"Video at inclusive upper size bound", videoItem(50_000_000, 10), item.Queued},
		{"Video over size bound", videoItem(60_000_000, 10), item.Filtered},
		{"Video under duration bound", videoItem(2000, 4), item.Filtered},
		{"Video at inclusive upper duration bound", videoItem(2000, 3600), item.Queued},
	}

	for _, tt := range tests {
		t.Run(tt.summary, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, engine.Classify(tt.item))
		})
	}
}

func Test_Classify_NoMedia(t *testing.T) {
	t.Parallel()

	engine := policy.NewEngine(videoOnlyPolicy(), t.TempDir(), false)
	it := videoItem(2000, 10)
	it.MediaType = item.MediaNone

	assert.Equal(t, item.NoMedia, engine.Classify(it))
}

func Test_Classify_MissingMetadata(t *testing.T) {
	t.Parallel()

	engine := policy.NewEngine(videoOnlyPolicy(), t.TempDir(), false)

	// No file name and an unknown mime type leaves no way to derive
	// a file extension.
	it := videoItem(2000, 10)
	it.FileName = nil
	it.MimeType = ptr("application/x-who-knows")

	assert.Equal(t, item.MissingMetadata, engine.Classify(it))
}

func Test_Classify_MimeDerivedExtension(t *testing.T) {
	t.Parallel()

	engine := policy.NewEngine(videoOnlyPolicy(), t.TempDir(), false)
	it := videoItem(2000, 10)
	it.FileName = nil
	it.MimeType = ptr("video/mp4")

	assert.Equal(t, item.Queued, engine.Classify(it))
}

func Test_Classify_ChannelAllowList(t *testing.T) {
	t.Parallel()

	pol := videoOnlyPolicy()
	pol.AllowedChannels = []string{"channelB"}
	engine := policy.NewEngine(pol, t.TempDir(), false)

	assert.Equal(t, item.Filtered, engine.Classify(videoItem(2000, 10)))
}

func Test_Classify_DateWindow(t *testing.T) {
	t.Parallel()

	pol := videoOnlyPolicy()
	pol.DateMin = ptr(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	pol.DateMax = ptr(time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC))
	engine := policy.NewEngine(pol, t.TempDir(), false)

	// The maximum is exclusive: an item discovered exactly at DateMax
	// is rejected.
	assert.Equal(t, item.Filtered, engine.Classify(videoItem(2000, 10)))

	earlier := videoItem(2000, 10)
	earlier.DiscoveredAt = pol.DateMax.Add(-time.Second)
	assert.Equal(t, item.Queued, engine.Classify(earlier))
}

func Test_Classify_DisabledMediaType(t *testing.T) {
	t.Parallel()

	pol := videoOnlyPolicy()
	pol.Video.Enabled = false
	engine := policy.NewEngine(pol, t.TempDir(), false)

	assert.Equal(t, item.Filtered, engine.Classify(videoItem(2000, 10)))
}

func Test_Classify_NilBoundsNotEvaluated(t *testing.T) {
	t.Parallel()

	// Audio items carry no width/height, and the audio rule here sets
	// no bounds at all. Everything enabled passes.
	engine := policy.NewEngine(policy.Policy{Audio: policy.MediaRule{Enabled: true}}, t.TempDir(), false)

	it := videoItem(123, 456)
	it.MediaType = item.MediaAudio
	it.FileName = ptr("voice.ogg")
	it.Width = nil
	it.Height = nil

	assert.Equal(t, item.Queued, engine.Classify(it))
}

func Test_Classify_ExistingFileIsCompleted(t *testing.T) {
	t.Parallel()

	outputRoot := t.TempDir()
	engine := policy.NewEngine(videoOnlyPolicy(), outputRoot, false)

	it := videoItem(2000, 10)
	relPath, ok := engine.DestinationPath(it)
	require.True(t, ok)

	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(outputRoot, relPath)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outputRoot, relPath), []byte("media bytes"), 0o644))

	// File existence wins over any policy bound, even for an item the
	// policy would otherwise reject.
	oversized := videoItem(60_000_000, 10)
	assert.Equal(t, item.Completed, engine.Classify(it))
	assert.Equal(t, item.Completed, engine.Classify(oversized))
}

func Test_Classify_Deterministic(t *testing.T) {
	t.Parallel()

	engine := policy.NewEngine(videoOnlyPolicy(), t.TempDir(), false)
	it := videoItem(2000, 10)

	first := engine.Classify(it)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, engine.Classify(it))
	}
}

func Test_DestinationPath(t *testing.T) {
	t.Parallel()

	it := videoItem(2000, 10)

	direct := policy.NewEngine(videoOnlyPolicy(), t.TempDir(), false)
	relPath, ok := direct.DestinationPath(it)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("channelA", "video", "unique-ref-a.mp4"), relPath)

	extracting := policy.NewEngine(videoOnlyPolicy(), t.TempDir(), true)
	relPath, ok = extracting.DestinationPath(it)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("channelA", "extracted_audio", "unique-ref-a.mp3"), relPath)
}
