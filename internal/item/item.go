package item

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// MediaType describes what kind of media (if any) a discovered
	// channel item carries.
	MediaType string

	// State is the lifecycle state of an item. Transitions between
	// states are validated by ValidTransition - the state machine is
	// closed, and an attempt to perform an illegal transition is
	// treated as an invariant violation by callers.
	State string

	// Item is one discovered media-bearing message from a remote
	// channels history. Rows are never physically deleted; terminal
	// rows double as the audit log of what was downloaded and why.
	Item struct {
		ID             uuid.UUID  `db:"id"`
		ChannelID      string     `db:"channel_id"`
		ItemID         int64      `db:"item_id"`
		DiscoveredAt   time.Time  `db:"discovered_at"`
		Link           string     `db:"link"`
		MediaType      MediaType  `db:"media_type"`
		MediaRef       string     `db:"media_ref"`
		MediaUniqueRef string     `db:"media_unique_ref"`
		FileName       *string    `db:"file_name"`
		MimeType       *string    `db:"mime_type"`
		SizeBytes      *int64     `db:"size_bytes"`
		DurationSecs   *int64     `db:"duration_seconds"`
		Width          *int64     `db:"width"`
		Height         *int64     `db:"height"`
		DownloadedPath *string    `db:"downloaded_path"`
		State          State      `db:"state"`
		Retries        int        `db:"retries"`
		CreatedAt      time.Time  `db:"created_at"`
		UpdatedAt      time.Time  `db:"updated_at"`
	}
)

const (
	MediaNone  MediaType = "NONE"
	MediaPhoto MediaType = "PHOTO"
	MediaAudio MediaType = "AUDIO"
	MediaVideo MediaType = "VIDEO"
)

const (
	// Unknown items have been discovered but not yet classified.
	Unknown State = "UNKNOWN"

	// Queued items passed the active policy and await download.
	Queued State = "QUEUED"

	// Filtered items were rejected by the active policy.
	Filtered State = "FILTERED"

	// MissingMetadata items could not be classified because required
	// identifying metadata (file name or mime-derived extension)
	// could not be determined.
	MissingMetadata State = "MISSING_METADATA"

	// NoMedia items carry no media at all.
	NoMedia State = "NO_MEDIA"

	// Downloading marks a row as claimed by a download worker. The
	// claim transition is the mutual-exclusion point of the pipeline.
	Downloading State = "DOWNLOADING"

	// Completed items have their media finalized on disk. Terminal.
	Completed State = "COMPLETED"

	// Duplicate items matched an already-downloaded item by
	// (size, duration) and were never fetched. Terminal.
	Duplicate State = "DUPLICATE"

	// ErrorDownload marks a failed media fetch. Retried only via the
	// resume sweep at next startup, never within a worker.
	ErrorDownload State = "ERROR_DOWNLOAD"

	// ErrorTranscode marks a transcode which produced no usable
	// output. Same replay path as ErrorDownload.
	ErrorTranscode State = "ERROR_TRANSCODE"
)

// validTransitions encodes the closed state machine. The Unknown ->
// Completed edge covers idempotent recovery: classification treats an
// already-existing output file as proof of a completed download whose
// DB write was lost.
var validTransitions = map[State][]State{
	Unknown:         {Queued, Filtered, MissingMetadata, NoMedia, Completed},
	Queued:          {Downloading},
	Downloading:     {Completed, Duplicate, ErrorDownload, ErrorTranscode, Unknown},
	Filtered:        {Unknown},
	MissingMetadata: {Unknown},
	NoMedia:         {Unknown},
	ErrorDownload:   {Unknown},
	ErrorTranscode:  {Unknown},
}

// ValidTransition reports whether moving an item from one state to
// another is legal. Completed and Duplicate are terminal and have no
// outgoing edges.
func ValidTransition(from State, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// Terminal reports whether a state can never be left again.
func (s State) Terminal() bool {
	return s == Completed || s == Duplicate
}

// Resumable reports whether the resume sweep may rewind this state
// back to Unknown for re-classification.
func (s State) Resumable() bool {
	return ValidTransition(s, Unknown)
}

func (it *Item) String() string {
	return fmt.Sprintf("Item{channel=%s id=%d state=%s}", it.ChannelID, it.ItemID, it.State)
}
