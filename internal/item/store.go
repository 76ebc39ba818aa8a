package item

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/jmw-nz/hoard/internal/database"
	"github.com/samber/lo"
)

var (
	ErrItemNotFound = errors.New("item does not exist")

	// ErrIllegalTransition indicates a requested state change which the
	// state machine forbids outright. This is a programmer error, not a
	// runtime race - callers treat it as fatal.
	ErrIllegalTransition = errors.New("illegal item state transition")

	// ErrTransitionConflict indicates a legal transition which found the
	// row in a different state than expected - i.e. another writer got
	// there first.
	ErrTransitionConflict = errors.New("item state changed concurrently")
)

type (
	// StateCount is one row of the per-state aggregation used by the
	// progress reporter.
	StateCount struct {
		State State `db:"state"`
		Count int64 `db:"count"`
		Bytes int64 `db:"bytes"`
	}

	Store struct{}
)

func NewStore() *Store {
	return &Store{}
}

// Save inserts the item provided, keyed by (channel_id, item_id).
// An item that already exists is left untouched and 'false' is
// returned; re-crawling a page is expected and not an error.
func (store *Store) Save(db database.Queryable, it *Item) (bool, error) {
	res, err := db.NamedExec(`
		INSERT INTO items(id, channel_id, item_id, discovered_at, link, media_type, media_ref,
		                  media_unique_ref, file_name, mime_type, size_bytes, duration_seconds,
		                  width, height, downloaded_path, state, retries, created_at, updated_at)
		VALUES(:id, :channel_id, :item_id, :discovered_at, :link, :media_type, :media_ref,
		       :media_unique_ref, :file_name, :mime_type, :size_bytes, :duration_seconds,
		       :width, :height, :downloaded_path, :state, :retries, current_timestamp, current_timestamp)
		ON CONFLICT(channel_id, item_id) DO NOTHING
	`, it)
	if err != nil {
		return false, fmt.Errorf("failed to insert item %s: %w", it, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return inserted > 0, nil
}

// Get returns the item with the row ID provided.
func (store *Store) Get(db database.Queryable, id interface{}) (*Item, error) {
	var result Item
	if err := db.Get(&result, db.Rebind(`SELECT * FROM items WHERE id=?`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}

		return nil, err
	}

	return &result, nil
}

// OldestSeenItemID returns the smallest item_id known for the channel
// provided, or 0 if the channel has never been crawled. This doubles
// as the crawlers backward-paging cursor, which deliberately lives in
// the item table rather than a separate cursor row so a failed crawl
// can never corrupt it.
func (store *Store) OldestSeenItemID(db database.Queryable, channelID string) (int64, error) {
	var oldest int64
	err := db.Get(&oldest, db.Rebind(`SELECT COALESCE(MIN(item_id), 0) FROM items WHERE channel_id=?`), channelID)
	if err != nil {
		return 0, fmt.Errorf("failed to find oldest seen item for channel %s: %w", channelID, err)
	}

	return oldest, nil
}

// ClaimNextQueued atomically selects one Queued row and transitions it
// to Downloading, returning the claimed item. The SELECT ... FOR UPDATE
// SKIP LOCKED subquery is the pipelines single mutual-exclusion point:
// two workers can never claim the same row, and a worker never blocks
// on a row another worker has locked.
//
// Rows are claimed ordered by channel then ascending size so cheap
// items are front-loaded. Returns (nil, nil) when no Queued row exists.
func (store *Store) ClaimNextQueued(db database.Queryable) (*Item, error) {
	var claimed Item
	err := db.Get(&claimed, `
		UPDATE items SET state=$1, updated_at=current_timestamp
		WHERE id = (
			SELECT id FROM items
			WHERE state=$2
			ORDER BY channel_id, size_bytes ASC NULLS LAST
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`, Downloading, Queued)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to claim queued item: %w", err)
	}

	return &claimed, nil
}

// FindDuplicate returns an already-downloaded (or currently
// downloading) item whose (size, duration) exactly match those of the
// claimed item provided, excluding the claimed row itself.
//
// In-flight rows only match when they were claimed strictly before the
// claimed item, ordered by (updated_at, id). Matching Downloading rows
// symmetrically would let two workers holding identical claims each
// see the other as the duplicate and both self-terminate with nothing
// fetched; the tiebreak guarantees at most one side of any such pair
// ever observes a match.
//
// Equality on size+duration is a heuristic, not a cryptographic
// identity: two distinct files with identical size and duration will
// be treated as duplicates. Content hashing would remove the
// ambiguity at the cost of a full read of every download.
func (store *Store) FindDuplicate(db database.Queryable, claimed *Item) (*Item, error) {
	if claimed.SizeBytes == nil {
		return nil, nil
	}

	query, args, err := squirrel.
		Select("*").
		From("items").
		Where("id <> ?", claimed.ID).
		Where("size_bytes = ?", *claimed.SizeBytes).
		Where("duration_seconds IS NOT DISTINCT FROM ?", claimed.DurationSecs).
		Where(squirrel.Or{
			squirrel.Eq{"state": Completed},
			squirrel.And{
				squirrel.Eq{"state": Downloading},
				squirrel.Expr("(updated_at, id) < (?, ?)", claimed.UpdatedAt, claimed.ID),
			},
		}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct duplicate lookup query: %w", err)
	}

	var result Item
	if err := db.Get(&result, db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, err
	}

	return &result, nil
}

// Transition moves the item identified by id from one state to
// another, recording downloadedPath when the destination state demands
// one (Completed/Duplicate). The UPDATE is guarded on the expected
// current state; a legal transition which matches no row means another
// writer changed the row first and ErrTransitionConflict is returned.
func (store *Store) Transition(db database.Queryable, id interface{}, from State, to State, downloadedPath *string) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	if (downloadedPath != nil) != to.Terminal() {
		return fmt.Errorf("%w: downloaded path must be set if, and only if, transitioning to a terminal state (got path=%v for %s)", ErrIllegalTransition, downloadedPath, to)
	}

	res, err := db.Exec(db.Rebind(`
		UPDATE items SET state=?, downloaded_path=?, updated_at=current_timestamp
		WHERE id=? AND state=?
	`), to, downloadedPath, id, from)
	if err != nil {
		return fmt.Errorf("failed to transition item %v from %s to %s: %w", id, from, to, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: item %v expected in state %s", ErrTransitionConflict, id, from)
	}

	return nil
}

// RewindToUnknown moves every item in one of the given states back to
// Unknown so the resume sweep can re-classify it under the current
// policy. Each rewind increments the items retry counter; a non-zero
// maxRetries excludes rows which have already been requeued that many
// times. The rewound items are returned.
func (store *Store) RewindToUnknown(db database.Queryable, states []State, maxRetries int) ([]*Item, error) {
	resumable := lo.EveryBy(states, func(s State) bool { return s.Resumable() })
	if !resumable {
		return nil, fmt.Errorf("%w: rewind requested for non-resumable state (of %v)", ErrIllegalTransition, states)
	}

	query, args, err := sqlx.In(`
		UPDATE items SET state=?, downloaded_path=NULL, retries=retries+1, updated_at=current_timestamp
		WHERE state IN (?) AND (? = 0 OR retries < ?)
		RETURNING *
	`, Unknown, states, maxRetries, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to construct rewind query: %w", err)
	}

	var rewound []Item
	if err := db.Select(&rewound, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to rewind items for resume: %w", err)
	}

	return lo.ToSlicePtr(rewound), nil
}

// StateCounts aggregates item counts and byte totals grouped by state.
func (store *Store) StateCounts(db database.Queryable) ([]StateCount, error) {
	query, args, err := squirrel.
		Select("state", "COUNT(*) AS count", "COALESCE(SUM(size_bytes), 0) AS bytes").
		From("items").
		GroupBy("state").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct state count query: %w", err)
	}

	var results []StateCount
	if err := db.Select(&results, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	return results, nil
}
