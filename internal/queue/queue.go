// Package queue reads and settles the outbound change queue. Rows are
// inserted by database triggers whenever an item or collection changes in a
// library whose outgoing sync mode is event_driven; the sync worker drains
// them through this API.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/zotmirror/zotmirror/internal/zotero"
)

// Entity types carried in the queue.
const (
	EntityItem       = "item"
	EntityCollection = "collection"
)

// Operations carried in the queue.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// maxBatchSize caps a single lease at the cloud write batch limit.
const maxBatchSize = 50

// Entry is one queued outbound change.
type Entry struct {
	ID          int64      `db:"id"`
	EntityType  string     `db:"entity_type"`
	EntityKey   string     `db:"entity_key"`
	LibraryID   int64      `db:"library_id"`
	LibraryType string     `db:"library_type"`
	Operation   string     `db:"operation"`
	Priority    int        `db:"priority"`
	RetryCount  int        `db:"retry_count"`
	MaxRetries  int        `db:"max_retries"`
	NextRetryAt time.Time  `db:"next_retry_at"`
	LastError   *string    `db:"last_error"`
	CreatedAt   time.Time  `db:"created_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

// Library returns the reference of the library the entry belongs to.
func (e *Entry) Library() zotero.LibraryRef {
	return zotero.LibraryRef{ID: e.LibraryID, Type: zotero.LibraryType(e.LibraryType)}
}

// Stats summarizes queue health. Failed counts entries that exhausted their
// retries without being processed.
type Stats struct {
	Pending   int64 `db:"pending"`
	Processed int64 `db:"processed"`
	Failed    int64 `db:"failed"`
}

// Queue provides access to the sync_queue table.
type Queue struct {
	db *sqlx.DB
}

// New returns a Queue backed by the given database.
func New(db *sqlx.DB) *Queue {
	return &Queue{db: db}
}

// FetchPending leases up to batchSize ready entries for one library: not yet
// processed, retries left, and past their backoff deadline. Rows locked by
// another worker are skipped, so concurrent workers never lease the same
// entry. Ordering is priority first, then age.
func (q *Queue) FetchPending(ctx context.Context, ref zotero.LibraryRef, batchSize int) ([]*Entry, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}

	var entries []*Entry
	err := q.db.SelectContext(ctx, &entries, `
		SELECT id, entity_type, entity_key, library_id, library_type,
			operation, priority, retry_count, max_retries,
			next_retry_at, last_error, created_at, processed_at
		FROM sync_queue
		WHERE library_id = $1
		  AND library_type = $2
		  AND processed_at IS NULL
		  AND retry_count < max_retries
		  AND next_retry_at <= NOW()
		ORDER BY priority DESC, created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		ref.ID, ref.Type, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending entries: %w", err)
	}
	return entries, nil
}

// MarkCompleted settles an entry after its change reached the cloud.
func (q *Queue) MarkCompleted(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d completed: %w", id, err)
	}
	return nil
}

// MarkFailed records a processing error and schedules the retry with
// exponential backoff: 1, 2, 4, 8, 16... minutes.
func (q *Queue) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET
			retry_count = retry_count + 1,
			last_error = $2,
			next_retry_at = NOW() + (INTERVAL '1 minute' * POWER(2, retry_count))
		WHERE id = $1`,
		id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d failed: %w", id, err)
	}
	return nil
}

// Remove deletes a queue entry outright.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to remove entry %d: %w", id, err)
	}
	return nil
}

// LibrariesWithPending lists the distinct event-driven libraries that have at
// least one entry ready to lease.
func (q *Queue) LibrariesWithPending(ctx context.Context) ([]zotero.LibraryRef, error) {
	var rows []struct {
		LibraryID   int64  `db:"library_id"`
		LibraryType string `db:"library_type"`
	}
	err := q.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT q.library_id, q.library_type
		FROM sync_queue q
		JOIN sync_libraries sl
		  ON sl.library_id = q.library_id AND sl.library_type = q.library_type
		WHERE q.processed_at IS NULL
		  AND q.retry_count < q.max_retries
		  AND q.next_retry_at <= NOW()
		  AND sl.outgoing_sync = 'event_driven'
		ORDER BY q.library_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list libraries with pending entries: %w", err)
	}

	refs := make([]zotero.LibraryRef, 0, len(rows))
	for _, r := range rows {
		refs = append(refs, zotero.LibraryRef{ID: r.LibraryID, Type: zotero.LibraryType(r.LibraryType)})
	}
	return refs, nil
}

// Cleanup deletes entries processed more than the given number of days ago
// and returns how many were removed.
func (q *Queue) Cleanup(ctx context.Context, days int) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - (INTERVAL '1 day' * $1)`,
		days)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up queue: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to clean up queue: %w", err)
	}
	return removed, nil
}

// GetStats counts pending, processed and permanently failed entries.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := q.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < max_retries) AS pending,
			COUNT(*) FILTER (WHERE processed_at IS NOT NULL) AS processed,
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= max_retries) AS failed
		FROM sync_queue`)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return &stats, nil
}
