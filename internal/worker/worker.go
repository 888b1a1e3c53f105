// Package worker drains the outbound change queue. Database triggers enqueue
// local edits for event-driven libraries; the worker leases them in batches,
// pushes collections before items, and settles every entry so retries back
// off instead of wedging the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zotmirror/zotmirror/internal/queue"
	"github.com/zotmirror/zotmirror/internal/store"
	"github.com/zotmirror/zotmirror/internal/zotero"
)

// Cloud is the slice of the API client the worker pushes through.
type Cloud interface {
	UpsertCollection(ctx context.Context, lib zotero.LibraryRef, data *zotero.CollectionData, isNew bool, ifUnmodified int64) (int64, error)
	DeleteCollection(ctx context.Context, lib zotero.LibraryRef, key string, ifUnmodified int64) (int64, error)
	UpsertItem(ctx context.Context, lib zotero.LibraryRef, data *zotero.ItemData, fileMD5 string, isNew bool, ifUnmodified int64) (int64, error)
	DeleteItem(ctx context.Context, lib zotero.LibraryRef, key string, ifUnmodified int64) (int64, error)
}

// Storage is the slice of the store the worker reads entities from and
// settles them in.
type Storage interface {
	GetItem(ctx context.Context, ref zotero.LibraryRef, key string) (*store.Item, error)
	GetCollection(ctx context.Context, ref zotero.LibraryRef, key string) (*store.Collection, error)
	MarkItemSynced(ctx context.Context, ref zotero.LibraryRef, key string, version int64) error
	MarkCollectionSynced(ctx context.Context, ref zotero.LibraryRef, key string, version int64) error
	DeleteItemRow(ctx context.Context, ref zotero.LibraryRef, key string) error
	DeleteCollectionRow(ctx context.Context, ref zotero.LibraryRef, key string) error
	LibraryItemVersion(ctx context.Context, ref zotero.LibraryRef) (int64, error)
	SetLibraryItemVersion(ctx context.Context, ref zotero.LibraryRef, version int64) error
}

// Queue leases and settles outbound change entries.
type Queue interface {
	LibrariesWithPending(ctx context.Context) ([]zotero.LibraryRef, error)
	FetchPending(ctx context.Context, ref zotero.LibraryRef, batchSize int) ([]*queue.Entry, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	Cleanup(ctx context.Context, days int) (int64, error)
	GetStats(ctx context.Context) (*queue.Stats, error)
}

var (
	_ Cloud   = (*zotero.Client)(nil)
	_ Storage = (*store.Store)(nil)
	_ Queue   = (*queue.Queue)(nil)
)

// Defaults for the worker loop.
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultBatchSize     = 50
	DefaultRetentionDays = 7

	// Processed entries are pruned every this many ticks.
	cleanupEvery = 100
)

// Config tunes the worker loop. Zero values fall back to the defaults and
// the batch size is clamped to the cloud write limit.
type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	RetentionDays int
}

// Worker polls the queue and pushes pending changes to the cloud.
type Worker struct {
	cloud Cloud
	store Storage
	queue Queue
	cfg   Config
	id    string
}

// New returns a Worker over the given client, store and queue.
func New(cloud Cloud, storage Storage, jobs Queue, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > zotero.MaxBatchKeys {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	return &Worker{
		cloud: cloud,
		store: storage,
		queue: jobs,
		cfg:   cfg,
		id:    uuid.New().String(),
	}
}

// Run polls the queue until the context is cancelled. Drain errors are
// logged, not fatal; the next tick retries.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("sync worker started",
		"instance", w.id, "poll", w.cfg.PollInterval, "batch", w.cfg.BatchSize)

	// A timer instead of a ticker, so a drain that outlasts the poll
	// interval never piles up queued ticks.
	timer := time.NewTimer(0)
	defer timer.Stop()

	var ticks uint64
	for {
		select {
		case <-ctx.Done():
			slog.Info("sync worker stopped", "instance", w.id)
			return nil
		case <-timer.C:
		}

		if err := w.processPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("queue drain failed", "instance", w.id, "error", err)
		}

		ticks++
		if ticks%cleanupEvery == 0 {
			if err := w.cleanup(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("queue cleanup failed", "instance", w.id, "error", err)
			}
		}

		timer.Reset(w.cfg.PollInterval)
	}
}

// RunOnce drains the queue a single time.
func (w *Worker) RunOnce(ctx context.Context) error {
	return w.processPending(ctx)
}

// Stats reports queue health.
func (w *Worker) Stats(ctx context.Context) (*queue.Stats, error) {
	return w.queue.GetStats(ctx)
}

func (w *Worker) processPending(ctx context.Context) error {
	refs, err := w.queue.LibrariesWithPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending libraries: %w", err)
	}
	if len(refs) == 0 {
		slog.Debug("no pending queue entries")
		return nil
	}

	slog.Info("draining queue", "libraries", len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.processLibrary(ctx, ref); err != nil {
			slog.Error("library drain failed", "library", ref.String(), "error", err)
		}
	}
	return nil
}

func (w *Worker) processLibrary(ctx context.Context, ref zotero.LibraryRef) error {
	entries, err := w.queue.FetchPending(ctx, ref, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch pending: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	slog.Info("processing queue entries", "library", ref.String(), "entries", len(entries))

	// The item watermark doubles as the write precondition for every push
	// in this batch. It is read once and persisted once.
	baseline, err := w.store.LibraryItemVersion(ctx, ref)
	if err != nil {
		return fmt.Errorf("load item version: %w", err)
	}

	// Collections first: items may reference them.
	ordered := make([]*queue.Entry, 0, len(entries))
	for _, e := range entries {
		if e.EntityType == queue.EntityCollection {
			ordered = append(ordered, e)
		}
	}
	for _, e := range entries {
		if e.EntityType != queue.EntityCollection {
			ordered = append(ordered, e)
		}
	}

	for _, e := range ordered {
		w.processEntry(ctx, e, &baseline)
	}

	if err := w.store.SetLibraryItemVersion(ctx, ref, baseline); err != nil {
		return fmt.Errorf("persist item version: %w", err)
	}
	return nil
}

// processEntry pushes one entry and settles it: completed on success, failed
// with the reason on error so the backoff schedule takes over.
func (w *Worker) processEntry(ctx context.Context, e *queue.Entry, baseline *int64) {
	slog.Debug("processing queue entry",
		"entity", e.EntityType, "key", e.EntityKey, "op", e.Operation, "library", e.LibraryID)

	var err error
	switch e.EntityType {
	case queue.EntityCollection:
		err = w.pushCollection(ctx, e, baseline)
	case queue.EntityItem:
		err = w.pushItem(ctx, e, baseline)
	default:
		err = fmt.Errorf("unknown entity type %q", e.EntityType)
	}

	if err != nil {
		slog.Warn("queue entry failed",
			"entity", e.EntityType, "key", e.EntityKey, "op", e.Operation, "error", err)
		if mErr := w.queue.MarkFailed(ctx, e.ID, err.Error()); mErr != nil {
			slog.Error("mark entry failed", "entry", e.ID, "error", mErr)
		}
		return
	}
	if err := w.queue.MarkCompleted(ctx, e.ID); err != nil {
		slog.Error("mark entry completed", "entry", e.ID, "error", err)
	}
}

func (w *Worker) pushItem(ctx context.Context, e *queue.Entry, baseline *int64) error {
	ref := e.Library()
	if e.Operation == queue.OpDelete {
		return w.pushItemDelete(ctx, ref, e.EntityKey, baseline)
	}

	it, err := w.store.GetItem(ctx, ref, e.EntityKey)
	if err != nil {
		return err
	}
	// The row may have been tombstoned after the entry was enqueued.
	// Pushing its data would resurrect it remotely.
	if it.Deleted {
		return w.pushItemDelete(ctx, ref, e.EntityKey, baseline)
	}

	switch it.SyncStatus {
	case store.SyncNew, store.SyncModified:
	case store.SyncIncomplete:
		// Metadata is pushed but the blob is not. The batch sync owns
		// attachment payloads, so the entry is done here.
		slog.Warn("attachment payload still pending", "key", e.EntityKey, "library", e.LibraryID)
		return nil
	default:
		slog.Debug("item already synced", "key", e.EntityKey, "library", e.LibraryID)
		return nil
	}

	data, err := it.ItemData()
	if err != nil {
		return fmt.Errorf("decode item %s: %w", e.EntityKey, err)
	}
	isNew := e.Operation == queue.OpInsert || it.SyncStatus == store.SyncNew
	v, err := w.cloud.UpsertItem(ctx, ref, data, it.MD5, isNew, *baseline)
	if err != nil {
		return err
	}
	*baseline = v
	return w.store.MarkItemSynced(ctx, ref, e.EntityKey, v)
}

func (w *Worker) pushItemDelete(ctx context.Context, ref zotero.LibraryRef, key string, baseline *int64) error {
	v, err := w.cloud.DeleteItem(ctx, ref, key, *baseline)
	switch {
	case zotero.IsNotFound(err):
		// Already gone remotely. Settling locally is all that is left.
	case err != nil:
		return err
	default:
		*baseline = v
	}
	return w.store.DeleteItemRow(ctx, ref, key)
}

func (w *Worker) pushCollection(ctx context.Context, e *queue.Entry, baseline *int64) error {
	ref := e.Library()
	if e.Operation == queue.OpDelete {
		return w.pushCollectionDelete(ctx, ref, e.EntityKey, baseline)
	}

	c, err := w.store.GetCollection(ctx, ref, e.EntityKey)
	if err != nil {
		return err
	}
	if c.Deleted {
		return w.pushCollectionDelete(ctx, ref, e.EntityKey, baseline)
	}

	switch c.SyncStatus {
	case store.SyncNew, store.SyncModified:
	default:
		slog.Debug("collection already synced", "key", e.EntityKey, "library", e.LibraryID)
		return nil
	}

	data, err := c.CollectionData()
	if err != nil {
		return fmt.Errorf("decode collection %s: %w", e.EntityKey, err)
	}
	isNew := e.Operation == queue.OpInsert || c.SyncStatus == store.SyncNew
	v, err := w.cloud.UpsertCollection(ctx, ref, data, isNew, *baseline)
	if err != nil {
		return err
	}
	*baseline = v
	return w.store.MarkCollectionSynced(ctx, ref, e.EntityKey, v)
}

func (w *Worker) pushCollectionDelete(ctx context.Context, ref zotero.LibraryRef, key string, baseline *int64) error {
	v, err := w.cloud.DeleteCollection(ctx, ref, key, *baseline)
	switch {
	case zotero.IsNotFound(err):
	case err != nil:
		return err
	default:
		*baseline = v
	}
	return w.store.DeleteCollectionRow(ctx, ref, key)
}

func (w *Worker) cleanup(ctx context.Context) error {
	removed, err := w.queue.Cleanup(ctx, w.cfg.RetentionDays)
	if err != nil {
		return err
	}
	if removed > 0 {
		slog.Info("cleaned up processed queue entries", "count", removed)
	}
	return nil
}
