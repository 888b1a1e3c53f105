package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zotmirror/zotmirror/internal/store"
	"github.com/zotmirror/zotmirror/internal/zotero"
)

// applyDeletions folds remote tombstones into local rows. Which side wins
// depends on the row's sync state and the library policy: rows the cloud is
// authoritative for take the tombstone, while rows holding unsynced changes
// under an uploading policy are kept and stamped current so a later upload
// can re-create the entity.
func (e *Engine) applyDeletions(ctx context.Context, lib *store.Library) error {
	if !lib.Direction.CanDownload() {
		return nil
	}
	ref := lib.Ref()

	del, lmv, err := e.cloud.Deletions(ctx, ref, lib.Version)
	if err != nil {
		return fmt.Errorf("list deletions: %w", err)
	}
	cloudLeads := !lib.Direction.CanUpload()

	for _, key := range del.Items {
		if err := e.tombstoneItem(ctx, ref, key, lmv, cloudLeads); err != nil {
			return err
		}
	}
	for _, key := range del.Collections {
		if err := e.tombstoneCollection(ctx, ref, key, lmv, cloudLeads); err != nil {
			return err
		}
	}
	for _, name := range del.Tags {
		if err := e.store.DeleteTag(ctx, ref, name); err != nil {
			return err
		}
	}

	if n := len(del.Items) + len(del.Collections) + len(del.Tags); n > 0 {
		slog.Info("deletions applied",
			"library", ref.String(),
			"items", len(del.Items),
			"collections", len(del.Collections),
			"tags", len(del.Tags))
	}
	return nil
}

func (e *Engine) tombstoneItem(ctx context.Context, ref zotero.LibraryRef, key string, version int64, cloudLeads bool) error {
	it, err := e.store.GetItem(ctx, ref, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if it.Deleted {
		return nil
	}
	if it.SyncStatus == store.SyncSynced || cloudLeads {
		return e.store.MarkItemDeleted(ctx, ref, key)
	}
	// The row carries unsynced changes and this side uploads. Stamp it
	// current so the precondition on the next upload passes.
	return e.store.MarkItemSynced(ctx, ref, key, version)
}

func (e *Engine) tombstoneCollection(ctx context.Context, ref zotero.LibraryRef, key string, version int64, cloudLeads bool) error {
	c, err := e.store.GetCollection(ctx, ref, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if c.Deleted {
		return nil
	}
	if c.SyncStatus == store.SyncSynced || cloudLeads {
		return e.store.MarkCollectionDeleted(ctx, ref, key)
	}
	return e.store.MarkCollectionSynced(ctx, ref, key, version)
}
