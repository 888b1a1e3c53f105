package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/zotmirror/zotmirror/internal/store"
	"github.com/zotmirror/zotmirror/internal/zotero"
)

// syncCollections pushes dirty local collections and pulls remote changes,
// returning the collection watermark to commit. Uploads run first so the
// download window starts past our own writes and skips the echoes.
func (e *Engine) syncCollections(ctx context.Context, lib *store.Library) (int64, error) {
	watermark := lib.CollectionVersion

	if lib.Direction.CanUpload() {
		v, err := e.uploadCollections(ctx, lib, watermark)
		if err != nil {
			return lib.CollectionVersion, err
		}
		watermark = v
	}

	if !lib.Direction.CanDownload() {
		return watermark, nil
	}

	ref := lib.Ref()
	versions, lmv, err := e.cloud.CollectionVersions(ctx, ref, watermark)
	if err != nil {
		return lib.CollectionVersion, fmt.Errorf("list collection versions: %w", err)
	}

	var stale []string
	for key, remote := range versions {
		local, err := e.store.CollectionVersion(ctx, ref, key)
		if err != nil {
			return lib.CollectionVersion, err
		}
		if local < remote {
			stale = append(stale, key)
		}
	}
	sort.Strings(stale)

	for start := 0; start < len(stale); start += zotero.MaxBatchKeys {
		end := start + zotero.MaxBatchKeys
		if end > len(stale) {
			end = len(stale)
		}
		cols, _, err := e.cloud.Collections(ctx, ref, stale[start:end])
		if err != nil {
			return lib.CollectionVersion, fmt.Errorf("fetch collections: %w", err)
		}
		for i := range cols {
			row, err := store.CollectionFromCloud(ref, &cols[i])
			if err != nil {
				slog.Warn("skipping undecodable collection",
					"library", ref.String(), "key", cols[i].Key, "error", err)
				continue
			}
			if err := e.store.SaveCollection(ctx, row); err != nil {
				return lib.CollectionVersion, err
			}
		}
	}

	if len(stale) > 0 {
		slog.Info("collections downloaded",
			"library", ref.String(), "count", len(stale), "version", lmv)
	}
	if lmv > watermark {
		watermark = lmv
	}
	return watermark, nil
}

// uploadCollections writes every dirty local collection to the cloud,
// advancing the precondition baseline with each accepted write. A version
// conflict aborts immediately; any other per-collection failure is logged
// and the remaining collections still get their chance.
func (e *Engine) uploadCollections(ctx context.Context, lib *store.Library, baseline int64) (int64, error) {
	ref := lib.Ref()
	dirty, err := e.store.CollectionsToUpload(ctx, ref)
	if err != nil {
		return baseline, err
	}

	var pushed int
	for _, c := range dirty {
		if c.Deleted {
			v, err := e.cloud.DeleteCollection(ctx, ref, c.Key, baseline)
			if err != nil {
				if zotero.IsPrecondition(err) {
					return baseline, err
				}
				slog.Warn("collection delete rejected",
					"library", ref.String(), "key", c.Key, "error", err)
				continue
			}
			if err := e.store.DeleteCollectionRow(ctx, ref, c.Key); err != nil {
				return baseline, err
			}
			baseline = v
			pushed++
			continue
		}

		data, err := c.CollectionData()
		if err != nil {
			slog.Warn("skipping corrupt local collection",
				"library", ref.String(), "key", c.Key, "error", err)
			continue
		}
		isNew := c.SyncStatus == store.SyncNew
		v, err := e.cloud.UpsertCollection(ctx, ref, data, isNew, baseline)
		if err != nil {
			if zotero.IsPrecondition(err) {
				return baseline, err
			}
			slog.Warn("collection upload rejected",
				"library", ref.String(), "key", c.Key, "error", err)
			continue
		}
		if err := e.store.MarkCollectionSynced(ctx, ref, c.Key, v); err != nil {
			return baseline, err
		}
		baseline = v
		pushed++
	}

	if pushed > 0 {
		slog.Info("collections uploaded",
			"library", ref.String(), "count", pushed, "version", baseline)
	}
	return baseline, nil
}
