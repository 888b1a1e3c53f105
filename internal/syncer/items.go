package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/zotmirror/zotmirror/internal/store"
	"github.com/zotmirror/zotmirror/internal/zotero"
)

// uploadItems writes every dirty local item to the cloud. The precondition
// baseline is a single HEAD probe of the library version, advanced with each
// accepted write. Attachment payloads that changed locally are pushed right
// after their metadata; a failed payload leaves the item incomplete so the
// next run retries it.
func (e *Engine) uploadItems(ctx context.Context, lib *store.Library) error {
	if !lib.Direction.CanUpload() {
		return nil
	}
	ref := lib.Ref()
	dirty, err := e.store.ItemsToUpload(ctx, ref)
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		return nil
	}

	baseline, err := e.cloud.LibraryVersion(ctx, ref)
	if err != nil {
		return fmt.Errorf("probe library version: %w", err)
	}

	var pushed int
	for _, it := range dirty {
		if it.Deleted {
			v, err := e.cloud.DeleteItem(ctx, ref, it.Key, baseline)
			if err != nil {
				if zotero.IsPrecondition(err) {
					return err
				}
				slog.Warn("item delete rejected",
					"library", ref.String(), "key", it.Key, "error", err)
				continue
			}
			if err := e.store.DeleteItemRow(ctx, ref, it.Key); err != nil {
				return err
			}
			baseline = v
			pushed++
			continue
		}

		data, err := it.ItemData()
		if err != nil {
			slog.Warn("skipping corrupt local item",
				"library", ref.String(), "key", it.Key, "error", err)
			continue
		}
		isNew := it.SyncStatus == store.SyncNew
		v, err := e.cloud.UpsertItem(ctx, ref, data, it.MD5, isNew, baseline)
		if err != nil {
			if zotero.IsPrecondition(err) {
				return err
			}
			slog.Warn("item upload rejected",
				"library", ref.String(), "key", it.Key, "error", err)
			continue
		}
		baseline = v

		if needsBlobUpload(it, data) {
			if err := e.uploadAttachment(ctx, lib, it, data); err != nil {
				slog.Warn("attachment upload failed",
					"library", ref.String(), "key", it.Key, "error", err)
				if err := e.store.MarkItemIncomplete(ctx, ref, it.Key); err != nil {
					return err
				}
				continue
			}
		}

		if err := e.store.MarkItemSynced(ctx, ref, it.Key, v); err != nil {
			return err
		}
		pushed++
	}

	if pushed > 0 {
		slog.Info("items uploaded",
			"library", ref.String(), "count", pushed, "version", baseline)
	}
	return nil
}

// needsBlobUpload reports whether the item's stored payload is ahead of what
// the cloud item records. Only imported files carry payloads we own.
func needsBlobUpload(it *store.Item, data *zotero.ItemData) bool {
	if !data.IsAttachment() || data.LinkMode() != zotero.LinkModeImportedFile {
		return false
	}
	return it.MD5 != "" && it.MD5 != data.FileMD5()
}

// downloadItems pulls changed items, trashed ones included, and mirrors the
// payload of every attachment it sees. Returns the item watermark to commit.
func (e *Engine) downloadItems(ctx context.Context, lib *store.Library) (int64, error) {
	watermark := lib.ItemVersion
	if !lib.Direction.CanDownload() {
		return watermark, nil
	}
	ref := lib.Ref()

	var fetched int
	for _, trashed := range []bool{true, false} {
		versions, lmv, err := e.cloud.ItemVersions(ctx, ref, lib.ItemVersion, trashed)
		if err != nil {
			return lib.ItemVersion, fmt.Errorf("list item versions: %w", err)
		}
		if lmv > watermark {
			watermark = lmv
		}

		var stale []string
		for key, remote := range versions {
			local, err := e.store.ItemVersion(ctx, ref, key)
			if err != nil {
				return lib.ItemVersion, err
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
			items, err := e.cloud.Items(ctx, ref, stale[start:end])
			if err != nil {
				return lib.ItemVersion, fmt.Errorf("fetch items: %w", err)
			}
			for i := range items {
				row, err := store.ItemFromCloud(ref, &items[i])
				if err != nil {
					slog.Warn("skipping undecodable item",
						"library", ref.String(), "key", items[i].Key, "error", err)
					continue
				}
				if err := e.store.SaveItem(ctx, row); err != nil {
					return lib.ItemVersion, err
				}
				fetched++
			}
			for i := range items {
				if !items[i].Data.IsAttachment() {
					continue
				}
				if err := e.downloadAttachment(ctx, lib, &items[i]); err != nil {
					slog.Warn("attachment download failed",
						"library", ref.String(), "key", items[i].Key, "error", err)
				}
			}
		}
	}

	if fetched > 0 {
		slog.Info("items downloaded",
			"library", ref.String(), "count", fetched, "version", watermark)
	}
	return watermark, nil
}
