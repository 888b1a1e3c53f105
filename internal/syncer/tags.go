package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zotmirror/zotmirror/internal/store"
)

// syncTags pulls tags changed since the tag watermark and returns the new
// one. Tags only flow downward; the API writes them as part of items.
func (e *Engine) syncTags(ctx context.Context, lib *store.Library) (int64, error) {
	watermark := lib.TagVersion
	if !lib.Direction.CanDownload() {
		return watermark, nil
	}
	ref := lib.Ref()

	tags, lmv, err := e.cloud.Tags(ctx, ref, lib.TagVersion)
	if err != nil {
		return watermark, fmt.Errorf("list tags: %w", err)
	}
	for i := range tags {
		row, err := store.TagFromCloud(ref, &tags[i])
		if err != nil {
			slog.Warn("skipping undecodable tag",
				"library", ref.String(), "tag", tags[i].Tag, "error", err)
			continue
		}
		if err := e.store.SaveTag(ctx, row); err != nil {
			return watermark, err
		}
	}

	if len(tags) > 0 {
		slog.Info("tags downloaded",
			"library", ref.String(), "count", len(tags), "version", lmv)
	}
	if lmv > watermark {
		watermark = lmv
	}
	return watermark, nil
}
