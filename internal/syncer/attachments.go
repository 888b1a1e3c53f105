package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zotmirror/zotmirror/internal/blob"
	"github.com/zotmirror/zotmirror/internal/store"
	"github.com/zotmirror/zotmirror/internal/zotero"
)

// downloadAttachment mirrors one attachment payload into the object store.
// Payloads already present with a matching hash are skipped, and a missing
// cloud payload (a 404 from the file endpoint) is not an error.
func (e *Engine) downloadAttachment(ctx context.Context, lib *store.Library, it *zotero.Item) error {
	switch it.Data.LinkMode() {
	case zotero.LinkModeImportedFile, zotero.LinkModeLinkedFile:
	default:
		return nil
	}
	ref := lib.Ref()
	filename := it.Data.Filename()
	if filename == "" {
		filename = "unknown"
	}
	key := blob.AttachmentKey(it.Key, filename)

	cloudMD5 := it.Data.FileMD5()
	if cloudMD5 != "" {
		ok, err := e.blobs.MatchesMD5(ctx, key, cloudMD5)
		if err != nil {
			return err
		}
		if ok {
			return e.store.SetItemBlobMD5(ctx, ref, it.Key, cloudMD5)
		}
	}

	url, err := e.cloud.AttachmentDownloadURL(ctx, ref, it.Key)
	if err != nil {
		if zotero.IsNotFound(err) {
			slog.Warn("attachment has no cloud payload",
				"library", ref.String(), "key", it.Key)
			return nil
		}
		return err
	}

	payload, err := e.cloud.DownloadBlob(ctx, url)
	if err != nil {
		return err
	}
	sum := blob.SumMD5(payload)
	if cloudMD5 != "" && sum != cloudMD5 {
		return &zotero.Error{
			Kind:    zotero.KindValidation,
			Op:      "download attachment",
			Message: fmt.Sprintf("md5 mismatch for %s: got %s want %s", it.Key, sum, cloudMD5),
		}
	}
	if _, err := e.blobs.Put(ctx, key, payload); err != nil {
		return err
	}
	slog.Info("attachment downloaded",
		"library", ref.String(), "key", it.Key, "file", filename, "size", humanize.Bytes(uint64(len(payload))))
	return e.store.SetItemBlobMD5(ctx, ref, it.Key, sum)
}

// uploadAttachment pushes the locally held payload for one item. When the
// server already holds a payload with this hash the authorization short
// circuits and no bytes move.
func (e *Engine) uploadAttachment(ctx context.Context, lib *store.Library, it *store.Item, data *zotero.ItemData) error {
	ref := lib.Ref()
	filename := data.Filename()
	if filename == "" {
		filename = "unknown"
	}
	key := blob.AttachmentKey(it.Key, filename)

	payload, err := e.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotExist) {
			slog.Warn("no local payload to upload",
				"library", ref.String(), "key", it.Key, "file", filename)
			return nil
		}
		return err
	}
	sum := blob.SumMD5(payload)

	mtime := data.FileMtime()
	if mtime == 0 {
		mtime = time.Now().UnixMilli()
	}

	auth, err := e.cloud.RequestUploadAuth(ctx, ref, it.Key, filename, int64(len(payload)), sum, mtime)
	if err != nil {
		return err
	}
	if !auth.Exists {
		if err := e.cloud.UploadBlob(ctx, auth.URL, payload, auth.Params); err != nil {
			return err
		}
		if err := e.cloud.RegisterUpload(ctx, ref, it.Key, auth.UploadKey); err != nil {
			return err
		}
		slog.Info("attachment uploaded",
			"library", ref.String(), "key", it.Key, "file", filename, "size", humanize.Bytes(uint64(len(payload))))
	}
	return e.store.SetItemBlobMD5(ctx, ref, it.Key, sum)
}
