// Package syncer runs the full five-phase synchronization of one library:
// collections, item upload, item download with attachments, tags, then
// remote deletions, committing the library's version watermarks at the end.
// The library's direction policy gates which phases issue uploads and which
// apply downloads.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zotmirror/zotmirror/internal/blob"
	"github.com/zotmirror/zotmirror/internal/store"
	"github.com/zotmirror/zotmirror/internal/zotero"
)

// Cloud is the remote API surface the engine drives.
type Cloud interface {
	CollectionVersions(ctx context.Context, lib zotero.LibraryRef, since int64) (map[string]int64, int64, error)
	Collections(ctx context.Context, lib zotero.LibraryRef, keys []string) ([]zotero.Collection, int64, error)
	UpsertCollection(ctx context.Context, lib zotero.LibraryRef, data *zotero.CollectionData, isNew bool, ifUnmodified int64) (int64, error)
	DeleteCollection(ctx context.Context, lib zotero.LibraryRef, key string, ifUnmodified int64) (int64, error)

	LibraryVersion(ctx context.Context, lib zotero.LibraryRef) (int64, error)
	ItemVersions(ctx context.Context, lib zotero.LibraryRef, since int64, trashed bool) (map[string]int64, int64, error)
	Items(ctx context.Context, lib zotero.LibraryRef, keys []string) ([]zotero.Item, error)
	UpsertItem(ctx context.Context, lib zotero.LibraryRef, data *zotero.ItemData, fileMD5 string, isNew bool, ifUnmodified int64) (int64, error)
	DeleteItem(ctx context.Context, lib zotero.LibraryRef, key string, ifUnmodified int64) (int64, error)

	Tags(ctx context.Context, lib zotero.LibraryRef, since int64) ([]zotero.Tag, int64, error)
	Deletions(ctx context.Context, lib zotero.LibraryRef, since int64) (*zotero.Deletions, int64, error)

	AttachmentDownloadURL(ctx context.Context, lib zotero.LibraryRef, key string) (string, error)
	DownloadBlob(ctx context.Context, url string) ([]byte, error)
	RequestUploadAuth(ctx context.Context, lib zotero.LibraryRef, key, filename string, size int64, md5 string, mtime int64) (*zotero.UploadAuthorization, error)
	UploadBlob(ctx context.Context, uploadURL string, data []byte, params map[string]string) error
	RegisterUpload(ctx context.Context, lib zotero.LibraryRef, key, uploadKey string) error
}

// Storage is the database surface the engine drives.
type Storage interface {
	GetCollection(ctx context.Context, ref zotero.LibraryRef, key string) (*store.Collection, error)
	CollectionVersion(ctx context.Context, ref zotero.LibraryRef, key string) (int64, error)
	SaveCollection(ctx context.Context, c *store.Collection) error
	CollectionsToUpload(ctx context.Context, ref zotero.LibraryRef) ([]*store.Collection, error)
	MarkCollectionSynced(ctx context.Context, ref zotero.LibraryRef, key string, version int64) error
	MarkCollectionDeleted(ctx context.Context, ref zotero.LibraryRef, key string) error
	DeleteCollectionRow(ctx context.Context, ref zotero.LibraryRef, key string) error

	GetItem(ctx context.Context, ref zotero.LibraryRef, key string) (*store.Item, error)
	ItemVersion(ctx context.Context, ref zotero.LibraryRef, key string) (int64, error)
	SaveItem(ctx context.Context, it *store.Item) error
	ItemsToUpload(ctx context.Context, ref zotero.LibraryRef) ([]*store.Item, error)
	MarkItemSynced(ctx context.Context, ref zotero.LibraryRef, key string, version int64) error
	MarkItemIncomplete(ctx context.Context, ref zotero.LibraryRef, key string) error
	MarkItemDeleted(ctx context.Context, ref zotero.LibraryRef, key string) error
	SetItemBlobMD5(ctx context.Context, ref zotero.LibraryRef, key, md5 string) error
	DeleteItemRow(ctx context.Context, ref zotero.LibraryRef, key string) error

	SaveTag(ctx context.Context, t *store.Tag) error
	DeleteTag(ctx context.Context, ref zotero.LibraryRef, name string) error

	CommitLibraryVersions(ctx context.Context, lib *store.Library) error
}

// BlobStore is the object-store surface holding attachment payloads.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) (string, error)
	MatchesMD5(ctx context.Context, key, sum string) (bool, error)
}

var (
	_ Cloud     = (*zotero.Client)(nil)
	_ Storage   = (*store.Store)(nil)
	_ BlobStore = (*blob.Store)(nil)
)

// Engine coordinates one library sync at a time. It holds no per-library
// state, so a single Engine may sync many libraries concurrently.
type Engine struct {
	cloud Cloud
	store Storage
	blobs BlobStore
}

// New builds an Engine over the given cloud, database and object store.
func New(cloud Cloud, storage Storage, blobs BlobStore) *Engine {
	return &Engine{cloud: cloud, store: storage, blobs: blobs}
}

// Sync runs the five phases against lib and commits the advanced watermarks.
// lib is updated in place; IsModified is set when any watermark moved. A
// version conflict (HTTP 412) aborts the failing phase and is surfaced to
// the caller, satisfying zotero.IsPrecondition.
func (e *Engine) Sync(ctx context.Context, lib *store.Library) error {
	if lib.Direction == store.DirectionNone {
		return nil
	}
	ref := lib.Ref()
	started := time.Now()
	slog.Info("library sync started", "library", ref.String(), "direction", lib.Direction)

	collectionVersion, err := e.syncCollections(ctx, lib)
	if err != nil {
		return fmt.Errorf("sync collections: %w", err)
	}

	if err := e.uploadItems(ctx, lib); err != nil {
		return fmt.Errorf("upload items: %w", err)
	}

	itemVersion, err := e.downloadItems(ctx, lib)
	if err != nil {
		return fmt.Errorf("download items: %w", err)
	}

	if lib.SyncTags {
		tagVersion, err := e.syncTags(ctx, lib)
		if err != nil {
			return fmt.Errorf("sync tags: %w", err)
		}
		if tagVersion != lib.TagVersion {
			lib.TagVersion = tagVersion
			lib.IsModified = true
		}
	}

	if err := e.applyDeletions(ctx, lib); err != nil {
		return fmt.Errorf("apply deletions: %w", err)
	}

	if collectionVersion != lib.CollectionVersion {
		lib.CollectionVersion = collectionVersion
		lib.IsModified = true
	}
	if itemVersion != lib.ItemVersion {
		lib.ItemVersion = itemVersion
		lib.IsModified = true
	}

	if err := e.store.CommitLibraryVersions(ctx, lib); err != nil {
		return fmt.Errorf("commit versions: %w", err)
	}

	slog.Info("library sync finished",
		"library", ref.String(),
		"collectionVersion", lib.CollectionVersion,
		"itemVersion", lib.ItemVersion,
		"tagVersion", lib.TagVersion,
		"took", time.Since(started))
	return nil
}
