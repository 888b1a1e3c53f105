package store

import (
	"context"

	"github.com/zotmirror/zotmirror/internal/zotero"
)

// ItemFromCloud builds a synced local row from a fetched item. The trash
// flag comes from the payload's deleted marker; the md5 column stays empty
// until a local blob is written.
func ItemFromCloud(ref zotero.LibraryRef, it *zotero.Item) (*Item, error) {
	data, err := NewDocument(&it.Data)
	if err != nil {
		return nil, err
	}
	var meta Document
	if it.Meta != nil {
		if meta, err = NewDocument(it.Meta); err != nil {
			return nil, err
		}
	}
	return &Item{
		Key:         it.Key,
		LibraryID:   ref.ID,
		LibraryType: ref.Type,
		Version:     it.Version,
		Data:        data,
		Meta:        meta,
		Trashed:     it.Data.Trashed(),
		SyncStatus:  SyncSynced,
	}, nil
}

// GetItem loads one item row.
func (s *Store) GetItem(ctx context.Context, ref zotero.LibraryRef, key string) (*Item, error) {
	var it Item
	err := s.db.GetContext(ctx, &it, `
		SELECT key, library_id, library_type, version, data, meta, trashed, deleted, md5, sync_status
		FROM items WHERE key = $1 AND library_id = $2 AND library_type = $3`,
		key, ref.ID, ref.Type)
	if err != nil {
		return nil, wrapErr("get item", err)
	}
	return &it, nil
}

// ItemVersion returns the local version of an item, zero when the row is
// absent.
func (s *Store) ItemVersion(ctx context.Context, ref zotero.LibraryRef, key string) (int64, error) {
	var version int64
	err := s.db.GetContext(ctx, &version,
		`SELECT COALESCE(MAX(version), 0) FROM items WHERE key = $1 AND library_id = $2 AND library_type = $3`,
		key, ref.ID, ref.Type)
	if err != nil {
		return 0, wrapErr("item version", err)
	}
	return version, nil
}

// SaveItem inserts or replaces an item row.
func (s *Store) SaveItem(ctx context.Context, it *Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (key, library_id, library_type, version, data, meta, trashed, deleted, md5, sync_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (key, library_id, library_type) DO UPDATE SET
			version = EXCLUDED.version,
			data = EXCLUDED.data,
			meta = EXCLUDED.meta,
			trashed = EXCLUDED.trashed,
			deleted = EXCLUDED.deleted,
			md5 = EXCLUDED.md5,
			sync_status = EXCLUDED.sync_status`,
		it.Key, it.LibraryID, it.LibraryType, it.Version, it.Data, it.Meta, it.Trashed, it.Deleted, it.MD5, it.SyncStatus)
	return wrapErr("save item", err)
}

// ItemsToUpload returns dirty items in key order, tombstoned rows included.
func (s *Store) ItemsToUpload(ctx context.Context, ref zotero.LibraryRef) ([]*Item, error) {
	var items []*Item
	err := s.db.SelectContext(ctx, &items, `
		SELECT key, library_id, library_type, version, data, meta, trashed, deleted, md5, sync_status
		FROM items
		WHERE library_id = $1 AND library_type = $2 AND sync_status IN ('new', 'modified', 'incomplete')
		ORDER BY key`,
		ref.ID, ref.Type)
	if err != nil {
		return nil, wrapErr("items to upload", err)
	}
	return items, nil
}

// MarkItemSynced stamps an item with a version and clears its dirty state.
func (s *Store) MarkItemSynced(ctx context.Context, ref zotero.LibraryRef, key string, version int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE items SET version = $4, sync_status = 'synced'
		WHERE key = $1 AND library_id = $2 AND library_type = $3`,
		key, ref.ID, ref.Type, version)
	return wrapErr("mark item synced", err)
}

// MarkItemIncomplete flags an item whose metadata uploaded but whose
// attachment transfer did not finish. The next sync retries it.
func (s *Store) MarkItemIncomplete(ctx context.Context, ref zotero.LibraryRef, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE items SET sync_status = 'incomplete'
		WHERE key = $1 AND library_id = $2 AND library_type = $3`,
		key, ref.ID, ref.Type)
	return wrapErr("mark item incomplete", err)
}

// MarkItemDeleted tombstones an item after a remote deletion.
func (s *Store) MarkItemDeleted(ctx context.Context, ref zotero.LibraryRef, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE items SET deleted = TRUE, sync_status = 'synced'
		WHERE key = $1 AND library_id = $2 AND library_type = $3`,
		key, ref.ID, ref.Type)
	return wrapErr("mark item deleted", err)
}

// SetItemBlobMD5 records the hash of the blob stored for an attachment.
func (s *Store) SetItemBlobMD5(ctx context.Context, ref zotero.LibraryRef, key, md5 string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE items SET md5 = $4
		WHERE key = $1 AND library_id = $2 AND library_type = $3`,
		key, ref.ID, ref.Type, md5)
	return wrapErr("set item blob md5", err)
}

// DeleteItemRow removes an item row outright.
func (s *Store) DeleteItemRow(ctx context.Context, ref zotero.LibraryRef, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM items WHERE key = $1 AND library_id = $2 AND library_type = $3`,
		key, ref.ID, ref.Type)
	return wrapErr("delete item row", err)
}
