package store

import (
	"context"

	"github.com/zotmirror/zotmirror/internal/zotero"
)

// CollectionFromCloud builds a synced local row from a fetched collection.
func CollectionFromCloud(ref zotero.LibraryRef, c *zotero.Collection) (*Collection, error) {
	data, err := NewDocument(&c.Data)
	if err != nil {
		return nil, err
	}
	var meta Document
	if c.Meta != nil {
		if meta, err = NewDocument(c.Meta); err != nil {
			return nil, err
		}
	}
	return &Collection{
		Key:         c.Key,
		LibraryID:   ref.ID,
		LibraryType: ref.Type,
		Version:     c.Version,
		Data:        data,
		Meta:        meta,
		SyncStatus:  SyncSynced,
	}, nil
}

// GetCollection loads one collection row.
func (s *Store) GetCollection(ctx context.Context, ref zotero.LibraryRef, key string) (*Collection, error) {
	var c Collection
	err := s.db.GetContext(ctx, &c, `
		SELECT key, library_id, library_type, version, data, meta, deleted, sync_status
		FROM collections WHERE key = $1 AND library_id = $2 AND library_type = $3`,
		key, ref.ID, ref.Type)
	if err != nil {
		return nil, wrapErr("get collection", err)
	}
	return &c, nil
}

// CollectionVersion returns the local version of a collection, zero when the
// row is absent.
func (s *Store) CollectionVersion(ctx context.Context, ref zotero.LibraryRef, key string) (int64, error) {
	var version int64
	err := s.db.GetContext(ctx, &version,
		`SELECT COALESCE(MAX(version), 0) FROM collections WHERE key = $1 AND library_id = $2 AND library_type = $3`,
		key, ref.ID, ref.Type)
	if err != nil {
		return 0, wrapErr("collection version", err)
	}
	return version, nil
}

// SaveCollection inserts or replaces a collection row.
func (s *Store) SaveCollection(ctx context.Context, c *Collection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collections (key, library_id, library_type, version, data, meta, deleted, sync_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key, library_id, library_type) DO UPDATE SET
			version = EXCLUDED.version,
			data = EXCLUDED.data,
			meta = EXCLUDED.meta,
			deleted = EXCLUDED.deleted,
			sync_status = EXCLUDED.sync_status`,
		c.Key, c.LibraryID, c.LibraryType, c.Version, c.Data, c.Meta, c.Deleted, c.SyncStatus)
	return wrapErr("save collection", err)
}

// CollectionsToUpload returns dirty collections in key order, tombstoned
// rows included.
func (s *Store) CollectionsToUpload(ctx context.Context, ref zotero.LibraryRef) ([]*Collection, error) {
	var cols []*Collection
	err := s.db.SelectContext(ctx, &cols, `
		SELECT key, library_id, library_type, version, data, meta, deleted, sync_status
		FROM collections
		WHERE library_id = $1 AND library_type = $2 AND sync_status IN ('new', 'modified', 'incomplete')
		ORDER BY key`,
		ref.ID, ref.Type)
	if err != nil {
		return nil, wrapErr("collections to upload", err)
	}
	return cols, nil
}

// MarkCollectionSynced stamps a collection with a version and clears its
// dirty state.
func (s *Store) MarkCollectionSynced(ctx context.Context, ref zotero.LibraryRef, key string, version int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE collections SET version = $4, sync_status = 'synced'
		WHERE key = $1 AND library_id = $2 AND library_type = $3`,
		key, ref.ID, ref.Type, version)
	return wrapErr("mark collection synced", err)
}

// MarkCollectionDeleted tombstones a collection after a remote deletion.
func (s *Store) MarkCollectionDeleted(ctx context.Context, ref zotero.LibraryRef, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE collections SET deleted = TRUE, sync_status = 'synced'
		WHERE key = $1 AND library_id = $2 AND library_type = $3`,
		key, ref.ID, ref.Type)
	return wrapErr("mark collection deleted", err)
}

// DeleteCollectionRow removes a collection row outright.
func (s *Store) DeleteCollectionRow(ctx context.Context, ref zotero.LibraryRef, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM collections WHERE key = $1 AND library_id = $2 AND library_type = $3`,
		key, ref.ID, ref.Type)
	return wrapErr("delete collection row", err)
}
