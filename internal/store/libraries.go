package store

import (
	"context"
	"fmt"

	"github.com/zotmirror/zotmirror/internal/zotero"
)

const libraryColumns = `l.id, l.library_type, l.version, l.created, l.modified, l.data, l.deleted,
	l.item_version, l.collection_version, l.tag_version,
	sl.active, sl.direction, sl.sync_tags, sl.outgoing_sync`

const libraryJoin = `FROM libraries l
	JOIN sync_libraries sl ON sl.library_id = l.id AND sl.library_type = l.library_type`

// GetLibrary loads a library row joined with its sync policy.
func (s *Store) GetLibrary(ctx context.Context, ref zotero.LibraryRef) (*Library, error) {
	var lib Library
	query := `SELECT ` + libraryColumns + ` ` + libraryJoin + ` WHERE l.id = $1 AND l.library_type = $2`
	if err := s.db.GetContext(ctx, &lib, query, ref.ID, ref.Type); err != nil {
		return nil, wrapErr("get library", err)
	}
	return &lib, nil
}

// ListLibraries returns every known library ordered by display name.
func (s *Store) ListLibraries(ctx context.Context) ([]*Library, error) {
	var libs []*Library
	query := `SELECT ` + libraryColumns + ` ` + libraryJoin + ` ORDER BY l.data->>'name', l.id`
	if err := s.db.SelectContext(ctx, &libs, query); err != nil {
		return nil, wrapErr("list libraries", err)
	}
	return libs, nil
}

// CreateLibrary inserts a library row if absent and upserts its sync policy.
// It reports whether the library row was newly created.
func (s *Store) CreateLibrary(ctx context.Context, lib *Library) (bool, error) {
	if !lib.Direction.Valid() {
		return false, fmt.Errorf("create library: invalid direction %q", lib.Direction)
	}
	outgoing := lib.OutgoingSync
	if outgoing == "" {
		outgoing = OutgoingBatch
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, wrapErr("create library", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO libraries (id, library_type, version, data, deleted)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id, library_type) DO NOTHING`,
		lib.ID, lib.Type, lib.Version, lib.Data, lib.Deleted)
	if err != nil {
		return false, wrapErr("create library", err)
	}
	created, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("create library", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_libraries (library_id, library_type, active, direction, sync_tags, outgoing_sync)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (library_id, library_type) DO UPDATE SET
			active = EXCLUDED.active,
			direction = EXCLUDED.direction`,
		lib.ID, lib.Type, lib.Active, lib.Direction, lib.SyncTags, outgoing)
	if err != nil {
		return false, wrapErr("create library policy", err)
	}

	if err := tx.Commit(); err != nil {
		return false, wrapErr("create library", err)
	}
	return created > 0, nil
}

// UpdateLibraryData overwrites a library's metadata blob and library-wide
// version. Watermarks and the sync policy are untouched.
func (s *Store) UpdateLibraryData(ctx context.Context, ref zotero.LibraryRef, version int64, data Document, deleted bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE libraries SET version = $3, data = $4, deleted = $5, modified = NOW()
		WHERE id = $1 AND library_type = $2`,
		ref.ID, ref.Type, version, data, deleted)
	return wrapErr("update library data", err)
}

// CommitLibraryVersions persists the watermarks a sync advanced.
func (s *Store) CommitLibraryVersions(ctx context.Context, lib *Library) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE libraries SET version = $3, item_version = $4, collection_version = $5, tag_version = $6, modified = NOW()
		WHERE id = $1 AND library_type = $2`,
		lib.ID, lib.Type, lib.Version, lib.ItemVersion, lib.CollectionVersion, lib.TagVersion)
	return wrapErr("commit library versions", err)
}

// LibraryItemVersion reads the item watermark used by the sync worker as its
// write precondition baseline.
func (s *Store) LibraryItemVersion(ctx context.Context, ref zotero.LibraryRef) (int64, error) {
	var version int64
	err := s.db.GetContext(ctx, &version,
		`SELECT item_version FROM libraries WHERE id = $1 AND library_type = $2`,
		ref.ID, ref.Type)
	if err != nil {
		return 0, wrapErr("library item version", err)
	}
	return version, nil
}

// SetLibraryItemVersion persists an advanced item watermark.
func (s *Store) SetLibraryItemVersion(ctx context.Context, ref zotero.LibraryRef, version int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE libraries SET item_version = $3 WHERE id = $1 AND library_type = $2`,
		ref.ID, ref.Type, version)
	return wrapErr("set library item version", err)
}

// ClearLocal zeros all version watermarks and removes every mirrored entity
// of the library in one transaction. Queue entries enqueued by the entity
// deletes are purged last so a rebuild does not replay them to the cloud.
func (s *Store) ClearLocal(ctx context.Context, ref zotero.LibraryRef) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("clear local", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`UPDATE libraries SET version = 0, item_version = 0, collection_version = 0, tag_version = 0 WHERE id = $1 AND library_type = $2`,
		`DELETE FROM items WHERE library_id = $1 AND library_type = $2`,
		`DELETE FROM collections WHERE library_id = $1 AND library_type = $2`,
		`DELETE FROM tags WHERE library_id = $1 AND library_type = $2`,
		`DELETE FROM sync_queue WHERE library_id = $1 AND library_type = $2`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, ref.ID, ref.Type); err != nil {
			return wrapErr("clear local", err)
		}
	}

	return wrapErr("clear local", tx.Commit())
}

// DeleteUnknownLibraries removes libraries absent from the remote set: the
// current key's user plus the given group ids. Entity rows cascade; stale
// queue entries are purged afterwards in the same transaction.
func (s *Store) DeleteUnknownLibraries(ctx context.Context, userID int64, groupIDs []int64) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, wrapErr("delete unknown libraries", err)
	}
	defer tx.Rollback()

	var removed int64

	res, err := tx.ExecContext(ctx,
		`DELETE FROM libraries WHERE library_type = 'user' AND id <> $1`, userID)
	if err != nil {
		return 0, wrapErr("delete unknown libraries", err)
	}
	n, _ := res.RowsAffected()
	removed += n

	if len(groupIDs) == 0 {
		res, err = tx.ExecContext(ctx, `DELETE FROM libraries WHERE library_type = 'group'`)
	} else {
		res, err = tx.ExecContext(ctx,
			`DELETE FROM libraries WHERE library_type = 'group' AND NOT (id = ANY($1))`, groupIDs)
	}
	if err != nil {
		return 0, wrapErr("delete unknown libraries", err)
	}
	n, _ = res.RowsAffected()
	removed += n

	// Cascades fire the enqueue triggers before sync_libraries rows vanish.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM sync_queue q WHERE NOT EXISTS (
			SELECT 1 FROM libraries l WHERE l.id = q.library_id AND l.library_type = q.library_type
		)`)
	if err != nil {
		return 0, wrapErr("delete unknown libraries", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapErr("delete unknown libraries", err)
	}
	return removed, nil
}
