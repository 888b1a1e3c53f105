package store

import (
	"context"

	"github.com/zotmirror/zotmirror/internal/zotero"
)

// TagFromCloud builds a local row from a fetched tag.
func TagFromCloud(ref zotero.LibraryRef, t *zotero.Tag) (*Tag, error) {
	var meta Document
	if t.Meta != nil {
		var err error
		if meta, err = NewDocument(t.Meta); err != nil {
			return nil, err
		}
	}
	return &Tag{
		Tag:         t.Tag,
		LibraryID:   ref.ID,
		LibraryType: ref.Type,
		Meta:        meta,
	}, nil
}

// SaveTag inserts or refreshes a tag row.
func (s *Store) SaveTag(ctx context.Context, t *Tag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (tag, library_id, library_type, meta)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tag, library_id, library_type) DO UPDATE SET
			meta = EXCLUDED.meta`,
		t.Tag, t.LibraryID, t.LibraryType, t.Meta)
	return wrapErr("save tag", err)
}

// DeleteTag removes a tag row. Remote tag deletions apply unconditionally.
func (s *Store) DeleteTag(ctx context.Context, ref zotero.LibraryRef, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tags WHERE tag = $1 AND library_id = $2 AND library_type = $3`,
		name, ref.ID, ref.Type)
	return wrapErr("delete tag", err)
}

// ListTags returns every tag of a library in lexical order.
func (s *Store) ListTags(ctx context.Context, ref zotero.LibraryRef) ([]*Tag, error) {
	var tags []*Tag
	err := s.db.SelectContext(ctx, &tags, `
		SELECT tag, library_id, library_type, meta
		FROM tags WHERE library_id = $1 AND library_type = $2
		ORDER BY tag`,
		ref.ID, ref.Type)
	if err != nil {
		return nil, wrapErr("list tags", err)
	}
	return tags, nil
}
