package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zotmirror/zotmirror/internal/db"
	"github.com/zotmirror/zotmirror/internal/zotero"
)

// newTestStore opens a schema-isolated store. Skipped without a database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}

	schema := "zotmirror_store_" + strings.ToLower(t.Name())
	pool, err := db.NewPostgresDb(testCtx(t), dsn, db.WithSchema(schema), db.WithMaxOpenConns(4))
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec("DROP SCHEMA " + schema + " CASCADE")
		pool.Close()
	})

	s := New(pool)
	require.NoError(t, s.Migrate(testCtx(t)))
	return s
}

func testLibrary(id int64, kind zotero.LibraryType) *Library {
	return &Library{
		ID:           id,
		Type:         kind,
		Data:         Document(fmt.Sprintf(`{"name":"lib %d"}`, id)),
		Active:       true,
		Direction:    DirectionBothCloud,
		SyncTags:     true,
		OutgoingSync: OutgoingBatch,
	}
}

func mustCreate(t *testing.T, s *Store, lib *Library) {
	t.Helper()
	created, err := s.CreateLibrary(testCtx(t), lib)
	require.NoError(t, err)
	require.True(t, created)
}

func TestLibraryLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)
	ref := zotero.LibraryRef{ID: 77, Type: zotero.LibraryTypeGroup}

	_, err := s.GetLibrary(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)

	lib := testLibrary(77, zotero.LibraryTypeGroup)
	mustCreate(t, s, lib)

	created, err := s.CreateLibrary(ctx, lib)
	require.NoError(t, err)
	assert.False(t, created, "second create must not report a new row")

	got, err := s.GetLibrary(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(77), got.ID)
	assert.Equal(t, DirectionBothCloud, got.Direction)
	assert.True(t, got.Active)
	assert.True(t, got.SyncTags)
	assert.Equal(t, OutgoingBatch, got.OutgoingSync)
	assert.Zero(t, got.Version)
	assert.Equal(t, "lib 77", got.Name())

	require.NoError(t, s.UpdateLibraryData(ctx, ref, 41, Document(`{"name":"renamed"}`), false))
	got, err = s.GetLibrary(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(41), got.Version)
	assert.Equal(t, "renamed", got.Name())
	assert.Zero(t, got.ItemVersion, "data refresh must not touch watermarks")

	got.Version = 42
	got.ItemVersion = 90
	got.CollectionVersion = 80
	got.TagVersion = 70
	require.NoError(t, s.CommitLibraryVersions(ctx, got))

	got, err = s.GetLibrary(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Version)
	assert.Equal(t, int64(90), got.ItemVersion)
	assert.Equal(t, int64(80), got.CollectionVersion)
	assert.Equal(t, int64(70), got.TagVersion)

	v, err := s.LibraryItemVersion(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(90), v)

	require.NoError(t, s.SetLibraryItemVersion(ctx, ref, 95))
	v, err = s.LibraryItemVersion(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(95), v)

	_, err = s.CreateLibrary(ctx, &Library{ID: 1, Type: zotero.LibraryTypeUser, Direction: "sideways"})
	assert.ErrorContains(t, err, "invalid direction")
}

func TestCollectionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)
	ref := zotero.LibraryRef{ID: 5, Type: zotero.LibraryTypeUser}
	mustCreate(t, s, testLibrary(5, zotero.LibraryTypeUser))

	v, err := s.CollectionVersion(ctx, ref, "AAAA1111")
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = s.GetCollection(ctx, ref, "AAAA1111")
	assert.ErrorIs(t, err, ErrNotFound)

	row, err := CollectionFromCloud(ref, &zotero.Collection{
		Key:     "AAAA1111",
		Version: 12,
		Data:    zotero.CollectionData{Name: "Sources"},
	})
	require.NoError(t, err)
	require.NoError(t, s.SaveCollection(ctx, row))

	v, err = s.CollectionVersion(ctx, ref, "AAAA1111")
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)

	// Synced rows stay out of the upload scan.
	dirty, err := s.CollectionsToUpload(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	for i, key := range []string{"ZZZZ9999", "BBBB2222", "MMMM5555"} {
		require.NoError(t, s.SaveCollection(ctx, &Collection{
			Key:         key,
			LibraryID:   ref.ID,
			LibraryType: ref.Type,
			Data:        Document(fmt.Sprintf(`{"name":"dirty %d","parentCollection":false}`, i)),
			SyncStatus:  SyncNew,
		}))
	}

	dirty, err = s.CollectionsToUpload(ctx, ref)
	require.NoError(t, err)
	require.Len(t, dirty, 3)
	assert.Equal(t, "BBBB2222", dirty[0].Key)
	assert.Equal(t, "MMMM5555", dirty[1].Key)
	assert.Equal(t, "ZZZZ9999", dirty[2].Key)

	require.NoError(t, s.MarkCollectionSynced(ctx, ref, "BBBB2222", 13))
	got, err := s.GetCollection(ctx, ref, "BBBB2222")
	require.NoError(t, err)
	assert.Equal(t, SyncSynced, got.SyncStatus)
	assert.Equal(t, int64(13), got.Version)

	require.NoError(t, s.MarkCollectionDeleted(ctx, ref, "MMMM5555"))
	got, err = s.GetCollection(ctx, ref, "MMMM5555")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, SyncSynced, got.SyncStatus)

	require.NoError(t, s.DeleteCollectionRow(ctx, ref, "ZZZZ9999"))
	_, err = s.GetCollection(ctx, ref, "ZZZZ9999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestItemLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)
	ref := zotero.LibraryRef{ID: 5, Type: zotero.LibraryTypeUser}
	mustCreate(t, s, testLibrary(5, zotero.LibraryTypeUser))

	var data zotero.ItemData
	require.NoError(t, data.UnmarshalJSON([]byte(`{"itemType":"attachment","linkMode":"imported_file","filename":"paper.pdf","md5":"abc123","deleted":1}`)))

	row, err := ItemFromCloud(ref, &zotero.Item{Key: "CCCC3333", Version: 7, Data: data})
	require.NoError(t, err)
	require.NoError(t, s.SaveItem(ctx, row))

	got, err := s.GetItem(ctx, ref, "CCCC3333")
	require.NoError(t, err)
	assert.True(t, got.Trashed)
	assert.Empty(t, got.MD5)
	assert.Equal(t, SyncSynced, got.SyncStatus)

	id, err := got.ItemData()
	require.NoError(t, err)
	assert.True(t, id.IsAttachment())
	assert.Equal(t, "paper.pdf", id.Filename())
	assert.Equal(t, "abc123", id.FileMD5())

	require.NoError(t, s.SetItemBlobMD5(ctx, ref, "CCCC3333", "abc123"))
	got, err = s.GetItem(ctx, ref, "CCCC3333")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.MD5)

	require.NoError(t, s.SaveItem(ctx, &Item{
		Key:         "DDDD4444",
		LibraryID:   ref.ID,
		LibraryType: ref.Type,
		Data:        Document(`{"itemType":"book","title":"Local Draft"}`),
		SyncStatus:  SyncNew,
	}))

	dirty, err := s.ItemsToUpload(ctx, ref)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, "DDDD4444", dirty[0].Key)

	require.NoError(t, s.MarkItemIncomplete(ctx, ref, "DDDD4444"))
	dirty, err = s.ItemsToUpload(ctx, ref)
	require.NoError(t, err)
	require.Len(t, dirty, 1, "incomplete rows are retried")
	assert.Equal(t, SyncIncomplete, dirty[0].SyncStatus)

	require.NoError(t, s.MarkItemSynced(ctx, ref, "DDDD4444", 8))
	dirty, err = s.ItemsToUpload(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	v, err := s.ItemVersion(ctx, ref, "DDDD4444")
	require.NoError(t, err)
	assert.Equal(t, int64(8), v)

	require.NoError(t, s.MarkItemDeleted(ctx, ref, "DDDD4444"))
	got, err = s.GetItem(ctx, ref, "DDDD4444")
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	require.NoError(t, s.DeleteItemRow(ctx, ref, "DDDD4444"))
	_, err = s.GetItem(ctx, ref, "DDDD4444")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTagLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)
	ref := zotero.LibraryRef{ID: 5, Type: zotero.LibraryTypeUser}
	mustCreate(t, s, testLibrary(5, zotero.LibraryTypeUser))

	for _, name := range []string{"history", "archival"} {
		row, err := TagFromCloud(ref, &zotero.Tag{Tag: name, Meta: &zotero.TagMeta{NumItems: 1}})
		require.NoError(t, err)
		require.NoError(t, s.SaveTag(ctx, row))
	}

	// Re-saving refreshes meta instead of conflicting.
	row, err := TagFromCloud(ref, &zotero.Tag{Tag: "history", Meta: &zotero.TagMeta{NumItems: 9}})
	require.NoError(t, err)
	require.NoError(t, s.SaveTag(ctx, row))

	tags, err := s.ListTags(ctx, ref)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "archival", tags[0].Tag)
	assert.Equal(t, "history", tags[1].Tag)

	var meta zotero.TagMeta
	require.NoError(t, tags[1].Meta.Decode(&meta))
	assert.Equal(t, int64(9), meta.NumItems)

	require.NoError(t, s.DeleteTag(ctx, ref, "history"))
	tags, err = s.ListTags(ctx, ref)
	require.NoError(t, err)
	require.Len(t, tags, 1)
}

type queueRow struct {
	EntityType string `db:"entity_type"`
	EntityKey  string `db:"entity_key"`
	Operation  string `db:"operation"`
	Priority   int    `db:"priority"`
}

func pendingQueue(t *testing.T, s *Store, ref zotero.LibraryRef) []queueRow {
	t.Helper()
	var rows []queueRow
	require.NoError(t, s.DB().SelectContext(testCtx(t), &rows, `
		SELECT entity_type, entity_key, operation, priority FROM sync_queue
		WHERE library_id = $1 AND library_type = $2 AND processed_at IS NULL
		ORDER BY priority DESC, created_at, id`,
		ref.ID, ref.Type))
	return rows
}

func TestEnqueueTriggers(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)

	batchRef := zotero.LibraryRef{ID: 5, Type: zotero.LibraryTypeUser}
	mustCreate(t, s, testLibrary(5, zotero.LibraryTypeUser))

	eventLib := testLibrary(77, zotero.LibraryTypeGroup)
	eventLib.OutgoingSync = OutgoingEventDriven
	eventRef := eventLib.Ref()
	mustCreate(t, s, eventLib)

	newItem := func(ref zotero.LibraryRef, key string, status SyncStatus) *Item {
		return &Item{
			Key:         key,
			LibraryID:   ref.ID,
			LibraryType: ref.Type,
			Data:        Document(`{"itemType":"book"}`),
			SyncStatus:  status,
		}
	}

	// Batch libraries never enqueue.
	require.NoError(t, s.SaveItem(ctx, newItem(batchRef, "AAAA0001", SyncNew)))
	assert.Empty(t, pendingQueue(t, s, batchRef))

	// Engine writes (synced rows) never enqueue.
	require.NoError(t, s.SaveItem(ctx, newItem(eventRef, "AAAA0002", SyncSynced)))
	assert.Empty(t, pendingQueue(t, s, eventRef))

	// Dirty insert enqueues once.
	require.NoError(t, s.SaveItem(ctx, newItem(eventRef, "AAAA0003", SyncNew)))
	rows := pendingQueue(t, s, eventRef)
	require.Len(t, rows, 1)
	assert.Equal(t, "item", rows[0].EntityType)
	assert.Equal(t, "insert", rows[0].Operation)
	assert.Equal(t, 0, rows[0].Priority)

	// A dirty update adds one entry; repeats dedupe while pending.
	require.NoError(t, s.SaveItem(ctx, newItem(eventRef, "AAAA0003", SyncModified)))
	require.NoError(t, s.SaveItem(ctx, newItem(eventRef, "AAAA0003", SyncModified)))
	rows = pendingQueue(t, s, eventRef)
	require.Len(t, rows, 2)
	assert.Equal(t, "update", rows[1].Operation)

	// Collections outrank items.
	require.NoError(t, s.SaveCollection(ctx, &Collection{
		Key:         "BBBB0001",
		LibraryID:   eventRef.ID,
		LibraryType: eventRef.Type,
		Data:        Document(`{"name":"dirty","parentCollection":false}`),
		SyncStatus:  SyncNew,
	}))
	rows = pendingQueue(t, s, eventRef)
	require.Len(t, rows, 3)
	assert.Equal(t, "collection", rows[0].EntityType)
	assert.Equal(t, 10, rows[0].Priority)

	// Clearing dirty state does not enqueue.
	require.NoError(t, s.MarkItemSynced(ctx, eventRef, "AAAA0003", 5))
	assert.Len(t, pendingQueue(t, s, eventRef), 3)

	// Hard deletes enqueue a delete operation.
	require.NoError(t, s.DeleteItemRow(ctx, eventRef, "AAAA0002"))
	rows = pendingQueue(t, s, eventRef)
	require.Len(t, rows, 4)
	assert.Equal(t, "delete", rows[3].Operation)
	assert.Equal(t, "AAAA0002", rows[3].EntityKey)
}

func TestClearLocal(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)

	lib := testLibrary(77, zotero.LibraryTypeGroup)
	lib.OutgoingSync = OutgoingEventDriven
	ref := lib.Ref()
	mustCreate(t, s, lib)

	lib.Version = 10
	lib.ItemVersion = 10
	lib.CollectionVersion = 10
	lib.TagVersion = 10
	require.NoError(t, s.CommitLibraryVersions(ctx, lib))

	require.NoError(t, s.SaveItem(ctx, &Item{
		Key: "AAAA0001", LibraryID: ref.ID, LibraryType: ref.Type,
		Data: Document(`{"itemType":"book"}`), SyncStatus: SyncNew,
	}))
	require.NoError(t, s.SaveCollection(ctx, &Collection{
		Key: "BBBB0001", LibraryID: ref.ID, LibraryType: ref.Type,
		Data: Document(`{"name":"c","parentCollection":false}`), SyncStatus: SyncNew,
	}))
	require.NoError(t, s.SaveTag(ctx, &Tag{Tag: "history", LibraryID: ref.ID, LibraryType: ref.Type}))
	require.NotEmpty(t, pendingQueue(t, s, ref))

	require.NoError(t, s.ClearLocal(ctx, ref))

	got, err := s.GetLibrary(ctx, ref)
	require.NoError(t, err)
	assert.Zero(t, got.Version)
	assert.Zero(t, got.ItemVersion)
	assert.Zero(t, got.CollectionVersion)
	assert.Zero(t, got.TagVersion)

	_, err = s.GetItem(ctx, ref, "AAAA0001")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetCollection(ctx, ref, "BBBB0001")
	assert.ErrorIs(t, err, ErrNotFound)

	tags, err := s.ListTags(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, tags)

	assert.Empty(t, pendingQueue(t, s, ref), "rebuild must not replay queued changes")
}

func TestDeleteUnknownLibraries(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)

	mustCreate(t, s, testLibrary(5, zotero.LibraryTypeUser))
	keep := testLibrary(77, zotero.LibraryTypeGroup)
	keep.OutgoingSync = OutgoingEventDriven
	mustCreate(t, s, keep)
	drop := testLibrary(88, zotero.LibraryTypeGroup)
	drop.OutgoingSync = OutgoingEventDriven
	mustCreate(t, s, drop)

	dropRef := drop.Ref()
	require.NoError(t, s.SaveItem(ctx, &Item{
		Key: "AAAA0001", LibraryID: dropRef.ID, LibraryType: dropRef.Type,
		Data: Document(`{"itemType":"book"}`), SyncStatus: SyncNew,
	}))
	require.NotEmpty(t, pendingQueue(t, s, dropRef))

	removed, err := s.DeleteUnknownLibraries(ctx, 5, []int64{77})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.GetLibrary(ctx, dropRef)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetLibrary(ctx, keep.Ref())
	require.NoError(t, err)
	_, err = s.GetLibrary(ctx, zotero.LibraryRef{ID: 5, Type: zotero.LibraryTypeUser})
	require.NoError(t, err)

	// Cascaded entities and their queue entries are gone.
	_, err = s.GetItem(ctx, dropRef, "AAAA0001")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, pendingQueue(t, s, dropRef))

	// An empty remote group set removes every group.
	removed, err = s.DeleteUnknownLibraries(ctx, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	_, err = s.GetLibrary(ctx, keep.Ref())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWrapErrUniqueViolation(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)
	mustCreate(t, s, testLibrary(5, zotero.LibraryTypeUser))

	// Force a duplicate insert bypassing the upsert helpers.
	_, err := s.DB().ExecContext(ctx, `
		INSERT INTO sync_libraries (library_id, library_type) VALUES (5, 'user')`)
	require.Error(t, err)
	wrapped := wrapErr("insert policy", err)

	var uv *UniqueViolationError
	assert.True(t, errors.As(wrapped, &uv))
	assert.Equal(t, "sync_libraries_pkey", uv.Constraint)
}
