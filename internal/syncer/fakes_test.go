package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zotmirror/zotmirror/internal/blob"
	"github.com/zotmirror/zotmirror/internal/store"
	"github.com/zotmirror/zotmirror/internal/zotero"
)

var (
	_ Cloud     = (*fakeCloud)(nil)
	_ Storage   = (*fakeStore)(nil)
	_ BlobStore = (*fakeBlobs)(nil)
)

// fakeCloud is an in-memory remote library. Accepted writes bump the
// library version the way the real API does; writes with a stale
// If-Unmodified-Since-Version baseline fail with 412.
type fakeCloud struct {
	version     int64
	collections map[string]zotero.Collection
	items       map[string]zotero.Item
	tags        []zotero.Tag
	deletions   zotero.Deletions
	payloads    map[string][]byte
	staged      map[string][]byte

	writes       int
	probes       int
	downloads    int
	maxBatch     int
	rejectWrites bool
	corruptBlobs bool
	failUploads  bool
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		collections: map[string]zotero.Collection{},
		items:       map[string]zotero.Item{},
		payloads:    map[string][]byte{},
		staged:      map[string][]byte{},
	}
}

func (f *fakeCloud) bump() int64 {
	f.version++
	return f.version
}

func (f *fakeCloud) checkWrite(op string, ifUnmodified int64) error {
	f.writes++
	if f.rejectWrites || ifUnmodified < f.version {
		return &zotero.Error{Kind: zotero.KindPrecondition, Op: op, Status: 412, Message: "library has changed"}
	}
	return nil
}

func (f *fakeCloud) noteBatch(n int) {
	if n > f.maxBatch {
		f.maxBatch = n
	}
}

func (f *fakeCloud) CollectionVersions(_ context.Context, _ zotero.LibraryRef, since int64) (map[string]int64, int64, error) {
	out := map[string]int64{}
	for k, c := range f.collections {
		if c.Version > since {
			out[k] = c.Version
		}
	}
	return out, f.version, nil
}

func (f *fakeCloud) Collections(_ context.Context, _ zotero.LibraryRef, keys []string) ([]zotero.Collection, int64, error) {
	f.noteBatch(len(keys))
	var out []zotero.Collection
	for _, k := range keys {
		if c, ok := f.collections[k]; ok {
			out = append(out, c)
		}
	}
	return out, f.version, nil
}

func (f *fakeCloud) UpsertCollection(_ context.Context, _ zotero.LibraryRef, data *zotero.CollectionData, isNew bool, ifUnmodified int64) (int64, error) {
	if err := f.checkWrite("write collection", ifUnmodified); err != nil {
		return 0, err
	}
	v := f.bump()
	d := *data
	d.Version = v
	f.collections[data.Key] = zotero.Collection{Key: data.Key, Version: v, Data: d}
	return v, nil
}

func (f *fakeCloud) DeleteCollection(_ context.Context, _ zotero.LibraryRef, key string, ifUnmodified int64) (int64, error) {
	if err := f.checkWrite("delete collection", ifUnmodified); err != nil {
		return 0, err
	}
	if _, ok := f.collections[key]; !ok {
		return 0, &zotero.Error{Kind: zotero.KindNotFound, Op: "delete collection", Status: 404}
	}
	delete(f.collections, key)
	return f.bump(), nil
}

func (f *fakeCloud) LibraryVersion(_ context.Context, _ zotero.LibraryRef) (int64, error) {
	f.probes++
	return f.version, nil
}

func (f *fakeCloud) ItemVersions(_ context.Context, _ zotero.LibraryRef, since int64, trashed bool) (map[string]int64, int64, error) {
	out := map[string]int64{}
	for k := range f.items {
		it := f.items[k]
		if it.Version > since && it.Data.Trashed() == trashed {
			out[k] = it.Version
		}
	}
	return out, f.version, nil
}

func (f *fakeCloud) Items(_ context.Context, _ zotero.LibraryRef, keys []string) ([]zotero.Item, error) {
	f.noteBatch(len(keys))
	var out []zotero.Item
	for _, k := range keys {
		if it, ok := f.items[k]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeCloud) UpsertItem(_ context.Context, _ zotero.LibraryRef, data *zotero.ItemData, fileMD5 string, isNew bool, ifUnmodified int64) (int64, error) {
	if err := f.checkWrite("write item", ifUnmodified); err != nil {
		return 0, err
	}
	v := f.bump()
	d := *data
	d.Version = v
	f.items[data.Key] = zotero.Item{Key: data.Key, Version: v, Data: d}
	return v, nil
}

func (f *fakeCloud) DeleteItem(_ context.Context, _ zotero.LibraryRef, key string, ifUnmodified int64) (int64, error) {
	if err := f.checkWrite("delete item", ifUnmodified); err != nil {
		return 0, err
	}
	if _, ok := f.items[key]; !ok {
		return 0, &zotero.Error{Kind: zotero.KindNotFound, Op: "delete item", Status: 404}
	}
	delete(f.items, key)
	return f.bump(), nil
}

func (f *fakeCloud) Tags(_ context.Context, _ zotero.LibraryRef, since int64) ([]zotero.Tag, int64, error) {
	if since >= f.version {
		return nil, f.version, nil
	}
	return f.tags, f.version, nil
}

func (f *fakeCloud) Deletions(_ context.Context, _ zotero.LibraryRef, since int64) (*zotero.Deletions, int64, error) {
	if since >= f.version {
		return &zotero.Deletions{}, f.version, nil
	}
	d := f.deletions
	return &d, f.version, nil
}

func (f *fakeCloud) AttachmentDownloadURL(_ context.Context, _ zotero.LibraryRef, key string) (string, error) {
	if _, ok := f.payloads[key]; !ok {
		return "", &zotero.Error{Kind: zotero.KindNotFound, Op: "attachment url", Status: 404}
	}
	return "https://files.test/" + key, nil
}

func (f *fakeCloud) DownloadBlob(_ context.Context, url string) ([]byte, error) {
	f.downloads++
	key := strings.TrimPrefix(url, "https://files.test/")
	data, ok := f.payloads[key]
	if !ok {
		return nil, &zotero.Error{Kind: zotero.KindNotFound, Op: "download blob", Status: 404}
	}
	out := append([]byte(nil), data...)
	if f.corruptBlobs {
		out = append(out, '!')
	}
	return out, nil
}

func (f *fakeCloud) RequestUploadAuth(_ context.Context, _ zotero.LibraryRef, key, filename string, size int64, md5 string, mtime int64) (*zotero.UploadAuthorization, error) {
	if existing, ok := f.payloads[key]; ok && blob.SumMD5(existing) == md5 {
		return &zotero.UploadAuthorization{Exists: true}, nil
	}
	return &zotero.UploadAuthorization{
		URL:       "https://up.test/" + key,
		UploadKey: "uk-" + key,
		Params:    map[string]string{"key": key},
	}, nil
}

func (f *fakeCloud) UploadBlob(_ context.Context, uploadURL string, data []byte, _ map[string]string) error {
	if f.failUploads {
		return &zotero.Error{Kind: zotero.KindAPI, Op: "upload blob", Status: 500, Message: "storage unavailable"}
	}
	f.staged[uploadURL] = append([]byte(nil), data...)
	return nil
}

func (f *fakeCloud) RegisterUpload(_ context.Context, _ zotero.LibraryRef, key, uploadKey string) error {
	data, ok := f.staged["https://up.test/"+key]
	if !ok {
		return &zotero.Error{Kind: zotero.KindAPI, Op: "register upload", Message: "nothing staged for " + key}
	}
	f.payloads[key] = data
	f.bump()
	return nil
}

// entityRef keys the fake store maps by library and entity key.
type entityRef struct {
	id  int64
	typ zotero.LibraryType
	key string
}

func er(ref zotero.LibraryRef, key string) entityRef {
	return entityRef{id: ref.ID, typ: ref.Type, key: key}
}

// fakeStore is an in-memory Storage.
type fakeStore struct {
	collections map[entityRef]*store.Collection
	items       map[entityRef]*store.Item
	tags        map[entityRef]*store.Tag
	committed   []store.Library
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		collections: map[entityRef]*store.Collection{},
		items:       map[entityRef]*store.Item{},
		tags:        map[entityRef]*store.Tag{},
	}
}

func (f *fakeStore) GetCollection(_ context.Context, ref zotero.LibraryRef, key string) (*store.Collection, error) {
	c, ok := f.collections[er(ref, key)]
	if !ok {
		return nil, fmt.Errorf("get collection: %w", store.ErrNotFound)
	}
	return c, nil
}

func (f *fakeStore) CollectionVersion(_ context.Context, ref zotero.LibraryRef, key string) (int64, error) {
	if c, ok := f.collections[er(ref, key)]; ok {
		return c.Version, nil
	}
	return 0, nil
}

func (f *fakeStore) SaveCollection(_ context.Context, c *store.Collection) error {
	cp := *c
	f.collections[er(zotero.LibraryRef{ID: c.LibraryID, Type: c.LibraryType}, c.Key)] = &cp
	return nil
}

func (f *fakeStore) CollectionsToUpload(_ context.Context, ref zotero.LibraryRef) ([]*store.Collection, error) {
	var out []*store.Collection
	for k, c := range f.collections {
		if k.id == ref.ID && k.typ == ref.Type && c.SyncStatus.Dirty() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *fakeStore) MarkCollectionSynced(_ context.Context, ref zotero.LibraryRef, key string, version int64) error {
	if c, ok := f.collections[er(ref, key)]; ok {
		c.Version = version
		c.SyncStatus = store.SyncSynced
	}
	return nil
}

func (f *fakeStore) MarkCollectionDeleted(_ context.Context, ref zotero.LibraryRef, key string) error {
	if c, ok := f.collections[er(ref, key)]; ok {
		c.Deleted = true
		c.SyncStatus = store.SyncSynced
	}
	return nil
}

func (f *fakeStore) DeleteCollectionRow(_ context.Context, ref zotero.LibraryRef, key string) error {
	delete(f.collections, er(ref, key))
	return nil
}

func (f *fakeStore) GetItem(_ context.Context, ref zotero.LibraryRef, key string) (*store.Item, error) {
	it, ok := f.items[er(ref, key)]
	if !ok {
		return nil, fmt.Errorf("get item: %w", store.ErrNotFound)
	}
	return it, nil
}

func (f *fakeStore) ItemVersion(_ context.Context, ref zotero.LibraryRef, key string) (int64, error) {
	if it, ok := f.items[er(ref, key)]; ok {
		return it.Version, nil
	}
	return 0, nil
}

func (f *fakeStore) SaveItem(_ context.Context, it *store.Item) error {
	cp := *it
	f.items[er(zotero.LibraryRef{ID: it.LibraryID, Type: it.LibraryType}, it.Key)] = &cp
	return nil
}

func (f *fakeStore) ItemsToUpload(_ context.Context, ref zotero.LibraryRef) ([]*store.Item, error) {
	var out []*store.Item
	for k, it := range f.items {
		if k.id == ref.ID && k.typ == ref.Type && it.SyncStatus.Dirty() {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *fakeStore) MarkItemSynced(_ context.Context, ref zotero.LibraryRef, key string, version int64) error {
	if it, ok := f.items[er(ref, key)]; ok {
		it.Version = version
		it.SyncStatus = store.SyncSynced
	}
	return nil
}

func (f *fakeStore) MarkItemIncomplete(_ context.Context, ref zotero.LibraryRef, key string) error {
	if it, ok := f.items[er(ref, key)]; ok {
		it.SyncStatus = store.SyncIncomplete
	}
	return nil
}

func (f *fakeStore) MarkItemDeleted(_ context.Context, ref zotero.LibraryRef, key string) error {
	if it, ok := f.items[er(ref, key)]; ok {
		it.Deleted = true
		it.SyncStatus = store.SyncSynced
	}
	return nil
}

func (f *fakeStore) SetItemBlobMD5(_ context.Context, ref zotero.LibraryRef, key, md5 string) error {
	if it, ok := f.items[er(ref, key)]; ok {
		it.MD5 = md5
	}
	return nil
}

func (f *fakeStore) DeleteItemRow(_ context.Context, ref zotero.LibraryRef, key string) error {
	delete(f.items, er(ref, key))
	return nil
}

func (f *fakeStore) SaveTag(_ context.Context, t *store.Tag) error {
	cp := *t
	f.tags[er(zotero.LibraryRef{ID: t.LibraryID, Type: t.LibraryType}, t.Tag)] = &cp
	return nil
}

func (f *fakeStore) DeleteTag(_ context.Context, ref zotero.LibraryRef, name string) error {
	delete(f.tags, er(ref, name))
	return nil
}

func (f *fakeStore) CommitLibraryVersions(_ context.Context, lib *store.Library) error {
	f.committed = append(f.committed, *lib)
	return nil
}

func (f *fakeStore) countItems(ref zotero.LibraryRef) int {
	n := 0
	for k := range f.items {
		if k.id == ref.ID && k.typ == ref.Type {
			n++
		}
	}
	return n
}

func (f *fakeStore) countCollections(ref zotero.LibraryRef) int {
	n := 0
	for k := range f.collections {
		if k.id == ref.ID && k.typ == ref.Type {
			n++
		}
	}
	return n
}

// fakeBlobs is an in-memory BlobStore.
type fakeBlobs struct {
	objects map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (f *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, blob.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeBlobs) Put(_ context.Context, key string, data []byte) (string, error) {
	f.objects[key] = append([]byte(nil), data...)
	return blob.SumMD5(data), nil
}

func (f *fakeBlobs) MatchesMD5(_ context.Context, key, sum string) (bool, error) {
	if sum == "" {
		return false, nil
	}
	data, ok := f.objects[key]
	if !ok {
		return false, nil
	}
	return blob.SumMD5(data) == sum, nil
}

func cloudCollection(key, name string, version int64) zotero.Collection {
	return zotero.Collection{
		Key:     key,
		Version: version,
		Data:    zotero.CollectionData{Key: key, Version: version, Name: name},
	}
}

func cloudItem(key, title string, version int64) zotero.Item {
	return zotero.Item{
		Key:     key,
		Version: version,
		Data:    zotero.ItemData{Key: key, Version: version, ItemType: "journalArticle", Title: title},
	}
}

func cloudAttachment(key, filename, md5 string, version int64) zotero.Item {
	extra := map[string]json.RawMessage{
		"linkMode": json.RawMessage(`"imported_file"`),
		"filename": json.RawMessage(fmt.Sprintf("%q", filename)),
	}
	if md5 != "" {
		extra["md5"] = json.RawMessage(fmt.Sprintf("%q", md5))
	}
	return zotero.Item{
		Key:     key,
		Version: version,
		Data:    zotero.ItemData{Key: key, Version: version, ItemType: "attachment", Extra: extra},
	}
}
