package store

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/zotmirror/zotmirror/internal/zotero"
)

// SyncStatus tracks an entity's local modification state relative to the cloud.
type SyncStatus string

const (
	SyncNew        SyncStatus = "new"
	SyncModified   SyncStatus = "modified"
	SyncSynced     SyncStatus = "synced"
	SyncIncomplete SyncStatus = "incomplete"
)

// Dirty reports whether the entity carries local changes awaiting upload.
func (s SyncStatus) Dirty() bool {
	return s == SyncNew || s == SyncModified || s == SyncIncomplete
}

// Direction is the per-library conflict policy. It gates which sides of a
// sync issue writes and which side wins on divergence.
type Direction string

const (
	DirectionNone       Direction = "none"
	DirectionToCloud    Direction = "to_cloud"
	DirectionToLocal    Direction = "to_local"
	DirectionBothCloud  Direction = "both_cloud"
	DirectionBothLocal  Direction = "both_local"
	DirectionBothManual Direction = "both_manual"
)

func (d Direction) CanUpload() bool {
	switch d {
	case DirectionToCloud, DirectionBothCloud, DirectionBothLocal, DirectionBothManual:
		return true
	}
	return false
}

func (d Direction) CanDownload() bool {
	switch d {
	case DirectionToLocal, DirectionBothCloud, DirectionBothLocal, DirectionBothManual:
		return true
	}
	return false
}

func (d Direction) Valid() bool {
	switch d {
	case DirectionNone, DirectionToCloud, DirectionToLocal,
		DirectionBothCloud, DirectionBothLocal, DirectionBothManual:
		return true
	}
	return false
}

// OutgoingSync selects how locally originated changes reach the cloud.
type OutgoingSync string

const (
	// OutgoingBatch uploads dirty rows during full library syncs.
	OutgoingBatch OutgoingSync = "batch"
	// OutgoingEventDriven enqueues every local change for the sync worker.
	OutgoingEventDriven OutgoingSync = "event_driven"
)

// Document is a JSONB column payload. A nil Document stores SQL NULL.
type Document []byte

func (d Document) Value() (driver.Value, error) {
	if len(d) == 0 {
		return nil, nil
	}
	return []byte(d), nil
}

func (d *Document) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = nil
	case []byte:
		*d = append((*d)[:0], v...)
	case string:
		*d = Document(v)
	default:
		return fmt.Errorf("store: cannot scan %T into Document", src)
	}
	return nil
}

// Decode unmarshals the document into v.
func (d Document) Decode(v any) error {
	if len(d) == 0 {
		return fmt.Errorf("store: decode empty document")
	}
	return json.Unmarshal(d, v)
}

// NewDocument marshals v into a Document.
func NewDocument(v any) (Document, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Document(b), nil
}

// Library is a mirrored library row joined with its sync policy.
type Library struct {
	ID                int64              `db:"id"`
	Type              zotero.LibraryType `db:"library_type"`
	Version           int64              `db:"version"`
	Created           time.Time          `db:"created"`
	Modified          time.Time          `db:"modified"`
	Data              Document           `db:"data"`
	Deleted           bool               `db:"deleted"`
	ItemVersion       int64              `db:"item_version"`
	CollectionVersion int64              `db:"collection_version"`
	TagVersion        int64              `db:"tag_version"`

	Active       bool         `db:"active"`
	Direction    Direction    `db:"direction"`
	SyncTags     bool         `db:"sync_tags"`
	OutgoingSync OutgoingSync `db:"outgoing_sync"`

	// IsModified is set when a sync advances any watermark. It signals
	// that group metadata may be stale relative to the new content.
	IsModified bool `db:"-"`
}

// Ref returns the cloud addressing handle for this library.
func (l *Library) Ref() zotero.LibraryRef {
	return zotero.LibraryRef{ID: l.ID, Type: l.Type}
}

// GroupData decodes the stored group metadata. Only valid for group libraries.
func (l *Library) GroupData() (*zotero.GroupData, error) {
	var gd zotero.GroupData
	if err := l.Data.Decode(&gd); err != nil {
		return nil, err
	}
	return &gd, nil
}

// Name returns a printable label for logs.
func (l *Library) Name() string {
	if len(l.Data) > 0 {
		var named struct {
			Name     string `json:"name"`
			Username string `json:"username"`
		}
		if err := l.Data.Decode(&named); err == nil {
			if named.Name != "" {
				return named.Name
			}
			if named.Username != "" {
				return named.Username
			}
		}
	}
	return l.Ref().String()
}

// Collection is a mirrored collection row.
type Collection struct {
	Key         string             `db:"key"`
	LibraryID   int64              `db:"library_id"`
	LibraryType zotero.LibraryType `db:"library_type"`
	Version     int64              `db:"version"`
	Data        Document           `db:"data"`
	Meta        Document           `db:"meta"`
	Deleted     bool               `db:"deleted"`
	SyncStatus  SyncStatus         `db:"sync_status"`
}

// CollectionData decodes the stored collection payload.
func (c *Collection) CollectionData() (*zotero.CollectionData, error) {
	var cd zotero.CollectionData
	if err := c.Data.Decode(&cd); err != nil {
		return nil, fmt.Errorf("decode collection %s: %w", c.Key, err)
	}
	return &cd, nil
}

// Item is a mirrored item row. Trashed mirrors the cloud trash flag and is
// recoverable; Deleted is the local tombstone. MD5 holds the hash of the
// locally stored attachment blob, empty when no local blob exists.
type Item struct {
	Key         string             `db:"key"`
	LibraryID   int64              `db:"library_id"`
	LibraryType zotero.LibraryType `db:"library_type"`
	Version     int64              `db:"version"`
	Data        Document           `db:"data"`
	Meta        Document           `db:"meta"`
	Trashed     bool               `db:"trashed"`
	Deleted     bool               `db:"deleted"`
	MD5         string             `db:"md5"`
	SyncStatus  SyncStatus         `db:"sync_status"`
}

// ItemData decodes the stored item payload.
func (i *Item) ItemData() (*zotero.ItemData, error) {
	var id zotero.ItemData
	if err := i.Data.Decode(&id); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", i.Key, err)
	}
	return &id, nil
}

// Tag is a mirrored tag row.
type Tag struct {
	Tag         string             `db:"tag"`
	LibraryID   int64              `db:"library_id"`
	LibraryType zotero.LibraryType `db:"library_type"`
	Meta        Document           `db:"meta"`
}
