package zotero

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

// LibraryType distinguishes a personal library from a group library.
type LibraryType string

const (
	LibraryTypeUser  LibraryType = "user"
	LibraryTypeGroup LibraryType = "group"
)

// LibraryRef addresses one library on the API.
type LibraryRef struct {
	ID   int64
	Type LibraryType
}

// Scope returns the URL prefix for the library, e.g. "groups/12345".
func (l LibraryRef) Scope() string {
	if l.Type == LibraryTypeUser {
		return fmt.Sprintf("users/%d", l.ID)
	}
	return fmt.Sprintf("groups/%d", l.ID)
}

func (l LibraryRef) String() string {
	return fmt.Sprintf("%s/%d", l.Type, l.ID)
}

var entityKeyRx = regexp.MustCompile(`^[A-Z0-9]{8}$`)

// ValidKey reports whether key is a well-formed entity key.
func ValidKey(key string) bool {
	return entityKeyRx.MatchString(key)
}

// APIKey describes the key's owner and grants as reported by keys/current.
type APIKey struct {
	Key         string    `json:"key"`
	UserID      int64     `json:"userID"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Access      KeyAccess `json:"access"`
}

// KeyAccess lists the grants attached to an API key.
type KeyAccess struct {
	User   UserAccess  `json:"user"`
	Groups GroupAccess `json:"groups"`
}

type UserAccess struct {
	Library bool `json:"library"`
	Files   bool `json:"files"`
	Notes   bool `json:"notes"`
	Write   bool `json:"write"`
}

type GroupAccess struct {
	All UserAccess `json:"all"`
}

// UserData is the profile document stored for the user's own library.
type UserData struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// Group is a group library document as returned by groups/{id}.
type Group struct {
	ID      int64     `json:"id"`
	Version int64     `json:"version"`
	Data    GroupData `json:"data"`
}

// GroupData carries the group profile.
type GroupData struct {
	ID             int64  `json:"id,omitempty"`
	Version        int64  `json:"version,omitempty"`
	Name           string `json:"name"`
	Owner          int64  `json:"owner,omitempty"`
	Type           string `json:"type,omitempty"`
	Description    string `json:"description,omitempty"`
	URL            string `json:"url,omitempty"`
	LibraryReading string `json:"libraryReading,omitempty"`
	LibraryEditing string `json:"libraryEditing,omitempty"`
	FileEditing    string `json:"fileEditing,omitempty"`
}

// ParentKey is a parent collection reference. The API encodes "no parent"
// as the JSON literal false, so an empty ParentKey marshals to false.
type ParentKey string

func (p ParentKey) MarshalJSON() ([]byte, error) {
	if p == "" {
		return []byte("false"), nil
	}
	return jsonMarshal(string(p))
}

func (p *ParentKey) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '"' {
		// false, null or anything else non-string means no parent
		*p = ""
		return nil
	}
	var s string
	if err := jsonUnmarshal(b, &s); err != nil {
		return err
	}
	*p = ParentKey(s)
	return nil
}

// Collection is one collection as returned by the API.
type Collection struct {
	Key     string          `json:"key"`
	Version int64           `json:"version"`
	Data    CollectionData  `json:"data"`
	Meta    *CollectionMeta `json:"meta,omitempty"`
}

// CollectionData is the editable payload of a collection.
type CollectionData struct {
	Key              string          `json:"key,omitempty"`
	Version          int64           `json:"version,omitempty"`
	Name             string          `json:"name"`
	ParentCollection ParentKey       `json:"parentCollection"`
	Relations        json.RawMessage `json:"relations,omitempty"`
}

// CollectionMeta carries server-computed counts.
type CollectionMeta struct {
	NumCollections int64 `json:"numCollections"`
	NumItems       int64 `json:"numItems"`
}

// Creator is one author entry on an item.
type Creator struct {
	CreatorType string `json:"creatorType"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	Name        string `json:"name,omitempty"`
}

// ItemTag is a tag reference inside item data.
type ItemTag struct {
	Tag  string `json:"tag"`
	Type int    `json:"type,omitempty"`
}

// Link modes an attachment item can carry.
const (
	LinkModeImportedFile = "imported_file"
	LinkModeImportedURL  = "imported_url"
	LinkModeLinkedFile   = "linked_file"
	LinkModeLinkedURL    = "linked_url"
)

// ItemData is the editable payload of an item. Zotero defines extra fields
// per item type (filename, md5, linkMode, note, ...); those are carried
// verbatim in Extra.
type ItemData struct {
	Key          string          `json:"key,omitempty"`
	Version      int64           `json:"version,omitempty"`
	ItemType     string          `json:"itemType"`
	Title        string          `json:"title,omitempty"`
	Creators     []Creator       `json:"creators,omitempty"`
	Date         string          `json:"date,omitempty"`
	DateAdded    string          `json:"dateAdded,omitempty"`
	DateModified string          `json:"dateModified,omitempty"`
	Tags         []ItemTag       `json:"tags,omitempty"`
	Collections  []string        `json:"collections,omitempty"`
	Relations    json.RawMessage `json:"relations,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var itemDataFields = []string{
	"key", "version", "itemType", "title", "creators", "date",
	"dateAdded", "dateModified", "tags", "collections", "relations",
}

func (d *ItemData) UnmarshalJSON(b []byte) error {
	type plain ItemData
	var p plain
	if err := jsonUnmarshal(b, &p); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := jsonUnmarshal(b, &fields); err != nil {
		return err
	}
	for _, known := range itemDataFields {
		delete(fields, known)
	}
	if len(fields) == 0 {
		fields = nil
	}
	p.Extra = fields
	*d = ItemData(p)
	return nil
}

func (d ItemData) MarshalJSON() ([]byte, error) {
	type plain ItemData
	b, err := jsonMarshal(plain(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return b, nil
	}
	var fields map[string]json.RawMessage
	if err := jsonUnmarshal(b, &fields); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	return jsonMarshal(fields)
}

// ExtraString returns the named extra field when it is a JSON string.
func (d *ItemData) ExtraString(name string) string {
	raw, ok := d.Extra[name]
	if !ok {
		return ""
	}
	var s string
	if err := jsonUnmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// ExtraInt returns the named extra field when it is a JSON number.
func (d *ItemData) ExtraInt(name string) int64 {
	raw, ok := d.Extra[name]
	if !ok {
		return 0
	}
	var n int64
	if err := jsonUnmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}

// IsAttachment reports whether the item is an attachment.
func (d *ItemData) IsAttachment() bool { return d.ItemType == "attachment" }

// Trashed reports whether the payload carries the trash marker. The API
// emits it as the number 1, older versions as a boolean.
func (d *ItemData) Trashed() bool {
	raw, ok := d.Extra["deleted"]
	if !ok {
		return false
	}
	s := string(raw)
	return s == "1" || s == "true"
}

// LinkMode returns the attachment link mode, empty for non-attachments.
func (d *ItemData) LinkMode() string { return d.ExtraString("linkMode") }

// Filename returns the attachment filename, empty when absent.
func (d *ItemData) Filename() string { return d.ExtraString("filename") }

// FileMD5 returns the content hash the cloud reported for the attachment.
func (d *ItemData) FileMD5() string { return d.ExtraString("md5") }

// FileMtime returns the attachment modification time in epoch milliseconds.
func (d *ItemData) FileMtime() int64 { return d.ExtraInt("mtime") }

// ItemMeta carries server-computed item annotations.
type ItemMeta struct {
	CreatedByUser  *UserData `json:"createdByUser,omitempty"`
	CreatorSummary string    `json:"creatorSummary,omitempty"`
	ParsedDate     string    `json:"parsedDate,omitempty"`
	NumChildren    int64     `json:"numChildren,omitempty"`
}

// Item is one item as returned by the API.
type Item struct {
	Key     string    `json:"key"`
	Version int64     `json:"version"`
	Data    ItemData  `json:"data"`
	Meta    *ItemMeta `json:"meta,omitempty"`
}

// Tag is one tag as returned by the tags endpoint.
type Tag struct {
	Tag  string   `json:"tag"`
	Meta *TagMeta `json:"meta,omitempty"`
}

// TagMeta distinguishes manual (0) from automatic (1) tags.
type TagMeta struct {
	Type     int   `json:"type"`
	NumItems int64 `json:"numItems"`
}

// Deletions lists keys tombstoned since a given library version.
type Deletions struct {
	Collections []string `json:"collections"`
	Searches    []string `json:"searches"`
	Items       []string `json:"items"`
	Tags        []string `json:"tags"`
	Settings    []string `json:"settings"`
}

// UploadAuthorization is the API's answer to an upload request. Exists is
// derived from the status code, not the body.
type UploadAuthorization struct {
	Exists    bool              `json:"-"`
	URL       string            `json:"url"`
	UploadKey string            `json:"uploadKey"`
	Params    map[string]string `json:"params"`
}
