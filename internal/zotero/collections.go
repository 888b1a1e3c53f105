package zotero

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/imroc/req/v3"
)

// CollectionVersions returns the keys and versions of collections changed
// since the given library version, plus the library version that answer
// represents.
func (c *Client) CollectionVersions(ctx context.Context, lib LibraryRef, since int64) (map[string]int64, int64, error) {
	var versions map[string]int64
	resp, err := c.api.R().
		SetContext(ctx).
		SetQueryParam("format", "versions").
		SetQueryParam("since", strconv.FormatInt(since, 10)).
		SetSuccessResult(&versions).
		Get("/" + lib.Scope() + "/collections")
	if err := apiError("get collection versions", resp, err); err != nil {
		return nil, 0, err
	}
	return versions, lastModified(resp, since), nil
}

// Collections batch-fetches collections by key, at most MaxBatchKeys per
// call. An empty key set issues no request.
func (c *Client) Collections(ctx context.Context, lib LibraryRef, keys []string) ([]Collection, int64, error) {
	const op = "get collections"
	if len(keys) == 0 {
		return nil, 0, nil
	}
	if len(keys) > MaxBatchKeys {
		return nil, 0, errValidation(op, fmt.Sprintf("batch of %d exceeds %d keys", len(keys), MaxBatchKeys))
	}
	if err := validKeys(op, keys); err != nil {
		return nil, 0, err
	}

	var collections []Collection
	resp, err := c.api.R().
		SetContext(ctx).
		SetQueryParam("collectionKey", strings.Join(keys, ",")).
		SetSuccessResult(&collections).
		Get("/" + lib.Scope() + "/collections")
	if err := apiError(op, resp, err); err != nil {
		return nil, 0, err
	}
	return collections, lastModified(resp, 0), nil
}

// UpsertCollection writes one collection and returns the library version
// the write produced. New collections are created with POST, known ones
// rewritten in place, both guarded by If-Unmodified-Since-Version.
func (c *Client) UpsertCollection(ctx context.Context, lib LibraryRef, data *CollectionData, isNew bool, ifUnmodified int64) (int64, error) {
	const op = "upsert collection"
	r := c.api.R().
		SetContext(ctx).
		SetHeader(unmodifiedHeader, strconv.FormatInt(ifUnmodified, 10)).
		SetBody(collectionWriteBody(data))

	var resp *req.Response
	var err error
	if isNew {
		resp, err = r.Post("/" + lib.Scope() + "/collections")
	} else {
		if !ValidKey(data.Key) {
			return 0, errValidation(op, "malformed entity key "+strconv.Quote(data.Key))
		}
		resp, err = r.Put("/" + lib.Scope() + "/collections/" + data.Key)
	}
	return writeResult(op, resp, err, ifUnmodified)
}

// DeleteCollection removes one collection and returns the library version
// the delete produced.
func (c *Client) DeleteCollection(ctx context.Context, lib LibraryRef, key string, ifUnmodified int64) (int64, error) {
	const op = "delete collection"
	if !ValidKey(key) {
		return 0, errValidation(op, "malformed entity key "+strconv.Quote(key))
	}
	resp, err := c.api.R().
		SetContext(ctx).
		SetHeader(unmodifiedHeader, strconv.FormatInt(ifUnmodified, 10)).
		Delete("/" + lib.Scope() + "/collections/" + key)
	return writeResult(op, resp, err, ifUnmodified)
}

// collectionWriteBody strips server-managed fields from a collection
// payload. parentCollection is always present, false meaning "no parent".
func collectionWriteBody(data *CollectionData) map[string]any {
	return map[string]any{
		"name":             data.Name,
		"parentCollection": data.ParentCollection,
		"relations":        data.Relations,
	}
}
