package zotero

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/imroc/req/v3"
)

// ItemVersions returns the keys and versions of items changed since the
// given library version. With trashed set, trashed items are included so
// their tombstones can be mirrored.
func (c *Client) ItemVersions(ctx context.Context, lib LibraryRef, since int64, trashed bool) (map[string]int64, int64, error) {
	r := c.api.R().
		SetContext(ctx).
		SetQueryParam("format", "versions").
		SetQueryParam("since", strconv.FormatInt(since, 10))
	if trashed {
		r.SetQueryParam("trashed", "1")
	}

	var versions map[string]int64
	resp, err := r.SetSuccessResult(&versions).Get("/" + lib.Scope() + "/items")
	if err := apiError("get item versions", resp, err); err != nil {
		return nil, 0, err
	}
	return versions, lastModified(resp, since), nil
}

// Items batch-fetches items by key, at most MaxBatchKeys per call. An
// empty key set issues no request.
func (c *Client) Items(ctx context.Context, lib LibraryRef, keys []string) ([]Item, error) {
	const op = "get items"
	if len(keys) == 0 {
		return nil, nil
	}
	if len(keys) > MaxBatchKeys {
		return nil, errValidation(op, fmt.Sprintf("batch of %d exceeds %d keys", len(keys), MaxBatchKeys))
	}
	if err := validKeys(op, keys); err != nil {
		return nil, err
	}

	var items []Item
	resp, err := c.api.R().
		SetContext(ctx).
		SetQueryParam("itemKey", strings.Join(keys, ",")).
		SetSuccessResult(&items).
		Get("/" + lib.Scope() + "/items")
	if err := apiError(op, resp, err); err != nil {
		return nil, err
	}
	return items, nil
}

// LibraryVersion reads the library's current version without transferring
// a body. Used as the precondition baseline for item uploads.
func (c *Client) LibraryVersion(ctx context.Context, lib LibraryRef) (int64, error) {
	resp, err := c.api.R().
		SetContext(ctx).
		Head("/" + lib.Scope() + "/items")
	if err := apiError("get library version", resp, err); err != nil {
		return 0, err
	}
	return lastModified(resp, 0), nil
}

// UpsertItem writes one item and returns the library version the write
// produced. fileMD5, when set on an attachment, is sent as the item's md5
// so the cloud record tracks the blob content.
func (c *Client) UpsertItem(ctx context.Context, lib LibraryRef, data *ItemData, fileMD5 string, isNew bool, ifUnmodified int64) (int64, error) {
	const op = "upsert item"
	r := c.api.R().
		SetContext(ctx).
		SetHeader(unmodifiedHeader, strconv.FormatInt(ifUnmodified, 10)).
		SetBody(itemWriteBody(data, fileMD5))

	var resp *req.Response
	var err error
	if isNew {
		resp, err = r.Post("/" + lib.Scope() + "/items")
	} else {
		if !ValidKey(data.Key) {
			return 0, errValidation(op, "malformed entity key "+strconv.Quote(data.Key))
		}
		resp, err = r.Put("/" + lib.Scope() + "/items/" + data.Key)
	}
	return writeResult(op, resp, err, ifUnmodified)
}

// DeleteItem removes one item and returns the library version the delete
// produced.
func (c *Client) DeleteItem(ctx context.Context, lib LibraryRef, key string, ifUnmodified int64) (int64, error) {
	const op = "delete item"
	if !ValidKey(key) {
		return 0, errValidation(op, "malformed entity key "+strconv.Quote(key))
	}
	resp, err := c.api.R().
		SetContext(ctx).
		SetHeader(unmodifiedHeader, strconv.FormatInt(ifUnmodified, 10)).
		Delete("/" + lib.Scope() + "/items/" + key)
	return writeResult(op, resp, err, ifUnmodified)
}

// itemWriteBody builds the JSON object sent on item writes. Key, version
// and the server-managed timestamps are dropped; every extra field rides
// along verbatim.
func itemWriteBody(data *ItemData, fileMD5 string) map[string]any {
	body := map[string]any{
		"itemType":    data.ItemType,
		"tags":        data.Tags,
		"collections": data.Collections,
		"relations":   data.Relations,
	}
	if data.Title != "" {
		body["title"] = data.Title
	}
	if len(data.Creators) > 0 {
		body["creators"] = data.Creators
	}
	if data.Date != "" {
		body["date"] = data.Date
	}
	for name, value := range data.Extra {
		body[name] = value
	}
	if data.IsAttachment() && fileMD5 != "" {
		body["md5"] = json.RawMessage(strconv.Quote(fileMD5))
	}
	return body
}
