package zotero

import (
	"context"
	"strconv"
)

// Tags returns the tags changed since the given library version, plus the
// library version that answer represents.
func (c *Client) Tags(ctx context.Context, lib LibraryRef, since int64) ([]Tag, int64, error) {
	var tags []Tag
	resp, err := c.api.R().
		SetContext(ctx).
		SetQueryParam("since", strconv.FormatInt(since, 10)).
		SetSuccessResult(&tags).
		Get("/" + lib.Scope() + "/tags")
	if err := apiError("get tags", resp, err); err != nil {
		return nil, 0, err
	}
	return tags, lastModified(resp, since), nil
}
