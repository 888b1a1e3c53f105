package zotero

import (
	"context"
	"strconv"
)

// Deletions returns the keys of everything tombstoned since the given
// library version, plus the library version that answer represents.
func (c *Client) Deletions(ctx context.Context, lib LibraryRef, since int64) (*Deletions, int64, error) {
	var deletions Deletions
	resp, err := c.api.R().
		SetContext(ctx).
		SetQueryParam("since", strconv.FormatInt(since, 10)).
		SetSuccessResult(&deletions).
		Get("/" + lib.Scope() + "/deleted")
	if err := apiError("get deletions", resp, err); err != nil {
		return nil, 0, err
	}
	return &deletions, lastModified(resp, since), nil
}
