package zotero

import (
	"context"
	"fmt"
	"strconv"
)

// GroupVersions lists the current version of every group library visible
// to the user, keyed by group id.
func (c *Client) GroupVersions(ctx context.Context, userID int64) (map[int64]int64, error) {
	var raw map[string]int64
	resp, err := c.api.R().
		SetContext(ctx).
		SetQueryParam("format", "versions").
		SetSuccessResult(&raw).
		Get(fmt.Sprintf("/users/%d/groups", userID))
	if err := apiError("get group versions", resp, err); err != nil {
		return nil, err
	}

	versions := make(map[int64]int64, len(raw))
	for id, v := range raw {
		groupID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		versions[groupID] = v
	}
	return versions, nil
}

// Group fetches one group's metadata document.
func (c *Client) Group(ctx context.Context, groupID int64) (*Group, error) {
	var group Group
	resp, err := c.api.R().
		SetContext(ctx).
		SetSuccessResult(&group).
		Get(fmt.Sprintf("/groups/%d", groupID))
	if err := apiError("get group", resp, err); err != nil {
		return nil, err
	}
	return &group, nil
}
