package zotero

import (
	"context"
)

// KeyInfo returns owner and grant metadata for the configured API key.
func (c *Client) KeyInfo(ctx context.Context) (*APIKey, error) {
	var key APIKey
	resp, err := c.api.R().
		SetContext(ctx).
		SetSuccessResult(&key).
		Get("/keys/current")
	if err := apiError("get key info", resp, err); err != nil {
		return nil, err
	}
	return &key, nil
}
