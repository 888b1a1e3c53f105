package zotero

import (
	"context"
	"net/http"
	"strconv"
)

// AttachmentDownloadURL resolves the signed URL behind an item's file
// endpoint. The API answers with a redirect that is never followed; a 404
// means the item has no stored file.
func (c *Client) AttachmentDownloadURL(ctx context.Context, lib LibraryRef, key string) (string, error) {
	const op = "get attachment url"
	if !ValidKey(key) {
		return "", errValidation(op, "malformed entity key "+strconv.Quote(key))
	}
	resp, err := c.api.R().
		SetContext(ctx).
		Get("/" + lib.Scope() + "/items/" + key + "/file")
	if err != nil {
		return "", errTransport(op, err)
	}

	if resp.StatusCode != http.StatusFound {
		return "", errStatus(op, resp)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", &Error{Kind: KindAPI, Op: op, Status: resp.StatusCode, Message: "redirect without location header"}
	}
	return location, nil
}

// DownloadBlob fetches a signed URL with the bare client and returns the
// payload bytes.
func (c *Client) DownloadBlob(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, blobDownloadTimeout)
	defer cancel()

	resp, err := c.blob.R().
		SetContext(ctx).
		Get(url)
	if err := apiError("download blob", resp, err); err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

// RequestUploadAuth asks the API to authorize an attachment upload. A
// result with Exists set means the content is already stored and no
// transfer is needed.
func (c *Client) RequestUploadAuth(ctx context.Context, lib LibraryRef, key, filename string, size int64, md5 string, mtime int64) (*UploadAuthorization, error) {
	const op = "request upload auth"
	if !ValidKey(key) {
		return nil, errValidation(op, "malformed entity key "+strconv.Quote(key))
	}

	body := map[string]any{
		"filename": filename,
		"filesize": size,
		"params":   1,
	}
	if md5 != "" {
		body["md5"] = md5
	}
	if mtime > 0 {
		body["mtime"] = mtime
	}

	var auth UploadAuthorization
	resp, err := c.api.R().
		SetContext(ctx).
		SetBody(body).
		SetSuccessResult(&auth).
		Post("/" + lib.Scope() + "/items/" + key + "/file")
	if err != nil {
		return nil, errTransport(op, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &UploadAuthorization{Exists: true}, nil
	case http.StatusCreated:
		return &auth, nil
	default:
		return nil, errStatus(op, resp)
	}
}

// UploadBlob posts file content to a signed upload URL. Parameter fields
// go first and the file part strictly last, as S3-style endpoints require.
func (c *Client) UploadBlob(ctx context.Context, uploadURL string, data []byte, params map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, transferTimeout(int64(len(data))))
	defer cancel()

	resp, err := c.blob.R().
		SetContext(ctx).
		SetFormData(params).
		SetFileBytes("file", "file", data).
		Post(uploadURL)
	return apiError("upload blob", resp, err)
}

// RegisterUpload commits a finished upload to the item's file record.
func (c *Client) RegisterUpload(ctx context.Context, lib LibraryRef, key, uploadKey string) error {
	const op = "register upload"
	if !ValidKey(key) {
		return errValidation(op, "malformed entity key "+strconv.Quote(key))
	}
	resp, err := c.api.R().
		SetContext(ctx).
		SetBody(map[string]string{"upload": uploadKey}).
		Post("/" + lib.Scope() + "/items/" + key + "/file")
	return apiError(op, resp, err)
}
