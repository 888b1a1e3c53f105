package zotero

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"github.com/zotmirror/zotmirror/internal/version"
)

const (
	apiVersionHeader = "Zotero-API-Version"
	apiVersion       = "3"
	versionHeader    = "Last-Modified-Version"
	unmodifiedHeader = "If-Unmodified-Since-Version"
	backoffHeader    = "Backoff"
	retryAfterHeader = "Retry-After"
)

const (
	// DefaultTimeout applies to metadata requests against the API.
	DefaultTimeout = 60 * time.Second

	// MaxBatchKeys is the API ceiling on keys per batched fetch.
	MaxBatchKeys = 50

	retryAttempts     = 5
	retryBaseInterval = 1 * time.Second
	retryMaxInterval  = 60 * time.Second

	// Blob transfers get a deadline scaled to their size so a stalled
	// connection cannot hang a sync pass.
	blobFloorRate       = 10 << 20 // bytes per second
	blobMinTimeout      = 30 * time.Second
	blobDownloadTimeout = 10 * time.Minute
)

// Config carries the connection settings for a Client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client talks to the Zotero Web API v3. All methods are safe for
// concurrent use.
type Client struct {
	api  *req.Client
	blob *req.Client
}

// New builds a Client from cfg. The api client carries auth and the API
// version header; the blob client is bare and only ever sees the signed
// URLs the API hands out.
func New(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ua := version.AppName + "/" + version.Version

	api := req.C().
		SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).
		SetUserAgent(ua).
		SetCommonBearerAuthToken(cfg.APIKey).
		SetCommonHeader(apiVersionHeader, apiVersion).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal).
		SetTimeout(timeout).
		SetCommonRetryCount(retryAttempts).
		SetCommonRetryCondition(shouldRetry).
		SetCommonRetryInterval(retryInterval).
		OnAfterResponse(sleepOnBackoff)

	// The /file endpoint answers with a 302 whose Location is the payload.
	api.GetClient().CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	blob := req.C().
		SetUserAgent(ua).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal).
		SetCommonRetryCount(retryAttempts).
		SetCommonRetryCondition(shouldRetry).
		SetCommonRetryInterval(retryInterval)

	return &Client{api: api, blob: blob}
}

func shouldRetry(resp *req.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusServiceUnavailable
}

func retryInterval(resp *req.Response, attempt int) time.Duration {
	if resp != nil && resp.Response != nil {
		if secs := parseSeconds(resp.Header.Get(retryAfterHeader)); secs > 0 {
			d := time.Duration(secs) * time.Second
			if d > retryMaxInterval {
				return retryMaxInterval
			}
			return d
		}
	}
	if attempt < 1 {
		attempt = 1
	}
	d := retryBaseInterval << (attempt - 1)
	if d > retryMaxInterval {
		return retryMaxInterval
	}
	return d
}

// sleepOnBackoff honors the advisory Backoff header the API may attach to
// otherwise successful responses.
func sleepOnBackoff(_ *req.Client, resp *req.Response) error {
	if resp.Response == nil {
		return nil
	}
	secs := parseSeconds(resp.Header.Get(backoffHeader))
	if secs <= 0 {
		return nil
	}
	slog.Warn("zotero api requested backoff", "seconds", secs)

	ctx := resp.Request.Context()
	timer := time.NewTimer(time.Duration(secs) * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseSeconds(value string) int64 {
	if value == "" {
		return 0
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return secs
}

// lastModified reads the Last-Modified-Version header, falling back when
// the API omits it.
func lastModified(resp *req.Response, fallback int64) int64 {
	if resp == nil || resp.Response == nil {
		return fallback
	}
	v, err := strconv.ParseInt(resp.Header.Get(versionHeader), 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

// writeResult maps a write response to the library version it produced.
func writeResult(op string, resp *req.Response, requestErr error, ifUnmodified int64) (int64, error) {
	if requestErr != nil {
		return 0, errTransport(op, requestErr)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return lastModified(resp, ifUnmodified+1), nil
	case http.StatusNotModified:
		return ifUnmodified, nil
	default:
		return 0, errStatus(op, resp)
	}
}

func transferTimeout(size int64) time.Duration {
	d := time.Duration(size/blobFloorRate+1) * time.Second
	if d < blobMinTimeout {
		return blobMinTimeout
	}
	return d
}

func validKeys(op string, keys []string) error {
	for _, key := range keys {
		if !ValidKey(key) {
			return errValidation(op, "malformed entity key "+strconv.Quote(key))
		}
	}
	return nil
}
