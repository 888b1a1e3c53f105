package zotero

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/imroc/req/v3"
)

// Kind buckets API failures so callers can branch without matching on
// status codes or message text.
type Kind string

const (
	KindTransport       Kind = "transport"
	KindRateLimit       Kind = "rate_limit"
	KindPrecondition    Kind = "precondition"
	KindNotFound        Kind = "not_found"
	KindValidation      Kind = "validation"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindAPI             Kind = "api"
)

// Error is the failure type returned by all client operations.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("zotero: %s: %s (%d): %s", e.Op, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("zotero: %s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// IsPrecondition reports whether err is a version conflict (HTTP 412).
func IsPrecondition(err error) bool { return hasKind(err, KindPrecondition) }

// IsNotFound reports whether err is a missing resource (HTTP 404).
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsPayloadTooLarge reports whether err signals a 413, the cue that an
// attachment needs the file upload flow instead of a metadata write.
func IsPayloadTooLarge(err error) bool { return hasKind(err, KindPayloadTooLarge) }

func hasKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func statusKind(status int) Kind {
	switch status {
	case http.StatusPreconditionFailed:
		return KindPrecondition
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusRequestEntityTooLarge:
		return KindPayloadTooLarge
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return KindRateLimit
	default:
		return KindAPI
	}
}

func errTransport(op string, cause error) error {
	return &Error{Kind: KindTransport, Op: op, Message: cause.Error(), cause: cause}
}

func errValidation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

func errStatus(op string, resp *req.Response) error {
	return &Error{
		Kind:    statusKind(resp.StatusCode),
		Op:      op,
		Status:  resp.StatusCode,
		Message: strings.TrimSpace(resp.String()),
	}
}

// apiError folds a transport failure or a non-2xx response into an *Error.
// A nil return means the response is usable.
func apiError(op string, resp *req.Response, requestErr error) error {
	if requestErr != nil {
		return errTransport(op, requestErr)
	}
	if resp.IsErrorState() {
		return errStatus(op, resp)
	}
	return nil
}
