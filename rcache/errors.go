package rcache

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

const errorBodyPrefixSize = 50

var (
	// ErrCancelled is reported when a download is cancelled. It is not a failure and is delivered
	// through [Listener.OnCancel].
	ErrCancelled = errors.New("download cancelled")
	// ErrStopped is reported when a download is halted by a stream consumer.
	ErrStopped = errors.New("download stopped")
)

// HTTPError is returned for responses with non-2xx status codes.
type HTTPError struct {
	StatusCode int
	BodyPrefix string
}

// NewHTTPError reads the first bytes of the body to make the error more descriptive.
// The body is not closed.
func NewHTTPError(statusCode int, body io.Reader) *HTTPError {
	bodyPrefix := make([]byte, errorBodyPrefixSize)
	n, _ := io.ReadFull(body, bodyPrefix)

	return &HTTPError{
		StatusCode: statusCode,
		BodyPrefix: string(bodyPrefix[:n]),
	}
}

func IsSuccessStatusCode(code int) bool {
	return code >= 200 && code <= 299
}

func (err *HTTPError) Error() string {
	return fmt.Sprintf("unexpected response: status code: %d, body prefix: %q", err.StatusCode, err.BodyPrefix)
}

// IsNotFoundError reports whether the origin signaled that the resource is missing.
// Callers may skip retrying such resources.
func IsNotFoundError(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode == http.StatusNotFound || httpErr.StatusCode == http.StatusGone
}
