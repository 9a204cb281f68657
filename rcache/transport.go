package rcache

import (
	"context"
	"io"
	"net/http"
)

// Transport fetches resources. Implementations should return [*HTTPError] for non-2xx responses
// and close their bodies. Non-2xx responses returned without an error are never cached.
type Transport interface {
	Fetch(ctx context.Context, url string, header http.Header) (*Response, error)
}

type Response struct {
	StatusCode int
	Header     http.Header
	// ContentLength is -1 if the size is unknown.
	ContentLength int64
	Body          io.ReadCloser
}
