// Package transport provides an HTTP implementation of [rcache.Transport].
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ShoshinNikita/rcache/pkg/metrics"
	"github.com/ShoshinNikita/rcache/rcache"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const acceptEncoding = "zstd, gzip"

var _ rcache.Transport = (*HTTP)(nil)

type HTTP struct {
	httpClient *http.Client
	userAgent  string
}

func NewHTTP(cfg rcache.TransportConfig) *HTTP {
	return &HTTP{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		userAgent: cfg.UserAgent,
	}
}

// Fetch sends a GET request. Bodies encoded with zstd or gzip are decoded transparently,
// the content length of such responses is unknown.
func (h *HTTP) Fetch(ctx context.Context, url string, header http.Header) (*rcache.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("couldn't prepare request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if req.Header.Get("User-Agent") == "" && h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	metrics.TransportResponseTime.Observe(time.Since(start).Seconds())
	metrics.TransportResponseStatuses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if !rcache.IsSuccessStatusCode(resp.StatusCode) {
		defer resp.Body.Close()

		return nil, rcache.NewHTTPError(resp.StatusCode, resp.Body)
	}

	body, decoded, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	res := &rcache.Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          body,
	}
	if decoded {
		res.Header = resp.Header.Clone()
		res.Header.Del("Content-Encoding")
		res.Header.Del("Content-Length")
		res.ContentLength = -1
	}
	return res, nil
}

func decodeBody(resp *http.Response) (body io.ReadCloser, decoded bool, err error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return resp.Body, false, nil

	case "zstd":
		dec, err := zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, false, fmt.Errorf("couldn't create zstd decoder: %w", err)
		}
		return &decodedBody{
			Reader: dec,
			close: func() error {
				dec.Close()
				return resp.Body.Close()
			},
		}, true, nil

	case "gzip":
		dec, err := gzip.NewReader(resp.Body)
		if errors.Is(err, io.EOF) {
			// Empty body.
			return resp.Body, true, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("couldn't create gzip decoder: %w", err)
		}
		return &decodedBody{
			Reader: dec,
			close: func() error {
				return errors.Join(dec.Close(), resp.Body.Close())
			},
		}, true, nil

	default:
		return nil, false, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

type decodedBody struct {
	io.Reader
	close func() error
}

func (b *decodedBody) Close() error {
	return b.close()
}
