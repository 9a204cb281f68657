package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShoshinNikita/rcache/downloader"
	"github.com/ShoshinNikita/rcache/pkg/cache"
	"github.com/ShoshinNikita/rcache/rcache"
	"github.com/ShoshinNikita/rcache/transport"
	"github.com/stretchr/testify/require"
)

func TestServer(t *testing.T) {
	t.Parallel()

	image := bytes.Repeat([]byte{0xff, 0xd8, 0xff}, 100_000)

	var originCalls atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls.Add(1)

		switch r.URL.Path {
		case "/image.jpg":
			w.Write(image)
		case "/broken.jpg":
			http.Error(w, "oops", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	cfg := rcache.Config{
		Cache: rcache.CacheConfig{
			MaxSize:         10,
			LargeMaxSize:    50,
			RetentionWindow: time.Hour,
		},
	}

	diskCache, err := cache.NewDiskCache(t.TempDir(), cache.Options{MaxSize: cfg.Cache.Budget()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, diskCache.Shutdown(context.Background()))
	})

	fileCache := downloader.NewFileCache(
		diskCache,
		transport.NewHTTP(rcache.TransportConfig{Timeout: 10 * time.Second}),
		downloader.Options{WorkersCount: 2},
	)
	t.Cleanup(func() {
		require.NoError(t, fileCache.Shutdown(context.Background()))
	})

	s := NewServer(cfg, fileCache, diskCache)

	server := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(server.Close)

	request := func(t *testing.T, method, path string, query url.Values) (*http.Response, []byte) {
		u := server.URL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(t.Context(), method, u, nil)
		require.NoError(t, err)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, body
	}
	getCacheInfo := func(t *testing.T) (info CacheInfo) {
		resp, body := request(t, http.MethodGet, "/api/cache", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.Unmarshal(body, &info))
		return info
	}

	t.Run("resource", func(t *testing.T) {
		r := require.New(t)

		query := url.Values{"url": {origin.URL + "/image.jpg"}}

		resp, body := request(t, http.MethodGet, "/api/resource", query)
		r.Equal(http.StatusOK, resp.StatusCode)
		r.Equal("image/jpeg", resp.Header.Get("Content-Type"))
		r.Equal("private, max-age=3600", resp.Header.Get("Cache-Control"))
		r.NotEmpty(resp.Header.Get("ETag"))
		r.Equal(image, body)

		callsBefore := originCalls.Load()

		// From cache.
		resp, body = request(t, http.MethodGet, "/api/resource", query)
		r.Equal(http.StatusOK, resp.StatusCode)
		r.Equal(image, body)
		r.Equal(callsBefore, originCalls.Load())

		// Range requests are supported.
		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, server.URL+"/api/resource?"+query.Encode(), nil)
		r.NoError(err)
		req.Header.Set("Range", "bytes=0-2")

		rangeResp, err := http.DefaultClient.Do(req)
		r.NoError(err)
		defer rangeResp.Body.Close()

		rangeBody, err := io.ReadAll(rangeResp.Body)
		r.NoError(err)
		r.Equal(http.StatusPartialContent, rangeResp.StatusCode)
		r.Equal(image[:3], rangeBody)
	})

	t.Run("errors", func(t *testing.T) {
		r := require.New(t)

		resp, _ := request(t, http.MethodGet, "/api/resource", url.Values{"url": {origin.URL + "/missing.jpg"}})
		r.Equal(http.StatusNotFound, resp.StatusCode)

		resp, body := request(t, http.MethodGet, "/api/resource", url.Values{"url": {origin.URL + "/broken.jpg"}})
		r.Equal(http.StatusBadGateway, resp.StatusCode)
		r.Contains(string(body), "oops")

		resp, _ = request(t, http.MethodGet, "/api/resource", nil)
		r.Equal(http.StatusBadRequest, resp.StatusCode)

		resp, _ = request(t, http.MethodPost, "/api/resource", url.Values{"url": {origin.URL + "/image.jpg"}})
		r.Equal(http.StatusMethodNotAllowed, resp.StatusCode)

		resp, _ = request(t, http.MethodGet, "/api/cache/clear", nil)
		r.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("local file", func(t *testing.T) {
		r := require.New(t)

		dir := t.TempDir()
		path := dir + "/note.txt"
		r.NoError(os.WriteFile(path, []byte("secret"), 0o600))

		for _, key := range []string{
			path,
			"file://" + path,
			" " + path,
			"ftp://example.com/note.txt",
			"http:///note.txt",
			"example.com/note.txt",
		} {
			resp, body := request(t, http.MethodGet, "/api/resource", url.Values{"url": {key}})
			r.Equal(http.StatusBadRequest, resp.StatusCode, key)
			r.NotContains(string(body), "secret", key)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		r := require.New(t)

		resp, body := request(t, http.MethodGet, "/debug/metrics", nil)
		r.Equal(http.StatusOK, resp.StatusCode)
		r.Contains(string(body), "rcache_cache_size_bytes")
		r.Contains(string(body), "rcache_downloads_results_total")
	})
}

func TestServer_Cache(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content of " + r.URL.Path))
	}))
	t.Cleanup(origin.Close)

	cfg := rcache.Config{
		Cache: rcache.CacheConfig{
			MaxSize:         10,
			LargeMaxSize:    50,
			RetentionWindow: time.Hour,
		},
	}

	diskCache, err := cache.NewDiskCache(t.TempDir(), cache.Options{MaxSize: cfg.Cache.Budget()})
	r.NoError(err)
	t.Cleanup(func() {
		r.NoError(diskCache.Shutdown(context.Background()))
	})

	fileCache := downloader.NewFileCache(
		diskCache,
		transport.NewHTTP(rcache.TransportConfig{Timeout: 10 * time.Second}),
		downloader.Options{WorkersCount: 1},
	)
	t.Cleanup(func() {
		r.NoError(fileCache.Shutdown(context.Background()))
	})

	s := NewServer(cfg, fileCache, diskCache)

	do := func(method, path string) (CacheInfo, int) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, nil)
		s.httpServer.Handler.ServeHTTP(rec, req)

		var info CacheInfo
		if rec.Code == http.StatusOK && strings.HasPrefix(path, "/api/cache") {
			r.NoError(json.Unmarshal(rec.Body.Bytes(), &info))
		}
		return info, rec.Code
	}

	info, code := do(http.MethodGet, "/api/cache")
	r.Equal(http.StatusOK, code)
	r.Equal(CacheInfo{
		Size:                 0,
		HumanReadableSize:    "0 B",
		MaxSize:              10 << 20,
		HumanReadableMaxSize: "10 MiB",
		UseLargeMaxSize:      false,
		ActiveJobs:           0,
	}, info)

	_, code = do(http.MethodGet, "/api/resource?url="+url.QueryEscape(origin.URL+"/1.txt"))
	r.Equal(http.StatusOK, code)

	info, _ = do(http.MethodGet, "/api/cache")
	r.Equal(int64(len("content of /1.txt")), info.Size)

	// Budget.
	info, code = do(http.MethodPost, "/api/cache/budget?large=true")
	r.Equal(http.StatusOK, code)
	r.True(info.UseLargeMaxSize)
	r.Equal(int64(50<<20), info.MaxSize)
	r.Equal(int64(50<<20), diskCache.MaxSize())

	info, code = do(http.MethodPost, "/api/cache/budget?large=false")
	r.Equal(http.StatusOK, code)
	r.False(info.UseLargeMaxSize)
	r.Equal(int64(10<<20), info.MaxSize)

	_, code = do(http.MethodPost, "/api/cache/budget?large=maybe")
	r.Equal(http.StatusBadRequest, code)

	// Clear.
	info, code = do(http.MethodPost, "/api/cache/clear")
	r.Equal(http.StatusOK, code)
	r.Zero(info.Size)
	r.False(diskCache.Exists(origin.URL + "/1.txt"))
}
