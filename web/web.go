package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	pkgPath "path"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ShoshinNikita/rcache/downloader"
	"github.com/ShoshinNikita/rcache/pkg/misc"
	"github.com/ShoshinNikita/rcache/pkg/rlog"
	"github.com/ShoshinNikita/rcache/rcache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type FileCache interface {
	Request(key string, l rcache.Listener) *downloader.Job
	ActiveJobs() int
	ClearCache()
}

type Cache interface {
	Size() int64
	MaxSize() int64
	SetMaxSize(maxSize int64)
}

type Server struct {
	cacheCfg rcache.CacheConfig

	httpServer *http.Server

	fileCache       FileCache
	cache           Cache
	useLargeMaxSize atomic.Bool
}

func NewServer(cfg rcache.Config, fileCache FileCache, cache Cache) (s *Server) {
	s = &Server{
		cacheCfg: cfg.Cache,
		//
		fileCache: fileCache,
		cache:     cache,
	}
	s.useLargeMaxSize.Store(cfg.Cache.UseLargeMaxSize)

	mux := http.NewServeMux()

	// API
	mux.HandleFunc("/api/resource", s.handleResource)
	mux.HandleFunc("/api/cache", s.handleCacheInfo)
	mux.HandleFunc("/api/cache/clear", s.handleClearCache)
	mux.HandleFunc("/api/cache/budget", s.handleBudget)

	// Debug
	mux.Handle("/debug/metrics", promhttp.Handler())

	handler := loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServerPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	rlog.Infof("start web server on %q", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleResource serves the requested resource from the cache, downloading it if needed.
// The download is not cancelled when the client goes away because it can be shared with
// other requests.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeMethodNotAllowedError(w)
		return
	}

	key := strings.TrimSpace(r.FormValue("url"))
	if key == "" {
		writeBadRequestError(w, `"url" can't be empty`)
		return
	}
	// Local files must not be reachable over the network.
	if !isRemoteURL(key) {
		writeBadRequestError(w, `"url" must be an absolute http or https url`)
		return
	}

	l := newResultListener()
	s.fileCache.Request(key, l)

	var res result
	select {
	case res = <-l.resultCh:
	case <-r.Context().Done():
		return
	}

	switch res.state {
	case downloader.StateSucceeded:
		s.serveCachedFile(w, r, key, res.path)

	case downloader.StateNotFound:
		writeError(w, http.StatusNotFound, "resource %q not found", key)

	case downloader.StateFailed:
		writeError(w, http.StatusBadGateway, "couldn't download resource: %s", res.err)

	case downloader.StateStopped:
		if res.path != "" {
			if err := os.Remove(res.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				rlog.Errorf("couldn't remove partial file %q: %s", res.path, err)
			}
		}
		writeError(w, http.StatusServiceUnavailable, "download was stopped")

	default:
		writeError(w, http.StatusServiceUnavailable, "download was cancelled")
	}
}

func (s *Server) serveCachedFile(w http.ResponseWriter, r *http.Request, key, path string) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Removed right after the download.
			writeError(w, http.StatusServiceUnavailable, "cached file was evicted, try again")
			return
		}
		writeInternalServerError(w, "couldn't open cached file: %s", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeInternalServerError(w, "couldn't get file info: %s", err)
		return
	}

	if contentType := mime.TypeByExtension(getExt(key)); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	etag := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	setCacheHeaders(w, s.cacheCfg.RetentionWindow, etag)

	http.ServeContent(w, r, "", info.ModTime(), f)
}

func (s *Server) handleCacheInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowedError(w)
		return
	}
	s.writeCacheInfo(w)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowedError(w)
		return
	}

	s.fileCache.ClearCache()

	s.writeCacheInfo(w)
}

// handleBudget switches the capacity budget between the regular and the large one.
func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowedError(w)
		return
	}

	useLarge, err := strconv.ParseBool(r.FormValue("large"))
	if err != nil {
		writeBadRequestError(w, `invalid "large": %s`, err)
		return
	}

	maxSize := s.cacheCfg.MaxSize
	if useLarge {
		maxSize = s.cacheCfg.LargeMaxSize
	}
	s.useLargeMaxSize.Store(useLarge)
	s.cache.SetMaxSize(maxSize.Bytes())

	rlog.Infof("cache budget was changed to %s", maxSize)

	s.writeCacheInfo(w)
}

func (s *Server) writeCacheInfo(w http.ResponseWriter) {
	size := s.cache.Size()
	maxSize := s.cache.MaxSize()

	resp := CacheInfo{
		Size:                 size,
		HumanReadableSize:    misc.FormatFileSize(size),
		MaxSize:              maxSize,
		HumanReadableMaxSize: misc.FormatFileSize(maxSize),
		UseLargeMaxSize:      s.useLargeMaxSize.Load(),
		ActiveJobs:           s.fileCache.ActiveJobs(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type result struct {
	state downloader.State
	path  string
	err   error
}

// resultListener sends the final result after OnEnd.
type resultListener struct {
	rcache.BaseListener

	res      result
	resultCh chan result
}

func newResultListener() *resultListener {
	return &resultListener{
		resultCh: make(chan result, 1),
	}
}

func (l *resultListener) OnSuccess(path string) {
	l.res = result{state: downloader.StateSucceeded, path: path}
}

func (l *resultListener) OnNotFound() {
	l.res = result{state: downloader.StateNotFound}
}

func (l *resultListener) OnFail(err error) {
	l.res = result{state: downloader.StateFailed, err: err}
}

func (l *resultListener) OnStop(path string) {
	l.res = result{state: downloader.StateStopped, path: path}
}

func (l *resultListener) OnCancel() {
	l.res = result{state: downloader.StateCancelled}
}

func (l *resultListener) OnEnd() {
	l.resultCh <- l.res
}

func isRemoteURL(key string) bool {
	u, err := url.Parse(key)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// getExt returns the extension of a resource, query params are ignored.
func getExt(key string) string {
	if u, err := url.Parse(key); err == nil {
		return pkgPath.Ext(u.Path)
	}
	return pkgPath.Ext(key)
}

func writeBadRequestError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusBadRequest, format, a...)
}

func writeInternalServerError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusInternalServerError, format, a...)
}

func writeMethodNotAllowedError(w http.ResponseWriter) {
	code := http.StatusMethodNotAllowed
	http.Error(w, http.StatusText(code), code)
}

func writeError(w http.ResponseWriter, code int, format string, a ...any) {
	http.Error(w, fmt.Sprintf(format, a...), code)
}
