// Package downloader downloads resources into the cache. Concurrent requests for the same key
// share a single download.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ShoshinNikita/rcache/pkg/metrics"
	"github.com/ShoshinNikita/rcache/pkg/rlog"
	"github.com/ShoshinNikita/rcache/rcache"
)

var (
	ErrShutdown = errors.New("file cache is shut down")
	ErrEmptyKey = errors.New("empty key")
)

// CacheHandler stores downloaded files. It is implemented by cache.DiskCache.
type CacheHandler interface {
	Exists(key string) bool
	Resolve(key string) (path string, err error)
	AllocateScratchFile() (*os.File, error)
	FileWasAdded(size int64)
	ClearCache()
}

type Options struct {
	// WorkersCount is the max number of concurrent downloads.
	WorkersCount int
	// Headers are added to every download request.
	Headers http.Header
	// Dispatch is used to call listeners. Functions must be called in the order they were passed.
	// By default listeners are called on the goroutine of a download.
	Dispatch func(func())
}

// FileCache is the entry point for resource requests. It returns cached files immediately
// and downloads the missing ones, at most one download per key.
type FileCache struct {
	cache     CacheHandler
	transport rcache.Transport
	header    http.Header
	dispatch  func(func())

	pool *workerPool

	activeJobs   map[string]*Job
	activeJobsMu sync.Mutex

	stopped atomic.Bool
}

var _ jobOwner = (*FileCache)(nil)

func NewFileCache(cache CacheHandler, transport rcache.Transport, opts Options) *FileCache {
	if opts.Dispatch == nil {
		opts.Dispatch = func(fn func()) { fn() }
	}
	return &FileCache{
		cache:     cache,
		transport: transport,
		header:    opts.Headers.Clone(),
		dispatch:  opts.Dispatch,
		//
		pool: newWorkerPool(opts.WorkersCount),
		//
		activeJobs: make(map[string]*Job),
	}
}

// Request requests a resource by its key. The listener gets the result in any case.
//
// A nil job is returned when the result is already known: the resource is cached or local,
// or it can't be downloaded at all. Otherwise the returned job can be used to cancel or stop
// the download. Note that the job can be shared with other requests.
func (fc *FileCache) Request(key string, l rcache.Listener) *Job {
	if l == nil {
		l = rcache.BaseListener{}
	}

	key = rcache.NormalizeKey(key)
	if key == "" {
		fc.finishImmediately(l, func(l rcache.Listener) { l.OnFail(ErrEmptyKey) })
		return nil
	}
	if fc.stopped.Load() {
		fc.finishImmediately(l, func(l rcache.Listener) { l.OnFail(ErrShutdown) })
		return nil
	}

	if path, ok := rcache.LocalPath(key); ok {
		fc.requestLocalFile(path, l)
		return nil
	}

	job, terminal := fc.getOrCreateJob(key, l)
	if terminal != nil {
		// Listeners are called without the lock to allow new requests from callbacks.
		fc.finishImmediately(l, terminal)
	}
	return job
}

func (fc *FileCache) getOrCreateJob(key string, l rcache.Listener) (*Job, func(l rcache.Listener)) {
	fc.activeJobsMu.Lock()
	defer fc.activeJobsMu.Unlock()

	if job, ok := fc.activeJobs[key]; ok && job.addListener(l) {
		metrics.DownloadsDeduplicated.Inc()
		rlog.Debugf("join active download of %q", key)
		return job, nil
	}

	path, err := fc.cache.Resolve(key)
	if err != nil {
		err = fmt.Errorf("couldn't resolve cache path: %w", err)
		return nil, func(l rcache.Listener) { l.OnFail(err) }
	}
	if fc.cache.Exists(key) {
		return nil, func(l rcache.Listener) { l.OnSuccess(path) }
	}

	job := newJob(key, path, fc.header, fc.transport, fc.cache, fc, fc.dispatch)
	job.addListener(l)

	fc.activeJobs[key] = job
	metrics.DownloadsActive.Inc()

	fc.pool.submit(job.ctx, job)

	return job, nil
}

func (fc *FileCache) requestLocalFile(path string, l rcache.Listener) {
	err := func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%q is not a regular file", path)
		}
		return nil
	}()
	if err != nil {
		fc.finishImmediately(l, func(l rcache.Listener) { l.OnFail(err) })
		return
	}
	fc.finishImmediately(l, func(l rcache.Listener) { l.OnSuccess(path) })
}

func (fc *FileCache) finishImmediately(l rcache.Listener, terminal func(l rcache.Listener)) {
	listeners := []rcache.Listener{l}
	fc.dispatch(func() {
		notify(listeners, terminal)
		notify(listeners, func(l rcache.Listener) { l.OnEnd() })
	})
}

// downloaderFinished removes the job from the registry. The key is removed only if it still
// belongs to the passed job.
func (fc *FileCache) downloaderFinished(job *Job) {
	fc.activeJobsMu.Lock()
	defer fc.activeJobsMu.Unlock()

	if fc.activeJobs[job.key] != job {
		return
	}
	delete(fc.activeJobs, job.key)
	metrics.DownloadsActive.Dec()
}

func (fc *FileCache) downloaderAddedFile(size int64) {
	fc.cache.FileWasAdded(size)
}

// ActiveJobs returns the number of queued and running downloads.
func (fc *FileCache) ActiveJobs() int {
	fc.activeJobsMu.Lock()
	defer fc.activeJobsMu.Unlock()

	return len(fc.activeJobs)
}

// ClearCache cancels all active downloads, waits for them to finish and removes all cached
// files. It must not be called from listener callbacks.
func (fc *FileCache) ClearCache() {
	// A job past its last checkpoint can still move its file into the cache.
	for _, job := range fc.cancelAll() {
		<-job.Done()
	}
	fc.cache.ClearCache()
}

// Shutdown cancels all active downloads and waits for them to finish with respect of
// the passed context. New requests are rejected.
func (fc *FileCache) Shutdown(ctx context.Context) error {
	fc.stopped.Store(true)
	fc.cancelAll()

	return fc.pool.wait(ctx)
}

func (fc *FileCache) cancelAll() (cancelled []*Job) {
	fc.activeJobsMu.Lock()
	jobs := make([]*Job, 0, len(fc.activeJobs))
	for _, job := range fc.activeJobs {
		jobs = append(jobs, job)
	}
	fc.activeJobsMu.Unlock()

	for _, job := range jobs {
		job.Cancel()
	}
	return jobs
}
