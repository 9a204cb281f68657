package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShoshinNikita/rcache/pkg/metrics"
	"github.com/ShoshinNikita/rcache/pkg/misc"
	"github.com/ShoshinNikita/rcache/pkg/rlog"
	"github.com/ShoshinNikita/rcache/rcache"
	"lukechampine.com/blake3"
)

const (
	cacheFileExt   = ".cache"
	scratchFileExt = ".part"

	DefaultRetentionWindow = 6 * time.Hour

	maxScratchFileAttempts = 10
)

type Options struct {
	// MaxSize is the capacity budget in bytes.
	MaxSize int64
	// RetentionWindow is the max age of cached files. Default is [DefaultRetentionWindow].
	RetentionWindow time.Duration
	// CleanupInterval defines how often the cache size is recomputed and the cache is trimmed.
	// Zero disables periodic cleanups, trims are still triggered by [DiskCache.FileWasAdded].
	CleanupInterval time.Duration
	// Accountant is optional, by default every cache has its own one.
	Accountant *SizeAccountant
}

// DiskCache owns the cache directory. It maps keys to files, tracks the total size of the
// cached files and removes old files when the total size exceeds the budget.
//
// Cached files are never touched on read, so files are evicted in order of their creation,
// not usage.
type DiskCache struct {
	absDir          string
	maxSize         atomic.Int64
	retentionWindow time.Duration

	size           *SizeAccountant
	scratchCounter atomic.Uint64

	// trimMu serializes trims and cache clears.
	trimMu        sync.Mutex
	trimScheduled atomic.Bool
	trimCh        chan struct{}

	stopOnce               sync.Once
	stopCh                 chan struct{}
	cleanupProcessFinished chan struct{}
}

// NewDiskCache creates the cache directory, computes the current cache size and starts
// the cleanup process. The returned error is always a filesystem failure.
func NewDiskCache(dir string, opts Options) (*DiskCache, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("couldn't get absolute path: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o700); err != nil {
		return nil, fmt.Errorf("couldn't create cache dir %q: %w", absDir, err)
	}

	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = DefaultRetentionWindow
	}
	if opts.Accountant == nil {
		opts.Accountant = NewSizeAccountant()
	}

	c := &DiskCache{
		absDir:          absDir,
		retentionWindow: opts.RetentionWindow,
		size:            opts.Accountant,
		//
		trimCh: make(chan struct{}, 1),
		//
		stopCh:                 make(chan struct{}),
		cleanupProcessFinished: make(chan struct{}),
	}
	c.maxSize.Store(opts.MaxSize)

	if _, err := c.size.Recompute(absDir); err != nil {
		return nil, fmt.Errorf("couldn't compute cache size: %w", err)
	}

	go c.startCleanupProcess(opts.CleanupInterval)

	c.scheduleTrimIfNeeded(c.size.Load())

	return c, nil
}

func (c *DiskCache) Dir() string {
	return c.absDir
}

// Exists reports whether there is a cached file for the key. It has no side effects.
func (c *DiskCache) Exists(key string) bool {
	info, err := os.Stat(c.generateFilepath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			metrics.CacheMisses.Inc()
			return false
		}

		metrics.CacheErrors.Inc()
		rlog.Warnf("couldn't check cached file for %q: %s", key, err)
		return false
	}
	if !info.Mode().IsRegular() {
		metrics.CacheErrors.Inc()
		return false
	}

	metrics.CacheHits.Inc()
	return true
}

// Resolve returns the absolute path of the cache file associated with the passed key.
// It creates the cache directory if needed, but not the file itself.
func (c *DiskCache) Resolve(key string) (path string, err error) {
	if err := os.MkdirAll(c.absDir, 0o700); err != nil {
		return "", fmt.Errorf("couldn't create dir %q: %w", c.absDir, err)
	}
	return c.generateFilepath(key), nil
}

// AllocateScratchFile creates a new empty file in the cache directory. The caller must
// either rename it onto a path returned by [DiskCache.Resolve] or remove it.
func (c *DiskCache) AllocateScratchFile() (*os.File, error) {
	if err := os.MkdirAll(c.absDir, 0o700); err != nil {
		return nil, fmt.Errorf("couldn't create dir %q: %w", c.absDir, err)
	}

	for range maxScratchFileAttempts {
		token := strconv.FormatInt(time.Now().UnixNano(), 36) + "_" + strconv.FormatUint(c.scratchCounter.Add(1), 36)
		path := filepath.Join(c.absDir, token+scratchFileExt)

		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return nil, fmt.Errorf("couldn't create scratch file %q: %w", path, err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("couldn't find unused scratch file name after %d attempts", maxScratchFileAttempts)
}

// FileWasAdded must be called after a new file of the passed size was added to the cache.
// It schedules a trim if the total size exceeds the budget.
func (c *DiskCache) FileWasAdded(size int64) {
	total := c.size.Add(size)
	c.scheduleTrimIfNeeded(total)
}

// Size returns the approximate total size of the cached files.
func (c *DiskCache) Size() int64 {
	return c.size.Load()
}

func (c *DiskCache) MaxSize() int64 {
	return c.maxSize.Load()
}

// SetMaxSize changes the capacity budget. A trim is scheduled if the current size exceeds
// the new budget.
func (c *DiskCache) SetMaxSize(maxSize int64) {
	c.maxSize.Store(maxSize)
	c.scheduleTrimIfNeeded(c.size.Load())
}

// ClearCache synchronously removes all files in the cache directory. Errors are only logged.
func (c *DiskCache) ClearCache() {
	c.trimMu.Lock()
	defer c.trimMu.Unlock()

	defer c.recomputeSize()

	files, err := c.loadAllFiles()
	if err != nil {
		rlog.Errorf("couldn't load files to clear: %s", err)
		return
	}

	removedFiles, cleanedSpace, errs := removeFiles(files)
	for _, err := range errs {
		rlog.Error(err)
	}
	metrics.CacheRemovedFiles.WithLabelValues("clear").Add(float64(removedFiles))

	rlog.Infof(
		"cache was cleared: %d files were removed for a total of %s freed, got %d errors",
		removedFiles, misc.FormatFileSize(cleanedSpace), len(errs),
	)
}

// Shutdown stops the cleanup process and waits for the running trim to finish. It can be called
// multiple times.
func (c *DiskCache) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.cleanupProcessFinished:
		return nil
	}
}

func (c *DiskCache) recomputeSize() {
	if _, err := c.size.Recompute(c.absDir); err != nil {
		rlog.Errorf("couldn't recompute cache size: %s", err)
	}
}

// generateFilepath generates a filepath of pattern '<dir>/<hash of the normalized key>.cache'.
func (c *DiskCache) generateFilepath(key string) string {
	hash := blake3.Sum256([]byte(rcache.NormalizeKey(key)))
	filename := hex.EncodeToString(hash[:16]) + cacheFileExt

	return filepath.Join(c.absDir, filename)
}

func isScratchFile(path string) bool {
	return filepath.Ext(path) == scratchFileExt
}
