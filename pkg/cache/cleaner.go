package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/ShoshinNikita/rcache/pkg/metrics"
	"github.com/ShoshinNikita/rcache/pkg/misc"
	"github.com/ShoshinNikita/rcache/pkg/rlog"
)

type fileInfo struct {
	path    string
	modTime time.Time
	size    int64
}

// startCleanupProcess runs trims one by one: on schedule and on demand. It is the only place
// where trims are executed, so they never overlap.
func (c *DiskCache) startCleanupProcess(interval time.Duration) {
	defer close(c.cleanupProcessFinished)

	var tickerCh <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		tickerCh = ticker.C
	}

	for {
		select {
		case <-tickerCh:
			c.trim(time.Now())

		case <-c.trimCh:
			c.trim(time.Now())
			c.trimScheduled.Store(false)

		case <-c.stopCh:
			return
		}
	}
}

// scheduleTrimIfNeeded schedules a trim if the total size exceeds the budget. Only one trim can be
// scheduled at a time, other calls are no-ops until the scheduled trim is finished.
func (c *DiskCache) scheduleTrimIfNeeded(total int64) {
	if total <= c.MaxSize() {
		return
	}
	if !c.trimScheduled.CompareAndSwap(false, true) {
		return
	}

	rlog.Debugf("cache size %s exceeds the budget %s, schedule trim", misc.FormatFileSize(total), misc.FormatFileSize(c.MaxSize()))

	select {
	case c.trimCh <- struct{}{}:
	default:
	}
}

// trim removes files older than the retention window and then, oldest first, removes files
// until the total size fits the budget. The cache size is always recomputed at the end.
func (c *DiskCache) trim(now time.Time) {
	c.trimMu.Lock()
	defer c.trimMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.CacheTrimDuration.Observe(time.Since(start).Seconds())
	}()

	defer c.recomputeSize()

	rlog.Debugf("start trim")

	allFiles, err := c.loadAllFiles()
	if err != nil {
		logf := rlog.Errorf
		if errors.Is(err, fs.ErrNotExist) {
			logf = rlog.Warnf
		}
		logf("couldn't load files to trim: %s", err)
		return
	}
	if len(allFiles) <= 1 {
		return
	}

	slices.SortFunc(allFiles, func(a, b fileInfo) int {
		return a.modTime.Compare(b.modTime)
	})

	expiredFiles, activeFiles := splitExpiredFiles(allFiles, now.Add(-c.retentionWindow))
	if len(expiredFiles) > 0 {
		removedFiles, cleanedSpace, errs := removeFiles(expiredFiles)
		for _, err := range errs {
			rlog.Error(err)
		}
		metrics.CacheRemovedFiles.WithLabelValues("retention").Add(float64(removedFiles))

		rlog.Infof(
			"%d expired files have been removed from cache for a total of %s freed, got %d errors",
			removedFiles, misc.FormatFileSize(cleanedSpace), len(errs),
		)

		// Files that couldn't be removed still occupy space.
		for _, err := range errs {
			var removeErr *removeFileError
			if errors.As(err, &removeErr) {
				activeFiles = append(activeFiles, removeErr.file)
			}
		}
		slices.SortFunc(activeFiles, func(a, b fileInfo) int {
			return a.modTime.Compare(b.modTime)
		})
	}

	c.recomputeSize()

	filesToRemove := getFilesOverBudget(activeFiles, c.size.Load(), c.MaxSize())
	if len(filesToRemove) == 0 {
		return
	}

	removedFiles, cleanedSpace, errs := removeFiles(filesToRemove)
	for _, err := range errs {
		rlog.Error(err)
	}
	metrics.CacheRemovedFiles.WithLabelValues("capacity").Add(float64(removedFiles))

	rlog.Infof(
		"%d files have been removed from cache to fit the budget %s for a total of %s freed, got %d errors",
		removedFiles, misc.FormatFileSize(c.MaxSize()), misc.FormatFileSize(cleanedSpace), len(errs),
	)
}

func (c *DiskCache) loadAllFiles() (files []fileInfo, err error) {
	err = filepath.WalkDir(c.absDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		files = append(files, fileInfo{
			path:    path,
			modTime: info.ModTime(),
			size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// splitExpiredFiles splits files into the ones modified before minModTime and the others.
// Scratch files of running downloads are never returned, only stale ones are expired.
func splitExpiredFiles(files []fileInfo, minModTime time.Time) (expired, active []fileInfo) {
	for _, file := range files {
		switch {
		case file.modTime.Before(minModTime):
			expired = append(expired, file)
		case isScratchFile(file.path):
			// In progress, skip.
		default:
			active = append(active, file)
		}
	}
	return expired, active
}

// getFilesOverBudget returns the oldest files that must be removed to make the total size
// fit the budget. Files must be sorted by mod time.
func getFilesOverBudget(files []fileInfo, totalSize, maxSize int64) []fileInfo {
	var index int
	for index < len(files) && totalSize > maxSize {
		totalSize -= files[index].size
		index++
	}
	return files[:index]
}

type removeFileError struct {
	file fileInfo
	err  error
}

func (err *removeFileError) Error() string {
	return fmt.Sprintf("couldn't remove file %q from cache: %s", err.file.path, err.err)
}

func (err *removeFileError) Unwrap() error {
	return err.err
}

func removeFiles(files []fileInfo) (removedFiles int, cleanedSpace int64, errs []error) {
	for _, file := range files {
		err := os.Remove(file.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Already removed, for example, renamed by a finished download.
				continue
			}
			errs = append(errs, &removeFileError{file: file, err: err})
			continue
		}
		removedFiles++
		cleanedSpace += file.size
	}
	return removedFiles, cleanedSpace, errs
}
