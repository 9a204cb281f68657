package cache

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sync/atomic"

	"github.com/ShoshinNikita/rcache/pkg/metrics"
)

// SizeAccountant keeps the running total of cache directory size. The value is approximate:
// it is incremented after every added file and replaced with the real size by [SizeAccountant.Recompute].
type SizeAccountant struct {
	total atomic.Int64
}

func NewSizeAccountant() *SizeAccountant {
	return &SizeAccountant{}
}

// Add adds n bytes and returns the new total.
func (a *SizeAccountant) Add(n int64) int64 {
	total := a.total.Add(n)
	metrics.CacheSize.Set(float64(total))
	return total
}

func (a *SizeAccountant) Load() int64 {
	return a.total.Load()
}

// Recompute walks the directory and replaces the total with the sum of file sizes. The total
// is left unchanged in case of an error.
func (a *SizeAccountant) Recompute(dir string) (int64, error) {
	total, err := dirSize(dir)
	if err != nil {
		return a.Load(), err
	}
	a.total.Store(total)
	metrics.CacheSize.Set(float64(total))
	return total, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Removed after listing.
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}
