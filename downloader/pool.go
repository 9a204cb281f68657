package downloader

import (
	"context"
	"fmt"
	"sync"

	"github.com/ShoshinNikita/rcache/pkg/rlog"
	"golang.org/x/sync/semaphore"
)

type task interface {
	run(ctx context.Context)
	// abort is called when the task can't be run or panics.
	abort(err error)
}

// workerPool runs every task in a separate goroutine. The number of concurrently running tasks
// is limited by the semaphore, the other tasks wait for a free slot.
type workerPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newWorkerPool(workersCount int) *workerPool {
	if workersCount <= 0 {
		workersCount = 1
	}
	return &workerPool{
		sem: semaphore.NewWeighted(int64(workersCount)),
	}
}

// submit schedules the task. If ctx is done before a slot is acquired, the task is aborted
// without being run.
func (p *workerPool) submit(ctx context.Context, t task) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			t.abort(err)
			return
		}
		defer p.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				rlog.Errorf("task panicked: %v", r)
				t.abort(fmt.Errorf("panic: %v", r))
			}
		}()

		t.run(ctx)
	}()
}

// wait waits for all submitted tasks with respect of the passed context.
func (p *workerPool) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
