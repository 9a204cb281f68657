package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShoshinNikita/rcache/pkg/metrics"
	"github.com/ShoshinNikita/rcache/pkg/misc"
	"github.com/ShoshinNikita/rcache/pkg/rlog"
	"github.com/ShoshinNikita/rcache/rcache"
)

const (
	chunkSize        = 32 << 10  // 32 KiB
	progressInterval = 256 << 10 // 256 KiB
)

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateSucceeded
	StateNotFound
	StateFailed
	StateCancelled
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateNotFound:
		return "not found"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown state %d", int32(s))
	}
}

func (s State) IsTerminal() bool {
	return s >= StateSucceeded
}

// jobOwner is notified about the job results. It is implemented by [FileCache].
type jobOwner interface {
	downloaderAddedFile(size int64)
	downloaderFinished(job *Job)
}

// Job downloads a single resource into the cache. Listeners get the terminal event only after
// the owner has forgotten about the job, so a new request for the same key never returns
// a finished job.
type Job struct {
	key    string
	path   string
	header http.Header

	transport rcache.Transport
	cache     CacheHandler
	owner     jobOwner
	dispatch  func(func())

	listeners listenerSet

	state     atomic.Int32
	cancelled atomic.Bool
	stopped   atomic.Bool

	ctx       context.Context //nolint:containedctx
	cancelCtx context.CancelFunc

	startTime  time.Time
	finishOnce sync.Once
	doneCh     chan struct{}
}

func newJob(
	key, path string, header http.Header,
	transport rcache.Transport, cache CacheHandler, owner jobOwner, dispatch func(func()),
) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		key:    key,
		path:   path,
		header: header,
		//
		transport: transport,
		cache:     cache,
		owner:     owner,
		dispatch:  dispatch,
		//
		ctx:       ctx,
		cancelCtx: cancel,
		//
		doneCh: make(chan struct{}),
	}
}

func (j *Job) Key() string {
	return j.key
}

// Path returns the destination of the downloaded file.
func (j *Job) Path() string {
	return j.path
}

func (j *Job) State() State {
	return State(j.state.Load())
}

// Done is closed after all listeners received OnEnd.
func (j *Job) Done() <-chan struct{} {
	return j.doneCh
}

// Cancel aborts the job. A job that has not been started yet is finished immediately without
// any network activity. A running job stops at the next chunk boundary and removes the partial
// file. Cancelling a finished job is a no-op.
func (j *Job) Cancel() {
	if !j.cancelled.CompareAndSwap(false, true) {
		return
	}
	j.cancelCtx()

	if j.state.CompareAndSwap(int32(StateCreated), int32(StateCancelled)) {
		j.finish(StateCancelled, "", rcache.ErrCancelled)
	}
}

// Stop halts a running job, but keeps the partially downloaded file and passes it to listeners
// with OnStop. Jobs that haven't been started yet are cancelled instead. Stopping a finished job
// is a no-op.
func (j *Job) Stop() {
	switch state := j.State(); {
	case state.IsTerminal():
		return
	case state != StateRunning:
		j.Cancel()
		return
	}
	if !j.stopped.CompareAndSwap(false, true) {
		return
	}
	j.cancelCtx()
}

func (j *Job) addListener(l rcache.Listener) bool {
	return j.listeners.add(l)
}

func (j *Job) run(ctx context.Context) {
	if !j.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return
	}
	j.startTime = time.Now()

	if err := j.checkpoint(); err != nil {
		// Cancelled right before the start.
		j.finishWithError("", err)
		return
	}

	rlog.Debugf("start download of %q", j.key)

	j.notify(func(l rcache.Listener) {
		l.OnStart(1)
	})

	size, stoppedPath, err := j.download(ctx)
	if err != nil {
		j.finishWithError(stoppedPath, err)
		return
	}

	j.owner.downloaderAddedFile(size)

	metrics.DownloadSizes.Observe(float64(size))
	rlog.Debugf("%q was downloaded in %s, size: %s", j.key, time.Since(j.startTime), misc.FormatFileSize(size))

	j.finish(StateSucceeded, j.path, nil)
}

func (j *Job) abort(err error) {
	if j.cancelled.Load() || errors.Is(err, context.Canceled) {
		err = rcache.ErrCancelled
	}
	j.finishWithError("", err)
}

func (j *Job) finishWithError(path string, err error) {
	switch {
	case errors.Is(err, rcache.ErrCancelled):
		j.finish(StateCancelled, "", err)
	case errors.Is(err, rcache.ErrStopped):
		j.finish(StateStopped, path, err)
	case rcache.IsNotFoundError(err):
		j.finish(StateNotFound, "", err)
	default:
		rlog.Warnf("couldn't download %q: %s", j.key, err)
		j.finish(StateFailed, "", err)
	}
}

// checkpoint returns an error if the job must be halted. Cancellation takes precedence over stop.
func (j *Job) checkpoint() error {
	if j.cancelled.Load() {
		return rcache.ErrCancelled
	}
	if j.stopped.Load() {
		return rcache.ErrStopped
	}
	return nil
}

// download streams the resource into a scratch file and moves it to the destination. In case of
// a stop it returns the path of the partial file.
func (j *Job) download(ctx context.Context) (size int64, stoppedPath string, err error) {
	resp, err := j.transport.Fetch(ctx, j.key, j.header)
	if err != nil {
		if haltErr := j.checkpoint(); haltErr != nil {
			return 0, "", haltErr
		}
		return 0, "", err
	}
	defer func() {
		// Drain a small tail to let the connection be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, chunkSize)
		resp.Body.Close()
	}()

	if err := j.checkpoint(); err != nil {
		return 0, "", err
	}
	if !rcache.IsSuccessStatusCode(resp.StatusCode) {
		return 0, "", rcache.NewHTTPError(resp.StatusCode, resp.Body)
	}

	scratchFile, err := j.cache.AllocateScratchFile()
	if err != nil {
		return 0, "", fmt.Errorf("couldn't allocate scratch file: %w", err)
	}
	scratchPath := scratchFile.Name()

	var (
		closed      bool
		keepScratch bool
	)
	defer func() {
		if !closed {
			scratchFile.Close()
		}
		if keepScratch {
			return
		}
		if err := os.Remove(scratchPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			rlog.Errorf("couldn't remove scratch file %q: %s", scratchPath, err)
		}
	}()

	var (
		buf          = make([]byte, chunkSize)
		downloaded   int64
		lastReported int64
	)
	reportProgress := func() {
		total := resp.ContentLength
		if total < downloaded {
			total = downloaded
		}
		lastReported = downloaded

		done := downloaded
		j.notify(func(l rcache.Listener) {
			l.OnProgress(0, done, total)
		})
	}

	for {
		if err := j.checkpoint(); err != nil {
			if errors.Is(err, rcache.ErrStopped) {
				closed = true
				if closeErr := scratchFile.Close(); closeErr != nil {
					return 0, "", fmt.Errorf("couldn't close scratch file: %w", closeErr)
				}
				keepScratch = true
				return downloaded, scratchPath, err
			}
			return 0, "", err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := scratchFile.Write(buf[:n]); err != nil {
				return 0, "", fmt.Errorf("couldn't write to scratch file: %w", err)
			}
			downloaded += int64(n)

			if downloaded-lastReported >= progressInterval {
				reportProgress()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if j.checkpoint() != nil {
				// Handled at the beginning of the loop.
				continue
			}
			return 0, "", fmt.Errorf("couldn't read response body: %w", readErr)
		}
	}

	if downloaded > lastReported {
		reportProgress()
	}

	closed = true
	if err := scratchFile.Close(); err != nil {
		return 0, "", fmt.Errorf("couldn't close scratch file: %w", err)
	}
	if err := moveFile(scratchPath, j.path); err != nil {
		return 0, "", err
	}
	return downloaded, "", nil
}

func (j *Job) notify(fn func(l rcache.Listener)) {
	listeners := j.listeners.snapshot()
	j.dispatch(func() {
		notify(listeners, fn)
	})
}

// finish is the only place where a job is completed. The owner is notified before the listeners.
func (j *Job) finish(state State, path string, err error) {
	j.finishOnce.Do(func() {
		j.state.Store(int32(state))
		j.cancelCtx()

		j.owner.downloaderFinished(j)

		result := map[State]string{
			StateSucceeded: "success",
			StateNotFound:  "not_found",
			StateFailed:    "fail",
			StateCancelled: "cancel",
			StateStopped:   "stop",
		}[state]
		metrics.DownloadResults.WithLabelValues(result).Inc()
		if !j.startTime.IsZero() {
			metrics.DownloadDuration.Observe(time.Since(j.startTime).Seconds())
		}

		listeners := j.listeners.close()
		j.dispatch(func() {
			defer close(j.doneCh)

			for _, l := range listeners {
				callListener(l, func(l rcache.Listener) {
					switch state {
					case StateSucceeded:
						l.OnSuccess(path)
					case StateNotFound:
						l.OnNotFound()
					case StateStopped:
						l.OnStop(path)
					case StateCancelled:
						l.OnCancel()
					default:
						l.OnFail(err)
					}
				})
				callListener(l, func(l rcache.Listener) {
					l.OnEnd()
				})
			}
		})
	})
}

// moveFile renames src to dst. If the rename fails, for example, because of different devices
// in docker, the content is copied.
func moveFile(src, dst string) error {
	renameErr := os.Rename(src, dst)
	if renameErr == nil {
		return nil
	}

	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("couldn't move %q to %q: rename error: %w, copy error: %w", src, dst, renameErr, err)
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := dstFile.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	_, err = io.Copy(dstFile, srcFile)
	return err
}
