package cmd

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShoshinNikita/rcache/rcache"
	"github.com/stretchr/testify/require"
)

func TestSafeShutdown(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	err := safeShutdown(ctx, nil)
	r.NoError(err)

	err = safeShutdown(ctx, (*testShutdowner)(nil))
	r.NoError(err)

	err = safeShutdown(ctx, new(testShutdowner))
	r.EqualError(err, "test")
}

type testShutdowner struct{}

func (*testShutdowner) Shutdown(context.Context) error { return errors.New("test") }

func TestApp(t *testing.T) {
	t.Parallel()

	t.Run("shutdown without prepare", func(t *testing.T) {
		t.Parallel()

		app := NewApp(newTestConfig(t))
		require.NoError(t, app.Shutdown(context.Background()))
	})

	t.Run("fetch", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("hello world"))
		}))
		t.Cleanup(origin.Close)

		cfg := newTestConfig(t)
		app := NewApp(cfg)
		r.NoError(app.Prepare(false))
		r.Nil(app.server)
		t.Cleanup(func() {
			r.NoError(app.Shutdown(context.Background()))
		})

		pathCh := make(chan string, 1)
		app.fileCache.Request(origin.URL+"/file.txt", rcache.ListenerFuncs{
			Success: func(path string) { pathCh <- path },
			Fail:    func(err error) { t.Errorf("unexpected error: %s", err) },
		})

		var path string
		select {
		case path = <-pathCh:
		case <-time.After(5 * time.Second):
			t.Fatal("download wasn't finished")
		}
		r.Equal(filepath.Join(cfg.Dir, "cache"), filepath.Dir(path))

		data, err := os.ReadFile(path)
		r.NoError(err)
		r.Equal("hello world", string(data))

		r.Eventually(func() bool {
			return app.diskCache.Size() == int64(len("hello world"))
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("prepare error", func(t *testing.T) {
		t.Parallel()

		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, nil, 0o600))

		cfg := newTestConfig(t)
		cfg.Dir = filepath.Join(file, "dir")

		app := NewApp(cfg)
		require.Error(t, app.Prepare(false))
		require.NoError(t, app.Shutdown(context.Background()))
	})
}

func newTestConfig(t *testing.T) rcache.Config {
	dir, err := filepath.Abs(t.TempDir())
	require.NoError(t, err)

	return rcache.Config{
		ServerPort: 8080,
		Dir:        dir,
		Cache: rcache.CacheConfig{
			MaxSize:         10,
			LargeMaxSize:    50,
			RetentionWindow: time.Hour,
			CleanupInterval: time.Minute,
		},
		Transport: rcache.TransportConfig{
			UserAgent: "rcache-test",
			Timeout:   5 * time.Second,
		},
		WorkersCount: 2,
		LogLevel:     "info",
	}
}
