package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/ShoshinNikita/rcache/downloader"
	"github.com/ShoshinNikita/rcache/pkg/cache"
	"github.com/ShoshinNikita/rcache/pkg/rlog"
	"github.com/ShoshinNikita/rcache/rcache"
	"github.com/ShoshinNikita/rcache/transport"
	"github.com/ShoshinNikita/rcache/web"
)

type App struct {
	cfg rcache.Config

	diskCache *cache.DiskCache
	fileCache *downloader.FileCache

	server *web.Server
}

func NewApp(cfg rcache.Config) *App {
	return &App{
		cfg: cfg,
	}
}

// Prepare initializes all components. The web server is created only if withServer is true.
func (app *App) Prepare(withServer bool) (err error) {
	if err := os.MkdirAll(app.cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("couldn't create app data dir %q: %w", app.cfg.Dir, err)
	}

	// Cache
	app.diskCache, err = cache.NewDiskCache(
		filepath.Join(app.cfg.Dir, "cache"), cache.Options{
			MaxSize:         app.cfg.Cache.Budget(),
			RetentionWindow: app.cfg.Cache.RetentionWindow,
			CleanupInterval: app.cfg.Cache.CleanupInterval,
		},
	)
	if err != nil {
		return fmt.Errorf("couldn't prepare disk cache: %w", err)
	}

	// Downloader
	app.fileCache = downloader.NewFileCache(
		app.diskCache,
		transport.NewHTTP(app.cfg.Transport),
		downloader.Options{
			WorkersCount: app.cfg.WorkersCount,
		},
	)

	// Web Server
	if withServer {
		app.server = web.NewServer(app.cfg, app.fileCache, app.diskCache)
	}

	return nil
}

func (app *App) Start(onError func()) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		var wg sync.WaitGroup
		for name, s := range map[string]interface{ Start() error }{
			"web server": app.server,
		} {
			wg.Add(1)
			go func() {
				defer wg.Done()

				if err := s.Start(); err != nil {
					rlog.Errorf("%s error: %s", name, err)
					onError()
				}
			}()
		}
		wg.Wait()

		close(done)
	}()

	return done
}

// Shutdown shutdowns all components. It is safe to call this method even if Prepare has failed.
func (app *App) Shutdown(ctx context.Context) error {
	var failed int
	for _, v := range []struct {
		name string
		s    shutdowner
	}{
		{"web server", app.server},
		{"file cache", app.fileCache},
		{"disk cache", app.diskCache},
	} {
		err := safeShutdown(ctx, v.s)
		if err != nil {
			failed++
			rlog.Errorf("couldn't gracefully shutdown %s: %s", v.name, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("couldn't gracefully shutdown %d component(s), see logs for more info", failed)
	}
	return nil
}

type shutdowner interface {
	Shutdown(context.Context) error
}

// safeShutdown calls Shutdown method only on initialized components.
func safeShutdown(ctx context.Context, s shutdowner) error {
	v := reflect.ValueOf(s)
	if !v.IsValid() || v.IsNil() {
		return nil
	}
	return s.Shutdown(ctx)
}
