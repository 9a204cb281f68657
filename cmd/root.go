package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ShoshinNikita/rcache/downloader"
	"github.com/ShoshinNikita/rcache/pkg/cache"
	"github.com/ShoshinNikita/rcache/pkg/misc"
	"github.com/ShoshinNikita/rcache/pkg/rlog"
	"github.com/ShoshinNikita/rcache/rcache"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// Execute runs the root command with os.Args.
func Execute() error {
	cmd, err := NewRootCommand()
	if err != nil {
		return err
	}
	return cmd.Execute()
}

// NewRootCommand returns the root command. Without a subcommand it starts the server.
func NewRootCommand() (*cobra.Command, error) {
	cfg := rcache.NewConfig()

	rootCmd := &cobra.Command{
		Use:   "rcache",
		Short: "Disk cache for remote resources",
		Long: "rcache downloads remote resources into a local disk cache and serves them over HTTP.\n" +
			"Concurrent requests for the same resource share a single download.",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			rlog.SetLevel(cfg.LogLevel)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
	if err := cfg.RegisterFlags(rootCmd.PersistentFlags()); err != nil {
		return nil, fmt.Errorf("couldn't register flags: %w", err)
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the web server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "fetch <url>...",
			Short: "Download resources into the cache and print their paths",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runFetch(cmd.Context(), cfg, cmd.OutOrStdout(), args)
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove all cached files",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runClear(cmd.Context(), cfg, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print build info",
			Args:  cobra.NoArgs,
			// Config is not needed.
			PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "rcache %s (%s)\n", cfg.BuildInfo.ShortGitHash, cfg.BuildInfo.CommitTime)
			},
		},
	)
	return rootCmd, nil
}

func runServe(ctx context.Context, cfg rcache.Config) (err error) {
	cfg.BuildInfo.Print()
	cfg.Print()

	app := NewApp(cfg)

	// Always shutdown the app to finish active downloads.
	var startFinished <-chan struct{}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		rlog.Info("shutdown")
		if shutdownErr := app.Shutdown(ctx); shutdownErr != nil {
			rlog.Error(shutdownErr)
		}
		if startFinished != nil {
			<-startFinished
		}
	}()

	if err := app.Prepare(true); err != nil {
		return err
	}

	termCtx, termCtxCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer termCtxCancel()

	var startFailed bool
	startFinished = app.Start(func() {
		startFailed = true
		termCtxCancel()
	})

	<-termCtx.Done()

	if startFailed {
		return errors.New("couldn't start app")
	}
	return nil
}

// runFetch downloads all passed resources concurrently. An error is returned if any
// of them can't be downloaded.
func runFetch(ctx context.Context, cfg rcache.Config, out io.Writer, urls []string) (err error) {
	app := NewApp(cfg)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if shutdownErr := app.Shutdown(ctx); shutdownErr != nil {
			rlog.Error(shutdownErr)
		}
	}()

	if err := app.Prepare(false); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		outMu  sync.Mutex
		failed int
		wg     sync.WaitGroup
		jobs   []*downloader.Job
	)
	printf := func(format string, a ...any) {
		outMu.Lock()
		defer outMu.Unlock()

		fmt.Fprintf(out, format, a...)
	}
	fail := func(format string, a ...any) {
		printf(format, a...)

		outMu.Lock()
		failed++
		outMu.Unlock()
	}

	for _, url := range urls {
		wg.Add(1)
		job := app.fileCache.Request(url, rcache.ListenerFuncs{
			Progress: func(_ int, downloaded, total int64) {
				printf("%s: %s\n", url, misc.FormatProgress(downloaded, total))
			},
			Success:  func(path string) { printf("%s: %s\n", url, path) },
			NotFound: func() { fail("%s: not found\n", url) },
			Fail:     func(err error) { fail("%s: %s\n", url, err) },
			Stop:     func(string) { fail("%s: stopped\n", url) },
			Cancel:   func() { fail("%s: cancelled\n", url) },
			End:      wg.Done,
		})
		if job != nil {
			jobs = append(jobs, job)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		for _, job := range jobs {
			job.Cancel()
		}
		<-done
	}

	if failed > 0 {
		return fmt.Errorf("couldn't download %d of %d resource(s)", failed, len(urls))
	}
	return nil
}

func runClear(ctx context.Context, cfg rcache.Config, out io.Writer) error {
	c, err := cache.NewDiskCache(filepath.Join(cfg.Dir, "cache"), cache.Options{
		MaxSize:         cfg.Cache.Budget(),
		RetentionWindow: cfg.Cache.RetentionWindow,
	})
	if err != nil {
		return fmt.Errorf("couldn't open disk cache: %w", err)
	}
	defer c.Shutdown(ctx)

	size := c.Size()
	c.ClearCache()

	fmt.Fprintf(out, "removed %s\n", misc.FormatFileSize(size))
	return nil
}
