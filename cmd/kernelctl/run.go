package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GrayDragon82/lifecycle"
	"github.com/GrayDragon82/lifecycle/internal/admin"
	"github.com/GrayDragon82/lifecycle/internal/manifest"
	"github.com/GrayDragon82/lifecycle/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

type runOptions struct {
	watch bool
	// lifetime bounds the run; zero waits for a signal.
	lifetime time.Duration
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bring up the manifest's components and keep them running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.BoolVarP(&opts.watch, "watch", "w", false, "reconcile the container when the manifest changes")
	flags.DurationVar(&opts.lifetime, "for", 0, "shut down after this long")
	flags.String("admin-addr", "", "serve health, metrics and plans on this address")
	flags.Duration("sweep-interval", lifecycle.DefaultSweepInterval, "delay between expiry sweeps")
	return cmd
}

func (a *app) run(ctx context.Context, opts runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	path, err := a.manifestPath()
	if err != nil {
		return err
	}
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}

	var watcher *manifest.Watcher
	if opts.watch {
		if watcher, err = manifest.NewWatcher(path, a.logger); err != nil {
			return err
		}
		defer watcher.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.NewRecorder(reg)
	if err != nil {
		return err
	}
	c := lifecycle.New(
		lifecycle.WithLogger(a.logger),
		lifecycle.WithSweepInterval(a.cfg.SweepInterval),
		lifecycle.WithListener(recorder),
	)
	reg.MustRegister(metrics.NewStateCollector(c.Registry()))

	reconciler := manifest.NewReconciler(c, a.logger)
	if err := reconciler.Apply(ctx, m); err != nil {
		return err
	}
	if err := c.Initialize(ctx); err != nil {
		a.logger.Warn("initialization incomplete", zap.Strings("failed", keyStrings(lifecycle.FailedKeys(err))), zap.Error(err))
	}
	if err := c.Start(ctx); err != nil {
		a.logger.Warn("start incomplete", zap.Strings("failed", keyStrings(lifecycle.FailedKeys(err))), zap.Error(err))
	}
	a.logger.Info("container running",
		zap.String("manifest", path),
		zap.Int("components", c.Registry().Len()))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.lifetime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.lifetime)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.AdminAddr != "" {
		router := admin.NewRouter(c, reg, a.logger)
		g.Go(func() error {
			return admin.Serve(gctx, a.cfg.AdminAddr, router, a.logger, nil)
		})
	}
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx, reconciler.Apply)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := c.Dispose(shutdownCtx); err != nil {
		a.logger.Warn("shutdown incomplete", zap.Strings("failed", keyStrings(lifecycle.FailedKeys(err))), zap.Error(err))
	}
	return runErr
}

func keyStrings(keys []lifecycle.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}
