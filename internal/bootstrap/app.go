// Package bootstrap loads configuration, builds the logger, and owns the
// lifecycle of the process's long-running components.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// Runner is a long-running component. Run blocks until the context is
// cancelled or the component fails; a returned error stops the whole
// process.
type Runner interface {
	Run(ctx context.Context) error
}

// App holds the process-wide dependencies shared by every runner.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	zl *logging.ZapLogger
}

// NewApp loads the configuration file and builds the logger.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &App{Cfg: cfg, Logger: logger, zl: logger}, nil
}

// Run starts every runner and blocks until the first failure or an
// interrupt. On SIGINT/SIGTERM the shared context is cancelled and each
// runner finishes its own shutdown path before Run returns.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if a.zl != nil {
		defer func() { _ = a.zl.Sync() }()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		r := r
		g.Go(func() error { return r.Run(gctx) })
	}
	a.Logger.Info("Application started", "runners", len(runners))

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err.Error())
		return err
	}
	a.Logger.Info("Application shut down cleanly")
	return nil
}
