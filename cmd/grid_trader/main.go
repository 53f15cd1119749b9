package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"grid_trader/internal/alert"
	"grid_trader/internal/bootstrap"
	"grid_trader/internal/engine"
	"grid_trader/internal/exchange"
	"grid_trader/internal/infrastructure/admin"
	"grid_trader/internal/infrastructure/health"
	"grid_trader/internal/infrastructure/metrics"
	"grid_trader/internal/store"
	"grid_trader/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/grid_trader.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("grid_trader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	cfg, logger := app.Cfg, app.Logger

	logger.Info("Starting grid_trader",
		"version", version,
		"exchange", cfg.App.Exchange,
		"symbol", cfg.Grid.Symbol,
		"store", cfg.Store.Backend,
	)

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("grid_trader", version)
		if err != nil {
			logger.Warn("Telemetry setup failed, continuing without exporters", "error", err.Error())
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Telemetry shutdown failed", "error", err.Error())
				}
			}()
		}
	}

	exch, err := exchange.NewExchange(cfg.App.Exchange, cfg, logger)
	if err != nil {
		logger.Error("Failed to create exchange", "error", err.Error())
		os.Exit(1)
	}
	healthCtx, healthCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := exch.CheckHealth(healthCtx); err != nil {
		logger.Warn("Exchange health check failed, continuing", "error", err.Error())
	} else {
		logger.Info("Exchange health check passed", "exchange", exch.GetName())
	}
	healthCancel()

	st, err := store.New(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		logger.Error("Failed to open snapshot store", "error", err.Error())
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Store close failed", "error", err.Error())
		}
	}()

	alerts := alert.NewAlertManager(logger)
	if url := cfg.Alerts.Slack.WebhookURL.Reveal(); url != "" {
		alerts.AddChannel(alert.NewSlackChannel(url))
	}
	if token := cfg.Alerts.Telegram.BotToken.Reveal(); token != "" {
		alerts.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.Telegram.ChatID))
	}
	defer alerts.Flush()

	eng := engine.New(cfg, exch, st, alerts, logger)

	hm := health.NewManager(logger)
	hm.Register("exchange", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return exch.CheckHealth(ctx)
	})
	hm.Register("engine", func() error {
		s := eng.Status()
		if s == nil {
			return fmt.Errorf("engine not started")
		}
		return nil
	})

	runners := []bootstrap.Runner{eng}
	if cfg.Telemetry.EnableMetrics {
		runners = append(runners, metrics.NewServer(cfg.Telemetry.MetricsPort, logger))
	}
	if cfg.Admin.Enabled {
		runners = append(runners, admin.NewServer(cfg.Admin.Port, cfg, eng, hm, logger))
	}

	if err := app.Run(runners...); err != nil {
		logger.Error("grid_trader exited with error", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("grid_trader stopped")
}
