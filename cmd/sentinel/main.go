package main

import (
	"context"
	"flag"
	"os"
	"time"

	"cart_sentinel/internal/alert"
	"cart_sentinel/internal/bootstrap"
	"cart_sentinel/internal/engine"
	"cart_sentinel/internal/events"
	"cart_sentinel/internal/infrastructure/health"
	"cart_sentinel/internal/infrastructure/metrics"
	"cart_sentinel/internal/keeper"
	"cart_sentinel/internal/registry"
	"cart_sentinel/internal/server"
	"cart_sentinel/internal/session"
	"cart_sentinel/internal/store"
	"cart_sentinel/internal/upstream"
	"cart_sentinel/internal/watcher"
	"cart_sentinel/pkg/concurrency"
	"cart_sentinel/pkg/telemetry"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	tel, err := telemetry.Setup("cart_sentinel")
	if err != nil {
		os.Stderr.WriteString("telemetry setup failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(shutdownCtx)
	}()

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		os.Stderr.WriteString("bootstrap failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	cfg, logger := app.Cfg, app.Logger

	logger.Info("Starting cart sentinel",
		"upstream", cfg.Upstream.BaseURL,
		"store", cfg.Store.Backend)

	snapshots, err := store.New(cfg.Store)
	if err != nil {
		logger.Fatal("Failed to open snapshot store", "error", err)
	}
	defer snapshots.Close()

	alertPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "AlertPool",
		MaxWorkers:  4,
		MaxCapacity: 256,
		NonBlocking: true,
	}, logger)
	defer alertPool.Stop()

	notifier := alert.NewManager(alertPool, logger)
	if cfg.Alert.DiscordWebhook != "" {
		notifier.AddChannel(alert.NewDiscordChannel(
			string(cfg.Alert.DiscordWebhook), cfg.Alert.Mention, cfg.Alert.CheckoutURL))
	}

	hub := events.NewHub(logger)
	notifier.AddChannel(events.NewHubChannel(hub))
	stream := events.NewStream(hub, cfg.Server.AllowedOrigins, logger)

	upstreamClient := upstream.NewClient(cfg.Upstream, logger)
	authenticator := upstream.NewAuthenticator(cfg.Upstream, logger)

	reg := registry.NewRegistry(snapshots, logger)
	sess := session.NewManager(authenticator, notifier, snapshots, cfg.Session, logger)
	keep := keeper.NewKeeper(upstreamClient, sess, notifier, snapshots, cfg.Keeper, logger)
	watch := watcher.NewWatcher(reg, upstreamClient, sess, keep, notifier, cfg.Watcher, logger)

	hm := health.NewHealthManager(logger)
	eng := engine.New(cfg, snapshots, upstreamClient, notifier, reg, sess, watch, keep, hm, logger)

	api := server.NewServer(eng, stream, cfg.Server, logger)

	var metricsSrv *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	}

	err = app.Run(
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			hub.Run(ctx)
			return nil
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			if err := eng.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return eng.Stop()
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			if err := api.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return api.Stop(stopCtx)
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			if metricsSrv == nil {
				<-ctx.Done()
				return nil
			}
			metricsSrv.Start()
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Stop(stopCtx)
		}),
	)
	if err != nil {
		logger.Error("Shutdown finished with error", "error", err)
		os.Exit(1)
	}
}
