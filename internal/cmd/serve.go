package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/beaconbot/beacon/internal/config"
	"github.com/beaconbot/beacon/internal/core"
	errwrap "github.com/beaconbot/beacon/internal/errors"
	"github.com/beaconbot/beacon/internal/observability"
	"github.com/beaconbot/beacon/internal/server/handlers"
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if err := observability.MetricsReady(); err != nil {
		return errwrap.NewInternalError(err.Error())
	}
	return nil
}

// shardsHealthChecker fails until at least one shard is connected.
type shardsHealthChecker struct {
	b *bot
}

func (s shardsHealthChecker) CheckHealth(ctx context.Context) error {
	if s.b.connectedShards() == 0 {
		return errwrap.NewServiceUnavailableError("no gateway shard connected")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the gateway and run the bot",
	Long: `Connect every gateway shard, dispatch slash commands, poll tracked resources
and serve the status/health HTTP endpoints.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read and validate the config file (restart to apply)

Shutdown stops tracking, closes shards (saving resume sessions), drains
in-flight commands, stops the HTTP server and flushes logs, in that order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateServe(); err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "invalid serve configuration")
		}

		observability.InitServerLogger(config.AppName, observability.ServerOptions{
			Level:     cfg.Logging.Level,
			Profile:   cfg.Logging.Profile,
			Namespace: config.AppName,
		})
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}

		logger.Info("Initializing bot",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("store", cfg.Store.Driver),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", cfg.Metrics.Port))

		b, err := newBot(ctx, cfg, logger)
		if err != nil {
			return errwrap.FromCore(ctx, err, "bot initialization failed")
		}

		handlers.SetAppName(config.AppName)
		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("store", b.store, handlers.GateReady|handlers.GateStartup)
		hm.RegisterChecker("shards", shardsHealthChecker{b: b}, handlers.GateReady)
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{}, 0)
		}

		// Shutdown handlers run LIFO: tracking, shards, dispatch, HTTP
		// server, store, logger.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})
		if cfg.Metrics.Enabled {
			signals.OnShutdown(func(ctx context.Context) error {
				if err := observability.StopMetrics(); err != nil {
					logger.Warn("Failed to stop metrics exporter", zap.Error(err))
				}
				return nil
			})
		}
		signals.OnShutdown(func(ctx context.Context) error {
			if err := b.closeStore(); err != nil {
				return errwrap.WrapDatabaseError(ctx, err, "store close failed")
			}
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			if err := b.shutdownServer(ctx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}
			logger.Info("HTTP server stopped gracefully")
			return nil
		})
		signals.OnShutdown(b.shutdownDispatch)
		signals.OnShutdown(b.shutdownGateway)
		signals.OnShutdown(b.shutdownTracking)

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: attempting config reload")

			if err := viper.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if errors.As(err, &notFound) {
					logger.Info("No config file found - using defaults and environment variables")
					return nil
				}
				logger.Error("Failed to reload config file",
					zap.String("file", viper.ConfigFileUsed()),
					zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			if _, err := config.Load(viper.GetViper()); err != nil {
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			// Running components keep their settings; changes apply on restart.
			logger.Info("Configuration reloaded and validated",
				zap.String("file", viper.ConfigFileUsed()))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		b.start(ctx)

		errChan := make(chan error, 2)
		go func() {
			if err := b.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(ctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
				return
			}
			errChan <- nil
		}()

		gatewayStopped := b.gatewayStopped()
		for {
			select {
			case err := <-errChan:
				if err != nil {
					_ = b.shutdown(context.Background())
					return errwrap.WrapInternal(ctx, err, "server error")
				}
				return nil
			case <-gatewayStopped:
				if b.stopping.Load() {
					// Closed by the shutdown handlers; wait for Listen.
					gatewayStopped = nil
					continue
				}
				// Every shard gave up; stop the rest of the bot.
				logger.Error("Gateway stopped, shutting down", zap.Error(b.gatewayErr))
				shutdownErr := b.shutdown(context.Background())
				_ = logger.Sync()
				if b.gatewayErr != nil {
					return errwrap.FromCore(ctx, b.gatewayErr, "gateway stopped")
				}
				if shutdownErr != nil {
					return errwrap.WrapInternal(ctx, shutdownErr, "shutdown failed")
				}
				return errwrap.FromCore(ctx, core.ErrNoShards, "gateway stopped")
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "status server host (default from config)")
	serveCmd.Flags().IntP("port", "p", 0, "status server port (default from config)")
	serveCmd.Flags().String("token", "", "bot token (prefer "+config.EnvPrefix+"_GATEWAY_TOKEN)")
	serveCmd.Flags().Int("shards", 0, "shard count (0 uses the recommended count)")

	bindFlag := func(key, flag string) {
		_ = viper.BindPFlag(key, serveCmd.Flags().Lookup(flag))
	}
	bindFlag("server.host", "host")
	bindFlag("server.port", "port")
	bindFlag("gateway.token", "token")
	bindFlag("gateway.shards", "shards")
}
