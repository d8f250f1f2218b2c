package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/beaconbot/beacon/internal/commands"
	"github.com/beaconbot/beacon/internal/config"
	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/cache"
	"github.com/beaconbot/beacon/internal/core/dispatch"
	"github.com/beaconbot/beacon/internal/core/engine"
	"github.com/beaconbot/beacon/internal/core/gateway"
	"github.com/beaconbot/beacon/internal/core/lookup"
	"github.com/beaconbot/beacon/internal/core/rest"
	"github.com/beaconbot/beacon/internal/core/source"
	"github.com/beaconbot/beacon/internal/core/store"
	"github.com/beaconbot/beacon/internal/core/tracking"
	"github.com/beaconbot/beacon/internal/metrics"
	"github.com/beaconbot/beacon/internal/observability"
	"github.com/beaconbot/beacon/internal/server"
	"github.com/beaconbot/beacon/internal/server/handlers"
)

const maintenanceInterval = 15 * time.Second

// bot owns every long-running component of serve.
type bot struct {
	cfg    *config.Config
	logger observability.Logger

	store      *store.Store
	limiter    *engine.RateLimiter
	cache      *cache.Cache
	rest       *rest.Client
	gateway    *gateway.Manager
	source     *source.HTTPSource
	lookups    *lookup.Cache
	registry   *tracking.Registry
	tracking   *tracking.Engine
	commands   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	server     *server.Server

	started  time.Time
	stopping atomic.Bool

	stopTracking context.CancelFunc
	trackingDone chan struct{}
	stopGateway  context.CancelFunc
	gatewayDone  chan struct{}
	gatewayErr   error
	stopUsage    context.CancelFunc
	usageDone    chan struct{}
	stopMaintain context.CancelFunc

	trackingOnce sync.Once
	gatewayOnce  sync.Once
	dispatchOnce sync.Once
	serverOnce   sync.Once
	storeOnce    sync.Once
}

// newBot opens the store and builds every component. Nothing runs until
// start.
func newBot(ctx context.Context, cfg *config.Config, logger observability.Logger) (b *bot, err error) {
	b = &bot{cfg: cfg, logger: observability.OrNop(logger)}

	b.store, err = store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err != nil {
			_ = b.store.Close()
		}
	}()
	err = b.store.Migrate(ctx)
	metrics.RecordOperation("store_migrate", err == nil)
	if err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	b.limiter = &engine.RateLimiter{}
	b.limiter.ApplyOverrides(cfg.RateLimits)
	b.limiter.ApplySafetyMargin(cfg.RateLimitMargin)

	b.cache = cache.New(cfg.Cache.Partitions)

	b.rest = &rest.Client{
		BaseURL:   cfg.REST.BaseURL,
		Token:     cfg.Gateway.Token,
		HTTP:      &http.Client{Timeout: cfg.REST.Timeout},
		Limiter:   b.limiter,
		UserAgent: cfg.REST.UserAgent,
	}

	if err := b.buildGateway(ctx); err != nil {
		return nil, err
	}
	if err := b.buildTracking(ctx); err != nil {
		return nil, err
	}
	if err := b.buildDispatch(ctx); err != nil {
		return nil, err
	}

	b.gateway.AddSink(b.dispatcher)
	b.gateway.AddSink(b.tracking)

	b.server = server.New(cfg.Server, handlers.StatusProviders{
		Shards:   b.gateway.Shards,
		Tracking: b.tracking.Status,
		Usage:    b.dispatcher.Usage,
		Commands: b.commandNames,
		Cache:    b.cache.Stats,
	})
	return b, nil
}

// buildGateway resolves the gateway URL and shard count, asking the REST API
// for whatever the config leaves unset.
func (b *bot) buildGateway(ctx context.Context) error {
	gw := b.cfg.Gateway
	url, shards, maxConcurrency := gw.URL, gw.Shards, 1

	if url == "" || shards <= 0 {
		info, err := b.rest.GatewayBot(ctx)
		metrics.RecordOperation("gateway_discovery", err == nil)
		if err != nil {
			return fmt.Errorf("discover gateway: %w", err)
		}
		if url == "" {
			url = info.URL
		}
		if shards <= 0 {
			shards = info.Shards
		}
		if info.SessionStartLimit.MaxConcurrency > 0 {
			maxConcurrency = info.SessionStartLimit.MaxConcurrency
		}
		b.logger.Info("Discovered gateway",
			zap.Int("recommended_shards", info.Shards),
			zap.Int("max_concurrency", maxConcurrency),
			zap.Int("session_starts_remaining", info.SessionStartLimit.Remaining))
	}

	presence, err := gw.Presence.Build()
	if err != nil {
		return fmt.Errorf("build presence: %w", err)
	}
	manager, err := gateway.NewManager(gateway.ManagerConfig{
		Token:                gw.Token,
		URL:                  url,
		Intents:              gw.Intents,
		ShardCount:           shards,
		MaxConcurrency:       maxConcurrency,
		IgnoredEvents:        gw.IgnoredEvents,
		MaxReconnectAttempts: gw.MaxReconnectAttempts,
		ReconnectMin:         gw.ReconnectMin,
		ReconnectMax:         gw.ReconnectMax,
		HelloTimeout:         gw.HelloTimeout,
		Presence:             presence,
	}, &gateway.WebsocketDialer{}, b.cache, b.limiter, observability.Component(b.logger, "gateway"))
	if err != nil {
		return fmt.Errorf("create shard manager: %w", err)
	}
	if gw.ResumeSessions {
		manager.SetSessionStore(b.store)
	}
	manager.OnShardFailed = func(shardID int, err error) {
		b.logger.Error("Shard stopped permanently", zap.Int("shard", shardID), zap.Error(err))
	}
	b.gateway = manager
	return nil
}

func (b *bot) buildTracking(ctx context.Context) error {
	src := &source.HTTPSource{
		BaseURL: b.cfg.Source.BaseURL,
		Token:   b.cfg.Source.Token,
		Client:  &http.Client{Timeout: b.cfg.Source.Timeout},
		Limiter: b.limiter,
	}
	b.source = src
	b.lookups = lookup.New(b.store,
		map[string]time.Duration{lookup.KindActivity: b.cfg.Source.LookupTTL},
		observability.Component(b.logger, "lookup"))

	b.registry = tracking.NewRegistry(b.store)
	err := b.registry.Load(ctx)
	metrics.RecordOperation("load_subscriptions", err == nil)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	trackingCfg := b.cfg.Tracking
	trackingCfg.EndpointKey = src.LimitKey()
	b.tracking = tracking.NewEngine(trackingCfg, b.registry, src, b.rest, b.limiter, observability.Component(b.logger, "tracking"))
	b.tracking.SetCache(b.cache)
	b.tracking.SetMarkerStore(b.store)
	if err := b.tracking.LoadMarkers(ctx); err != nil {
		return err
	}
	b.logger.Info("Loaded subscriptions",
		zap.Int("subscriptions", b.registry.Len()),
		zap.Int("resources", len(b.registry.Resources())))
	return nil
}

func (b *bot) buildDispatch(ctx context.Context) error {
	registry, err := commands.NewRegistry(commands.Deps{
		Subscriptions: b.registry,
		Shards:        b.gateway.Shards,
		SchedulePoll:  b.tracking.Schedule,
		Recent:        b.recentActivity,
	})
	if err != nil {
		return fmt.Errorf("build command registry: %w", err)
	}
	b.commands = registry

	b.dispatcher = dispatch.NewDispatcher(registry, b.cache, b.limiter, observability.Component(b.logger, "dispatch"))
	b.dispatcher.Timeout = b.cfg.Dispatch.Timeout
	b.dispatcher.SetResponder(b.rest)
	if err := b.dispatcher.LoadUsage(ctx, b.store); err != nil {
		b.logger.Warn("Failed to load command usage", zap.Error(err))
	}
	return nil
}

func (b *bot) commandNames() []string {
	cmds := b.commands.Commands()
	names := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		names = append(names, cmd.Name)
	}
	return names
}

// start launches the tracking engine, the shards, the usage flusher and the
// maintenance loop. The HTTP server is started by the caller.
func (b *bot) start(ctx context.Context) {
	b.started = time.Now()
	metrics.SetServerStartTime(b.started.Unix())

	base := context.WithoutCancel(ctx)

	var trackingCtx, gatewayCtx, usageCtx, maintainCtx context.Context
	trackingCtx, b.stopTracking = context.WithCancel(base)
	gatewayCtx, b.stopGateway = context.WithCancel(base)
	usageCtx, b.stopUsage = context.WithCancel(base)
	maintainCtx, b.stopMaintain = context.WithCancel(base)

	b.trackingDone = make(chan struct{})
	go func() {
		defer close(b.trackingDone)
		_ = b.tracking.Run(trackingCtx)
	}()

	b.gatewayDone = make(chan struct{})
	go func() {
		defer close(b.gatewayDone)
		b.gatewayErr = b.gateway.Run(gatewayCtx)
	}()

	b.usageDone = make(chan struct{})
	go func() {
		defer close(b.usageDone)
		b.dispatcher.RunUsageFlusher(usageCtx, b.store, b.cfg.Dispatch.UsageFlushInterval)
	}()

	go b.maintain(maintainCtx)
}

// maintain sweeps idle limiter buckets and refreshes process gauges.
func (b *bot) maintain(ctx context.Context) {
	sweepEvery := b.cfg.RateLimitSweep
	if sweepEvery <= 0 {
		sweepEvery = 10 * time.Minute
	}
	gauges := time.NewTicker(maintenanceInterval)
	defer gauges.Stop()
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gauges.C:
			metrics.SetConnectedShards(b.connectedShards())
			metrics.SetServerUptime(int64(time.Since(b.started).Seconds()))
		case <-sweep.C:
			if removed := b.limiter.Sweep(sweepEvery); removed > 0 {
				b.logger.Debug("Swept idle rate limit buckets",
					zap.Int("removed", removed),
					zap.Int("remaining", b.limiter.Len()))
			}
			if removed, err := b.store.PurgeExpiredLookups(ctx); err != nil {
				b.logger.Warn("Failed to purge expired lookups", zap.Error(err))
			} else if removed > 0 {
				b.logger.Debug("Purged expired lookups", zap.Int("removed", removed))
			}
		}
	}
}

// recentActivity fetches the activity of resource for /recent, served from
// the lookup cache while fresh.
func (b *bot) recentActivity(ctx context.Context, resource string) (*tracking.ResourceState, error) {
	return lookup.Get(ctx, b.lookups, lookup.KindActivity, resource, func(ctx context.Context) (*tracking.ResourceState, error) {
		return b.source.Fetch(ctx, resource)
	})
}

func (b *bot) connectedShards() int {
	connected := 0
	for _, shard := range b.gateway.Shards() {
		if shard.State == core.ShardConnected {
			connected++
		}
	}
	return connected
}

// gatewayStopped is closed once every shard returned.
func (b *bot) gatewayStopped() <-chan struct{} {
	return b.gatewayDone
}

// shutdownTracking stops scheduling polls and waits for in-flight polls.
func (b *bot) shutdownTracking(ctx context.Context) (err error) {
	b.stopping.Store(true)
	b.trackingOnce.Do(func() {
		b.logger.Info("Stopping tracking engine...")
		b.stopTracking()
		err = waitFor(ctx, b.trackingDone, "tracking engine")
	})
	return err
}

// shutdownGateway closes every shard; the manager persists resumable
// sessions as each shard returns.
func (b *bot) shutdownGateway(ctx context.Context) (err error) {
	b.stopping.Store(true)
	b.gatewayOnce.Do(func() {
		b.logger.Info("Closing gateway shards...")
		b.stopGateway()
		err = waitFor(ctx, b.gatewayDone, "gateway shards")
		if err == nil && b.gatewayErr != nil && !errors.Is(b.gatewayErr, core.ErrNoShards) {
			err = b.gatewayErr
		}
	})
	return err
}

// shutdownDispatch waits for in-flight commands, then persists usage.
func (b *bot) shutdownDispatch(ctx context.Context) (err error) {
	b.dispatchOnce.Do(func() {
		b.logger.Info("Draining command dispatch...")
		drainCtx := ctx
		if timeout := b.cfg.Dispatch.DrainTimeout; timeout > 0 {
			var cancel context.CancelFunc
			drainCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if waitErr := b.dispatcher.Wait(drainCtx); waitErr != nil {
			b.logger.Warn("Commands still running after drain timeout", zap.Error(waitErr))
		}
		b.stopUsage()
		err = waitFor(ctx, b.usageDone, "usage flusher")
	})
	return err
}

func (b *bot) shutdownServer(ctx context.Context) (err error) {
	b.serverOnce.Do(func() {
		shutdownCtx := ctx
		if timeout := b.cfg.Server.ShutdownTimeout; timeout > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		err = b.server.Shutdown(shutdownCtx)
	})
	return err
}

func (b *bot) closeStore() (err error) {
	b.storeOnce.Do(func() {
		b.stopMaintain()
		err = b.store.Close()
	})
	return err
}

// shutdown runs every stop step in order. Used when the bot stops on its own
// rather than through a signal.
func (b *bot) shutdown(ctx context.Context) error {
	return errors.Join(
		b.shutdownTracking(ctx),
		b.shutdownGateway(ctx),
		b.shutdownDispatch(ctx),
		b.shutdownServer(ctx),
		b.closeStore(),
	)
}

func waitFor(ctx context.Context, done <-chan struct{}, what string) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
	}
}
