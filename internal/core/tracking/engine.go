package tracking

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/cache"
	"github.com/beaconbot/beacon/internal/core/engine"
	"github.com/beaconbot/beacon/internal/metrics"
	"github.com/beaconbot/beacon/internal/observability"
)

// ErrPollInFlight is returned by PollNow when the resource is already being
// polled.
var ErrPollInFlight = errors.New("poll already in flight")

// Config tunes the tracking engine. Zero values fall back to defaults.
type Config struct {
	Tick              time.Duration `mapstructure:"tick"`
	Interval          time.Duration `mapstructure:"interval"`
	BusyInterval      time.Duration `mapstructure:"busy_interval"`
	BusySubscribers   int           `mapstructure:"busy_subscribers"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	MaxSendAttempts   int           `mapstructure:"max_send_attempts"`
	SendBackoff       time.Duration `mapstructure:"send_backoff"`
	MaxSendBackoff    time.Duration `mapstructure:"max_send_backoff"`
	FailureEscalation int           `mapstructure:"failure_escalation"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout"`
	MaxItemsPerNotice int           `mapstructure:"max_items_per_notice"`

	// EndpointKey is the limiter key every fetch waits on.
	EndpointKey string `mapstructure:"-"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Tick:              5 * time.Second,
		Interval:          5 * time.Minute,
		BusyInterval:      2 * time.Minute,
		BusySubscribers:   10,
		MaxConcurrent:     4,
		MaxSendAttempts:   3,
		SendBackoff:       time.Second,
		MaxSendBackoff:    30 * time.Second,
		FailureEscalation: 5,
		PollTimeout:       time.Minute,
		MaxItemsPerNotice: 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BusyInterval <= 0 || c.BusyInterval > c.Interval {
		c.BusyInterval = min(d.BusyInterval, c.Interval)
	}
	if c.BusySubscribers <= 0 {
		c.BusySubscribers = d.BusySubscribers
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = d.MaxSendAttempts
	}
	if c.SendBackoff <= 0 {
		c.SendBackoff = d.SendBackoff
	}
	if c.MaxSendBackoff < c.SendBackoff {
		c.MaxSendBackoff = max(d.MaxSendBackoff, c.SendBackoff)
	}
	if c.FailureEscalation <= 0 {
		c.FailureEscalation = d.FailureEscalation
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.MaxItemsPerNotice <= 0 {
		c.MaxItemsPerNotice = d.MaxItemsPerNotice
	}
	return c
}

// resourceState is the engine-owned bookkeeping of one resource.
type resourceState struct {
	marker    core.Marker
	baseline  bool
	lastPoll  time.Time
	notBefore time.Time
	failures  int
	lastErr   string

	// requested marks a resource scheduled ahead of its interval.
	requested bool
}

// ResourceStatus is a read-only view of a tracked resource.
type ResourceStatus struct {
	Resource    string      `json:"resource"`
	Subscribers int         `json:"subscribers"`
	InFlight    bool        `json:"in_flight"`
	Baseline    bool        `json:"baseline"`
	Marker      core.Marker `json:"marker"`
	LastPoll    time.Time   `json:"last_poll,omitzero"`
	NextPoll    time.Time   `json:"next_poll,omitzero"`
	Failures    int         `json:"failures"`
	LastError   string      `json:"last_error,omitempty"`
}

// Engine polls tracked resources and fans out notifications for new items.
type Engine struct {
	cfg      Config
	registry *Registry
	source   Source
	notifier Notifier
	limiter  *engine.RateLimiter
	logger   observability.Logger

	cache   cache.Reader
	markers MarkerStore

	// Clock is used for scheduling decisions.
	Clock func() time.Time

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	purges sync.WaitGroup
	wake   chan struct{}

	mu       sync.Mutex
	states   map[string]*resourceState
	inFlight map[string]struct{}
}

// NewEngine builds an engine.
func NewEngine(cfg Config, registry *Registry, source Source, notifier Notifier, limiter *engine.RateLimiter, logger observability.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		registry: registry,
		source:   source,
		notifier: notifier,
		limiter:  limiter,
		logger:   observability.OrNop(logger),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wake:     make(chan struct{}, 1),
		states:   make(map[string]*resourceState),
		inFlight: make(map[string]struct{}),
	}
}

// SetCache lets the engine detect deleted destination channels before
// sending.
func (e *Engine) SetCache(reader cache.Reader) {
	e.cache = reader
}

// SetMarkerStore enables marker persistence.
func (e *Engine) SetMarkerStore(store MarkerStore) {
	e.markers = store
}

// Registry returns the subscription registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// LoadMarkers seeds markers from the marker store.
func (e *Engine) LoadMarkers(ctx context.Context) error {
	if e.markers == nil {
		return nil
	}
	markers, err := e.markers.LoadMarkers(ctx)
	if err != nil {
		return fmt.Errorf("load markers: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for resource, marker := range markers {
		state := e.stateLocked(resource)
		state.marker = marker
		state.baseline = true
	}
	return nil
}

// Run schedules polls every Tick, or sooner when Schedule asks for one,
// until ctx is cancelled. It then waits for in-flight polls and purges.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	e.logger.Info("Tracking engine started",
		zap.Duration("tick", e.cfg.Tick),
		zap.Duration("interval", e.cfg.Interval),
		zap.Int("max_concurrent", e.cfg.MaxConcurrent))

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.Wait()
			e.logger.Info("Tracking engine stopped")
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		case <-e.wake:
			e.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass and returns how many polls it launched.
// Resources already in flight are skipped.
func (e *Engine) Tick(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	resources := e.registry.Resources()
	e.prune(resources)
	metrics.SetTrackedResources(len(resources))

	launched := 0
	for _, resource := range resources {
		if !e.due(resource) {
			continue
		}
		if !e.sem.TryAcquire(1) {
			break
		}
		if !e.begin(resource) {
			e.sem.Release(1)
			continue
		}

		launched++
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.sem.Release(1)
			defer e.end(resource)

			pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PollTimeout)
			defer cancel()
			_ = e.poll(pollCtx, resource)
		}()
	}
	return launched
}

// Schedule makes resource due on the coordinator's next pass, ahead of its
// interval. A Retry-After hold from the source still applies.
func (e *Engine) Schedule(resource string) {
	e.mu.Lock()
	e.stateLocked(resource).requested = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// PollNow polls resource ignoring its schedule and waits for the outcome.
// It takes a slot of the same concurrency bound as scheduled polls. Once it
// has the slot, the poll runs under PollTimeout and no longer follows ctx.
func (e *Engine) PollNow(ctx context.Context, resource string) error {
	if !e.begin(resource) {
		return fmt.Errorf("%w: %s", ErrPollInFlight, resource)
	}
	defer e.end(resource)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PollTimeout)
	defer cancel()
	return e.poll(pollCtx, resource)
}

// Wait blocks until in-flight polls and subscription purges finish.
func (e *Engine) Wait() {
	e.wg.Wait()
	e.purges.Wait()
}

// Status returns the state of every tracked resource.
func (e *Engine) Status() []ResourceStatus {
	resources := e.registry.Resources()
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ResourceStatus, 0, len(resources))
	for _, resource := range resources {
		subscribers := e.registry.Subscribers(resource)
		status := ResourceStatus{Resource: resource, Subscribers: subscribers}
		if state, ok := e.states[resource]; ok {
			status.Baseline = state.baseline
			status.Marker = state.marker
			status.LastPoll = state.lastPoll
			status.Failures = state.failures
			status.LastError = state.lastErr
			status.NextPoll = e.nextPollLocked(state, subscribers)
		}
		_, status.InFlight = e.inFlight[resource]
		out = append(out, status)
	}
	return out
}

func (e *Engine) due(resource string) bool {
	subscribers := e.registry.Subscribers(resource)
	if subscribers == 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[resource]
	if !ok {
		return true
	}
	return !e.now().Before(e.nextPollLocked(state, subscribers))
}

func (e *Engine) nextPollLocked(state *resourceState, subscribers int) time.Time {
	if state.lastPoll.IsZero() || state.requested {
		return state.notBefore
	}
	interval := e.cfg.Interval
	if subscribers >= e.cfg.BusySubscribers {
		interval = e.cfg.BusyInterval
	}
	next := state.lastPoll.Add(interval)
	if state.notBefore.After(next) {
		next = state.notBefore
	}
	return next
}

// begin marks resource in flight. It reports false when it already was.
func (e *Engine) begin(resource string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[resource]; busy {
		return false
	}
	e.inFlight[resource] = struct{}{}
	if state, ok := e.states[resource]; ok {
		state.requested = false
	}
	return true
}

func (e *Engine) end(resource string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, resource)
}

// prune forgets resources that lost their last subscription, so a later
// subscription starts from a fresh baseline.
func (e *Engine) prune(active []string) {
	e.mu.Lock()
	var stale []string
	for resource := range e.states {
		if _, busy := e.inFlight[resource]; busy {
			continue
		}
		if _, found := slices.BinarySearch(active, resource); !found {
			stale = append(stale, resource)
			delete(e.states, resource)
		}
	}
	e.mu.Unlock()

	if e.markers == nil {
		return
	}
	for _, resource := range stale {
		if err := e.markers.DeleteMarker(context.Background(), resource); err != nil {
			e.logger.Warn("Failed to delete tracking marker", zap.String("resource", resource), zap.Error(err))
		}
	}
}

func (e *Engine) stateLocked(resource string) *resourceState {
	state, ok := e.states[resource]
	if !ok {
		state = &resourceState{}
		e.states[resource] = state
	}
	return state
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now().UTC()
}
