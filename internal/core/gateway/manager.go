package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/cache"
	"github.com/beaconbot/beacon/internal/core/engine"
	"github.com/beaconbot/beacon/internal/observability"
)

const sessionStoreTimeout = 5 * time.Second

// SessionStore persists resume sessions across restarts.
type SessionStore interface {
	LoadSessions(ctx context.Context) ([]core.Session, error)
	SaveSession(ctx context.Context, session core.Session) error
	DeleteSession(ctx context.Context, shardID int) error
}

// ManagerConfig configures the shard manager.
type ManagerConfig struct {
	Token   string
	URL     string
	Intents int

	// ShardCount is the total number of shards M.
	ShardCount int
	// MaxConcurrency is the number of identify buckets the gateway allows.
	MaxConcurrency int

	IgnoredEvents        []string
	MaxReconnectAttempts int
	ReconnectMin         time.Duration
	ReconnectMax         time.Duration
	HelloTimeout         time.Duration

	// Presence is announced by every shard at identify. Optional.
	Presence *Presence
}

// Manager runs all shards of the process.
type Manager struct {
	cfg    ManagerConfig
	shards []*Shard
	sinks  []core.EventSink
	store  SessionStore
	logger observability.Logger

	// OnShardFailed is called when a shard gives up. Siblings keep running.
	OnShardFailed func(shardID int, err error)
}

// NewManager creates one shard per configured shard id.
func NewManager(cfg ManagerConfig, dialer Dialer, c *cache.Cache, limiter *engine.RateLimiter, logger observability.Logger) (*Manager, error) {
	if cfg.ShardCount <= 0 {
		return nil, fmt.Errorf("%w: shard count must be positive", core.ErrValidation)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: gateway url is required", core.ErrValidation)
	}
	if dialer == nil || c == nil {
		return nil, fmt.Errorf("%w: dialer and cache are required", core.ErrValidation)
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}

	ignored := make(map[string]struct{}, len(cfg.IgnoredEvents))
	for _, eventType := range cfg.IgnoredEvents {
		ignored[eventType] = struct{}{}
	}

	m := &Manager{cfg: cfg, logger: observability.OrNop(logger)}
	for id := 0; id < cfg.ShardCount; id++ {
		m.shards = append(m.shards, NewShard(ShardConfig{
			ID:                   id,
			Count:                cfg.ShardCount,
			Token:                cfg.Token,
			Intents:              cfg.Intents,
			URL:                  cfg.URL,
			IgnoredEvents:        ignored,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			ReconnectMin:         cfg.ReconnectMin,
			ReconnectMax:         cfg.ReconnectMax,
			HelloTimeout:         cfg.HelloTimeout,
			Presence:             cfg.Presence,
			IdentifyKey:          engine.Key(engine.ClassIdentify, strconv.Itoa(id%cfg.MaxConcurrency)),
		}, dialer, c, limiter, m.logger))
	}
	return m, nil
}

// AddSink registers a downstream consumer. Sinks must be added before Run.
func (m *Manager) AddSink(sink core.EventSink) {
	m.sinks = append(m.sinks, sink)
}

// SetSessionStore enables session persistence. Must be called before Run.
func (m *Manager) SetSessionStore(store SessionStore) {
	m.store = store
}

// Shards returns the status of every shard.
func (m *Manager) Shards() []ShardStatus {
	out := make([]ShardStatus, 0, len(m.shards))
	for _, sh := range m.shards {
		out = append(out, sh.Status())
	}
	return out
}

// ShardCount returns the number of shards.
func (m *Manager) ShardCount() int { return len(m.shards) }

// Run runs every shard until ctx is cancelled. It returns ErrNoShards when all
// shards failed permanently.
func (m *Manager) Run(ctx context.Context) error {
	m.restoreSessions(ctx)

	m.logger.Info("Starting gateway shards",
		zap.Int("shards", len(m.shards)),
		zap.Int("max_concurrency", m.cfg.MaxConcurrency))

	var failed atomic.Int32
	var g errgroup.Group
	for _, sh := range m.shards {
		sh.sinks = m.sinks
		g.Go(func() error {
			err := sh.Run(ctx)
			m.persistSession(ctx, sh)
			if err != nil {
				failed.Add(1)
				if m.OnShardFailed != nil {
					m.OnShardFailed(sh.ID(), err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if int(failed.Load()) == len(m.shards) {
		return fmt.Errorf("%w: all %d shards failed", core.ErrNoShards, len(m.shards))
	}
	return nil
}

func (m *Manager) restoreSessions(ctx context.Context) {
	if m.store == nil {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, sessionStoreTimeout)
	defer cancel()

	sessions, err := m.store.LoadSessions(loadCtx)
	if err != nil {
		m.logger.Warn("Failed to load resume sessions", zap.Error(err))
		return
	}
	restored := 0
	for _, session := range sessions {
		if session.ShardID < 0 || session.ShardID >= len(m.shards) || !session.Resumable() {
			continue
		}
		m.shards[session.ShardID].Restore(session)
		restored++
	}
	if restored > 0 {
		m.logger.Info("Restored resume sessions", zap.Int("sessions", restored))
	}
}

func (m *Manager) persistSession(ctx context.Context, sh *Shard) {
	if m.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionStoreTimeout)
	defer cancel()

	session := sh.Session()
	var err error
	if session.Resumable() && sh.State() != core.ShardFailed {
		err = m.store.SaveSession(saveCtx, session)
	} else {
		err = m.store.DeleteSession(saveCtx, sh.ID())
	}
	if err != nil {
		m.logger.Warn("Failed to persist resume session",
			zap.Int("shard", sh.ID()),
			zap.Error(err))
	}
}
