package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/cache"
	"github.com/beaconbot/beacon/internal/core/engine"
	"github.com/beaconbot/beacon/internal/metrics"
	"github.com/beaconbot/beacon/internal/observability"
)

var (
	errZombie             = fmt.Errorf("%w: heartbeat not acknowledged", core.ErrConnection)
	errReconnectRequested = fmt.Errorf("%w: reconnect requested by gateway", core.ErrConnection)
	errSessionInvalidated = fmt.Errorf("%w: session invalidated", core.ErrConnection)
	errHelloTimeout       = fmt.Errorf("%w: no hello received", core.ErrConnection)
)

const defaultHelloTimeout = 20 * time.Second

// ShardConfig configures a single shard.
type ShardConfig struct {
	ID      int
	Count   int
	Token   string
	Intents int
	URL     string

	// IgnoredEvents are dispatch types dropped before decoding. Their sequence
	// numbers are still tracked for resuming.
	IgnoredEvents map[string]struct{}

	// MaxReconnectAttempts bounds consecutive failed connection attempts before
	// the shard is marked failed. Zero means unlimited.
	MaxReconnectAttempts int
	ReconnectMin         time.Duration
	ReconnectMax         time.Duration

	// IdentifyKey is the rate limiter key shards wait on before identifying.
	IdentifyKey string

	// HelloTimeout bounds the wait for HELLO after dialing. The connection is
	// closed and retried when it passes.
	HelloTimeout time.Duration

	// Presence is sent with IDENTIFY when set.
	Presence *Presence
}

// ShardStatus is a point-in-time view of a shard.
type ShardStatus struct {
	ID         int             `json:"id"`
	State      core.ShardState `json:"state"`
	Sequence   int64           `json:"sequence"`
	Resumable  bool            `json:"resumable"`
	LatencyMS  int64           `json:"latency_ms"`
	Reconnects int             `json:"reconnects"`
	LastError  string          `json:"last_error,omitempty"`
	Since      time.Time       `json:"since"`
}

// Shard owns one gateway connection at a time and reconnects it until the
// context is cancelled or reconnecting is hopeless.
type Shard struct {
	cfg     ShardConfig
	dialer  Dialer
	cache   *cache.Cache
	limiter *engine.RateLimiter
	logger  observability.Logger
	sinks   []core.EventSink

	seq atomic.Int64

	mu         sync.RWMutex
	state      core.ShardState
	since      time.Time
	session    core.Session
	latency    time.Duration
	reconnects int
	lastErr    string
}

// NewShard creates a disconnected shard.
func NewShard(cfg ShardConfig, dialer Dialer, c *cache.Cache, limiter *engine.RateLimiter, logger observability.Logger) *Shard {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = defaultHelloTimeout
	}
	if cfg.IdentifyKey == "" {
		cfg.IdentifyKey = engine.Key(engine.ClassIdentify, "0")
	}
	return &Shard{
		cfg:     cfg,
		dialer:  dialer,
		cache:   c,
		limiter: limiter,
		logger:  observability.OrNop(logger),
		state:   core.ShardDisconnected,
		since:   time.Now().UTC(),
		session: core.Session{ShardID: cfg.ID},
	}
}

// ID returns the shard id.
func (s *Shard) ID() int { return s.cfg.ID }

// Restore seeds the shard with a persisted session so the first connection
// resumes instead of identifying.
func (s *Shard) Restore(session core.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session.ShardID = s.cfg.ID
	s.session = session
	s.seq.Store(session.Sequence)
}

// Session returns the current resume state.
func (s *Shard) Session() core.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session := s.session
	session.Sequence = s.seq.Load()
	return session
}

// State returns the current connection state.
func (s *Shard) State() core.ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status returns a snapshot of the shard.
func (s *Shard) Status() ShardStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq := s.seq.Load()
	return ShardStatus{
		ID:         s.cfg.ID,
		State:      s.state,
		Sequence:   seq,
		Resumable:  s.session.SessionID != "" && seq > 0,
		LatencyMS:  s.latency.Milliseconds(),
		Reconnects: s.reconnects,
		LastError:  s.lastErr,
		Since:      s.since,
	}
}

// Run connects the shard and keeps it connected. It returns nil when ctx is
// cancelled and an error when the shard failed permanently.
func (s *Shard) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectMin
	bo.MaxInterval = s.cfg.ReconnectMax

	attempts := 0
	for {
		connected, err := s.runSession(ctx)
		if ctx.Err() != nil {
			s.setState(core.ShardDisconnected)
			return nil
		}
		if connected {
			attempts = 0
			bo.Reset()
		}

		var closeErr *CloseError
		isClose := errors.As(err, &closeErr)
		if isClose && closeErr.Fatal() {
			s.fail(err)
			return fmt.Errorf("shard %d: %w", s.cfg.ID, err)
		}
		if errors.Is(err, errSessionInvalidated) || errors.Is(err, core.ErrProtocol) ||
			(isClose && closeErr.InvalidatesSession()) {
			s.resetSession(err)
		}

		attempts++
		if s.cfg.MaxReconnectAttempts > 0 && attempts > s.cfg.MaxReconnectAttempts {
			s.fail(err)
			return fmt.Errorf("shard %d: giving up after %d attempts: %w", s.cfg.ID, attempts-1, err)
		}

		delay := bo.NextBackOff()
		mode := "identify"
		if s.Session().Resumable() {
			mode = "resume"
		}
		s.recordReconnect(err)
		metrics.RecordShardReconnect(s.cfg.ID, mode)
		s.logger.Warn("Gateway connection lost",
			zap.Int("shard", s.cfg.ID),
			zap.String("mode", mode),
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		s.setState(core.ShardDisconnected)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

type heartbeatState struct {
	acked  atomic.Bool
	sentAt atomic.Int64
}

// runSession runs one connection. connected reports whether the session
// reached the connected state before it ended.
func (s *Shard) runSession(ctx context.Context) (bool, error) {
	session := s.Session()
	resume := session.Resumable()
	url := s.cfg.URL
	if resume && session.ResumeURL != "" {
		url = session.ResumeURL
	}

	s.setState(core.ShardConnecting)
	conn, err := s.dialer.Dial(ctx, url)
	if err != nil {
		return false, err
	}

	g, gctx := errgroup.WithContext(ctx)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-gctx.Done()
		_ = conn.Close(CloseResumable, "reconnecting")
	}()

	var connected atomic.Bool
	hb := &heartbeatState{}
	hb.acked.Store(true)

	g.Go(func() error {
		interval, err := s.handshake(gctx, conn, session, resume)
		if err != nil {
			return err
		}
		g.Go(func() error { return s.heartbeat(gctx, conn, interval, hb) })
		return s.read(ctx, gctx, conn, hb, &connected)
	})

	err = g.Wait()
	<-closed
	return connected.Load(), err
}

func (s *Shard) handshake(ctx context.Context, conn Conn, session core.Session, resume bool) (time.Duration, error) {
	var timedOut atomic.Bool
	timer := time.AfterFunc(s.cfg.HelloTimeout, func() {
		timedOut.Store(true)
		_ = conn.Close(CloseResumable, "hello timeout")
	})
	frame, err := conn.ReadFrame()
	timer.Stop()
	if timedOut.Load() {
		return 0, fmt.Errorf("%w after %s", errHelloTimeout, s.cfg.HelloTimeout)
	}
	if err != nil {
		return 0, err
	}
	if frame.Op != OpHello {
		return 0, fmt.Errorf("%w: expected hello, got op %d", core.ErrProtocol, frame.Op)
	}
	var hello Hello
	if err := json.Unmarshal(frame.Data, &hello); err != nil || hello.Interval() <= 0 {
		return 0, fmt.Errorf("%w: invalid hello payload", core.ErrProtocol)
	}

	var out *Frame
	if resume {
		s.setState(core.ShardResuming)
		out, err = newFrame(OpResume, Resume{
			Token:     s.cfg.Token,
			SessionID: session.SessionID,
			Seq:       session.Sequence,
		})
	} else {
		s.setState(core.ShardIdentifying)
		if err := s.limiter.Wait(ctx, s.cfg.IdentifyKey); err != nil {
			return 0, err
		}
		s.seq.Store(0)
		out, err = newFrame(OpIdentify, Identify{
			Token:   s.cfg.Token,
			Intents: s.cfg.Intents,
			Shard:   [2]int{s.cfg.ID, s.cfg.Count},
			Properties: IdentifyProperties{
				OS:      runtime.GOOS,
				Browser: "beacon",
				Device:  "beacon",
			},
			Presence: s.cfg.Presence,
		})
	}
	if err != nil {
		return 0, err
	}
	if err := conn.WriteFrame(out); err != nil {
		return 0, err
	}
	return hello.Interval(), nil
}

func (s *Shard) heartbeat(ctx context.Context, conn Conn, interval time.Duration, hb *heartbeatState) error {
	// The first beat is jittered so shards do not beat in lockstep.
	timer := time.NewTimer(time.Duration(rand.Int64N(int64(interval))))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if !hb.acked.Swap(false) {
			return errZombie
		}
		hb.sentAt.Store(time.Now().UnixNano())
		if err := s.sendHeartbeat(conn); err != nil {
			return err
		}
		timer.Reset(interval)
	}
}

func (s *Shard) sendHeartbeat(conn Conn) error {
	var seq any
	if current := s.seq.Load(); current > 0 {
		seq = current
	}
	frame, err := newFrame(OpHeartbeat, seq)
	if err != nil {
		return err
	}
	return conn.WriteFrame(frame)
}

// read processes frames in receive order until the connection ends. Events
// are forwarded to sinks with the shard's parent context so downstream work
// outlives the connection.
func (s *Shard) read(parent, ctx context.Context, conn Conn, hb *heartbeatState, connected *atomic.Bool) error {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		switch frame.Op {
		case OpDispatch:
			if err := s.dispatch(parent, frame, connected); err != nil {
				return err
			}
		case OpHeartbeat:
			if err := s.sendHeartbeat(conn); err != nil {
				return err
			}
		case OpHeartbeatAck:
			hb.acked.Store(true)
			if sent := hb.sentAt.Load(); sent > 0 {
				latency := time.Since(time.Unix(0, sent))
				s.mu.Lock()
				s.latency = latency
				s.mu.Unlock()
				metrics.RecordHeartbeatLatency(s.cfg.ID, latency)
			}
		case OpReconnect:
			return errReconnectRequested
		case OpInvalidSession:
			var resumable bool
			_ = json.Unmarshal(frame.Data, &resumable)
			if resumable {
				return errReconnectRequested
			}
			return errSessionInvalidated
		case OpHello:
		default:
			s.logger.Debug("Ignoring gateway frame",
				zap.Int("shard", s.cfg.ID),
				zap.Int("op", int(frame.Op)))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Shard) dispatch(ctx context.Context, frame *Frame, connected *atomic.Bool) error {
	if frame.Seq == nil {
		return fmt.Errorf("%w: dispatch %s without sequence", core.ErrProtocol, frame.Type)
	}
	seq := *frame.Seq
	fresh := seq > s.seq.Load()
	if fresh {
		s.seq.Store(seq)
	}

	if _, ignored := s.cfg.IgnoredEvents[frame.Type]; ignored {
		return nil
	}

	data, err := DecodeEvent(frame.Type, frame.Data)
	if err != nil {
		return err
	}
	event := core.Event{ShardID: s.cfg.ID, Sequence: seq, Type: frame.Type, Data: data}

	switch frame.Type {
	case EventReady:
		ready := data.(*Ready)
		s.mu.Lock()
		s.session.SessionID = ready.SessionID
		s.session.ResumeURL = ready.ResumeGatewayURL
		s.mu.Unlock()
		connected.Store(true)
		s.setState(core.ShardConnected)
		s.logger.Info("Shard ready",
			zap.Int("shard", s.cfg.ID),
			zap.Int("guilds", len(ready.Guilds)))
	case EventResumed:
		connected.Store(true)
		s.setState(core.ShardConnected)
		s.logger.Info("Shard resumed",
			zap.Int("shard", s.cfg.ID),
			zap.Int64("sequence", seq))
	}

	// Replayed events are reapplied to the cache but not forwarded again.
	if Apply(s.cache, event) {
		metrics.RecordCacheInconsistency(frame.Type)
		s.logger.Debug("Event references an uncached parent",
			zap.Int("shard", s.cfg.ID),
			zap.String("type", frame.Type),
			zap.Error(core.ErrCacheInconsistency))
	}
	metrics.RecordGatewayEvent(s.cfg.ID, frame.Type, !fresh)
	if !fresh {
		return nil
	}
	for _, sink := range s.sinks {
		sink.HandleEvent(ctx, event)
	}
	return nil
}

// resetSession drops the session and purges the shard's guilds from the
// cache; the next identify resynchronizes them.
func (s *Shard) resetSession(cause error) {
	s.mu.Lock()
	s.session = core.Session{ShardID: s.cfg.ID}
	s.mu.Unlock()
	s.seq.Store(0)

	removed := s.cache.RemoveGuilds(func(id core.ID) bool {
		return ShardForGuild(id, s.cfg.Count) == s.cfg.ID
	})
	s.logger.Info("Session reset, purged shard scope",
		zap.Int("shard", s.cfg.ID),
		zap.Int("guilds_removed", removed),
		zap.Error(cause))
}

func (s *Shard) setState(state core.ShardState) {
	s.mu.Lock()
	changed := s.state != state
	if changed {
		s.state = state
		s.since = time.Now().UTC()
	}
	s.mu.Unlock()
	if changed {
		metrics.SetShardState(s.cfg.ID, string(state))
	}
}

func (s *Shard) recordReconnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	if err != nil {
		s.lastErr = err.Error()
	}
}

func (s *Shard) fail(err error) {
	s.mu.Lock()
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
	s.setState(core.ShardFailed)
	s.logger.Error("Shard failed permanently",
		zap.Int("shard", s.cfg.ID),
		zap.Error(err))
}
