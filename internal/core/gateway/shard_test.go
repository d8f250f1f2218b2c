package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/cache"
	"github.com/beaconbot/beacon/internal/core/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testShardConfig() ShardConfig {
	return ShardConfig{
		ID:           0,
		Count:        1,
		Token:        "token",
		URL:          "wss://gateway.test",
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 10 * time.Millisecond,
	}
}

func startShard(t *testing.T, shard *Shard) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- shard.Run(ctx) }()
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("shard did not stop")
		return nil
	}
}

func TestShardResumeReplaysWithoutDuplicates(t *testing.T) {
	c := cache.New(4)
	dialer := newFakeDialer()
	sink := &recordingSink{}
	shard := NewShard(testShardConfig(), dialer, c, nil, zap.NewNop())
	shard.sinks = []core.EventSink{sink}

	conn1 := dialer.next()
	cancel, done := startShard(t, shard)

	conn1.hello(t, time.Hour)
	conn1.expect(t, OpIdentify)
	conn1.dispatch(t, 1, EventReady, map[string]any{
		"session_id":         "s1",
		"resume_gateway_url": "wss://resume.test",
		"guilds":             []map[string]any{{"id": "1", "unavailable": true}},
	})
	conn1.dispatch(t, 2, EventGuildCreate, guildPayload(1, channelPayload(10, 1, "general")))
	conn1.dispatch(t, 3, EventChannelCreate, channelPayload(11, 1, "a"))
	conn1.dispatch(t, 4, EventChannelUpdate, channelPayload(11, 1, "b"))

	require.Eventually(t, func() bool { return len(sink.sequences()) == 4 }, testTimeout, 5*time.Millisecond)
	require.Equal(t, core.ShardConnected, shard.State())

	conn2 := dialer.next()
	conn1.drop(fmt.Errorf("%w: connection reset", core.ErrConnection))

	conn2.hello(t, time.Hour)
	resume := decodeResume(t, conn2.expect(t, OpResume))
	require.Equal(t, "s1", resume.SessionID)
	require.Equal(t, int64(4), resume.Seq)
	require.Equal(t, "wss://resume.test", conn2.url)

	// The gateway replays from an earlier point than requested.
	conn2.dispatch(t, 3, EventChannelCreate, channelPayload(11, 1, "a"))
	conn2.dispatch(t, 4, EventChannelUpdate, channelPayload(11, 1, "b"))
	conn2.dispatch(t, 5, EventChannelDelete, channelPayload(10, 1, "general"))
	conn2.dispatch(t, 6, EventResumed, map[string]any{})

	require.Eventually(t, func() bool { return len(sink.sequences()) == 6 }, testTimeout, 5*time.Millisecond)
	require.Equal(t, []int64{1, 2, 3, 4, 5, 6}, sink.sequences())
	require.Equal(t, core.ShardConnected, shard.State())

	_, ok := c.Channel(10)
	require.False(t, ok)
	channel, ok := c.Channel(11)
	require.True(t, ok)
	require.Equal(t, "b", channel.Name)
	_, ok = c.Guild(1)
	require.True(t, ok)

	cancel()
	require.NoError(t, waitDone(t, done))
	require.Equal(t, CloseResumable, conn2.closeCode)
	require.Equal(t, core.ShardDisconnected, shard.State())

	status := shard.Status()
	require.Equal(t, int64(6), status.Sequence)
	require.True(t, status.Resumable)
	require.Equal(t, 1, status.Reconnects)
}

func TestShardInvalidSessionPurgesScopeAndIdentifies(t *testing.T) {
	c := cache.New(4)
	dialer := newFakeDialer()
	shard := NewShard(testShardConfig(), dialer, c, nil, zap.NewNop())

	conn1 := dialer.next()
	cancel, done := startShard(t, shard)
	defer func() {
		cancel()
		require.NoError(t, waitDone(t, done))
	}()

	conn1.hello(t, time.Hour)
	conn1.expect(t, OpIdentify)
	conn1.dispatch(t, 1, EventReady, map[string]any{"session_id": "s1"})
	conn1.dispatch(t, 2, EventGuildCreate, guildPayload(1, channelPayload(10, 1, "general")))
	require.Eventually(t, func() bool {
		_, ok := c.Channel(10)
		return ok
	}, testTimeout, 5*time.Millisecond)

	conn2 := dialer.next()
	conn1.send(t, mustFrame(t, OpInvalidSession, false))

	conn2.hello(t, time.Hour)
	conn2.expect(t, OpIdentify)
	require.Equal(t, "wss://gateway.test", conn2.url)

	_, ok := c.Guild(1)
	require.False(t, ok)
	_, ok = c.Channel(10)
	require.False(t, ok)
	require.False(t, shard.Session().Resumable())
}

func TestShardFatalCloseMarksFailed(t *testing.T) {
	dialer := newFakeDialer()
	shard := NewShard(testShardConfig(), dialer, cache.New(1), nil, zap.NewNop())

	conn := dialer.next()
	_, done := startShard(t, shard)

	conn.hello(t, time.Hour)
	conn.expect(t, OpIdentify)
	conn.drop(&CloseError{Code: CloseAuthFailed, Reason: "authentication failed"})

	err := waitDone(t, done)
	require.Error(t, err)
	var closeErr *CloseError
	require.True(t, errors.As(err, &closeErr))
	require.Equal(t, CloseAuthFailed, closeErr.Code)
	require.Equal(t, core.ShardFailed, shard.State())
	require.Len(t, dialer.dialed(), 1)
}

func TestShardGivesUpAfterMaxAttempts(t *testing.T) {
	dialer := newFakeDialer()
	dialer.err = fmt.Errorf("%w: refused", core.ErrConnection)

	cfg := testShardConfig()
	cfg.MaxReconnectAttempts = 2
	shard := NewShard(cfg, dialer, cache.New(1), nil, zap.NewNop())

	_, done := startShard(t, shard)
	err := waitDone(t, done)
	require.ErrorIs(t, err, core.ErrConnection)
	require.Equal(t, core.ShardFailed, shard.State())
	require.Len(t, dialer.dialed(), 3)
}

func TestShardMissedHeartbeatAckForcesResume(t *testing.T) {
	dialer := newFakeDialer()
	shard := NewShard(testShardConfig(), dialer, cache.New(1), nil, zap.NewNop())

	conn1 := dialer.next()
	cancel, done := startShard(t, shard)
	defer func() {
		cancel()
		require.NoError(t, waitDone(t, done))
	}()

	conn1.hello(t, 20*time.Millisecond)
	conn1.expect(t, OpIdentify)
	conn1.dispatch(t, 1, EventReady, map[string]any{"session_id": "s1"})

	conn1.expect(t, OpHeartbeat)

	// No ACK is sent; the next beat detects the zombie connection.
	conn2 := dialer.next()
	conn2.hello(t, time.Hour)
	resume := decodeResume(t, conn2.expect(t, OpResume))
	require.Equal(t, "s1", resume.SessionID)
	require.Equal(t, int64(1), resume.Seq)
}

func TestShardReconnectsWhenHelloNeverArrives(t *testing.T) {
	dialer := newFakeDialer()
	cfg := testShardConfig()
	cfg.HelloTimeout = 30 * time.Millisecond
	shard := NewShard(cfg, dialer, cache.New(1), nil, zap.NewNop())

	silent := dialer.next()
	conn := dialer.next()
	cancel, done := startShard(t, shard)
	defer func() {
		cancel()
		require.NoError(t, waitDone(t, done))
	}()

	conn.hello(t, time.Hour)
	conn.expect(t, OpIdentify)

	require.Len(t, dialer.dialed(), 2)
	silent.mu.Lock()
	require.Equal(t, CloseResumable, silent.closeCode)
	silent.mu.Unlock()
	status := shard.Status()
	require.Equal(t, 1, status.Reconnects)
	require.Contains(t, status.LastError, "no hello received")
}

func TestShardIdentifyCarriesPresence(t *testing.T) {
	presence, err := NewPresence("idle", "watching", "new releases")
	require.NoError(t, err)

	dialer := newFakeDialer()
	cfg := testShardConfig()
	cfg.Presence = presence
	shard := NewShard(cfg, dialer, cache.New(1), nil, zap.NewNop())

	conn := dialer.next()
	cancel, done := startShard(t, shard)
	defer func() {
		cancel()
		require.NoError(t, waitDone(t, done))
	}()

	conn.hello(t, time.Hour)
	var identify Identify
	require.NoError(t, json.Unmarshal(conn.expect(t, OpIdentify).Data, &identify))
	require.NotNil(t, identify.Presence)
	require.Equal(t, "idle", identify.Presence.Status)
	require.Equal(t, []Activity{{Name: "new releases", Type: ActivityWatching}}, identify.Presence.Activities)
}

func TestNewPresence(t *testing.T) {
	p, err := NewPresence("", "", "")
	require.NoError(t, err)
	require.Equal(t, "online", p.Status)
	require.Empty(t, p.Activities)

	p, err = NewPresence("dnd", "custom", "tracking feeds")
	require.NoError(t, err)
	require.Equal(t, []Activity{{Name: "Custom Status", Type: ActivityCustom, State: "tracking feeds"}}, p.Activities)

	_, err = NewPresence("away", "", "")
	require.ErrorIs(t, err, core.ErrValidation)
	_, err = NewPresence("online", "streaming", "x")
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestShardIgnoredEventsAreNotForwarded(t *testing.T) {
	dialer := newFakeDialer()
	sink := &recordingSink{}
	cfg := testShardConfig()
	cfg.IgnoredEvents = map[string]struct{}{"TYPING_START": {}}
	shard := NewShard(cfg, dialer, cache.New(1), nil, zap.NewNop())
	shard.sinks = []core.EventSink{sink}

	conn := dialer.next()
	cancel, done := startShard(t, shard)
	defer func() {
		cancel()
		require.NoError(t, waitDone(t, done))
	}()

	conn.hello(t, time.Hour)
	conn.expect(t, OpIdentify)
	conn.dispatch(t, 1, EventReady, map[string]any{"session_id": "s1"})
	conn.dispatch(t, 2, "TYPING_START", map[string]any{"channel_id": "5"})
	conn.dispatch(t, 3, "MESSAGE_CREATE", map[string]any{"id": "9"})

	require.Eventually(t, func() bool { return len(sink.sequences()) == 2 }, testTimeout, 5*time.Millisecond)
	require.Equal(t, []int64{1, 3}, sink.sequences())
	require.Equal(t, int64(3), shard.Session().Sequence)
}

func TestShardIdentifyWaitsOnLimiter(t *testing.T) {
	limiter := &engine.RateLimiter{
		Limits: map[string]engine.RateLimit{
			engine.ClassIdentify: {RequestsPerWindow: 1, WindowDuration: time.Hour},
		},
	}
	cfg := testShardConfig()
	cfg.IdentifyKey = engine.Key(engine.ClassIdentify, "0")

	// Exhaust the bucket so the shard has to wait.
	allowed, _ := limiter.Allow(cfg.IdentifyKey)
	require.True(t, allowed)

	dialer := newFakeDialer()
	shard := NewShard(cfg, dialer, cache.New(1), limiter, zap.NewNop())

	conn := dialer.next()
	cancel, done := startShard(t, shard)

	conn.hello(t, time.Hour)
	require.Eventually(t, func() bool { return shard.State() == core.ShardIdentifying }, testTimeout, 5*time.Millisecond)
	select {
	case frame := <-conn.out:
		t.Fatalf("unexpected frame op %d while identify bucket is empty", frame.Op)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	require.NoError(t, waitDone(t, done))
}
