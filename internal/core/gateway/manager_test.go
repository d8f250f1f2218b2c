package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/cache"
)

func testManagerConfig(shards int) ManagerConfig {
	return ManagerConfig{
		Token:        "token",
		URL:          "wss://gateway.test",
		ShardCount:   shards,
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 10 * time.Millisecond,
	}
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(ManagerConfig{URL: "wss://x"}, newFakeDialer(), cache.New(1), nil, nil)
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = NewManager(ManagerConfig{ShardCount: 1}, newFakeDialer(), cache.New(1), nil, nil)
	require.ErrorIs(t, err, core.ErrValidation)

	m, err := NewManager(testManagerConfig(3), newFakeDialer(), cache.New(1), nil, nil)
	require.NoError(t, err)
	require.Equal(t, 3, m.ShardCount())
	for i, status := range m.Shards() {
		assert.Equal(t, i, status.ID)
		assert.Equal(t, core.ShardDisconnected, status.State)
	}
}

func TestManagerFailedShardDoesNotStopSiblings(t *testing.T) {
	dialer := newFakeDialer()
	m, err := NewManager(testManagerConfig(2), dialer, cache.New(4), nil, zap.NewNop())
	require.NoError(t, err)

	var mu sync.Mutex
	var failedIDs []int
	m.OnShardFailed = func(id int, err error) {
		mu.Lock()
		defer mu.Unlock()
		failedIDs = append(failedIDs, id)
	}

	connA, connB := dialer.next(), dialer.next()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Shards may dial in any order; route by the identify payload.
	conns := map[int]*fakeConn{}
	for _, conn := range []*fakeConn{connA, connB} {
		conn.hello(t, time.Hour)
		var identify Identify
		require.NoError(t, json.Unmarshal(conn.expect(t, OpIdentify).Data, &identify))
		require.Equal(t, 2, identify.Shard[1])
		conns[identify.Shard[0]] = conn
	}
	require.Len(t, conns, 2)

	conns[1].drop(&CloseError{Code: CloseInvalidShard})
	conns[0].dispatch(t, 1, EventReady, map[string]any{"session_id": "s0"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failedIDs) == 1
	}, testTimeout, 5*time.Millisecond)

	statuses := m.Shards()
	require.Eventually(t, func() bool { return m.Shards()[0].State == core.ShardConnected }, testTimeout, 5*time.Millisecond)
	require.Equal(t, core.ShardFailed, statuses[1].State)
	mu.Lock()
	require.Equal(t, []int{1}, failedIDs)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("manager did not stop")
	}
}

func TestManagerReturnsErrNoShardsWhenAllFail(t *testing.T) {
	dialer := newFakeDialer()
	m, err := NewManager(testManagerConfig(1), dialer, cache.New(1), nil, zap.NewNop())
	require.NoError(t, err)

	conn := dialer.next()
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	conn.hello(t, time.Hour)
	conn.expect(t, OpIdentify)
	conn.drop(&CloseError{Code: CloseAuthFailed})

	select {
	case err := <-done:
		require.ErrorIs(t, err, core.ErrNoShards)
	case <-time.After(testTimeout):
		t.Fatal("manager did not stop")
	}
}

func TestManagerPersistsAndRestoresSessions(t *testing.T) {
	store := &memorySessions{sessions: map[int]core.Session{
		0: {ShardID: 0, SessionID: "s0", ResumeURL: "wss://resume.test", Sequence: 7},
		5: {ShardID: 5, SessionID: "stale", Sequence: 1},
	}}

	dialer := newFakeDialer()
	m, err := NewManager(testManagerConfig(1), dialer, cache.New(1), nil, zap.NewNop())
	require.NoError(t, err)
	m.SetSessionStore(store)

	conn := dialer.next()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	conn.hello(t, time.Hour)
	resume := decodeResume(t, conn.expect(t, OpResume))
	require.Equal(t, "s0", resume.SessionID)
	require.Equal(t, int64(7), resume.Seq)
	require.Equal(t, "wss://resume.test", conn.url)

	conn.dispatch(t, 8, EventResumed, map[string]any{})
	require.Eventually(t, func() bool { return m.Shards()[0].State == core.ShardConnected }, testTimeout, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("manager did not stop")
	}

	sessions, err := store.LoadSessions(context.Background())
	require.NoError(t, err)
	saved := map[int]core.Session{}
	for _, s := range sessions {
		saved[s.ShardID] = s
	}
	require.Equal(t, core.Session{ShardID: 0, SessionID: "s0", ResumeURL: "wss://resume.test", Sequence: 8}, saved[0])
}
