package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
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

func echoCommand(name string, calls *atomic.Int32) Command {
	return Command{
		Name: name,
		Handler: func(_ context.Context, req *Request) (Reply, error) {
			calls.Add(1)
			return Reply{Content: "ok " + req.Option("text")}, nil
		},
	}
}

func interaction(user core.ID, command string) *core.Interaction {
	return &core.Interaction{ID: 1, Token: "tok", UserID: user, GuildID: 5, ChannelID: 6, Command: command}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	var calls atomic.Int32
	_, err := NewRegistry(echoCommand("ping", &calls), echoCommand("PING ", &calls))
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = NewRegistry(Command{Name: "empty"})
	require.ErrorIs(t, err, core.ErrValidation)

	registry, err := NewRegistry(echoCommand("track", &calls), echoCommand("ping", &calls))
	require.NoError(t, err)
	cmd, ok := registry.Lookup(" Ping")
	require.True(t, ok)
	require.Equal(t, "ping", cmd.Name)
	require.Equal(t, []string{"ping", "track"}, []string{registry.Commands()[0].Name, registry.Commands()[1].Name})
}

func TestDispatchRateLimitsEleventhCall(t *testing.T) {
	var calls atomic.Int32
	registry, err := NewRegistry(echoCommand("ping", &calls))
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := &engine.RateLimiter{
		Clock: func() time.Time { return now },
		Limits: map[string]engine.RateLimit{
			engine.ClassActor: {RequestsPerWindow: 10, WindowDuration: time.Minute},
		},
	}
	d := NewDispatcher(registry, cache.New(1), limiter, zap.NewNop())

	for i := range 10 {
		result := d.Dispatch(context.Background(), interaction(42, "ping"))
		require.Equal(t, Completed, result.Outcome, "call %d", i+1)
	}

	result := d.Dispatch(context.Background(), interaction(42, "ping"))
	require.Equal(t, RateLimited, result.Outcome)
	require.ErrorIs(t, result.Err, core.ErrRateLimited)
	require.Greater(t, result.RetryAfter, time.Duration(0))
	require.Equal(t, int32(10), calls.Load())

	// Other actors have their own buckets.
	other := d.Dispatch(context.Background(), interaction(43, "ping"))
	require.Equal(t, Completed, other.Outcome)
	require.Equal(t, int32(11), calls.Load())
}

func TestDispatchGuildClassSharesBucket(t *testing.T) {
	var calls atomic.Int32
	cmd := echoCommand("guildinfo", &calls)
	cmd.RateClass = RateGuild
	registry, err := NewRegistry(cmd)
	require.NoError(t, err)

	limiter := &engine.RateLimiter{Limits: map[string]engine.RateLimit{
		engine.ClassGuild: {RequestsPerWindow: 2, WindowDuration: time.Hour},
	}}
	d := NewDispatcher(registry, cache.New(1), limiter, nil)

	require.Equal(t, Completed, d.Dispatch(context.Background(), interaction(1, "guildinfo")).Outcome)
	require.Equal(t, Completed, d.Dispatch(context.Background(), interaction(2, "guildinfo")).Outcome)
	require.Equal(t, RateLimited, d.Dispatch(context.Background(), interaction(3, "guildinfo")).Outcome)
}

func TestDispatchUnknownCommand(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)
	d := NewDispatcher(registry, cache.New(1), nil, nil)

	result := d.Dispatch(context.Background(), interaction(1, "missing"))
	require.Equal(t, UnknownCommand, result.Outcome)
	require.ErrorIs(t, result.Err, core.ErrUnknownCommand)
	require.NotEmpty(t, result.Reply.Content)
}

func TestDispatchContainsHandlerFailures(t *testing.T) {
	registry, err := NewRegistry(
		Command{Name: "boom", Handler: func(context.Context, *Request) (Reply, error) {
			panic("handler exploded")
		}},
		Command{Name: "fail", Handler: func(context.Context, *Request) (Reply, error) {
			return Reply{}, errors.New("backend down")
		}},
		Command{Name: "invalid", Handler: func(context.Context, *Request) (Reply, error) {
			return Reply{}, fmt.Errorf("%w: resource is required", core.ErrValidation)
		}},
	)
	require.NoError(t, err)
	d := NewDispatcher(registry, cache.New(1), nil, zap.NewNop())

	result := d.Dispatch(context.Background(), interaction(1, "boom"))
	require.Equal(t, Failed, result.Outcome)
	require.Contains(t, result.Err.Error(), "handler exploded")
	require.Contains(t, result.Reply.Content, result.CorrelationID[:8])

	result = d.Dispatch(context.Background(), interaction(1, "fail"))
	require.Equal(t, Failed, result.Outcome)
	require.NotContains(t, result.Reply.Content, "backend down")

	result = d.Dispatch(context.Background(), interaction(1, "invalid"))
	require.Equal(t, Failed, result.Outcome)
	require.Equal(t, "resource is required", result.Reply.Content)
}

func TestDispatchHandlerSeesCache(t *testing.T) {
	c := cache.New(2)
	c.Upsert(&core.Guild{ID: 5, Name: "beacon"})

	registry, err := NewRegistry(Command{Name: "guild", Handler: func(_ context.Context, req *Request) (Reply, error) {
		guild, ok := req.Cache.Guild(req.Interaction.GuildID)
		if !ok {
			return Reply{}, errors.New("guild not cached")
		}
		return Reply{Content: guild.Name}, nil
	}})
	require.NoError(t, err)

	d := NewDispatcher(registry, c, nil, nil)
	result := d.Dispatch(context.Background(), interaction(1, "guild"))
	require.Equal(t, Completed, result.Outcome)
	require.Equal(t, "beacon", result.Reply.Content)
}

type recordingResponder struct {
	mu      sync.Mutex
	replies []string
}

func (r *recordingResponder) RespondInteraction(_ context.Context, _ *core.Interaction, content string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, content)
	return nil
}

func (r *recordingResponder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.replies...)
}

func TestHandleEventRunsConcurrentlyAndDrains(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	registry, err := NewRegistry(Command{Name: "slow", RateClass: RateNone, Handler: func(ctx context.Context, req *Request) (Reply, error) {
		started.Add(1)
		<-release
		return Reply{Content: "done"}, nil
	}})
	require.NoError(t, err)

	responder := &recordingResponder{}
	d := NewDispatcher(registry, cache.New(1), nil, zap.NewNop())
	d.SetResponder(responder)

	ctx, cancel := context.WithCancel(context.Background())
	for i := range 3 {
		d.HandleEvent(ctx, core.Event{Type: "INTERACTION_CREATE", Data: interaction(core.ID(i+1), "slow")})
	}
	d.HandleEvent(ctx, core.Event{Type: "CHANNEL_CREATE", Data: &core.Channel{ID: 1}})

	require.Eventually(t, func() bool { return started.Load() == 3 }, time.Second, 5*time.Millisecond)

	// Cancelling the event context does not abort running handlers.
	cancel()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, d.Wait(waitCtx), context.DeadlineExceeded)
	waitCancel()

	close(release)
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, []string{"done", "done", "done"}, responder.all())
}

type memoryUsage struct {
	mu     sync.Mutex
	counts map[string]int64
	fail   bool
}

func (m *memoryUsage) LoadCommandUsage(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out, nil
}

func (m *memoryUsage) AddCommandUsage(_ context.Context, deltas map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("store unavailable")
	}
	for k, v := range deltas {
		m.counts[k] += v
	}
	return nil
}

func TestUsageCountersPersistInBatches(t *testing.T) {
	var calls atomic.Int32
	registry, err := NewRegistry(echoCommand("ping", &calls), echoCommand("track", &calls))
	require.NoError(t, err)

	store := &memoryUsage{counts: map[string]int64{"ping": 5}}
	d := NewDispatcher(registry, cache.New(1), nil, nil)
	require.NoError(t, d.LoadUsage(context.Background(), store))

	d.Dispatch(context.Background(), interaction(1, "ping"))
	d.Dispatch(context.Background(), interaction(1, "track"))
	d.Dispatch(context.Background(), interaction(1, "missing"))
	require.Equal(t, map[string]int64{"ping": 6, "track": 1}, d.Usage())

	store.fail = true
	require.Error(t, d.FlushUsage(context.Background(), store))
	store.fail = false
	require.NoError(t, d.FlushUsage(context.Background(), store))
	require.Equal(t, map[string]int64{"ping": 6, "track": 1}, store.counts)

	// Nothing new to write.
	require.NoError(t, d.FlushUsage(context.Background(), store))
	require.Equal(t, map[string]int64{"ping": 6, "track": 1}, store.counts)
}
