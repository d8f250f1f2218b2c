package lookup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconbot/beacon/internal/metrics"
	"github.com/beaconbot/beacon/internal/observability"
)

type memoryStore struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration
	readErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memoryStore) GetCachedLookup(_ context.Context, kind, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	return m.entries[kind+"/"+key], nil
}

func (m *memoryStore) SetCachedLookup(_ context.Context, kind, key string, body []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[kind+"/"+key] = body
	m.ttls[kind+"/"+key] = ttl
	return nil
}

type activity struct {
	Resource string    `json:"resource"`
	Latest   string    `json:"latest"`
	At       time.Time `json:"at"`
}

func setupTelemetry(t *testing.T) *telemetrytesting.FakeCollector {
	t.Helper()
	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: collector})
	require.NoError(t, err)
	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() { observability.TelemetrySystem = original })
	return collector
}

func results(collector *telemetrytesting.FakeCollector) []string {
	var out []string
	for _, m := range collector.GetMetricsByName(metrics.LookupCacheTotal) {
		out = append(out, m.Tags["kind"]+":"+m.Tags["result"])
	}
	return out
}

func TestGetServesSecondLookupFromCache(t *testing.T) {
	collector := setupTelemetry(t)
	store := newMemoryStore()
	cache := New(store, map[string]time.Duration{KindActivity: time.Minute}, nil)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var fetches atomic.Int32
	fetch := func(context.Context) (*activity, error) {
		fetches.Add(1)
		return &activity{Resource: "github:octo", Latest: "42", At: at}, nil
	}

	first, err := Get(context.Background(), cache, KindActivity, "github:octo", fetch)
	require.NoError(t, err)
	second, err := Get(context.Background(), cache, KindActivity, "github:octo", fetch)
	require.NoError(t, err)

	assert.Equal(t, int32(1), fetches.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, time.Minute, store.ttls[KindActivity+"/github:octo"])
	assert.Equal(t, []string{"activity:miss", "activity:hit"}, results(collector))
}

func TestGetDoesNotCacheErrors(t *testing.T) {
	store := newMemoryStore()
	cache := New(store, map[string]time.Duration{KindActivity: time.Minute}, nil)

	calls := 0
	fetch := func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("source unavailable")
		}
		return "ok", nil
	}

	_, err := Get(context.Background(), cache, KindActivity, "rss:blog", fetch)
	require.Error(t, err)
	assert.Empty(t, store.entries)

	value, err := Get(context.Background(), cache, KindActivity, "rss:blog", fetch)
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 2, calls)
}

func TestGetWithoutTTLAlwaysFetches(t *testing.T) {
	collector := setupTelemetry(t)
	store := newMemoryStore()
	cache := New(store, nil, nil)

	calls := 0
	fetch := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}
	for range 2 {
		_, err := Get(context.Background(), cache, KindActivity, "rss:blog", fetch)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
	assert.Empty(t, store.entries)
	assert.Equal(t, []string{"activity:uncached", "activity:uncached"}, results(collector))

	value, err := Get(context.Background(), (*Cache)(nil), KindActivity, "rss:blog", fetch)
	require.NoError(t, err)
	assert.Equal(t, 3, value)
}

func TestGetFallsBackWhenStoreFails(t *testing.T) {
	store := newMemoryStore()
	store.readErr = errors.New("database is locked")
	cache := New(store, map[string]time.Duration{KindActivity: time.Minute}, nil)

	value, err := Get(context.Background(), cache, KindActivity, "rss:blog", func(context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", value)
}

func TestGetDiscardsUndecodableEntry(t *testing.T) {
	store := newMemoryStore()
	store.entries[KindActivity+"/rss:blog"] = []byte("not json")
	cache := New(store, map[string]time.Duration{KindActivity: time.Minute}, nil)

	value, err := Get(context.Background(), cache, KindActivity, "rss:blog", func(context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", value)
	assert.Equal(t, `"fresh"`, string(store.entries[KindActivity+"/rss:blog"]))
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	store := newMemoryStore()
	cache := New(store, map[string]time.Duration{KindActivity: time.Minute}, nil)

	release := make(chan struct{})
	var fetches atomic.Int32
	fetch := func(context.Context) (string, error) {
		fetches.Add(1)
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	values := make([]string, 4)
	for i := range values {
		wg.Add(1)
		go func() {
			defer wg.Done()
			values[i], _ = Get(context.Background(), cache, KindActivity, "github:octo", fetch)
		}()
	}
	require.Eventually(t, func() bool { return fetches.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, v := range values {
		assert.Equal(t, "shared", v)
	}
	assert.LessOrEqual(t, fetches.Load(), int32(2))
}
