package tracking

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beaconbot/beacon/internal/core"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func item(id string, minutes int) core.Item {
	return core.Item{ID: id, At: baseTime.Add(time.Duration(minutes) * time.Minute), Title: "item " + id}
}

// fakeSource serves scripted items per resource.
type fakeSource struct {
	mu    sync.Mutex
	items map[string][]core.Item
	errs  map[string]error
	calls atomic.Int32

	// gate, when set, blocks every fetch until closed.
	gate    chan struct{}
	entered chan string
}

func newFakeSource() *fakeSource {
	return &fakeSource{items: map[string][]core.Item{}, errs: map[string]error{}}
}

func (s *fakeSource) set(resource string, items ...core.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[resource] = items
	delete(s.errs, resource)
}

func (s *fakeSource) fail(resource string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[resource] = err
}

func (s *fakeSource) Fetch(ctx context.Context, resource string) (*ResourceState, error) {
	s.calls.Add(1)
	if s.entered != nil {
		s.entered <- resource
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[resource]; err != nil {
		return nil, err
	}
	items := append([]core.Item(nil), s.items[resource]...)
	return &ResourceState{Resource: resource, Items: items, FetchedAt: baseTime}, nil
}

// fakeNotifier records deliveries and returns scripted errors per channel.
type fakeNotifier struct {
	mu       sync.Mutex
	sent     map[core.ID][]core.Notification
	attempts map[core.ID]int
	errs     map[core.ID]error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		sent:     map[core.ID][]core.Notification{},
		attempts: map[core.ID]int{},
		errs:     map[core.ID]error{},
	}
}

func (n *fakeNotifier) failWith(channelID core.ID, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs[channelID] = err
}

func (n *fakeNotifier) Notify(_ context.Context, notification core.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts[notification.ChannelID]++
	if err := n.errs[notification.ChannelID]; err != nil {
		return err
	}
	n.sent[notification.ChannelID] = append(n.sent[notification.ChannelID], notification)
	return nil
}

func (n *fakeNotifier) sentTo(channelID core.ID) []core.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]core.Notification(nil), n.sent[channelID]...)
}

func (n *fakeNotifier) attemptsTo(channelID core.ID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attempts[channelID]
}

// memoryStore persists subscriptions and markers in maps.
type memoryStore struct {
	mu      sync.Mutex
	subs    map[string]core.Subscription
	markers map[string]core.Marker
	failing bool

	// deleteGate, when set, blocks channel deletes until closed.
	deleteGate chan struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{subs: map[string]core.Subscription{}, markers: map[string]core.Marker{}}
}

func subKey(resource string, channelID core.ID) string {
	return fmt.Sprintf("%s|%d", resource, channelID)
}

func (m *memoryStore) LoadSubscriptions(context.Context) ([]core.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	return out, nil
}

func (m *memoryStore) SaveSubscription(_ context.Context, sub core.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return fmt.Errorf("store unavailable")
	}
	m.subs[subKey(sub.Resource, sub.ChannelID)] = sub
	return nil
}

func (m *memoryStore) DeleteSubscription(_ context.Context, resource string, channelID core.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return fmt.Errorf("store unavailable")
	}
	delete(m.subs, subKey(resource, channelID))
	return nil
}

func (m *memoryStore) DeleteChannelSubscriptions(ctx context.Context, channelID core.ID) (int, error) {
	if m.deleteGate != nil {
		select {
		case <-m.deleteGate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, sub := range m.subs {
		if sub.ChannelID == channelID {
			delete(m.subs, key)
			removed++
		}
	}
	return removed, nil
}

func (m *memoryStore) LoadMarkers(context.Context) (map[string]core.Marker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.markers), nil
}

func (m *memoryStore) SaveMarker(_ context.Context, resource string, marker core.Marker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[resource] = marker
	return nil
}

func (m *memoryStore) DeleteMarker(_ context.Context, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markers, resource)
	return nil
}

func (m *memoryStore) marker(resource string) (core.Marker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	marker, ok := m.markers[resource]
	return marker, ok
}

func (m *memoryStore) subscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
