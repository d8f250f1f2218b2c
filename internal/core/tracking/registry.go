package tracking

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/beaconbot/beacon/internal/core"
)

const lockStripes = 32

// Registry holds the subscriptions of every tracked resource.
//
// Mutations are written to the store before they become visible. Operations
// touching the same destination channel are serialized by a striped lock, so
// a concurrent add and channel purge cannot leave memory and store diverged.
type Registry struct {
	store SubscriptionStore
	clock func() time.Time

	stripes [lockStripes]sync.Mutex

	mu         sync.RWMutex
	byResource map[string]map[core.ID]core.Subscription
	byChannel  map[core.ID]map[string]struct{}
}

// NewRegistry builds an empty registry. store may be nil for an in-memory
// registry.
func NewRegistry(store SubscriptionStore) *Registry {
	return &Registry{
		store:      store,
		clock:      func() time.Time { return time.Now().UTC() },
		byResource: make(map[string]map[core.ID]core.Subscription),
		byChannel:  make(map[core.ID]map[string]struct{}),
	}
}

// Load replaces the registry contents with the persisted subscriptions.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	subs, err := r.store.LoadSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byResource = make(map[string]map[core.ID]core.Subscription)
	r.byChannel = make(map[core.ID]map[string]struct{})
	for _, sub := range subs {
		r.putLocked(sub)
	}
	return nil
}

// Add registers sub. It reports false when the same resource and channel
// pair was already subscribed.
func (r *Registry) Add(ctx context.Context, sub core.Subscription) (bool, error) {
	resource, err := NormalizeResource(sub.Resource)
	if err != nil {
		return false, err
	}
	if sub.ChannelID == 0 {
		return false, fmt.Errorf("%w: channel id is required", core.ErrValidation)
	}
	sub.Resource = resource
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = r.clock()
	}

	stripe := r.stripe(sub.ChannelID)
	stripe.Lock()
	defer stripe.Unlock()

	if _, exists := r.get(sub.Resource, sub.ChannelID); exists {
		return false, nil
	}
	if r.store != nil {
		if err := r.store.SaveSubscription(ctx, sub); err != nil {
			return false, fmt.Errorf("save subscription: %w", err)
		}
	}

	r.mu.Lock()
	r.putLocked(sub)
	r.mu.Unlock()
	return true, nil
}

// Remove drops one subscription. It reports whether it existed.
func (r *Registry) Remove(ctx context.Context, resource string, channelID core.ID) (bool, error) {
	stripe := r.stripe(channelID)
	stripe.Lock()
	defer stripe.Unlock()

	if _, exists := r.get(resource, channelID); !exists {
		return false, nil
	}
	if r.store != nil {
		if err := r.store.DeleteSubscription(ctx, resource, channelID); err != nil {
			return false, fmt.Errorf("delete subscription: %w", err)
		}
	}

	r.mu.Lock()
	r.deleteLocked(resource, channelID)
	r.mu.Unlock()
	return true, nil
}

// RemoveChannel drops every subscription targeting channelID.
func (r *Registry) RemoveChannel(ctx context.Context, channelID core.ID) (int, error) {
	stripe := r.stripe(channelID)
	stripe.Lock()
	defer stripe.Unlock()

	if r.store != nil {
		if _, err := r.store.DeleteChannelSubscriptions(ctx, channelID); err != nil {
			return 0, fmt.Errorf("delete channel subscriptions: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for resource := range r.byChannel[channelID] {
		r.deleteLocked(resource, channelID)
		removed++
	}
	return removed, nil
}

// RemoveGuild drops every subscription owned by guildID. Subscriptions added
// concurrently for a channel not yet known to the registry are left alone.
func (r *Registry) RemoveGuild(ctx context.Context, guildID core.ID) (int, error) {
	if guildID == 0 {
		return 0, nil
	}

	channels := r.guildChannels(guildID)
	stripes := make([]int, 0, len(channels))
	for _, channelID := range channels {
		if idx := stripeIndex(channelID); !slices.Contains(stripes, idx) {
			stripes = append(stripes, idx)
		}
	}
	slices.Sort(stripes)
	for _, idx := range stripes {
		r.stripes[idx].Lock()
	}
	defer func() {
		for _, idx := range stripes {
			r.stripes[idx].Unlock()
		}
	}()

	removed := 0
	for _, channelID := range channels {
		if r.store != nil {
			if _, err := r.store.DeleteChannelSubscriptions(ctx, channelID); err != nil {
				return removed, fmt.Errorf("delete guild subscriptions: %w", err)
			}
		}
		r.mu.Lock()
		for resource := range r.byChannel[channelID] {
			r.deleteLocked(resource, channelID)
			removed++
		}
		r.mu.Unlock()
	}
	return removed, nil
}

// ForResource returns the subscriptions of resource ordered by channel.
func (r *Registry) ForResource(resource string) []core.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.byResource[resource]
	out := make([]core.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	slices.SortFunc(out, func(a, b core.Subscription) int {
		return compareIDs(a.ChannelID, b.ChannelID)
	})
	return out
}

// ForChannel returns the subscriptions targeting channelID ordered by
// resource.
func (r *Registry) ForChannel(channelID core.ID) []core.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resources := r.byChannel[channelID]
	out := make([]core.Subscription, 0, len(resources))
	for resource := range resources {
		out = append(out, r.byResource[resource][channelID])
	}
	slices.SortFunc(out, func(a, b core.Subscription) int {
		switch {
		case a.Resource < b.Resource:
			return -1
		case a.Resource > b.Resource:
			return 1
		}
		return 0
	})
	return out
}

// All returns every subscription ordered by resource, then channel.
func (r *Registry) All() []core.Subscription {
	out := make([]core.Subscription, 0)
	for _, resource := range r.Resources() {
		out = append(out, r.ForResource(resource)...)
	}
	return out
}

// Resources lists resources with at least one subscription, sorted.
func (r *Registry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byResource))
	for resource := range r.byResource {
		out = append(out, resource)
	}
	slices.Sort(out)
	return out
}

// Subscribers returns the subscription count of resource.
func (r *Registry) Subscribers(resource string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byResource[resource])
}

// Len returns the total number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, subs := range r.byResource {
		n += len(subs)
	}
	return n
}

func (r *Registry) get(resource string, channelID core.ID) (core.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byResource[resource][channelID]
	return sub, ok
}

func (r *Registry) guildChannels(guildID core.ID) []core.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.ID
	for _, subs := range r.byResource {
		for channelID, sub := range subs {
			if sub.GuildID == guildID && !slices.Contains(out, channelID) {
				out = append(out, channelID)
			}
		}
	}
	return out
}

func (r *Registry) putLocked(sub core.Subscription) {
	subs := r.byResource[sub.Resource]
	if subs == nil {
		subs = make(map[core.ID]core.Subscription)
		r.byResource[sub.Resource] = subs
	}
	subs[sub.ChannelID] = sub

	resources := r.byChannel[sub.ChannelID]
	if resources == nil {
		resources = make(map[string]struct{})
		r.byChannel[sub.ChannelID] = resources
	}
	resources[sub.Resource] = struct{}{}
}

func (r *Registry) deleteLocked(resource string, channelID core.ID) {
	if subs := r.byResource[resource]; subs != nil {
		delete(subs, channelID)
		if len(subs) == 0 {
			delete(r.byResource, resource)
		}
	}
	if resources := r.byChannel[channelID]; resources != nil {
		delete(resources, resource)
		if len(resources) == 0 {
			delete(r.byChannel, channelID)
		}
	}
}

func (r *Registry) stripe(channelID core.ID) *sync.Mutex {
	return &r.stripes[stripeIndex(channelID)]
}

func stripeIndex(channelID core.ID) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(channelID))
	return int(xxhash.Sum64(buf[:]) % lockStripes)
}

func compareIDs(a, b core.ID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
