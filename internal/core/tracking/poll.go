package tracking

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/gateway"
	"github.com/beaconbot/beacon/internal/metrics"
)

const markerSaveTimeout = 5 * time.Second

// Delta returns the items strictly after marker in ascending (time, id)
// order. An id listed more than once is reported once, at its latest
// position.
func Delta(items []core.Item, marker core.Marker) []core.Item {
	latest := make(map[string]core.Item, len(items))
	for _, item := range items {
		if !item.After(marker) {
			continue
		}
		if seen, ok := latest[item.ID]; ok && core.CompareItems(seen, item) >= 0 {
			continue
		}
		latest[item.ID] = item
	}
	out := slices.Collect(maps.Values(latest))
	slices.SortFunc(out, core.CompareItems)
	return out
}

// newest returns the marker of the latest item, or marker itself when items
// is empty.
func newest(items []core.Item, marker core.Marker) core.Marker {
	for _, item := range items {
		if item.After(marker) {
			marker = item.Marker()
		}
	}
	return marker
}

func (e *Engine) poll(ctx context.Context, resource string) error {
	started := time.Now()

	if e.cfg.EndpointKey != "" {
		if err := e.limiter.Wait(ctx, e.cfg.EndpointKey); err != nil {
			metrics.RecordPoll("cancelled", time.Since(started))
			return err
		}
	}

	state, err := e.source.Fetch(ctx, resource)
	if err == nil && state == nil {
		err = fmt.Errorf("%w: %s: empty response", core.ErrFetch, resource)
	}
	if err != nil {
		e.recordFailure(resource, err)
		metrics.RecordPoll("error", time.Since(started))
		return err
	}

	e.mu.Lock()
	rs := e.stateLocked(resource)
	rs.lastPoll = e.now()
	rs.failures = 0
	rs.lastErr = ""
	marker, hasBaseline := rs.marker, rs.baseline
	if !hasBaseline {
		rs.marker = newest(state.Items, core.Marker{})
		rs.baseline = true
		marker = rs.marker
	}
	e.mu.Unlock()

	if !hasBaseline {
		e.saveMarker(ctx, resource, marker)
		e.logger.Info("Tracking baseline established",
			zap.String("resource", resource),
			zap.Int("items", len(state.Items)))
		metrics.RecordPoll("baseline", time.Since(started))
		return nil
	}

	delta := Delta(state.Items, marker)
	if len(delta) == 0 {
		metrics.RecordPoll("unchanged", time.Since(started))
		return nil
	}

	e.fanOut(ctx, resource, delta)

	// Best-effort delivery: the marker advances even when some destinations
	// were dropped.
	next := delta[len(delta)-1].Marker()
	e.mu.Lock()
	if rs, ok := e.states[resource]; ok {
		rs.marker = next
	}
	e.mu.Unlock()
	e.saveMarker(ctx, resource, next)

	metrics.RecordPoll("changed", time.Since(started))
	return nil
}

func (e *Engine) recordFailure(resource string, err error) {
	e.mu.Lock()
	rs := e.stateLocked(resource)
	rs.failures++
	rs.lastErr = err.Error()
	rs.lastPoll = e.now()
	if wait := core.RetryAfter(err); wait > 0 {
		rs.notBefore = rs.lastPoll.Add(wait)
	}
	failures := rs.failures
	e.mu.Unlock()

	fields := []zap.Field{
		zap.String("resource", resource),
		zap.Int("consecutive_failures", failures),
		zap.Error(err),
	}
	if failures >= e.cfg.FailureEscalation {
		e.logger.Error("Tracking fetch keeps failing", fields...)
		return
	}
	e.logger.Warn("Tracking fetch failed", fields...)
}

// saveMarker persists marker even when the poll context has run out, so a
// restart does not announce the delta again.
func (e *Engine) saveMarker(ctx context.Context, resource string, marker core.Marker) {
	if e.markers == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markerSaveTimeout)
	defer cancel()
	if err := e.markers.SaveMarker(ctx, resource, marker); err != nil {
		e.logger.Warn("Failed to persist tracking marker", zap.String("resource", resource), zap.Error(err))
	}
}

// fanOut sends the delta to every subscription independently.
func (e *Engine) fanOut(ctx context.Context, resource string, delta []core.Item) {
	subs := e.registry.ForResource(resource)
	var wg sync.WaitGroup
	for _, sub := range subs {
		if e.destinationGone(sub) {
			e.dropDestination(ctx, sub, "channel_missing", nil)
			continue
		}
		pending := PendingNotification{Subscription: sub, Items: delta}
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.deliver(ctx, pending)
		}()
	}
	wg.Wait()
}

func (e *Engine) deliver(ctx context.Context, pending PendingNotification) {
	sub := pending.Subscription
	notification := e.compose(pending)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.SendBackoff
	bo.MaxInterval = e.cfg.MaxSendBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := e.notifier.Notify(ctx, notification)
		if err == nil {
			return struct{}{}, nil
		}
		var sendErr *core.SendError
		if core.IsDestinationGone(err) || (errors.As(err, &sendErr) && !sendErr.Retryable()) {
			return struct{}{}, backoff.Permanent(err)
		}
		if wait := core.RetryAfter(err); wait > 0 {
			if wait > e.cfg.MaxSendBackoff {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, backoff.RetryAfter(int(math.Ceil(wait.Seconds())))
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(e.cfg.MaxSendAttempts)))

	switch {
	case err == nil:
		metrics.RecordNotification("sent")
	case core.IsDestinationGone(err):
		metrics.RecordNotification("gone")
		e.dropDestination(ctx, sub, "destination_gone", err)
	default:
		metrics.RecordNotification("dropped")
		e.logger.Warn("Dropped tracking notification",
			zap.String("resource", sub.Resource),
			zap.String("channel_id", sub.ChannelID.String()),
			zap.Int("attempts", attempts),
			zap.Error(err))
	}
}

// destinationGone reports a destination whose guild is cached but whose
// channel is not.
func (e *Engine) destinationGone(sub core.Subscription) bool {
	if e.cache == nil || sub.GuildID == 0 {
		return false
	}
	guild, ok := e.cache.Guild(sub.GuildID)
	if !ok || guild.Unavailable {
		return false
	}
	_, ok = e.cache.Channel(sub.ChannelID)
	return !ok
}

// dropDestination removes every subscription targeting the channel of sub,
// whichever resource it tracks.
func (e *Engine) dropDestination(ctx context.Context, sub core.Subscription, reason string, cause error) {
	removed, err := e.registry.RemoveChannel(ctx, sub.ChannelID)
	if err != nil {
		e.logger.Error("Failed to remove subscriptions",
			zap.String("resource", sub.Resource),
			zap.String("channel_id", sub.ChannelID.String()),
			zap.Error(err))
		return
	}
	if removed == 0 {
		return
	}
	metrics.RecordSubscriptionsPruned(reason, removed)
	fields := []zap.Field{
		zap.String("resource", sub.Resource),
		zap.String("channel_id", sub.ChannelID.String()),
		zap.String("reason", reason),
		zap.Int("removed", removed),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	e.logger.Info("Removed subscriptions for unreachable destination", fields...)
}

func (e *Engine) compose(pending PendingNotification) core.Notification {
	sub := pending.Subscription
	items := pending.Items
	n := core.Notification{
		ID:        uuid.NewString(),
		ChannelID: sub.ChannelID,
		Mention:   sub.Flags&core.FlagMentionEveryone != 0,
	}

	var b strings.Builder
	if n.Mention {
		b.WriteString("@everyone ")
	}
	if len(items) == 1 {
		fmt.Fprintf(&b, "New activity on **%s**", sub.Resource)
	} else {
		fmt.Fprintf(&b, "%d new items on **%s**", len(items), sub.Resource)
	}

	latest := items[len(items)-1]
	if sub.Flags&core.FlagQuiet != 0 {
		n.Content = b.String()
		return n
	}

	n.Title = latest.Title
	n.URL = latest.URL
	shown := items
	if len(shown) > e.cfg.MaxItemsPerNotice {
		shown = shown[len(shown)-e.cfg.MaxItemsPerNotice:]
	}
	for _, item := range shown {
		b.WriteString("\n- ")
		b.WriteString(item.Title)
		if item.URL != "" {
			fmt.Fprintf(&b, " <%s>", item.URL)
		}
	}
	if hidden := len(items) - len(shown); hidden > 0 {
		fmt.Fprintf(&b, "\n…and %d more", hidden)
	}
	n.Content = b.String()
	return n
}

// HandleEvent removes subscriptions of deleted channels and guilds the bot
// left. The removal runs in the background so the shard reader is not held
// up by the store.
func (e *Engine) HandleEvent(ctx context.Context, event core.Event) {
	switch event.Type {
	case gateway.EventChannelDelete:
		channel, ok := event.Data.(*core.Channel)
		if !ok {
			return
		}
		e.purge(ctx, "channel_deleted", func(ctx context.Context) (int, error) {
			return e.registry.RemoveChannel(ctx, channel.ID)
		})
	case gateway.EventGuildDelete:
		deleted, ok := event.Data.(*gateway.GuildDelete)
		if !ok || deleted.Unavailable {
			return
		}
		e.purge(ctx, "guild_removed", func(ctx context.Context) (int, error) {
			return e.registry.RemoveGuild(ctx, deleted.ID)
		})
	}
}

func (e *Engine) purge(ctx context.Context, reason string, remove func(context.Context) (int, error)) {
	ctx = context.WithoutCancel(ctx)
	e.purges.Add(1)
	go func() {
		defer e.purges.Done()
		ctx, cancel := context.WithTimeout(ctx, e.cfg.PollTimeout)
		defer cancel()
		e.runPurge(ctx, reason, remove)
	}()
}

func (e *Engine) runPurge(ctx context.Context, reason string, remove func(context.Context) (int, error)) {
	removed, err := remove(ctx)
	if err != nil {
		e.logger.Error("Failed to purge subscriptions", zap.String("reason", reason), zap.Error(err))
		return
	}
	if removed > 0 {
		metrics.RecordSubscriptionsPruned(reason, removed)
		e.logger.Info("Purged subscriptions", zap.String("reason", reason), zap.Int("removed", removed))
	}
}
