package metrics

import (
	"strconv"
	"time"

	"github.com/beaconbot/beacon/internal/observability"
)

// Bot metrics
const (
	GatewayEventsTotal      = "gateway_events_total"
	GatewayReconnectsTotal  = "gateway_reconnects_total"
	GatewayShardState       = "gateway_shard_state"
	GatewayHeartbeatLatency = "gateway_heartbeat_latency_ms"

	CacheInconsistenciesTotal = "cache_inconsistencies_total"

	DispatchTotal    = "dispatch_total"
	DispatchDuration = "dispatch_duration_ms"

	RateLimitedTotal = "rate_limited_total"

	TrackingPollsTotal          = "tracking_polls_total"
	TrackingPollDuration        = "tracking_poll_duration_ms"
	TrackingNotificationsTotal  = "tracking_notifications_total"
	TrackingSubscriptionsPruned = "tracking_subscriptions_pruned_total"
	TrackingResources           = "tracking_resources"

	RESTRequestsTotal = "rest_requests_total"

	LookupCacheTotal = "lookup_cache_total"
)

// shardStateValues maps shard states to gauge values.
var shardStateValues = map[string]float64{
	"disconnected": 0,
	"connecting":   1,
	"identifying":  2,
	"resuming":     3,
	"connected":    4,
	"failed":       -1,
}

// RecordGatewayEvent counts a dispatch event received by a shard.
func RecordGatewayEvent(shard int, eventType string, replayed bool) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GatewayEventsTotal,
			1,
			map[string]string{
				"shard":    strconv.Itoa(shard),
				"type":     eventType,
				"replayed": strconv.FormatBool(replayed),
			},
		)
	}
}

// RecordShardReconnect counts a shard reconnect attempt.
func RecordShardReconnect(shard int, mode string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GatewayReconnectsTotal,
			1,
			map[string]string{
				"shard": strconv.Itoa(shard),
				"mode":  mode,
			},
		)
	}
}

// SetShardState records the current state of a shard.
func SetShardState(shard int, state string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			GatewayShardState,
			shardStateValues[state],
			map[string]string{
				"shard": strconv.Itoa(shard),
			},
		)
	}
}

// RecordHeartbeatLatency records the heartbeat round trip of a shard.
func RecordHeartbeatLatency(shard int, latency time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(
			GatewayHeartbeatLatency,
			latency,
			map[string]string{
				"shard": strconv.Itoa(shard),
			},
		)
	}
}

// RecordCacheInconsistency counts an update that referenced an unknown parent.
func RecordCacheInconsistency(kind string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			CacheInconsistenciesTotal,
			1,
			map[string]string{
				"kind": kind,
			},
		)
	}
}

// RecordDispatch records a command dispatch outcome.
func RecordDispatch(command string, outcome string, duration time.Duration) {
	if observability.TelemetrySystem != nil {
		tags := map[string]string{
			"command": command,
			"outcome": outcome,
		}
		_ = observability.TelemetrySystem.Counter(DispatchTotal, 1, tags)
		_ = observability.TelemetrySystem.Histogram(DispatchDuration, duration, tags)
	}
}

// RecordRateLimited counts an action denied by the rate limiter.
func RecordRateLimited(class string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RateLimitedTotal,
			1,
			map[string]string{
				"class": class,
			},
		)
	}
}

// RecordPoll records a tracking poll outcome.
func RecordPoll(outcome string, duration time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			TrackingPollsTotal,
			1,
			map[string]string{
				"outcome": outcome,
			},
		)
		_ = observability.TelemetrySystem.Histogram(
			TrackingPollDuration,
			duration,
			nil,
		)
	}
}

// RecordNotification records a fan-out send outcome.
func RecordNotification(outcome string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			TrackingNotificationsTotal,
			1,
			map[string]string{
				"outcome": outcome,
			},
		)
	}
}

// RecordSubscriptionsPruned counts subscriptions removed because their
// destination became invalid.
func RecordSubscriptionsPruned(reason string, count int) {
	if count <= 0 {
		return
	}
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			TrackingSubscriptionsPruned,
			float64(count),
			map[string]string{
				"reason": reason,
			},
		)
	}
}

// SetTrackedResources records the number of resources with subscribers.
func SetTrackedResources(count int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			TrackingResources,
			float64(count),
			nil,
		)
	}
}

// RecordRESTRequest records an outbound REST call.
func RecordRESTRequest(route string, status int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RESTRequestsTotal,
			1,
			map[string]string{
				"route":  route,
				"status": strconv.Itoa(status),
			},
		)
	}
}

// RecordLookup counts a cached lookup by kind and result (hit, miss or
// uncached).
func RecordLookup(kind, result string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			LookupCacheTotal,
			1,
			map[string]string{
				"kind":   kind,
				"result": result,
			},
		)
	}
}
