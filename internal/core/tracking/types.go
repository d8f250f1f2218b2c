package tracking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/beaconbot/beacon/internal/core"
)

// ResourceState is the result of one fetch of an external resource.
type ResourceState struct {
	Resource  string      `json:"resource"`
	Items     []core.Item `json:"items"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// Source queries an external resource for its current activity.
type Source interface {
	Fetch(ctx context.Context, resource string) (*ResourceState, error)
}

// Notifier delivers one notification to a destination channel. Failures are
// reported as *core.SendError.
type Notifier interface {
	Notify(ctx context.Context, notification core.Notification) error
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	LoadSubscriptions(ctx context.Context) ([]core.Subscription, error)
	SaveSubscription(ctx context.Context, sub core.Subscription) error
	DeleteSubscription(ctx context.Context, resource string, channelID core.ID) error
	DeleteChannelSubscriptions(ctx context.Context, channelID core.ID) (int, error)
}

// MarkerStore persists the per-resource marker so restarts do not announce
// items twice.
type MarkerStore interface {
	LoadMarkers(ctx context.Context) (map[string]core.Marker, error)
	SaveMarker(ctx context.Context, resource string, marker core.Marker) error
	DeleteMarker(ctx context.Context, resource string) error
}

// PendingNotification is the delta destined for one subscription.
type PendingNotification struct {
	Subscription core.Subscription
	Items        []core.Item
}

const maxResourceLength = 100

// NormalizeResource trims and validates a resource identifier.
func NormalizeResource(resource string) (string, error) {
	value := strings.TrimSpace(resource)
	if value == "" {
		return "", fmt.Errorf("%w: resource is required", core.ErrValidation)
	}
	if len(value) > maxResourceLength {
		return "", fmt.Errorf("%w: resource longer than %d characters", core.ErrValidation, maxResourceLength)
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune(":._-/", r):
		default:
			return "", fmt.Errorf("%w: resource contains invalid character %q", core.ErrValidation, r)
		}
	}
	return value, nil
}
