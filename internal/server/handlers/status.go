package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/cache"
	"github.com/beaconbot/beacon/internal/core/gateway"
	"github.com/beaconbot/beacon/internal/core/tracking"
)

// StatusProviders supplies the live views served under /status. A nil
// provider makes its endpoint answer 503.
type StatusProviders struct {
	Shards   func() []gateway.ShardStatus
	Tracking func() []tracking.ResourceStatus
	Usage    func() map[string]int64
	Commands func() []string
	Cache    func() cache.Stats
}

// ShardsResponse lists gateway shards.
type ShardsResponse struct {
	Shards    []gateway.ShardStatus `json:"shards"`
	Connected int                   `json:"connected"`
	Timestamp time.Time             `json:"timestamp"`
}

// TrackingResponse lists tracked resources.
type TrackingResponse struct {
	Resources []tracking.ResourceStatus `json:"resources"`
	Timestamp time.Time                 `json:"timestamp"`
}

// CommandUsage is one row of the command-count listing.
type CommandUsage struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// CommandsResponse lists registered commands with their invocation counts,
// most used first.
type CommandsResponse struct {
	Commands  []CommandUsage `json:"commands"`
	Total     int64          `json:"total"`
	Timestamp time.Time      `json:"timestamp"`
}

// CacheResponse reports entity cache sizes.
type CacheResponse struct {
	cache.Stats
	Timestamp time.Time `json:"timestamp"`
}

// StatusHandlers serves the /status endpoints.
type StatusHandlers struct {
	providers StatusProviders
}

// NewStatusHandlers wraps providers.
func NewStatusHandlers(providers StatusProviders) *StatusHandlers {
	return &StatusHandlers{providers: providers}
}

func (h *StatusHandlers) Shards(w http.ResponseWriter, r *http.Request) {
	if h.providers.Shards == nil {
		respondUnavailable(w, r, "shards")
		return
	}
	shards := h.providers.Shards()
	connected := 0
	for _, shard := range shards {
		if shard.State == core.ShardConnected {
			connected++
		}
	}
	writeJSON(w, ShardsResponse{Shards: shards, Connected: connected, Timestamp: time.Now().UTC()})
}

func (h *StatusHandlers) Tracking(w http.ResponseWriter, r *http.Request) {
	if h.providers.Tracking == nil {
		respondUnavailable(w, r, "tracking")
		return
	}
	resources := h.providers.Tracking()
	if resources == nil {
		resources = []tracking.ResourceStatus{}
	}
	writeJSON(w, TrackingResponse{Resources: resources, Timestamp: time.Now().UTC()})
}

// Commands merges the registered command names with their usage counts, so
// commands that were never invoked still appear with zero.
func (h *StatusHandlers) Commands(w http.ResponseWriter, r *http.Request) {
	if h.providers.Usage == nil {
		respondUnavailable(w, r, "commands")
		return
	}
	usage := h.providers.Usage()
	counts := make(map[string]int64, len(usage))
	for name, count := range usage {
		counts[name] = count
	}
	if h.providers.Commands != nil {
		for _, name := range h.providers.Commands() {
			if _, ok := counts[name]; !ok {
				counts[name] = 0
			}
		}
	}

	resp := CommandsResponse{Commands: make([]CommandUsage, 0, len(counts)), Timestamp: time.Now().UTC()}
	for name, count := range counts {
		resp.Commands = append(resp.Commands, CommandUsage{Name: name, Count: count})
		resp.Total += count
	}
	sort.Slice(resp.Commands, func(i, j int) bool {
		a, b := resp.Commands[i], resp.Commands[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Name < b.Name
	})
	writeJSON(w, resp)
}

func (h *StatusHandlers) Cache(w http.ResponseWriter, r *http.Request) {
	if h.providers.Cache == nil {
		respondUnavailable(w, r, "cache")
		return
	}
	writeJSON(w, CacheResponse{Stats: h.providers.Cache(), Timestamp: time.Now().UTC()})
}

func respondUnavailable(w http.ResponseWriter, r *http.Request, component string) {
	envelope, _ := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", component+" status is not available").
		WithContext(map[string]interface{}{"component": component})
	respondWithError(w, r, envelope)
}
