package engine

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

// Limit classes. Keys are built as "class:id" via Key.
const (
	ClassActor    = "actor"
	ClassGuild    = "guild"
	ClassChannel  = "channel"
	ClassEndpoint = "endpoint"
	ClassIdentify = "identify"
	ClassGlobal   = "global"
)

const bucketShards = 32

// RateLimiter enforces per-key token buckets.
//
// The zero value is usable and falls back to DefaultLimits. Limits, Margin and
// Clock must be set before the first call.
type RateLimiter struct {
	Limits map[string]RateLimit
	Clock  func() time.Time
	Margin float64

	shards [bucketShards]bucketShard
}

// RateLimit describes a bucket: RequestsPerWindow tokens refill evenly over
// WindowDuration, up to Burst tokens (RequestsPerWindow when unset).
type RateLimit struct {
	RequestsPerWindow int           `mapstructure:"requests" json:"requests"`
	WindowDuration    time.Duration `mapstructure:"window" json:"window"`
	Burst             int           `mapstructure:"burst" json:"burst,omitempty"`
}

// DefaultLimits provides conservative defaults per class.
var DefaultLimits = map[string]RateLimit{
	ClassActor:    {RequestsPerWindow: 10, WindowDuration: time.Minute},
	ClassGuild:    {RequestsPerWindow: 60, WindowDuration: time.Minute},
	ClassChannel:  {RequestsPerWindow: 5, WindowDuration: 5 * time.Second},
	ClassEndpoint: {RequestsPerWindow: 60, WindowDuration: time.Minute},
	ClassIdentify: {RequestsPerWindow: 1, WindowDuration: 5 * time.Second},
	ClassGlobal:   {RequestsPerWindow: 50, WindowDuration: time.Second},
}

type bucket struct {
	limiter      *rate.Limiter
	backoffUntil time.Time
	lastUsed     time.Time
}

type bucketShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Key builds a limiter key from a class and an id.
func Key(class, id string) string {
	return class + ":" + id
}

// Allow takes one token from the key's bucket. When denied it returns the
// duration after which a token will be available.
func (r *RateLimiter) Allow(key string) (bool, time.Duration) {
	if r == nil {
		return true, 0
	}

	now := r.now()
	shard := r.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	b := r.bucketLocked(shard, key, now)
	b.lastUsed = now

	if now.Before(b.backoffUntil) {
		return false, b.backoffUntil.Sub(now)
	}

	reservation := b.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, r.getLimit(key).WindowDuration
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Wait blocks until a token for key is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		allowed, wait := r.Allow(key)
		if allowed {
			return nil
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Backoff blocks the key until retryAfter has elapsed, typically after the
// remote side answered 429.
func (r *RateLimiter) Backoff(key string, retryAfter time.Duration) {
	if r == nil || retryAfter <= 0 {
		return
	}

	now := r.now()
	shard := r.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	b := r.bucketLocked(shard, key, now)
	until := now.Add(retryAfter)
	if until.After(b.backoffUntil) {
		b.backoffUntil = until
	}
}

// Tokens reports the tokens currently available for key.
func (r *RateLimiter) Tokens(key string) float64 {
	if r == nil {
		return math.Inf(1)
	}

	now := r.now()
	shard := r.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	return r.bucketLocked(shard, key, now).limiter.TokensAt(now)
}

// Sweep drops buckets that were not used for idle and are not backing off.
// It returns the number of buckets removed.
func (r *RateLimiter) Sweep(idle time.Duration) int {
	if r == nil {
		return 0
	}

	now := r.now()
	removed := 0
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.Lock()
		for key, b := range shard.buckets {
			if now.Sub(b.lastUsed) >= idle && !now.Before(b.backoffUntil) {
				delete(shard.buckets, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns the number of live buckets.
func (r *RateLimiter) Len() int {
	if r == nil {
		return 0
	}
	total := 0
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.Lock()
		total += len(shard.buckets)
		shard.mu.Unlock()
	}
	return total
}

// ApplyOverrides merges per-class limit overrides.
func (r *RateLimiter) ApplyOverrides(overrides map[string]RateLimit) {
	if r == nil || len(overrides) == 0 {
		return
	}

	if r.Limits == nil {
		r.Limits = make(map[string]RateLimit, len(DefaultLimits))
		for key, limit := range DefaultLimits {
			r.Limits[key] = limit
		}
	}

	for class, limit := range overrides {
		class = strings.TrimSpace(class)
		if class == "" || limit.RequestsPerWindow <= 0 {
			continue
		}
		if limit.WindowDuration <= 0 {
			limit.WindowDuration = time.Minute
		}
		r.Limits[class] = limit
	}
}

// ApplySafetyMargin adjusts the effective request limits by a ratio (0-1].
func (r *RateLimiter) ApplySafetyMargin(margin float64) {
	if r == nil {
		return
	}
	if margin <= 0 || margin > 1 {
		return
	}
	r.Margin = margin
}

func (r *RateLimiter) bucketLocked(shard *bucketShard, key string, now time.Time) *bucket {
	if shard.buckets == nil {
		shard.buckets = make(map[string]*bucket)
	}
	if b, ok := shard.buckets[key]; ok {
		return b
	}

	limit := r.getLimit(key)
	burst := limit.Burst
	if burst <= 0 {
		burst = limit.RequestsPerWindow
	}
	every := limit.WindowDuration / time.Duration(limit.RequestsPerWindow)

	b := &bucket{limiter: rate.NewLimiter(rate.Every(every), burst), lastUsed: now}
	shard.buckets[key] = b
	return b
}

func (r *RateLimiter) shard(key string) *bucketShard {
	return &r.shards[xxhash.Sum64String(key)%bucketShards]
}

func (r *RateLimiter) getLimit(key string) RateLimit {
	limits := r.Limits
	if limits == nil {
		limits = DefaultLimits
	}

	if limit, ok := limits[key]; ok {
		return r.applyMargin(limit)
	}

	class, _, _ := strings.Cut(key, ":")
	if limit, ok := limits[class]; ok {
		return r.applyMargin(limit)
	}

	return r.applyMargin(RateLimit{RequestsPerWindow: 30, WindowDuration: time.Minute})
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func (r *RateLimiter) applyMargin(limit RateLimit) RateLimit {
	if limit.RequestsPerWindow <= 0 {
		limit.RequestsPerWindow = 1
	}
	if limit.WindowDuration <= 0 {
		limit.WindowDuration = time.Minute
	}
	if r == nil || r.Margin <= 0 || r.Margin > 1 {
		return limit
	}
	adjusted := int(math.Floor(float64(limit.RequestsPerWindow) * r.Margin))
	if adjusted < 1 {
		adjusted = 1
	}
	limit.RequestsPerWindow = adjusted
	if limit.Burst > adjusted {
		limit.Burst = adjusted
	}
	return limit
}
