package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/engine"
	"github.com/beaconbot/beacon/internal/core/tracking"
)

const maxActivityBody = 4 << 20

// HTTPSource fetches resource activity from a JSON HTTP API.
type HTTPSource struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Limiter *engine.RateLimiter
	Clock   func() time.Time
}

type activityResponse struct {
	Items []activityItem `json:"items"`
}

type activityItem struct {
	ID    itemID         `json:"id"`
	At    time.Time      `json:"at"`
	Title string         `json:"title"`
	URL   string         `json:"url"`
	Extra map[string]any `json:"extra"`
}

// itemID accepts both string and numeric ids.
type itemID string

func (id *itemID) UnmarshalJSON(data []byte) error {
	value := strings.Trim(string(data), `"`)
	if value == "null" {
		value = ""
	}
	*id = itemID(value)
	return nil
}

// LimitKey is the rate limiter key every fetch against this source shares.
func (s *HTTPSource) LimitKey() string {
	return engine.Key(engine.ClassEndpoint, s.endpoint())
}

// Fetch returns the current activity of resource.
func (s *HTTPSource) Fetch(ctx context.Context, resource string) (*tracking.ResourceState, error) {
	if s == nil {
		return nil, errors.New("http source is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	value := strings.TrimSpace(resource)
	if value == "" {
		return nil, fmt.Errorf("%w: resource is required", core.ErrFetch)
	}

	base, err := s.baseURL()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrFetch, err)
	}
	reqURL := base.JoinPath("resources", url.PathEscape(value), "activity").String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json")
	if token := strings.TrimSpace(s.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", core.ErrFetch, value, err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := retryAfterHeader(resp)
		s.Limiter.Backoff(s.LimitKey(), wait)
		return nil, fmt.Errorf("%w: %s: %w", core.ErrFetch, value, &core.RateLimitedError{Key: s.LimitKey(), RetryAfter: wait})
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s: resource not found", core.ErrFetch, value)
	default:
		return nil, fmt.Errorf("%w: %s: unexpected status %d", core.ErrFetch, value, resp.StatusCode)
	}

	var payload activityResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxActivityBody)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %s: decode activity: %v", core.ErrFetch, value, err)
	}

	state := &tracking.ResourceState{
		Resource:  value,
		Items:     make([]core.Item, 0, len(payload.Items)),
		FetchedAt: s.now(),
	}
	for _, item := range payload.Items {
		id := string(item.ID)
		if id == "" || item.At.IsZero() {
			continue
		}
		state.Items = append(state.Items, core.Item{
			ID:    id,
			At:    item.At.UTC(),
			Title: item.Title,
			URL:   item.URL,
			Extra: item.Extra,
		})
	}
	return state, nil
}

func (s *HTTPSource) baseURL() (*url.URL, error) {
	raw := strings.TrimSpace(s.BaseURL)
	if raw == "" {
		return nil, errors.New("source base url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return parsed, nil
}

func (s *HTTPSource) endpoint() string {
	base, err := s.baseURL()
	if err != nil || base.Hostname() == "" {
		return "source"
	}
	return base.Hostname()
}

func (s *HTTPSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (s *HTTPSource) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if resp == nil || resp.Header == nil {
		return time.Minute
	}
	retry := resp.Header.Get("Retry-After")
	if retry == "" {
		return time.Minute
	}
	if seconds, err := strconv.Atoi(retry); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if parsed, err := http.ParseTime(retry); err == nil {
		return time.Until(parsed)
	}
	return time.Minute
}
