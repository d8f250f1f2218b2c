package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/engine"
	"github.com/beaconbot/beacon/internal/metrics"
)

// DefaultBaseURL is the platform REST API root.
const DefaultBaseURL = "https://discord.com/api/v10"

const maxResponseBody = 1 << 20

// Client sends outbound requests to the platform REST API. Every request is
// classified into a core.SendError on failure.
type Client struct {
	BaseURL   string
	Token     string
	HTTP      *http.Client
	Limiter   *engine.RateLimiter
	UserAgent string
}

// Request is one outbound API call.
type Request struct {
	Method string
	Path   string
	Body   any

	// Route names the call for metrics, e.g. "create_message".
	Route string
	// LimitKey is the rate limiter key consulted before sending. Empty skips
	// the local check; remote 429s are still honoured.
	LimitKey string
}

// Response is a successful API response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the response body.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: decode response: %v", core.ErrProtocol, err)
	}
	return nil
}

type apiError struct {
	Code       int     `json:"code"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// Send performs req.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	if c == nil {
		return nil, errors.New("rest client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if req.LimitKey != "" {
		if allowed, wait := c.Limiter.Allow(req.LimitKey); !allowed {
			metrics.RecordRateLimited(limitClass(req.LimitKey))
			return nil, &core.SendError{
				Kind:       core.SendRateLimited,
				RetryAfter: wait,
				Err:        &core.RateLimitedError{Key: req.LimitKey, RetryAfter: wait},
			}
		}
	}
	globalKey := engine.Key(engine.ClassGlobal, "rest")
	if allowed, wait := c.Limiter.Allow(globalKey); !allowed {
		metrics.RecordRateLimited(engine.ClassGlobal)
		return nil, &core.SendError{
			Kind:       core.SendRateLimited,
			RetryAfter: wait,
			Err:        &core.RateLimitedError{Key: globalKey, RetryAfter: wait},
		}
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, &core.SendError{Kind: core.SendRejected, Err: err}
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL()+req.Path, body)
	if err != nil {
		return nil, &core.SendError{Kind: core.SendRejected, Err: err}
	}
	if token := strings.TrimSpace(c.Token); token != "" {
		httpReq.Header.Set("Authorization", "Bot "+token)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", c.userAgent())

	resp, err := c.client().Do(httpReq)
	if err != nil {
		metrics.RecordRESTRequest(req.Route, 0)
		return nil, &core.SendError{Kind: core.SendTransient, Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	metrics.RecordRESTRequest(req.Route, resp.StatusCode)
	if err != nil {
		return nil, &core.SendError{Kind: core.SendTransient, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
	}

	var apiErr apiError
	_ = json.Unmarshal(data, &apiErr)
	sendErr := &core.SendError{Status: resp.StatusCode, Code: apiErr.Code}
	if apiErr.Message != "" {
		sendErr.Err = errors.New(apiErr.Message)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		sendErr.Kind = core.SendRateLimited
		sendErr.RetryAfter = retryAfter(resp, apiErr)
		key := req.LimitKey
		if apiErr.Global || key == "" {
			key = globalKey
		}
		c.Limiter.Backoff(key, sendErr.RetryAfter)
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		sendErr.Kind = core.SendGone
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout:
		sendErr.Kind = core.SendTransient
	default:
		sendErr.Kind = core.SendRejected
	}
	return nil, sendErr
}

func (c *Client) baseURL() string {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimRight(base, "/")
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return "DiscordBot (https://github.com/beaconbot/beacon, 1.0)"
}

// retryAfter reads the wait hint of a 429 from the headers, falling back to
// the JSON body.
func retryAfter(resp *http.Response, apiErr apiError) time.Duration {
	if resp != nil && resp.Header != nil {
		if reset := resp.Header.Get("X-RateLimit-Reset-After"); reset != "" {
			if seconds, err := strconv.ParseFloat(reset, 64); err == nil && seconds > 0 {
				return time.Duration(seconds * float64(time.Second))
			}
		}
		if retry := resp.Header.Get("Retry-After"); retry != "" {
			if seconds, err := strconv.ParseFloat(retry, 64); err == nil && seconds > 0 {
				return time.Duration(seconds * float64(time.Second))
			}
			if parsed, err := http.ParseTime(retry); err == nil {
				return time.Until(parsed)
			}
		}
	}
	if apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter * float64(time.Second))
	}
	return time.Second
}

func limitClass(key string) string {
	class, _, _ := strings.Cut(key, ":")
	return class
}
