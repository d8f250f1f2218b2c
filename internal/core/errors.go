package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnection marks transport-level failures. Shards reconnect on it.
	ErrConnection = errors.New("connection error")

	// ErrProtocol marks malformed or unexpected gateway frames.
	ErrProtocol = errors.New("protocol error")

	// ErrRateLimited is returned when a limiter bucket or the remote side denies an action.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnknownCommand is returned when no handler is registered for a command.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrValidation marks invalid user input.
	ErrValidation = errors.New("validation failed")

	// ErrFetch marks an external resource that could not be queried.
	ErrFetch = errors.New("fetch failed")

	// ErrDestinationGone marks a destination that no longer exists or is no longer reachable.
	ErrDestinationGone = errors.New("destination gone")

	// ErrCacheInconsistency marks an update referencing an unknown parent.
	ErrCacheInconsistency = errors.New("cache inconsistency")

	// ErrNoShards is returned when no shard could be kept connected.
	ErrNoShards = errors.New("no gateway shard available")
)

// RateLimitedError carries the wait hint of a denied action.
type RateLimitedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited on %s, retry in %s", e.Key, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("rate limited on %s", e.Key)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// SendErrorKind classifies outbound send failures.
type SendErrorKind int

const (
	SendTransient SendErrorKind = iota
	SendGone
	SendRateLimited
	SendRejected
)

func (k SendErrorKind) String() string {
	switch k {
	case SendGone:
		return "gone"
	case SendRateLimited:
		return "rate_limited"
	case SendRejected:
		return "rejected"
	default:
		return "transient"
	}
}

// SendError is returned by the outbound send path.
type SendError struct {
	Kind       SendErrorKind
	Status     int
	Code       int
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	msg := fmt.Sprintf("send failed (%s", e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(", status %d", e.Status)
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(", code %d", e.Code)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SendError) Unwrap() []error {
	errs := make([]error, 0, 2)
	switch e.Kind {
	case SendGone:
		errs = append(errs, ErrDestinationGone)
	case SendRateLimited:
		errs = append(errs, ErrRateLimited)
	case SendTransient:
		errs = append(errs, ErrConnection)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether resending may succeed.
func (e *SendError) Retryable() bool {
	return e.Kind == SendTransient || e.Kind == SendRateLimited
}

// IsDestinationGone reports whether err means the destination should be dropped.
func IsDestinationGone(err error) bool {
	return errors.Is(err, ErrDestinationGone)
}

// RetryAfter extracts a wait hint from rate limit errors.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
