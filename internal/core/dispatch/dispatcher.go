package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/cache"
	"github.com/beaconbot/beacon/internal/core/engine"
	"github.com/beaconbot/beacon/internal/metrics"
	"github.com/beaconbot/beacon/internal/observability"
)

// DefaultTimeout bounds a single handler invocation.
const DefaultTimeout = 10 * time.Second

// Outcome is the terminal state of one dispatch.
type Outcome string

const (
	Completed      Outcome = "completed"
	UnknownCommand Outcome = "unknown_command"
	RateLimited    Outcome = "rate_limited"
	Failed         Outcome = "failed"
)

// Result reports what happened to one interaction.
type Result struct {
	Outcome       Outcome
	Command       string
	Reply         Reply
	RetryAfter    time.Duration
	Err           error
	CorrelationID string
}

// Responder sends user-visible feedback for an interaction.
type Responder interface {
	RespondInteraction(ctx context.Context, interaction *core.Interaction, content string, ephemeral bool) error
}

// Dispatcher routes interactions to registered handlers under rate limiting.
type Dispatcher struct {
	registry *Registry
	cache    cache.Reader
	limiter  *engine.RateLimiter
	logger   observability.Logger

	responder Responder
	usage     *usageCounter

	// Timeout bounds each handler run. Zero uses DefaultTimeout.
	Timeout time.Duration

	wg sync.WaitGroup
}

// NewDispatcher builds a dispatcher over registry.
func NewDispatcher(registry *Registry, reader cache.Reader, limiter *engine.RateLimiter, logger observability.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		cache:    reader,
		limiter:  limiter,
		logger:   observability.OrNop(logger),
		usage:    newUsageCounter(),
	}
}

// SetResponder sets where HandleEvent sends feedback.
func (d *Dispatcher) SetResponder(responder Responder) {
	d.responder = responder
}

// Dispatch resolves, limits and runs the command named by interaction.
// Handler errors and panics are reported as Failed.
func (d *Dispatcher) Dispatch(ctx context.Context, interaction *core.Interaction) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	result := Result{CorrelationID: uuid.NewString()}
	if interaction == nil {
		result.Outcome = Failed
		result.Err = fmt.Errorf("%w: interaction is required", core.ErrValidation)
		return result
	}
	result.Command = interaction.Command

	cmd, ok := d.registry.Lookup(interaction.Command)
	if !ok {
		result.Outcome = UnknownCommand
		result.Err = fmt.Errorf("%w: %q", core.ErrUnknownCommand, interaction.Command)
		result.Reply = Reply{Content: "Unknown command.", Ephemeral: true}
		d.finish(result, started)
		return result
	}
	result.Command = cmd.Name

	if key := limitKey(cmd.RateClass, interaction); key != "" {
		if allowed, wait := d.limiter.Allow(key); !allowed {
			metrics.RecordRateLimited(cmd.RateClass.String())
			result.Outcome = RateLimited
			result.RetryAfter = wait
			result.Err = &core.RateLimitedError{Key: key, RetryAfter: wait}
			result.Reply = Reply{
				Content:   fmt.Sprintf("You're doing that too fast. Try again in %s.", wait.Round(time.Second)),
				Ephemeral: true,
			}
			d.finish(result, started)
			return result
		}
	}

	d.usage.add(cmd.Name)

	reply, err := d.invoke(ctx, cmd, &Request{
		Interaction:   interaction,
		Cache:         d.cache,
		Logger:        d.logger,
		CorrelationID: result.CorrelationID,
	})
	if err != nil {
		result.Outcome = Failed
		result.Err = err
		result.Reply = failureReply(err, result.CorrelationID)
	} else {
		result.Outcome = Completed
		result.Reply = reply
	}
	d.finish(result, started)
	return result
}

func (d *Dispatcher) invoke(ctx context.Context, cmd Command, req *Request) (reply Reply, err error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("Command handler panicked",
				zap.String("command", cmd.Name),
				zap.String("correlation_id", req.CorrelationID),
				zap.Any("panic", recovered),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("command %s panicked: %v", cmd.Name, recovered)
		}
	}()
	return cmd.Handler(ctx, req)
}

func (d *Dispatcher) finish(result Result, started time.Time) {
	elapsed := time.Since(started)
	metrics.RecordDispatch(result.Command, string(result.Outcome), elapsed)

	fields := []zap.Field{
		zap.String("command", result.Command),
		zap.String("outcome", string(result.Outcome)),
		zap.String("correlation_id", result.CorrelationID),
		zap.Duration("duration", elapsed),
	}
	switch result.Outcome {
	case Failed:
		d.logger.Warn("Command failed", append(fields, zap.Error(result.Err))...)
	case RateLimited:
		d.logger.Debug("Command rate limited", append(fields, zap.Duration("retry_after", result.RetryAfter))...)
	default:
		d.logger.Debug("Command dispatched", fields...)
	}
}

// HandleEvent dispatches interaction events on their own goroutine. The
// handler outlives ctx cancellation so in-flight commands can be drained with
// Wait.
func (d *Dispatcher) HandleEvent(ctx context.Context, event core.Event) {
	interaction, ok := event.Data.(*core.Interaction)
	if !ok || interaction == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		result := d.Dispatch(runCtx, interaction)
		d.respond(runCtx, interaction, result)
	}()
}

func (d *Dispatcher) respond(ctx context.Context, interaction *core.Interaction, result Result) {
	if d.responder == nil || result.Reply.Content == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	if err := d.responder.RespondInteraction(ctx, interaction, result.Reply.Content, result.Reply.Ephemeral); err != nil {
		d.logger.Warn("Failed to respond to interaction",
			zap.String("command", result.Command),
			zap.String("correlation_id", result.CorrelationID),
			zap.Error(err))
	}
}

// Wait blocks until in-flight handlers finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func limitKey(class RateClass, interaction *core.Interaction) string {
	switch class {
	case RateNone:
		return ""
	case RateGuild:
		if interaction.GuildID != 0 {
			return engine.Key(engine.ClassGuild, interaction.GuildID.String())
		}
	}
	return engine.Key(engine.ClassActor, interaction.UserID.String())
}

func failureReply(err error, correlationID string) Reply {
	if errors.Is(err, core.ErrValidation) {
		msg := strings.TrimPrefix(err.Error(), core.ErrValidation.Error()+": ")
		return Reply{Content: msg, Ephemeral: true}
	}
	return Reply{
		Content:   fmt.Sprintf("Something went wrong running that command (ref %s).", correlationID[:8]),
		Ephemeral: true,
	}
}
