package dispatch

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/cache"
	"github.com/beaconbot/beacon/internal/observability"
)

// RateClass selects the limiter key a command is charged against.
type RateClass int

const (
	// RateActor limits per invoking user.
	RateActor RateClass = iota
	// RateGuild limits per guild, falling back to the user outside guilds.
	RateGuild
	// RateNone skips the limiter.
	RateNone
)

func (c RateClass) String() string {
	switch c {
	case RateGuild:
		return "guild"
	case RateNone:
		return "none"
	default:
		return "actor"
	}
}

// Request is what a handler receives.
type Request struct {
	Interaction   *core.Interaction
	Cache         cache.Reader
	Logger        observability.Logger
	CorrelationID string
}

// Option returns the named option value.
func (r *Request) Option(name string) string {
	if r == nil || r.Interaction == nil {
		return ""
	}
	return r.Interaction.Options[name]
}

// Reply is the user-visible answer of a handler.
type Reply struct {
	Content   string `json:"content"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// Handler runs one command.
type Handler func(ctx context.Context, req *Request) (Reply, error)

// Command is one routing table entry.
type Command struct {
	Name        string
	Description string
	RateClass   RateClass
	Handler     Handler
}

// Registry is the static command routing table. It is read-only after
// construction.
type Registry struct {
	commands map[string]Command
}

// NewRegistry builds a registry, rejecting empty or duplicate names.
func NewRegistry(commands ...Command) (*Registry, error) {
	r := &Registry{commands: make(map[string]Command, len(commands))}
	for _, cmd := range commands {
		name := normalizeName(cmd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: command name is required", core.ErrValidation)
		}
		if cmd.Handler == nil {
			return nil, fmt.Errorf("%w: command %q has no handler", core.ErrValidation, name)
		}
		if _, exists := r.commands[name]; exists {
			return nil, fmt.Errorf("%w: duplicate command %q", core.ErrValidation, name)
		}
		cmd.Name = name
		r.commands[name] = cmd
	}
	return r, nil
}

// Lookup resolves a command by name.
func (r *Registry) Lookup(name string) (Command, bool) {
	if r == nil {
		return Command{}, false
	}
	cmd, ok := r.commands[normalizeName(name)]
	return cmd, ok
}

// Commands lists registered commands sorted by name.
func (r *Registry) Commands() []Command {
	if r == nil {
		return nil
	}
	out := make([]Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	slices.SortFunc(out, func(a, b Command) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
