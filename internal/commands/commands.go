// Package commands holds the built-in slash commands.
package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/dispatch"
	"github.com/beaconbot/beacon/internal/core/gateway"
	"github.com/beaconbot/beacon/internal/core/tracking"
)

// Subscriptions is the part of the tracking registry the commands mutate.
type Subscriptions interface {
	Add(ctx context.Context, sub core.Subscription) (bool, error)
	Remove(ctx context.Context, resource string, channelID core.ID) (bool, error)
	ForChannel(channelID core.ID) []core.Subscription
}

// Deps are the collaborators the built-in commands need.
type Deps struct {
	Subscriptions Subscriptions

	// Shards reports shard status for ping. Optional.
	Shards func() []gateway.ShardStatus

	// SchedulePoll asks the tracking engine to poll a newly tracked resource
	// without waiting for its interval. Optional.
	SchedulePoll func(resource string)

	// Recent looks up the current activity of a resource for /recent.
	// Optional.
	Recent func(ctx context.Context, resource string) (*tracking.ResourceState, error)
}

// Builtin returns the built-in command table.
func Builtin(deps Deps) []dispatch.Command {
	cmds := []dispatch.Command{
		{
			Name:        "ping",
			Description: "Check that the bot is responsive",
			RateClass:   dispatch.RateActor,
			Handler:     ping(deps),
		},
		{
			Name:        "guildinfo",
			Description: "Show what the bot knows about this server",
			RateClass:   dispatch.RateGuild,
			Handler:     guildInfo,
		},
	}
	if deps.Subscriptions != nil {
		cmds = append(cmds,
			dispatch.Command{
				Name:        "track",
				Description: "Announce new activity of a resource in a channel",
				RateClass:   dispatch.RateGuild,
				Handler:     track(deps),
			},
			dispatch.Command{
				Name:        "untrack",
				Description: "Stop announcing a resource in a channel",
				RateClass:   dispatch.RateGuild,
				Handler:     untrack(deps),
			},
			dispatch.Command{
				Name:        "tracked",
				Description: "List the resources tracked in a channel",
				RateClass:   dispatch.RateActor,
				Handler:     tracked(deps),
			},
		)
	}
	if deps.Recent != nil {
		cmds = append(cmds, dispatch.Command{
			Name:        "recent",
			Description: "Show the latest activity of a resource",
			RateClass:   dispatch.RateActor,
			Handler:     recent(deps),
		})
	}
	return cmds
}

// NewRegistry builds the routing table of the built-in commands.
func NewRegistry(deps Deps) (*dispatch.Registry, error) {
	return dispatch.NewRegistry(Builtin(deps)...)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrValidation, fmt.Sprintf(format, args...))
}

func boolOption(req *dispatch.Request, name string) bool {
	value := strings.TrimSpace(req.Option(name))
	if value == "" {
		return false
	}
	parsed, err := strconv.ParseBool(value)
	return err == nil && parsed
}

func mentionChannel(id core.ID) string {
	return "<#" + id.String() + ">"
}
