package commands

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/dispatch"
	"github.com/beaconbot/beacon/internal/core/tracking"
	"github.com/beaconbot/beacon/internal/observability"
)

// destination resolves the channel a tracking command applies to: the
// channel option when given, else the channel the command was used in.
func destination(req *dispatch.Request) (core.ID, error) {
	in := req.Interaction
	if in.GuildID == 0 {
		return 0, validationf("tracking is only available in servers")
	}

	channelID := in.ChannelID
	if raw := strings.Trim(strings.TrimSpace(req.Option("channel")), "<#>"); raw != "" {
		parsed, err := core.ParseID(raw)
		if err != nil {
			return 0, validationf("%q is not a channel", req.Option("channel"))
		}
		channelID = parsed
	}

	// Only reject when the guild is known; an unsynced cache must not block
	// the command.
	if guild, ok := req.Cache.Guild(in.GuildID); ok && !guild.Unavailable {
		channel, ok := req.Cache.Channel(channelID)
		if !ok || channel.GuildID != in.GuildID {
			return 0, validationf("that channel is not part of this server")
		}
		if channel.Type == core.ChannelGuildVoice || channel.Type == core.ChannelGuildCategory {
			return 0, validationf("notifications can only be sent to text channels")
		}
	}
	return channelID, nil
}

func track(deps Deps) dispatch.Handler {
	return func(ctx context.Context, req *dispatch.Request) (dispatch.Reply, error) {
		resource, err := tracking.NormalizeResource(req.Option("resource"))
		if err != nil {
			return dispatch.Reply{}, err
		}
		channelID, err := destination(req)
		if err != nil {
			return dispatch.Reply{}, err
		}

		var flags core.SubscriptionFlags
		if boolOption(req, "mention") {
			flags |= core.FlagMentionEveryone
		}
		if boolOption(req, "quiet") {
			flags |= core.FlagQuiet
		}

		created, err := deps.Subscriptions.Add(ctx, core.Subscription{
			Resource:  resource,
			ChannelID: channelID,
			GuildID:   req.Interaction.GuildID,
			Flags:     flags,
			CreatedBy: req.Interaction.UserID,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return dispatch.Reply{}, err
		}
		if !created {
			return dispatch.Reply{
				Content:   fmt.Sprintf("**%s** is already tracked in %s.", resource, mentionChannel(channelID)),
				Ephemeral: true,
			}, nil
		}

		if deps.SchedulePoll != nil {
			deps.SchedulePoll(resource)
			observability.OrNop(req.Logger).Debug("Scheduled initial poll", zap.String("resource", resource))
		}
		return dispatch.Reply{Content: fmt.Sprintf("Now tracking **%s** in %s.", resource, mentionChannel(channelID))}, nil
	}
}

func untrack(deps Deps) dispatch.Handler {
	return func(ctx context.Context, req *dispatch.Request) (dispatch.Reply, error) {
		resource, err := tracking.NormalizeResource(req.Option("resource"))
		if err != nil {
			return dispatch.Reply{}, err
		}
		channelID, err := destination(req)
		if err != nil {
			return dispatch.Reply{}, err
		}

		removed, err := deps.Subscriptions.Remove(ctx, resource, channelID)
		if err != nil {
			return dispatch.Reply{}, err
		}
		if !removed {
			return dispatch.Reply{
				Content:   fmt.Sprintf("**%s** is not tracked in %s.", resource, mentionChannel(channelID)),
				Ephemeral: true,
			}, nil
		}
		return dispatch.Reply{Content: fmt.Sprintf("Stopped tracking **%s** in %s.", resource, mentionChannel(channelID))}, nil
	}
}

func tracked(deps Deps) dispatch.Handler {
	return func(_ context.Context, req *dispatch.Request) (dispatch.Reply, error) {
		channelID, err := destination(req)
		if err != nil {
			return dispatch.Reply{}, err
		}

		subs := deps.Subscriptions.ForChannel(channelID)
		if len(subs) == 0 {
			return dispatch.Reply{Content: fmt.Sprintf("Nothing is tracked in %s.", mentionChannel(channelID)), Ephemeral: true}, nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Tracked in %s:", mentionChannel(channelID))
		for _, sub := range subs {
			b.WriteString("\n- ")
			b.WriteString(sub.Resource)
			if sub.Flags&core.FlagMentionEveryone != 0 {
				b.WriteString(" (mentions everyone)")
			}
			if sub.Flags&core.FlagQuiet != 0 {
				b.WriteString(" (quiet)")
			}
		}
		return dispatch.Reply{Content: b.String(), Ephemeral: true}, nil
	}
}

const recentItems = 5

func recent(deps Deps) dispatch.Handler {
	return func(ctx context.Context, req *dispatch.Request) (dispatch.Reply, error) {
		resource, err := tracking.NormalizeResource(req.Option("resource"))
		if err != nil {
			return dispatch.Reply{}, err
		}

		state, err := deps.Recent(ctx, resource)
		if err != nil {
			return dispatch.Reply{}, err
		}
		if state == nil || len(state.Items) == 0 {
			return dispatch.Reply{Content: fmt.Sprintf("**%s** has no activity yet.", resource), Ephemeral: true}, nil
		}

		items := slices.Clone(state.Items)
		slices.SortFunc(items, func(a, b core.Item) int { return core.CompareItems(b, a) })
		if len(items) > recentItems {
			items = items[:recentItems]
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Latest activity of **%s**:", resource)
		for _, item := range items {
			b.WriteString("\n- ")
			title := item.Title
			if title == "" {
				title = item.ID
			}
			if item.URL != "" {
				fmt.Fprintf(&b, "[%s](%s)", title, item.URL)
			} else {
				b.WriteString(title)
			}
			fmt.Fprintf(&b, " <t:%d:R>", item.At.Unix())
		}
		return dispatch.Reply{Content: b.String(), Ephemeral: true}, nil
	}
}
