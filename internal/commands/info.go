package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/dispatch"
	"github.com/beaconbot/beacon/internal/core/gateway"
)

func ping(deps Deps) dispatch.Handler {
	return func(_ context.Context, req *dispatch.Request) (dispatch.Reply, error) {
		if deps.Shards == nil {
			return dispatch.Reply{Content: "Pong!"}, nil
		}
		shards := deps.Shards()
		if len(shards) == 0 {
			return dispatch.Reply{Content: "Pong!"}, nil
		}
		id := gateway.ShardForGuild(req.Interaction.GuildID, len(shards))
		for _, status := range shards {
			if status.ID == id {
				return dispatch.Reply{Content: fmt.Sprintf("Pong! Shard %d heartbeat: %dms", id, status.LatencyMS)}, nil
			}
		}
		return dispatch.Reply{Content: "Pong!"}, nil
	}
}

func guildInfo(_ context.Context, req *dispatch.Request) (dispatch.Reply, error) {
	guildID := req.Interaction.GuildID
	if guildID == 0 {
		return dispatch.Reply{}, validationf("this command only works in a server")
	}
	guild, ok := req.Cache.Guild(guildID)
	if !ok || guild.Unavailable {
		return dispatch.Reply{}, validationf("server information is not available yet, try again shortly")
	}

	var text, voice, categories, roles, members int
	for child := range req.Cache.Children(core.GuildKey(guildID)) {
		switch entity := child.(type) {
		case *core.Channel:
			switch entity.Type {
			case core.ChannelGuildVoice:
				voice++
			case core.ChannelGuildCategory:
				categories++
			default:
				text++
			}
		case *core.Role:
			roles++
		case *core.Member:
			members++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n", guild.Name)
	fmt.Fprintf(&b, "Members: %d (%d cached)\n", guild.MemberCount, members)
	fmt.Fprintf(&b, "Channels: %d text, %d voice, %d categories\n", text, voice, categories)
	fmt.Fprintf(&b, "Roles: %d", roles)
	if guild.OwnerID != 0 {
		fmt.Fprintf(&b, "\nOwner: <@%s>", guild.OwnerID)
	}
	return dispatch.Reply{Content: b.String(), Ephemeral: true}, nil
}
