package gateway

import (
	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/cache"
)

// Apply mirrors a decoded event into the cache. Every update is idempotent:
// reapplying an event leaves the cache in the same state. It reports whether
// the event referenced a parent the cache does not know.
func Apply(c *cache.Cache, event core.Event) (orphan bool) {
	switch data := event.Data.(type) {
	case *Ready:
		for _, g := range data.Guilds {
			if _, ok := c.Guild(g.ID); !ok {
				c.Upsert(&core.Guild{ID: g.ID, Unavailable: true})
			}
		}
	case *GuildCreate:
		if event.Type == EventGuildUpdate {
			// Updates carry guild fields only; children stay as cached.
			return c.Upsert(data.Guild)
		}
		c.ReplaceGuild(data.Guild, data.Entities()...)
	case *GuildDelete:
		if data.Unavailable {
			if guild, ok := c.Guild(data.ID); ok {
				stub := *guild
				stub.Unavailable = true
				c.Upsert(&stub)
			}
			return false
		}
		c.Remove(core.GuildKey(data.ID))
	case *core.Channel:
		if event.Type == EventChannelDelete {
			c.Remove(data.Key())
			return false
		}
		return c.Upsert(data)
	case *core.Role:
		return c.Upsert(data)
	case *RoleDelete:
		c.Remove(core.RoleKey(data.RoleID))
	case *core.Member:
		return c.Upsert(data)
	case *MemberRemove:
		c.Remove(core.MemberKey(data.GuildID, data.UserID))
	}
	return false
}

// ShardForGuild returns the shard that receives events for a guild.
func ShardForGuild(guildID core.ID, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return int((uint64(guildID) >> 22) % uint64(shardCount))
}
