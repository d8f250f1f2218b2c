package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID is a platform snowflake identifier.
type ID uint64

// String renders the id in its decimal wire form.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseID parses a decimal snowflake.
func ParseID(value string) (ID, error) {
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(parsed), nil
}

// MarshalJSON encodes the id as a string, as the platform does.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON accepts both string and numeric ids.
func (id *ID) UnmarshalJSON(data []byte) error {
	value := strings.Trim(string(data), `"`)
	if value == "" || value == "null" {
		*id = 0
		return nil
	}
	parsed, err := ParseID(value)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", value, err)
	}
	*id = parsed
	return nil
}

// EntityKind identifies the type of a cached entity.
type EntityKind string

const (
	KindGuild   EntityKind = "guild"
	KindChannel EntityKind = "channel"
	KindMember  EntityKind = "member"
	KindRole    EntityKind = "role"
)

// Key uniquely identifies a cached entity. Scope is only set for entities whose
// id is not globally unique (members are unique per guild).
type Key struct {
	Kind  EntityKind `json:"kind"`
	ID    ID         `json:"id"`
	Scope ID         `json:"scope,omitempty"`
}

// GuildKey returns the key of a guild.
func GuildKey(id ID) Key { return Key{Kind: KindGuild, ID: id} }

// ChannelKey returns the key of a channel.
func ChannelKey(id ID) Key { return Key{Kind: KindChannel, ID: id} }

// RoleKey returns the key of a role.
func RoleKey(id ID) Key { return Key{Kind: KindRole, ID: id} }

// MemberKey returns the key of a guild member.
func MemberKey(guildID, userID ID) Key { return Key{Kind: KindMember, ID: userID, Scope: guildID} }

// Entity is a snapshot of remote state held by the cache.
type Entity interface {
	Key() Key
	// Parent returns the owning entity key, if any.
	Parent() (Key, bool)
}

// Guild is a cached guild snapshot.
type Guild struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	OwnerID     ID     `json:"owner_id"`
	MemberCount int    `json:"member_count"`
	Unavailable bool   `json:"unavailable"`
}

func (g *Guild) Key() Key            { return GuildKey(g.ID) }
func (g *Guild) Parent() (Key, bool) { return Key{}, false }

// ChannelType mirrors the platform channel type.
type ChannelType int

const (
	ChannelGuildText     ChannelType = 0
	ChannelDM            ChannelType = 1
	ChannelGuildVoice    ChannelType = 2
	ChannelGuildCategory ChannelType = 4
	ChannelGuildNews     ChannelType = 5
)

// Channel is a cached channel snapshot. GuildID is zero for private channels.
type Channel struct {
	ID       ID          `json:"id"`
	GuildID  ID          `json:"guild_id,omitempty"`
	ParentID ID          `json:"parent_id,omitempty"`
	Name     string      `json:"name"`
	Type     ChannelType `json:"type"`
	Position int         `json:"position"`
}

func (c *Channel) Key() Key { return ChannelKey(c.ID) }

func (c *Channel) Parent() (Key, bool) {
	if c.GuildID == 0 {
		return Key{}, false
	}
	return GuildKey(c.GuildID), true
}

// Member is a cached guild member snapshot.
type Member struct {
	GuildID  ID        `json:"guild_id"`
	UserID   ID        `json:"user_id"`
	Username string    `json:"username"`
	Nick     string    `json:"nick,omitempty"`
	Roles    []ID      `json:"roles,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

func (m *Member) Key() Key            { return MemberKey(m.GuildID, m.UserID) }
func (m *Member) Parent() (Key, bool) { return GuildKey(m.GuildID), true }

// Role is a cached role snapshot.
type Role struct {
	ID          ID     `json:"id"`
	GuildID     ID     `json:"guild_id"`
	Name        string `json:"name"`
	Permissions uint64 `json:"permissions"`
	Position    int    `json:"position"`
}

func (r *Role) Key() Key            { return RoleKey(r.ID) }
func (r *Role) Parent() (Key, bool) { return GuildKey(r.GuildID), true }

// ShardState is the connection state of a gateway shard.
type ShardState string

const (
	ShardDisconnected ShardState = "disconnected"
	ShardConnecting   ShardState = "connecting"
	ShardIdentifying  ShardState = "identifying"
	ShardResuming     ShardState = "resuming"
	ShardConnected    ShardState = "connected"
	ShardFailed       ShardState = "failed"
)

// Session holds what a shard needs to resume.
type Session struct {
	ShardID   int    `json:"shard_id" yaml:"shard_id"`
	SessionID string `json:"session_id" yaml:"session_id"`
	ResumeURL string `json:"resume_url,omitempty" yaml:"resume_url,omitempty"`
	Sequence  int64  `json:"sequence" yaml:"sequence"`
}

// Resumable reports whether the session carries enough state to resume.
func (s Session) Resumable() bool {
	return s.SessionID != "" && s.Sequence > 0
}

// Interaction is an inbound slash-command invocation.
type Interaction struct {
	ID        ID                `json:"id"`
	Token     string            `json:"token"`
	GuildID   ID                `json:"guild_id,omitempty"`
	ChannelID ID                `json:"channel_id"`
	UserID    ID                `json:"user_id"`
	Command   string            `json:"command"`
	Options   map[string]string `json:"options,omitempty"`
}

// Event is a decoded gateway dispatch forwarded to downstream consumers.
// Data holds one of the typed payloads declared by the gateway package.
type Event struct {
	ShardID  int
	Sequence int64
	Type     string
	Data     any
}

// EventSink consumes decoded events. Implementations must not block the shard
// reader for long.
type EventSink interface {
	HandleEvent(ctx context.Context, event Event)
}

// SubscriptionFlags carry per-subscription options.
type SubscriptionFlags uint32

const (
	// FlagMentionEveryone pings the channel on each notification.
	FlagMentionEveryone SubscriptionFlags = 1 << iota
	// FlagQuiet suppresses embeds and sends a one-line notice.
	FlagQuiet
)

// Subscription registers a destination channel for a tracked resource.
type Subscription struct {
	Resource  string            `json:"resource" yaml:"resource"`
	ChannelID ID                `json:"channel_id" yaml:"channel_id"`
	GuildID   ID                `json:"guild_id" yaml:"guild_id"`
	Flags     SubscriptionFlags `json:"flags" yaml:"flags"`
	CreatedBy ID                `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
}

// Marker records the newest item already announced for a resource.
type Marker struct {
	At     time.Time `json:"at"`
	ItemID string    `json:"item_id"`
}

// IsZero reports whether no item has been observed yet.
func (m Marker) IsZero() bool {
	return m.At.IsZero() && m.ItemID == ""
}

// Item is one observable activity entry of a tracked resource.
type Item struct {
	ID    string         `json:"id"`
	At    time.Time      `json:"at"`
	Title string         `json:"title"`
	URL   string         `json:"url,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

// After reports whether the item sorts strictly after the marker.
// Ordering is by timestamp, then item id.
func (i Item) After(m Marker) bool {
	if i.At.Equal(m.At) {
		return CompareItemIDs(i.ID, m.ItemID) > 0
	}
	return i.At.After(m.At)
}

// CompareItems orders items ascending by timestamp, then id.
func CompareItems(a, b Item) int {
	if c := a.At.Compare(b.At); c != 0 {
		return c
	}
	return CompareItemIDs(a.ID, b.ID)
}

// CompareItemIDs compares ids numerically when both are decimal, otherwise
// lexically.
func CompareItemIDs(a, b string) int {
	if isDecimal(a) && isDecimal(b) {
		a, b = strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(a, b)
}

func isDecimal(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Marker returns the marker positioned at this item.
func (i Item) Marker() Marker {
	return Marker{At: i.At, ItemID: i.ID}
}

// Notification is one message sent to a destination channel.
type Notification struct {
	ID        string `json:"id"`
	ChannelID ID     `json:"channel_id"`
	Content   string `json:"content"`
	Title     string `json:"title,omitempty"`
	URL       string `json:"url,omitempty"`
	Mention   bool   `json:"mention,omitempty"`
}
