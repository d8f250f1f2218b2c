package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/beaconbot/beacon/internal/core"
)

// Opcode identifies the kind of a gateway frame.
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

// Frame is the envelope of every gateway message.
type Frame struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// Dispatch event types the core understands.
const (
	EventReady             = "READY"
	EventResumed           = "RESUMED"
	EventGuildCreate       = "GUILD_CREATE"
	EventGuildUpdate       = "GUILD_UPDATE"
	EventGuildDelete       = "GUILD_DELETE"
	EventChannelCreate     = "CHANNEL_CREATE"
	EventChannelUpdate     = "CHANNEL_UPDATE"
	EventChannelDelete     = "CHANNEL_DELETE"
	EventRoleCreate        = "GUILD_ROLE_CREATE"
	EventRoleUpdate        = "GUILD_ROLE_UPDATE"
	EventRoleDelete        = "GUILD_ROLE_DELETE"
	EventMemberAdd         = "GUILD_MEMBER_ADD"
	EventMemberUpdate      = "GUILD_MEMBER_UPDATE"
	EventMemberRemove      = "GUILD_MEMBER_REMOVE"
	EventInteractionCreate = "INTERACTION_CREATE"
)

// Hello is the first frame sent by the gateway.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Interval returns the heartbeat interval as a duration.
func (h Hello) Interval() time.Duration {
	return time.Duration(h.HeartbeatInterval) * time.Millisecond
}

// Identify opens a new session.
type Identify struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Shard      [2]int             `json:"shard"`
	Properties IdentifyProperties `json:"properties"`
	Presence   *Presence          `json:"presence,omitempty"`
}

// Presence is the bot's status as shown to users.
type Presence struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

// Activity types.
const (
	ActivityPlaying   = 0
	ActivityListening = 2
	ActivityWatching  = 3
	ActivityCustom    = 4
	ActivityCompeting = 5
)

// Activity is one entry of a presence.
type Activity struct {
	Name  string `json:"name"`
	Type  int    `json:"type"`
	State string `json:"state,omitempty"`
}

// NewPresence builds a presence with a single activity. An empty name yields
// a presence with status only.
func NewPresence(status, activityType, name string) (*Presence, error) {
	if status == "" {
		status = "online"
	}
	switch status {
	case "online", "idle", "dnd", "invisible":
	default:
		return nil, fmt.Errorf("%w: unknown presence status %q", core.ErrValidation, status)
	}
	p := &Presence{Status: status, Activities: []Activity{}}
	if name == "" {
		return p, nil
	}
	activity := Activity{Name: name}
	switch activityType {
	case "", "playing":
		activity.Type = ActivityPlaying
	case "listening":
		activity.Type = ActivityListening
	case "watching":
		activity.Type = ActivityWatching
	case "competing":
		activity.Type = ActivityCompeting
	case "custom":
		activity.Type = ActivityCustom
		activity.Name = "Custom Status"
		activity.State = name
	default:
		return nil, fmt.Errorf("%w: unknown activity type %q", core.ErrValidation, activityType)
	}
	p.Activities = append(p.Activities, activity)
	return p, nil
}

// IdentifyProperties describe the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Resume continues a previous session.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Ready is the payload of READY.
type Ready struct {
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url"`
	Guilds           []UnavailableGuild `json:"guilds"`
	Shard            []int              `json:"shard,omitempty"`
}

// UnavailableGuild is a guild stub announced before its GUILD_CREATE.
type UnavailableGuild struct {
	ID          core.ID `json:"id"`
	Unavailable bool    `json:"unavailable"`
}

// GuildCreate carries a full guild snapshot.
type GuildCreate struct {
	Guild    *core.Guild
	Channels []*core.Channel
	Roles    []*core.Role
	Members  []*core.Member
}

// Entities returns the children of the snapshot as cache entities.
func (g *GuildCreate) Entities() []core.Entity {
	out := make([]core.Entity, 0, len(g.Channels)+len(g.Roles)+len(g.Members))
	for _, c := range g.Channels {
		out = append(out, c)
	}
	for _, r := range g.Roles {
		out = append(out, r)
	}
	for _, m := range g.Members {
		out = append(out, m)
	}
	return out
}

// GuildDelete is the payload of GUILD_DELETE. Unavailable is set during
// outages; the guild has not been left.
type GuildDelete struct {
	ID          core.ID `json:"id"`
	Unavailable bool    `json:"unavailable"`
}

// RoleDelete is the payload of GUILD_ROLE_DELETE.
type RoleDelete struct {
	GuildID core.ID `json:"guild_id"`
	RoleID  core.ID `json:"role_id"`
}

// MemberRemove is the payload of GUILD_MEMBER_REMOVE.
type MemberRemove struct {
	GuildID core.ID
	UserID  core.ID
}

type wireUser struct {
	ID       core.ID `json:"id"`
	Username string  `json:"username"`
}

type wireMember struct {
	GuildID  core.ID   `json:"guild_id"`
	User     *wireUser `json:"user"`
	Nick     string    `json:"nick"`
	Roles    []core.ID `json:"roles"`
	JoinedAt time.Time `json:"joined_at"`
}

func (m wireMember) member(guildID core.ID) *core.Member {
	if m.GuildID != 0 {
		guildID = m.GuildID
	}
	out := &core.Member{GuildID: guildID, Nick: m.Nick, Roles: m.Roles, JoinedAt: m.JoinedAt}
	if m.User != nil {
		out.UserID = m.User.ID
		out.Username = m.User.Username
	}
	return out
}

type wireRole struct {
	ID          core.ID `json:"id"`
	Name        string  `json:"name"`
	Permissions string  `json:"permissions"`
	Position    int     `json:"position"`
}

func (r wireRole) role(guildID core.ID) *core.Role {
	perms, _ := strconv.ParseUint(r.Permissions, 10, 64)
	return &core.Role{ID: r.ID, GuildID: guildID, Name: r.Name, Permissions: perms, Position: r.Position}
}

type wireGuild struct {
	ID          core.ID        `json:"id"`
	Name        string         `json:"name"`
	OwnerID     core.ID        `json:"owner_id"`
	MemberCount int            `json:"member_count"`
	Unavailable bool           `json:"unavailable"`
	Channels    []core.Channel `json:"channels"`
	Roles       []wireRole     `json:"roles"`
	Members     []wireMember   `json:"members"`
}

type wireRoleEvent struct {
	GuildID core.ID  `json:"guild_id"`
	Role    wireRole `json:"role"`
}

type wireInteraction struct {
	ID        core.ID     `json:"id"`
	Token     string      `json:"token"`
	Type      int         `json:"type"`
	GuildID   core.ID     `json:"guild_id"`
	ChannelID core.ID     `json:"channel_id"`
	Member    *wireMember `json:"member"`
	User      *wireUser   `json:"user"`
	Data      struct {
		Name    string `json:"name"`
		Options []struct {
			Name  string          `json:"name"`
			Value json.RawMessage `json:"value"`
		} `json:"options"`
	} `json:"data"`
}

// DecodeEvent decodes the payload of a dispatch frame into the typed value
// carried by core.Event.Data. Unknown event types keep their raw payload.
func DecodeEvent(eventType string, data json.RawMessage) (any, error) {
	switch eventType {
	case EventReady:
		var ready Ready
		return &ready, unmarshal(eventType, data, &ready)
	case EventResumed:
		return nil, nil
	case EventGuildCreate, EventGuildUpdate:
		var wire wireGuild
		if err := unmarshal(eventType, data, &wire); err != nil {
			return nil, err
		}
		return wire.snapshot(), nil
	case EventGuildDelete:
		var del GuildDelete
		return &del, unmarshal(eventType, data, &del)
	case EventChannelCreate, EventChannelUpdate, EventChannelDelete:
		var channel core.Channel
		return &channel, unmarshal(eventType, data, &channel)
	case EventRoleCreate, EventRoleUpdate:
		var wire wireRoleEvent
		if err := unmarshal(eventType, data, &wire); err != nil {
			return nil, err
		}
		return wire.Role.role(wire.GuildID), nil
	case EventRoleDelete:
		var del RoleDelete
		return &del, unmarshal(eventType, data, &del)
	case EventMemberAdd, EventMemberUpdate:
		var wire wireMember
		if err := unmarshal(eventType, data, &wire); err != nil {
			return nil, err
		}
		if wire.User == nil {
			return nil, fmt.Errorf("%w: %s without user", core.ErrProtocol, eventType)
		}
		return wire.member(0), nil
	case EventMemberRemove:
		var wire struct {
			GuildID core.ID  `json:"guild_id"`
			User    wireUser `json:"user"`
		}
		if err := unmarshal(eventType, data, &wire); err != nil {
			return nil, err
		}
		return &MemberRemove{GuildID: wire.GuildID, UserID: wire.User.ID}, nil
	case EventInteractionCreate:
		var wire wireInteraction
		if err := unmarshal(eventType, data, &wire); err != nil {
			return nil, err
		}
		return wire.interaction(), nil
	default:
		return data, nil
	}
}

func (w wireGuild) snapshot() *GuildCreate {
	out := &GuildCreate{
		Guild: &core.Guild{
			ID:          w.ID,
			Name:        w.Name,
			OwnerID:     w.OwnerID,
			MemberCount: w.MemberCount,
			Unavailable: w.Unavailable,
		},
	}
	for i := range w.Channels {
		ch := w.Channels[i]
		ch.GuildID = w.ID
		out.Channels = append(out.Channels, &ch)
	}
	for _, r := range w.Roles {
		out.Roles = append(out.Roles, r.role(w.ID))
	}
	for _, m := range w.Members {
		if m.User == nil {
			continue
		}
		out.Members = append(out.Members, m.member(w.ID))
	}
	return out
}

func (w wireInteraction) interaction() *core.Interaction {
	out := &core.Interaction{
		ID:        w.ID,
		Token:     w.Token,
		GuildID:   w.GuildID,
		ChannelID: w.ChannelID,
		Command:   w.Data.Name,
	}
	switch {
	case w.Member != nil && w.Member.User != nil:
		out.UserID = w.Member.User.ID
	case w.User != nil:
		out.UserID = w.User.ID
	}
	if len(w.Data.Options) > 0 {
		out.Options = make(map[string]string, len(w.Data.Options))
		for _, opt := range w.Data.Options {
			out.Options[opt.Name] = optionValue(opt.Value)
		}
	}
	return out
}

func optionValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func unmarshal(eventType string, data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", core.ErrProtocol, eventType, err)
	}
	return nil
}

// newFrame encodes payload into a frame for sending.
func newFrame(op Opcode, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Op: op, Data: data}, nil
}
