package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/beaconbot/beacon/internal/core"
	"github.com/beaconbot/beacon/internal/core/engine"
)

const (
	interactionChannelMessage = 4
	messageFlagEphemeral      = 1 << 6
)

// Embed is the rich block attached to a message.
type Embed struct {
	Title       string `json:"title,omitempty"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
}

// AllowedMentions restricts which mentions in content ping.
type AllowedMentions struct {
	Parse []string `json:"parse"`
}

// Message is the body of a create-message call.
type Message struct {
	Content         string           `json:"content,omitempty"`
	Embeds          []Embed          `json:"embeds,omitempty"`
	Flags           int              `json:"flags,omitempty"`
	AllowedMentions *AllowedMentions `json:"allowed_mentions,omitempty"`
}

// CreateMessage posts msg to a channel. The send is limited per destination
// channel.
func (c *Client) CreateMessage(ctx context.Context, channelID core.ID, msg Message) error {
	if channelID == 0 {
		return fmt.Errorf("%w: channel id is required", core.ErrValidation)
	}
	_, err := c.Send(ctx, Request{
		Method:   http.MethodPost,
		Path:     fmt.Sprintf("/channels/%s/messages", channelID),
		Body:     msg,
		Route:    "create_message",
		LimitKey: engine.Key(engine.ClassChannel, channelID.String()),
	})
	return err
}

// Notify delivers a tracking notification.
func (c *Client) Notify(ctx context.Context, n core.Notification) error {
	msg := Message{Content: n.Content, AllowedMentions: &AllowedMentions{Parse: []string{}}}
	if n.Mention {
		msg.AllowedMentions.Parse = []string{"everyone"}
	}
	if n.Title != "" {
		msg.Embeds = []Embed{{Title: n.Title, URL: n.URL}}
	}
	return c.CreateMessage(ctx, n.ChannelID, msg)
}

type interactionResponse struct {
	Type int     `json:"type"`
	Data Message `json:"data"`
}

// RespondInteraction answers an interaction with a channel message.
func (c *Client) RespondInteraction(ctx context.Context, interaction *core.Interaction, content string, ephemeral bool) error {
	if interaction == nil || interaction.Token == "" {
		return fmt.Errorf("%w: interaction token is required", core.ErrValidation)
	}
	data := Message{Content: content, AllowedMentions: &AllowedMentions{Parse: []string{}}}
	if ephemeral {
		data.Flags = messageFlagEphemeral
	}
	_, err := c.Send(ctx, Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/interactions/%s/%s/callback", interaction.ID, interaction.Token),
		Body:   interactionResponse{Type: interactionChannelMessage, Data: data},
		Route:  "interaction_callback",
	})
	return err
}

// GatewayInfo describes how the bot should connect to the gateway.
type GatewayInfo struct {
	URL               string `json:"url"`
	Shards            int    `json:"shards"`
	SessionStartLimit struct {
		Total          int `json:"total"`
		Remaining      int `json:"remaining"`
		ResetAfter     int `json:"reset_after"`
		MaxConcurrency int `json:"max_concurrency"`
	} `json:"session_start_limit"`
}

// GatewayBot fetches the recommended shard count and gateway URL.
func (c *Client) GatewayBot(ctx context.Context) (*GatewayInfo, error) {
	resp, err := c.Send(ctx, Request{
		Method: http.MethodGet,
		Path:   "/gateway/bot",
		Route:  "gateway_bot",
	})
	if err != nil {
		return nil, err
	}
	var info GatewayInfo
	if err := resp.Decode(&info); err != nil {
		return nil, err
	}
	if info.URL == "" || info.Shards < 1 {
		return nil, fmt.Errorf("%w: gateway info missing url or shard count", core.ErrProtocol)
	}
	if info.SessionStartLimit.MaxConcurrency < 1 {
		info.SessionStartLimit.MaxConcurrency = 1
	}
	return &info, nil
}
