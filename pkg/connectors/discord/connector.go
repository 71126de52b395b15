// Package discord syncs guild text channels through the Discord REST API,
// paging each channel's message history backwards from the newest message.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/tributary-io/tributary/pkg/domain"
)

const (
	pageSize = 100

	streamTypeGuild   = "guild"
	streamTypeChannel = "channel"

	activityTypeMessage = "message"
	messageScore        = 6
)

// Settings holds the guild the bot token is installed in.
type Settings struct {
	GuildID string `json:"guild_id"`
}

type channelStreamData struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	BeforeID    string `json:"before_id,omitempty"`
}

type publishedData struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`

	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	AuthorID  string    `json:"author_id"`
	Username  string    `json:"username"`
}

type Connector struct{}

func NewConnector() *Connector {
	return &Connector{}
}

func (c *Connector) Type() domain.PlatformType {
	return domain.PlatformType_Discord
}

func (c *Connector) CheckEvery() time.Duration {
	return time.Hour
}

func (c *Connector) MemberAttributes() []domain.MemberAttribute {
	return []domain.MemberAttribute{
		{Name: "id", Label: "User ID", Type: domain.MemberAttributeType_String},
	}
}

func (c *Connector) GenerateStreams(ctx context.Context, gctx *domain.GenerateStreamsContext) error {
	var settings Settings
	if err := gctx.Integration.DecodeSettings(&settings); err != nil {
		return domain.ConfigError{Reason: "discord settings are not valid JSON"}
	}

	if settings.GuildID == "" {
		return domain.ConfigError{Reason: "discord integration has no guild configured"}
	}

	return gctx.PublishStream(ctx, streamTypeGuild+":"+settings.GuildID, nil)
}

func (c *Connector) ProcessStream(ctx context.Context, sctx *domain.StreamContext) error {
	streamType, remainder, _ := strings.Cut(sctx.Stream.Identifier, ":")

	session, err := discordgo.New("Bot " + sctx.Integration.Token)
	if err != nil {
		return err
	}

	switch streamType {
	case streamTypeGuild:
		return c.processGuild(ctx, sctx, session, remainder)
	case streamTypeChannel:
		return c.processChannel(ctx, sctx, session)
	}

	return domain.ConfigError{Reason: fmt.Sprintf("unknown discord stream type %q", streamType)}
}

func (c *Connector) processGuild(ctx context.Context, sctx *domain.StreamContext, session *discordgo.Session, guildID string) error {
	channels, err := session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return mapError(err)
	}

	for _, channel := range channels {
		if channel.Type != discordgo.ChannelTypeGuildText {
			continue
		}

		identifier := streamTypeChannel + ":" + channel.ID
		data := channelStreamData{ChannelID: channel.ID, ChannelName: channel.Name}

		if err := sctx.PublishStream(ctx, identifier, data); err != nil {
			return err
		}
	}

	return nil
}

func (c *Connector) processChannel(ctx context.Context, sctx *domain.StreamContext, session *discordgo.Session) error {
	var data channelStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode channel stream data: %w", err)
	}

	messages, err := session.ChannelMessages(data.ChannelID, pageSize, data.BeforeID, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return mapError(err)
	}

	for _, message := range messages {
		if message.Author == nil || message.Author.Bot {
			continue
		}

		payload := publishedData{
			ChannelID:   data.ChannelID,
			ChannelName: data.ChannelName,
			MessageID:   message.ID,
			Content:     message.Content,
			Timestamp:   message.Timestamp,
			AuthorID:    message.Author.ID,
			Username:    message.Author.Username,
		}

		if err := sctx.PublishData(ctx, payload); err != nil {
			return err
		}
	}

	if len(messages) == pageSize {
		next := data
		next.BeforeID = messages[len(messages)-1].ID

		identifier := fmt.Sprintf("%s:%s:%s", streamTypeChannel, next.ChannelID, next.BeforeID)

		return sctx.PublishStream(ctx, identifier, next)
	}

	return nil
}

// ProcessWebhookStream is unsupported: Discord pushes through its gateway,
// and this integration polls the REST API instead.
func (c *Connector) ProcessWebhookStream(ctx context.Context, sctx *domain.StreamContext) error {
	return domain.ConfigError{Reason: "discord integration does not accept webhooks"}
}

func (c *Connector) ProcessData(ctx context.Context, dctx *domain.DataContext) error {
	var data publishedData
	if err := dctx.DecodeData(&data); err != nil {
		return fmt.Errorf("failed to decode discord data: %w", err)
	}

	return dctx.PublishActivity(ctx, domain.Activity{
		Type:      activityTypeMessage,
		Platform:  domain.PlatformType_Discord,
		Timestamp: data.Timestamp,
		SourceID:  data.MessageID,
		Channel:   data.ChannelName,
		Body:      data.Content,
		Score:     messageScore,
		Member: domain.Member{
			Username: data.Username,
			Attributes: map[string]any{
				"id": data.AuthorID,
			},
		},
	})
}

func mapError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound:
			return domain.ErrNotFound
		case http.StatusTooManyRequests:
			return domain.RateLimitError{RetryAfter: time.Minute}
		}
	}

	return err
}
