// Package slack syncs workspace channels: message history pages per
// configured channel, with thread replies fanned out per parent message.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/tributary-io/tributary/pkg/domain"
)

const (
	pageSize = 200

	streamTypeChannel = "channel"
	streamTypeThread  = "thread"

	activityTypeMessage = "message"
	messageScore        = 6

	userCacheTTL = 7 * 24 * time.Hour
)

// Settings lists the channel ids the integration reads. The bot token must
// be a member of every one of them.
type Settings struct {
	Channels []channelSettings `json:"channels"`
}

type channelSettings struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type channelStreamData struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	Cursor      string `json:"cursor,omitempty"`
}

type threadStreamData struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	ThreadTS    string `json:"thread_ts"`
	Cursor      string `json:"cursor,omitempty"`
}

type publishedData struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	ThreadTS    string `json:"thread_ts,omitempty"`

	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	UserName  string `json:"user_name"`
}

type Connector struct{}

func NewConnector() *Connector {
	return &Connector{}
}

func (c *Connector) Type() domain.PlatformType {
	return domain.PlatformType_Slack
}

func (c *Connector) CheckEvery() time.Duration {
	return time.Hour
}

func (c *Connector) MemberAttributes() []domain.MemberAttribute {
	return []domain.MemberAttribute{
		{Name: "name", Label: "Name", Type: domain.MemberAttributeType_String, ShowInForm: true},
		{Name: "timezone", Label: "Timezone", Type: domain.MemberAttributeType_String},
	}
}

func (c *Connector) GenerateStreams(ctx context.Context, gctx *domain.GenerateStreamsContext) error {
	var settings Settings
	if err := gctx.Integration.DecodeSettings(&settings); err != nil {
		return domain.ConfigError{Reason: "slack settings are not valid JSON"}
	}

	if len(settings.Channels) == 0 {
		return domain.ConfigError{Reason: "slack integration has no channels configured"}
	}

	for _, channel := range settings.Channels {
		identifier := streamTypeChannel + ":" + channel.ID
		data := channelStreamData{ChannelID: channel.ID, ChannelName: channel.Name}

		if err := gctx.PublishStream(ctx, identifier, data); err != nil {
			return err
		}
	}

	return nil
}

func (c *Connector) ProcessStream(ctx context.Context, sctx *domain.StreamContext) error {
	streamType, _, _ := strings.Cut(sctx.Stream.Identifier, ":")

	client := slackapi.New(sctx.Integration.Token)

	switch streamType {
	case streamTypeChannel:
		return c.processChannel(ctx, sctx, client)
	case streamTypeThread:
		return c.processThread(ctx, sctx, client)
	}

	return domain.ConfigError{Reason: fmt.Sprintf("unknown slack stream type %q", streamType)}
}

func (c *Connector) processChannel(ctx context.Context, sctx *domain.StreamContext, client *slackapi.Client) error {
	var data channelStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode channel stream data: %w", err)
	}

	resp, err := client.GetConversationHistoryContext(ctx, &slackapi.GetConversationHistoryParameters{
		ChannelID: data.ChannelID,
		Cursor:    data.Cursor,
		Limit:     pageSize,
	})
	if err != nil {
		return mapError(err)
	}

	for _, message := range resp.Messages {
		if err := c.publishMessage(ctx, sctx, client, data.ChannelID, data.ChannelName, "", message.Msg); err != nil {
			return err
		}

		// Replies live under the parent's thread_ts, not in the history page.
		if message.ThreadTimestamp != "" && message.ThreadTimestamp == message.Timestamp {
			identifier := fmt.Sprintf("%s:%s:%s", streamTypeThread, data.ChannelID, message.Timestamp)
			threadData := threadStreamData{
				ChannelID:   data.ChannelID,
				ChannelName: data.ChannelName,
				ThreadTS:    message.Timestamp,
			}

			if err := sctx.PublishStream(ctx, identifier, threadData); err != nil {
				return err
			}
		}
	}

	if resp.HasMore && resp.ResponseMetaData.NextCursor != "" {
		next := data
		next.Cursor = resp.ResponseMetaData.NextCursor

		identifier := fmt.Sprintf("%s:%s:%s", streamTypeChannel, next.ChannelID, next.Cursor)

		return sctx.PublishStream(ctx, identifier, next)
	}

	return nil
}

func (c *Connector) processThread(ctx context.Context, sctx *domain.StreamContext, client *slackapi.Client) error {
	var data threadStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode thread stream data: %w", err)
	}

	messages, hasMore, nextCursor, err := client.GetConversationRepliesContext(ctx, &slackapi.GetConversationRepliesParameters{
		ChannelID: data.ChannelID,
		Timestamp: data.ThreadTS,
		Cursor:    data.Cursor,
		Limit:     pageSize,
	})
	if err != nil {
		return mapError(err)
	}

	for _, message := range messages {
		// The parent message comes back as the first reply; the channel
		// stream already published it.
		if message.Timestamp == data.ThreadTS {
			continue
		}

		if err := c.publishMessage(ctx, sctx, client, data.ChannelID, data.ChannelName, data.ThreadTS, message.Msg); err != nil {
			return err
		}
	}

	if hasMore && nextCursor != "" {
		next := data
		next.Cursor = nextCursor

		identifier := fmt.Sprintf("%s:%s:%s:%s", streamTypeThread, next.ChannelID, next.ThreadTS, next.Cursor)

		return sctx.PublishStream(ctx, identifier, next)
	}

	return nil
}

func (c *Connector) publishMessage(ctx context.Context, sctx *domain.StreamContext, client *slackapi.Client, channelID, channelName, threadTS string, message slackapi.Msg) error {
	if message.SubType != "" || message.User == "" {
		return nil
	}

	username, name, err := c.resolveUser(ctx, sctx, client, message.User)
	if err != nil {
		return err
	}

	return sctx.PublishData(ctx, publishedData{
		ChannelID:   channelID,
		ChannelName: channelName,
		ThreadTS:    threadTS,
		Timestamp:   message.Timestamp,
		Text:        message.Text,
		UserID:      message.User,
		Username:    username,
		UserName:    name,
	})
}

// resolveUser maps a user id to profile names through the entity cache; one
// API call per user per TTL.
func (c *Connector) resolveUser(ctx context.Context, sctx *domain.StreamContext, client *slackapi.Client, userID string) (string, string, error) {
	key := "slack-user:" + userID

	if cached, err := sctx.Cache.Get(ctx, key); err == nil {
		username, name, _ := strings.Cut(cached, "\x00")
		return username, name, nil
	}

	user, err := client.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", "", mapError(err)
	}

	if err := sctx.Cache.Set(ctx, key, user.Name+"\x00"+user.RealName, userCacheTTL); err != nil {
		sctx.Logger.Warn().Err(err).Str("userId", userID).Msg("failed to cache slack user")
	}

	return user.Name, user.RealName, nil
}

// ProcessWebhookStream is unsupported: Slack pushes through its Events API
// rather than plain webhooks, and this integration polls instead.
func (c *Connector) ProcessWebhookStream(ctx context.Context, sctx *domain.StreamContext) error {
	return domain.ConfigError{Reason: "slack integration does not accept webhooks"}
}

func (c *Connector) ProcessData(ctx context.Context, dctx *domain.DataContext) error {
	var data publishedData
	if err := dctx.DecodeData(&data); err != nil {
		return fmt.Errorf("failed to decode slack data: %w", err)
	}

	timestamp, err := parseSlackTimestamp(data.Timestamp)
	if err != nil {
		return err
	}

	activity := domain.Activity{
		Type:      activityTypeMessage,
		Platform:  domain.PlatformType_Slack,
		Timestamp: timestamp,
		SourceID:  fmt.Sprintf("%s:%s", data.ChannelID, data.Timestamp),
		Channel:   data.ChannelName,
		Body:      data.Text,
		Score:     messageScore,
		Attributes: map[string]any{
			"thread": data.ThreadTS != "",
		},
		Member: domain.Member{
			Username:    data.Username,
			DisplayName: data.UserName,
		},
	}

	if data.ThreadTS != "" {
		activity.SourceParentID = fmt.Sprintf("%s:%s", data.ChannelID, data.ThreadTS)
	}

	return dctx.PublishActivity(ctx, activity)
}

// parseSlackTimestamp parses Slack's "seconds.fraction" message timestamps.
func parseSlackTimestamp(ts string) (time.Time, error) {
	seconds, _, _ := strings.Cut(ts, ".")

	var unix int64
	if _, err := fmt.Sscanf(seconds, "%d", &unix); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse slack timestamp %q: %w", ts, err)
	}

	return time.Unix(unix, 0).UTC(), nil
}

func mapError(err error) error {
	var rateErr *slackapi.RateLimitedError
	if errors.As(err, &rateErr) {
		retryAfter := rateErr.RetryAfter
		if retryAfter <= 0 {
			retryAfter = time.Minute
		}

		return domain.RateLimitError{RetryAfter: retryAfter}
	}

	return err
}
