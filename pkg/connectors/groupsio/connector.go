// Package groupsio syncs Groups.io mailing lists: topics per group and the
// messages in each topic, plus message and membership push deliveries.
package groupsio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tributary-io/tributary/pkg/clients/rest"
	"github.com/tributary-io/tributary/pkg/domain"
)

const (
	baseURL  = "https://groups.io/api/v1"
	pageSize = 100

	streamTypeGroup = "group"
	streamTypeTopic = "topic"

	kindMessage = "message"
	kindJoin    = "join"
	kindLeave   = "leave"

	activityTypeMessage = "message"
	activityTypeJoin    = "member_join"
	activityTypeLeave   = "member_leave"

	messageScore = 6
	joinScore    = 3

	memberCacheTTL = 7 * 24 * time.Hour
)

// Settings lists the subscribed group names. The integration token is the
// Groups.io login cookie of the syncing account.
type Settings struct {
	Groups []string `json:"groups"`
}

type groupStreamData struct {
	Group     string `json:"group"`
	PageToken string `json:"page_token,omitempty"`
}

type topicStreamData struct {
	Group     string `json:"group"`
	TopicID   int    `json:"topic_id"`
	TopicName string `json:"topic_name"`
}

type publishedData struct {
	Kind      string          `json:"kind"`
	Group     string          `json:"group"`
	TopicID   int             `json:"topic_id,omitempty"`
	TopicName string          `json:"topic_name,omitempty"`
	Record    json.RawMessage `json:"record"`
}

type topicsResponse struct {
	Data          []topicRecord `json:"data"`
	NextPageToken int           `json:"next_page_token"`
	HasMore       bool          `json:"has_more"`
}

type topicRecord struct {
	ID      int    `json:"id"`
	Subject string `json:"subject"`
}

type messagesResponse struct {
	Data []messageRecord `json:"data"`
}

type messageRecord struct {
	ID      int     `json:"id"`
	Body    string  `json:"body"`
	Created string  `json:"created"`
	Profile profile `json:"profile"`
}

type profile struct {
	UserID   int    `json:"user_id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

type webhookEvent struct {
	Action    string `json:"action"`
	GroupName string `json:"group_name"`
	Group     struct {
		Name string `json:"name"`
	} `json:"group"`
	MessageInfo *messageRecord `json:"message_info,omitempty"`
	MemberInfo  *struct {
		Created  string `json:"created"`
		FullName string `json:"full_name"`
		Email    string `json:"email"`
		UserID   int    `json:"user_id"`
	} `json:"member_info,omitempty"`
}

type Connector struct{}

func NewConnector() *Connector {
	return &Connector{}
}

func (c *Connector) Type() domain.PlatformType {
	return domain.PlatformType_Groupsio
}

func (c *Connector) CheckEvery() time.Duration {
	return 2 * time.Hour
}

func (c *Connector) MemberAttributes() []domain.MemberAttribute {
	return []domain.MemberAttribute{
		{Name: "name", Label: "Name", Type: domain.MemberAttributeType_String, ShowInForm: true},
	}
}

func (c *Connector) GenerateStreams(ctx context.Context, gctx *domain.GenerateStreamsContext) error {
	var settings Settings
	if err := gctx.Integration.DecodeSettings(&settings); err != nil {
		return domain.ConfigError{Reason: "groupsio settings are not valid JSON"}
	}

	if len(settings.Groups) == 0 {
		return domain.ConfigError{Reason: "groupsio integration has no groups configured"}
	}

	for _, group := range settings.Groups {
		identifier := streamTypeGroup + ":" + group

		if err := gctx.PublishStream(ctx, identifier, groupStreamData{Group: group}); err != nil {
			return err
		}
	}

	return nil
}

func (c *Connector) ProcessStream(ctx context.Context, sctx *domain.StreamContext) error {
	streamType, _, _ := strings.Cut(sctx.Stream.Identifier, ":")

	client := c.client(sctx)

	switch streamType {
	case streamTypeGroup:
		return c.processGroup(ctx, sctx, client)
	case streamTypeTopic:
		return c.processTopic(ctx, sctx, client)
	}

	return domain.ConfigError{Reason: fmt.Sprintf("unknown groupsio stream type %q", streamType)}
}

func (c *Connector) processGroup(ctx context.Context, sctx *domain.StreamContext, client *rest.Client) error {
	var data groupStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode group stream data: %w", err)
	}

	query := url.Values{
		"group_name": {data.Group},
		"limit":      {strconv.Itoa(pageSize)},
	}
	if data.PageToken != "" {
		query.Set("page_token", data.PageToken)
	}

	var resp topicsResponse
	if err := client.Get(ctx, "/gettopics", query, &resp); err != nil {
		return err
	}

	for _, topic := range resp.Data {
		identifier := fmt.Sprintf("%s:%s:%d", streamTypeTopic, data.Group, topic.ID)
		topicData := topicStreamData{Group: data.Group, TopicID: topic.ID, TopicName: topic.Subject}

		if err := sctx.PublishStream(ctx, identifier, topicData); err != nil {
			return err
		}
	}

	if resp.HasMore {
		next := data
		next.PageToken = strconv.Itoa(resp.NextPageToken)

		identifier := fmt.Sprintf("%s:%s:%s", streamTypeGroup, next.Group, next.PageToken)

		return sctx.PublishStream(ctx, identifier, next)
	}

	return nil
}

func (c *Connector) processTopic(ctx context.Context, sctx *domain.StreamContext, client *rest.Client) error {
	var data topicStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode topic stream data: %w", err)
	}

	query := url.Values{
		"topic_id": {strconv.Itoa(data.TopicID)},
		"limit":    {strconv.Itoa(pageSize)},
	}

	var resp messagesResponse
	if err := client.Get(ctx, "/getmessages", query, &resp); err != nil {
		return err
	}

	for _, message := range resp.Data {
		if err := c.cacheMember(ctx, sctx, message.Profile); err != nil {
			return err
		}

		raw, err := json.Marshal(message)
		if err != nil {
			return err
		}

		payload := publishedData{
			Kind:      kindMessage,
			Group:     data.Group,
			TopicID:   data.TopicID,
			TopicName: data.TopicName,
			Record:    raw,
		}

		if err := sctx.PublishData(ctx, payload); err != nil {
			return err
		}
	}

	return nil
}

// cacheMember remembers each profile so later messages from the same author
// that arrive without one, webhook deliveries in particular, can still be
// attributed.
func (c *Connector) cacheMember(ctx context.Context, sctx *domain.StreamContext, p profile) error {
	if p.UserID == 0 {
		return nil
	}

	key := fmt.Sprintf("groupsio-member:%d", p.UserID)

	if _, err := sctx.Cache.Get(ctx, key); err == nil {
		return nil
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}

	if err := sctx.Cache.Set(ctx, key, string(raw), memberCacheTTL); err != nil {
		sctx.Logger.Warn().Err(err).Int("userId", p.UserID).Msg("failed to cache groupsio member")
	}

	return nil
}

func (c *Connector) ProcessWebhookStream(ctx context.Context, sctx *domain.StreamContext) error {
	var payload domain.WebhookPayload
	if err := json.Unmarshal(sctx.Stream.Data, &payload); err != nil {
		return fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	var event webhookEvent
	if err := json.Unmarshal(payload.Body, &event); err != nil {
		return err
	}

	group := event.Group.Name
	if group == "" {
		group = event.GroupName
	}

	switch event.Action {
	case "sent_message":
		if event.MessageInfo == nil {
			return nil
		}

		raw, err := json.Marshal(event.MessageInfo)
		if err != nil {
			return err
		}

		return sctx.PublishData(ctx, publishedData{Kind: kindMessage, Group: group, Record: raw})

	case "joined", "left":
		if event.MemberInfo == nil {
			return nil
		}

		kind := kindJoin
		if event.Action == "left" {
			kind = kindLeave
		}

		raw, err := json.Marshal(event.MemberInfo)
		if err != nil {
			return err
		}

		return sctx.PublishData(ctx, publishedData{Kind: kind, Group: group, Record: raw})
	}

	sctx.Logger.Debug().Str("action", event.Action).Msg("ignoring groupsio event")

	return nil
}

func (c *Connector) ProcessData(ctx context.Context, dctx *domain.DataContext) error {
	var data publishedData
	if err := dctx.DecodeData(&data); err != nil {
		return fmt.Errorf("failed to decode groupsio data: %w", err)
	}

	switch data.Kind {
	case kindMessage:
		var message messageRecord
		if err := json.Unmarshal(data.Record, &message); err != nil {
			return err
		}

		timestamp, err := time.Parse(time.RFC3339, message.Created)
		if err != nil {
			return fmt.Errorf("failed to parse message timestamp %q: %w", message.Created, err)
		}

		member, err := c.resolveMember(ctx, dctx, message.Profile)
		if err != nil {
			return err
		}

		return dctx.PublishActivity(ctx, domain.Activity{
			Type:      activityTypeMessage,
			Platform:  domain.PlatformType_Groupsio,
			Timestamp: timestamp,
			SourceID:  fmt.Sprintf("message:%s:%d", data.Group, message.ID),
			Channel:   data.Group,
			Title:     data.TopicName,
			Body:      message.Body,
			Score:     messageScore,
			Member:    member,
		})

	case kindJoin, kindLeave:
		var info struct {
			Created  string `json:"created"`
			FullName string `json:"full_name"`
			Email    string `json:"email"`
			UserID   int    `json:"user_id"`
		}

		if err := json.Unmarshal(data.Record, &info); err != nil {
			return err
		}

		timestamp, err := time.Parse(time.RFC3339, info.Created)
		if err != nil {
			timestamp = time.Now().UTC()
		}

		activityType := activityTypeJoin
		score := joinScore

		if data.Kind == kindLeave {
			activityType = activityTypeLeave
			score = 0
		}

		member := domain.Member{Username: info.Email, DisplayName: info.FullName}
		if info.Email != "" {
			member.Emails = []string{info.Email}
		}

		return dctx.PublishActivity(ctx, domain.Activity{
			Type:      activityType,
			Platform:  domain.PlatformType_Groupsio,
			Timestamp: timestamp,
			SourceID:  fmt.Sprintf("%s:%s:%d:%s", data.Kind, data.Group, info.UserID, info.Created),
			Channel:   data.Group,
			Score:     score,
			Member:    member,
		})
	}

	return domain.ConfigError{Reason: fmt.Sprintf("unknown groupsio record kind %q", data.Kind)}
}

// resolveMember falls back to the member cache when a record carries no
// usable profile.
func (c *Connector) resolveMember(ctx context.Context, dctx *domain.DataContext, p profile) (domain.Member, error) {
	if p.Email == "" && p.UserID != 0 {
		key := fmt.Sprintf("groupsio-member:%d", p.UserID)

		if cached, err := dctx.Cache.Get(ctx, key); err == nil {
			var full profile
			if err := json.Unmarshal([]byte(cached), &full); err == nil {
				p = full
			}
		}
	}

	member := domain.Member{Username: p.Email, DisplayName: p.FullName}
	if p.Email != "" {
		member.Emails = []string{p.Email}
	}

	return member, nil
}

func (c *Connector) client(sctx *domain.StreamContext) *rest.Client {
	opts := []rest.Option{
		rest.WithLogger(sctx.Logger),
		rest.WithHeader("Cookie", sctx.Integration.Token),
	}

	if sctx.RateLimiter != nil {
		opts = append(opts, rest.WithRateLimiter(sctx.RateLimiter(60, time.Minute, "groupsio-requests")))
	}

	return rest.NewClient(baseURL, opts...)
}
