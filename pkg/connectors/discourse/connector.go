// Package discourse syncs a Discourse forum: every category, the topics in
// it and the posts under each topic, plus post_created push deliveries.
package discourse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/tributary-io/tributary/pkg/clients/rest"
	"github.com/tributary-io/tributary/pkg/domain"
)

const (
	postBatchSize = 30

	activityTypeTopicCreated = "topic-created"
	activityTypePostReply    = "post-reply"

	topicScore = 8
	replyScore = 6
)

// Discourse trips its global limit quickly; sixty requests a minute per
// forum stays under the default admin ceiling.
const (
	requestLimit  = 60
	requestWindow = time.Minute
)

var botUsernames = map[string]bool{
	"system":   true,
	"discobot": true,
}

type Connector struct{}

func NewConnector() *Connector {
	return &Connector{}
}

func (c *Connector) Type() domain.PlatformType {
	return domain.PlatformType_Discourse
}

func (c *Connector) CheckEvery() time.Duration {
	return 2 * time.Hour
}

func (c *Connector) MemberAttributes() []domain.MemberAttribute {
	return []domain.MemberAttribute{
		{Name: "url", Label: "Profile URL", Type: domain.MemberAttributeType_URL, ShowInForm: true},
		{Name: "name", Label: "Name", Type: domain.MemberAttributeType_String, ShowInForm: true},
	}
}

func (c *Connector) GenerateStreams(ctx context.Context, gctx *domain.GenerateStreamsContext) error {
	var settings Settings
	if err := gctx.Integration.DecodeSettings(&settings); err != nil {
		return domain.ConfigError{Reason: "discourse settings are not valid JSON"}
	}

	if settings.ForumHostname == "" || settings.APIKey == "" || settings.APIUsername == "" {
		return domain.ConfigError{Reason: "discourse integration is missing forum hostname or API credentials"}
	}

	return gctx.PublishStream(ctx, streamTypeCategories, nil)
}

func (c *Connector) ProcessStream(ctx context.Context, sctx *domain.StreamContext) error {
	streamType, _, _ := strings.Cut(sctx.Stream.Identifier, ":")

	client, err := c.client(sctx)
	if err != nil {
		return err
	}

	switch streamType {
	case streamTypeCategories:
		return c.processCategories(ctx, sctx, client)
	case streamTypeTopics:
		return c.processTopics(ctx, sctx, client)
	case streamTypePosts:
		return c.processPosts(ctx, sctx, client)
	case streamTypePostsByIds:
		return c.processPostsByIds(ctx, sctx, client)
	}

	return domain.ConfigError{Reason: fmt.Sprintf("unknown discourse stream type %q", streamType)}
}

func (c *Connector) processCategories(ctx context.Context, sctx *domain.StreamContext, client *rest.Client) error {
	var resp categoriesResponse
	if err := client.Get(ctx, "/categories.json", nil, &resp); err != nil {
		return err
	}

	for _, category := range resp.CategoryList.Categories {
		identifier := fmt.Sprintf("%s:%d:0", streamTypeTopics, category.ID)
		data := topicsStreamData{CategoryID: category.ID, CategorySlug: category.Slug, Page: 0}

		if err := sctx.PublishStream(ctx, identifier, data); err != nil {
			return err
		}
	}

	return nil
}

func (c *Connector) processTopics(ctx context.Context, sctx *domain.StreamContext, client *rest.Client) error {
	var data topicsStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode topics stream data: %w", err)
	}

	path := fmt.Sprintf("/c/%s/%d.json", url.PathEscape(data.CategorySlug), data.CategoryID)
	query := url.Values{"page": {strconv.Itoa(data.Page)}}

	var resp topicsResponse
	if err := client.Get(ctx, path, query, &resp); err != nil {
		return err
	}

	if len(resp.TopicList.Topics) == 0 {
		return nil
	}

	for _, topic := range resp.TopicList.Topics {
		identifier := fmt.Sprintf("%s:%d", streamTypePosts, topic.ID)

		if err := sctx.PublishStream(ctx, identifier, postsStreamData{TopicID: topic.ID}); err != nil {
			return err
		}
	}

	next := data
	next.Page++

	identifier := fmt.Sprintf("%s:%d:%d", streamTypeTopics, next.CategoryID, next.Page)

	return sctx.PublishStream(ctx, identifier, next)
}

// processPosts reads the topic's post id stream and fans it out in fixed
// batches so one huge topic never monopolizes a worker slot.
func (c *Connector) processPosts(ctx context.Context, sctx *domain.StreamContext, client *rest.Client) error {
	var data postsStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode posts stream data: %w", err)
	}

	var resp topicResponse
	if err := client.Get(ctx, fmt.Sprintf("/t/%d.json", data.TopicID), nil, &resp); err != nil {
		return err
	}

	ids := resp.PostStream.Stream

	for start := 0; start < len(ids); start += postBatchSize {
		end := start + postBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		identifier := fmt.Sprintf("%s:%s", streamTypePostsByIds, xid.New().String())
		batch := postsByIdsStreamData{
			TopicID:    resp.ID,
			TopicSlug:  resp.Slug,
			TopicTitle: resp.Title,
			PostIDs:    ids[start:end],
		}

		if err := sctx.PublishStream(ctx, identifier, batch); err != nil {
			return err
		}
	}

	return nil
}

func (c *Connector) processPostsByIds(ctx context.Context, sctx *domain.StreamContext, client *rest.Client) error {
	var data postsByIdsStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode posts-by-ids stream data: %w", err)
	}

	query := url.Values{}
	for _, id := range data.PostIDs {
		query.Add("post_ids[]", strconv.Itoa(id))
	}

	var resp postsResponse
	if err := client.Get(ctx, fmt.Sprintf("/t/%d/posts.json", data.TopicID), query, &resp); err != nil {
		return err
	}

	for _, post := range resp.PostStream.Posts {
		raw, err := json.Marshal(post)
		if err != nil {
			return err
		}

		payload := publishedData{
			Kind:       kindPost,
			TopicID:    data.TopicID,
			TopicSlug:  data.TopicSlug,
			TopicTitle: data.TopicTitle,
			Record:     raw,
		}

		if err := sctx.PublishData(ctx, payload); err != nil {
			return err
		}
	}

	return nil
}

func (c *Connector) ProcessWebhookStream(ctx context.Context, sctx *domain.StreamContext) error {
	var payload domain.WebhookPayload
	if err := json.Unmarshal(sctx.Stream.Data, &payload); err != nil {
		return fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	if payload.Event != "post_created" {
		sctx.Logger.Debug().Str("event", payload.Event).Msg("ignoring discourse event")

		return nil
	}

	var event webhookPostEvent
	if err := json.Unmarshal(payload.Body, &event); err != nil {
		return err
	}

	raw, err := json.Marshal(event.Post)
	if err != nil {
		return err
	}

	return sctx.PublishData(ctx, publishedData{
		Kind:      kindWebhookPost,
		TopicID:   event.Post.TopicID,
		TopicSlug: event.Post.TopicSlug,
		Record:    raw,
	})
}

func (c *Connector) ProcessData(ctx context.Context, dctx *domain.DataContext) error {
	var data publishedData
	if err := dctx.DecodeData(&data); err != nil {
		return fmt.Errorf("failed to decode discourse data: %w", err)
	}

	var post post
	if err := json.Unmarshal(data.Record, &post); err != nil {
		return err
	}

	if botUsernames[post.Username] {
		return nil
	}

	var settings Settings
	if err := dctx.Integration.DecodeSettings(&settings); err != nil {
		return domain.ConfigError{Reason: "discourse settings are not valid JSON"}
	}

	timestamp, err := time.Parse(time.RFC3339, post.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to parse post timestamp %q: %w", post.CreatedAt, err)
	}

	topicSlug := data.TopicSlug
	if topicSlug == "" {
		topicSlug = post.TopicSlug
	}

	forumURL := "https://" + settings.ForumHostname

	activity := domain.Activity{
		Platform:  domain.PlatformType_Discourse,
		Timestamp: timestamp,
		SourceID:  fmt.Sprintf("post:%d:%d", data.TopicID, post.PostNumber),
		Channel:   topicSlug,
		Title:     data.TopicTitle,
		Body:      post.Cooked,
		URL:       fmt.Sprintf("%s/t/%s/%d/%d", forumURL, topicSlug, data.TopicID, post.PostNumber),
		Member: domain.Member{
			Username:    post.Username,
			DisplayName: post.Name,
			Attributes: map[string]any{
				"url": forumURL + "/u/" + url.PathEscape(post.Username),
			},
		},
	}

	if post.PostNumber == 1 {
		activity.Type = activityTypeTopicCreated
		activity.Score = topicScore
	} else {
		activity.Type = activityTypePostReply
		activity.Score = replyScore
		activity.SourceParentID = fmt.Sprintf("post:%d:1", data.TopicID)
	}

	return dctx.PublishActivity(ctx, activity)
}

func (c *Connector) client(sctx *domain.StreamContext) (*rest.Client, error) {
	var settings Settings
	if err := sctx.Integration.DecodeSettings(&settings); err != nil {
		return nil, domain.ConfigError{Reason: "discourse settings are not valid JSON"}
	}

	opts := []rest.Option{
		rest.WithLogger(sctx.Logger),
		rest.WithHeader("Api-Key", settings.APIKey),
		rest.WithHeader("Api-Username", settings.APIUsername),
	}

	if sctx.RateLimiter != nil {
		counterKey := "discourse-requests:" + settings.ForumHostname
		opts = append(opts, rest.WithRateLimiter(sctx.RateLimiter(requestLimit, requestWindow, counterKey)))
	}

	return rest.NewClient("https://"+settings.ForumHostname, opts...), nil
}
