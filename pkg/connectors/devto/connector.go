// Package devto syncs the DEV community platform: articles published by
// configured organizations and users, and the comment threads underneath
// them. DEV has no webhook delivery, so the connector is polling-only.
package devto

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gosimple/slug"

	"github.com/tributary-io/tributary/pkg/clients/rest"
	"github.com/tributary-io/tributary/pkg/domain"
)

const (
	streamTypeOrgArticles  = "org-articles"
	streamTypeUserArticles = "user-articles"
	streamTypeArticle      = "article"

	// userCacheTTL keeps resolved author profiles around long enough that a
	// full onboarding run resolves each commenter once.
	userCacheTTL = 7 * 24 * time.Hour

	activityTypeComment = "comment"
	commentScore        = 6
)

type Connector struct{}

func NewConnector() *Connector {
	return &Connector{}
}

func (c *Connector) Type() domain.PlatformType {
	return domain.PlatformType_Devto
}

func (c *Connector) CheckEvery() time.Duration {
	return 3 * time.Hour
}

func (c *Connector) MemberAttributes() []domain.MemberAttribute {
	return []domain.MemberAttribute{
		{Name: "url", Label: "Profile URL", Type: domain.MemberAttributeType_URL, ShowInForm: true},
		{Name: "name", Label: "Name", Type: domain.MemberAttributeType_String, ShowInForm: true},
		{Name: "bio", Label: "Bio", Type: domain.MemberAttributeType_String},
		{Name: "location", Label: "Location", Type: domain.MemberAttributeType_String},
	}
}

func (c *Connector) GenerateStreams(ctx context.Context, gctx *domain.GenerateStreamsContext) error {
	var settings Settings
	if err := gctx.Integration.DecodeSettings(&settings); err != nil {
		return domain.ConfigError{Reason: "devto settings are not valid JSON"}
	}

	if len(settings.Organizations) == 0 && len(settings.Users) == 0 {
		return domain.ConfigError{Reason: "devto integration has no organizations or users configured"}
	}

	// Identifiers are built from user-entered names, so they get slugged.
	for _, organization := range settings.Organizations {
		identifier := fmt.Sprintf("%s:%s:1", streamTypeOrgArticles, slug.Make(organization))

		if err := gctx.PublishStream(ctx, identifier, articleListStreamData{Organization: organization, Page: 1}); err != nil {
			return err
		}
	}

	for _, user := range settings.Users {
		identifier := fmt.Sprintf("%s:%s:1", streamTypeUserArticles, slug.Make(user))

		if err := gctx.PublishStream(ctx, identifier, articleListStreamData{User: user, Page: 1}); err != nil {
			return err
		}
	}

	return nil
}

func (c *Connector) ProcessStream(ctx context.Context, sctx *domain.StreamContext) error {
	streamType, _, found := strings.Cut(sctx.Stream.Identifier, ":")
	if !found {
		return domain.ConfigError{Reason: fmt.Sprintf("malformed devto stream identifier %q", sctx.Stream.Identifier)}
	}

	switch streamType {
	case streamTypeOrgArticles, streamTypeUserArticles:
		return c.processArticleList(ctx, sctx, streamType)
	case streamTypeArticle:
		return c.processArticle(ctx, sctx)
	}

	return domain.ConfigError{Reason: fmt.Sprintf("unknown devto stream type %q", streamType)}
}

// processArticleList fans out one leaf stream per discovered article and a
// follow-up stream for the next page while pages keep coming back full.
func (c *Connector) processArticleList(ctx context.Context, sctx *domain.StreamContext, streamType string) error {
	var data articleListStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode article list stream data: %w", err)
	}

	api := c.api(sctx)

	var (
		articles []Article
		err      error
	)

	if streamType == streamTypeOrgArticles {
		articles, err = api.OrganizationArticles(ctx, data.Organization, data.Page)
	} else {
		articles, err = api.UserArticles(ctx, data.User, data.Page)
	}

	if err != nil {
		return err
	}

	for _, article := range articles {
		identifier := fmt.Sprintf("%s:%d", streamTypeArticle, article.ID)

		if err := sctx.PublishStream(ctx, identifier, articleStreamData{Article: article}); err != nil {
			return err
		}
	}

	if len(articles) == articlePageSize {
		next := data
		next.Page++

		source := next.Organization
		if streamType == streamTypeUserArticles {
			source = next.User
		}

		identifier := fmt.Sprintf("%s:%s:%d", streamType, slug.Make(source), next.Page)

		return sctx.PublishStream(ctx, identifier, next)
	}

	return nil
}

// processArticle fetches the article's comment tree, resolves every author
// to a full profile through the entity cache, and publishes the enriched
// payload for parsing. An article without comments completes with nothing
// published.
func (c *Connector) processArticle(ctx context.Context, sctx *domain.StreamContext) error {
	var data articleStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode article stream data: %w", err)
	}

	api := c.api(sctx)

	comments, err := api.ArticleComments(ctx, data.Article.ID)
	if err != nil {
		return err
	}

	if len(comments) == 0 {
		return nil
	}

	users := map[int]*User{}
	collectUserIDs(comments, users)

	for userID := range users {
		user, err := c.resolveUser(ctx, sctx, api, userID)
		if err != nil {
			return err
		}

		users[userID] = user
	}

	attachFullUsers(comments, users)

	return sctx.PublishData(ctx, publishedData{Article: data.Article, Comments: comments})
}

func (c *Connector) ProcessWebhookStream(ctx context.Context, sctx *domain.StreamContext) error {
	return domain.ConfigError{Reason: "devto does not deliver webhooks"}
}

func (c *Connector) ProcessData(ctx context.Context, dctx *domain.DataContext) error {
	var data publishedData
	if err := dctx.DecodeData(&data); err != nil {
		return fmt.Errorf("failed to decode devto data: %w", err)
	}

	for _, comment := range data.Comments {
		if err := c.publishComment(ctx, dctx, data.Article, comment, ""); err != nil {
			return err
		}
	}

	return nil
}

// publishComment emits one activity per comment, depth first so every reply
// carries its parent's id.
func (c *Connector) publishComment(ctx context.Context, dctx *domain.DataContext, article Article, comment Comment, parentID string) error {
	// A comment whose author deleted their account has no username left.
	if comment.User.Username != "" {
		timestamp, err := time.Parse(time.RFC3339, comment.CreatedAt)
		if err != nil {
			// One malformed record must not sink the whole article.
			dctx.Logger.Warn().Str("commentId", comment.IDCode).Str("createdAt", comment.CreatedAt).Msg("skipping comment with unparseable timestamp")
			return c.publishChildren(ctx, dctx, article, comment)
		}

		username := comment.User.Username
		if comment.FullUser != nil {
			username = comment.FullUser.Username
		}

		profileURL := "https://dev.to/" + url.PathEscape(username)

		member := domain.Member{
			Username:    comment.User.Username,
			DisplayName: comment.User.Name,
			Attributes: map[string]any{
				"url": profileURL,
			},
		}

		if comment.User.TwitterUsername != "" {
			member.Attributes["twitter_url"] = "https://twitter.com/" + comment.User.TwitterUsername
		}

		if comment.User.GithubUsername != "" {
			member.Attributes["github_url"] = "https://github.com/" + comment.User.GithubUsername
		}

		if comment.FullUser != nil {
			member.Attributes["bio"] = comment.FullUser.Summary
			member.Attributes["location"] = comment.FullUser.Location
		}

		activity := domain.Activity{
			Type:           activityTypeComment,
			Platform:       domain.PlatformType_Devto,
			Timestamp:      timestamp,
			SourceID:       comment.IDCode,
			SourceParentID: parentID,
			Body:           comment.BodyHTML,
			URL:            profileURL + "/comment/" + comment.IDCode,
			Score:          commentScore,
			Attributes: map[string]any{
				"thread":       parentID != "",
				"articleUrl":   article.URL,
				"articleTitle": article.Title,
			},
			Member: member,
		}

		if err := dctx.PublishActivity(ctx, activity); err != nil {
			return err
		}
	}

	return c.publishChildren(ctx, dctx, article, comment)
}

func (c *Connector) publishChildren(ctx context.Context, dctx *domain.DataContext, article Article, comment Comment) error {
	for _, child := range comment.Children {
		if err := c.publishComment(ctx, dctx, article, child, comment.IDCode); err != nil {
			return err
		}
	}

	return nil
}

// resolveUser returns the full profile for a commenter, hitting the API at
// most once per cache TTL. Deleted accounts cache as absent.
func (c *Connector) resolveUser(ctx context.Context, sctx *domain.StreamContext, api *api, userID int) (*User, error) {
	key := fmt.Sprintf("devto-user:%d", userID)

	cached, err := sctx.Cache.Get(ctx, key)
	if err == nil {
		var user User
		if err := json.Unmarshal([]byte(cached), &user); err == nil {
			return &user, nil
		}
	}

	user, err := api.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if user == nil {
		return nil, nil
	}

	raw, err := json.Marshal(user)
	if err != nil {
		return nil, err
	}

	if err := sctx.Cache.Set(ctx, key, string(raw), userCacheTTL); err != nil {
		sctx.Logger.Warn().Err(err).Int("userId", userID).Msg("failed to cache devto user")
	}

	return user, nil
}

func (c *Connector) api(sctx *domain.StreamContext) *api {
	opts := []rest.Option{rest.WithLogger(sctx.Logger)}

	if sctx.RateLimiter != nil {
		opts = append(opts, rest.WithRateLimiter(sctx.RateLimiter(100, 2*time.Second, "devto-requests")))
	}

	return newAPI(opts...)
}

func collectUserIDs(comments []Comment, into map[int]*User) {
	for _, comment := range comments {
		if comment.User.UserID != 0 {
			into[comment.User.UserID] = nil
		}

		collectUserIDs(comment.Children, into)
	}
}

func attachFullUsers(comments []Comment, users map[int]*User) {
	for i := range comments {
		if user := users[comments[i].User.UserID]; user != nil {
			comments[i].FullUser = user
		}

		attachFullUsers(comments[i].Children, users)
	}
}
