// Package github syncs repositories: issues, pull requests and stargazers,
// both by polling and from push deliveries.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/tributary-io/tributary/pkg/domain"
)

const (
	pageSize = 100

	activityTypeIssueOpened = "issues-opened"
	activityTypePullOpened  = "pull_request-opened"
	activityTypeStar        = "star"

	issueScore = 6
	pullScore  = 8
	starScore  = 2
)

type Connector struct{}

func NewConnector() *Connector {
	return &Connector{}
}

func (c *Connector) Type() domain.PlatformType {
	return domain.PlatformType_Github
}

func (c *Connector) CheckEvery() time.Duration {
	// Webhooks carry the live traffic; the poll only backfills deliveries
	// GitHub dropped.
	return time.Hour
}

func (c *Connector) MemberAttributes() []domain.MemberAttribute {
	return []domain.MemberAttribute{
		{Name: "url", Label: "Profile URL", Type: domain.MemberAttributeType_URL, ShowInForm: true},
		{Name: "name", Label: "Name", Type: domain.MemberAttributeType_String, ShowInForm: true},
		{Name: "isHireable", Label: "Hireable", Type: domain.MemberAttributeType_Boolean},
		{Name: "company", Label: "Company", Type: domain.MemberAttributeType_String},
	}
}

func (c *Connector) GenerateStreams(ctx context.Context, gctx *domain.GenerateStreamsContext) error {
	var settings Settings
	if err := gctx.Integration.DecodeSettings(&settings); err != nil {
		return domain.ConfigError{Reason: "github settings are not valid JSON"}
	}

	if len(settings.Repos) == 0 {
		return domain.ConfigError{Reason: "github integration has no repositories configured"}
	}

	for _, fullName := range settings.Repos {
		owner, repo, found := strings.Cut(fullName, "/")
		if !found {
			return domain.ConfigError{Reason: fmt.Sprintf("github repository %q is not in owner/name form", fullName)}
		}

		data := repoPageStreamData{Owner: owner, Repo: repo, Page: 1}

		for _, streamType := range []string{streamTypeIssues, streamTypePulls, streamTypeStars} {
			identifier := fmt.Sprintf("%s:%s:1", streamType, fullName)

			if err := gctx.PublishStream(ctx, identifier, data); err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *Connector) ProcessStream(ctx context.Context, sctx *domain.StreamContext) error {
	streamType, _, found := strings.Cut(sctx.Stream.Identifier, ":")
	if !found {
		return domain.ConfigError{Reason: fmt.Sprintf("malformed github stream identifier %q", sctx.Stream.Identifier)}
	}

	var data repoPageStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode github stream data: %w", err)
	}

	client := c.client(ctx, sctx.Integration.Token)

	switch streamType {
	case streamTypeIssues:
		return c.processIssuesPage(ctx, sctx, client, data)
	case streamTypePulls:
		return c.processPullsPage(ctx, sctx, client, data)
	case streamTypeStars:
		return c.processStarsPage(ctx, sctx, client, data)
	}

	return domain.ConfigError{Reason: fmt.Sprintf("unknown github stream type %q", streamType)}
}

func (c *Connector) processIssuesPage(ctx context.Context, sctx *domain.StreamContext, client *gh.Client, data repoPageStreamData) error {
	issues, _, err := client.Issues.ListByRepo(ctx, data.Owner, data.Repo, &gh.IssueListByRepoOptions{
		State:       "all",
		Direction:   "desc",
		ListOptions: gh.ListOptions{Page: data.Page, PerPage: pageSize},
	})
	if err != nil {
		return mapError(err)
	}

	for _, issue := range issues {
		// The issues API interleaves pull requests; the pulls stream covers
		// those.
		if issue.PullRequestLinks != nil {
			continue
		}

		if err := c.publishRecord(ctx, sctx, kindIssue, data, issue); err != nil {
			return err
		}
	}

	return c.publishNextPage(ctx, sctx, streamTypeIssues, data, len(issues))
}

func (c *Connector) processPullsPage(ctx context.Context, sctx *domain.StreamContext, client *gh.Client, data repoPageStreamData) error {
	pulls, _, err := client.PullRequests.List(ctx, data.Owner, data.Repo, &gh.PullRequestListOptions{
		State:       "all",
		Direction:   "desc",
		ListOptions: gh.ListOptions{Page: data.Page, PerPage: pageSize},
	})
	if err != nil {
		return mapError(err)
	}

	for _, pull := range pulls {
		if err := c.publishRecord(ctx, sctx, kindPull, data, pull); err != nil {
			return err
		}
	}

	return c.publishNextPage(ctx, sctx, streamTypePulls, data, len(pulls))
}

func (c *Connector) processStarsPage(ctx context.Context, sctx *domain.StreamContext, client *gh.Client, data repoPageStreamData) error {
	stargazers, _, err := client.Activity.ListStargazers(ctx, data.Owner, data.Repo, &gh.ListOptions{
		Page:    data.Page,
		PerPage: pageSize,
	})
	if err != nil {
		return mapError(err)
	}

	for _, stargazer := range stargazers {
		if err := c.publishRecord(ctx, sctx, kindStar, data, stargazer); err != nil {
			return err
		}
	}

	return c.publishNextPage(ctx, sctx, streamTypeStars, data, len(stargazers))
}

func (c *Connector) publishRecord(ctx context.Context, sctx *domain.StreamContext, kind string, data repoPageStreamData, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return sctx.PublishData(ctx, publishedData{Kind: kind, Owner: data.Owner, Repo: data.Repo, Record: raw})
}

func (c *Connector) publishNextPage(ctx context.Context, sctx *domain.StreamContext, streamType string, data repoPageStreamData, pageLen int) error {
	if pageLen < pageSize {
		return nil
	}

	next := data
	next.Page++

	identifier := fmt.Sprintf("%s:%s/%s:%d", streamType, next.Owner, next.Repo, next.Page)

	return sctx.PublishStream(ctx, identifier, next)
}

// ProcessWebhookStream turns one push delivery into published records.
// Events outside the synced set complete without publishing anything.
func (c *Connector) ProcessWebhookStream(ctx context.Context, sctx *domain.StreamContext) error {
	var payload domain.WebhookPayload
	if err := json.Unmarshal(sctx.Stream.Data, &payload); err != nil {
		return fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	event, err := gh.ParseWebHook(payload.Event, payload.Body)
	if err != nil {
		return fmt.Errorf("failed to parse github %s event: %w", payload.Event, err)
	}

	switch event := event.(type) {
	case *gh.IssuesEvent:
		if event.GetAction() != "opened" {
			return nil
		}

		return c.publishWebhookRecord(ctx, sctx, kindWebhookIssue, event.GetRepo(), payload.Body)

	case *gh.PullRequestEvent:
		if event.GetAction() != "opened" {
			return nil
		}

		return c.publishWebhookRecord(ctx, sctx, kindWebhookPull, event.GetRepo(), payload.Body)

	case *gh.StarEvent:
		if event.GetAction() != "created" {
			return nil
		}

		return c.publishWebhookRecord(ctx, sctx, kindWebhookStar, event.GetRepo(), payload.Body)
	}

	sctx.Logger.Debug().Str("event", payload.Event).Msg("ignoring github event")

	return nil
}

func (c *Connector) publishWebhookRecord(ctx context.Context, sctx *domain.StreamContext, kind string, repo *gh.Repository, body json.RawMessage) error {
	return sctx.PublishData(ctx, publishedData{
		Kind:   kind,
		Owner:  repo.GetOwner().GetLogin(),
		Repo:   repo.GetName(),
		Record: body,
	})
}

func (c *Connector) ProcessData(ctx context.Context, dctx *domain.DataContext) error {
	var data publishedData
	if err := dctx.DecodeData(&data); err != nil {
		return fmt.Errorf("failed to decode github data: %w", err)
	}

	channel := fmt.Sprintf("https://github.com/%s/%s", data.Owner, data.Repo)

	switch data.Kind {
	case kindIssue, kindWebhookIssue:
		var issue gh.Issue

		if data.Kind == kindWebhookIssue {
			var event gh.IssuesEvent
			if err := json.Unmarshal(data.Record, &event); err != nil {
				return err
			}

			issue = *event.GetIssue()
		} else if err := json.Unmarshal(data.Record, &issue); err != nil {
			return err
		}

		return dctx.PublishActivity(ctx, domain.Activity{
			Type:      activityTypeIssueOpened,
			Platform:  domain.PlatformType_Github,
			Timestamp: issue.GetCreatedAt().Time,
			SourceID:  issue.GetNodeID(),
			Channel:   channel,
			Title:     issue.GetTitle(),
			Body:      issue.GetBody(),
			URL:       issue.GetHTMLURL(),
			Score:     issueScore,
			Member:    memberFromUser(issue.GetUser()),
		})

	case kindPull, kindWebhookPull:
		var pull gh.PullRequest

		if data.Kind == kindWebhookPull {
			var event gh.PullRequestEvent
			if err := json.Unmarshal(data.Record, &event); err != nil {
				return err
			}

			pull = *event.GetPullRequest()
		} else if err := json.Unmarshal(data.Record, &pull); err != nil {
			return err
		}

		return dctx.PublishActivity(ctx, domain.Activity{
			Type:      activityTypePullOpened,
			Platform:  domain.PlatformType_Github,
			Timestamp: pull.GetCreatedAt().Time,
			SourceID:  pull.GetNodeID(),
			Channel:   channel,
			Title:     pull.GetTitle(),
			Body:      pull.GetBody(),
			URL:       pull.GetHTMLURL(),
			Score:     pullScore,
			Member:    memberFromUser(pull.GetUser()),
		})

	case kindStar, kindWebhookStar:
		var (
			user      *gh.User
			starredAt time.Time
		)

		if data.Kind == kindWebhookStar {
			var event gh.StarEvent
			if err := json.Unmarshal(data.Record, &event); err != nil {
				return err
			}

			user = event.GetSender()
			starredAt = event.GetStarredAt().Time
		} else {
			var stargazer gh.Stargazer
			if err := json.Unmarshal(data.Record, &stargazer); err != nil {
				return err
			}

			user = stargazer.GetUser()
			starredAt = stargazer.GetStarredAt().Time
		}

		return dctx.PublishActivity(ctx, domain.Activity{
			Type:      activityTypeStar,
			Platform:  domain.PlatformType_Github,
			Timestamp: starredAt,
			SourceID:  fmt.Sprintf("star:%s/%s:%s", data.Owner, data.Repo, user.GetLogin()),
			Channel:   channel,
			Score:     starScore,
			Member:    memberFromUser(user),
		})
	}

	return domain.ConfigError{Reason: fmt.Sprintf("unknown github record kind %q", data.Kind)}
}

func (c *Connector) client(ctx context.Context, token string) *gh.Client {
	var hc *http.Client
	if token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}

	return gh.NewClient(hc)
}

func memberFromUser(user *gh.User) domain.Member {
	if user == nil {
		return domain.Member{}
	}

	member := domain.Member{
		Username:    user.GetLogin(),
		DisplayName: user.GetName(),
		Attributes: map[string]any{
			"url": user.GetHTMLURL(),
		},
	}

	if user.GetCompany() != "" {
		member.Attributes["company"] = user.GetCompany()
	}

	return member
}

// mapError reclassifies go-github failures into the pipeline's error model
// so rate limits delay the stream instead of burning retries.
func mapError(err error) error {
	if rateErr, ok := err.(*gh.RateLimitError); ok {
		retryAfter := time.Until(rateErr.Rate.Reset.Time)
		if retryAfter <= 0 {
			retryAfter = time.Minute
		}

		return domain.RateLimitError{RetryAfter: retryAfter}
	}

	if abuseErr, ok := err.(*gh.AbuseRateLimitError); ok {
		retryAfter := time.Minute
		if abuseErr.RetryAfter != nil {
			retryAfter = *abuseErr.RetryAfter
		}

		return domain.RateLimitError{RetryAfter: retryAfter}
	}

	if respErr, ok := err.(*gh.ErrorResponse); ok && respErr.Response != nil && respErr.Response.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}

	return err
}
