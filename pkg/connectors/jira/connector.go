// Package jira syncs projects: an issue search fan-out per project, with a
// comments leaf stream per discovered issue.
package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	jiraapi "github.com/andygrunwald/go-jira"

	"github.com/tributary-io/tributary/pkg/domain"
)

const (
	pageSize = 100

	streamTypeIssues   = "issues"
	streamTypeComments = "comments"

	kindIssue   = "issue"
	kindComment = "comment"

	activityTypeIssueCreated = "issue-created"
	activityTypeComment      = "issue-comment"

	issueScore   = 6
	commentScore = 4

	// Jira cloud comment timestamps are not RFC 3339.
	commentTimeLayout = "2006-01-02T15:04:05.000-0700"
)

// Settings connects one Jira site. Username is the account email; the API
// token lives in the integration token field.
type Settings struct {
	URL      string   `json:"url"`
	Username string   `json:"username"`
	Projects []string `json:"projects"`
}

type issuesStreamData struct {
	Project string `json:"project"`
	StartAt int    `json:"start_at"`
}

type commentsStreamData struct {
	Project  string `json:"project"`
	IssueKey string `json:"issue_key"`
}

type publishedData struct {
	Kind     string          `json:"kind"`
	Project  string          `json:"project"`
	IssueKey string          `json:"issue_key"`
	Record   json.RawMessage `json:"record"`
}

type commentRecord struct {
	ID      string `json:"id"`
	Body    string `json:"body"`
	Created string `json:"created"`
	Author  struct {
		AccountID    string `json:"account_id"`
		DisplayName  string `json:"display_name"`
		EmailAddress string `json:"email_address"`
	} `json:"author"`
}

type issueRecord struct {
	Key     string `json:"key"`
	Summary string `json:"summary"`
	Body    string `json:"body"`
	Created string `json:"created"`
	Author  struct {
		AccountID    string `json:"account_id"`
		DisplayName  string `json:"display_name"`
		EmailAddress string `json:"email_address"`
	} `json:"author"`
}

type Connector struct{}

func NewConnector() *Connector {
	return &Connector{}
}

func (c *Connector) Type() domain.PlatformType {
	return domain.PlatformType_Jira
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
		return domain.ConfigError{Reason: "jira settings are not valid JSON"}
	}

	if settings.URL == "" || len(settings.Projects) == 0 {
		return domain.ConfigError{Reason: "jira integration is missing site URL or projects"}
	}

	for _, project := range settings.Projects {
		identifier := fmt.Sprintf("%s:%s:0", streamTypeIssues, project)

		if err := gctx.PublishStream(ctx, identifier, issuesStreamData{Project: project}); err != nil {
			return err
		}
	}

	return nil
}

func (c *Connector) ProcessStream(ctx context.Context, sctx *domain.StreamContext) error {
	streamType, _, _ := strings.Cut(sctx.Stream.Identifier, ":")

	client, err := c.client(sctx.Integration)
	if err != nil {
		return err
	}

	switch streamType {
	case streamTypeIssues:
		return c.processIssues(ctx, sctx, client)
	case streamTypeComments:
		return c.processComments(ctx, sctx, client)
	}

	return domain.ConfigError{Reason: fmt.Sprintf("unknown jira stream type %q", streamType)}
}

func (c *Connector) processIssues(ctx context.Context, sctx *domain.StreamContext, client *jiraapi.Client) error {
	var data issuesStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode issues stream data: %w", err)
	}

	jql := fmt.Sprintf("project = %q ORDER BY created DESC", data.Project)

	issues, resp, err := client.Issue.SearchWithContext(ctx, jql, &jiraapi.SearchOptions{
		StartAt:    data.StartAt,
		MaxResults: pageSize,
	})
	if err != nil {
		return mapError(err, resp)
	}

	for _, issue := range issues {
		record := issueRecord{
			Key:     issue.Key,
			Summary: issue.Fields.Summary,
			Body:    issue.Fields.Description,
			Created: time.Time(issue.Fields.Created).Format(commentTimeLayout),
		}

		if issue.Fields.Reporter != nil {
			record.Author.AccountID = issue.Fields.Reporter.AccountID
			record.Author.DisplayName = issue.Fields.Reporter.DisplayName
			record.Author.EmailAddress = issue.Fields.Reporter.EmailAddress
		}

		if err := c.publishRecord(ctx, sctx, kindIssue, data.Project, issue.Key, record); err != nil {
			return err
		}

		commentsIdentifier := fmt.Sprintf("%s:%s", streamTypeComments, issue.Key)
		commentsData := commentsStreamData{Project: data.Project, IssueKey: issue.Key}

		if err := sctx.PublishStream(ctx, commentsIdentifier, commentsData); err != nil {
			return err
		}
	}

	if len(issues) == pageSize {
		next := data
		next.StartAt += pageSize

		identifier := fmt.Sprintf("%s:%s:%d", streamTypeIssues, next.Project, next.StartAt)

		return sctx.PublishStream(ctx, identifier, next)
	}

	return nil
}

func (c *Connector) processComments(ctx context.Context, sctx *domain.StreamContext, client *jiraapi.Client) error {
	var data commentsStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode comments stream data: %w", err)
	}

	issue, resp, err := client.Issue.GetWithContext(ctx, data.IssueKey, nil)
	if err != nil {
		return mapError(err, resp)
	}

	if issue.Fields == nil || issue.Fields.Comments == nil {
		return nil
	}

	for _, comment := range issue.Fields.Comments.Comments {
		record := commentRecord{
			ID:      comment.ID,
			Body:    comment.Body,
			Created: comment.Created,
		}
		record.Author.AccountID = comment.Author.AccountID
		record.Author.DisplayName = comment.Author.DisplayName
		record.Author.EmailAddress = comment.Author.EmailAddress

		if err := c.publishRecord(ctx, sctx, kindComment, data.Project, data.IssueKey, record); err != nil {
			return err
		}
	}

	return nil
}

func (c *Connector) publishRecord(ctx context.Context, sctx *domain.StreamContext, kind, project, issueKey string, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return sctx.PublishData(ctx, publishedData{Kind: kind, Project: project, IssueKey: issueKey, Record: raw})
}

// ProcessWebhookStream is unsupported; Jira sites sync by polling here.
func (c *Connector) ProcessWebhookStream(ctx context.Context, sctx *domain.StreamContext) error {
	return domain.ConfigError{Reason: "jira integration does not accept webhooks"}
}

func (c *Connector) ProcessData(ctx context.Context, dctx *domain.DataContext) error {
	var data publishedData
	if err := dctx.DecodeData(&data); err != nil {
		return fmt.Errorf("failed to decode jira data: %w", err)
	}

	var settings Settings
	if err := dctx.Integration.DecodeSettings(&settings); err != nil {
		return domain.ConfigError{Reason: "jira settings are not valid JSON"}
	}

	siteURL := strings.TrimSuffix(settings.URL, "/")

	switch data.Kind {
	case kindIssue:
		var record issueRecord
		if err := json.Unmarshal(data.Record, &record); err != nil {
			return err
		}

		timestamp, err := time.Parse(commentTimeLayout, record.Created)
		if err != nil {
			return fmt.Errorf("failed to parse issue timestamp %q: %w", record.Created, err)
		}

		return dctx.PublishActivity(ctx, domain.Activity{
			Type:      activityTypeIssueCreated,
			Platform:  domain.PlatformType_Jira,
			Timestamp: timestamp,
			SourceID:  "issue:" + record.Key,
			Channel:   data.Project,
			Title:     record.Summary,
			Body:      record.Body,
			URL:       siteURL + "/browse/" + record.Key,
			Score:     issueScore,
			Member:    member(record.Author.AccountID, record.Author.DisplayName, record.Author.EmailAddress),
		})

	case kindComment:
		var record commentRecord
		if err := json.Unmarshal(data.Record, &record); err != nil {
			return err
		}

		timestamp, err := time.Parse(commentTimeLayout, record.Created)
		if err != nil {
			return fmt.Errorf("failed to parse comment timestamp %q: %w", record.Created, err)
		}

		return dctx.PublishActivity(ctx, domain.Activity{
			Type:           activityTypeComment,
			Platform:       domain.PlatformType_Jira,
			Timestamp:      timestamp,
			SourceID:       "comment:" + record.ID,
			SourceParentID: "issue:" + data.IssueKey,
			Channel:        data.Project,
			Body:           record.Body,
			URL:            siteURL + "/browse/" + data.IssueKey,
			Score:          commentScore,
			Member:         member(record.Author.AccountID, record.Author.DisplayName, record.Author.EmailAddress),
		})
	}

	return domain.ConfigError{Reason: fmt.Sprintf("unknown jira record kind %q", data.Kind)}
}

func (c *Connector) client(integration *domain.Integration) (*jiraapi.Client, error) {
	var settings Settings
	if err := integration.DecodeSettings(&settings); err != nil {
		return nil, domain.ConfigError{Reason: "jira settings are not valid JSON"}
	}

	transport := jiraapi.BasicAuthTransport{
		Username: settings.Username,
		Password: integration.Token,
	}

	return jiraapi.NewClient(transport.Client(), settings.URL)
}

func member(accountID, displayName, email string) domain.Member {
	username := email
	if username == "" {
		username = accountID
	}

	m := domain.Member{Username: username, DisplayName: displayName}
	if email != "" {
		m.Emails = []string{email}
	}

	return m
}

func mapError(err error, resp *jiraapi.Response) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return domain.RateLimitError{RetryAfter: time.Minute}
		case http.StatusNotFound:
			return domain.ErrNotFound
		}
	}

	return err
}
