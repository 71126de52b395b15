// Package gitlab syncs projects: issues, merge requests and issue notes,
// plus issue and note push deliveries.
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gl "github.com/xanzy/go-gitlab"

	"github.com/tributary-io/tributary/pkg/domain"
)

const (
	pageSize = 100

	streamTypeIssues        = "issues"
	streamTypeMergeRequests = "merge-requests"
	streamTypeIssueNotes    = "issue-notes"

	kindIssue        = "issue"
	kindMergeRequest = "merge-request"
	kindNote         = "note"
	kindWebhookIssue = "webhook-issue"
	kindWebhookNote  = "webhook-note"

	activityTypeIssueOpened = "issues-opened"
	activityTypeMROpened    = "merge_request-opened"
	activityTypeComment     = "issue-comment"

	issueScore   = 6
	mrScore      = 8
	commentScore = 6
)

// Settings lists the numeric project ids the integration syncs. BaseURL is
// only set for self-hosted instances.
type Settings struct {
	Projects []int  `json:"projects"`
	BaseURL  string `json:"base_url,omitempty"`
}

type projectPageStreamData struct {
	ProjectID int `json:"project_id"`
	Page      int `json:"page"`
}

type issueNotesStreamData struct {
	ProjectID int `json:"project_id"`
	IssueIID  int `json:"issue_iid"`
	Page      int `json:"page"`
}

type publishedData struct {
	Kind      string          `json:"kind"`
	ProjectID int             `json:"project_id"`
	IssueIID  int             `json:"issue_iid,omitempty"`
	Record    json.RawMessage `json:"record"`
}

type Connector struct{}

func NewConnector() *Connector {
	return &Connector{}
}

func (c *Connector) Type() domain.PlatformType {
	return domain.PlatformType_Gitlab
}

func (c *Connector) CheckEvery() time.Duration {
	return time.Hour
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
		return domain.ConfigError{Reason: "gitlab settings are not valid JSON"}
	}

	if len(settings.Projects) == 0 {
		return domain.ConfigError{Reason: "gitlab integration has no projects configured"}
	}

	for _, projectID := range settings.Projects {
		data := projectPageStreamData{ProjectID: projectID, Page: 1}

		for _, streamType := range []string{streamTypeIssues, streamTypeMergeRequests} {
			identifier := fmt.Sprintf("%s:%d:1", streamType, projectID)

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
		return domain.ConfigError{Reason: fmt.Sprintf("malformed gitlab stream identifier %q", sctx.Stream.Identifier)}
	}

	client, err := c.client(sctx.Integration)
	if err != nil {
		return err
	}

	switch streamType {
	case streamTypeIssues:
		return c.processIssuesPage(ctx, sctx, client)
	case streamTypeMergeRequests:
		return c.processMergeRequestsPage(ctx, sctx, client)
	case streamTypeIssueNotes:
		return c.processIssueNotesPage(ctx, sctx, client)
	}

	return domain.ConfigError{Reason: fmt.Sprintf("unknown gitlab stream type %q", streamType)}
}

func (c *Connector) processIssuesPage(ctx context.Context, sctx *domain.StreamContext, client *gl.Client) error {
	var data projectPageStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode gitlab stream data: %w", err)
	}

	issues, resp, err := client.Issues.ListProjectIssues(data.ProjectID, &gl.ListProjectIssuesOptions{
		ListOptions: gl.ListOptions{Page: data.Page, PerPage: pageSize},
	}, gl.WithContext(ctx))
	if err != nil {
		return mapError(err, resp)
	}

	for _, issue := range issues {
		if err := c.publishRecord(ctx, sctx, publishedData{Kind: kindIssue, ProjectID: data.ProjectID}, issue); err != nil {
			return err
		}

		notesIdentifier := fmt.Sprintf("%s:%d:%d:1", streamTypeIssueNotes, data.ProjectID, issue.IID)
		notesData := issueNotesStreamData{ProjectID: data.ProjectID, IssueIID: issue.IID, Page: 1}

		if err := sctx.PublishStream(ctx, notesIdentifier, notesData); err != nil {
			return err
		}
	}

	if len(issues) == pageSize {
		next := data
		next.Page++

		identifier := fmt.Sprintf("%s:%d:%d", streamTypeIssues, next.ProjectID, next.Page)

		return sctx.PublishStream(ctx, identifier, next)
	}

	return nil
}

func (c *Connector) processMergeRequestsPage(ctx context.Context, sctx *domain.StreamContext, client *gl.Client) error {
	var data projectPageStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode gitlab stream data: %w", err)
	}

	mergeRequests, resp, err := client.MergeRequests.ListProjectMergeRequests(data.ProjectID, &gl.ListProjectMergeRequestsOptions{
		ListOptions: gl.ListOptions{Page: data.Page, PerPage: pageSize},
	}, gl.WithContext(ctx))
	if err != nil {
		return mapError(err, resp)
	}

	for _, mergeRequest := range mergeRequests {
		if err := c.publishRecord(ctx, sctx, publishedData{Kind: kindMergeRequest, ProjectID: data.ProjectID}, mergeRequest); err != nil {
			return err
		}
	}

	if len(mergeRequests) == pageSize {
		next := data
		next.Page++

		identifier := fmt.Sprintf("%s:%d:%d", streamTypeMergeRequests, next.ProjectID, next.Page)

		return sctx.PublishStream(ctx, identifier, next)
	}

	return nil
}

func (c *Connector) processIssueNotesPage(ctx context.Context, sctx *domain.StreamContext, client *gl.Client) error {
	var data issueNotesStreamData
	if err := json.Unmarshal(sctx.Stream.Data, &data); err != nil {
		return fmt.Errorf("failed to decode gitlab stream data: %w", err)
	}

	notes, resp, err := client.Notes.ListIssueNotes(data.ProjectID, data.IssueIID, &gl.ListIssueNotesOptions{
		ListOptions: gl.ListOptions{Page: data.Page, PerPage: pageSize},
	}, gl.WithContext(ctx))
	if err != nil {
		return mapError(err, resp)
	}

	for _, note := range notes {
		if note.System {
			continue
		}

		payload := publishedData{Kind: kindNote, ProjectID: data.ProjectID, IssueIID: data.IssueIID}

		if err := c.publishRecord(ctx, sctx, payload, note); err != nil {
			return err
		}
	}

	if len(notes) == pageSize {
		next := data
		next.Page++

		identifier := fmt.Sprintf("%s:%d:%d:%d", streamTypeIssueNotes, next.ProjectID, next.IssueIID, next.Page)

		return sctx.PublishStream(ctx, identifier, next)
	}

	return nil
}

func (c *Connector) publishRecord(ctx context.Context, sctx *domain.StreamContext, payload publishedData, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}

	payload.Record = raw

	return sctx.PublishData(ctx, payload)
}

func (c *Connector) ProcessWebhookStream(ctx context.Context, sctx *domain.StreamContext) error {
	var payload domain.WebhookPayload
	if err := json.Unmarshal(sctx.Stream.Data, &payload); err != nil {
		return fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	switch payload.Event {
	case "Issue Hook":
		var event webhookIssueEvent
		if err := json.Unmarshal(payload.Body, &event); err != nil {
			return err
		}

		if event.ObjectAttributes.Action != "open" {
			return nil
		}

		return sctx.PublishData(ctx, publishedData{
			Kind:      kindWebhookIssue,
			ProjectID: event.Project.ID,
			Record:    payload.Body,
		})

	case "Note Hook":
		var event webhookNoteEvent
		if err := json.Unmarshal(payload.Body, &event); err != nil {
			return err
		}

		if event.ObjectAttributes.NoteableType != "Issue" {
			return nil
		}

		return sctx.PublishData(ctx, publishedData{
			Kind:      kindWebhookNote,
			ProjectID: event.Project.ID,
			IssueIID:  event.Issue.IID,
			Record:    payload.Body,
		})
	}

	sctx.Logger.Debug().Str("event", payload.Event).Msg("ignoring gitlab event")

	return nil
}

func (c *Connector) ProcessData(ctx context.Context, dctx *domain.DataContext) error {
	var data publishedData
	if err := dctx.DecodeData(&data); err != nil {
		return fmt.Errorf("failed to decode gitlab data: %w", err)
	}

	channel := strconv.Itoa(data.ProjectID)

	switch data.Kind {
	case kindIssue:
		var issue gl.Issue
		if err := json.Unmarshal(data.Record, &issue); err != nil {
			return err
		}

		activity := domain.Activity{
			Type:     activityTypeIssueOpened,
			Platform: domain.PlatformType_Gitlab,
			SourceID: fmt.Sprintf("issue:%d:%d", data.ProjectID, issue.IID),
			Channel:  channel,
			Title:    issue.Title,
			Body:     issue.Description,
			URL:      issue.WebURL,
			Score:    issueScore,
		}

		if issue.CreatedAt != nil {
			activity.Timestamp = *issue.CreatedAt
		}

		if issue.Author != nil {
			activity.Member = member(issue.Author.Username, issue.Author.Name, issue.Author.WebURL)
		}

		return dctx.PublishActivity(ctx, activity)

	case kindMergeRequest:
		var mergeRequest gl.MergeRequest
		if err := json.Unmarshal(data.Record, &mergeRequest); err != nil {
			return err
		}

		activity := domain.Activity{
			Type:     activityTypeMROpened,
			Platform: domain.PlatformType_Gitlab,
			SourceID: fmt.Sprintf("merge-request:%d:%d", data.ProjectID, mergeRequest.IID),
			Channel:  channel,
			Title:    mergeRequest.Title,
			Body:     mergeRequest.Description,
			URL:      mergeRequest.WebURL,
			Score:    mrScore,
		}

		if mergeRequest.CreatedAt != nil {
			activity.Timestamp = *mergeRequest.CreatedAt
		}

		if mergeRequest.Author != nil {
			activity.Member = member(mergeRequest.Author.Username, mergeRequest.Author.Name, mergeRequest.Author.WebURL)
		}

		return dctx.PublishActivity(ctx, activity)

	case kindNote:
		var note gl.Note
		if err := json.Unmarshal(data.Record, &note); err != nil {
			return err
		}

		activity := domain.Activity{
			Type:           activityTypeComment,
			Platform:       domain.PlatformType_Gitlab,
			SourceID:       fmt.Sprintf("note:%d:%d", data.ProjectID, note.ID),
			SourceParentID: fmt.Sprintf("issue:%d:%d", data.ProjectID, data.IssueIID),
			Channel:        channel,
			Body:           note.Body,
			Score:          commentScore,
			Member:         member(note.Author.Username, note.Author.Name, note.Author.WebURL),
		}

		if note.CreatedAt != nil {
			activity.Timestamp = *note.CreatedAt
		}

		return dctx.PublishActivity(ctx, activity)

	case kindWebhookIssue:
		var event webhookIssueEvent
		if err := json.Unmarshal(data.Record, &event); err != nil {
			return err
		}

		return dctx.PublishActivity(ctx, domain.Activity{
			Type:      activityTypeIssueOpened,
			Platform:  domain.PlatformType_Gitlab,
			Timestamp: event.ObjectAttributes.CreatedAt.Time,
			SourceID:  fmt.Sprintf("issue:%d:%d", data.ProjectID, event.ObjectAttributes.IID),
			Channel:   channel,
			Title:     event.ObjectAttributes.Title,
			Body:      event.ObjectAttributes.Description,
			URL:       event.ObjectAttributes.URL,
			Score:     issueScore,
			Member:    member(event.User.Username, event.User.Name, ""),
		})

	case kindWebhookNote:
		var event webhookNoteEvent
		if err := json.Unmarshal(data.Record, &event); err != nil {
			return err
		}

		return dctx.PublishActivity(ctx, domain.Activity{
			Type:           activityTypeComment,
			Platform:       domain.PlatformType_Gitlab,
			Timestamp:      event.ObjectAttributes.CreatedAt.Time,
			SourceID:       fmt.Sprintf("note:%d:%d", data.ProjectID, event.ObjectAttributes.ID),
			SourceParentID: fmt.Sprintf("issue:%d:%d", data.ProjectID, data.IssueIID),
			Channel:        channel,
			Body:           event.ObjectAttributes.Note,
			URL:            event.ObjectAttributes.URL,
			Score:          commentScore,
			Member:         member(event.User.Username, event.User.Name, ""),
		})
	}

	return domain.ConfigError{Reason: fmt.Sprintf("unknown gitlab record kind %q", data.Kind)}
}

func (c *Connector) client(integration *domain.Integration) (*gl.Client, error) {
	var settings Settings
	if err := integration.DecodeSettings(&settings); err != nil {
		return nil, domain.ConfigError{Reason: "gitlab settings are not valid JSON"}
	}

	opts := []gl.ClientOptionFunc{}
	if settings.BaseURL != "" {
		opts = append(opts, gl.WithBaseURL(settings.BaseURL))
	}

	return gl.NewClient(integration.Token, opts...)
}

func member(username, name, webURL string) domain.Member {
	m := domain.Member{Username: username, DisplayName: name}

	if webURL != "" {
		m.Attributes = map[string]any{"url": webURL}
	}

	return m
}

func mapError(err error, resp *gl.Response) error {
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
