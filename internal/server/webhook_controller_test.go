package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/pkg/domain"
)

type stubIntegrationRepo struct {
	integrations map[string]*domain.Integration
}

func (r *stubIntegrationRepo) FindByID(ctx context.Context, id string) (*domain.Integration, error) {
	integration, ok := r.integrations[id]
	if !ok {
		return nil, domain.ErrIntegrationNotFound
	}

	return integration, nil
}

func (r *stubIntegrationRepo) FindByIdentifier(ctx context.Context, platform domain.PlatformType, identifier string) (*domain.Integration, error) {
	for _, integration := range r.integrations {
		if integration.Platform == platform && integration.Identifier == identifier {
			return integration, nil
		}
	}

	return nil, domain.ErrIntegrationNotFound
}

func (r *stubIntegrationRepo) ListPollable(ctx context.Context) ([]domain.Integration, error) {
	return nil, nil
}

func (r *stubIntegrationRepo) UpdateSettings(ctx context.Context, id string, settings json.RawMessage) error {
	return nil
}

func (r *stubIntegrationRepo) UpdateToken(ctx context.Context, id, token string) error {
	return nil
}

func (r *stubIntegrationRepo) UpdateRefreshToken(ctx context.Context, id, refreshToken string) error {
	return nil
}

func (r *stubIntegrationRepo) SetStatus(ctx context.Context, id string, status domain.IntegrationStatus) error {
	return nil
}

type stubWebhookRepo struct {
	created []domain.IncomingWebhook
}

func (r *stubWebhookRepo) Create(ctx context.Context, integrationID, tenantID string, platform domain.PlatformType, payload json.RawMessage) (string, error) {
	r.created = append(r.created, domain.IncomingWebhook{
		ID:            fmt.Sprintf("webhook-%d", len(r.created)+1),
		IntegrationID: integrationID,
		TenantID:      tenantID,
		Type:          platform,
		Payload:       payload,
	})

	return r.created[len(r.created)-1].ID, nil
}

func (r *stubWebhookRepo) FindByID(ctx context.Context, id string) (*domain.IncomingWebhook, error) {
	return nil, domain.ErrWebhookNotFound
}

func (r *stubWebhookRepo) MarkProcessed(ctx context.Context, id string) error {
	return nil
}

func (r *stubWebhookRepo) MarkError(ctx context.Context, id string, webhookError domain.StreamError) error {
	return nil
}

func (r *stubWebhookRepo) ClaimUnmaterialized(ctx context.Context, limit int, olderThan time.Duration) ([]domain.IncomingWebhook, error) {
	return nil, nil
}

type stubDispatcher struct {
	webhooks []string
}

func (d *stubDispatcher) DispatchStream(streamID string) {}

func (d *stubDispatcher) DispatchResult(resultID string) {}

func (d *stubDispatcher) DispatchWebhook(webhookID string) {
	d.webhooks = append(d.webhooks, webhookID)
}

type serverFixture struct {
	app        *fiber.App
	webhooks   *stubWebhookRepo
	dispatcher *stubDispatcher
}

func newServerFixture(t *testing.T, integrations ...*domain.Integration) *serverFixture {
	t.Helper()

	repo := &stubIntegrationRepo{integrations: map[string]*domain.Integration{}}
	for _, integration := range integrations {
		repo.integrations[integration.ID] = integration
	}

	webhooks := &stubWebhookRepo{}
	dispatcher := &stubDispatcher{}

	controller := NewWebhookController(WebhookControllerDependencies{
		Integrations: repo,
		Webhooks:     webhooks,
		Dispatcher:   dispatcher,
		Logger:       zerolog.Nop(),
	})

	app := NewHTTPServer(HTTPServerDependencies{WebhookController: controller})

	return &serverFixture{app: app, webhooks: webhooks, dispatcher: dispatcher}
}

func githubSignature256(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func githubSignature1(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)

	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookController_Github(t *testing.T) {
	secret := "hook-secret"
	body := []byte(`{"action":"opened","repository":{"full_name":"owner/repo"}}`)

	tests := []struct {
		name         string
		body         []byte
		headers      map[string]string
		wantStatus   int
		wantAccepted int
	}{
		{
			name: "valid sha256 signature",
			body: body,
			headers: map[string]string{
				"X-GitHub-Event":      "issues",
				"X-Hub-Signature-256": githubSignature256(secret, body),
			},
			wantStatus:   fiber.StatusNoContent,
			wantAccepted: 1,
		},
		{
			name: "valid sha1 fallback",
			body: body,
			headers: map[string]string{
				"X-GitHub-Event":  "issues",
				"X-Hub-Signature": githubSignature1(secret, body),
			},
			wantStatus:   fiber.StatusNoContent,
			wantAccepted: 1,
		},
		{
			name: "bad signature is dropped with 200",
			body: body,
			headers: map[string]string{
				"X-GitHub-Event":      "issues",
				"X-Hub-Signature-256": "sha256=deadbeef",
			},
			wantStatus:   fiber.StatusOK,
			wantAccepted: 0,
		},
		{
			name:         "missing signature is dropped with 200",
			body:         body,
			headers:      map[string]string{"X-GitHub-Event": "issues"},
			wantStatus:   fiber.StatusOK,
			wantAccepted: 0,
		},
		{
			name:         "unknown repository is dropped with 200",
			body:         []byte(`{"repository":{"full_name":"someone/else"}}`),
			headers:      map[string]string{"X-GitHub-Event": "issues"},
			wantStatus:   fiber.StatusOK,
			wantAccepted: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t, &domain.Integration{
				ID:            "int-1",
				TenantID:      "tenant-1",
				Platform:      domain.PlatformType_Github,
				Identifier:    "owner/repo",
				WebhookSecret: secret,
			})

			req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(tt.body))
			for key, value := range tt.headers {
				req.Header.Set(key, value)
			}

			resp, err := f.app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			assert.Len(t, f.webhooks.created, tt.wantAccepted)
			assert.Len(t, f.dispatcher.webhooks, tt.wantAccepted)
		})
	}
}

func TestWebhookController_Github_PersistsEnvelope(t *testing.T) {
	secret := "hook-secret"
	body := []byte(`{"action":"opened","repository":{"full_name":"owner/repo"}}`)

	f := newServerFixture(t, &domain.Integration{
		ID:            "int-1",
		TenantID:      "tenant-1",
		Platform:      domain.PlatformType_Github,
		Identifier:    "owner/repo",
		WebhookSecret: secret,
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "issues")
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	req.Header.Set("X-Hub-Signature-256", githubSignature256(secret, body))

	resp, err := f.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	require.Len(t, f.webhooks.created, 1)

	var payload domain.WebhookPayload
	require.NoError(t, json.Unmarshal(f.webhooks.created[0].Payload, &payload))
	assert.Equal(t, "issues", payload.Event)
	assert.Equal(t, "delivery-1", payload.DeliveryID)
	assert.JSONEq(t, string(body), string(payload.Body))
}

func TestWebhookController_Groupsio(t *testing.T) {
	integration := &domain.Integration{
		ID:         "int-1",
		TenantID:   "tenant-1",
		Platform:   domain.PlatformType_Groupsio,
		Identifier: "main",
	}

	tests := []struct {
		name         string
		body         string
		wantStatus   int
		wantAccepted int
	}{
		{
			name:         "nested group object",
			body:         `{"action":"sent_message","group":{"name":"main"}}`,
			wantStatus:   fiber.StatusNoContent,
			wantAccepted: 1,
		},
		{
			name:         "flat group_name field",
			body:         `{"action":"joined","group_name":"main"}`,
			wantStatus:   fiber.StatusNoContent,
			wantAccepted: 1,
		},
		{
			name:         "unknown group dropped",
			body:         `{"action":"joined","group_name":"other"}`,
			wantStatus:   fiber.StatusOK,
			wantAccepted: 0,
		},
		{
			name:         "unparseable body dropped",
			body:         `not json`,
			wantStatus:   fiber.StatusOK,
			wantAccepted: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t, integration)

			// No Content-Type on purpose: some deliveries omit it.
			req := httptest.NewRequest(http.MethodPost, "/webhooks/groupsio", bytes.NewReader([]byte(tt.body)))

			resp, err := f.app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Len(t, f.webhooks.created, tt.wantAccepted)
		})
	}
}

func TestWebhookController_Discourse(t *testing.T) {
	secret := "discourse-secret"
	body := []byte(`{"post":{"id":12}}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	goodSignature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	tests := []struct {
		name         string
		target       string
		signature    string
		wantStatus   int
		wantAccepted int
	}{
		{
			name:         "valid signature",
			target:       "int-1",
			signature:    goodSignature,
			wantStatus:   fiber.StatusNoContent,
			wantAccepted: 1,
		},
		{
			name:         "bad signature dropped",
			target:       "int-1",
			signature:    "sha256=deadbeef",
			wantStatus:   fiber.StatusOK,
			wantAccepted: 0,
		},
		{
			name:         "unknown integration dropped",
			target:       "int-2",
			signature:    goodSignature,
			wantStatus:   fiber.StatusOK,
			wantAccepted: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t, &domain.Integration{
				ID:            "int-1",
				TenantID:      "tenant-1",
				Platform:      domain.PlatformType_Discourse,
				WebhookSecret: secret,
			})

			req := httptest.NewRequest(http.MethodPost, "/webhooks/discourse/"+tt.target, bytes.NewReader(body))
			req.Header.Set("X-Discourse-Event", "post_created")
			req.Header.Set("X-Discourse-Event-Signature", tt.signature)

			resp, err := f.app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Len(t, f.webhooks.created, tt.wantAccepted)
		})
	}
}

func TestWebhookController_Gitlab(t *testing.T) {
	tests := []struct {
		name         string
		token        string
		wantStatus   int
		wantAccepted int
	}{
		{
			name:         "valid token",
			token:        "gitlab-secret",
			wantStatus:   fiber.StatusNoContent,
			wantAccepted: 1,
		},
		{
			name:         "wrong token dropped",
			token:        "nope",
			wantStatus:   fiber.StatusOK,
			wantAccepted: 0,
		},
		{
			name:         "missing token dropped",
			token:        "",
			wantStatus:   fiber.StatusOK,
			wantAccepted: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t, &domain.Integration{
				ID:            "int-1",
				TenantID:      "tenant-1",
				Platform:      domain.PlatformType_Gitlab,
				WebhookSecret: "gitlab-secret",
			})

			req := httptest.NewRequest(http.MethodPost, "/webhooks/gitlab/int-1", bytes.NewReader([]byte(`{"object_kind":"issue"}`)))
			req.Header.Set("X-Gitlab-Event", "Issue Hook")
			if tt.token != "" {
				req.Header.Set("X-Gitlab-Token", tt.token)
			}

			resp, err := f.app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Len(t, f.webhooks.created, tt.wantAccepted)
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	resp, err := f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
