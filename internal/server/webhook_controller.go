package server

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/tributary-io/tributary/internal/service"
	"github.com/tributary-io/tributary/pkg/domain"
)

// WebhookController accepts platform push notifications. Every handler
// follows the same order: resolve the integration, verify the signature when
// the platform signs, persist the webhook row, acknowledge, hand off to the
// runtime. Unresolvable or badly signed deliveries are acknowledged with 200
// and dropped so platforms do not retry garbage forever.
type WebhookController struct {
	integrations domain.IntegrationRepository
	webhooks     domain.WebhookRepository
	dispatcher   service.Dispatcher
	logger       zerolog.Logger
}

type WebhookControllerDependencies struct {
	Integrations domain.IntegrationRepository
	Webhooks     domain.WebhookRepository
	Dispatcher   service.Dispatcher
	Logger       zerolog.Logger
}

func NewWebhookController(deps WebhookControllerDependencies) *WebhookController {
	return &WebhookController{
		integrations: deps.Integrations,
		webhooks:     deps.Webhooks,
		dispatcher:   deps.Dispatcher,
		logger:       deps.Logger.With().Str("component", "webhook-controller").Logger(),
	}
}

func (c *WebhookController) HandleGithub(ctx fiber.Ctx) error {
	event := ctx.Get("X-GitHub-Event")
	deliveryID := ctx.Get("X-GitHub-Delivery")
	body := ctx.Body()

	var payload struct {
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}

	if err := json.Unmarshal(body, &payload); err != nil || payload.Repository.FullName == "" {
		c.logger.Debug().Str("event", event).Msg("github delivery without a repository, ignoring")

		return ctx.SendStatus(fiber.StatusOK)
	}

	integration, err := c.integrations.FindByIdentifier(ctx.RequestCtx(), domain.PlatformType_Github, payload.Repository.FullName)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrationNotFound) {
			c.logger.Debug().Str("repo", payload.Repository.FullName).Msg("github delivery for unknown repository, ignoring")

			return ctx.SendStatus(fiber.StatusOK)
		}

		return fiber.NewError(fiber.StatusInternalServerError, "failed to resolve integration")
	}

	if !verifyGithubSignature(integration.WebhookSecret, body, ctx.Get("X-Hub-Signature-256"), ctx.Get("X-Hub-Signature")) {
		c.logger.Warn().
			Str("integrationId", integration.ID).
			Str("deliveryId", deliveryID).
			Msg("github delivery failed signature verification")

		return ctx.SendStatus(fiber.StatusOK)
	}

	return c.accept(ctx, integration, domain.WebhookPayload{
		Event:      event,
		DeliveryID: deliveryID,
		Headers: map[string]string{
			"x-github-event":    event,
			"x-github-delivery": deliveryID,
		},
		Body: body,
	})
}

func (c *WebhookController) HandleGroupsio(ctx fiber.Ctx) error {
	body := ctx.Body()

	// Groups.io omits the Content-Type header on some deliveries; the body
	// is JSON regardless, so parse it as such.
	var payload struct {
		Action string `json:"action"`
		Group  struct {
			Name string `json:"name"`
		} `json:"group"`
		GroupName string `json:"group_name"`
	}

	if err := json.Unmarshal(body, &payload); err != nil {
		c.logger.Debug().Msg("groupsio delivery with unparseable body, ignoring")

		return ctx.SendStatus(fiber.StatusOK)
	}

	groupName := payload.Group.Name
	if groupName == "" {
		groupName = payload.GroupName
	}

	if groupName == "" {
		c.logger.Debug().Msg("groupsio delivery without a group, ignoring")

		return ctx.SendStatus(fiber.StatusOK)
	}

	integration, err := c.integrations.FindByIdentifier(ctx.RequestCtx(), domain.PlatformType_Groupsio, groupName)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrationNotFound) {
			c.logger.Debug().Str("group", groupName).Msg("groupsio delivery for unknown group, ignoring")

			return ctx.SendStatus(fiber.StatusOK)
		}

		return fiber.NewError(fiber.StatusInternalServerError, "failed to resolve integration")
	}

	return c.accept(ctx, integration, domain.WebhookPayload{
		Event: payload.Action,
		Body:  body,
	})
}

func (c *WebhookController) HandleDiscourse(ctx fiber.Ctx) error {
	targetID := ctx.Params("targetId")
	body := ctx.Body()

	integration, err := c.integrations.FindByID(ctx.RequestCtx(), targetID)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrationNotFound) {
			c.logger.Debug().Str("targetId", targetID).Msg("discourse delivery for unknown integration, ignoring")

			return ctx.SendStatus(fiber.StatusOK)
		}

		return fiber.NewError(fiber.StatusInternalServerError, "failed to resolve integration")
	}

	if !verifyDiscourseSignature(integration.WebhookSecret, body, ctx.Get("X-Discourse-Event-Signature")) {
		c.logger.Warn().Str("integrationId", integration.ID).Msg("discourse delivery failed signature verification")

		return ctx.SendStatus(fiber.StatusOK)
	}

	event := ctx.Get("X-Discourse-Event")

	return c.accept(ctx, integration, domain.WebhookPayload{
		Event: event,
		Headers: map[string]string{
			"x-discourse-event":      event,
			"x-discourse-event-type": ctx.Get("X-Discourse-Event-Type"),
		},
		Body: body,
	})
}

func (c *WebhookController) HandleGitlab(ctx fiber.Ctx) error {
	integrationID := ctx.Params("integrationId")
	body := ctx.Body()

	integration, err := c.integrations.FindByID(ctx.RequestCtx(), integrationID)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrationNotFound) {
			c.logger.Debug().Str("integrationId", integrationID).Msg("gitlab delivery for unknown integration, ignoring")

			return ctx.SendStatus(fiber.StatusOK)
		}

		return fiber.NewError(fiber.StatusInternalServerError, "failed to resolve integration")
	}

	if !verifyGitlabToken(integration.WebhookSecret, ctx.Get("X-Gitlab-Token")) {
		c.logger.Warn().Str("integrationId", integration.ID).Msg("gitlab delivery failed token verification")

		return ctx.SendStatus(fiber.StatusOK)
	}

	event := ctx.Get("X-Gitlab-Event")

	return c.accept(ctx, integration, domain.WebhookPayload{
		Event: event,
		Headers: map[string]string{
			"x-gitlab-event": event,
		},
		Body: body,
	})
}

// accept persists the webhook and acknowledges it. The 204 means "durably
// stored", nothing more; materialization and processing happen in the
// runtime, and the recovery sweep covers a lost dispatch.
func (c *WebhookController) accept(ctx fiber.Ctx, integration *domain.Integration, payload domain.WebhookPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to encode payload")
	}

	webhookID, err := c.webhooks.Create(ctx.RequestCtx(), integration.ID, integration.TenantID, integration.Platform, raw)
	if err != nil {
		c.logger.Error().Err(err).Str("integrationId", integration.ID).Msg("failed to persist webhook")

		return fiber.NewError(fiber.StatusInternalServerError, "failed to persist webhook")
	}

	c.dispatcher.DispatchWebhook(webhookID)

	return ctx.SendStatus(fiber.StatusNoContent)
}
