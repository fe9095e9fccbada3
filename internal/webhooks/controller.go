package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/iaze0088/IazeConnect-sub004/internal/webhook"
	"github.com/iaze0088/IazeConnect-sub004/pkg/auth"
	"github.com/iaze0088/IazeConnect-sub004/pkg/log"
	"github.com/iaze0088/IazeConnect-sub004/pkg/router"
	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

// Controller manages tenant notification subscriptions.
type Controller struct {
	engine       *webhook.Engine
	allowPrivate bool
}

func New(engine *webhook.Engine, allowPrivate bool) *Controller {
	return &Controller{engine: engine, allowPrivate: allowPrivate}
}

type createWebhookRequest struct {
	URL    string              `json:"url"`
	Events []webhook.EventType `json:"events"`
}

type updateWebhookRequest struct {
	URL    string              `json:"url"`
	Events []webhook.EventType `json:"events"`
	Active bool                `json:"active"`
}

// tenantOf returns the tenant whose subscriptions the caller manages. A
// platform-wide caller must name the tenant with ?tenant_id.
func tenantOf(c *fiber.Ctx) (string, error) {
	scope, err := auth.Scope(c)
	if err != nil {
		return "", err
	}
	if !scope.Global {
		return scope.TenantID, nil
	}
	tenantID := strings.TrimSpace(c.Query("tenant_id"))
	if tenantID == "" {
		return "", tenant.ErrTenantScopeViolation
	}
	return tenantID, nil
}

func (ctl *Controller) validate(url string, events []webhook.EventType) string {
	if strings.TrimSpace(url) == "" {
		return "url is required"
	}
	if err := webhook.ValidateURL(url, ctl.allowPrivate); err != nil {
		return err.Error()
	}
	for _, evt := range events {
		if !webhook.ValidEventType(evt) {
			return "unknown event type " + string(evt)
		}
	}
	return ""
}

func respondError(c *fiber.Ctx, tenantID string, op string, err error) error {
	switch {
	case errors.Is(err, tenant.ErrTenantScopeViolation):
		return router.ResponseForbidden(c, "tenant scope could not be resolved")
	case errors.Is(err, webhook.ErrNotFound):
		return router.ResponseNotFound(c, "webhook not found")
	}
	log.Print(c).WithField("tenant_id", tenantID).WithError(err).Error("Webhook " + op + " failed")
	return router.ResponseInternalError(c, "internal error")
}

// ListWebhooks
// @Summary     List notification webhooks
// @Tags        Webhooks
// @Produce     json
// @Success     200
// @Security    BearerAuth
// @Router      /webhooks [get]
func (ctl *Controller) ListWebhooks(c *fiber.Ctx) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return respondError(c, "", "list", err)
	}

	subs, err := ctl.engine.Store().List(c.UserContext(), tenantID)
	if err != nil {
		return respondError(c, tenantID, "list", err)
	}
	if subs == nil {
		subs = []webhook.Subscription{}
	}
	return router.ResponseSuccessWithData(c, "success", fiber.Map{"webhooks": subs})
}

// GetWebhook
// @Summary     Get a notification webhook
// @Tags        Webhooks
// @Produce     json
// @Param       webhook_id path int true "Webhook ID"
// @Success     200
// @Failure     404
// @Security    BearerAuth
// @Router      /webhooks/{webhook_id} [get]
func (ctl *Controller) GetWebhook(c *fiber.Ctx) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return respondError(c, "", "get", err)
	}
	webhookID, err := c.ParamsInt("webhook_id")
	if err != nil {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}

	sub, err := ctl.engine.Store().Get(c.UserContext(), tenantID, int64(webhookID))
	if err != nil {
		return respondError(c, tenantID, "get", err)
	}
	return router.ResponseSuccessWithData(c, "success", fiber.Map{"webhook": sub})
}

// CreateWebhook
// @Summary     Subscribe to connection notifications
// @Description The signing secret is returned once
// @Tags        Webhooks
// @Accept      json
// @Produce     json
// @Param       body body createWebhookRequest true "Webhook"
// @Success     201
// @Failure     400
// @Security    BearerAuth
// @Router      /webhooks [post]
func (ctl *Controller) CreateWebhook(c *fiber.Ctx) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return respondError(c, "", "create", err)
	}

	var req createWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}
	req.URL = strings.TrimSpace(req.URL)
	if msg := ctl.validate(req.URL, req.Events); msg != "" {
		return router.ResponseBadRequest(c, msg)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return respondError(c, tenantID, "create", err)
	}

	sub := &webhook.Subscription{
		TenantID: tenantID,
		URL:      req.URL,
		Secret:   hex.EncodeToString(secret),
		Events:   req.Events,
		Active:   true,
	}
	if err := ctl.engine.Store().Create(c.UserContext(), sub); err != nil {
		return respondError(c, tenantID, "create", err)
	}

	log.Print(c).WithField("tenant_id", tenantID).WithField("webhook_id", sub.ID).Info("Webhook created")
	return router.ResponseCreatedWithData(c, "webhook created", fiber.Map{"webhook_id": sub.ID, "secret": sub.Secret})
}

// UpdateWebhook
// @Summary     Update a notification webhook
// @Tags        Webhooks
// @Accept      json
// @Produce     json
// @Param       webhook_id path int true "Webhook ID"
// @Param       body body updateWebhookRequest true "Webhook"
// @Success     200
// @Failure     404
// @Security    BearerAuth
// @Router      /webhooks/{webhook_id} [patch]
func (ctl *Controller) UpdateWebhook(c *fiber.Ctx) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return respondError(c, "", "update", err)
	}
	webhookID, err := c.ParamsInt("webhook_id")
	if err != nil {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}

	var req updateWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}
	req.URL = strings.TrimSpace(req.URL)
	if msg := ctl.validate(req.URL, req.Events); msg != "" {
		return router.ResponseBadRequest(c, msg)
	}

	sub, err := ctl.engine.Store().Get(c.UserContext(), tenantID, int64(webhookID))
	if err != nil {
		return respondError(c, tenantID, "update", err)
	}
	sub.URL = req.URL
	sub.Events = req.Events
	sub.Active = req.Active
	if err := ctl.engine.Store().Update(c.UserContext(), sub); err != nil {
		return respondError(c, tenantID, "update", err)
	}

	return router.ResponseSuccess(c, "webhook updated")
}

// DeleteWebhook
// @Summary     Delete a notification webhook
// @Tags        Webhooks
// @Param       webhook_id path int true "Webhook ID"
// @Success     200
// @Failure     404
// @Security    BearerAuth
// @Router      /webhooks/{webhook_id} [delete]
func (ctl *Controller) DeleteWebhook(c *fiber.Ctx) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return respondError(c, "", "delete", err)
	}
	webhookID, err := c.ParamsInt("webhook_id")
	if err != nil {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}

	if err := ctl.engine.Store().Delete(c.UserContext(), tenantID, int64(webhookID)); err != nil {
		return respondError(c, tenantID, "delete", err)
	}
	return router.ResponseSuccess(c, "webhook deleted")
}

// GetWebhookLogs
// @Summary     Recent delivery attempts of a webhook
// @Tags        Webhooks
// @Produce     json
// @Param       webhook_id path int true "Webhook ID"
// @Success     200
// @Failure     404
// @Security    BearerAuth
// @Router      /webhooks/{webhook_id}/logs [get]
func (ctl *Controller) GetWebhookLogs(c *fiber.Ctx) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return respondError(c, "", "logs", err)
	}
	webhookID, err := c.ParamsInt("webhook_id")
	if err != nil {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}

	if _, err := ctl.engine.Store().Get(c.UserContext(), tenantID, int64(webhookID)); err != nil {
		return respondError(c, tenantID, "logs", err)
	}
	logs, err := ctl.engine.Store().DeliveryLogs(c.UserContext(), int64(webhookID), 100)
	if err != nil {
		return respondError(c, tenantID, "logs", err)
	}
	if logs == nil {
		logs = []webhook.DeliveryLog{}
	}
	return router.ResponseSuccessWithData(c, "success", fiber.Map{"logs": logs})
}

// TestWebhook
// @Summary     Send a test.ping to a webhook
// @Tags        Webhooks
// @Param       webhook_id path int true "Webhook ID"
// @Success     200
// @Failure     404
// @Failure     503
// @Security    BearerAuth
// @Router      /webhooks/{webhook_id}/test [post]
func (ctl *Controller) TestWebhook(c *fiber.Ctx) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return respondError(c, "", "test", err)
	}
	webhookID, err := c.ParamsInt("webhook_id")
	if err != nil {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}

	sub, err := ctl.engine.Store().Get(c.UserContext(), tenantID, int64(webhookID))
	if err != nil {
		return respondError(c, tenantID, "test", err)
	}

	event := ctl.engine.NewEvent(webhook.EventTestPing, tenantID, "", map[string]interface{}{
		"message": "test webhook delivery",
	})
	if !ctl.engine.Send(*sub, event) {
		return router.ResponseServiceUnavailable(c, "webhook delivery is disabled or busy")
	}
	return router.ResponseSuccessWithData(c, "test webhook dispatched", fiber.Map{"event_id": event.ID})
}
