package instance

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/iaze0088/IazeConnect-sub004/internal/limiter"
	"github.com/iaze0088/IazeConnect-sub004/internal/reconcile"
	"github.com/iaze0088/IazeConnect-sub004/internal/store"
	"github.com/iaze0088/IazeConnect-sub004/pkg/auth"
	"github.com/iaze0088/IazeConnect-sub004/pkg/log"
	"github.com/iaze0088/IazeConnect-sub004/pkg/provider"
	"github.com/iaze0088/IazeConnect-sub004/pkg/router"
	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
	"github.com/iaze0088/IazeConnect-sub004/pkg/validation"
)

// Controller serves the tenant-facing instance endpoints.
type Controller struct {
	engine   *reconcile.Engine
	limiter  *limiter.Limiter
	callback string
}

// New wires the controller. callbackURL is the webhook URL handed to the
// provider when the caller does not supply one.
func New(engine *reconcile.Engine, lim *limiter.Limiter, callbackURL string) *Controller {
	return &Controller{engine: engine, limiter: lim, callback: callbackURL}
}

type createRequest struct {
	InstanceName string `json:"instance_name"`
	WebhookURL   string `json:"webhook_url"`
}

// Create
// @Summary     Create a messaging session
// @Description Starts a provider session for the caller's tenant and returns the QR code to scan
// @Tags        Instances
// @Accept      json
// @Produce     json
// @Param       body body createRequest true "Instance"
// @Success     201
// @Failure     400
// @Failure     403
// @Failure     409
// @Failure     503
// @Security    BearerAuth
// @Router      /instances [post]
func (ctl *Controller) Create(c *fiber.Ctx) error {
	scope, err := auth.Scope(c)
	if err != nil {
		return respondError(c, err)
	}

	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}
	req.InstanceName = strings.TrimSpace(req.InstanceName)
	webhookURL := strings.TrimSpace(req.WebhookURL)
	if webhookURL == "" {
		webhookURL = ctl.callback
	} else if err := validation.ValidateURL(webhookURL); err != nil {
		return router.ResponseBadRequest(c, "webhook_url: "+err.Error())
	}

	out, err := ctl.engine.CreateSession(c.UserContext(), scope, req.InstanceName, webhookURL)
	if errors.Is(err, provider.ErrProviderUnavailable) {
		return createFailed(c, http.StatusServiceUnavailable, "messaging provider is unavailable, retry later")
	}
	if err != nil {
		return respondError(c, err)
	}
	if !out.Success {
		log.Print(c).WithField("instance", req.InstanceName).Warn("Provider refused session: " + out.Message)
		return createFailed(c, http.StatusBadGateway, "session could not be created: "+out.Message)
	}
	return router.ResponseCreatedWithData(c, "session created", out)
}

// List
// @Summary     List instances
// @Tags        Instances
// @Produce     json
// @Param       status query string false "Filter by status"
// @Success     200
// @Security    BearerAuth
// @Router      /instances [get]
func (ctl *Controller) List(c *fiber.Ctx) error {
	scope, err := auth.Scope(c)
	if err != nil {
		return respondError(c, err)
	}

	var filter store.Filter
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, ok := store.ParseStatus(raw)
		if !ok {
			return router.ResponseBadRequest(c, "unknown status "+raw)
		}
		filter.Status = status
	}

	views, err := ctl.engine.List(c.UserContext(), scope, filter)
	if err != nil {
		return respondError(c, err)
	}
	return router.ResponseSuccessWithData(c, "success", fiber.Map{"instances": views, "count": len(views)})
}

// Status
// @Summary     Get connection status
// @Description Reads the reconciled status without calling the provider
// @Tags        Instances
// @Produce     json
// @Param       name path string true "Instance name"
// @Success     200
// @Failure     404
// @Security    BearerAuth
// @Router      /instances/{name}/status [get]
func (ctl *Controller) Status(c *fiber.Ctx) error {
	scope, err := auth.Scope(c)
	if err != nil {
		return respondError(c, err)
	}
	view, err := ctl.engine.Status(c.UserContext(), scope, c.Params("name"))
	if err != nil {
		return respondError(c, err)
	}
	return router.ResponseSuccessWithData(c, "success", view)
}

// Recheck
// @Summary     Re-check status at the provider
// @Tags        Instances
// @Produce     json
// @Param       name path string true "Instance name"
// @Success     200
// @Failure     404
// @Security    BearerAuth
// @Router      /instances/{name}/recheck [post]
func (ctl *Controller) Recheck(c *fiber.Ctx) error {
	scope, err := auth.Scope(c)
	if err != nil {
		return respondError(c, err)
	}
	view, err := ctl.engine.Recheck(c.UserContext(), scope, c.Params("name"))
	if err != nil {
		return respondError(c, err)
	}
	return router.ResponseSuccessWithData(c, "success", view)
}

// Close
// @Summary     Close a session
// @Description Idempotent; closing an already closed instance succeeds
// @Tags        Instances
// @Produce     json
// @Param       name path string true "Instance name"
// @Success     200
// @Failure     404
// @Security    BearerAuth
// @Router      /instances/{name} [delete]
func (ctl *Controller) Close(c *fiber.Ctx) error {
	scope, err := auth.Scope(c)
	if err != nil {
		return respondError(c, err)
	}
	name := c.Params("name")
	if err := ctl.engine.Close(c.UserContext(), scope, name); err != nil {
		return respondError(c, err)
	}
	return router.ResponseSuccessWithData(c, "session closed", fiber.Map{"success": true})
}

// createFailed keeps the create response shape so clients can read success
// and prompt for a retry.
func createFailed(c *fiber.Ctx, code int, message string) error {
	return router.ResponseErrorWithData(c, code, message, fiber.Map{
		"success": false,
		"message": message,
	})
}

func respondError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, tenant.ErrTenantScopeViolation):
		return router.ResponseForbidden(c, "tenant scope could not be resolved")
	case errors.Is(err, reconcile.ErrUnknownInstance), errors.Is(err, store.ErrNotFound):
		return router.ResponseNotFound(c, "instance not found")
	case errors.Is(err, reconcile.ErrInvalidName):
		return router.ResponseBadRequest(c, err.Error())
	case errors.Is(err, store.ErrNameTaken):
		return router.ResponseConflict(c, "instance name already in use")
	case errors.Is(err, reconcile.ErrInstanceClosed):
		return router.ResponseConflict(c, "instance is closed")
	case errors.Is(err, limiter.ErrDailySendCap), errors.Is(err, limiter.ErrDailyReceiveCap):
		return router.ResponseConflict(c, err.Error())
	case errors.Is(err, limiter.ErrBurst):
		return router.ResponseTooManyRequests(c, err.Error())
	case errors.Is(err, reconcile.ErrRetryable):
		return router.ResponseServiceUnavailable(c, err.Error())
	case errors.Is(err, provider.ErrProviderUnavailable):
		return router.ResponseServiceUnavailable(c, "messaging provider is unavailable, retry later")
	}
	log.Print(c).WithError(err).Error("Unhandled instance error")
	return router.ResponseInternalError(c, "internal error")
}
