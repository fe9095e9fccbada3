package instance

import (
	"github.com/gofiber/fiber/v2"

	"github.com/iaze0088/IazeConnect-sub004/internal/limiter"
	"github.com/iaze0088/IazeConnect-sub004/internal/reconcile"
	"github.com/iaze0088/IazeConnect-sub004/internal/store"
	"github.com/iaze0088/IazeConnect-sub004/pkg/auth"
	"github.com/iaze0088/IazeConnect-sub004/pkg/router"
)

type usageResponse struct {
	limiter.Snapshot
	NeedsRotation bool `json:"needs_rotation"`
}

// scoped loads the instance so usage endpoints never reveal names outside
// the caller's tenant.
func (ctl *Controller) scoped(c *fiber.Ctx) (reconcile.StatusView, error) {
	scope, err := auth.Scope(c)
	if err != nil {
		return reconcile.StatusView{}, err
	}
	return ctl.engine.Status(c.UserContext(), scope, c.Params("name"))
}

func (ctl *Controller) usage(c *fiber.Ctx, view reconcile.StatusView) (usageResponse, error) {
	snap, err := ctl.limiter.Snapshot(c.UserContext(), view.InstanceName)
	if err != nil {
		return usageResponse{}, err
	}
	return usageResponse{
		Snapshot:      snap,
		NeedsRotation: ctl.limiter.NeedsRotation(store.Instance{Status: view.Status, CreatedAt: view.CreatedAt}),
	}, nil
}

// Usage
// @Summary     Get daily usage
// @Tags        Usage
// @Produce     json
// @Param       name path string true "Instance name"
// @Success     200
// @Security    BearerAuth
// @Router      /instances/{name}/usage [get]
func (ctl *Controller) Usage(c *fiber.Ctx) error {
	view, err := ctl.scoped(c)
	if err != nil {
		return respondError(c, err)
	}
	resp, err := ctl.usage(c, view)
	if err != nil {
		return respondError(c, err)
	}
	return router.ResponseSuccessWithData(c, "success", resp)
}

// RecordSent
// @Summary     Count a sent message
// @Description Fails with 409 once the daily cap is reached and 429 on bursts
// @Tags        Usage
// @Produce     json
// @Param       name path string true "Instance name"
// @Success     200
// @Failure     409
// @Failure     429
// @Security    BearerAuth
// @Router      /instances/{name}/usage/sent [post]
func (ctl *Controller) RecordSent(c *fiber.Ctx) error {
	view, err := ctl.scoped(c)
	if err != nil {
		return respondError(c, err)
	}
	if !view.Connected {
		return router.ResponseConflict(c, "instance is not connected")
	}
	if _, err := ctl.limiter.RecordSent(c.UserContext(), view.InstanceName); err != nil {
		return respondError(c, err)
	}
	resp, err := ctl.usage(c, view)
	if err != nil {
		return respondError(c, err)
	}
	return router.ResponseSuccessWithData(c, "send recorded", resp)
}

// RecordReceived
// @Summary     Count a received message
// @Tags        Usage
// @Produce     json
// @Param       name path string true "Instance name"
// @Success     200
// @Failure     409
// @Security    BearerAuth
// @Router      /instances/{name}/usage/received [post]
func (ctl *Controller) RecordReceived(c *fiber.Ctx) error {
	view, err := ctl.scoped(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := ctl.limiter.RecordReceived(c.UserContext(), view.InstanceName); err != nil {
		return respondError(c, err)
	}
	resp, err := ctl.usage(c, view)
	if err != nil {
		return respondError(c, err)
	}
	return router.ResponseSuccessWithData(c, "receive recorded", resp)
}
