package admin

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/montanaflynn/stats"

	"github.com/iaze0088/IazeConnect-sub004/internal/reconcile"
	"github.com/iaze0088/IazeConnect-sub004/internal/webhook"
	"github.com/iaze0088/IazeConnect-sub004/pkg/auth"
	"github.com/iaze0088/IazeConnect-sub004/pkg/log"
	"github.com/iaze0088/IazeConnect-sub004/pkg/router"
	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

const defaultTokenTTL = 24 * time.Hour

// Controller serves the operator endpoints behind X-Admin-Secret.
type Controller struct {
	engine     *reconcile.Engine
	hooks      *webhook.Engine
	auth       *auth.Authenticator
	staleAfter time.Duration
	now        func() time.Time
}

func New(engine *reconcile.Engine, hooks *webhook.Engine, authenticator *auth.Authenticator, staleAfter time.Duration) *Controller {
	return &Controller{
		engine:     engine,
		hooks:      hooks,
		auth:       authenticator,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// IssueTokenRequest describes the caller credential to sign.
type IssueTokenRequest struct {
	Subject  string `json:"subject"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id"`
	// TTL is a Go duration such as "24h". "0" issues a token without expiry.
	TTL string `json:"ttl"`
}

type disconnectStats struct {
	Count         int     `json:"count"`
	MedianSeconds float64 `json:"median_seconds"`
	P95Seconds    float64 `json:"p95_seconds"`
	MaxSeconds    float64 `json:"max_seconds"`
}

// @Summary     Instance statistics
// @Description Counts per status, disconnect durations and webhook delivery counters
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Secret header string true "Admin secret key"
// @Param       tenant_id query string false "Restrict to one tenant"
// @Success     200
// @Failure     401
// @Router      /admin/stats [get]
func (ctl *Controller) Stats(c *fiber.Ctx) error {
	scope := tenant.Unrestricted()
	if tenantID := strings.TrimSpace(c.Query("tenant_id")); tenantID != "" {
		scope = tenant.ForTenant(tenantID)
	}

	counts, err := ctl.engine.Stats(c.UserContext(), scope)
	if err != nil {
		log.Print(c).WithError(err).Error("Unable to count instances")
		return router.ResponseInternalError(c, "unable to count instances")
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	disconnected, err := ctl.engine.ListStale(c.UserContext(), 0)
	if err != nil {
		log.Print(c).WithError(err).Error("Unable to list disconnected instances")
		return router.ResponseInternalError(c, "unable to list disconnected instances")
	}

	resp := fiber.Map{
		"total":        total,
		"by_status":    counts,
		"disconnected": ctl.disconnectStats(scope, disconnected),
	}
	if ctl.hooks != nil {
		resp["webhooks"] = ctl.hooks.Stats()
	}
	return router.ResponseSuccessWithData(c, "success", resp)
}

func (ctl *Controller) disconnectStats(scope tenant.Scope, views []reconcile.StatusView) disconnectStats {
	now := ctl.now()
	var durations stats.Float64Data
	for _, v := range views {
		if !scope.Allows(v.TenantID) || v.DisconnectedSince == nil {
			continue
		}
		durations = append(durations, now.Sub(*v.DisconnectedSince).Seconds())
	}

	out := disconnectStats{Count: len(durations)}
	if len(durations) == 0 {
		return out
	}
	out.MedianSeconds, _ = durations.Median()
	out.P95Seconds, _ = durations.Percentile(95)
	out.MaxSeconds, _ = durations.Max()
	return out
}

// @Summary     Stale disconnected instances
// @Description Instances disconnected for longer than the configured threshold
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Secret header string true "Admin secret key"
// @Param       older_than query string false "Go duration overriding the threshold"
// @Success     200
// @Failure     400
// @Failure     401
// @Router      /admin/instances/stale [get]
func (ctl *Controller) StaleInstances(c *fiber.Ctx) error {
	olderThan := ctl.staleAfter
	if raw := strings.TrimSpace(c.Query("older_than")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return router.ResponseBadRequest(c, "older_than must be a non-negative duration")
		}
		olderThan = d
	}

	views, err := ctl.engine.ListStale(c.UserContext(), olderThan)
	if err != nil {
		log.Print(c).WithError(err).Error("Unable to list stale instances")
		return router.ResponseInternalError(c, "unable to list stale instances")
	}
	if views == nil {
		views = []reconcile.StatusView{}
	}
	return router.ResponseSuccessWithData(c, "success", fiber.Map{
		"older_than": olderThan.String(),
		"instances":  views,
		"count":      len(views),
	})
}

// @Summary     Issue a caller token
// @Description Signs a bearer credential for a tenant user (Admin only)
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Param       X-Admin-Secret header string true "Admin secret key"
// @Param       body body IssueTokenRequest true "Credential"
// @Success     201
// @Failure     400
// @Failure     401
// @Router      /admin/tokens [post]
func (ctl *Controller) IssueToken(c *fiber.Ctx) error {
	var req IssueTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "Invalid request body")
	}

	req.Subject = strings.TrimSpace(req.Subject)
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.Subject == "" {
		return router.ResponseBadRequest(c, "subject is required")
	}
	role, ok := tenant.ParseRole(req.Role)
	if !ok {
		return router.ResponseBadRequest(c, "unknown role "+req.Role)
	}
	if (role == tenant.RoleOwner || role == tenant.RoleAgent) && req.TenantID == "" {
		return router.ResponseBadRequest(c, "tenant_id is required for role "+string(role))
	}

	ttl := defaultTokenTTL
	if raw := strings.TrimSpace(req.TTL); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return router.ResponseBadRequest(c, "ttl must be a non-negative duration")
		}
		ttl = d
	}

	token, err := ctl.auth.GenerateCallerToken(req.Subject, role, req.TenantID, ttl)
	if err != nil {
		log.Print(c).WithError(err).Error("Unable to sign caller token")
		return router.ResponseInternalError(c, "unable to sign token")
	}

	resp := fiber.Map{
		"token":     token,
		"subject":   req.Subject,
		"role":      role,
		"tenant_id": req.TenantID,
	}
	if ttl > 0 {
		resp["expires_at"] = ctl.now().Add(ttl).UTC()
	}
	log.Print(c).WithField("subject", req.Subject).WithField("role", role).WithField("tenant_id", req.TenantID).Info("Caller token issued")
	return router.ResponseCreatedWithData(c, "token issued", resp)
}
