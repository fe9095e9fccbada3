package internal

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	swagger "github.com/gofiber/swagger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iaze0088/IazeConnect-sub004/pkg/router"

	ctlAdmin "github.com/iaze0088/IazeConnect-sub004/internal/admin"
	ctlIndex "github.com/iaze0088/IazeConnect-sub004/internal/index"
	ctlInstance "github.com/iaze0088/IazeConnect-sub004/internal/instance"
	ctlWebhooks "github.com/iaze0088/IazeConnect-sub004/internal/webhooks"
)

func Routes(app *fiber.App, a *App) {
	// Configure OpenAPI / Swagger
	specURL := router.BaseURL + "/docs/swagger.json"
	swaggerHandler := swagger.New(swagger.Config{
		URL: specURL,
	})

	// Route for Index
	// ---------------------------------------------
	index := ctlIndex.Index(a.Provider.Name())
	if router.BaseURL == "" {
		app.Get("/", index)
	} else {
		app.Get(router.BaseURL, index)
		app.Get(router.BaseURL+"/", index)
	}

	// Route for OpenAPI / Swagger
	// ---------------------------------------------
	app.Get(router.BaseURL+"/docs/swagger.json", func(c *fiber.Ctx) error {
		return c.SendFile("docs/swagger.json")
	})
	app.Get(router.BaseURL+"/docs/*", swaggerHandler)

	// Route for Prometheus
	// ---------------------------------------------
	app.Get(router.BaseURL+"/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// ============================================================
	// PROVIDER ROUTES (no authentication, always answer 200)
	// Registered before the subscription routes so /webhooks/:webhook_id
	// never captures them.
	// ============================================================
	receiver := ctlWebhooks.NewReceiver(a.Ingestor)
	app.Post(router.BaseURL+"/webhooks/provider", receiver.Receive)
	app.Post(router.BaseURL+"/webhooks/provider/:tenant_id", receiver.Receive)

	// ============================================================
	// ADMIN ROUTES (X-Admin-Secret authentication)
	// ============================================================
	adminMiddleware := a.Auth.AdminAuth()
	admin := ctlAdmin.New(a.Engine, a.Webhooks, a.Auth, a.Config.StaleAfter)

	app.Get(router.BaseURL+"/admin/stats", adminMiddleware, admin.Stats)
	app.Get(router.BaseURL+"/admin/instances/stale", adminMiddleware, admin.StaleInstances)
	app.Post(router.BaseURL+"/admin/tokens", adminMiddleware, admin.IssueToken)

	// ============================================================
	// TENANT ROUTES (Bearer JWT authentication)
	// ============================================================
	callerMiddleware := a.Auth.CallerAuth()
	instance := ctlInstance.New(a.Engine, a.Limiter, a.Config.ProviderCallbackURL())

	app.Post(router.BaseURL+"/instances", callerMiddleware, instance.Create)
	app.Get(router.BaseURL+"/instances", callerMiddleware, instance.List)
	app.Get(router.BaseURL+"/instances/:name/status", callerMiddleware, instance.Status)
	app.Post(router.BaseURL+"/instances/:name/recheck", callerMiddleware, instance.Recheck)
	app.Delete(router.BaseURL+"/instances/:name", callerMiddleware, instance.Close)

	// Usage routes
	app.Get(router.BaseURL+"/instances/:name/usage", callerMiddleware, instance.Usage)
	app.Post(router.BaseURL+"/instances/:name/usage/sent", callerMiddleware, instance.RecordSent)
	app.Post(router.BaseURL+"/instances/:name/usage/received", callerMiddleware, instance.RecordReceived)

	// Webhook routes
	webhooks := ctlWebhooks.New(a.Webhooks, a.Config.Webhook.AllowPrivate)
	app.Get(router.BaseURL+"/webhooks", callerMiddleware, webhooks.ListWebhooks)
	app.Post(router.BaseURL+"/webhooks", callerMiddleware, webhooks.CreateWebhook)
	app.Get(router.BaseURL+"/webhooks/:webhook_id", callerMiddleware, webhooks.GetWebhook)
	app.Patch(router.BaseURL+"/webhooks/:webhook_id", callerMiddleware, webhooks.UpdateWebhook)
	app.Delete(router.BaseURL+"/webhooks/:webhook_id", callerMiddleware, webhooks.DeleteWebhook)
	app.Get(router.BaseURL+"/webhooks/:webhook_id/logs", callerMiddleware, webhooks.GetWebhookLogs)
	app.Post(router.BaseURL+"/webhooks/:webhook_id/test", callerMiddleware, webhooks.TestWebhook)
}
