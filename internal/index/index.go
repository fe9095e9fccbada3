package index

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/iaze0088/IazeConnect-sub004/pkg/router"
)

var startedAt = time.Now()

// Index returns the root handler reporting which provider backs the service.
// @Summary     Show The Status of The Server
// @Description Get The Server Status
// @Tags        Root
// @Produce     json
// @Success     200
// @Router      / [get]
func Index(providerName string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return router.ResponseSuccessWithData(c, "IazeConnect connection orchestrator is running", fiber.Map{
			"provider": providerName,
			"uptime":   time.Since(startedAt).Round(time.Second).String(),
		})
	}
}
