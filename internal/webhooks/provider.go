package webhooks

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/iaze0088/IazeConnect-sub004/internal/ingest"
	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Receiver accepts webhooks pushed by the messaging provider.
type Receiver struct {
	ingestor *ingest.Ingestor
}

func NewReceiver(ingestor *ingest.Ingestor) *Receiver {
	return &Receiver{ingestor: ingestor}
}

type receiveResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Receive
// @Summary     Provider webhook
// @Description Always answers 200 so the provider never retries; the body reports what happened
// @Tags        Provider
// @Accept      json
// @Produce     json
// @Success     200
// @Router      /webhooks/provider [post]
// @Router      /webhooks/provider/{tenant_id} [post]
func (r *Receiver) Receive(c *fiber.Ctx) error {
	var scope *tenant.Scope
	if tenantID := strings.TrimSpace(c.Params("tenant_id")); tenantID != "" {
		s := tenant.ForTenant(tenantID)
		scope = &s
	}

	var raw map[string]interface{}
	var result ingest.Result
	if err := json.Unmarshal(c.Body(), &raw); err != nil || raw == nil {
		result = r.ingestor.Reject(err)
	} else {
		result = r.ingestor.HandleRaw(c.UserContext(), scope, raw)
	}

	return c.Status(fiber.StatusOK).JSON(receiveResponse{
		Success: result.Success(),
		Message: result.Message(),
	})
}
