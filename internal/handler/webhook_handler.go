package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/matricula-api/internal/service"
	appErrors "github.com/noah-isme/matricula-api/pkg/errors"
	"github.com/noah-isme/matricula-api/pkg/response"
)

// WebhookHandler receives billing gateway event deliveries.
type WebhookHandler struct {
	webhooks    *service.WebhookService
	accessToken string
}

// NewWebhookHandler constructs WebhookHandler. accessToken may be empty to
// disable token verification (e.g. local development).
func NewWebhookHandler(webhooks *service.WebhookService, accessToken string) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, accessToken: accessToken}
}

// Receive godoc
// @Summary Receive a billing gateway event
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param access_token header string false "Webhook access token"
// @Param payload body service.WebhookPayload true "Gateway event"
// @Success 200 {object} response.Envelope
// @Router /webhooks/billing [post]
func (h *WebhookHandler) Receive(c *gin.Context) {
	if h.accessToken != "" && c.GetHeader("access_token") != h.accessToken {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid webhook token"))
		return
	}

	var payload service.WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		// Undecodable body. Acknowledge so the provider does not retry a
		// payload that will never parse.
		response.JSON(c, http.StatusOK, service.IngestResult{Applied: false}, nil)
		return
	}

	result, err := h.webhooks.Ingest(c.Request.Context(), payload)
	if err != nil {
		switch {
		case appErrors.Is(err, appErrors.ErrMalformedWebhook), appErrors.Is(err, appErrors.ErrUnknownCharge):
			// Acknowledged but not applied; unknown charges are replayed
			// internally once the enrollment write lands.
			response.JSON(c, http.StatusOK, result, nil)
		default:
			response.Error(c, err)
		}
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
