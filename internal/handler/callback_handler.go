package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/aegis-gateway/internal/dto"
	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
	"github.com/noah-isme/aegis-gateway/pkg/response"
)

type callbackService interface {
	HandleDecision(ctx context.Context, callback dto.ApprovalCallback) (*models.ProvisioningRequest, error)
	HandleReview(ctx context.Context, callback dto.ReviewCallback) (*models.ProvisioningRequest, error)
}

// CallbackHandler receives decisions reported by the approval dispatcher.
// Deliveries may repeat; a repeated decision answers with the current status.
type CallbackHandler struct {
	service callbackService
}

// NewCallbackHandler constructs the handler.
func NewCallbackHandler(service callbackService) *CallbackHandler {
	return &CallbackHandler{service: service}
}

// Approval godoc
// @Summary Record an approval step decision
// @Tags Callbacks
// @Accept json
// @Produce json
// @Param X-Callback-Token header string true "Shared callback secret"
// @Param payload body dto.ApprovalCallback true "Step decision"
// @Success 200 {object} dto.CallbackResponse
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /callbacks/approval [post]
func (h *CallbackHandler) Approval(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	var callback dto.ApprovalCallback
	if err := c.ShouldBindJSON(&callback); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid approval callback"))
		return
	}
	req, err := h.service.HandleDecision(context.WithoutCancel(c.Request.Context()), callback)
	h.respond(c, req, err)
}

// Review godoc
// @Summary Record a post-provision review outcome
// @Tags Callbacks
// @Accept json
// @Produce json
// @Param X-Callback-Token header string true "Shared callback secret"
// @Param payload body dto.ReviewCallback true "Review outcome"
// @Success 200 {object} dto.CallbackResponse
// @Router /callbacks/review [post]
func (h *CallbackHandler) Review(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	var callback dto.ReviewCallback
	if err := c.ShouldBindJSON(&callback); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid review callback"))
		return
	}
	req, err := h.service.HandleReview(context.WithoutCancel(c.Request.Context()), callback)
	h.respond(c, req, err)
}

func (h *CallbackHandler) respond(c *gin.Context, req *models.ProvisioningRequest, err error) {
	if err != nil {
		// the decision is stored; a failed apply or compensation is final and not worth a redelivery
		if req != nil && req.Status.Terminal() {
			c.JSON(http.StatusOK, dto.CallbackResponse{Success: false, Status: req.Status})
			return
		}
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.CallbackResponse{Success: true, Status: req.Status})
}
