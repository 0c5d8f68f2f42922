package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/aegis-gateway/internal/dto"
	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
	"github.com/noah-isme/aegis-gateway/pkg/response"
)

type requestService interface {
	CreateRequest(ctx context.Context, input dto.CreateProvisioningRequest, requester string) (*models.ProvisioningRequest, error)
	CreateReviewRequest(ctx context.Context, input dto.CreateReviewRequest, requester string) (*models.ProvisioningRequest, error)
	Get(ctx context.Context, id string) (*models.ProvisioningRequest, error)
	List(ctx context.Context, query dto.RequestQuery) ([]models.ProvisioningRequest, *models.Pagination, error)
	Cancel(ctx context.Context, id, actor string) (*models.ProvisioningRequest, error)
	History(ctx context.Context, id string, limit int) ([]models.AuditLog, error)
}

// RequestHandler exposes REST endpoints for approval-gated identity changes.
type RequestHandler struct {
	service requestService
}

// NewRequestHandler constructs the handler.
func NewRequestHandler(service requestService) *RequestHandler {
	return &RequestHandler{service: service}
}

// Create godoc
// @Summary Submit an identity change for approval
// @Description An empty approval chain applies the change immediately.
// @Tags Requests
// @Accept json
// @Produce json
// @Param payload body dto.CreateProvisioningRequest true "Request payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /requests [post]
func (h *RequestHandler) Create(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	var req dto.CreateProvisioningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid request payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	created, err := h.service.CreateRequest(context.WithoutCancel(c.Request.Context()), req, actorOf(claims))
	if err != nil {
		if created != nil {
			response.ErrorWithData(c, err, created)
			return
		}
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, created, nil)
}

// CreateReview godoc
// @Summary Open a post-provision review of a user
// @Tags Requests
// @Accept json
// @Produce json
// @Param payload body dto.CreateReviewRequest true "Review payload"
// @Success 201 {object} response.Envelope
// @Router /requests/reviews [post]
func (h *RequestHandler) CreateReview(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	var req dto.CreateReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid review payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	created, err := h.service.CreateReviewRequest(context.WithoutCancel(c.Request.Context()), req, actorOf(claims))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, created, nil)
}

// List godoc
// @Summary List approval requests
// @Tags Requests
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param type query string false "Request type"
// @Param kind query string false "pre_provision or post_provision_review"
// @Param target query string false "Target login"
// @Param requester query string false "Requester"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /requests [get]
func (h *RequestHandler) List(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	page, okPage := queryInt(c, "page")
	size, okSize := queryInt(c, "pageSize")
	if !okPage || !okSize {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "page and pageSize must be non-negative integers"))
		return
	}
	query := dto.RequestQuery{
		RequestType: models.RequestType(strings.ToLower(strings.TrimSpace(c.Query("type")))),
		Kind:        models.RequestKind(strings.ToLower(strings.TrimSpace(c.Query("kind")))),
		TargetLogin: strings.TrimSpace(c.Query("target")),
		Requester:   strings.TrimSpace(c.Query("requester")),
		Page:        page,
		PageSize:    size,
	}
	for _, status := range splitCSV(c.Query("status")) {
		query.Status = append(query.Status, models.RequestStatus(status))
	}
	requests, pagination, err := h.service.List(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, pagination)
}

// Get godoc
// @Summary Get an approval request with its steps
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id} [get]
func (h *RequestHandler) Get(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	req, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, req, nil)
}

// Cancel godoc
// @Summary Cancel a request that has not reached a terminal state
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/cancel [post]
func (h *RequestHandler) Cancel(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	req, err := h.service.Cancel(context.WithoutCancel(c.Request.Context()), c.Param("id"), actorOf(claims))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, req, nil)
}

// History godoc
// @Summary List the audit trail of a request, newest first
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Param limit query int false "Maximum entries (default 50)"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id}/history [get]
func (h *RequestHandler) History(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "approval service not configured"))
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "limit must be a non-negative integer"))
		return
	}
	logs, err := h.service.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, logs, nil)
}
