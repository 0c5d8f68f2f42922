package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/aegis-gateway/internal/dto"
	"github.com/noah-isme/aegis-gateway/internal/middleware"
	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
	"github.com/noah-isme/aegis-gateway/pkg/response"
)

type provisioningService interface {
	ProvisionPerson(ctx context.Context, req dto.ProvisionRequest) (*models.OperationDetail, error)
}

type planService interface {
	Resolve(ctx context.Context, jobTitle string) (*models.ProvisioningPlan, error)
	FilterApplications(plan *models.ProvisioningPlan, selected []string) *models.ProvisioningPlan
	Catalog(ctx context.Context) ([]models.Role, error)
	Refresh(ctx context.Context) error
}

// ProvisioningHandler exposes direct provisioning and plan resolution endpoints.
type ProvisioningHandler struct {
	service provisioningService
	plans   planService
}

// NewProvisioningHandler constructs the handler.
func NewProvisioningHandler(service provisioningService, plans planService) *ProvisioningHandler {
	return &ProvisioningHandler{service: service, plans: plans}
}

// Provision godoc
// @Summary Provision a person into the applications of their job title
// @Tags Provisioning
// @Accept json
// @Produce json
// @Param payload body dto.ProvisionRequest true "Person and options"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /provisioning [post]
func (h *ProvisioningHandler) Provision(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "provisioning service not configured"))
		return
	}
	var req dto.ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid provisioning payload"))
		return
	}
	if claimsFromContext(c) == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	switch req.Trigger {
	case "":
		req.Trigger = models.TriggerAPI
	case models.TriggerAPI, models.TriggerManual:
	default:
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "trigger must be api or manual"))
		return
	}

	detail, err := h.service.ProvisionPerson(context.WithoutCancel(c.Request.Context()), req)
	if err != nil {
		if detail != nil {
			response.ErrorWithData(c, err, detail)
			return
		}
		response.Error(c, err)
		return
	}
	if detail.Plan != nil {
		middleware.SetMeta(c, "plan_source", detail.Plan.Source)
	}
	middleware.SetMeta(c, "dry_run", detail.DryRun)
	response.JSON(c, http.StatusCreated, detail, nil, middleware.ExtractMeta(c))
}

// PreviewPlan godoc
// @Summary Resolve the provisioning plan for a job title without provisioning
// @Tags Provisioning
// @Accept json
// @Produce json
// @Param payload body dto.PlanPreviewRequest true "Job title and optional application filter"
// @Success 200 {object} response.Envelope
// @Router /plans/preview [post]
func (h *ProvisioningHandler) PreviewPlan(c *gin.Context) {
	if h.plans == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "plan resolver not configured"))
		return
	}
	var req dto.PlanPreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid plan preview payload"))
		return
	}
	plan, err := h.plans.Resolve(c.Request.Context(), req.JobTitle)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.plans.FilterApplications(plan, req.Applications), nil)
}

// Roles godoc
// @Summary List the role catalog published by the role authority
// @Tags Provisioning
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /roles [get]
func (h *ProvisioningHandler) Roles(c *gin.Context) {
	if h.plans == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "plan resolver not configured"))
		return
	}
	roles, err := h.plans.Catalog(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, roles, nil)
}

// RefreshRoles godoc
// @Summary Drop every cached copy of the role catalog
// @Tags Provisioning
// @Produce json
// @Success 204
// @Router /roles/refresh [post]
func (h *ProvisioningHandler) RefreshRoles(c *gin.Context) {
	if h.plans == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "plan resolver not configured"))
		return
	}
	if err := h.plans.Refresh(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
