package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/aegis-gateway/internal/dto"
	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
	"github.com/noah-isme/aegis-gateway/pkg/response"
)

type ledgerService interface {
	GetOperation(ctx context.Context, id string) (*models.OperationDetail, error)
	ListOperations(ctx context.Context, query dto.OperationQuery) ([]models.OperationDetail, error)
	ListPersons(ctx context.Context, query dto.PersonQuery) ([]models.Person, *models.Pagination, error)
	Stats(ctx context.Context) (*models.ProvisioningStats, error)
	ExportOperation(ctx context.Context, id, format string) ([]byte, string, error)
}

// LedgerHandler serves the recorded provisioning history.
type LedgerHandler struct {
	service ledgerService
}

// NewLedgerHandler constructs the handler.
func NewLedgerHandler(service ledgerService) *LedgerHandler {
	return &LedgerHandler{service: service}
}

// Operations godoc
// @Summary List recent provisioning operations
// @Tags Ledger
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param personId query string false "Person ID"
// @Param trigger query string false "Trigger"
// @Param limit query int false "Page size (default 20)"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /provisioning/operations [get]
func (h *LedgerHandler) Operations(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "ledger service not configured"))
		return
	}
	limit, okLimit := queryInt(c, "limit")
	offset, okOffset := queryInt(c, "offset")
	if !okLimit || !okOffset {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "limit and offset must be non-negative integers"))
		return
	}
	query := dto.OperationQuery{
		PersonID: strings.TrimSpace(c.Query("personId")),
		Trigger:  strings.TrimSpace(c.Query("trigger")),
		Limit:    limit,
		Offset:   offset,
	}
	for _, status := range splitCSV(c.Query("status")) {
		query.Status = append(query.Status, models.OperationStatus(status))
	}
	ops, err := h.service.ListOperations(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, ops, nil)
}

// Operation godoc
// @Summary Get a provisioning operation with its actions
// @Tags Ledger
// @Produce json
// @Param id path string true "Operation ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /provisioning/operations/{id} [get]
func (h *LedgerHandler) Operation(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "ledger service not configured"))
		return
	}
	detail, err := h.service.GetOperation(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Report godoc
// @Summary Download an operation report
// @Tags Ledger
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Operation ID"
// @Param format query string false "csv (default) or pdf"
// @Success 200 {file} file
// @Failure 404 {object} response.Envelope
// @Router /provisioning/operations/{id}/report [get]
func (h *LedgerHandler) Report(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "ledger service not configured"))
		return
	}
	format := strings.ToLower(strings.TrimSpace(c.Query("format")))
	out, contentType, err := h.service.ExportOperation(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	if format == "" {
		format = "csv"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=operation-%s.%s", c.Param("id"), format))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, contentType, out)
}

// Stats godoc
// @Summary Dashboard counters for today's provisioning activity
// @Tags Ledger
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /provisioning/stats [get]
func (h *LedgerHandler) Stats(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "ledger service not configured"))
		return
	}
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

// Persons godoc
// @Summary List provisioned persons
// @Tags Ledger
// @Produce json
// @Param status query string false "pending, active or disabled"
// @Param source query string false "Person source"
// @Param search query string false "Matches e-mail or name"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /persons [get]
func (h *LedgerHandler) Persons(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "ledger service not configured"))
		return
	}
	page, okPage := queryInt(c, "page")
	size, okSize := queryInt(c, "pageSize")
	if !okPage || !okSize {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "page and pageSize must be non-negative integers"))
		return
	}
	query := dto.PersonQuery{
		Status:   models.PersonStatus(strings.ToLower(strings.TrimSpace(c.Query("status")))),
		Source:   models.PersonSource(strings.ToLower(strings.TrimSpace(c.Query("source")))),
		Search:   strings.TrimSpace(c.Query("search")),
		Page:     page,
		PageSize: size,
	}
	persons, pagination, err := h.service.ListPersons(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, persons, pagination)
}
