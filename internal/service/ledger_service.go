package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/aegis-gateway/internal/dto"
	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
	"github.com/noah-isme/aegis-gateway/pkg/export"
)

// DeriveOperationStatus maps final counters to an operation status.
// Zero actions is a vacuous success; any other combination without a success is a failure.
func DeriveOperationStatus(total, success, failed int) models.OperationStatus {
	switch {
	case total == 0:
		return models.OperationStatusSuccess
	case failed == 0 && success > 0:
		return models.OperationStatusSuccess
	case failed > 0 && success > 0:
		return models.OperationStatusPartial
	default:
		return models.OperationStatusFailed
	}
}

type operationStore interface {
	Create(ctx context.Context, op *models.ProvisioningOperation) error
	MarkInProgress(ctx context.Context, id string) error
	RecordActions(ctx context.Context, actions []models.ProvisioningAction) error
	Complete(ctx context.Context, params models.CompleteOperationParams) error
	GetByID(ctx context.Context, id string) (*models.OperationDetail, error)
	List(ctx context.Context, filter models.OperationFilter) ([]models.OperationDetail, error)
	Stats(ctx context.Context, since time.Time) (*models.ProvisioningStats, error)
}

type personStore interface {
	GetOrCreate(ctx context.Context, person *models.Person) (*models.Person, error)
	MarkProvisioned(ctx context.Context, id string, at time.Time) error
	UpdateStatus(ctx context.Context, email string, status models.PersonStatus) error
	List(ctx context.Context, filter models.PersonFilter) ([]models.Person, int, error)
}

// LedgerService exposes the recorded provisioning history.
type LedgerService struct {
	operations operationStore
	persons    personStore
	logger     *zap.Logger
	now        func() time.Time
}

// NewLedgerService constructs the service.
func NewLedgerService(operations operationStore, persons personStore, logger *zap.Logger) *LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerService{operations: operations, persons: persons, logger: logger, now: time.Now}
}

// GetOperation returns an operation with its actions in execution order.
func (s *LedgerService) GetOperation(ctx context.Context, id string) (*models.OperationDetail, error) {
	detail, err := s.operations.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "operation not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load operation")
	}
	return detail, nil
}

// ListOperations returns recent operations, newest first.
func (s *LedgerService) ListOperations(ctx context.Context, query dto.OperationQuery) ([]models.OperationDetail, error) {
	ops, err := s.operations.List(ctx, models.OperationFilter{
		Status:   query.Status,
		PersonID: query.PersonID,
		Trigger:  query.Trigger,
		Limit:    query.Limit,
		Offset:   query.Offset,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list operations")
	}
	return ops, nil
}

// ListPersons returns provisioned persons with pagination metadata.
func (s *LedgerService) ListPersons(ctx context.Context, query dto.PersonQuery) ([]models.Person, *models.Pagination, error) {
	filter := models.PersonFilter{
		Status:   query.Status,
		Source:   query.Source,
		Search:   query.Search,
		Page:     query.Page,
		PageSize: query.PageSize,
	}
	persons, total, err := s.persons.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list persons")
	}
	page, size := pageOrDefault(filter.Page, filter.PageSize)
	return persons, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Stats returns dashboard counters for the current UTC day.
func (s *LedgerService) Stats(ctx context.Context) (*models.ProvisioningStats, error) {
	now := s.now().UTC()
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	stats, err := s.operations.Stats(ctx, since)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute stats")
	}
	return stats, nil
}

// Report formats supported by ExportOperation.
const (
	ReportFormatCSV = "csv"
	ReportFormatPDF = "pdf"
)

// ExportOperation renders an operation and its actions as a CSV or PDF report.
// It returns the document together with its content type.
func (s *LedgerService) ExportOperation(ctx context.Context, id, format string) ([]byte, string, error) {
	if format == "" {
		format = ReportFormatCSV
	}
	if format != ReportFormatCSV && format != ReportFormatPDF {
		return nil, "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported report format %q", format))
	}
	detail, err := s.GetOperation(ctx, id)
	if err != nil {
		return nil, "", err
	}

	report := export.Report{
		Title: "Provisioning operation " + detail.ID,
		Summary: []string{
			"Person: " + detail.PersonEmail,
			fmt.Sprintf("Status: %s (%d succeeded, %d failed, %d total)", detail.Status, detail.SuccessfulActions, detail.FailedActions, detail.TotalActions),
			"Trigger: " + detail.Trigger,
			"Started: " + detail.StartedAt.UTC().Format(time.RFC3339),
		},
		Headers: []string{"seq", "application", "type", "status", "target", "message", "executed_at"},
	}
	for _, action := range detail.Actions {
		report.Rows = append(report.Rows, []string{
			strconv.Itoa(action.Seq),
			action.Application,
			action.ActionType,
			string(action.Status),
			action.TargetUser,
			action.Message,
			action.ExecutedAt.UTC().Format(time.RFC3339),
		})
	}

	var (
		out         []byte
		contentType string
	)
	switch format {
	case ReportFormatPDF:
		out, err = export.RenderPDF(report)
		contentType = "application/pdf"
	default:
		out, err = export.RenderCSV(report)
		contentType = "text/csv"
	}
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render report")
	}
	s.logger.Debug("operation report rendered", zap.String("operation_id", id), zap.String("format", format), zap.Int("bytes", len(out)))
	return out, contentType, nil
}

func pageOrDefault(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return page, size
}
