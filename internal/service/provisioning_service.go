package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/noah-isme/aegis-gateway/internal/dto"
	"github.com/noah-isme/aegis-gateway/internal/integration"
	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
)

const defaultExecutorTimeout = 20 * time.Second

type provisioningExecutor interface {
	Name() string
	Provision(ctx context.Context, person integration.ExecutorPerson, applications []string) (*integration.ProvisionResult, error)
}

type planSource interface {
	Resolve(ctx context.Context, jobTitle string) (*models.ProvisioningPlan, error)
	FilterApplications(plan *models.ProvisioningPlan, selected []string) *models.ProvisioningPlan
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// ProvisioningService drives one provisioning operation from plan to recorded outcome.
type ProvisioningService struct {
	persons    personStore
	operations operationStore
	executor   provisioningExecutor
	plans      planSource
	audit      auditLogger
	metrics    *MetricsService
	validate   *validator.Validate
	tracer     trace.Tracer
	logger     *zap.Logger
	timeout    time.Duration
	now        func() time.Time
}

// ProvisioningServiceOption configures the service.
type ProvisioningServiceOption func(*ProvisioningService)

// WithExecutorTimeout bounds each executor call.
func WithExecutorTimeout(timeout time.Duration) ProvisioningServiceOption {
	return func(s *ProvisioningService) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithProvisioningAudit records an audit entry per operation.
func WithProvisioningAudit(audit auditLogger) ProvisioningServiceOption {
	return func(s *ProvisioningService) {
		s.audit = audit
	}
}

// WithProvisioningMetrics counts completed operations.
func WithProvisioningMetrics(metrics *MetricsService) ProvisioningServiceOption {
	return func(s *ProvisioningService) {
		s.metrics = metrics
	}
}

// WithProvisioningTracer overrides the tracer used around executor calls.
func WithProvisioningTracer(tracer trace.Tracer) ProvisioningServiceOption {
	return func(s *ProvisioningService) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithProvisioningClock overrides the time source.
func WithProvisioningClock(now func() time.Time) ProvisioningServiceOption {
	return func(s *ProvisioningService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewProvisioningService constructs the orchestrator.
func NewProvisioningService(persons personStore, operations operationStore, executor provisioningExecutor, plans planSource, logger *zap.Logger, opts ...ProvisioningServiceOption) *ProvisioningService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &ProvisioningService{
		persons:    persons,
		operations: operations,
		executor:   executor,
		plans:      plans,
		validate:   NewValidator(),
		tracer:     otel.Tracer("aegis-gateway/provisioning"),
		logger:     logger,
		timeout:    defaultExecutorTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// ProvisionPerson resolves the plan for the person's job title, applies the
// optional application filter and provisions.
func (s *ProvisioningService) ProvisionPerson(ctx context.Context, req dto.ProvisionRequest) (*models.OperationDetail, error) {
	if err := s.validate.Struct(req.Person); err != nil {
		return nil, validationError(err)
	}
	plan, err := s.plans.Resolve(ctx, req.Person.JobTitle)
	if err != nil {
		return nil, err
	}
	plan = s.plans.FilterApplications(plan, req.Applications)
	trigger := req.Trigger
	if trigger == "" {
		trigger = models.TriggerAPI
	}
	return s.Provision(ctx, req.Person, plan, trigger, req.DryRun)
}

// Provision records one operation for person against plan. On executor failure the
// failed operation is returned together with an EXECUTOR_ERROR.
func (s *ProvisioningService) Provision(ctx context.Context, input models.PersonInput, plan *models.ProvisioningPlan, trigger string, dryRun bool) (*models.OperationDetail, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, validationError(err)
	}
	if plan == nil {
		return nil, appErrors.WithStep(appErrors.Clone(appErrors.ErrValidation, "plan is required"), appErrors.StepValidation)
	}
	if trigger == "" {
		trigger = models.TriggerAPI
	}

	person, err := s.persons.GetOrCreate(ctx, personFromInput(input, trigger))
	if err != nil {
		return nil, persistError(err, "failed to store person")
	}

	planned := len(plan.Applications)
	op := &models.ProvisioningOperation{
		PersonID:       person.ID,
		Status:         models.OperationStatusPending,
		Trigger:        trigger,
		DryRun:         dryRun,
		PlannedActions: planned,
		TotalActions:   planned,
		StartedAt:      s.now().UTC(),
	}
	if err := s.operations.Create(ctx, op); err != nil {
		return nil, persistError(err, "failed to create operation")
	}
	detail := &models.OperationDetail{
		ProvisioningOperation: *op,
		PersonEmail:           person.Email,
		Actions:               []models.ProvisioningAction{},
		Plan:                  plan,
	}

	if dryRun {
		if err := s.complete(ctx, detail, 0, 0); err != nil {
			return nil, err
		}
		s.logger.Info("dry run provisioning completed", zap.String("operation_id", op.ID), zap.Int("planned_actions", planned))
		return detail, nil
	}

	if err := s.operations.MarkInProgress(ctx, op.ID); err != nil {
		return nil, s.abandon(ctx, detail, persistError(err, "failed to start operation"))
	}
	detail.Status = models.OperationStatusInProgress

	result, callErr := s.callExecutor(ctx, input, person, op.ID, plan.Applications)
	if callErr != nil {
		return s.recordExecutorFailure(ctx, detail, callErr)
	}

	actions, success, failed := s.buildActions(op.ID, person.Email, result)
	if err := s.operations.RecordActions(ctx, actions); err != nil {
		return nil, s.abandon(ctx, detail, persistError(err, "failed to record actions"))
	}
	detail.Actions = actions

	if err := s.complete(ctx, detail, success, failed); err != nil {
		return nil, s.abandon(ctx, detail, err)
	}
	if detail.Status == models.OperationStatusSuccess || detail.Status == models.OperationStatusPartial {
		if err := s.persons.MarkProvisioned(ctx, person.ID, *detail.CompletedAt); err != nil {
			s.logger.Warn("failed to mark person provisioned", zap.String("person_id", person.ID), zap.Error(err))
		}
	}
	s.logger.Info("provisioning completed",
		zap.String("operation_id", op.ID),
		zap.String("email", person.Email),
		zap.String("status", string(detail.Status)),
		zap.Int("successful", success),
		zap.Int("failed", failed),
	)
	return detail, nil
}

func (s *ProvisioningService) callExecutor(ctx context.Context, input models.PersonInput, person *models.Person, operationID string, apps []string) (*integration.ProvisionResult, error) {
	if s.executor == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "executor not configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	callCtx, span := s.tracer.Start(callCtx, "executor.provision", trace.WithAttributes(
		attribute.String("operation.id", operationID),
		attribute.String("person.email", person.Email),
		attribute.Int("applications", len(apps)),
	))
	defer span.End()

	result, err := s.executor.Provision(callCtx, integration.PersonFromInput(input), apps)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "executor call failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("outcomes", len(result.Outcomes)))
	return result, nil
}

func (s *ProvisioningService) recordExecutorFailure(ctx context.Context, detail *models.OperationDetail, callErr error) (*models.OperationDetail, error) {
	s.logger.Error("executor call failed", zap.String("operation_id", detail.ID), zap.Error(callErr))
	details, _ := json.Marshal(map[string]string{"error": callErr.Error()})
	action := models.ProvisioningAction{
		OperationID: detail.ID,
		Seq:         1,
		ActionType:  models.ActionTypeDelegationError,
		Application: s.executorName(),
		TargetUser:  detail.PersonEmail,
		Status:      models.ActionStatusFailed,
		Message:     callErr.Error(),
		Details:     details,
		ExecutedAt:  s.now().UTC(),
	}
	if err := s.operations.RecordActions(ctx, []models.ProvisioningAction{action}); err != nil {
		return nil, s.abandon(ctx, detail, persistError(err, "failed to record executor failure"))
	}
	detail.Actions = []models.ProvisioningAction{action}
	if err := s.complete(ctx, detail, 0, 1); err != nil {
		return nil, s.abandon(ctx, detail, err)
	}
	execErr := appErrors.Wrap(callErr, appErrors.ErrExecutor.Code, appErrors.ErrExecutor.Status, appErrors.ErrExecutor.Message)
	return detail, appErrors.WithStep(execErr, appErrors.StepDelegation)
}

// abandon closes an operation whose bookkeeping failed mid-flight so it does not stay
// in progress. The close is best effort; cause is always returned.
func (s *ProvisioningService) abandon(ctx context.Context, detail *models.OperationDetail, cause error) error {
	completedAt := s.now().UTC()
	err := s.operations.Complete(ctx, models.CompleteOperationParams{
		ID:          detail.ID,
		Status:      models.OperationStatusFailed,
		CompletedAt: completedAt,
	})
	if err != nil {
		s.logger.Warn("failed to close abandoned operation", zap.String("operation_id", detail.ID), zap.Error(err))
		return cause
	}
	s.metrics.RecordOperation(models.OperationStatusFailed, detail.Trigger)
	return cause
}

func (s *ProvisioningService) buildActions(operationID, target string, result *integration.ProvisionResult) ([]models.ProvisioningAction, int, int) {
	actions := make([]models.ProvisioningAction, 0, len(result.Outcomes))
	var success, failed int
	executedAt := s.now().UTC()
	for i, outcome := range result.Outcomes {
		status := models.ActionStatusFailed
		switch outcome.Outcome {
		case integration.OutcomeSuccess:
			status = models.ActionStatusSuccess
			success++
		case integration.OutcomeSkipped:
			status = models.ActionStatusSkipped
		default:
			failed++
		}
		application := strings.TrimSpace(outcome.Application)
		if application == "" {
			application = s.executorName()
		}
		details, _ := json.Marshal(map[string]string{
			"external_id": result.ExternalID,
			"outcome":     string(outcome.Outcome),
		})
		actions = append(actions, models.ProvisioningAction{
			OperationID: operationID,
			Seq:         i + 1,
			ActionType:  models.ActionTypeDelegation,
			Application: application,
			TargetUser:  target,
			Status:      status,
			Message:     outcome.Detail,
			Details:     details,
			ExecutedAt:  executedAt,
		})
	}
	return actions, success, failed
}

func (s *ProvisioningService) complete(ctx context.Context, detail *models.OperationDetail, success, failed int) error {
	completedAt := s.now().UTC()
	total := success + failed
	status := DeriveOperationStatus(total, success, failed)
	if err := s.operations.Complete(ctx, models.CompleteOperationParams{
		ID:                detail.ID,
		Status:            status,
		TotalActions:      total,
		SuccessfulActions: success,
		FailedActions:     failed,
		CompletedAt:       completedAt,
	}); err != nil {
		return persistError(err, "failed to complete operation")
	}
	detail.Status = status
	detail.TotalActions = total
	detail.SuccessfulActions = success
	detail.FailedActions = failed
	detail.CompletedAt = &completedAt

	s.metrics.RecordOperation(status, detail.Trigger)
	s.emitAudit(ctx, detail)
	return nil
}

func (s *ProvisioningService) emitAudit(ctx context.Context, detail *models.OperationDetail) {
	if s.audit == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"status":       detail.Status,
		"email":        detail.PersonEmail,
		"dry_run":      detail.DryRun,
		"trigger":      detail.Trigger,
		"total":        detail.TotalActions,
		"successful":   detail.SuccessfulActions,
		"failed":       detail.FailedActions,
		"applications": planApplications(detail.Plan),
	})
	id := detail.ID
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		Action:     models.AuditActionProvision,
		Resource:   "provisioning_operation",
		ResourceID: &id,
		NewValues:  payload,
		IPAddress:  "system",
		UserAgent:  "provisioning-service",
	}); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}

func (s *ProvisioningService) executorName() string {
	if s.executor == nil {
		return "executor"
	}
	return s.executor.Name()
}

func personFromInput(in models.PersonInput, trigger string) *models.Person {
	source := in.Source
	if source == "" {
		switch trigger {
		case models.TriggerApproval:
			source = models.PersonSourceApproval
		case models.TriggerSync:
			source = models.PersonSourceSync
		case models.TriggerManual:
			source = models.PersonSourceManual
		default:
			source = models.PersonSourceAPI
		}
	}
	return &models.Person{
		Email:      strings.TrimSpace(in.Email),
		FirstName:  strings.TrimSpace(in.FirstName),
		LastName:   strings.TrimSpace(in.LastName),
		JobTitle:   strings.TrimSpace(in.JobTitle),
		Department: optionalString(in.Department),
		Role:       optionalString(in.Role),
		Status:     models.PersonStatusPending,
		Source:     source,
	}
}

func planApplications(plan *models.ProvisioningPlan) []string {
	if plan == nil {
		return nil
	}
	return plan.Applications
}

func persistError(err error, message string) error {
	wrapped := appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
	return appErrors.WithStep(wrapped, appErrors.StepPersist)
}

func optionalString(value string) *string {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	return &v
}
