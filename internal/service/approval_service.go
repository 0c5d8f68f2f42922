package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
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
	"github.com/noah-isme/aegis-gateway/internal/repository"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
)

const (
	defaultApplyLease      = 2 * time.Minute
	defaultDispatchTimeout = 15 * time.Second
	defaultAPIPrefix       = "/api/v1"

	auditResourceRequest = "provisioning_request"
	approvalCallbackPath = "/callbacks/approval"
	reviewCallbackPath   = "/callbacks/review"
)

type requestStore interface {
	CreateWithSteps(ctx context.Context, req *models.ProvisioningRequest) error
	GetByID(ctx context.Context, id string) (*models.ProvisioningRequest, error)
	List(ctx context.Context, filter models.RequestFilter) ([]models.ProvisioningRequest, int, error)
	ListStaleApproved(ctx context.Context, leaseBefore time.Time, limit int) ([]models.ProvisioningRequest, error)
	Mutate(ctx context.Context, id string, fn repository.RequestMutator) (*models.ProvisioningRequest, error)
	UpdateStatus(ctx context.Context, params models.UpdateRequestStatusParams) error
	SetWorkflowID(ctx context.Context, id, workflowID string) error
}

type approvalDispatcher interface {
	DispatchSingle(ctx context.Context, payload integration.DispatchPayload) (*integration.DispatchResult, error)
	DispatchMulti(ctx context.Context, payload integration.DispatchPayload) (*integration.DispatchResult, error)
	DispatchReview(ctx context.Context, payload integration.DispatchPayload) (*integration.DispatchResult, error)
}

type requestApplier interface {
	Apply(ctx context.Context, req *models.ProvisioningRequest) (*models.ActionResult, error)
	Disable(ctx context.Context, login string) error
}

type personStatusStore interface {
	UpdateStatus(ctx context.Context, email string, status models.PersonStatus) error
}

type auditReader interface {
	ListByResource(ctx context.Context, resource, resourceID string, limit int) ([]models.AuditLog, error)
}

// ApprovalSettings carries approver defaults and callback addressing.
type ApprovalSettings struct {
	Approvers       map[string]string
	StrictApprovers bool
	ApplyLease      time.Duration
	CallbackBaseURL string
	// APIPrefix is the route group the callback endpoints are mounted under.
	APIPrefix string
}

// AggregateStatus derives a request status from its full step set. A rejected step
// rejects the request; otherwise every required step (or every step when none is
// required) must be approved.
func AggregateStatus(steps []models.ApprovalStep) models.RequestStatus {
	required := 0
	for _, step := range steps {
		if step.Status == models.StepStatusRejected {
			return models.RequestStatusRejected
		}
		if step.Required {
			required++
		}
	}
	for _, step := range steps {
		if (required == 0 || step.Required) && step.Status != models.StepStatusApproved {
			return models.RequestStatusPending
		}
	}
	return models.RequestStatusApproved
}

// ApprovalService runs approval chains and applies approved identity changes.
type ApprovalService struct {
	requests        requestStore
	dispatcher      approvalDispatcher
	applier         requestApplier
	persons         personStatusStore
	audit           auditLogger
	metrics         *MetricsService
	settings        ApprovalSettings
	validate        *validator.Validate
	tracer          trace.Tracer
	logger          *zap.Logger
	dispatchTimeout time.Duration
	now             func() time.Time
	history         auditReader
}

// ApprovalServiceOption configures the service.
type ApprovalServiceOption func(*ApprovalService)

// WithApprovalAudit records audit entries for request lifecycle events.
func WithApprovalAudit(audit auditLogger) ApprovalServiceOption {
	return func(s *ApprovalService) {
		s.audit = audit
	}
}

// WithApprovalHistory enables History through the audit trail reader.
func WithApprovalHistory(history auditReader) ApprovalServiceOption {
	return func(s *ApprovalService) {
		s.history = history
	}
}

// WithApprovalMetrics counts callbacks and status transitions.
func WithApprovalMetrics(metrics *MetricsService) ApprovalServiceOption {
	return func(s *ApprovalService) {
		s.metrics = metrics
	}
}

// WithApprovalPersons marks provisioned persons disabled when a review is rejected.
func WithApprovalPersons(persons personStatusStore) ApprovalServiceOption {
	return func(s *ApprovalService) {
		s.persons = persons
	}
}

// WithDispatchTimeout bounds each dispatcher call.
func WithDispatchTimeout(timeout time.Duration) ApprovalServiceOption {
	return func(s *ApprovalService) {
		if timeout > 0 {
			s.dispatchTimeout = timeout
		}
	}
}

// WithApprovalTracer overrides the tracer used around dispatch and apply.
func WithApprovalTracer(tracer trace.Tracer) ApprovalServiceOption {
	return func(s *ApprovalService) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithApprovalClock overrides the time source.
func WithApprovalClock(now func() time.Time) ApprovalServiceOption {
	return func(s *ApprovalService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewApprovalService constructs the approval engine.
func NewApprovalService(requests requestStore, dispatcher approvalDispatcher, applier requestApplier, settings ApprovalSettings, logger *zap.Logger, opts ...ApprovalServiceOption) *ApprovalService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.ApplyLease <= 0 {
		settings.ApplyLease = defaultApplyLease
	}
	settings.CallbackBaseURL = strings.TrimRight(settings.CallbackBaseURL, "/")
	settings.APIPrefix = "/" + strings.Trim(settings.APIPrefix, "/")
	if settings.APIPrefix == "/" {
		settings.APIPrefix = defaultAPIPrefix
	}
	svc := &ApprovalService{
		requests:        requests,
		dispatcher:      dispatcher,
		applier:         applier,
		settings:        settings,
		validate:        NewValidator(),
		tracer:          otel.Tracer("aegis-gateway/approval"),
		logger:          logger,
		dispatchTimeout: defaultDispatchTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// CreateRequest persists an approval request and hands it to the dispatcher. A chain
// without approvers is approved and applied immediately.
func (s *ApprovalService) CreateRequest(ctx context.Context, input dto.CreateProvisioningRequest, requester string) (*models.ProvisioningRequest, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, validationError(err)
	}
	if !input.RequestType.Valid() {
		return nil, commandValidation(fmt.Sprintf("unsupported request_type %q", input.RequestType))
	}
	cmd, err := DecodeCommand(input.RequestType, input.TargetLogin, input.Payload)
	if err != nil {
		return nil, err
	}
	steps, err := s.buildChain(input.ApprovalChain, input.Approvers)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	req := &models.ProvisioningRequest{
		Kind:          models.RequestKindPreProvision,
		RequestType:   input.RequestType,
		TargetLogin:   cmd.Login(),
		Payload:       normalizePayload(input.Payload),
		Status:        models.RequestStatusPending,
		Requester:     requester,
		Justification: input.Justification,
		Steps:         steps,
	}
	if len(steps) == 0 {
		req.Status = models.RequestStatusApproved
		req.ApplyStartedAt = &now
	}
	if err := s.requests.CreateWithSteps(ctx, req); err != nil {
		return nil, persistError(err, "failed to create request")
	}
	s.metrics.RecordRequestTransition(req.Status)
	s.emitAudit(ctx, models.AuditActionRequestCreate, req, requester, map[string]interface{}{
		"request_type": req.RequestType,
		"steps":        len(req.Steps),
	})
	s.logger.Info("approval request created",
		zap.String("request_id", req.ID),
		zap.String("request_type", string(req.RequestType)),
		zap.String("target_login", req.TargetLogin),
		zap.Int("steps", len(req.Steps)),
	)

	if len(steps) == 0 {
		return s.apply(ctx, req)
	}

	payload := s.dispatchPayload(req, cmd, approvalCallbackPath)
	dispatch := s.dispatcher.DispatchSingle
	if len(steps) > 1 {
		dispatch = s.dispatcher.DispatchMulti
	}
	return s.dispatch(ctx, req, payload, dispatch)
}

// CreateReviewRequest asks an application owner to confirm a completed provisioning.
func (s *ApprovalService) CreateReviewRequest(ctx context.Context, input dto.CreateReviewRequest, requester string) (*models.ProvisioningRequest, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, validationError(err)
	}
	login := strings.TrimSpace(input.TargetLogin)
	reviewer := strings.TrimSpace(input.Reviewer)
	overrides := map[string]string{}
	if reviewer != "" {
		overrides[string(models.ApprovalLevelAppOwner)] = reviewer
	}
	steps, err := s.buildChain([]models.ApprovalLevel{models.ApprovalLevelAppOwner}, overrides)
	if err != nil {
		return nil, err
	}

	req := &models.ProvisioningRequest{
		Kind:          models.RequestKindReview,
		RequestType:   models.RequestTypeCreateUser,
		TargetLogin:   login,
		Payload:       normalizePayload(input.Payload),
		Status:        models.RequestStatusPending,
		Requester:     requester,
		Justification: input.Justification,
		Steps:         steps,
	}
	if err := s.requests.CreateWithSteps(ctx, req); err != nil {
		return nil, persistError(err, "failed to create review request")
	}
	s.metrics.RecordRequestTransition(req.Status)
	s.emitAudit(ctx, models.AuditActionRequestCreate, req, requester, map[string]interface{}{"kind": req.Kind})

	payload := s.dispatchPayload(req, nil, reviewCallbackPath)
	return s.dispatch(ctx, req, payload, s.dispatcher.DispatchReview)
}

// HandleDecision records one approver decision. Repeated deliveries are no-ops and
// a decision that completes the chain applies the request.
func (s *ApprovalService) HandleDecision(ctx context.Context, callback dto.ApprovalCallback) (*models.ProvisioningRequest, error) {
	if err := s.validate.Struct(callback); err != nil {
		s.metrics.RecordCallback("approval", "invalid")
		return nil, validationError(err)
	}

	now := s.now().UTC()
	shouldApply := false
	outcome := "duplicate"
	updated, err := s.requests.Mutate(ctx, callback.RequestID, func(req *models.ProvisioningRequest) (*repository.RequestChange, error) {
		shouldApply = false
		outcome = "duplicate"
		if req.Kind != models.RequestKindPreProvision {
			return nil, appErrors.Clone(appErrors.ErrValidation, "request is a review; use the review callback")
		}
		if req.Status.Terminal() {
			return nil, nil
		}
		if req.Status == models.RequestStatusApproved {
			if !s.leaseFree(req, now) {
				return nil, nil
			}
			shouldApply = true
			outcome = "resumed"
			return &repository.RequestChange{ApplyStartedAt: &now}, nil
		}

		idx := findStep(req.Steps, callback.StepOrder)
		if idx < 0 {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("approval step %d not found", callback.StepOrder))
		}
		step := req.Steps[idx]
		if step.Status != models.StepStatusPending {
			if step.Status == callback.Decision {
				return nil, nil
			}
			return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("approval step %d already %s", step.StepOrder, step.Status))
		}

		step.Status = callback.Decision
		step.DecisionAt = &now
		step.Comment = optionalString(callback.Comment)
		if login := optionalString(callback.ApproverLogin); login != nil {
			step.ApproverLogin = login
		}
		steps := append([]models.ApprovalStep(nil), req.Steps...)
		steps[idx] = step

		change := &repository.RequestChange{Steps: []models.ApprovalStep{step}}
		outcome = "recorded"
		switch AggregateStatus(steps) {
		case models.RequestStatusRejected:
			change.Status = models.RequestStatusRejected
			change.CompletedAt = &now
		case models.RequestStatusApproved:
			change.Status = models.RequestStatusApproved
			change.ApplyStartedAt = &now
			shouldApply = true
		}
		return change, nil
	})
	if err != nil {
		s.metrics.RecordCallback("approval", "error")
		return nil, requestLookupError(err)
	}
	s.metrics.RecordCallback("approval", outcome)
	if outcome != "duplicate" {
		s.metrics.RecordRequestTransition(updated.Status)
		s.emitAudit(ctx, models.AuditActionRequestDecision, updated, callback.ApproverLogin, map[string]interface{}{
			"step_order": callback.StepOrder,
			"decision":   callback.Decision,
			"status":     updated.Status,
		})
	}
	s.logger.Info("approval callback handled",
		zap.String("request_id", updated.ID),
		zap.Int("step_order", callback.StepOrder),
		zap.String("decision", string(callback.Decision)),
		zap.String("outcome", outcome),
		zap.String("status", string(updated.Status)),
	)

	if shouldApply {
		return s.apply(ctx, updated)
	}
	return updated, nil
}

// HandleReview records a reviewer decision. A rejection disables the identity
// before the request is marked rejected.
func (s *ApprovalService) HandleReview(ctx context.Context, callback dto.ReviewCallback) (*models.ProvisioningRequest, error) {
	if err := s.validate.Struct(callback); err != nil {
		s.metrics.RecordCallback("review", "invalid")
		return nil, validationError(err)
	}

	approved := *callback.Approved
	now := s.now().UTC()
	decision := models.StepStatusRejected
	if approved {
		decision = models.StepStatusApproved
	}
	compensate := false
	outcome := "duplicate"
	updated, err := s.requests.Mutate(ctx, callback.RequestID, func(req *models.ProvisioningRequest) (*repository.RequestChange, error) {
		compensate = false
		outcome = "duplicate"
		if req.Kind != models.RequestKindReview {
			return nil, appErrors.Clone(appErrors.ErrValidation, "request is not a review")
		}
		if req.Status.Terminal() {
			return nil, nil
		}
		if len(req.Steps) == 0 {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "review step not found")
		}
		step := req.Steps[0]
		if step.Status != models.StepStatusPending {
			if step.Status != decision {
				return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("review already %s", step.Status))
			}
			// a rejection whose compensation did not finish is retried
			compensate = decision == models.StepStatusRejected
			return nil, nil
		}

		step.Status = decision
		step.DecisionAt = &now
		step.Comment = optionalString(callback.Comment)
		if reviewer := optionalString(callback.Reviewer); reviewer != nil {
			step.ApproverLogin = reviewer
		}
		change := &repository.RequestChange{Steps: []models.ApprovalStep{step}}
		outcome = "recorded"
		if approved {
			change.Status = models.RequestStatusCompleted
			change.CompletedAt = &now
		} else {
			compensate = true
		}
		return change, nil
	})
	if err != nil {
		s.metrics.RecordCallback("review", "error")
		return nil, requestLookupError(err)
	}
	s.metrics.RecordCallback("review", outcome)
	if outcome != "duplicate" {
		s.emitAudit(ctx, models.AuditActionReviewDecision, updated, callback.Reviewer, map[string]interface{}{
			"approved": approved,
		})
	}
	if !compensate {
		if outcome != "duplicate" {
			s.metrics.RecordRequestTransition(updated.Status)
		}
		return updated, nil
	}
	return s.compensate(ctx, updated)
}

// Cancel moves a request that has not reached a terminal state to cancelled.
func (s *ApprovalService) Cancel(ctx context.Context, id, actor string) (*models.ProvisioningRequest, error) {
	now := s.now().UTC()
	updated, err := s.requests.Mutate(ctx, id, func(req *models.ProvisioningRequest) (*repository.RequestChange, error) {
		if req.Status.Terminal() {
			return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("request already %s", req.Status))
		}
		if req.Status == models.RequestStatusApproved && !s.leaseFree(req, now) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "request is being applied")
		}
		return &repository.RequestChange{Status: models.RequestStatusCancelled, CompletedAt: &now}, nil
	})
	if err != nil {
		return nil, requestLookupError(err)
	}
	s.metrics.RecordRequestTransition(updated.Status)
	s.emitAudit(ctx, models.AuditActionRequestCancel, updated, actor, nil)
	s.logger.Info("approval request cancelled", zap.String("request_id", updated.ID), zap.String("actor", actor))
	return updated, nil
}

// Get returns a request with its approval chain.
func (s *ApprovalService) Get(ctx context.Context, id string) (*models.ProvisioningRequest, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, requestLookupError(err)
	}
	return req, nil
}

// History returns the audit entries recorded for a request, newest first.
func (s *ApprovalService) History(ctx context.Context, id string, limit int) ([]models.AuditLog, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []models.AuditLog{}, nil
	}
	logs, err := s.history.ListByResource(ctx, auditResourceRequest, id, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request history")
	}
	return logs, nil
}

// List returns requests matching query with pagination metadata.
func (s *ApprovalService) List(ctx context.Context, query dto.RequestQuery) ([]models.ProvisioningRequest, *models.Pagination, error) {
	filter := models.RequestFilter{
		Status:      query.Status,
		RequestType: query.RequestType,
		Kind:        query.Kind,
		TargetLogin: query.TargetLogin,
		Requester:   query.Requester,
		Page:        query.Page,
		PageSize:    query.PageSize,
	}
	requests, total, err := s.requests.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list requests")
	}
	page, size := pageOrDefault(filter.Page, filter.PageSize)
	return requests, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// ListStuck returns approved requests whose apply lease is free or older than staleAfter.
func (s *ApprovalService) ListStuck(ctx context.Context, staleAfter time.Duration, limit int) ([]models.ProvisioningRequest, error) {
	if staleAfter < s.settings.ApplyLease {
		staleAfter = s.settings.ApplyLease
	}
	requests, err := s.requests.ListStaleApproved(ctx, s.now().UTC().Add(-staleAfter), limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list stuck requests")
	}
	return requests, nil
}

// ResumeApply re-claims the apply lease of an approved request and applies it.
// A request that is no longer approved, or whose lease is held, is returned unchanged.
func (s *ApprovalService) ResumeApply(ctx context.Context, id string) (*models.ProvisioningRequest, bool, error) {
	now := s.now().UTC()
	claimed := false
	updated, err := s.requests.Mutate(ctx, id, func(req *models.ProvisioningRequest) (*repository.RequestChange, error) {
		claimed = false
		if req.Status != models.RequestStatusApproved || !s.leaseFree(req, now) {
			return nil, nil
		}
		claimed = true
		return &repository.RequestChange{ApplyStartedAt: &now}, nil
	})
	if err != nil {
		return nil, false, requestLookupError(err)
	}
	if !claimed {
		return updated, false, nil
	}
	s.logger.Info("resuming apply of approved request", zap.String("request_id", id))
	applied, err := s.apply(ctx, updated)
	return applied, true, err
}

// ReconcileStuck resumes every stuck request inline and returns how many were re-applied.
func (s *ApprovalService) ReconcileStuck(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	stuck, err := s.ListStuck(ctx, staleAfter, limit)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, req := range stuck {
		_, claimed, err := s.ResumeApply(ctx, req.ID)
		if claimed {
			resumed++
		}
		if err != nil {
			s.logger.Warn("reconcile apply failed", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	return resumed, nil
}

func (s *ApprovalService) dispatch(ctx context.Context, req *models.ProvisioningRequest, payload integration.DispatchPayload, call func(context.Context, integration.DispatchPayload) (*integration.DispatchResult, error)) (*models.ProvisioningRequest, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	defer cancel()
	callCtx, span := s.tracer.Start(callCtx, "approval.dispatch", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("workflow.type", payload.WorkflowType),
		attribute.Int("approval.steps", len(req.Steps)),
	))
	result, err := call(callCtx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		span.End()
		return s.failDispatch(ctx, req, err)
	}
	span.End()

	if result != nil && result.WorkflowID != "" {
		workflowID := result.WorkflowID
		req.WorkflowID = &workflowID
		if err := s.requests.SetWorkflowID(ctx, req.ID, workflowID); err != nil {
			s.logger.Warn("failed to record workflow id", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	s.logger.Info("approval workflow dispatched",
		zap.String("request_id", req.ID),
		zap.String("workflow_type", payload.WorkflowType),
		zap.Stringp("workflow_id", req.WorkflowID),
	)
	return req, nil
}

func (s *ApprovalService) failDispatch(ctx context.Context, req *models.ProvisioningRequest, cause error) (*models.ProvisioningRequest, error) {
	msg := cause.Error()
	step := appErrors.StepDispatch
	now := s.now().UTC()
	if err := s.requests.UpdateStatus(ctx, models.UpdateRequestStatusParams{
		ID:          req.ID,
		From:        []models.RequestStatus{models.RequestStatusPending},
		Status:      models.RequestStatusFailed,
		LastError:   &msg,
		FailedStep:  &step,
		CompletedAt: &now,
	}); err != nil {
		s.logger.Error("failed to mark request failed after dispatch error", zap.String("request_id", req.ID), zap.Error(err))
	} else {
		req.Status = models.RequestStatusFailed
		req.LastError = &msg
		req.FailedStep = &step
		req.CompletedAt = &now
		s.metrics.RecordRequestTransition(req.Status)
	}
	s.logger.Warn("approval dispatch failed", zap.String("request_id", req.ID), zap.Error(cause))
	wrapped := appErrors.Wrap(cause, appErrors.ErrDispatch.Code, appErrors.ErrDispatch.Status, appErrors.ErrDispatch.Message)
	return req, appErrors.WithStep(wrapped, appErrors.StepDispatch)
}

// apply runs an approved request whose lease is held by the caller.
func (s *ApprovalService) apply(ctx context.Context, req *models.ProvisioningRequest) (*models.ProvisioningRequest, error) {
	applyCtx, span := s.tracer.Start(ctx, "approval.apply", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.type", string(req.RequestType)),
	))
	result, applyErr := s.applier.Apply(applyCtx, req)
	if applyErr != nil {
		span.RecordError(applyErr)
		span.SetStatus(codes.Error, "apply failed")
	}
	span.End()

	now := s.now().UTC()
	params := models.UpdateRequestStatusParams{
		ID:          req.ID,
		From:        []models.RequestStatus{models.RequestStatusApproved},
		Status:      models.RequestStatusCompleted,
		CompletedAt: &now,
	}
	if applyErr != nil {
		msg := applyErr.Error()
		step := appErrors.StepApply
		params.Status = models.RequestStatusFailed
		params.LastError = &msg
		params.FailedStep = &step
	}
	if err := s.requests.UpdateStatus(ctx, params); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, persistError(err, "failed to record apply outcome")
		}
		// another delivery already finished the request
		current, getErr := s.requests.GetByID(ctx, req.ID)
		if getErr != nil {
			return nil, requestLookupError(getErr)
		}
		return current, nil
	}

	req.Status = params.Status
	req.CompletedAt = params.CompletedAt
	req.LastError = params.LastError
	req.FailedStep = params.FailedStep
	s.metrics.RecordRequestTransition(req.Status)

	details := map[string]interface{}{"status": req.Status}
	if result != nil {
		details["message"] = result.Message
		if result.OperationID != "" {
			details["operation_id"] = result.OperationID
		}
	}
	if applyErr != nil {
		details["error"] = applyErr.Error()
	}
	s.emitAudit(ctx, models.AuditActionRequestApply, req, "", details)

	if applyErr != nil {
		s.logger.Warn("approved request failed to apply", zap.String("request_id", req.ID), zap.Error(applyErr))
		return req, appErrors.WithStep(appErrors.FromError(applyErr), appErrors.StepApply)
	}
	s.logger.Info("approved request applied", zap.String("request_id", req.ID), zap.String("status", string(req.Status)))
	return req, nil
}

func (s *ApprovalService) compensate(ctx context.Context, req *models.ProvisioningRequest) (*models.ProvisioningRequest, error) {
	now := s.now().UTC()
	params := models.UpdateRequestStatusParams{
		ID:          req.ID,
		From:        []models.RequestStatus{models.RequestStatusPending},
		Status:      models.RequestStatusRejected,
		CompletedAt: &now,
	}

	disableErr := s.applier.Disable(ctx, req.TargetLogin)
	if disableErr == nil && s.persons != nil {
		if email := payloadEmail(req.Payload); email != "" {
			if err := s.persons.UpdateStatus(ctx, email, models.PersonStatusDisabled); err != nil && !errors.Is(err, sql.ErrNoRows) {
				disableErr = err
			}
		}
	}
	if disableErr != nil {
		msg := disableErr.Error()
		step := appErrors.StepCompensate
		params.Status = models.RequestStatusFailed
		params.LastError = &msg
		params.FailedStep = &step
	}

	if err := s.requests.UpdateStatus(ctx, params); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, persistError(err, "failed to record review outcome")
		}
		current, getErr := s.requests.GetByID(ctx, req.ID)
		if getErr != nil {
			return nil, requestLookupError(getErr)
		}
		return current, nil
	}
	req.Status = params.Status
	req.CompletedAt = params.CompletedAt
	req.LastError = params.LastError
	req.FailedStep = params.FailedStep
	s.metrics.RecordRequestTransition(req.Status)

	if disableErr != nil {
		s.logger.Warn("review compensation failed", zap.String("request_id", req.ID), zap.String("login", req.TargetLogin), zap.Error(disableErr))
		return req, appErrors.WithStep(appErrors.FromError(disableErr), appErrors.StepCompensate)
	}
	s.logger.Info("review rejected, identity disabled", zap.String("request_id", req.ID), zap.String("login", req.TargetLogin))
	return req, nil
}

func (s *ApprovalService) buildChain(levels []models.ApprovalLevel, overrides map[string]string) ([]models.ApprovalStep, error) {
	steps := make([]models.ApprovalStep, 0, len(levels))
	for _, level := range levels {
		if !level.Valid() {
			return nil, commandValidation(fmt.Sprintf("unknown approval level %q", level))
		}
		if level == models.ApprovalLevelNone {
			continue
		}
		required := level != models.ApprovalLevelSecurity
		approver := strings.TrimSpace(overrides[string(level)])
		if approver == "" {
			approver = strings.TrimSpace(s.settings.Approvers[string(level)])
		}
		if approver == "" && required {
			if s.settings.StrictApprovers {
				return nil, commandValidation(fmt.Sprintf("no approver configured for level %s", level))
			}
			s.logger.Warn("no approver configured for approval level", zap.String("level", string(level)))
		}
		step := models.ApprovalStep{
			StepOrder:    len(steps) + 1,
			ApproverType: level,
			Required:     required,
			Status:       models.StepStatusPending,
		}
		if strings.Contains(approver, "@") {
			step.ApproverEmail = &approver
		} else {
			step.ApproverLogin = optionalString(approver)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func (s *ApprovalService) dispatchPayload(req *models.ProvisioningRequest, cmd IdentityCommand, callbackPath string) integration.DispatchPayload {
	chain := make([]integration.ChainStep, 0, len(req.Steps))
	for _, step := range req.Steps {
		entry := integration.ChainStep{
			Order:    step.StepOrder,
			Level:    string(step.ApproverType),
			Required: step.Required,
		}
		if step.ApproverLogin != nil {
			entry.Approver = *step.ApproverLogin
		}
		if step.ApproverEmail != nil {
			entry.ApproverEmail = *step.ApproverEmail
		}
		chain = append(chain, entry)
	}
	payload := integration.DispatchPayload{
		RequestType:   string(req.RequestType),
		TargetLogin:   req.TargetLogin,
		ApprovalChain: chain,
		Requester:     req.Requester,
		Justification: req.Justification,
		CallbackURL:   s.settings.CallbackBaseURL + s.settings.APIPrefix + callbackPath,
		RequestID:     req.ID,
	}
	switch c := cmd.(type) {
	case CreateUserCommand:
		payload.PersonData = req.Payload
		payload.RequestedRoles = c.Payload.Roles
		payload.RequestedPermissions = c.Payload.Permissions
	case AssignRoleCommand:
		payload.RequestedRoles = []string{c.Role}
	case AssignPermissionCommand:
		payload.RequestedPermissions = []string{c.Permission}
	case nil:
		payload.PersonData = req.Payload
	}
	return payload
}

func (s *ApprovalService) leaseFree(req *models.ProvisioningRequest, now time.Time) bool {
	return req.ApplyStartedAt == nil || now.Sub(*req.ApplyStartedAt) >= s.settings.ApplyLease
}

func (s *ApprovalService) emitAudit(ctx context.Context, action string, req *models.ProvisioningRequest, actor string, details map[string]interface{}) {
	if s.audit == nil || req == nil {
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	details["status"] = req.Status
	details["target_login"] = req.TargetLogin
	payload, _ := json.Marshal(details)
	id := req.ID
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     optionalString(actor),
		Action:     action,
		Resource:   auditResourceRequest,
		ResourceID: &id,
		NewValues:  payload,
		IPAddress:  "system",
		UserAgent:  "approval-service",
	}); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}

func findStep(steps []models.ApprovalStep, order int) int {
	for i, step := range steps {
		if step.StepOrder == order {
			return i
		}
	}
	return -1
}

func normalizePayload(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 || string(payload) == "null" {
		return json.RawMessage("{}")
	}
	return payload
}

func payloadEmail(payload json.RawMessage) string {
	var p struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return strings.TrimSpace(p.Email)
}

func requestLookupError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "request not found")
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return persistError(err, "failed to load request")
}
