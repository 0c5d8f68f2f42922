package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/aegis-gateway/internal/models"
)

const requestColumns = `id, kind, request_type, target_login, payload, status, requester, justification, workflow_id,
       last_error, failed_step, apply_started_at, version, created_at, updated_at, completed_at`

const stepColumns = `request_id, step_order, approver_type, approver_login, approver_email, required, status, decision_at, comment`

// RequestChange lists the columns a RequestMutator wants to persist. Zero values leave columns untouched.
type RequestChange struct {
	Steps          []models.ApprovalStep
	Status         models.RequestStatus
	LastError      *string
	FailedStep     *string
	WorkflowID     *string
	CompletedAt    *time.Time
	ApplyStartedAt *time.Time
}

// RequestMutator inspects a locked request and returns the change to persist, or nil to leave it untouched.
type RequestMutator func(req *models.ProvisioningRequest) (*RequestChange, error)

// RequestRepository persists provisioning requests and approval chains.
type RequestRepository struct {
	db *sqlx.DB
}

// NewRequestRepository constructs the repository.
func NewRequestRepository(db *sqlx.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// CreateWithSteps inserts the request and its whole approval chain atomically.
func (r *RequestRepository) CreateWithSteps(ctx context.Context, req *models.ProvisioningRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	if req.Status == "" {
		req.Status = models.RequestStatusPending
	}
	if req.Kind == "" {
		req.Kind = models.RequestKindPreProvision
	}
	if len(req.Payload) == 0 {
		req.Payload = []byte("{}")
	}
	req.Version = 1

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin request tx: %w", err)
	}
	const insertRequest = `INSERT INTO provisioning_requests
	(id, kind, request_type, target_login, payload, status, requester, justification, workflow_id, last_error,
	 failed_step, apply_started_at, version, created_at, updated_at, completed_at)
	VALUES (:id, :kind, :request_type, :target_login, :payload, :status, :requester, :justification, :workflow_id, :last_error,
	 :failed_step, :apply_started_at, :version, :created_at, :updated_at, :completed_at)`
	if _, err := tx.NamedExecContext(ctx, insertRequest, req); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("create request: %w", err)
	}
	const insertStep = `INSERT INTO approval_steps
	(request_id, step_order, approver_type, approver_login, approver_email, required, status, decision_at, comment)
	VALUES (:request_id, :step_order, :approver_type, :approver_login, :approver_email, :required, :status, :decision_at, :comment)`
	for i := range req.Steps {
		req.Steps[i].RequestID = req.ID
		if req.Steps[i].Status == "" {
			req.Steps[i].Status = models.StepStatusPending
		}
		if _, err := tx.NamedExecContext(ctx, insertStep, req.Steps[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("create approval step: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit request tx: %w", err)
	}
	return nil
}

// GetByID fetches a request with its ordered approval steps.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*models.ProvisioningRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM provisioning_requests WHERE id = $1`
	var req models.ProvisioningRequest
	if err := r.db.GetContext(ctx, &req, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find request: %w", err)
	}
	steps, err := listSteps(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	req.Steps = steps
	return &req, nil
}

// List returns requests matching the filter with the total count, newest first.
func (r *RequestRepository) List(ctx context.Context, filter models.RequestFilter) ([]models.ProvisioningRequest, int, error) {
	baseQuery := `FROM provisioning_requests WHERE 1=1`
	var conditions []string
	var args []interface{}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.RequestType != "" {
		args = append(args, filter.RequestType)
		conditions = append(conditions, fmt.Sprintf("request_type = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.TargetLogin != "" {
		args = append(args, filter.TargetLogin)
		conditions = append(conditions, fmt.Sprintf("target_login = $%d", len(args)))
	}
	if filter.Requester != "" {
		args = append(args, filter.Requester)
		conditions = append(conditions, fmt.Sprintf("requester = $%d", len(args)))
	}
	if len(conditions) > 0 {
		baseQuery += " AND " + strings.Join(conditions, " AND ")
	}

	page, pageSize := normalizePage(filter.Page, filter.PageSize)
	offset := (page - 1) * pageSize
	listQuery := fmt.Sprintf("SELECT %s %s ORDER BY created_at DESC LIMIT %d OFFSET %d", requestColumns, baseQuery, pageSize, offset)

	var requests []models.ProvisioningRequest
	if err := r.db.SelectContext(ctx, &requests, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+baseQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}
	return requests, total, nil
}

// ListStaleApproved returns approved requests whose apply lease is free or older than leaseBefore.
func (r *RequestRepository) ListStaleApproved(ctx context.Context, leaseBefore time.Time, limit int) ([]models.ProvisioningRequest, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM provisioning_requests
	WHERE status = $1 AND (apply_started_at IS NULL OR apply_started_at < $2)
	ORDER BY updated_at ASC LIMIT %d`, requestColumns, limit)
	var requests []models.ProvisioningRequest
	if err := r.db.SelectContext(ctx, &requests, query, models.RequestStatusApproved, leaseBefore); err != nil {
		return nil, fmt.Errorf("list stale approved requests: %w", err)
	}
	return requests, nil
}

// Mutate locks the request row, hands the current state to fn and persists the returned change
// before releasing the lock. The updated request is returned.
func (r *RequestRepository) Mutate(ctx context.Context, id string, fn RequestMutator) (*models.ProvisioningRequest, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin request mutate tx: %w", err)
	}
	query := `SELECT ` + requestColumns + ` FROM provisioning_requests WHERE id = $1 FOR UPDATE`
	var req models.ProvisioningRequest
	if err := tx.GetContext(ctx, &req, query, id); err != nil {
		_ = tx.Rollback()
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock request: %w", err)
	}
	steps, err := listSteps(ctx, tx, id)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	req.Steps = steps

	change, err := fn(&req)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if change == nil {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			return nil, fmt.Errorf("release request lock: %w", err)
		}
		return &req, nil
	}

	const updateStep = `UPDATE approval_steps
	SET status = :status, approver_login = :approver_login, decision_at = :decision_at, comment = :comment
	WHERE request_id = :request_id AND step_order = :step_order`
	for _, step := range change.Steps {
		step.RequestID = req.ID
		if _, err := tx.NamedExecContext(ctx, updateStep, step); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("update approval step: %w", err)
		}
		for i := range req.Steps {
			if req.Steps[i].StepOrder == step.StepOrder {
				req.Steps[i] = step
			}
		}
	}

	now := time.Now().UTC()
	setParts := []string{"version = version + 1", "updated_at = :updated_at"}
	params := map[string]interface{}{"id": req.ID, "updated_at": now}
	if change.Status != "" {
		setParts = append(setParts, "status = :status")
		params["status"] = change.Status
		req.Status = change.Status
	}
	if change.LastError != nil {
		setParts = append(setParts, "last_error = :last_error")
		params["last_error"] = change.LastError
		req.LastError = change.LastError
	}
	if change.FailedStep != nil {
		setParts = append(setParts, "failed_step = :failed_step")
		params["failed_step"] = change.FailedStep
		req.FailedStep = change.FailedStep
	}
	if change.WorkflowID != nil {
		setParts = append(setParts, "workflow_id = :workflow_id")
		params["workflow_id"] = change.WorkflowID
		req.WorkflowID = change.WorkflowID
	}
	if change.CompletedAt != nil {
		setParts = append(setParts, "completed_at = :completed_at")
		params["completed_at"] = change.CompletedAt
		req.CompletedAt = change.CompletedAt
	}
	if change.ApplyStartedAt != nil {
		setParts = append(setParts, "apply_started_at = :apply_started_at")
		params["apply_started_at"] = change.ApplyStartedAt
		req.ApplyStartedAt = change.ApplyStartedAt
	}
	update := fmt.Sprintf("UPDATE provisioning_requests SET %s WHERE id = :id", strings.Join(setParts, ", "))
	if _, err := tx.NamedExecContext(ctx, update, params); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("update request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit request mutate tx: %w", err)
	}
	req.Version++
	req.UpdatedAt = now
	return &req, nil
}

// UpdateStatus performs a guarded status transition. sql.ErrNoRows means the request was not in any From state.
func (r *RequestRepository) UpdateStatus(ctx context.Context, params models.UpdateRequestStatusParams) error {
	setParts := []string{"status = :status", "version = version + 1", "updated_at = :updated_at"}
	args := map[string]interface{}{
		"id":         params.ID,
		"status":     params.Status,
		"updated_at": time.Now().UTC(),
	}
	if params.LastError != nil {
		setParts = append(setParts, "last_error = :last_error")
		args["last_error"] = params.LastError
	}
	if params.FailedStep != nil {
		setParts = append(setParts, "failed_step = :failed_step")
		args["failed_step"] = params.FailedStep
	}
	if params.WorkflowID != nil {
		setParts = append(setParts, "workflow_id = :workflow_id")
		args["workflow_id"] = params.WorkflowID
	}
	if params.CompletedAt != nil {
		setParts = append(setParts, "completed_at = :completed_at")
		args["completed_at"] = params.CompletedAt
	}
	query := fmt.Sprintf("UPDATE provisioning_requests SET %s WHERE id = :id", strings.Join(setParts, ", "))
	if len(params.From) > 0 {
		from := make([]string, len(params.From))
		for i, status := range params.From {
			key := fmt.Sprintf("from_%d", i)
			args[key] = status
			from[i] = ":" + key
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(from, ", "))
	}
	result, err := r.db.NamedExecContext(ctx, query, args)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	return expectAffected(result, "request")
}

// SetWorkflowID records the dispatcher workflow reference.
func (r *RequestRepository) SetWorkflowID(ctx context.Context, id, workflowID string) error {
	const query = `UPDATE provisioning_requests SET workflow_id = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, workflowID, time.Now().UTC()); err != nil {
		return fmt.Errorf("set request workflow id: %w", err)
	}
	return nil
}

func listSteps(ctx context.Context, q sqlx.QueryerContext, requestID string) ([]models.ApprovalStep, error) {
	query := `SELECT ` + stepColumns + ` FROM approval_steps WHERE request_id = $1 ORDER BY step_order ASC`
	steps := make([]models.ApprovalStep, 0)
	if err := sqlx.SelectContext(ctx, q, &steps, query, requestID); err != nil {
		return nil, fmt.Errorf("list approval steps: %w", err)
	}
	return steps, nil
}
