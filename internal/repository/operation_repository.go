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

const operationColumns = `o.id, o.person_id, o.status, o.trigger, o.dry_run, o.planned_actions, o.total_actions,
       o.successful_actions, o.failed_actions, o.started_at, o.completed_at`

// OperationRepository persists provisioning operations and their actions.
type OperationRepository struct {
	db *sqlx.DB
}

// NewOperationRepository constructs the repository.
func NewOperationRepository(db *sqlx.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

// Create inserts a new operation row.
func (r *OperationRepository) Create(ctx context.Context, op *models.ProvisioningOperation) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Status == "" {
		op.Status = models.OperationStatusPending
	}
	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now().UTC()
	}
	const query = `INSERT INTO provisioning_operations
	(id, person_id, status, trigger, dry_run, planned_actions, total_actions, successful_actions, failed_actions, started_at, completed_at)
	VALUES (:id, :person_id, :status, :trigger, :dry_run, :planned_actions, :total_actions, :successful_actions, :failed_actions, :started_at, :completed_at)`
	if _, err := r.db.NamedExecContext(ctx, query, op); err != nil {
		return fmt.Errorf("create operation: %w", err)
	}
	return nil
}

// MarkInProgress moves a pending operation to in_progress.
func (r *OperationRepository) MarkInProgress(ctx context.Context, id string) error {
	const query = `UPDATE provisioning_operations SET status = $2 WHERE id = $1 AND status = $3`
	result, err := r.db.ExecContext(ctx, query, id, models.OperationStatusInProgress, models.OperationStatusPending)
	if err != nil {
		return fmt.Errorf("mark operation in progress: %w", err)
	}
	return expectAffected(result, "operation")
}

// RecordActions appends actions to the ledger in one transaction.
func (r *OperationRepository) RecordActions(ctx context.Context, actions []models.ProvisioningAction) error {
	if len(actions) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin actions tx: %w", err)
	}
	const query = `INSERT INTO provisioning_actions
	(id, operation_id, seq, action_type, application, target_user, status, message, details, executed_at)
	VALUES (:id, :operation_id, :seq, :action_type, :application, :target_user, :status, :message, :details, :executed_at)`
	for i := range actions {
		if actions[i].ID == "" {
			actions[i].ID = uuid.NewString()
		}
		if actions[i].ExecutedAt.IsZero() {
			actions[i].ExecutedAt = time.Now().UTC()
		}
		if len(actions[i].Details) == 0 {
			actions[i].Details = []byte("{}")
		}
		if _, err := tx.NamedExecContext(ctx, query, actions[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record action: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit actions tx: %w", err)
	}
	return nil
}

// Complete writes the terminal counters. Completed operations are never rewritten.
func (r *OperationRepository) Complete(ctx context.Context, params models.CompleteOperationParams) error {
	if params.SuccessfulActions+params.FailedActions != params.TotalActions {
		return fmt.Errorf("complete operation: total %d does not match successful %d + failed %d",
			params.TotalActions, params.SuccessfulActions, params.FailedActions)
	}
	const query = `UPDATE provisioning_operations
	SET status = :status, total_actions = :total_actions, successful_actions = :successful_actions,
	    failed_actions = :failed_actions, completed_at = :completed_at
	WHERE id = :id AND status IN ('pending', 'in_progress')`
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":                 params.ID,
		"status":             params.Status,
		"total_actions":      params.TotalActions,
		"successful_actions": params.SuccessfulActions,
		"failed_actions":     params.FailedActions,
		"completed_at":       params.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	return expectAffected(result, "operation")
}

// GetByID returns the operation with its person email and ordered actions.
func (r *OperationRepository) GetByID(ctx context.Context, id string) (*models.OperationDetail, error) {
	query := `SELECT ` + operationColumns + `, p.email AS person_email
	FROM provisioning_operations o JOIN persons p ON p.id = o.person_id WHERE o.id = $1`
	var detail models.OperationDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find operation: %w", err)
	}
	actions, err := r.ListActions(ctx, id)
	if err != nil {
		return nil, err
	}
	detail.Actions = actions
	return &detail, nil
}

// ListActions returns the actions of an operation in insertion order.
func (r *OperationRepository) ListActions(ctx context.Context, operationID string) ([]models.ProvisioningAction, error) {
	const query = `SELECT id, operation_id, seq, action_type, application, target_user, status, message, details, executed_at
	FROM provisioning_actions WHERE operation_id = $1 ORDER BY seq ASC`
	actions := make([]models.ProvisioningAction, 0)
	if err := r.db.SelectContext(ctx, &actions, query, operationID); err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return actions, nil
}

// List returns operations matching the filter, newest first.
func (r *OperationRepository) List(ctx context.Context, filter models.OperationFilter) ([]models.OperationDetail, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 4)
	builder.WriteString(`SELECT ` + operationColumns + `, p.email AS person_email
	FROM provisioning_operations o JOIN persons p ON p.id = o.person_id`)

	conditions := make([]string, 0, 3)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("o.status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.PersonID != "" {
		args = append(args, filter.PersonID)
		conditions = append(conditions, fmt.Sprintf("o.person_id = $%d", len(args)))
	}
	if filter.Trigger != "" {
		args = append(args, filter.Trigger)
		conditions = append(conditions, fmt.Sprintf("o.trigger = $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY o.started_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var ops []models.OperationDetail
	if err := r.db.SelectContext(ctx, &ops, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// Stats aggregates dashboard counters. Operations started at or after since count as today's.
func (r *OperationRepository) Stats(ctx context.Context, since time.Time) (*models.ProvisioningStats, error) {
	const query = `SELECT
	  (SELECT COUNT(*) FROM persons) AS total_persons,
	  (SELECT COUNT(*) FROM provisioning_operations WHERE started_at >= $1) AS today_operations,
	  (SELECT COUNT(*) FROM provisioning_operations WHERE status IN ('success', 'partial', 'failed')) AS completed_operations,
	  (SELECT COUNT(*) FROM provisioning_operations WHERE status = 'success') AS successful_operations,
	  (SELECT COUNT(*) FROM provisioning_operations WHERE status = 'failed' AND started_at >= $1) AS critical_failures,
	  (SELECT COUNT(*) FROM provisioning_requests WHERE status = 'pending') AS pending_approvals`
	var stats models.ProvisioningStats
	if err := r.db.GetContext(ctx, &stats, query, since); err != nil {
		return nil, fmt.Errorf("load provisioning stats: %w", err)
	}
	if stats.CompletedOps > 0 {
		stats.SuccessRate = float64(stats.SuccessfulOps) / float64(stats.CompletedOps) * 100
	}
	return &stats, nil
}

func expectAffected(result sql.Result, entity string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check %s update rows: %w", entity, err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
