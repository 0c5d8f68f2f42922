package models

import (
	"encoding/json"
	"time"
)

// OperationStatus enumerates provisioning operation states.
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "pending"
	OperationStatusInProgress OperationStatus = "in_progress"
	OperationStatusSuccess    OperationStatus = "success"
	OperationStatusFailed     OperationStatus = "failed"
	OperationStatusPartial    OperationStatus = "partial"
)

// Terminal reports whether the operation can no longer change.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationStatusSuccess, OperationStatusFailed, OperationStatusPartial:
		return true
	}
	return false
}

// ActionStatus enumerates per-application action outcomes.
type ActionStatus string

const (
	ActionStatusPending ActionStatus = "pending"
	ActionStatusSuccess ActionStatus = "success"
	ActionStatusFailed  ActionStatus = "failed"
	ActionStatusSkipped ActionStatus = "skipped"
)

// Action types recorded by the orchestrator.
const (
	ActionTypeDelegation      = "delegation"
	ActionTypeDelegationError = "delegation_error"
)

// Operation triggers.
const (
	TriggerAPI      = "api"
	TriggerSync     = "sync"
	TriggerApproval = "approval_workflow"
	TriggerManual   = "manual"
)

// ProvisioningOperation is one provisioning attempt for a person.
type ProvisioningOperation struct {
	ID                string          `db:"id" json:"id"`
	PersonID          string          `db:"person_id" json:"person_id"`
	Status            OperationStatus `db:"status" json:"status"`
	Trigger           string          `db:"trigger" json:"trigger"`
	DryRun            bool            `db:"dry_run" json:"dry_run"`
	PlannedActions    int             `db:"planned_actions" json:"planned_actions"`
	TotalActions      int             `db:"total_actions" json:"total_actions"`
	SuccessfulActions int             `db:"successful_actions" json:"successful_actions"`
	FailedActions     int             `db:"failed_actions" json:"failed_actions"`
	StartedAt         time.Time       `db:"started_at" json:"started_at"`
	CompletedAt       *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// ProvisioningAction is the outcome of provisioning a person into one application.
type ProvisioningAction struct {
	ID          string          `db:"id" json:"id"`
	OperationID string          `db:"operation_id" json:"operation_id"`
	Seq         int             `db:"seq" json:"seq"`
	ActionType  string          `db:"action_type" json:"action_type"`
	Application string          `db:"application" json:"application"`
	TargetUser  string          `db:"target_user" json:"target_user"`
	Status      ActionStatus    `db:"status" json:"status"`
	Message     string          `db:"message" json:"message"`
	Details     json.RawMessage `db:"details" json:"details,omitempty"`
	ExecutedAt  time.Time       `db:"executed_at" json:"executed_at"`
}

// OperationDetail bundles an operation with its person and ordered actions.
type OperationDetail struct {
	ProvisioningOperation
	PersonEmail string               `db:"person_email" json:"person_email"`
	Actions     []ProvisioningAction `json:"actions"`
	Plan        *ProvisioningPlan    `json:"plan,omitempty"`
}

// OperationFilter constrains operation listing.
type OperationFilter struct {
	Status   []OperationStatus
	PersonID string
	Trigger  string
	Limit    int
	Offset   int
}

// CompleteOperationParams carries the terminal counters of an operation.
type CompleteOperationParams struct {
	ID                string
	Status            OperationStatus
	TotalActions      int
	SuccessfulActions int
	FailedActions     int
	CompletedAt       time.Time
}

// ProvisioningStats summarises the ledger for dashboards.
type ProvisioningStats struct {
	TotalPersons     int     `db:"total_persons" json:"total_persons"`
	TodayOperations  int     `db:"today_operations" json:"today_operations"`
	CompletedOps     int     `db:"completed_operations" json:"completed_operations"`
	SuccessfulOps    int     `db:"successful_operations" json:"successful_operations"`
	CriticalFailures int     `db:"critical_failures" json:"critical_failures"`
	SuccessRate      float64 `db:"-" json:"success_rate"`
	PendingApprovals int     `db:"pending_approvals" json:"pending_approvals"`
}
