package models

import (
	"encoding/json"
	"time"
)

// RequestType enumerates identity changes that can be requested.
type RequestType string

const (
	RequestTypeCreateUser       RequestType = "create_user"
	RequestTypeUpdateUser       RequestType = "update_user"
	RequestTypeDeleteUser       RequestType = "delete_user"
	RequestTypeAssignRole       RequestType = "assign_role"
	RequestTypeRevokeRole       RequestType = "revoke_role"
	RequestTypeAssignPermission RequestType = "assign_permission"
	RequestTypeRevokePermission RequestType = "revoke_permission"
)

// Valid reports whether the request type is known.
func (t RequestType) Valid() bool {
	switch t {
	case RequestTypeCreateUser, RequestTypeUpdateUser, RequestTypeDeleteUser,
		RequestTypeAssignRole, RequestTypeRevokeRole,
		RequestTypeAssignPermission, RequestTypeRevokePermission:
		return true
	}
	return false
}

// RequestKind separates pre-provision approvals from post-provision reviews.
type RequestKind string

const (
	RequestKindPreProvision RequestKind = "pre_provision"
	RequestKindReview       RequestKind = "post_provision_review"
)

// RequestStatus captures workflow states for provisioning requests.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusApproved  RequestStatus = "approved"
	RequestStatusRejected  RequestStatus = "rejected"
	RequestStatusCompleted RequestStatus = "completed"
	RequestStatusCancelled RequestStatus = "cancelled"
	RequestStatusFailed    RequestStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestStatusRejected, RequestStatusCompleted, RequestStatusCancelled, RequestStatusFailed:
		return true
	}
	return false
}

// ApprovalLevel is the kind of approver deciding a step.
type ApprovalLevel string

const (
	ApprovalLevelNone     ApprovalLevel = "none"
	ApprovalLevelManager  ApprovalLevel = "manager"
	ApprovalLevelDeptHead ApprovalLevel = "dept_head"
	ApprovalLevelAppOwner ApprovalLevel = "app_owner"
	ApprovalLevelSecurity ApprovalLevel = "security"
)

// Valid reports whether the level is known.
func (l ApprovalLevel) Valid() bool {
	switch l {
	case ApprovalLevelNone, ApprovalLevelManager, ApprovalLevelDeptHead, ApprovalLevelAppOwner, ApprovalLevelSecurity:
		return true
	}
	return false
}

// StepStatus is the decision state of one approval step.
type StepStatus string

const (
	StepStatusPending  StepStatus = "pending"
	StepStatusApproved StepStatus = "approved"
	StepStatusRejected StepStatus = "rejected"
)

// ProvisioningRequest is a requested identity change awaiting approval.
type ProvisioningRequest struct {
	ID             string          `db:"id" json:"id"`
	Kind           RequestKind     `db:"kind" json:"kind"`
	RequestType    RequestType     `db:"request_type" json:"request_type"`
	TargetLogin    string          `db:"target_login" json:"target_login"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Status         RequestStatus   `db:"status" json:"status"`
	Requester      string          `db:"requester" json:"requester"`
	Justification  string          `db:"justification" json:"justification"`
	WorkflowID     *string         `db:"workflow_id" json:"workflow_id,omitempty"`
	LastError      *string         `db:"last_error" json:"last_error,omitempty"`
	FailedStep     *string         `db:"failed_step" json:"failed_step,omitempty"`
	ApplyStartedAt *time.Time      `db:"apply_started_at" json:"apply_started_at,omitempty"`
	Version        int             `db:"version" json:"version"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	Steps          []ApprovalStep  `db:"-" json:"approval_steps"`
}

// ApprovalStep is one ordered link of an approval chain.
type ApprovalStep struct {
	RequestID     string        `db:"request_id" json:"request_id"`
	StepOrder     int           `db:"step_order" json:"step_order"`
	ApproverType  ApprovalLevel `db:"approver_type" json:"approver_type"`
	ApproverLogin *string       `db:"approver_login" json:"approver_login,omitempty"`
	ApproverEmail *string       `db:"approver_email" json:"approver_email,omitempty"`
	Required      bool          `db:"required" json:"required"`
	Status        StepStatus    `db:"status" json:"status"`
	DecisionAt    *time.Time    `db:"decision_at" json:"decision_at,omitempty"`
	Comment       *string       `db:"comment" json:"comment,omitempty"`
}

// RequestFilter constrains request listing.
type RequestFilter struct {
	Status      []RequestStatus
	RequestType RequestType
	Kind        RequestKind
	TargetLogin string
	Requester   string
	Page        int
	PageSize    int
}

// UpdateRequestStatusParams describes a guarded status transition.
type UpdateRequestStatusParams struct {
	ID          string
	From        []RequestStatus
	Status      RequestStatus
	LastError   *string
	FailedStep  *string
	WorkflowID  *string
	CompletedAt *time.Time
}

// ActionResult is the outcome of applying an identity command.
type ActionResult struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	OperationID string `json:"operation_id,omitempty"`
}
