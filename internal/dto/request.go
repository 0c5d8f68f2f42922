package dto

import (
	"encoding/json"

	"github.com/noah-isme/aegis-gateway/internal/models"
)

// CreateProvisioningRequest payload for requesting an approved identity change.
type CreateProvisioningRequest struct {
	RequestType   models.RequestType     `json:"request_type" validate:"required"`
	TargetLogin   string                 `json:"target_login" validate:"required"`
	Payload       json.RawMessage        `json:"payload"`
	ApprovalChain []models.ApprovalLevel `json:"approval_chain"`
	Approvers     map[string]string      `json:"approvers,omitempty"`
	Justification string                 `json:"justification"`
}

// CreateReviewRequest asks an application owner to review a completed provisioning.
type CreateReviewRequest struct {
	TargetLogin   string          `json:"target_login" validate:"required"`
	Payload       json.RawMessage `json:"payload"`
	Reviewer      string          `json:"reviewer,omitempty"`
	Justification string          `json:"justification"`
}

// ApprovalCallback is delivered by the dispatcher when an approver decides a step.
type ApprovalCallback struct {
	RequestID     string            `json:"requestId" validate:"required"`
	StepOrder     int               `json:"stepOrder" validate:"required,min=1"`
	Decision      models.StepStatus `json:"decision" validate:"required,oneof=approved rejected"`
	ApproverLogin string            `json:"approverLogin"`
	Comment       string            `json:"comment,omitempty"`
}

// ReviewCallback is delivered by the dispatcher when a reviewer decides.
type ReviewCallback struct {
	RequestID string `json:"requestId" binding:"required" validate:"required"`
	Approved  *bool  `json:"approved" binding:"required" validate:"required"`
	Reviewer  string `json:"reviewer"`
	Comment   string `json:"comment,omitempty"`
}

// CallbackResponse is returned to the dispatcher for every accepted callback.
type CallbackResponse struct {
	Success bool                 `json:"success"`
	Status  models.RequestStatus `json:"status"`
}

// RequestQuery mirrors supported request listing filters.
type RequestQuery struct {
	Status      []models.RequestStatus
	RequestType models.RequestType
	Kind        models.RequestKind
	TargetLogin string
	Requester   string
	Page        int
	PageSize    int
}

// CreateUserPayload is the payload carried by create_user requests.
type CreateUserPayload struct {
	Email        string   `json:"email"`
	FullName     string   `json:"full_name,omitempty"`
	FirstName    string   `json:"first_name,omitempty"`
	LastName     string   `json:"last_name,omitempty"`
	JobTitle     string   `json:"job_title,omitempty"`
	Department   string   `json:"department,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
	Provision    bool     `json:"provision,omitempty"`
	Applications []string `json:"applications,omitempty"`
}

// UpdateUserPayload is the payload carried by update_user requests.
type UpdateUserPayload struct {
	Email    *string `json:"email,omitempty"`
	FullName *string `json:"full_name,omitempty"`
	Active   *bool   `json:"active,omitempty"`
}

// GrantPayload is the payload carried by role and permission requests.
type GrantPayload struct {
	Role       string `json:"role,omitempty"`
	Permission string `json:"permission,omitempty"`
}
