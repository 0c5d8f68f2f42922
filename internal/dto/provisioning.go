package dto

import "github.com/noah-isme/aegis-gateway/internal/models"

// ProvisionRequest payload for provisioning a person into downstream applications.
type ProvisionRequest struct {
	Person       models.PersonInput `json:"person"`
	Applications []string           `json:"applications,omitempty"`
	DryRun       bool               `json:"dry_run"`
	Trigger      string             `json:"trigger,omitempty"`
}

// PlanPreviewRequest resolves a plan without provisioning.
type PlanPreviewRequest struct {
	JobTitle     string   `json:"job_title" validate:"required"`
	Applications []string `json:"applications,omitempty"`
}

// OperationQuery mirrors supported operation listing filters.
type OperationQuery struct {
	Status   []models.OperationStatus
	PersonID string
	Trigger  string
	Limit    int
	Offset   int
}

// PersonQuery mirrors supported person listing filters.
type PersonQuery struct {
	Status   models.PersonStatus
	Source   models.PersonSource
	Search   string
	Page     int
	PageSize int
}
