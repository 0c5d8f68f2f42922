package models

import "time"

// PersonStatus captures the lifecycle of a provisioned identity.
type PersonStatus string

const (
	PersonStatusPending  PersonStatus = "pending"
	PersonStatusActive   PersonStatus = "active"
	PersonStatusDisabled PersonStatus = "disabled"
)

// PersonSource records where the person record originated.
type PersonSource string

const (
	PersonSourceAPI      PersonSource = "api"
	PersonSourceSync     PersonSource = "sync"
	PersonSourceManual   PersonSource = "manual"
	PersonSourceApproval PersonSource = "approval_workflow"
)

// Person is the identity being provisioned. Email is the natural key and rows
// are never hard-deleted.
type Person struct {
	ID                string       `db:"id" json:"id"`
	Email             string       `db:"email" json:"email"`
	FirstName         string       `db:"first_name" json:"first_name"`
	LastName          string       `db:"last_name" json:"last_name"`
	JobTitle          string       `db:"job_title" json:"job_title"`
	Department        *string      `db:"department" json:"department,omitempty"`
	Role              *string      `db:"role" json:"role,omitempty"`
	Status            PersonStatus `db:"status" json:"status"`
	Source            PersonSource `db:"source" json:"source"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at" json:"updated_at"`
	LastProvisionedAt *time.Time   `db:"last_provisioned_at" json:"last_provisioned_at,omitempty"`
}

// PersonInput is the payload accepted for provisioning a person.
type PersonInput struct {
	Email      string       `json:"email" validate:"required,corpemail"`
	FirstName  string       `json:"first_name" validate:"required"`
	LastName   string       `json:"last_name" validate:"required"`
	JobTitle   string       `json:"job_title" validate:"required"`
	Department string       `json:"department,omitempty"`
	Role       string       `json:"role,omitempty"`
	Source     PersonSource `json:"source,omitempty"`
}

// PersonFilter constrains person listing.
type PersonFilter struct {
	Status   PersonStatus
	Source   PersonSource
	Search   string
	Page     int
	PageSize int
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
