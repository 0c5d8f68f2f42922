package models

// Application names understood by the provisioning executor.
const (
	AppSSO           = "SSO"
	AppDirectory     = "Directory"
	AppSourceControl = "SourceControl"
	AppChat          = "Chat"
	AppERP           = "ERP"
	AppCRM           = "CRM"
	AppHR            = "HR"
	AppDatabase      = "Database"
	AppFileShare     = "FileShare"
)

// Role is one entry of the role authority catalog.
type Role struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ProvisioningPlan is the resolved set of target applications for a person.
type ProvisioningPlan struct {
	JobTitle               string   `json:"job_title"`
	MatchedRole            string   `json:"matched_role,omitempty"`
	Applications           []string `json:"applications"`
	TotalActions           int      `json:"total_actions"`
	RequiresManualApproval bool     `json:"requires_manual_approval"`
	Source                 string   `json:"source"`
}
