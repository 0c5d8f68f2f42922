package models

import "time"

// IdentityUser is an account in the managed identity store.
type IdentityUser struct {
	Login     string    `db:"login" json:"login"`
	Email     *string   `db:"email" json:"email,omitempty"`
	FullName  *string   `db:"full_name" json:"full_name,omitempty"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IdentityGrant is a role or permission assigned to a login.
type IdentityGrant struct {
	Login     string    `db:"login" json:"login"`
	Name      string    `db:"name" json:"name"`
	GrantedAt time.Time `db:"granted_at" json:"granted_at"`
}

// IdentityProfile is a user together with its current grants.
type IdentityProfile struct {
	IdentityUser
	Roles       []IdentityGrant `json:"roles"`
	Permissions []IdentityGrant `json:"permissions"`
}
