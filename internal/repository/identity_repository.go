package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/aegis-gateway/internal/models"
)

const (
	roleGrantTable       = "identity_user_roles"
	permissionGrantTable = "identity_user_permissions"
)

// IdentityRepository manages accounts and grants in the identity store.
type IdentityRepository struct {
	db *sqlx.DB
}

// NewIdentityRepository constructs the repository.
func NewIdentityRepository(db *sqlx.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// UpsertUser creates the account or refreshes its profile and re-activates it.
func (r *IdentityRepository) UpsertUser(ctx context.Context, user *models.IdentityUser) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	user.Active = true
	const query = `INSERT INTO identity_users (login, email, full_name, active, created_at, updated_at)
VALUES (:login, :email, :full_name, :active, :created_at, :updated_at)
ON CONFLICT (login)
DO UPDATE SET email = COALESCE(EXCLUDED.email, identity_users.email),
              full_name = COALESCE(EXCLUDED.full_name, identity_users.full_name),
              active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		return fmt.Errorf("upsert identity user: %w", err)
	}
	return nil
}

// GetUser fetches an account by login.
func (r *IdentityRepository) GetUser(ctx context.Context, login string) (*models.IdentityUser, error) {
	const query = `SELECT login, email, full_name, active, created_at, updated_at FROM identity_users WHERE login = $1`
	var user models.IdentityUser
	if err := r.db.GetContext(ctx, &user, query, login); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find identity user: %w", err)
	}
	return &user, nil
}

// UpdateUser changes the provided profile fields. sql.ErrNoRows means the login is unknown.
func (r *IdentityRepository) UpdateUser(ctx context.Context, login string, email, fullName *string, active *bool) error {
	setParts := []string{"updated_at = :updated_at"}
	args := map[string]interface{}{"login": login, "updated_at": time.Now().UTC()}
	if email != nil {
		setParts = append(setParts, "email = :email")
		args["email"] = *email
	}
	if fullName != nil {
		setParts = append(setParts, "full_name = :full_name")
		args["full_name"] = *fullName
	}
	if active != nil {
		setParts = append(setParts, "active = :active")
		args["active"] = *active
	}
	query := fmt.Sprintf("UPDATE identity_users SET %s WHERE login = :login", strings.Join(setParts, ", "))
	result, err := r.db.NamedExecContext(ctx, query, args)
	if err != nil {
		return fmt.Errorf("update identity user: %w", err)
	}
	return expectAffected(result, "identity user")
}

// SetActive enables or disables an account.
func (r *IdentityRepository) SetActive(ctx context.Context, login string, active bool) error {
	const query = `UPDATE identity_users SET active = $2, updated_at = $3 WHERE login = $1`
	result, err := r.db.ExecContext(ctx, query, login, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set identity user active: %w", err)
	}
	return expectAffected(result, "identity user")
}

// DeleteUser removes the account together with its grants.
func (r *IdentityRepository) DeleteUser(ctx context.Context, login string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin identity delete tx: %w", err)
	}
	for _, table := range []string{roleGrantTable, permissionGrantTable} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE login = $1", table), login); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete identity grants: %w", err)
		}
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM identity_users WHERE login = $1`, login)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete identity user: %w", err)
	}
	if err := expectAffected(result, "identity user"); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit identity delete tx: %w", err)
	}
	return nil
}

// AssignRole grants a role. Granting an existing role is a no-op.
func (r *IdentityRepository) AssignRole(ctx context.Context, login, role string) error {
	return r.grant(ctx, roleGrantTable, login, role)
}

// RevokeRole removes a role grant.
func (r *IdentityRepository) RevokeRole(ctx context.Context, login, role string) error {
	return r.revoke(ctx, roleGrantTable, login, role)
}

// AssignPermission grants a permission. Granting an existing permission is a no-op.
func (r *IdentityRepository) AssignPermission(ctx context.Context, login, permission string) error {
	return r.grant(ctx, permissionGrantTable, login, permission)
}

// RevokePermission removes a permission grant.
func (r *IdentityRepository) RevokePermission(ctx context.Context, login, permission string) error {
	return r.revoke(ctx, permissionGrantTable, login, permission)
}

// ListRoles returns the roles granted to a login.
func (r *IdentityRepository) ListRoles(ctx context.Context, login string) ([]models.IdentityGrant, error) {
	return r.list(ctx, roleGrantTable, login)
}

// ListPermissions returns the permissions granted to a login.
func (r *IdentityRepository) ListPermissions(ctx context.Context, login string) ([]models.IdentityGrant, error) {
	return r.list(ctx, permissionGrantTable, login)
}

func (r *IdentityRepository) grant(ctx context.Context, table, login, name string) error {
	query := fmt.Sprintf(`INSERT INTO %s (login, name, granted_at)
SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM identity_users WHERE login = $1)
ON CONFLICT (login, name) DO NOTHING`, table)
	result, err := r.db.ExecContext(ctx, query, login, name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("grant %s: %w", table, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check %s grant rows: %w", table, err)
	}
	if rows == 0 {
		if _, err := r.GetUser(ctx, login); err != nil {
			return err
		}
	}
	return nil
}

func (r *IdentityRepository) revoke(ctx context.Context, table, login, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE login = $1 AND name = $2`, table)
	if _, err := r.db.ExecContext(ctx, query, login, name); err != nil {
		return fmt.Errorf("revoke %s: %w", table, err)
	}
	return nil
}

func (r *IdentityRepository) list(ctx context.Context, table, login string) ([]models.IdentityGrant, error) {
	query := fmt.Sprintf(`SELECT login, name, granted_at FROM %s WHERE login = $1 ORDER BY name`, table)
	grants := make([]models.IdentityGrant, 0)
	if err := r.db.SelectContext(ctx, &grants, query, login); err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	return grants, nil
}
