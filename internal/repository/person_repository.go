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

const personColumns = `id, email, first_name, last_name, job_title, department, role, status, source,
       created_at, updated_at, last_provisioned_at`

// PersonRepository persists provisioned persons.
type PersonRepository struct {
	db *sqlx.DB
}

// NewPersonRepository constructs the repository.
func NewPersonRepository(db *sqlx.DB) *PersonRepository {
	return &PersonRepository{db: db}
}

// GetOrCreate inserts the person unless the email is already known and returns the stored row.
func (r *PersonRepository) GetOrCreate(ctx context.Context, person *models.Person) (*models.Person, error) {
	if person.ID == "" {
		person.ID = uuid.NewString()
	}
	person.Email = strings.ToLower(strings.TrimSpace(person.Email))
	now := time.Now().UTC()
	if person.CreatedAt.IsZero() {
		person.CreatedAt = now
	}
	person.UpdatedAt = now
	if person.Status == "" {
		person.Status = models.PersonStatusPending
	}
	if person.Source == "" {
		person.Source = models.PersonSourceAPI
	}
	const query = `INSERT INTO persons
	(id, email, first_name, last_name, job_title, department, role, status, source, created_at, updated_at, last_provisioned_at)
	VALUES (:id, :email, :first_name, :last_name, :job_title, :department, :role, :status, :source, :created_at, :updated_at, :last_provisioned_at)
	ON CONFLICT (email) DO NOTHING`
	if _, err := r.db.NamedExecContext(ctx, query, person); err != nil {
		return nil, fmt.Errorf("create person: %w", err)
	}
	return r.GetByEmail(ctx, person.Email)
}

// GetByEmail fetches a person by natural key.
func (r *PersonRepository) GetByEmail(ctx context.Context, email string) (*models.Person, error) {
	query := `SELECT ` + personColumns + ` FROM persons WHERE email = $1`
	var person models.Person
	if err := r.db.GetContext(ctx, &person, query, strings.ToLower(strings.TrimSpace(email))); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find person by email: %w", err)
	}
	return &person, nil
}

// GetByID fetches a person by identifier.
func (r *PersonRepository) GetByID(ctx context.Context, id string) (*models.Person, error) {
	query := `SELECT ` + personColumns + ` FROM persons WHERE id = $1`
	var person models.Person
	if err := r.db.GetContext(ctx, &person, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find person by id: %w", err)
	}
	return &person, nil
}

// MarkProvisioned activates the person and stamps the provisioning time.
func (r *PersonRepository) MarkProvisioned(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE persons SET status = $2, last_provisioned_at = $3, updated_at = $3 WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, models.PersonStatusActive, at)
	if err != nil {
		return fmt.Errorf("mark person provisioned: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check person update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateStatus changes the lifecycle status of the person with the given email.
func (r *PersonRepository) UpdateStatus(ctx context.Context, email string, status models.PersonStatus) error {
	const query = `UPDATE persons SET status = $2, updated_at = $3 WHERE email = $1`
	if _, err := r.db.ExecContext(ctx, query, strings.ToLower(strings.TrimSpace(email)), status, time.Now().UTC()); err != nil {
		return fmt.Errorf("update person status: %w", err)
	}
	return nil
}

// List returns persons matching the filter with the total count.
func (r *PersonRepository) List(ctx context.Context, filter models.PersonFilter) ([]models.Person, int, error) {
	baseQuery := `FROM persons WHERE 1=1`
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Source != "" {
		conditions = append(conditions, fmt.Sprintf("source = $%d", len(args)+1))
		args = append(args, filter.Source)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(LOWER(email) LIKE $%d OR LOWER(first_name || ' ' || last_name) LIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}
	if len(conditions) > 0 {
		baseQuery += " AND " + strings.Join(conditions, " AND ")
	}

	page, pageSize := normalizePage(filter.Page, filter.PageSize)
	offset := (page - 1) * pageSize

	listQuery := fmt.Sprintf("SELECT %s %s ORDER BY created_at DESC LIMIT %d OFFSET %d", personColumns, baseQuery, pageSize, offset)
	var persons []models.Person
	if err := r.db.SelectContext(ctx, &persons, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list persons: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+baseQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count persons: %w", err)
	}
	return persons, total, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
