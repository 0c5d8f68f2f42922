package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/aegis-gateway/internal/models"
)

func TestAuditRepositoryCreateAndList(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewAuditRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).WillReturnResult(sqlmock.NewResult(1, 1))

	resourceID := "req-1"
	entry := &models.AuditLog{Action: models.AuditActionRequestCreate, Resource: "provisioning_request", ResourceID: &resourceID}
	require.NoError(t, repo.CreateAuditLog(context.Background(), entry))
	require.NotEmpty(t, entry.ID)

	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_logs WHERE resource = $1 AND resource_id = $2")).
		WithArgs("provisioning_request", "req-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "action", "resource", "resource_id", "old_values", "new_values", "ip_address", "user_agent", "created_at"}).
			AddRow(entry.ID, nil, "REQUEST_CREATE", "provisioning_request", "req-1", nil, []byte(`{}`), "system", "approval-service", time.Now()))

	logs, err := repo.ListByResource(context.Background(), "provisioning_request", "req-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, models.AuditActionRequestCreate, logs[0].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}
