package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/aegis-gateway/internal/models"
)

var operationRowColumns = []string{"id", "person_id", "status", "trigger", "dry_run", "planned_actions", "total_actions", "successful_actions", "failed_actions", "started_at", "completed_at", "person_email"}

func TestOperationRepositoryCreateDefaults(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewOperationRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO provisioning_operations")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	op := &models.ProvisioningOperation{PersonID: "person-1", Trigger: models.TriggerAPI, PlannedActions: 3, TotalActions: 3}
	require.NoError(t, repo.Create(context.Background(), op))
	require.NotEmpty(t, op.ID)
	require.Equal(t, models.OperationStatusPending, op.Status)
	require.False(t, op.StartedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOperationRepositoryRecordActionsInTransaction(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewOperationRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO provisioning_actions")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO provisioning_actions")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	actions := []models.ProvisioningAction{
		{OperationID: "op-1", Seq: 1, ActionType: models.ActionTypeDelegation, Application: models.AppSSO, Status: models.ActionStatusSuccess},
		{OperationID: "op-1", Seq: 2, ActionType: models.ActionTypeDelegation, Application: models.AppChat, Status: models.ActionStatusFailed},
	}
	require.NoError(t, repo.RecordActions(context.Background(), actions))
	require.NotEmpty(t, actions[0].ID)
	require.JSONEq(t, `{}`, string(actions[1].Details))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOperationRepositoryCompleteGuardsCounters(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewOperationRepository(db)
	err := repo.Complete(context.Background(), models.CompleteOperationParams{
		ID: "op-1", Status: models.OperationStatusPartial, TotalActions: 3, SuccessfulActions: 2, FailedActions: 0,
	})
	require.Error(t, err)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE provisioning_operations")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Complete(context.Background(), models.CompleteOperationParams{
		ID: "op-1", Status: models.OperationStatusPartial, TotalActions: 3, SuccessfulActions: 2, FailedActions: 1, CompletedAt: time.Now(),
	}))

	mock.ExpectExec(regexp.QuoteMeta("status IN ('pending', 'in_progress')")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = repo.Complete(context.Background(), models.CompleteOperationParams{
		ID: "op-1", Status: models.OperationStatusSuccess, TotalActions: 1, SuccessfulActions: 1, CompletedAt: time.Now(),
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOperationRepositoryGetByIDOrdersActions(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewOperationRepository(db)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM provisioning_operations o JOIN persons p")).
		WithArgs("op-1").
		WillReturnRows(sqlmock.NewRows(operationRowColumns).
			AddRow("op-1", "person-1", "partial", "api", false, 3, 3, 2, 1, now, now, "alice@corp.example"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM provisioning_actions WHERE operation_id = $1 ORDER BY seq ASC")).
		WithArgs("op-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "operation_id", "seq", "action_type", "application", "target_user", "status", "message", "details", "executed_at"}).
			AddRow("a-1", "op-1", 1, "delegation", "SSO", "alice@corp.example", "success", "Success", []byte(`{}`), now).
			AddRow("a-2", "op-1", 2, "delegation", "SourceControl", "alice@corp.example", "success", "Success", []byte(`{}`), now).
			AddRow("a-3", "op-1", 3, "delegation", "Chat", "alice@corp.example", "failed", "Role not found for X", []byte(`{}`), now))

	detail, err := repo.GetByID(context.Background(), "op-1")
	require.NoError(t, err)
	require.Equal(t, models.OperationStatusPartial, detail.Status)
	require.Equal(t, "alice@corp.example", detail.PersonEmail)
	require.Len(t, detail.Actions, 3)
	require.Equal(t, "Chat", detail.Actions[2].Application)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOperationRepositoryStatsComputesSuccessRate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewOperationRepository(db)
	since := time.Now().Truncate(24 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("AS total_persons")).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"total_persons", "today_operations", "completed_operations", "successful_operations", "critical_failures", "pending_approvals"}).
			AddRow(12, 4, 8, 6, 1, 2))

	stats, err := repo.Stats(context.Background(), since)
	require.NoError(t, err)
	require.Equal(t, 12, stats.TotalPersons)
	require.InDelta(t, 75.0, stats.SuccessRate, 0.001)
	require.NoError(t, mock.ExpectationsWereMet())
}
