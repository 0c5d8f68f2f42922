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

func TestIdentityRepositoryUpsertUserActivates(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewIdentityRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO identity_users")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	email := "alice@corp.example"
	user := &models.IdentityUser{Login: "alice", Email: &email}
	require.NoError(t, repo.UpsertUser(context.Background(), user))
	require.True(t, user.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityRepositoryAssignRoleUnknownUser(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewIdentityRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO identity_user_roles")).
		WithArgs("ghost", "auditor", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM identity_users WHERE login = $1")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	err := repo.AssignRole(context.Background(), "ghost", "auditor")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityRepositoryAssignExistingPermissionIsNoop(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewIdentityRepository(db)
	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO identity_user_permissions")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM identity_users WHERE login = $1")).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"login", "email", "full_name", "active", "created_at", "updated_at"}).
			AddRow("alice", nil, nil, true, now, now))

	require.NoError(t, repo.AssignPermission(context.Background(), "alice", "reports:read"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityRepositoryDeleteUserRemovesGrants(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewIdentityRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM identity_user_roles")).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM identity_user_permissions")).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM identity_users")).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.DeleteUser(context.Background(), "alice"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityRepositorySetActiveUnknownUser(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewIdentityRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE identity_users SET active = $2")).
		WithArgs("ghost", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetActive(context.Background(), "ghost", false)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}
