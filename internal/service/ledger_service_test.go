package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/aegis-gateway/internal/dto"
	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
)

func TestDeriveOperationStatus(t *testing.T) {
	cases := []struct {
		name                   string
		total, success, failed int
		want                   models.OperationStatus
	}{
		{"no actions", 0, 0, 0, models.OperationStatusSuccess},
		{"all succeeded", 3, 3, 0, models.OperationStatusSuccess},
		{"mixed", 3, 2, 1, models.OperationStatusPartial},
		{"all failed", 2, 0, 2, models.OperationStatusFailed},
		{"single delegation error", 1, 0, 1, models.OperationStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveOperationStatus(tc.total, tc.success, tc.failed))
		})
	}
}

func TestLedgerGetOperationNotFound(t *testing.T) {
	svc := NewLedgerService(newOperationStoreStub(), newPersonStoreStub(), nil)

	_, err := svc.GetOperation(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestLedgerGetOperationReturnsActions(t *testing.T) {
	ops := newOperationStoreStub()
	require.NoError(t, ops.Create(context.Background(), &models.ProvisioningOperation{Status: models.OperationStatusPending}))
	require.NoError(t, ops.RecordActions(context.Background(), []models.ProvisioningAction{
		{OperationID: "op-1", Seq: 1, Application: models.AppSSO},
		{OperationID: "op-1", Seq: 2, Application: models.AppChat},
	}))
	svc := NewLedgerService(ops, newPersonStoreStub(), nil)

	detail, err := svc.GetOperation(context.Background(), "op-1")
	require.NoError(t, err)
	require.Len(t, detail.Actions, 2)
	require.Equal(t, models.AppChat, detail.Actions[1].Application)
}

func TestLedgerListPersonsPagination(t *testing.T) {
	persons := newPersonStoreStub()
	_, err := persons.GetOrCreate(context.Background(), &models.Person{Email: "alice@corp.example"})
	require.NoError(t, err)
	svc := NewLedgerService(newOperationStoreStub(), persons, nil)

	list, pagination, err := svc.ListPersons(context.Background(), dto.PersonQuery{Status: models.PersonStatusActive, PageSize: 500})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 1, pagination.Page)
	require.Equal(t, 20, pagination.PageSize)
	require.Equal(t, 1, pagination.TotalCount)
	require.Equal(t, models.PersonStatusActive, persons.listed.Status)
}

func TestLedgerStatsSinceStartOfDay(t *testing.T) {
	ops := newOperationStoreStub()
	ops.stats = &models.ProvisioningStats{TotalPersons: 4, CompletedOps: 4, SuccessfulOps: 3, SuccessRate: 75}
	svc := NewLedgerService(ops, newPersonStoreStub(), nil)
	svc.now = func() time.Time { return time.Date(2024, 5, 2, 15, 30, 0, 0, time.UTC) }

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 75.0, stats.SuccessRate)
	require.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), ops.statsSince)
}

func TestLedgerExportOperation(t *testing.T) {
	ops := newOperationStoreStub()
	require.NoError(t, ops.Create(context.Background(), &models.ProvisioningOperation{Status: models.OperationStatusPending, Trigger: models.TriggerAPI}))
	require.NoError(t, ops.RecordActions(context.Background(), []models.ProvisioningAction{
		{OperationID: "op-1", Seq: 1, ActionType: models.ActionTypeDelegation, Application: models.AppSSO, Status: models.ActionStatusSuccess},
		{OperationID: "op-1", Seq: 2, ActionType: models.ActionTypeDelegation, Application: models.AppChat, Status: models.ActionStatusFailed, Message: "Role not found for alice"},
	}))
	svc := NewLedgerService(ops, newPersonStoreStub(), nil)

	csvOut, contentType, err := svc.ExportOperation(context.Background(), "op-1", "")
	require.NoError(t, err)
	require.Equal(t, "text/csv", contentType)
	lines := strings.Split(strings.TrimSpace(string(csvOut)), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "seq,application,type,status,target,message,executed_at", lines[0])
	require.True(t, strings.HasPrefix(lines[2], "2,Chat,delegation,failed,,Role not found for alice,"))

	pdfOut, contentType, err := svc.ExportOperation(context.Background(), "op-1", ReportFormatPDF)
	require.NoError(t, err)
	require.Equal(t, "application/pdf", contentType)
	require.True(t, strings.HasPrefix(string(pdfOut), "%PDF-"))

	_, _, err = svc.ExportOperation(context.Background(), "op-1", "xlsx")
	require.True(t, errors.Is(err, appErrors.ErrValidation))

	_, _, err = svc.ExportOperation(context.Background(), "missing", ReportFormatCSV)
	require.True(t, errors.Is(err, appErrors.ErrNotFound))
}
