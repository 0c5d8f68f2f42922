package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/aegis-gateway/internal/dto"
	"github.com/noah-isme/aegis-gateway/internal/integration"
	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
)

type personStoreStub struct {
	byEmail     map[string]*models.Person
	provisioned []string
	statuses    map[string]models.PersonStatus
	listed      models.PersonFilter
	createErr   error
}

func newPersonStoreStub() *personStoreStub {
	return &personStoreStub{byEmail: map[string]*models.Person{}, statuses: map[string]models.PersonStatus{}}
}

func (p *personStoreStub) GetOrCreate(ctx context.Context, person *models.Person) (*models.Person, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	key := strings.ToLower(person.Email)
	if existing, ok := p.byEmail[key]; ok {
		return existing, nil
	}
	stored := *person
	stored.ID = "person-" + key
	p.byEmail[key] = &stored
	return &stored, nil
}

func (p *personStoreStub) MarkProvisioned(ctx context.Context, id string, at time.Time) error {
	p.provisioned = append(p.provisioned, id)
	return nil
}

func (p *personStoreStub) UpdateStatus(ctx context.Context, email string, status models.PersonStatus) error {
	if _, ok := p.byEmail[strings.ToLower(email)]; !ok {
		return sql.ErrNoRows
	}
	p.statuses[strings.ToLower(email)] = status
	return nil
}

func (p *personStoreStub) List(ctx context.Context, filter models.PersonFilter) ([]models.Person, int, error) {
	p.listed = filter
	persons := make([]models.Person, 0, len(p.byEmail))
	for _, person := range p.byEmail {
		persons = append(persons, *person)
	}
	return persons, len(persons), nil
}

type operationStoreStub struct {
	ops        map[string]*models.ProvisioningOperation
	actions    map[string][]models.ProvisioningAction
	completed  []models.CompleteOperationParams
	stats      *models.ProvisioningStats
	statsSince time.Time
	seq        int
	recordErr  error
}

func newOperationStoreStub() *operationStoreStub {
	return &operationStoreStub{ops: map[string]*models.ProvisioningOperation{}, actions: map[string][]models.ProvisioningAction{}}
}

func (o *operationStoreStub) Create(ctx context.Context, op *models.ProvisioningOperation) error {
	o.seq++
	op.ID = fmt.Sprintf("op-%d", o.seq)
	stored := *op
	o.ops[op.ID] = &stored
	return nil
}

func (o *operationStoreStub) MarkInProgress(ctx context.Context, id string) error {
	op, ok := o.ops[id]
	if !ok || op.Status != models.OperationStatusPending {
		return sql.ErrNoRows
	}
	op.Status = models.OperationStatusInProgress
	return nil
}

func (o *operationStoreStub) RecordActions(ctx context.Context, actions []models.ProvisioningAction) error {
	if o.recordErr != nil {
		return o.recordErr
	}
	for _, action := range actions {
		o.actions[action.OperationID] = append(o.actions[action.OperationID], action)
	}
	return nil
}

func (o *operationStoreStub) Complete(ctx context.Context, params models.CompleteOperationParams) error {
	if params.TotalActions != params.SuccessfulActions+params.FailedActions {
		return errors.New("counters do not add up")
	}
	op, ok := o.ops[params.ID]
	if !ok || op.Status.Terminal() {
		return sql.ErrNoRows
	}
	op.Status = params.Status
	op.TotalActions = params.TotalActions
	op.SuccessfulActions = params.SuccessfulActions
	op.FailedActions = params.FailedActions
	completedAt := params.CompletedAt
	op.CompletedAt = &completedAt
	o.completed = append(o.completed, params)
	return nil
}

func (o *operationStoreStub) GetByID(ctx context.Context, id string) (*models.OperationDetail, error) {
	op, ok := o.ops[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &models.OperationDetail{ProvisioningOperation: *op, Actions: o.actions[id]}, nil
}

func (o *operationStoreStub) List(ctx context.Context, filter models.OperationFilter) ([]models.OperationDetail, error) {
	details := make([]models.OperationDetail, 0, len(o.ops))
	for _, op := range o.ops {
		details = append(details, models.OperationDetail{ProvisioningOperation: *op})
	}
	return details, nil
}

func (o *operationStoreStub) Stats(ctx context.Context, since time.Time) (*models.ProvisioningStats, error) {
	o.statsSince = since
	if o.stats == nil {
		return &models.ProvisioningStats{}, nil
	}
	return o.stats, nil
}

type executorStub struct {
	name   string
	result *integration.ProvisionResult
	err    error
	calls  int
	apps   []string
	person integration.ExecutorPerson
}

func (e *executorStub) Name() string { return e.name }

func (e *executorStub) Provision(ctx context.Context, person integration.ExecutorPerson, applications []string) (*integration.ProvisionResult, error) {
	e.calls++
	e.apps = applications
	e.person = person
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

type roleSourceStub struct {
	roles []models.Role
	err   error
	calls int
}

func (r *roleSourceStub) ListRoles(ctx context.Context) ([]models.Role, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.roles, nil
}

type auditStub struct {
	logs []*models.AuditLog
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func aliceInput() models.PersonInput {
	return models.PersonInput{
		Email:     "alice@corp.example",
		FirstName: "Alice",
		LastName:  "Martin",
		JobTitle:  "Developer",
	}
}

func newProvisioningFixture(executor *executorStub) (*ProvisioningService, *personStoreStub, *operationStoreStub, *auditStub) {
	persons := newPersonStoreStub()
	operations := newOperationStoreStub()
	audit := &auditStub{}
	plans := NewPlanResolver(&roleSourceStub{roles: []models.Role{{Name: "Developer", Description: "Software engineering"}}}, time.Minute, nil)
	svc := NewProvisioningService(persons, operations, executor, plans, nil, WithProvisioningAudit(audit))
	return svc, persons, operations, audit
}

func TestProvisionPersonDeveloperScenario(t *testing.T) {
	executor := &executorStub{name: "IdentityPlatform", result: &integration.ProvisionResult{
		Success:    true,
		ExternalID: "ext-1",
		Outcomes: []integration.ApplicationOutcome{
			{Application: models.AppSSO, Outcome: integration.OutcomeSuccess, Detail: "created"},
			{Application: models.AppSourceControl, Outcome: integration.OutcomeSuccess, Detail: "created"},
			{Application: models.AppChat, Outcome: integration.OutcomeSuccess, Detail: "created"},
		},
	}}
	svc, persons, operations, audit := newProvisioningFixture(executor)

	detail, err := svc.ProvisionPerson(context.Background(), dto.ProvisionRequest{Person: aliceInput()})
	require.NoError(t, err)
	require.Equal(t, []string{models.AppSSO, models.AppSourceControl, models.AppChat}, executor.apps)
	require.Equal(t, models.OperationStatusSuccess, detail.Status)
	require.Equal(t, 3, detail.TotalActions)
	require.Equal(t, 3, detail.SuccessfulActions)
	require.Equal(t, 0, detail.FailedActions)
	require.Len(t, detail.Actions, 3)
	for i, action := range detail.Actions {
		assert.Equal(t, i+1, action.Seq)
		assert.Equal(t, models.ActionStatusSuccess, action.Status)
		assert.Equal(t, "alice@corp.example", action.TargetUser)
	}
	require.Len(t, operations.actions[detail.ID], 3)
	require.Equal(t, []string{"person-alice@corp.example"}, persons.provisioned)
	require.Len(t, audit.logs, 1)
	require.Equal(t, models.AuditActionProvision, audit.logs[0].Action)
	require.Equal(t, "Alice", executor.person.FirstName)
}

func TestProvisionPartialWithUnnamedOutcomes(t *testing.T) {
	executor := &executorStub{name: "MidPoint", result: &integration.ProvisionResult{
		Success: true,
		Outcomes: []integration.ApplicationOutcome{
			{Outcome: integration.OutcomeSuccess, Detail: "Success"},
			{Outcome: integration.OutcomeSuccess, Detail: "Success"},
			{Outcome: integration.OutcomeFailure, Detail: "Role not found for X"},
		},
	}}
	svc, _, operations, _ := newProvisioningFixture(executor)

	detail, err := svc.ProvisionPerson(context.Background(), dto.ProvisionRequest{Person: aliceInput()})
	require.NoError(t, err)
	require.Equal(t, models.OperationStatusPartial, detail.Status)
	require.Equal(t, 2, detail.SuccessfulActions)
	require.Equal(t, 1, detail.FailedActions)
	require.Equal(t, 3, detail.TotalActions)
	require.Equal(t, "MidPoint", detail.Actions[0].Application)
	require.Equal(t, models.ActionStatusFailed, detail.Actions[2].Status)

	last := operations.completed[len(operations.completed)-1]
	require.Equal(t, last.TotalActions, last.SuccessfulActions+last.FailedActions)
}

func TestProvisionSkippedOutcomesAreNotCounted(t *testing.T) {
	executor := &executorStub{name: "IdentityPlatform", result: &integration.ProvisionResult{
		Success: true,
		Outcomes: []integration.ApplicationOutcome{
			{Application: models.AppSSO, Outcome: integration.OutcomeSuccess},
			{Application: models.AppChat, Outcome: integration.OutcomeSkipped},
		},
	}}
	svc, _, _, _ := newProvisioningFixture(executor)

	detail, err := svc.ProvisionPerson(context.Background(), dto.ProvisionRequest{Person: aliceInput()})
	require.NoError(t, err)
	require.Len(t, detail.Actions, 2)
	require.Equal(t, models.ActionStatusSkipped, detail.Actions[1].Status)
	require.Equal(t, 1, detail.TotalActions)
	require.Equal(t, models.OperationStatusSuccess, detail.Status)
}

func TestProvisionDryRunRecordsNoActions(t *testing.T) {
	executor := &executorStub{name: "IdentityPlatform"}
	svc, persons, operations, _ := newProvisioningFixture(executor)

	detail, err := svc.ProvisionPerson(context.Background(), dto.ProvisionRequest{Person: aliceInput(), DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 0, executor.calls)
	require.Equal(t, models.OperationStatusSuccess, detail.Status)
	require.Empty(t, detail.Actions)
	require.Empty(t, operations.actions)
	require.Equal(t, 3, detail.PlannedActions)
	require.Equal(t, 0, detail.TotalActions)
	require.True(t, detail.DryRun)
	require.Empty(t, persons.provisioned)
}

func TestProvisionExecutorFailureRecordsDelegationError(t *testing.T) {
	executor := &executorStub{name: "IdentityPlatform", err: errors.New("context deadline exceeded")}
	svc, persons, operations, _ := newProvisioningFixture(executor)

	detail, err := svc.ProvisionPerson(context.Background(), dto.ProvisionRequest{Person: aliceInput()})
	require.Error(t, err)
	require.True(t, errors.Is(err, appErrors.ErrExecutor))
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.StepDelegation, appErr.Step)

	require.NotNil(t, detail)
	require.Equal(t, models.OperationStatusFailed, detail.Status)
	require.Equal(t, 1, detail.TotalActions)
	require.Equal(t, 1, detail.FailedActions)
	require.Len(t, operations.actions[detail.ID], 1)
	action := operations.actions[detail.ID][0]
	require.Equal(t, models.ActionTypeDelegationError, action.ActionType)
	require.Equal(t, models.ActionStatusFailed, action.Status)
	require.Equal(t, "IdentityPlatform", action.Application)
	require.Equal(t, 1, executor.calls)
	require.Empty(t, persons.provisioned)
}

func TestProvisionClosesOperationWhenActionsCannotBeStored(t *testing.T) {
	executor := &executorStub{name: "IdentityPlatform", result: &integration.ProvisionResult{
		Success:  true,
		Outcomes: []integration.ApplicationOutcome{{Application: models.AppSSO, Outcome: integration.OutcomeSuccess}},
	}}
	svc, persons, operations, _ := newProvisioningFixture(executor)
	operations.recordErr = errors.New("connection reset")

	detail, err := svc.ProvisionPerson(context.Background(), dto.ProvisionRequest{Person: aliceInput()})
	require.Error(t, err)
	require.Nil(t, detail)
	require.Len(t, operations.ops, 1)
	for _, op := range operations.ops {
		require.Equal(t, models.OperationStatusFailed, op.Status)
		require.NotNil(t, op.CompletedAt)
	}
	require.Empty(t, persons.provisioned)
}

func TestProvisionRejectsInvalidPerson(t *testing.T) {
	executor := &executorStub{name: "IdentityPlatform"}
	svc, _, operations, _ := newProvisioningFixture(executor)

	input := aliceInput()
	input.Email = "alice@localhost"
	_, err := svc.ProvisionPerson(context.Background(), dto.ProvisionRequest{Person: input})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	require.Equal(t, appErrors.StepValidation, appErr.Step)
	require.Contains(t, appErr.Message, "email")
	require.Empty(t, operations.ops)
	require.Equal(t, 0, executor.calls)
}

func TestProvisionAppliesApplicationFilter(t *testing.T) {
	executor := &executorStub{name: "IdentityPlatform", result: &integration.ProvisionResult{
		Success:  true,
		Outcomes: []integration.ApplicationOutcome{{Application: models.AppChat, Outcome: integration.OutcomeSuccess}},
	}}
	svc, _, _, _ := newProvisioningFixture(executor)

	detail, err := svc.ProvisionPerson(context.Background(), dto.ProvisionRequest{Person: aliceInput(), Applications: []string{"chat"}})
	require.NoError(t, err)
	require.Equal(t, []string{models.AppChat}, executor.apps)
	require.Equal(t, 1, detail.PlannedActions)
}

func TestProvisionEmptyOutcomesIsVacuousSuccess(t *testing.T) {
	executor := &executorStub{name: "IdentityPlatform", result: &integration.ProvisionResult{Success: true}}
	svc, _, _, _ := newProvisioningFixture(executor)

	detail, err := svc.ProvisionPerson(context.Background(), dto.ProvisionRequest{Person: aliceInput()})
	require.NoError(t, err)
	require.Equal(t, models.OperationStatusSuccess, detail.Status)
	require.Equal(t, 0, detail.TotalActions)
}

func (a *auditStub) ListByResource(ctx context.Context, resource, resourceID string, limit int) ([]models.AuditLog, error) {
	out := make([]models.AuditLog, 0)
	for i := len(a.logs) - 1; i >= 0; i-- {
		log := a.logs[i]
		if log.Resource == resource && log.ResourceID != nil && *log.ResourceID == resourceID {
			out = append(out, *log)
		}
	}
	return out, nil
}
