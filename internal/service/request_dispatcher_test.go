package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/aegis-gateway/internal/dto"
	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
)

type identityStoreStub struct {
	users       map[string]*models.IdentityUser
	roles       map[string][]string
	permissions map[string][]string
	setActive   error
	calls       []string
}

func newIdentityStoreStub() *identityStoreStub {
	return &identityStoreStub{
		users:       map[string]*models.IdentityUser{},
		roles:       map[string][]string{},
		permissions: map[string][]string{},
	}
}

func (s *identityStoreStub) UpsertUser(ctx context.Context, user *models.IdentityUser) error {
	s.calls = append(s.calls, "upsert:"+user.Login)
	stored := *user
	stored.Active = true
	s.users[user.Login] = &stored
	return nil
}

func (s *identityStoreStub) UpdateUser(ctx context.Context, login string, email, fullName *string, active *bool) error {
	user, ok := s.users[login]
	if !ok {
		return sql.ErrNoRows
	}
	if email != nil {
		user.Email = email
	}
	if fullName != nil {
		user.FullName = fullName
	}
	if active != nil {
		user.Active = *active
	}
	return nil
}

func (s *identityStoreStub) DeleteUser(ctx context.Context, login string) error {
	if _, ok := s.users[login]; !ok {
		return sql.ErrNoRows
	}
	delete(s.users, login)
	delete(s.roles, login)
	delete(s.permissions, login)
	return nil
}

func (s *identityStoreStub) SetActive(ctx context.Context, login string, active bool) error {
	if s.setActive != nil {
		return s.setActive
	}
	user, ok := s.users[login]
	if !ok {
		return sql.ErrNoRows
	}
	user.Active = active
	return nil
}

func (s *identityStoreStub) AssignRole(ctx context.Context, login, role string) error {
	if _, ok := s.users[login]; !ok {
		return sql.ErrNoRows
	}
	s.roles[login] = append(s.roles[login], role)
	return nil
}

func (s *identityStoreStub) RevokeRole(ctx context.Context, login, role string) error {
	s.roles[login] = removeValue(s.roles[login], role)
	return nil
}

func (s *identityStoreStub) AssignPermission(ctx context.Context, login, permission string) error {
	if _, ok := s.users[login]; !ok {
		return sql.ErrNoRows
	}
	s.permissions[login] = append(s.permissions[login], permission)
	return nil
}

func (s *identityStoreStub) RevokePermission(ctx context.Context, login, permission string) error {
	s.permissions[login] = removeValue(s.permissions[login], permission)
	return nil
}

func removeValue(values []string, target string) []string {
	out := values[:0]
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

type provisionerStub struct {
	detail *models.OperationDetail
	err    error
	req    dto.ProvisionRequest
	calls  int
}

func (p *provisionerStub) ProvisionPerson(ctx context.Context, req dto.ProvisionRequest) (*models.OperationDetail, error) {
	p.calls++
	p.req = req
	return p.detail, p.err
}

func operationWithStatus(status models.OperationStatus, success, failed int) *models.OperationDetail {
	return &models.OperationDetail{ProvisioningOperation: models.ProvisioningOperation{
		ID:                "op-9",
		Status:            status,
		TotalActions:      success + failed,
		SuccessfulActions: success,
		FailedActions:     failed,
	}}
}

func TestDecodeCommandValidation(t *testing.T) {
	cases := []struct {
		name        string
		requestType models.RequestType
		login       string
		payload     string
	}{
		{"missing login", models.RequestTypeDeleteUser, " ", `{}`},
		{"missing role", models.RequestTypeAssignRole, "alice", `{}`},
		{"missing permission", models.RequestTypeRevokePermission, "alice", `{"role":"dev"}`},
		{"unknown type", models.RequestType("rename_user"), "alice", `{}`},
		{"empty update", models.RequestTypeUpdateUser, "alice", `{}`},
		{"provision without email", models.RequestTypeCreateUser, "alice", `{"provision":true}`},
		{"provision without job title", models.RequestTypeCreateUser, "bob", `{"email":"bob@corp.example","full_name":"Bob Stone","provision":true}`},
		{"provision without names", models.RequestTypeCreateUser, "bob", `{"email":"bob@corp.example","provision":true}`},
		{"provision with single-word name", models.RequestTypeCreateUser, "bob", `{"email":"bob@corp.example","full_name":"Bob","job_title":"Developer","provision":true}`},
		{"provision with bad email", models.RequestTypeCreateUser, "bob", `{"email":"bob","first_name":"Bob","last_name":"Stone","job_title":"Developer","provision":true}`},
		{"malformed payload", models.RequestTypeCreateUser, "alice", `[1,2]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeCommand(tc.requestType, tc.login, json.RawMessage(tc.payload))
			require.Error(t, err)
			require.True(t, errors.Is(err, appErrors.ErrValidation))
		})
	}
}

func TestDecodeCommandVariants(t *testing.T) {
	cmd, err := DecodeCommand(models.RequestTypeAssignRole, " alice ", json.RawMessage(`{"role":" developer "}`))
	require.NoError(t, err)
	assign, ok := cmd.(AssignRoleCommand)
	require.True(t, ok)
	require.Equal(t, "alice", assign.Login())
	require.Equal(t, "developer", assign.Role)

	cmd, err = DecodeCommand(models.RequestTypeDeleteUser, "bob", nil)
	require.NoError(t, err)
	require.Equal(t, models.RequestTypeDeleteUser, cmd.Type())
}

func TestRequestDispatcherCreateUserWithGrants(t *testing.T) {
	identities := newIdentityStoreStub()
	dispatcher := NewRequestDispatcher(identities, nil, nil)

	result, err := dispatcher.Apply(context.Background(), &models.ProvisioningRequest{
		ID:          "req-1",
		RequestType: models.RequestTypeCreateUser,
		TargetLogin: "alice",
		Payload:     json.RawMessage(`{"email":"alice@corp.example","first_name":"Alice","last_name":"Martin","roles":["developer"],"permissions":["repo:write"]}`),
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "Alice Martin", *identities.users["alice"].FullName)
	require.Equal(t, []string{"developer"}, identities.roles["alice"])
	require.Equal(t, []string{"repo:write"}, identities.permissions["alice"])
}

func TestRequestDispatcherCreateUserProvisions(t *testing.T) {
	identities := newIdentityStoreStub()
	provisioner := &provisionerStub{detail: operationWithStatus(models.OperationStatusPartial, 2, 1)}
	dispatcher := NewRequestDispatcher(identities, provisioner, nil)

	result, err := dispatcher.Apply(context.Background(), &models.ProvisioningRequest{
		ID:          "req-2",
		RequestType: models.RequestTypeCreateUser,
		TargetLogin: "alice",
		Payload:     json.RawMessage(`{"email":"alice@corp.example","full_name":"Alice Martin","job_title":"Developer","provision":true}`),
	})
	require.NoError(t, err)
	require.Equal(t, "op-9", result.OperationID)
	require.Contains(t, result.Message, "partial")
	require.Equal(t, models.TriggerApproval, provisioner.req.Trigger)
	require.Equal(t, "Alice", provisioner.req.Person.FirstName)
	require.Equal(t, "Martin", provisioner.req.Person.LastName)
	require.Equal(t, models.PersonSourceApproval, provisioner.req.Person.Source)
}

func TestRequestDispatcherFailedProvisioningFailsApply(t *testing.T) {
	provisioner := &provisionerStub{detail: operationWithStatus(models.OperationStatusFailed, 0, 3)}
	dispatcher := NewRequestDispatcher(newIdentityStoreStub(), provisioner, nil)

	_, err := dispatcher.Apply(context.Background(), &models.ProvisioningRequest{
		RequestType: models.RequestTypeCreateUser,
		TargetLogin: "alice",
		Payload:     json.RawMessage(`{"email":"alice@corp.example","full_name":"Alice Martin","job_title":"Developer","provision":true}`),
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, appErrors.ErrExecutor))
}

func TestRequestDispatcherUnknownUser(t *testing.T) {
	dispatcher := NewRequestDispatcher(newIdentityStoreStub(), nil, nil)

	_, err := dispatcher.Apply(context.Background(), &models.ProvisioningRequest{
		RequestType: models.RequestTypeAssignPermission,
		TargetLogin: "ghost",
		Payload:     json.RawMessage(`{"permission":"repo:read"}`),
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestRequestDispatcherUpdateRevokeDelete(t *testing.T) {
	identities := newIdentityStoreStub()
	require.NoError(t, identities.UpsertUser(context.Background(), &models.IdentityUser{Login: "bob"}))
	identities.roles["bob"] = []string{"admin", "developer"}
	dispatcher := NewRequestDispatcher(identities, nil, nil)

	_, err := dispatcher.Apply(context.Background(), &models.ProvisioningRequest{
		RequestType: models.RequestTypeUpdateUser,
		TargetLogin: "bob",
		Payload:     json.RawMessage(`{"active":false}`),
	})
	require.NoError(t, err)
	require.False(t, identities.users["bob"].Active)

	_, err = dispatcher.Apply(context.Background(), &models.ProvisioningRequest{
		RequestType: models.RequestTypeRevokeRole,
		TargetLogin: "bob",
		Payload:     json.RawMessage(`{"role":"admin"}`),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"developer"}, identities.roles["bob"])

	_, err = dispatcher.Apply(context.Background(), &models.ProvisioningRequest{
		RequestType: models.RequestTypeDeleteUser,
		TargetLogin: "bob",
	})
	require.NoError(t, err)
	require.NotContains(t, identities.users, "bob")
}

func TestRequestDispatcherDisable(t *testing.T) {
	identities := newIdentityStoreStub()
	require.NoError(t, identities.UpsertUser(context.Background(), &models.IdentityUser{Login: "carol"}))
	dispatcher := NewRequestDispatcher(identities, nil, nil)

	require.NoError(t, dispatcher.Disable(context.Background(), "carol"))
	require.False(t, identities.users["carol"].Active)

	err := dispatcher.Disable(context.Background(), "nobody")
	require.True(t, errors.Is(err, appErrors.ErrNotFound))
}
