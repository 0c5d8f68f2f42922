package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/aegis-gateway/internal/dto"
	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
)

type identityStore interface {
	UpsertUser(ctx context.Context, user *models.IdentityUser) error
	UpdateUser(ctx context.Context, login string, email, fullName *string, active *bool) error
	DeleteUser(ctx context.Context, login string) error
	SetActive(ctx context.Context, login string, active bool) error
	AssignRole(ctx context.Context, login, role string) error
	RevokeRole(ctx context.Context, login, role string) error
	AssignPermission(ctx context.Context, login, permission string) error
	RevokePermission(ctx context.Context, login, permission string) error
}

type personProvisioner interface {
	ProvisionPerson(ctx context.Context, req dto.ProvisionRequest) (*models.OperationDetail, error)
}

// IdentityCommand is a decoded identity change ready to be applied.
// The set of commands is closed: every variant lives in this file.
type IdentityCommand interface {
	Type() models.RequestType
	Login() string
	apply(ctx context.Context, d *RequestDispatcher) (*models.ActionResult, error)
}

// CreateUserCommand creates or re-activates an account with its initial grants
// and optionally provisions the person downstream.
type CreateUserCommand struct {
	login   string
	Payload dto.CreateUserPayload
}

// UpdateUserCommand changes account profile fields.
type UpdateUserCommand struct {
	login    string
	Email    *string
	FullName *string
	Active   *bool
}

// DeleteUserCommand removes an account and its grants.
type DeleteUserCommand struct {
	login string
}

// AssignRoleCommand grants a role.
type AssignRoleCommand struct {
	login string
	Role  string
}

// RevokeRoleCommand removes a role.
type RevokeRoleCommand struct {
	login string
	Role  string
}

// AssignPermissionCommand grants a permission.
type AssignPermissionCommand struct {
	login      string
	Permission string
}

// RevokePermissionCommand removes a permission.
type RevokePermissionCommand struct {
	login      string
	Permission string
}

func (c CreateUserCommand) Type() models.RequestType       { return models.RequestTypeCreateUser }
func (c UpdateUserCommand) Type() models.RequestType       { return models.RequestTypeUpdateUser }
func (c DeleteUserCommand) Type() models.RequestType       { return models.RequestTypeDeleteUser }
func (c AssignRoleCommand) Type() models.RequestType       { return models.RequestTypeAssignRole }
func (c RevokeRoleCommand) Type() models.RequestType       { return models.RequestTypeRevokeRole }
func (c AssignPermissionCommand) Type() models.RequestType { return models.RequestTypeAssignPermission }
func (c RevokePermissionCommand) Type() models.RequestType { return models.RequestTypeRevokePermission }

func (c CreateUserCommand) Login() string       { return c.login }
func (c UpdateUserCommand) Login() string       { return c.login }
func (c DeleteUserCommand) Login() string       { return c.login }
func (c AssignRoleCommand) Login() string       { return c.login }
func (c RevokeRoleCommand) Login() string       { return c.login }
func (c AssignPermissionCommand) Login() string { return c.login }
func (c RevokePermissionCommand) Login() string { return c.login }

var commandValidator = NewValidator()

// DecodeCommand validates a request type and payload into a command.
func DecodeCommand(requestType models.RequestType, targetLogin string, payload json.RawMessage) (IdentityCommand, error) {
	login := strings.TrimSpace(targetLogin)
	if login == "" {
		return nil, commandValidation("target_login is required")
	}
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage("{}")
	}

	switch requestType {
	case models.RequestTypeCreateUser:
		var p dto.CreateUserPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, commandValidation("payload is not a valid create_user payload")
		}
		if p.Provision {
			if err := commandValidator.Struct(provisionInput(p)); err != nil {
				return nil, validationError(err)
			}
		}
		return CreateUserCommand{login: login, Payload: p}, nil
	case models.RequestTypeUpdateUser:
		var p dto.UpdateUserPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, commandValidation("payload is not a valid update_user payload")
		}
		if p.Email == nil && p.FullName == nil && p.Active == nil {
			return nil, commandValidation("update_user requires at least one field")
		}
		return UpdateUserCommand{login: login, Email: p.Email, FullName: p.FullName, Active: p.Active}, nil
	case models.RequestTypeDeleteUser:
		return DeleteUserCommand{login: login}, nil
	case models.RequestTypeAssignRole, models.RequestTypeRevokeRole:
		var p dto.GrantPayload
		if err := json.Unmarshal(payload, &p); err != nil || strings.TrimSpace(p.Role) == "" {
			return nil, commandValidation("payload.role is required")
		}
		role := strings.TrimSpace(p.Role)
		if requestType == models.RequestTypeAssignRole {
			return AssignRoleCommand{login: login, Role: role}, nil
		}
		return RevokeRoleCommand{login: login, Role: role}, nil
	case models.RequestTypeAssignPermission, models.RequestTypeRevokePermission:
		var p dto.GrantPayload
		if err := json.Unmarshal(payload, &p); err != nil || strings.TrimSpace(p.Permission) == "" {
			return nil, commandValidation("payload.permission is required")
		}
		permission := strings.TrimSpace(p.Permission)
		if requestType == models.RequestTypeAssignPermission {
			return AssignPermissionCommand{login: login, Permission: permission}, nil
		}
		return RevokePermissionCommand{login: login, Permission: permission}, nil
	default:
		return nil, commandValidation(fmt.Sprintf("unsupported request_type %q", requestType))
	}
}

// RequestDispatcher applies approved requests to the identity store.
type RequestDispatcher struct {
	identities  identityStore
	provisioner personProvisioner
	logger      *zap.Logger
}

// NewRequestDispatcher constructs the dispatcher. provisioner may be nil when
// create_user requests never provision downstream.
func NewRequestDispatcher(identities identityStore, provisioner personProvisioner, logger *zap.Logger) *RequestDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestDispatcher{identities: identities, provisioner: provisioner, logger: logger}
}

// Apply decodes and executes the identity change carried by req.
func (d *RequestDispatcher) Apply(ctx context.Context, req *models.ProvisioningRequest) (*models.ActionResult, error) {
	if req == nil {
		return nil, commandValidation("request is required")
	}
	cmd, err := DecodeCommand(req.RequestType, req.TargetLogin, req.Payload)
	if err != nil {
		return nil, err
	}
	result, err := cmd.apply(ctx, d)
	if err != nil {
		d.logger.Warn("identity command failed",
			zap.String("request_id", req.ID),
			zap.String("request_type", string(cmd.Type())),
			zap.String("login", cmd.Login()),
			zap.Error(err),
		)
		return nil, err
	}
	d.logger.Info("identity command applied",
		zap.String("request_id", req.ID),
		zap.String("request_type", string(cmd.Type())),
		zap.String("login", cmd.Login()),
	)
	return result, nil
}

// Disable deactivates an account. Used to compensate a rejected review.
func (d *RequestDispatcher) Disable(ctx context.Context, login string) error {
	if err := d.identities.SetActive(ctx, login, false); err != nil {
		return storeError(err, login, "disable user")
	}
	return nil
}

func (c CreateUserCommand) apply(ctx context.Context, d *RequestDispatcher) (*models.ActionResult, error) {
	p := c.Payload
	user := &models.IdentityUser{
		Login:    c.login,
		Email:    optionalString(p.Email),
		FullName: optionalString(fullName(p)),
	}
	if err := d.identities.UpsertUser(ctx, user); err != nil {
		return nil, storeError(err, c.login, "create user")
	}
	for _, role := range p.Roles {
		if err := d.identities.AssignRole(ctx, c.login, role); err != nil {
			return nil, storeError(err, c.login, "assign role "+role)
		}
	}
	for _, permission := range p.Permissions {
		if err := d.identities.AssignPermission(ctx, c.login, permission); err != nil {
			return nil, storeError(err, c.login, "assign permission "+permission)
		}
	}
	result := &models.ActionResult{
		Success: true,
		Message: fmt.Sprintf("user %s created with %d roles and %d permissions", c.login, len(p.Roles), len(p.Permissions)),
	}
	if !p.Provision {
		return result, nil
	}
	if d.provisioner == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "provisioning is not configured")
	}

	op, err := d.provisioner.ProvisionPerson(ctx, dto.ProvisionRequest{
		Person:       provisionInput(p),
		Applications: p.Applications,
		Trigger:      models.TriggerApproval,
	})
	if err != nil {
		return nil, err
	}
	result.OperationID = op.ID
	switch op.Status {
	case models.OperationStatusFailed:
		return nil, appErrors.Clone(appErrors.ErrExecutor, fmt.Sprintf("provisioning operation %s failed", op.ID))
	case models.OperationStatusPartial:
		result.Message = fmt.Sprintf("%s; provisioning partial (%d/%d succeeded)", result.Message, op.SuccessfulActions, op.TotalActions)
	default:
		result.Message = fmt.Sprintf("%s; provisioned %d applications", result.Message, op.SuccessfulActions)
	}
	return result, nil
}

func (c UpdateUserCommand) apply(ctx context.Context, d *RequestDispatcher) (*models.ActionResult, error) {
	if err := d.identities.UpdateUser(ctx, c.login, c.Email, c.FullName, c.Active); err != nil {
		return nil, storeError(err, c.login, "update user")
	}
	return &models.ActionResult{Success: true, Message: fmt.Sprintf("user %s updated", c.login)}, nil
}

func (c DeleteUserCommand) apply(ctx context.Context, d *RequestDispatcher) (*models.ActionResult, error) {
	if err := d.identities.DeleteUser(ctx, c.login); err != nil {
		return nil, storeError(err, c.login, "delete user")
	}
	return &models.ActionResult{Success: true, Message: fmt.Sprintf("user %s deleted", c.login)}, nil
}

func (c AssignRoleCommand) apply(ctx context.Context, d *RequestDispatcher) (*models.ActionResult, error) {
	if err := d.identities.AssignRole(ctx, c.login, c.Role); err != nil {
		return nil, storeError(err, c.login, "assign role")
	}
	return &models.ActionResult{Success: true, Message: fmt.Sprintf("role %s assigned to %s", c.Role, c.login)}, nil
}

func (c RevokeRoleCommand) apply(ctx context.Context, d *RequestDispatcher) (*models.ActionResult, error) {
	if err := d.identities.RevokeRole(ctx, c.login, c.Role); err != nil {
		return nil, storeError(err, c.login, "revoke role")
	}
	return &models.ActionResult{Success: true, Message: fmt.Sprintf("role %s revoked from %s", c.Role, c.login)}, nil
}

func (c AssignPermissionCommand) apply(ctx context.Context, d *RequestDispatcher) (*models.ActionResult, error) {
	if err := d.identities.AssignPermission(ctx, c.login, c.Permission); err != nil {
		return nil, storeError(err, c.login, "assign permission")
	}
	return &models.ActionResult{Success: true, Message: fmt.Sprintf("permission %s assigned to %s", c.Permission, c.login)}, nil
}

func (c RevokePermissionCommand) apply(ctx context.Context, d *RequestDispatcher) (*models.ActionResult, error) {
	if err := d.identities.RevokePermission(ctx, c.login, c.Permission); err != nil {
		return nil, storeError(err, c.login, "revoke permission")
	}
	return &models.ActionResult{Success: true, Message: fmt.Sprintf("permission %s revoked from %s", c.Permission, c.login)}, nil
}

func commandValidation(msg string) error {
	return appErrors.WithStep(appErrors.Clone(appErrors.ErrValidation, msg), appErrors.StepValidation)
}

func storeError(err error, login, action string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("identity user %s not found", login))
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to "+action)
}

// provisionInput maps a create_user payload onto the person provisioned after approval.
func provisionInput(p dto.CreateUserPayload) models.PersonInput {
	first, last := p.FirstName, p.LastName
	if first == "" && last == "" {
		first, last = splitFullName(p.FullName)
	}
	return models.PersonInput{
		Email:      p.Email,
		FirstName:  first,
		LastName:   last,
		JobTitle:   p.JobTitle,
		Department: p.Department,
		Source:     models.PersonSourceApproval,
	}
}

func fullName(p dto.CreateUserPayload) string {
	if p.FullName != "" {
		return p.FullName
	}
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

func splitFullName(name string) (string, string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
