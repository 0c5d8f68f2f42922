package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
)

type identityReader interface {
	GetUser(ctx context.Context, login string) (*models.IdentityUser, error)
	ListRoles(ctx context.Context, login string) ([]models.IdentityGrant, error)
	ListPermissions(ctx context.Context, login string) ([]models.IdentityGrant, error)
}

// IdentityService reads the managed identity store.
type IdentityService struct {
	identities identityReader
	logger     *zap.Logger
}

// NewIdentityService constructs the service.
func NewIdentityService(identities identityReader, logger *zap.Logger) *IdentityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityService{identities: identities, logger: logger}
}

// Profile returns the user behind login with its roles and permissions.
func (s *IdentityService) Profile(ctx context.Context, login string) (*models.IdentityProfile, error) {
	if login == "" {
		return nil, commandValidation("login is required")
	}
	user, err := s.identities.GetUser(ctx, login)
	if err != nil {
		return nil, storeError(err, login, "load identity user")
	}
	roles, err := s.identities.ListRoles(ctx, login)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list roles")
	}
	permissions, err := s.identities.ListPermissions(ctx, login)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list permissions")
	}
	return &models.IdentityProfile{IdentityUser: *user, Roles: roles, Permissions: permissions}, nil
}
