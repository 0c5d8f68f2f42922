package integration

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/noah-isme/aegis-gateway/internal/models"
)

// RoleAuthorityClient reads the role catalog.
type RoleAuthorityClient struct {
	baseURL string
	caller  jsonCaller
}

// NewRoleAuthorityClient builds a client for the role authority at baseURL.
func NewRoleAuthorityClient(baseURL string, timeout time.Duration, observer CallObserver) *RoleAuthorityClient {
	return NewRoleAuthorityClientWithHTTP(baseURL, NewHTTPClient(timeout), observer)
}

// NewRoleAuthorityClientWithHTTP builds a client on top of an existing http.Client.
func NewRoleAuthorityClientWithHTTP(baseURL string, client *http.Client, observer CallObserver) *RoleAuthorityClient {
	return &RoleAuthorityClient{baseURL: baseURL, caller: jsonCaller{target: "role_authority", client: client, observer: observer}}
}

// ListRoles returns the full catalog in authority order.
func (c *RoleAuthorityClient) ListRoles(ctx context.Context) ([]models.Role, error) {
	if c.baseURL == "" {
		return nil, errors.New("role authority url not configured")
	}
	roles := make([]models.Role, 0)
	if err := c.caller.do(ctx, http.MethodGet, joinURL(c.baseURL, "/roles"), nil, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}
