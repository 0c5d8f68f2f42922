package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
	"github.com/noah-isme/aegis-gateway/pkg/response"
)

type identityService interface {
	Profile(ctx context.Context, login string) (*models.IdentityProfile, error)
}

// IdentityHandler exposes the managed identity store read-only.
type IdentityHandler struct {
	service identityService
}

// NewIdentityHandler constructs the handler.
func NewIdentityHandler(service identityService) *IdentityHandler {
	return &IdentityHandler{service: service}
}

// Get godoc
// @Summary Get an identity with its roles and permissions
// @Tags Identities
// @Produce json
// @Param login path string true "Login"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /identities/{login} [get]
func (h *IdentityHandler) Get(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "identity service not configured"))
		return
	}
	profile, err := h.service.Profile(c.Request.Context(), strings.TrimSpace(c.Param("login")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, profile, nil)
}
