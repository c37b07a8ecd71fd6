package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// AuthHandler handles token introspection and logout. Tokens are issued
// out of band by the identity provider or cmd/issue-token.
type AuthHandler struct {
	authService *service.AuthService
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// GetProfile godoc
// GET /api/v1/auth/participant/me, GET /api/v1/auth/admin/me
// Returns the identity carried by the current token.
func (h *AuthHandler) GetProfile(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	profile := gin.H{
		"id":         claims.Subject,
		"token_type": claims.TokenType,
	}
	if claims.ExpiresAt != nil {
		profile["expires_at"] = claims.ExpiresAt.Time
	}
	if claims.TokenType == service.TokenTypeAdmin {
		perms := claims.Permissions
		if perms == nil {
			perms = []string{}
		}
		profile["permissions"] = perms
	}
	response.Success(c, http.StatusOK, profile)
}

// ParticipantLogout godoc
// POST /api/v1/auth/participant/logout
// Invalidates the participant's session on every device.
func (h *AuthHandler) ParticipantLogout(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	if err := h.authService.ResetParticipantSession(c.Request.Context(), claims.Subject); err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{})
}
