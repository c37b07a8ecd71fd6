package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// ContextKeyClaims is the Gin context key for JWT claims.
const ContextKeyClaims = "claims"

// tokenSource says where a route may read its bearer token from.
type tokenSource int

const (
	headerOnly tokenSource = iota
	// headerOrQuery also accepts ?token=, for EventSource and WebSocket
	// clients that cannot set headers.
	headerOrQuery
)

// RequireParticipantJWT validates a participant JWT from the Authorization header.
func RequireParticipantJWT(authService *service.AuthService) gin.HandlerFunc {
	return authenticate(authService, service.TokenTypeParticipant, headerOnly)
}

// RequireParticipantWSAuth validates a participant JWT on a WebSocket
// upgrade, from the Authorization header or ?token=.
func RequireParticipantWSAuth(authService *service.AuthService) gin.HandlerFunc {
	return authenticate(authService, service.TokenTypeParticipant, headerOrQuery)
}

// RequireAdminJWT validates an admin JWT. The admin monitors are SSE
// streams, so ?token= is accepted as well.
func RequireAdminJWT(authService *service.AuthService) gin.HandlerFunc {
	return authenticate(authService, service.TokenTypeAdmin, headerOrQuery)
}

func authenticate(authService *service.AuthService, want service.TokenType, src tokenSource) gin.HandlerFunc {
	wrongType := response.ErrAdminAccessOnly
	if want == service.TokenTypeParticipant {
		wrongType = response.ErrParticipantAccessOnly
	}

	return func(c *gin.Context) {
		tokenStr := bearerToken(c, src)
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, err := authService.ValidateToken(tokenStr)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}
		if claims.TokenType != want {
			response.AbortFail(c, http.StatusForbidden, wrongType)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

func bearerToken(c *gin.Context, src tokenSource) string {
	if scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(token)
	}
	if src == headerOrQuery {
		return c.Query("token")
	}
	return ""
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, ok := c.Get(ContextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := val.(*service.Claims)
	return claims
}

// CheckSingleDeviceSession rejects participant tokens that are no longer the
// participant's active session: a newer login or an admin reset replaced
// it. Admin tokens pass through.
func CheckSingleDeviceSession(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		if claims.TokenType != service.TokenTypeParticipant {
			c.Next()
			return
		}

		err := authService.ValidateParticipantSession(c.Request.Context(), claims.Subject, claims.ID)
		switch {
		case err == nil:
			c.Next()
		case errors.Is(err, service.ErrSessionInvalidated), errors.Is(err, service.ErrNoActiveSession):
			response.AbortFail(c, http.StatusUnauthorized, response.ErrSessionInvalidated)
		default:
			// Redis is down; the attempt must not be reported as logged out.
			_ = c.Error(err)
			response.AbortFail(c, http.StatusServiceUnavailable, response.ErrServiceUnavailable)
		}
	}
}

// RequirePermission checks that the admin JWT grants every listed permission.
func RequirePermission(codes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		for _, code := range codes {
			if !claims.HasPermission(code) {
				response.AbortFail(c, http.StatusForbidden, response.ErrPermissionDenied)
				return
			}
		}
		c.Next()
	}
}

// NoStore marks responses as uncacheable.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
