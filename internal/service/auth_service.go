package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-proctor/internal/config"
)

// Auth errors.
var (
	ErrSessionInvalidated = errors.New("session invalidated")
	ErrNoActiveSession    = errors.New("no active session")
)

// TokenType distinguishes participant vs admin tokens.
type TokenType string

const (
	TokenTypeParticipant TokenType = "participant"
	TokenTypeAdmin       TokenType = "admin"
)

// Admin permission codes carried in admin tokens.
const (
	PermissionAttemptsRead   = "attempts:read"
	PermissionAttemptsManage = "attempts:manage"
)

// Claims extends JWT standard claims with app-specific fields. Subject holds
// the participant or admin ID.
type Claims struct {
	jwt.RegisteredClaims
	TokenType   TokenType `json:"token_type"`
	Permissions []string  `json:"permissions,omitempty"` // Admin only
}

// HasPermission reports whether an admin token grants code.
func (c *Claims) HasPermission(code string) bool {
	for _, p := range c.Permissions {
		if p == code {
			return true
		}
	}
	return false
}

// AuthService issues and validates JWTs. Participants are limited to one
// active device: the token ID is registered in Redis and checked on use.
type AuthService struct {
	secret []byte
	expiry time.Duration
	rdb    *redis.Client
}

func NewAuthService(secret string, expiry time.Duration, rdb *redis.Client) *AuthService {
	return &AuthService{secret: []byte(secret), expiry: expiry, rdb: rdb}
}

// IssueParticipantToken creates a participant JWT and makes it the only
// valid session for that participant.
func (s *AuthService) IssueParticipantToken(ctx context.Context, participantID string) (string, error) {
	jti := uuid.New().String()
	signed, err := s.sign(Claims{
		RegisteredClaims: s.registered(jti, participantID),
		TokenType:        TokenTypeParticipant,
	})
	if err != nil {
		return "", err
	}
	if err := s.rdb.Set(ctx, config.CacheKey.ParticipantSessionKey(participantID), jti, s.expiry).Err(); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return signed, nil
}

// IssueAdminToken creates an admin JWT with permissions embedded.
func (s *AuthService) IssueAdminToken(adminID string, permissions []string) (string, error) {
	return s.sign(Claims{
		RegisteredClaims: s.registered(uuid.New().String(), adminID),
		TokenType:        TokenTypeAdmin,
		Permissions:      permissions,
	})
}

func (s *AuthService) registered(jti, subject string) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		ID:        jti,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
	}
}

func (s *AuthService) sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ValidateParticipantSession checks that jti is the participant's active session.
func (s *AuthService) ValidateParticipantSession(ctx context.Context, participantID, jti string) error {
	stored, err := s.rdb.Get(ctx, config.CacheKey.ParticipantSessionKey(participantID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNoActiveSession
		}
		return fmt.Errorf("check session: %w", err)
	}
	if stored != jti {
		return ErrSessionInvalidated
	}
	return nil
}

// ResetParticipantSession logs the participant out of every device.
func (s *AuthService) ResetParticipantSession(ctx context.Context, participantID string) error {
	return s.rdb.Del(ctx, config.CacheKey.ParticipantSessionKey(participantID)).Err()
}
