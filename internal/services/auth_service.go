package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/quilljot/quilljot/internal/models"
	"github.com/quilljot/quilljot/internal/repositories"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrSessionRevoked = errors.New("session revoked or expired")
)

// AuthService validates session tokens for the realtime layer. Token
// issuance belongs to the CRUD layer; IssueToken exists for that layer
// and for tests.
type AuthService struct {
	sessionRepo repositories.SessionRepository
	jwtSecret   string
	jwtExpiry   time.Duration
}

func NewAuthService(sessionRepo repositories.SessionRepository, jwtSecret string, jwtExpiry time.Duration) *AuthService {
	return &AuthService{
		sessionRepo: sessionRepo,
		jwtSecret:   jwtSecret,
		jwtExpiry:   jwtExpiry,
	}
}

func (s *AuthService) IssueToken(ctx context.Context, userID uuid.UUID) (string, *models.Session, error) {
	sessionID := uuid.New().String()
	expiresAt := time.Now().Add(s.jwtExpiry)

	session := &models.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return "", nil, fmt.Errorf("failed to create session: %w", err)
	}

	claims := jwt.MapClaims{
		"sub": userID.String(),
		"jti": sessionID,
		"exp": expiresAt.Unix(),
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, session, nil
}

// ValidateToken checks signature, expiry and session liveness, and
// returns the authenticated user id. A token whose session was revoked
// is rejected even if the JWT itself is still valid.
func (s *AuthService) ValidateToken(ctx context.Context, tokenString string) (uuid.UUID, error) {
	userID, sessionID, err := s.parseToken(tokenString)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.checkSession(ctx, userID, sessionID); err != nil {
		return uuid.Nil, err
	}
	return userID, nil
}

func (s *AuthService) Revoke(ctx context.Context, tokenString string) error {
	userID, sessionID, err := s.parseToken(tokenString)
	if err != nil {
		return err
	}
	if err := s.checkSession(ctx, userID, sessionID); err != nil {
		return err
	}

	if err := s.sessionRepo.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session for user %s: %w", userID, err)
	}
	return nil
}

func (s *AuthService) RevokeAll(ctx context.Context, tokenString string) error {
	userID, err := s.ValidateToken(ctx, tokenString)
	if err != nil {
		return err
	}
	if err := s.sessionRepo.DeleteAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke all sessions: %w", err)
	}
	return nil
}

// parseToken verifies the signature and extracts the subject and session
// claims. Session liveness is checked separately so callers that need the
// session id do not parse the token twice.
func (s *AuthService) parseToken(tokenString string) (uuid.UUID, string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, "", ErrInvalidToken
	}

	userIDStr, ok := claims["sub"].(string)
	if !ok {
		return uuid.Nil, "", ErrInvalidToken
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return uuid.Nil, "", ErrInvalidToken
	}

	sessionID, ok := claims["jti"].(string)
	if !ok {
		return uuid.Nil, "", ErrInvalidToken
	}

	return userID, sessionID, nil
}

func (s *AuthService) checkSession(ctx context.Context, userID uuid.UUID, sessionID string) error {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrSessionRevoked
	}
	if err != nil {
		return fmt.Errorf("failed to look up session: %w", err)
	}

	if session.UserID != userID || time.Now().After(session.ExpiresAt) {
		return ErrSessionRevoked
	}
	return nil
}
