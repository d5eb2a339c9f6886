package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stockd/core/internal/domain/entities"
	"github.com/stockd/core/internal/infrastructure/config"
	"github.com/stockd/core/internal/infrastructure/logger"
	"github.com/stockd/core/internal/ports"
)

// Claims represents the JWT claims
type Claims struct {
	UserID           string            `json:"user_id"`
	Username         string            `json:"username"`
	Role             entities.UserRole `json:"role"`
	AccountCreatedAt int64             `json:"account_created_at"`
	jwt.RegisteredClaims
}

// AuthService issues and validates bearer tokens
type AuthService struct {
	jwtConfig config.JWTConfig
	logger    *logger.Logger
}

// NewAuthService creates a new auth service
func NewAuthService(jwtConfig config.JWTConfig, logger *logger.Logger) *AuthService {
	return &AuthService{
		jwtConfig: jwtConfig,
		logger:    logger,
	}
}

// IssueToken signs a token for the given identity
func (s *AuthService) IssueToken(identity ports.Claims) (string, error) {
	if err := s.jwtConfig.RequireSecret(); err != nil {
		return "", err
	}

	now := time.Now()
	claims := &Claims{
		UserID:           identity.UserID,
		Username:         identity.Username,
		Role:             identity.Role,
		AccountCreatedAt: identity.AccountCreatedAt.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtConfig.ExpiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.jwtConfig.Issuer,
			Subject:   identity.UserID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtConfig.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	s.logger.Infow("Token issued", "user_id", identity.UserID, "role", identity.Role)

	return tokenString, nil
}

// ValidateToken validates a JWT token and returns claims
func (s *AuthService) ValidateToken(tokenString string) (*ports.Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtConfig.Secret), nil
	}, jwt.WithIssuer(s.jwtConfig.Issuer))

	if err != nil {
		return nil, fmt.Errorf("%w: %w", entities.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", entities.ErrUnauthorized)
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token has no user id", entities.ErrUnauthorized)
	}

	return &ports.Claims{
		UserID:           claims.UserID,
		Username:         claims.Username,
		Role:             claims.Role,
		AccountCreatedAt: time.Unix(claims.AccountCreatedAt, 0).UTC(),
	}, nil
}
