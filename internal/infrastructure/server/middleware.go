package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	httpHandlers "github.com/stockd/core/internal/adapters/http"
	"github.com/stockd/core/internal/application/services"
	"github.com/stockd/core/internal/domain/entities"
)

// authMiddleware validates JWT tokens
func (s *Server) authMiddleware(authService *services.AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing authorization header")
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
			}

			claims, err := authService.ValidateToken(tokenString)
			if err != nil {
				s.logger.LogSecurityEvent("invalid_token", "", c.RealIP(), map[string]interface{}{
					"error": err.Error(),
				})
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
			}

			httpHandlers.SetClaims(c, claims)

			return next(c)
		}
	}
}

// requireRole checks if user has required role
func (s *Server) requireRole(roles ...entities.UserRole) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims := httpHandlers.ClaimsFromContext(c)
			if claims == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing identity")
			}

			for _, requiredRole := range roles {
				if claims.Role == requiredRole {
					return next(c)
				}
			}

			s.logger.LogSecurityEvent("insufficient_permissions",
				claims.UserID,
				c.RealIP(),
				map[string]interface{}{
					"required_roles": roles,
					"user_role":      claims.Role,
					"endpoint":       c.Request().URL.Path,
				})

			return echo.NewHTTPError(http.StatusForbidden, "Insufficient permissions")
		}
	}
}

// requireAccountAge rejects accounts younger than minDays. A zero minDays
// disables the check.
func (s *Server) requireAccountAge(minDays int) echo.MiddlewareFunc {
	minAge := time.Duration(minDays) * 24 * time.Hour

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if minDays <= 0 {
				return next(c)
			}

			claims := httpHandlers.ClaimsFromContext(c)
			if claims == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing identity")
			}

			if claims.AccountCreatedAt.IsZero() || time.Since(claims.AccountCreatedAt) < minAge {
				s.logger.LogSecurityEvent("account_too_new",
					claims.UserID,
					c.RealIP(),
					map[string]interface{}{
						"account_created_at": claims.AccountCreatedAt,
						"min_age_days":       minDays,
					})

				return echo.NewHTTPError(http.StatusForbidden, "Account too new")
			}

			return next(c)
		}
	}
}
