package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agis-digital/agis-api/internal/models"
	"github.com/agis-digital/agis-api/internal/service"
	appErrors "github.com/agis-digital/agis-api/pkg/errors"
	"github.com/agis-digital/agis-api/pkg/response"
)

// RequireRole enforces a minimum role for a route. Must run after JWT.
// Insufficient rank yields 403, a missing identity 401.
func RequireRole(minRole models.Role, logger *zap.Logger, metrics *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.JWTClaims)

		if !claims.Role.AtLeast(minRole) {
			if logger != nil {
				logger.Warn("access denied",
					zap.String("user_id", claims.UserID),
					zap.String("role", string(claims.Role)),
					zap.String("required", string(minRole)),
					zap.String("path", c.FullPath()),
				)
			}
			metrics.RecordAuthFailure("role")
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "insufficient role"))
			c.Abort()
			return
		}

		c.Next()
	}
}
