package middleware

import (
	"errors"
	"net/http"

	"ringmesh/internal/core/domain"
	apperrors "ringmesh/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusForDomainError maps the consensus core's sentinel errors onto HTTP
// responses so handlers can bubble them up without translating at every
// call site.
func statusForDomainError(err error) (int, apperrors.ErrorCode, bool) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrParticipantNotFound),
		errors.Is(err, domain.ErrNoElectionResult):
		return http.StatusNotFound, apperrors.ErrCodeNotFound, true
	case errors.Is(err, domain.ErrMigrationCapacity):
		return http.StatusTooManyRequests, apperrors.ErrCodeCapacity, true
	case errors.Is(err, domain.ErrInvalidRoundState):
		return http.StatusConflict, apperrors.ErrCodeConflict, true
	case errors.Is(err, domain.ErrInvalidParticipantCount),
		errors.Is(err, domain.ErrNotInRing):
		return http.StatusBadRequest, apperrors.ErrCodeInvalidInput, true
	}
	return 0, "", false
}

// ErrorHandlerMiddleware turns errors attached to the gin context into JSON
// responses. Structured application errors keep their code, status, and
// context; core sentinels get the mapping above; anything else is a 500.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if appErr := apperrors.GetAppError(err); appErr != nil {
			logger.Errorw("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
			)
			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		if status, code, ok := statusForDomainError(err); ok {
			logger.Warnw("request failed",
				"error", err.Error(),
				"status", status,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.JSON(status, gin.H{
				"error":   string(code),
				"message": err.Error(),
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(apperrors.ErrCodeInternal),
			"message": "internal server error",
		})
	}
}

// RecoveryMiddleware converts handler panics into 500 responses instead of
// dropping the connection.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(apperrors.ErrCodeInternal),
					"message": "internal server error",
				})
			}
		}()
		c.Next()
	}
}
