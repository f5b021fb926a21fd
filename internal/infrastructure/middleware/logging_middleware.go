package middleware

import (
	"context"
	"time"

	"ringmesh/internal/core/domain"
	"ringmesh/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestLoggingMiddleware tags every request with a request id and logs it
// with whatever identity the auth middleware resolved.
func RequestLoggingMiddleware(zapLogger *zap.Logger) gin.HandlerFunc {
	contextLogger := logger.NewContextLogger(zapLogger)

	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		ctx := context.WithValue(c.Request.Context(), "request_id", requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		// Auth runs inside Next; pick up whatever identity it resolved.
		if participantID, exists := c.Get("participant_id"); exists {
			if id, ok := participantID.(domain.ParticipantID); ok {
				ctx = context.WithValue(ctx, "participant_id", id.String())
			}
		}

		contextLogger.LogRequest(ctx,
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			time.Since(start).Milliseconds(),
		)
	}
}
