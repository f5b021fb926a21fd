package middleware

import (
	"time"

	"ringmesh/internal/core/domain"
	"ringmesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a span per request and tags it with the session
// and participant the request acts on, when the route carries them.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.remote_addr", c.ClientIP()),
		)
		if sessionID := c.Param("id"); sessionID != "" {
			span.SetAttributes(tracing.SessionIDKey.String(sessionID))
		}

		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		// The authenticated participant is resolved during Next.
		if v, ok := c.Get("participant_id"); ok {
			if participantID, ok := v.(domain.ParticipantID); ok {
				span.SetAttributes(tracing.ParticipantIDKey.String(participantID.String()))
			}
		}

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)
		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
			return
		}
		span.SetStatus(codes.Ok, "")
	}
}
