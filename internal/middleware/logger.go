package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"groupbuy/internal/monitor"
	"groupbuy/pkg/log"
)

// Logger request logging middleware; also records request metrics and
// opens a server span per request.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		ctx, span := monitor.StartSpan(c.Request.Context(), c.Request.Method+" "+path,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.target", path),
		)
		c.Request = c.Request.WithContext(ctx)

		// Process request
		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", statusCode))
		monitor.EndSpan(span, nil)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		monitor.GetMetrics().RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(statusCode), latency)

		if raw != "" {
			path = path + "?" + raw
		}
		fields := map[string]interface{}{
			"status":     statusCode,
			"method":     c.Request.Method,
			"path":       path,
			"ip":         c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
			"latency":    latency,
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		entry := log.WithContext(ctx).WithFields(fields)
		switch {
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Debug("Request completed")
		}
	}
}
