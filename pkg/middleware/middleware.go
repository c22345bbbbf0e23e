package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"relay/pkg/errors"
	"relay/pkg/logging"
	"relay/pkg/metrics"
)

// LoggerMiddleware logs one line per request. Server errors log at
// error level and client errors at warn, so a scan of the error stream
// is not polluted by bad input.
func LoggerMiddleware(logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		uri := c.Request.URL.RequestURI()

		c.Next()

		status := c.Writer.Status()

		fields := []interface{}{
			"status", status,
			"method", c.Request.Method,
			"path", uri,
			"client_ip", c.ClientIP(),
			"latency", time.Since(start),
		}

		if requestID := logging.GetRequestID(c.Request.Context()); requestID != "" {
			fields = append(fields, "request_id", requestID)
		}

		if ginErrs := c.Errors.ByType(gin.ErrorTypePrivate); len(ginErrs) > 0 {
			fields = append(fields, "error", ginErrs.String())
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Errorw("HTTP request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warnw("HTTP request", fields...)
		default:
			logger.Infow("HTTP request", fields...)
		}
	}
}

// MetricsMiddleware records request counts and latency per route. The
// route template (not the raw path) labels the series, so /messages/:id
// stays one series no matter how many ids pass through.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

func RecoveryMiddleware(logger interface {
	Errorw(msg string, keysAndValues ...interface{})
}) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Errorw("Panic recovered",
			"error", recovered,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, errors.ToErrorResponse(errors.ErrInternal))
	})
}

// RequestIDMiddleware honors an inbound X-Request-ID and otherwise
// mints one. The id rides the request context so every *wCtx log line
// downstream carries it.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}
