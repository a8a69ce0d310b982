package middleware

import (
	"time"

	"panelrelay/pkg/logger"
	"panelrelay/pkg/tracing"
	"panelrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

const RequestIDHeader = "X-Request-ID"

// TracingMiddleware starts a server span per request and stores the trace and
// request ids on the request context for the context logger.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := tracing.TraceHTTPRequest(ctx, c.Request.Method, route)
		defer span.End()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, requestID)

		ctx = logger.WithValue(ctx, logger.RequestIDKey, requestID)
		if traceID := tracing.TraceIDFromContext(ctx); traceID != "" {
			ctx = logger.WithValue(ctx, logger.TraceIDKey, traceID)
		}

		span.SetAttributes(
			attribute.String("http.request_id", requestID),
			attribute.String("http.client_ip", c.ClientIP()),
		)

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}

// RequestLogMiddleware logs every request with the ids set by TracingMiddleware.
func RequestLogMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
