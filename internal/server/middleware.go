package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/norvand/pathlight-backend/internal/handlers"
	"github.com/norvand/pathlight-backend/internal/observability"
	"github.com/norvand/pathlight-backend/internal/utils"
)

// RequestUser resolves the caller's identity from the X-User-Id header. The
// service runs behind a gateway that authenticates and stamps the header;
// requests without it are rejected by the handlers.
func RequestUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("X-User-Id"))
		if raw != "" {
			if id, err := uuid.Parse(raw); err == nil {
				c.Set(handlers.ContextUserKey, id)
			}
		}
		c.Next()
	}
}

// TraceHeaders surfaces the request's trace and request ids in the response
// so clients can quote them in bug reports.
func TraceHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := strings.TrimSpace(c.GetHeader("X-Request-Id"))
		if reqID == "" {
			reqID = uuid.New().String()
		}
		traceID := ""
		if spanCtx := trace.SpanContextFromContext(c.Request.Context()); spanCtx.HasTraceID() {
			traceID = spanCtx.TraceID().String()
		}
		if traceID != "" {
			c.Writer.Header().Set("X-Trace-Id", traceID)
		}
		c.Writer.Header().Set("X-Request-Id", reqID)
		c.Next()
	}
}

func CORS() gin.HandlerFunc {
	origins := strings.Split(utils.GetEnv("CORS_ALLOW_ORIGINS",
		"http://localhost:3000,http://localhost:5173,http://127.0.0.1:3000,http://127.0.0.1:5173", nil), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-User-Id"},
		AllowCredentials: true,
	})
}

// Metrics instruments HTTP request counts and latency when metrics are on.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.ObserveAPI(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
