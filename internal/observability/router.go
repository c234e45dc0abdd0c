package observability

import (
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sloggin "github.com/samber/slog-gin"
)

// requestIDMiddleware preserves an inbound X-Request-ID or mints a new one,
// and attaches it to the request context and response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = NewRequestID()
		}
		ctx := WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// metricsMiddleware records every request this surface serves against m's
// HTTP collectors.
func metricsMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		method := c.Request.Method
		duration := time.Since(start).Seconds()

		m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	}
}

// NewRouter builds the gin engine for the observability surface: just
// liveness, readiness, and metrics — no job/schedule/auth CRUD routes.
func NewRouter(checker *Checker, m *Metrics, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(sloggin.New(logger))
	r.Use(metricsMiddleware(m))

	r.GET("/healthz", func(c *gin.Context) {
		result := checker.Liveness(c.Request.Context())
		c.JSON(http.StatusOK, result)
	})
	r.GET("/readyz", func(c *gin.Context) {
		result := checker.Readiness(c.Request.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, result)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
