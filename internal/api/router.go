// Package api is the HTTP surface of the proof server: slot and proof
// queries, halt management, the emission log, health and metrics.
package api

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/accountproof/internal/emissionlog"
	"github.com/jmerrifield20/accountproof/internal/health"
	"github.com/jmerrifield20/accountproof/internal/metrics"
	"github.com/jmerrifield20/accountproof/internal/stream"
	"go.uber.org/zap"
)

// Config shapes the router.
type Config struct {
	CORSOrigins  []string
	RateLimitRPS int
	MaxBodyBytes int64
}

// Deps are the services the router exposes. Log, Health and Tokens may be nil.
type Deps struct {
	Engine Engine
	Log    emissionlog.Log
	Health *health.Checker
	Tokens *stream.TokenIssuer
}

// NewRouter builds the HTTP handler. ctx bounds the rate limiter's
// background cleanup.
func NewRouter(ctx context.Context, cfg Config, deps Deps, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), requestLogger(logger), responseHeaders())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(corsFor(cfg.CORSOrigins))
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	router.Use(limitBody(cfg.MaxBodyBytes))
	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitRPS*2, "/healthz", "/metrics"))
	}
	router.Use(metrics.PrometheusMiddleware())

	router.GET("/healthz", healthz(deps.Health))
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")
	NewProofHandler(deps.Engine, deps.Tokens, logger).Register(v1)
	if deps.Log != nil {
		NewEmissionHandler(deps.Log, logger).Register(v1)
	}
	return router
}

func healthz(checker *health.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if checker == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		r := checker.Report()
		code := http.StatusOK
		if r.State == health.StateDegraded {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, r)
	}
}

// corsFor allows browser wallets on origins to read proofs. Credentials are
// only allowed when every origin is explicit.
func corsFor(origins []string) gin.HandlerFunc {
	explicit := !slices.ContainsFunc(origins, func(o string) bool {
		return strings.TrimSpace(o) == "*"
	})
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Accept", "Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{"Retry-After", requestIDHeader},
		AllowCredentials: explicit,
		MaxAge:           time.Hour,
	})
}

func responseHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}

func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "accountproof.request_id"
)

// requestID echoes a caller-supplied X-Request-ID or mints one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// requestLogger logs every request at debug, server errors at warn.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("request failed", fields...)
			return
		}
		logger.Debug("request", fields...)
	}
}
