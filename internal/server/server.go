// Package server assembles the HTTP surface over a security manager: trust
// receipt issuance and verification, the audit trail, key lifecycle, and
// the ambient middleware stack.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/s8ken/yseeku-platform-sub013/internal/security"
)

// Config carries the HTTP surface options.
type Config struct {
	// TokenSecret is the shared HS256 secret for service tokens. Empty
	// leaves mutating routes unguarded; mains should refuse that outside
	// development.
	TokenSecret string

	// TokenIssuer is the "iss" claim on issued tokens. Defaults to
	// "sonate-security".
	TokenIssuer string
	TokenTTL    time.Duration

	CORSOrigins  []string
	RateLimitRPS int
}

// New assembles the router over an initialized security manager.
func New(cfg Config, mgr *security.Manager, logger *zap.Logger) (*gin.Engine, error) {
	if cfg.TokenIssuer == "" {
		cfg.TokenIssuer = "sonate-security"
	}

	var tokens *TokenIssuer
	if cfg.TokenSecret != "" {
		var err error
		tokens, err = NewTokenIssuer(cfg.TokenSecret, cfg.TokenIssuer, cfg.TokenTTL)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no token secret configured, mutating routes are unguarded")
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(corsConfig))
	}

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}

	router.Use(requestLogger(logger))
	router.Use(PrometheusMiddleware())

	healthHandler := NewHealthHandler(mgr)
	router.GET("/healthz", healthHandler.Healthz)
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	NewReceiptHandler(mgr.Receipts(), mgr.ReceiptKeyID(), tokens, logger).Register(v1)
	NewAuditHandler(mgr.Audit(), tokens, logger).Register(v1)
	NewKeyHandler(mgr.Crypto(), tokens, logger).Register(v1)

	return router, nil
}

// containsWildcard reports whether origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
