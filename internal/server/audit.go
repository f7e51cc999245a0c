package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/s8ken/yseeku-platform-sub013/internal/audit"
)

// AuditHandler exposes HTTP endpoints over the audit trail.
type AuditHandler struct {
	trail  *audit.Trail
	tokens *TokenIssuer
	logger *zap.Logger
}

// NewAuditHandler creates an AuditHandler. tokens may be nil to leave the
// mutating routes unguarded.
func NewAuditHandler(trail *audit.Trail, tokens *TokenIssuer, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{trail: trail, tokens: tokens, logger: logger}
}

func (h *AuditHandler) requireToken() gin.HandlerFunc {
	if h.tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return RequireToken(h.tokens)
}

// Register mounts the audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/audit")
	{
		a.POST("/events", h.requireToken(), h.LogEvent)
		a.GET("/events", h.QueryEvents)
		a.GET("/events/:id/verify", h.VerifyEvent)
		a.GET("/verify", h.VerifyChain)
		a.GET("/statistics", h.Statistics)
	}
}

// LogEvent handles POST /audit/events. The body is a bare event; identity
// and chain position are assigned on append.
func (h *AuditHandler) LogEvent(c *gin.Context) {
	var e audit.Event
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	signed, err := h.trail.Log(c.Request.Context(), e)
	if err != nil {
		h.logger.Error("log audit event", zap.Error(err), zap.String("action", e.Action))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	RecordAuditEvent(string(signed.Category))

	c.JSON(http.StatusCreated, signed)
}

// QueryEvents handles GET /audit/events. All filters combine with AND.
func (h *AuditHandler) QueryEvents(c *gin.Context) {
	f := audit.Filter{
		Category:   audit.Category(c.Query("category")),
		Level:      audit.Level(c.Query("level")),
		Outcome:    audit.Outcome(c.Query("outcome")),
		ActorID:    c.Query("actor"),
		ResourceID: c.Query("resource"),
	}

	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		f.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		f.To = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}

	events, err := h.trail.Query(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("query audit events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit trail"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// VerifyEvent handles GET /audit/events/:id/verify.
func (h *AuditHandler) VerifyEvent(c *gin.Context) {
	status, err := h.trail.VerifyEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, audit.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		h.logger.Error("verify audit event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}

	c.JSON(http.StatusOK, status)
}

// VerifyChain handles GET /audit/verify. A broken chain is reported in the
// body, not the status code.
func (h *AuditHandler) VerifyChain(c *gin.Context) {
	status, err := h.trail.VerifyChain(c.Request.Context())
	if err != nil {
		h.logger.Error("verify audit chain", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}
	RecordChainVerification("audit", status.Valid)

	c.JSON(http.StatusOK, status)
}

// Statistics handles GET /audit/statistics.
func (h *AuditHandler) Statistics(c *gin.Context) {
	stats, err := h.trail.Statistics(c.Request.Context())
	if err != nil {
		h.logger.Error("audit statistics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute statistics"})
		return
	}

	c.JSON(http.StatusOK, stats)
}
