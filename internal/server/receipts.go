package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/s8ken/yseeku-platform-sub013/internal/receipt"
)

// ReceiptHandler exposes HTTP endpoints for issuing and verifying trust
// receipts. Issued receipts are tracked in a per-session index so each new
// receipt chains from its session's tip.
type ReceiptHandler struct {
	receipts *receipt.Service
	sessions *receipt.SessionIndex
	keyID    string
	tokens   *TokenIssuer
	logger   *zap.Logger
}

// NewReceiptHandler creates a ReceiptHandler signing with keyID. tokens may
// be nil to leave the mutating routes unguarded.
func NewReceiptHandler(svc *receipt.Service, keyID string, tokens *TokenIssuer, logger *zap.Logger) *ReceiptHandler {
	return &ReceiptHandler{
		receipts: svc,
		sessions: receipt.NewSessionIndex(),
		keyID:    keyID,
		tokens:   tokens,
		logger:   logger,
	}
}

func (h *ReceiptHandler) requireToken() gin.HandlerFunc {
	if h.tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return RequireToken(h.tokens)
}

// Register mounts the receipt routes on the given router group.
func (h *ReceiptHandler) Register(rg *gin.RouterGroup) {
	r := rg.Group("/receipts")
	{
		r.POST("", h.requireToken(), h.Create)
		r.POST("/verify", h.Verify)
		r.GET("/:session", h.Session)
	}
}

type verifyReceiptRequest struct {
	Receipt   *receipt.SignedReceipt `json:"receipt" binding:"required"`
	PublicKey string                 `json:"public_key"`
	Previous  *receipt.SignedReceipt `json:"previous"`
}

// Create handles POST /receipts. The body is a receipt payload; when the
// session already has receipts, the new one chains from the session tip.
func (h *ReceiptHandler) Create(c *gin.Context) {
	var p receipt.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	prev := h.sessions.Tip(p.SessionID)
	r, err := h.receipts.Create(c.Request.Context(), &p, h.keyID, prev)
	if err != nil {
		h.logger.Error("create receipt", zap.Error(err), zap.String("session_id", p.SessionID))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.sessions.Add(r)
	RecordReceiptIssued()

	c.JSON(http.StatusCreated, r)
}

// Verify handles POST /receipts/verify. A break is data, not an error: the
// response is always 200 with a structured result.
func (h *ReceiptHandler) Verify(c *gin.Context) {
	var req verifyReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := h.receipts.Verify(c.Request.Context(), req.Receipt, req.PublicKey, req.Previous)
	RecordReceiptVerification(res.Valid)

	c.JSON(http.StatusOK, res)
}

// Session handles GET /receipts/:session. It returns the session's receipts
// in issue order plus a verification report over the whole session chain.
func (h *ReceiptHandler) Session(c *gin.Context) {
	sessionID := c.Param("session")
	rs, err := h.sessions.Receipts(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	report := h.receipts.VerifySessionChain(c.Request.Context(), rs, "")
	RecordChainVerification("receipts", report.Valid)

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"receipts":   rs,
		"chain":      report,
	})
}
