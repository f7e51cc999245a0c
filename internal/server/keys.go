package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/s8ken/yseeku-platform-sub013/internal/signing"
)

// KeyHandler exposes HTTP endpoints for key inventory and lifecycle. Only
// public key material ever leaves the backend.
type KeyHandler struct {
	backend signing.Backend
	tokens  *TokenIssuer
	logger  *zap.Logger
}

// NewKeyHandler creates a KeyHandler. tokens may be nil to leave the
// mutating routes unguarded.
func NewKeyHandler(backend signing.Backend, tokens *TokenIssuer, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{backend: backend, tokens: tokens, logger: logger}
}

func (h *KeyHandler) requireToken() gin.HandlerFunc {
	if h.tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return RequireToken(h.tokens)
}

// Register mounts the key routes on the given router group.
func (h *KeyHandler) Register(rg *gin.RouterGroup) {
	k := rg.Group("/keys")
	{
		k.GET("", h.List)
		k.GET("/:id", h.Get)
		k.POST("", h.requireToken(), h.Generate)
		k.POST("/:id/rotate", h.requireToken(), h.Rotate)
	}
}

type generateKeyRequest struct {
	KeyID string `json:"key_id"`
}

// List handles GET /keys.
func (h *KeyHandler) List(c *gin.Context) {
	keys, err := h.backend.ListKeys(c.Request.Context())
	if err != nil {
		h.logger.Error("list keys", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// Get handles GET /keys/:id.
func (h *KeyHandler) Get(c *gin.Context) {
	meta, err := h.backend.Metadata(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, signing.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		h.logger.Error("key metadata", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read key"})
		return
	}

	c.JSON(http.StatusOK, meta)
}

// Generate handles POST /keys. An empty key_id mints a random one.
func (h *KeyHandler) Generate(c *gin.Context) {
	var req generateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	meta, err := h.backend.GenerateKeyPair(c.Request.Context(), req.KeyID)
	if err != nil {
		if errors.Is(err, signing.ErrKeyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "key already exists"})
			return
		}
		h.logger.Error("generate key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key generation failed"})
		return
	}

	c.JSON(http.StatusCreated, meta)
}

// Rotate handles POST /keys/:id/rotate. The old key stays verifiable as
// deprecated; the response carries the successor's metadata.
func (h *KeyHandler) Rotate(c *gin.Context) {
	keyID := c.Param("id")
	meta, err := h.backend.RotateKey(c.Request.Context(), keyID)
	if err != nil {
		switch {
		case errors.Is(err, signing.ErrKeyNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		case errors.Is(err, signing.ErrKeyInactive):
			c.JSON(http.StatusConflict, gin.H{"error": "only active keys rotate"})
		default:
			h.logger.Error("rotate key", zap.Error(err), zap.String("key_id", keyID))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rotation failed"})
		}
		return
	}
	RecordKeyRotation()

	c.JSON(http.StatusOK, meta)
}
