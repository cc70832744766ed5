package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/accountproof/internal/engine"
	"github.com/jmerrifield20/accountproof/internal/ledger"
	"github.com/jmerrifield20/accountproof/internal/stream"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
	"go.uber.org/zap"
)

// Engine is the query surface of the proof engine, satisfied by *engine.Engine.
type Engine interface {
	Slot(ctx context.Context, slot uint64) (*engine.SlotView, error)
	Proof(ctx context.Context, slot uint64, addr merkle.Address) (*proofstream.Message, error)
	Halted(ctx context.Context) ([]engine.MismatchError, error)
	ClearHalt(ctx context.Context, slot uint64) error
	Status() *proofstream.StatusResponse
}

// ProofHandler exposes slot state, on-demand proofs and halt management.
type ProofHandler struct {
	engine Engine
	tokens *stream.TokenIssuer
	logger *zap.Logger
}

// NewProofHandler creates a ProofHandler. tokens may be nil to leave
// operator routes open.
func NewProofHandler(e Engine, tokens *stream.TokenIssuer, logger *zap.Logger) *ProofHandler {
	return &ProofHandler{engine: e, tokens: tokens, logger: logger}
}

// Register mounts the proof routes on the given router group.
func (h *ProofHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/status", h.Status)
	rg.GET("/slots/:slot", h.GetSlot)
	rg.GET("/proofs/:slot/:address", h.GetProof)
	rg.GET("/halted", h.ListHalted)
	rg.DELETE("/halted/:slot", RequireScope(h.tokens, stream.ScopeAdmin), h.ClearHalt)
}

// Status handles GET /status.
func (h *ProofHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status())
}

// GetSlot handles GET /slots/:slot: every held version of a slot.
func (h *ProofHandler) GetSlot(c *gin.Context) {
	slot, ok := slotParam(c)
	if !ok {
		return
	}
	view, err := h.engine.Slot(c.Request.Context(), slot)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetProof handles GET /proofs/:slot/:address. With ?format=wire the proof
// message is returned in its stream encoding.
func (h *ProofHandler) GetProof(c *gin.Context) {
	slot, ok := slotParam(c)
	if !ok {
		return
	}
	addr, err := merkle.ParseAddress(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address must be a base58 32-byte key"})
		return
	}

	msg, err := h.engine.Proof(c.Request.Context(), slot, addr)
	if err != nil {
		h.fail(c, err)
		return
	}
	if c.Query("format") == "wire" {
		b, err := msg.MarshalWire()
		if err != nil {
			h.logger.Error("encode proof", zap.Uint64("slot", slot), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode proof"})
			return
		}
		c.Data(http.StatusOK, "application/octet-stream", b)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// ListHalted handles GET /halted.
func (h *ProofHandler) ListHalted(c *gin.Context) {
	halted, err := h.engine.Halted(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if halted == nil {
		halted = []engine.MismatchError{}
	}
	c.JSON(http.StatusOK, gin.H{"halted": halted})
}

// ClearHalt handles DELETE /halted/:slot, the operator override after a
// mismatch has been investigated.
func (h *ProofHandler) ClearHalt(c *gin.Context) {
	slot, ok := slotParam(c)
	if !ok {
		return
	}
	if err := h.engine.ClearHalt(c.Request.Context(), slot); err != nil {
		h.fail(c, err)
		return
	}
	subject := ""
	if claims := ClaimsFromCtx(c); claims != nil {
		subject = claims.Subject
	}
	h.logger.Warn("halt cleared via API", zap.Uint64("slot", slot), zap.String("subject", subject))
	c.JSON(http.StatusOK, gin.H{"slot": slot, "cleared": true})
}

func (h *ProofHandler) fail(c *gin.Context, err error) {
	var mismatch *engine.MismatchError
	switch {
	case errors.As(err, &mismatch):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "halted": mismatch})
	case errors.Is(err, ledger.ErrUnknownSlot), errors.Is(err, engine.ErrNotHalted):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrNotFinalized):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrStopped), errors.Is(err, context.Canceled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine unavailable"})
	default:
		h.logger.Error("engine query", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func slotParam(c *gin.Context) (uint64, bool) {
	slot, err := strconv.ParseUint(c.Param("slot"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slot must be a non-negative integer"})
		return 0, false
	}
	return slot, true
}
