package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/accountproof/internal/emissionlog"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// EmissionHandler exposes read-only HTTP endpoints for the emission log.
type EmissionHandler struct {
	log    emissionlog.Log
	logger *zap.Logger
}

// NewEmissionHandler creates a new EmissionHandler.
func NewEmissionHandler(log emissionlog.Log, logger *zap.Logger) *EmissionHandler {
	return &EmissionHandler{log: log, logger: logger}
}

// Register mounts the emission log routes on the given router group.
func (h *EmissionHandler) Register(rg *gin.RouterGroup) {
	e := rg.Group("/emissions")
	{
		e.GET("", h.Overview)
		e.GET("/verify", h.Verify)
		e.GET("/:idx", h.GetEntry)
	}
}

// Overview handles GET /emissions: the chain length, its head hash and a
// page of entries selected by ?from= and ?limit=.
func (h *EmissionHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	from, err := queryInt(c, "from", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
		return
	}
	limit, err := queryInt(c, "limit", defaultListLimit)
	if err != nil || limit == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	count, err := h.log.Len(ctx)
	if err != nil {
		h.logger.Error("emission log Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query emission log"})
		return
	}
	root, err := h.log.Root(ctx)
	if err != nil {
		h.logger.Error("emission log Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query emission log root"})
		return
	}
	items, err := h.log.List(ctx, from, limit)
	if err != nil {
		h.logger.Error("emission log List", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list emission log"})
		return
	}
	if items == nil {
		items = []*emissionlog.Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": count,
		"root":    root,
		"items":   items,
	})
}

// Verify handles GET /emissions/verify. A broken chain is a 200 with
// valid=false and the first bad index; a storage failure is a 500.
func (h *EmissionHandler) Verify(c *gin.Context) {
	err := h.log.Verify(c.Request.Context())
	var broken *emissionlog.ChainError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"valid": true})
	case errors.As(err, &broken):
		h.logger.Warn("emission log integrity check failed",
			zap.Int("idx", broken.Index), zap.String("reason", broken.Reason))
		c.JSON(http.StatusOK, gin.H{
			"valid":        false,
			"broken_index": broken.Index,
			"error":        broken.Reason,
		})
	default:
		h.logger.Error("emission log verify", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "emission log unavailable"})
	}
}

// GetEntry handles GET /emissions/:idx: a single entry.
func (h *EmissionHandler) GetEntry(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	entry, err := h.log.Get(c.Request.Context(), idx)
	if err != nil {
		if !errors.Is(err, emissionlog.ErrNotFound) {
			h.logger.Error("emission log Get", zap.Int("idx", idx), zap.Error(err))
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, strconv.ErrRange
	}
	return v, nil
}
