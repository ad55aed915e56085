package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thanhnp/chainforensics/internal/analysis"
)

// ProximityHandler handles exchange proximity requests
type ProximityHandler struct {
	svc *analysis.Service
}

// NewProximityHandler creates a new ProximityHandler
func NewProximityHandler(svc *analysis.Service) *ProximityHandler {
	return &ProximityHandler{svc: svc}
}

type proximityQuery struct {
	MaxHops int `form:"max_hops" binding:"min=0"`
}

// ExchangeProximity finds the nearest known entity of an address
// GET /api/v1/:chain/exchange-proximity/:address
func (h *ProximityHandler) ExchangeProximity(c *gin.Context) {
	var uri addressURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err)
		return
	}
	var q proximityQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBindError(c, err)
		return
	}

	res, err := h.svc.ExchangeProximity(c.Request.Context(), analysis.ProximityRequest{
		Chain:   uri.Chain,
		Address: uri.Address,
		MaxHops: q.MaxHops,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// KnownEntities lists the entity table of a chain
// GET /api/v1/:chain/known-entities
func (h *ProximityHandler) KnownEntities(c *gin.Context) {
	list, err := h.svc.KnownEntities(c.Param("chain"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}
