package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thanhnp/chainforensics/internal/analysis"
)

// AddressHandler handles address-related API requests
type AddressHandler struct {
	svc *analysis.Service
}

// NewAddressHandler creates a new AddressHandler
func NewAddressHandler(svc *analysis.Service) *AddressHandler {
	return &AddressHandler{svc: svc}
}

type addressQuery struct {
	Limit int `form:"limit" binding:"min=0,max=1000"`
}

// Get returns address history, totals and label
// GET /api/v1/:chain/address/:address
func (h *AddressHandler) Get(c *gin.Context) {
	var uri addressURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err)
		return
	}
	var q addressQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBindError(c, err)
		return
	}

	view, err := h.svc.Address(c.Request.Context(), uri.Chain, uri.Address, q.Limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address": view,
		"balance": coins(view.Balance),
	})
}

type dustQuery struct {
	ThresholdSats int64 `form:"threshold_sats" binding:"min=0,max=100000"`
}

// DustCheck lists the dust outputs held by an address
// GET /api/v1/:chain/address/:address/dust-check
func (h *AddressHandler) DustCheck(c *gin.Context) {
	var uri addressURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err)
		return
	}
	var q dustQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBindError(c, err)
		return
	}

	res, err := h.svc.DustCheck(c.Request.Context(), uri.Chain, uri.Address, q.ThresholdSats)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
