package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thanhnp/chainforensics/internal/analysis"
	"github.com/thanhnp/chainforensics/internal/labels"
	"github.com/thanhnp/chainforensics/internal/models"
)

// LabelHandler handles address label requests
type LabelHandler struct {
	labels *labels.Service
	svc    *analysis.Service
}

// NewLabelHandler creates a new LabelHandler. svc validates addresses
// against the chain.
func NewLabelHandler(lbls *labels.Service, svc *analysis.Service) *LabelHandler {
	return &LabelHandler{labels: lbls, svc: svc}
}

type labelRequest struct {
	Address  string `json:"address" binding:"required,max=128"`
	Label    string `json:"label" binding:"required,max=256"`
	Category string `json:"category" binding:"omitempty,category"`
	Notes    string `json:"notes" binding:"max=1024"`
}

// Upsert creates or replaces the label of an address
// POST /api/v1/:chain/labels
func (h *LabelHandler) Upsert(c *gin.Context) {
	chain := c.Param("chain")
	var req labelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	addr, err := h.svc.ValidateAddress(chain, req.Address)
	if err != nil {
		writeError(c, err)
		return
	}

	saved, err := h.labels.Upsert(models.Label{
		Chain:    chain,
		Address:  addr,
		Label:    req.Label,
		Category: models.LabelCategory(req.Category),
		Notes:    req.Notes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

type labelListQuery struct {
	Category string `form:"category" binding:"omitempty,category"`
	Search   string `form:"search"`
	Limit    int    `form:"limit" binding:"min=0,max=500"`
	Offset   int    `form:"offset" binding:"min=0"`
}

// List returns the labels of a chain
// GET /api/v1/:chain/labels
func (h *LabelHandler) List(c *gin.Context) {
	var q labelListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBindError(c, err)
		return
	}

	page, err := h.labels.List(c.Param("chain"), labels.Filter{
		Category: models.LabelCategory(q.Category),
		Search:   q.Search,
		Limit:    q.Limit,
		Offset:   q.Offset,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Get returns the label of an address
// GET /api/v1/:chain/labels/:address
func (h *LabelHandler) Get(c *gin.Context) {
	l, err := h.labels.Get(c.Param("chain"), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// Delete removes the label of an address
// DELETE /api/v1/:chain/labels/:address
func (h *LabelHandler) Delete(c *gin.Context) {
	if err := h.labels.Delete(c.Param("chain"), c.Param("address")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
