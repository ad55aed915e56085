package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thanhnp/chainforensics/internal/analysis"
)

// ClusterHandler handles address clustering requests
type ClusterHandler struct {
	svc *analysis.Service
}

// NewClusterHandler creates a new ClusterHandler
func NewClusterHandler(svc *analysis.Service) *ClusterHandler {
	return &ClusterHandler{svc: svc}
}

type clusterQuery struct {
	MaxDepth      int     `form:"max_depth" binding:"min=0"`
	IncludeChange bool    `form:"include_change"`
	MinConfidence float64 `form:"min_confidence" binding:"min=0,max=1"`
}

// Basic clusters an address by common-input ownership
// GET /api/v1/:chain/cluster/:address
func (h *ClusterHandler) Basic(c *gin.Context) {
	var uri addressURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err)
		return
	}
	var q depthQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBindError(c, err)
		return
	}

	res, err := h.svc.ClusterBasic(c.Request.Context(), analysis.ClusterRequest{
		Chain:    uri.Chain,
		Address:  uri.Address,
		MaxDepth: q.MaxDepth,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Advanced clusters an address with change detection and member details
// GET /api/v1/:chain/cluster/:address/advanced
func (h *ClusterHandler) Advanced(c *gin.Context) {
	var uri addressURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err)
		return
	}
	var q clusterQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBindError(c, err)
		return
	}

	res, err := h.svc.ClusterAdvanced(c.Request.Context(), analysis.ClusterRequest{
		Chain:         uri.Chain,
		Address:       uri.Address,
		MaxDepth:      q.MaxDepth,
		IncludeChange: q.IncludeChange,
		MinConfidence: q.MinConfidence,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
