package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thanhnp/chainforensics/internal/analysis"
	"github.com/thanhnp/chainforensics/internal/graph"
)

// TraceHandler handles spend-graph requests
type TraceHandler struct {
	svc *analysis.Service
}

// NewTraceHandler creates a new TraceHandler
func NewTraceHandler(svc *analysis.Service) *TraceHandler {
	return &TraceHandler{svc: svc}
}

type traceQuery struct {
	Direction string `form:"direction"`
	MaxDepth  int    `form:"max_depth" binding:"min=0"`
}

// Trace walks the spend graph from an output
// GET /api/v1/:chain/trace/:txid/:vout
func (h *TraceHandler) Trace(c *gin.Context) {
	var uri outpointURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err)
		return
	}
	var q traceQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBindError(c, err)
		return
	}

	res, err := h.svc.Trace(c.Request.Context(), analysis.TraceRequest{
		Chain:     uri.Chain,
		TxID:      uri.TxID,
		Vout:      uri.Vout,
		Direction: graph.Direction(q.Direction),
		MaxDepth:  q.MaxDepth,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type treeQuery struct {
	BackwardDepth int `form:"backward_depth" binding:"min=0"`
	ForwardDepth  int `form:"forward_depth" binding:"min=0"`
}

// Tree returns the backward and forward traces of an output
// GET /api/v1/:chain/trace/:txid/:vout/tree
func (h *TraceHandler) Tree(c *gin.Context) {
	var uri outpointURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err)
		return
	}
	var q treeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBindError(c, err)
		return
	}

	tree, err := h.svc.Tree(c.Request.Context(), analysis.TreeRequest{
		Chain:         uri.Chain,
		TxID:          uri.TxID,
		Vout:          uri.Vout,
		BackwardDepth: q.BackwardDepth,
		ForwardDepth:  q.ForwardDepth,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}
