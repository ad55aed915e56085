package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thanhnp/chainforensics/internal/analysis"
)

// PrivacyHandler handles CoinJoin and privacy scoring requests
type PrivacyHandler struct {
	svc *analysis.Service
}

// NewPrivacyHandler creates a new PrivacyHandler
func NewPrivacyHandler(svc *analysis.Service) *PrivacyHandler {
	return &PrivacyHandler{svc: svc}
}

// CoinJoin assesses one transaction
// GET /api/v1/:chain/coinjoin/:txid
func (h *PrivacyHandler) CoinJoin(c *gin.Context) {
	var uri txURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err)
		return
	}

	res, err := h.svc.CoinJoin(c.Request.Context(), uri.Chain, uri.TxID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CoinJoinHistory assesses the ancestry of a transaction
// GET /api/v1/:chain/coinjoin/:txid/history
func (h *PrivacyHandler) CoinJoinHistory(c *gin.Context) {
	var uri txURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err)
		return
	}
	var q depthQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBindError(c, err)
		return
	}

	res, err := h.svc.CoinJoinHistory(c.Request.Context(), uri.Chain, uri.TxID, q.MaxDepth)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Score returns the basic privacy score of an output
// GET /api/v1/:chain/privacy-score/:txid/:vout
func (h *PrivacyHandler) Score(c *gin.Context) {
	var uri outpointURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err)
		return
	}

	res, err := h.svc.PrivacyBasic(c.Request.Context(), uri.Chain, uri.TxID, uri.Vout)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// EnhancedScore returns the per-category privacy score of an output
// GET /api/v1/:chain/privacy-score/:txid/:vout/enhanced
func (h *PrivacyHandler) EnhancedScore(c *gin.Context) {
	var uri outpointURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err)
		return
	}
	var q depthQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBindError(c, err)
		return
	}

	res, err := h.svc.PrivacyEnhanced(c.Request.Context(), uri.Chain, uri.TxID, uri.Vout, q.MaxDepth)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type utxoRatingResponse struct {
	*analysis.UTXORating
	TotalValue string `json:"total_value"`
}

// UTXORating rates every unspent output of an address
// GET /api/v1/:chain/utxo-rating/:address
func (h *PrivacyHandler) UTXORating(c *gin.Context) {
	var uri addressURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err)
		return
	}

	res, err := h.svc.RateUTXOs(c.Request.Context(), uri.Chain, uri.Address)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, utxoRatingResponse{UTXORating: res, TotalValue: coins(res.TotalSats)})
}
