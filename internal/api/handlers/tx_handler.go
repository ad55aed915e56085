package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thanhnp/chainforensics/internal/analysis"
	"github.com/thanhnp/chainforensics/internal/models"
)

// TxHandler handles transaction-related API requests
type TxHandler struct {
	svc *analysis.Service
}

// NewTxHandler creates a new TxHandler
func NewTxHandler(svc *analysis.Service) *TxHandler {
	return &TxHandler{svc: svc}
}

type txResponse struct {
	*models.Transaction
	Confirmations   int64  `json:"confirmations"`
	InputTotalSats  int64  `json:"input_total_sats"`
	InputTotal      string `json:"input_total"`
	OutputTotalSats int64  `json:"output_total_sats"`
	OutputTotal     string `json:"output_total"`
	FeeSats         int64  `json:"fee_sats"`
	Fee             string `json:"fee"`
}

// Get returns a transaction by its ID with amounts and confirmations
// GET /api/v1/:chain/tx/:txid
func (h *TxHandler) Get(c *gin.Context) {
	var uri txURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err)
		return
	}

	tx, err := h.svc.Transaction(c.Request.Context(), uri.Chain, uri.TxID)
	if err != nil {
		writeError(c, err)
		return
	}

	// Calculate confirmations
	var confirmations int64
	tip, err := h.svc.TipHeight(c.Request.Context(), uri.Chain)
	if err == nil && tx.Confirmed() && tip >= tx.BlockHeight {
		confirmations = tip - tx.BlockHeight + 1
	}

	fee := tx.Fee()
	c.JSON(http.StatusOK, txResponse{
		Transaction:     tx,
		Confirmations:   confirmations,
		InputTotalSats:  tx.InputTotal(),
		InputTotal:      coins(tx.InputTotal()),
		OutputTotalSats: tx.OutputTotal(),
		OutputTotal:     coins(tx.OutputTotal()),
		FeeSats:         fee,
		Fee:             coins(fee),
	})
}

// GetOutput returns one output with its spend status
// GET /api/v1/:chain/tx/:txid/outputs/:vout
func (h *TxHandler) GetOutput(c *gin.Context) {
	var uri outpointURI
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err)
		return
	}

	out, err := h.svc.Output(c.Request.Context(), uri.Chain, uri.TxID, uri.Vout)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"output": out,
		"value":  coins(out.Value),
	})
}
