package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thanhnp/chainforensics/internal/analysis"
)

// KYCHandler handles exchange withdrawal privacy traces
type KYCHandler struct {
	svc *analysis.Service
}

// NewKYCHandler creates a new KYCHandler
func NewKYCHandler(svc *analysis.Service) *KYCHandler {
	return &KYCHandler{svc: svc}
}

type kycRequest struct {
	ExchangeTxID       string `json:"exchange_txid" form:"exchange_txid" binding:"required,txid"`
	DestinationAddress string `json:"destination_address" form:"destination_address" binding:"required,max=128"`
	DepthPreset        string `json:"depth_preset" form:"depth_preset" binding:"omitempty,oneof=quick standard deep thorough"`
}

// Presets lists the trace depth presets
// GET /api/v1/:chain/kyc/presets
func (h *KYCHandler) Presets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"presets": h.svc.KYCPresets()})
}

// Trace follows a withdrawal from a JSON body
// POST /api/v1/:chain/kyc/trace
func (h *KYCHandler) Trace(c *gin.Context) {
	var req kycRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	h.trace(c, req)
}

// TraceQuery follows a withdrawal from query parameters
// GET /api/v1/:chain/kyc/trace
func (h *KYCHandler) TraceQuery(c *gin.Context) {
	var req kycRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		writeBindError(c, err)
		return
	}
	h.trace(c, req)
}

func (h *KYCHandler) trace(c *gin.Context, req kycRequest) {
	res, err := h.svc.KYCTrace(c.Request.Context(), analysis.KYCRequest{
		Chain:              c.Param("chain"),
		ExchangeTxID:       req.ExchangeTxID,
		DestinationAddress: req.DestinationAddress,
		Preset:             req.DepthPreset,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// QuickCheck runs a shallow trace and returns the headline figures
// GET /api/v1/:chain/kyc/quick-check
func (h *KYCHandler) QuickCheck(c *gin.Context) {
	var req kycRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		writeBindError(c, err)
		return
	}

	res, err := h.svc.KYCQuickCheck(c.Request.Context(), c.Param("chain"), req.ExchangeTxID, req.DestinationAddress)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
