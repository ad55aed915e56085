package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thanhnp/chainforensics/internal/analysis"
	"github.com/thanhnp/chainforensics/internal/apperr"
)

// StatusHandler reports sync progress
type StatusHandler struct {
	svc *analysis.Service
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(svc *analysis.Service) *StatusHandler {
	return &StatusHandler{svc: svc}
}

// Get returns the indexed and node heights of a chain
// GET /api/v1/:chain/status
func (h *StatusHandler) Get(c *gin.Context) {
	chain := c.Param("chain")
	for _, st := range h.svc.Status(c.Request.Context()) {
		if st.Chain == chain {
			c.JSON(http.StatusOK, st)
			return
		}
	}
	writeError(c, apperr.Invalid("status", "unsupported chain %q", chain))
}
