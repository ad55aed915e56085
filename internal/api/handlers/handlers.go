// Package handlers implements the HTTP endpoints of the forensics API.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/thanhnp/chainforensics/internal/analysis"
	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/logging"
	"github.com/thanhnp/chainforensics/internal/models"
)

// ErrorBody is the body of every failed request.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error kind and a readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var registerOnce sync.Once
var registerErr error

// RegisterValidators adds the txid and category tags to gin's validator.
// It is safe to call more than once.
func RegisterValidators() error {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerErr = fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
			return
		}
		if err := v.RegisterValidation("txid", validateTxID); err != nil {
			registerErr = err
			return
		}
		registerErr = v.RegisterValidation("category", validateCategory)
	})
	return registerErr
}

func validateTxID(fl validator.FieldLevel) bool {
	return analysis.ValidTxID(fl.Field().String())
}

// validateCategory accepts the empty string so omitted categories can
// default downstream.
func validateCategory(fl validator.FieldLevel) bool {
	c := models.LabelCategory(fl.Field().String())
	return c == "" || c.Valid()
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindInvalidParameter:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with the status of its kind. Internal errors are
// logged and their detail withheld.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log := logging.Component("api")
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
		msg = "Internal server error"
	}
	_ = c.Error(err)
	c.JSON(status, ErrorBody{Error: ErrorDetail{Code: string(kind), Message: msg}})
}

// writeBindError renders a binding or validation failure as 400.
func writeBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
		Code:    string(apperr.KindInvalidParameter),
		Message: bindingMessage(err),
	}})
}

func bindingMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %s validation", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// coins formats satoshis as an 8-decimal coin amount.
func coins(sats int64) string {
	return decimal.New(sats, -8).StringFixed(8)
}

type txURI struct {
	Chain string `uri:"chain" binding:"required"`
	TxID  string `uri:"txid" binding:"required,txid"`
}

type outpointURI struct {
	Chain string `uri:"chain" binding:"required"`
	TxID  string `uri:"txid" binding:"required,txid"`
	Vout  uint32 `uri:"vout"`
}

type addressURI struct {
	Chain   string `uri:"chain" binding:"required"`
	Address string `uri:"address" binding:"required"`
}

type depthQuery struct {
	MaxDepth int `form:"max_depth" binding:"min=0"`
}
