package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", NotFound("tx", "transaction %s", "ab"), KindNotFound},
		{"upstream", Upstream("tx", errors.New("closed")), KindUpstreamUnavailable},
		{"invalid", Invalid("trace", "bad depth"), KindInvalidParameter},
		{"wrapped", fmt.Errorf("outer: %w", NotFound("tx", "x")), KindNotFound},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorString(t *testing.T) {
	err := Upstream("ledger.transaction", errors.New("pebble: closed"))
	assert.Equal(t, "ledger.transaction: ledger index unavailable: pebble: closed", err.Error())
	assert.True(t, IsUpstream(err))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, "ledger index unavailable", Message(err))
}
