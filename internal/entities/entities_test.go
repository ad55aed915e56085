package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/chainforensics/internal/models"
)

func TestDefaultTable(t *testing.T) {
	table, err := Default()
	require.NoError(t, err)

	e, ok := table.Lookup("btc", "34xp4vRoCGJym3xR7yCVPFHoCNxv4Twseo")
	require.True(t, ok)
	assert.Equal(t, "Binance", e.Name)
	assert.Equal(t, models.EntityExchange, e.Kind)
	assert.Equal(t, "cold_wallet", e.WalletType)

	_, ok = table.Lookup("ltc", "34xp4vRoCGJym3xR7yCVPFHoCNxv4Twseo")
	assert.False(t, ok)
	assert.Greater(t, table.Len("btc"), 20)
}

func TestParse(t *testing.T) {
	table, err := Parse([]byte(`
- name: Mixer One
  kind: mixer
  chain: ltc
  risk_tier: critical
  addresses: [Laddr1, Laddr2]
- name: Exch
  kind: exchange
  addresses: [bc1qexch]
`))
	require.NoError(t, err)

	list := table.List("ltc")
	require.Len(t, list, 2)
	assert.Equal(t, "Laddr1", list[0].Address)
	assert.Equal(t, models.EntityMixer, list[0].Kind)

	_, ok := table.Lookup("btc", "bc1qexch")
	assert.True(t, ok, "chain defaults to btc")
}

func TestParseRejectsDuplicates(t *testing.T) {
	_, err := Parse([]byte(`
- {name: A, kind: exchange, addresses: [x]}
- {name: B, kind: exchange, addresses: [x]}
`))
	assert.ErrorContains(t, err, "listed for both")

	_, err = Parse([]byte(`- {name: A, kind: bank, addresses: [x]}`))
	assert.Error(t, err)
}
