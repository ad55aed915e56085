package rpc

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	ltcjson "github.com/ltcsuite/ltcd/btcjson"
	ltcchaincfg "github.com/ltcsuite/ltcd/chaincfg"
	"github.com/ltcsuite/ltcd/chaincfg/chainhash"
	"github.com/ltcsuite/ltcd/wire"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/chainforensics/internal/models"
)

// p2pkh script paying to the all-zero key hash
const zeroP2PKHHex = "76a914000000000000000000000000000000000000000088ac"

func TestParseBTCBlock(t *testing.T) {
	verbose := &btcjson.GetBlockVerboseTxResult{
		Hash:         "blockhash",
		Height:       42,
		PreviousHash: "prevhash",
		Time:         1700000000,
		Tx: []btcjson.TxRawResult{
			{
				Txid: "cb",
				Vin:  []btcjson.Vin{{Coinbase: "03abcdef", Sequence: 0xffffffff}},
				Vout: []btcjson.Vout{{Value: 6.25, N: 0, ScriptPubKey: btcjson.ScriptPubKeyResult{Hex: zeroP2PKHHex}}},
			},
			{
				Txid: "spend",
				Vin:  []btcjson.Vin{{Txid: "cb", Vout: 0, Sequence: 1}},
				Vout: []btcjson.Vout{
					{Value: 0.00012345, N: 0, ScriptPubKey: btcjson.ScriptPubKeyResult{Hex: zeroP2PKHHex}},
					{Value: 0, N: 1, ScriptPubKey: btcjson.ScriptPubKeyResult{Hex: "6a0401020304"}},
				},
			},
		},
	}

	block, txs, err := ParseBTCBlock(verbose, &chaincfg.MainNetParams)
	require.NoError(t, err)

	assert.Equal(t, int64(42), block.Height)
	assert.Equal(t, []string{"cb", "spend"}, block.TxIDs)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), block.Timestamp)
	require.Len(t, txs, 2)

	cb := txs[0]
	assert.True(t, cb.IsCoinbase)
	assert.True(t, cb.Inputs[0].Coinbase)
	assert.Equal(t, "", cb.Inputs[0].PrevTxID)
	assert.Equal(t, int64(625000000), cb.Outputs[0].Value)
	assert.Equal(t, models.ScriptP2PKH, cb.Outputs[0].ScriptType)
	assert.Equal(t, "1111111111111111111114oLvT2", cb.Outputs[0].Address)

	spend := txs[1]
	assert.False(t, spend.IsCoinbase)
	assert.Equal(t, "cb", spend.Inputs[0].PrevTxID)
	assert.Equal(t, int64(12345), spend.Outputs[0].Value)
	assert.Equal(t, models.ScriptNullData, spend.Outputs[1].ScriptType)
	assert.Empty(t, spend.Outputs[1].Address)
}

func TestParseBTCBlockBadScript(t *testing.T) {
	verbose := &btcjson.GetBlockVerboseTxResult{
		Hash: "h",
		Tx: []btcjson.TxRawResult{{
			Txid: "t",
			Vout: []btcjson.Vout{{Value: 1, ScriptPubKey: btcjson.ScriptPubKeyResult{Hex: "zz"}}},
		}},
	}
	_, _, err := ParseBTCBlock(verbose, &chaincfg.MainNetParams)
	assert.Error(t, err)
}

func TestParseLTCBlock(t *testing.T) {
	script := []byte{0x76, 0xa9, 0x14}
	script = append(script, make([]byte, 20)...)
	script = append(script, 0x88, 0xac)

	coinbase := wire.NewMsgTx(1)
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{0x01, 0x02},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(wire.NewTxOut(1250000000, script))

	spend := wire.NewMsgTx(2)
	spend.AddTxIn(wire.NewTxIn(wire.NewOutPoint(ptr(coinbase.TxHash()), 0), nil, nil))
	spend.AddTxOut(wire.NewTxOut(1000, script))

	msgBlock := &wire.MsgBlock{
		Header:       wire.BlockHeader{Timestamp: time.Unix(1700000000, 0)},
		Transactions: []*wire.MsgTx{coinbase, spend},
	}
	verbose := &ltcjson.GetBlockVerboseResult{Hash: "ltchash", Height: 7, PreviousHash: "prev"}

	block, txs := ParseLTCBlock(verbose, msgBlock, &ltcchaincfg.MainNetParams)
	assert.Equal(t, int64(7), block.Height)
	require.Len(t, txs, 2)

	assert.True(t, txs[0].IsCoinbase)
	assert.Equal(t, coinbase.TxHash().String(), txs[0].TxID)
	assert.Equal(t, int64(1250000000), txs[0].Outputs[0].Value)
	assert.Equal(t, models.ScriptP2PKH, txs[0].Outputs[0].ScriptType)
	assert.True(t, len(txs[0].Outputs[0].Address) > 0 && txs[0].Outputs[0].Address[0] == 'L')

	assert.False(t, txs[1].IsCoinbase)
	assert.Equal(t, txs[0].TxID, txs[1].Inputs[0].PrevTxID)
	assert.Equal(t, uint32(0), txs[1].Inputs[0].PrevVout)
	assert.Equal(t, txs[1].Size, txs[1].VSize)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	cb := newBreaker("test", zerolog.Nop())
	boom := errors.New("connection refused")

	for i := 0; i < 5; i++ {
		_, err := call(cb, func() (int64, error) { return 0, boom })
		assert.ErrorIs(t, err, boom)
	}

	_, err := call(cb, func() (int64, error) { return 1, nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestNetworkParams(t *testing.T) {
	p, err := BTCParams("regtest")
	require.NoError(t, err)
	assert.Equal(t, chaincfg.RegressionNetParams.Name, p.Name)

	_, err = BTCParams("moon")
	assert.Error(t, err)

	lp, err := LTCParams("")
	require.NoError(t, err)
	assert.Equal(t, ltcchaincfg.MainNetParams.Name, lp.Name)
}

func ptr[T any](v T) *T { return &v }
