package coinjoin

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/chainforensics/internal/models"
)

// mix builds a transaction with one resolved input per address and the given
// output values.
func mix(addrs []string, values ...int64) *models.Transaction {
	tx := &models.Transaction{TxID: "mix", BlockHash: "b", Chain: "btc"}
	for i, a := range addrs {
		tx.Inputs = append(tx.Inputs, models.Vin{
			Index:    i,
			PrevTxID: fmt.Sprintf("prev%d", i),
			Address:  a,
			Value:    2_000_000,
			Resolved: true,
		})
	}
	for i, v := range values {
		tx.Outputs = append(tx.Outputs, models.Vout{
			Index:      uint32(i),
			Value:      v,
			Address:    fmt.Sprintf("out%d", i),
			ScriptType: models.ScriptP2WPKH,
		})
	}
	return tx
}

func addrs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("in%d", i)
	}
	return out
}

func TestDetectEqualOutputsBalanced(t *testing.T) {
	// Five inputs, five equal outputs at a non-pool value.
	tx := mix(addrs(5), 1_234_567, 1_234_567, 1_234_567, 1_234_567, 1_234_567)

	res := Detect(tx)

	assert.GreaterOrEqual(t, res.Score, 0.7)
	assert.True(t, res.IsCoinJoin)
	assert.True(t, res.Flagged())
	assert.Contains(t, res.HeuristicsMatched, HeuristicEqualOutputs)
	assert.Contains(t, res.HeuristicsMatched, HeuristicBalanced)
	assert.Equal(t, ProtocolGeneric, res.Protocol)
	assert.Equal(t, 5, res.Stats.MaxEqualOutputs)
	assert.Equal(t, int64(1_234_567), res.Stats.EqualOutputValue)
}

func TestDetectWhirlpool(t *testing.T) {
	tx := mix(addrs(5), 1_000_000, 1_000_000, 1_000_000, 1_000_000, 1_000_000)

	res := Detect(tx)

	assert.Equal(t, ProtocolWhirlpool, res.Protocol)
	assert.Equal(t, 1.0, res.Score)
	assert.Equal(t, 0.95, res.Confidence)
	assert.Contains(t, res.HeuristicsMatched, HeuristicProtocol)
	assert.Contains(t, res.HeuristicsMatched, HeuristicDistinctInputs)
}

func TestDetectWasabiV1(t *testing.T) {
	values := make([]int64, 0, 14)
	for i := 0; i < 12; i++ {
		values = append(values, 10_050_000)
	}
	values = append(values, 3_000_000, 4_500_000)
	res := Detect(mix(addrs(12), values...))

	assert.Equal(t, ProtocolWasabiV1, res.Protocol)
	assert.True(t, res.Flagged())
}

func TestDetectJoinMarket(t *testing.T) {
	// Two equal outputs paired with two change outputs.
	res := Detect(mix(addrs(3), 5_000_000, 5_000_000, 1_200_000, 700_000))

	assert.Equal(t, ProtocolJoinMarket, res.Protocol)
	assert.Equal(t, 0.6, res.Confidence)
}

func TestDetectOrdinaryPayment(t *testing.T) {
	res := Detect(mix([]string{"alice"}, 150_000, 849_000))

	assert.False(t, res.IsCoinJoin)
	assert.Equal(t, 0.0, res.Score)
	assert.Equal(t, ProtocolNone, res.Protocol)
	assert.Empty(t, res.HeuristicsMatched)
}

func TestDetectCoinbaseScoresZero(t *testing.T) {
	tx := &models.Transaction{
		TxID:       "cb",
		IsCoinbase: true,
		Inputs:     []models.Vin{{Coinbase: true}},
		Outputs: []models.Vout{
			{Index: 0, Value: 100}, {Index: 1, Value: 100}, {Index: 2, Value: 100},
		},
	}
	res := Detect(tx)

	assert.Equal(t, 0.0, res.Score)
	assert.False(t, res.IsCoinJoin)
	assert.Equal(t, ProtocolNone, res.Protocol)
}

func TestDetectReusedInputAddressesNotDistinct(t *testing.T) {
	res := Detect(mix([]string{"a", "a", "b", "c"}, 10, 20, 30, 40))

	assert.NotContains(t, res.HeuristicsMatched, HeuristicDistinctInputs)
}

func TestCombineMonotonic(t *testing.T) {
	all := []string{HeuristicEqualOutputs, HeuristicBalanced, HeuristicDistinctInputs, HeuristicProtocol}

	// Every subset plus one more heuristic never scores lower.
	for mask := 0; mask < 1<<len(all); mask++ {
		var base []string
		for i, h := range all {
			if mask&(1<<i) != 0 {
				base = append(base, h)
			}
		}
		before := Combine(base)
		for _, h := range all {
			after := Combine(append(append([]string{}, base...), h))
			require.GreaterOrEqual(t, after, before, "adding %q to %v", h, base)
			require.LessOrEqual(t, after, 1.0)
		}
	}
	assert.Equal(t, 0.0, Combine(nil))
	assert.Equal(t, 0.4, Combine([]string{HeuristicEqualOutputs, HeuristicEqualOutputs, "unknown"}))
}

func TestDetectMonotonicOnTransactions(t *testing.T) {
	// Each step matches one more heuristic than the one before.
	steps := []*models.Transaction{
		mix([]string{"a"}, 100, 200),
		mix([]string{"a", "a"}, 100, 200),
		mix([]string{"a", "b", "c"}, 100, 200, 300),
		mix([]string{"a", "b", "c"}, 777, 777, 777),
		mix(addrs(5), 100_000, 100_000, 100_000, 100_000, 100_000),
	}
	prev := -1.0
	for i, tx := range steps {
		score := Detect(tx).Score
		assert.GreaterOrEqual(t, score, prev, "step %d", i)
		prev = score
	}
}

func TestSummarize(t *testing.T) {
	results := []Result{
		{TxID: "c", Score: 1.0, Protocol: ProtocolWhirlpool},
		{TxID: "a", Score: 0.7, Protocol: ProtocolGeneric},
		{TxID: "b", Score: 0.3, Protocol: ProtocolNone},
		{TxID: "d", Score: 0.0, Protocol: ProtocolNone},
	}
	h := Summarize(results)

	assert.Equal(t, 4, h.TotalTransactions)
	assert.Equal(t, 2, h.CoinJoinCount)
	assert.Equal(t, 50.0, h.CoinJoinPercentage)
	assert.Equal(t, 0.5, h.AverageScore)
	assert.Equal(t, []string{"a", "c"}, h.CoinJoinTxIDs)
	assert.Equal(t, map[Protocol]int{ProtocolWhirlpool: 1, ProtocolGeneric: 1}, h.ProtocolBreakdown)

	empty := Summarize(nil)
	assert.Zero(t, empty.CoinJoinCount)
	assert.Empty(t, empty.CoinJoinTxIDs)
}
