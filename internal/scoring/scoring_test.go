package scoring

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/graph"
	"github.com/thanhnp/chainforensics/internal/ledger/ledgertest"
	"github.com/thanhnp/chainforensics/internal/models"
)

var op = ledgertest.Op

func paymentLedger() *ledgertest.Index {
	idx := ledgertest.New()
	idx.Add(
		ledgertest.Coinbase("cb0", 0, ledgertest.Out("alice", 5000)),
		ledgertest.Spend("tx1", 1, []models.Outpoint{op("cb0", 0)},
			ledgertest.Out("bob", 3000), ledgertest.Out("alice", 1900)),
	)
	return idx
}

// mixLedger holds a five-party equal-output CoinJoin "mix" and a
// post-mix spend of its first output.
func mixLedger() *ledgertest.Index {
	idx := ledgertest.New()
	var ins []models.Outpoint
	var outs []models.Vout
	for i := 0; i < 5; i++ {
		txid := fmt.Sprintf("cb%d", i)
		idx.Add(ledgertest.Coinbase(txid, int64(i), ledgertest.Out(fmt.Sprintf("p%d", i), 1_000_500)))
		ins = append(ins, op(txid, 0))
		outs = append(outs, ledgertest.Out(fmt.Sprintf("o%d", i), 1_000_000))
	}
	idx.Add(
		ledgertest.Spend("mix", 6, ins, outs...),
		ledgertest.Spend("post", 7, []models.Outpoint{op("mix", 0)}, ledgertest.Out("x", 999_000)),
	)
	return idx
}

func names(factors []Factor) []string {
	out := make([]string, 0, len(factors))
	for _, f := range factors {
		out = append(out, f.Name)
	}
	return out
}

func TestRatingFor(t *testing.T) {
	assert.Equal(t, RatingRed, RatingFor(0))
	assert.Equal(t, RatingRed, RatingFor(34))
	assert.Equal(t, RatingYellow, RatingFor(35))
	assert.Equal(t, RatingYellow, RatingFor(64))
	assert.Equal(t, RatingGreen, RatingFor(65))
	assert.Equal(t, RatingGreen, RatingFor(100))
}

func TestScoreBasicPlainPayment(t *testing.T) {
	ps, err := ScoreBasic(context.Background(), paymentLedger(), "tx1", 0)
	require.NoError(t, err)

	assert.Equal(t, 50, ps.Score)
	assert.Equal(t, RatingYellow, ps.Rating)
	assert.Equal(t, []string{FactorCoinJoinAbsent}, names(ps.Factors))
	require.Len(t, ps.Recommendations, 1)
	assert.Contains(t, ps.Recommendations[0], "CoinJoin")
	assert.Empty(t, ps.Warnings)
}

func TestScoreBasicConsolidation(t *testing.T) {
	idx := ledgertest.New()
	var ins []models.Outpoint
	for i := 0; i <= 10; i++ {
		txid := fmt.Sprintf("cb%d", i)
		idx.Add(ledgertest.Coinbase(txid, int64(i), ledgertest.Out(fmt.Sprintf("in%d", i), 20_000_000)))
		ins = append(ins, op(txid, 0))
	}
	idx.Add(
		ledgertest.Spend("big", 11, ins,
			ledgertest.Out("r0", 100_000_000),
			ledgertest.Out("r1", 50_000_001),
			ledgertest.Out("r2", 30_000_002),
			ledgertest.Out("r3", 20_000_003),
			ledgertest.Out("r4", 19_000_004)),
		// Moves the tip a little over a year of blocks past "big".
		ledgertest.Coinbase("late", 11+AgedYearConfirmations, ledgertest.Out("miner", 1)),
	)

	ps, err := ScoreBasic(context.Background(), idx, "big", 0)
	require.NoError(t, err)

	assert.Equal(t, []string{
		FactorCoinJoinAbsent,
		FactorAgedYear,
		FactorRoundAmount,
		FactorConsolidationLarge,
		FactorMultipleOutputs,
	}, names(ps.Factors))
	assert.Equal(t, 35, ps.Score)
	assert.Equal(t, RatingYellow, ps.Rating)
	assert.Len(t, ps.Recommendations, 3)
}

func TestScoreBasicCoinJoin(t *testing.T) {
	idx := mixLedger()

	ps, err := ScoreBasic(context.Background(), idx, "mix", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{FactorCoinJoinCurrent, FactorMultipleOutputs}, names(ps.Factors))
	assert.Equal(t, 85, ps.Score)
	assert.Equal(t, RatingGreen, ps.Rating)

	post, err := ScoreBasic(context.Background(), idx, "post", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{FactorCoinJoinHistory}, names(post.Factors))
	assert.Equal(t, 65, post.Score)
	assert.Contains(t, post.Factors[0].Description, "mix")
}

func TestScoreBasicErrors(t *testing.T) {
	_, err := ScoreBasic(context.Background(), paymentLedger(), "tx1", 9)
	assert.True(t, apperr.IsNotFound(err))

	_, err = ScoreBasic(context.Background(), paymentLedger(), "missing", 0)
	assert.True(t, apperr.IsNotFound(err))

	idx := paymentLedger()
	idx.FailUpstream(1)
	_, err = ScoreBasic(context.Background(), idx, "tx1", 0)
	assert.True(t, apperr.IsUpstream(err))

	idx = paymentLedger()
	idx.FailTransaction("cb0", errors.New("pruned"))
	ps, err := ScoreBasic(context.Background(), idx, "tx1", 0)
	require.NoError(t, err)
	require.Len(t, ps.Warnings, 1)
	assert.Contains(t, ps.Warnings[0], "parent cb0 unavailable")
}

func TestDecimals(t *testing.T) {
	assert.Equal(t, 0, Decimals(0))
	assert.Equal(t, 0, Decimals(100_000_000))
	assert.Equal(t, 1, Decimals(10_000_000))
	assert.Equal(t, 4, Decimals(50_000))
	assert.Equal(t, 8, Decimals(12_345_678))
}

func forward(t *testing.T, idx *ledgertest.Index, origin models.Outpoint) *graph.TraceGraph {
	t.Helper()
	g, err := graph.BuildTrace(context.Background(), idx, origin, graph.Options{Direction: graph.Forward, MaxDepth: 5})
	require.NoError(t, err)
	return g
}

func TestScoreEnhancedTemporal(t *testing.T) {
	idx := paymentLedger()
	cb0, err := idx.Transaction(context.Background(), "cb0")
	require.NoError(t, err)

	s, err := ScoreEnhanced(EnhancedInput{Tx: cb0, Vout: 0, Forward: forward(t, idx, op("cb0", 0))})
	require.NoError(t, err)

	temporal := s.PrivacyFactors[CategoryTemporal]
	assert.Equal(t, -15, temporal.ScoreImpact)
	assert.Equal(t, []string{FactorSpendGap, FactorRapidSpend}, names(temporal.Factors))
	require.Contains(t, s.AttackVectors, "timing_correlation")
	assert.InDelta(t, 0.3, s.AttackVectors["timing_correlation"].VulnerabilityScore, 1e-9)

	assert.Equal(t, -10, s.PrivacyFactors[CategoryValue].ScoreImpact)
	assert.Equal(t, 5, s.PrivacyFactors[CategoryWalletFingerprint].ScoreImpact)
	assert.Zero(t, s.PrivacyFactors[CategoryPeelingChain].ScoreImpact)
	assert.Contains(t, s.Warnings, "exchange proximity unavailable")
	assert.Empty(t, s.CriticalRisks)

	assert.Equal(t, 30, s.OverallScore)
	assert.Equal(t, RatingRed, s.Rating)
	assert.Len(t, s.PrivacyFactors, len(Categories))
}

func TestScoreEnhancedSameBlockSpend(t *testing.T) {
	idx := ledgertest.New()
	idx.Add(
		ledgertest.Coinbase("cb0", 0, ledgertest.Out("alice", 5000)),
		ledgertest.Spend("fast", 0, []models.Outpoint{op("cb0", 0)}, ledgertest.Out("bob", 4000)),
	)
	cb0, err := idx.Transaction(context.Background(), "cb0")
	require.NoError(t, err)

	s, err := ScoreEnhanced(EnhancedInput{Tx: cb0, Vout: 0, Forward: forward(t, idx, op("cb0", 0))})
	require.NoError(t, err)

	assert.Equal(t, -20, s.PrivacyFactors[CategoryTemporal].ScoreImpact)
	require.Len(t, s.CriticalRisks, 1)
	assert.Equal(t, "Timing Correlation Risk", s.CriticalRisks[0].Title)
	assert.Equal(t, SeverityCritical, s.CriticalRisks[0].Severity)
}

func TestScoreEnhancedUnspentHolding(t *testing.T) {
	idx := paymentLedger()
	tx1, err := idx.Transaction(context.Background(), "tx1")
	require.NoError(t, err)

	s, err := ScoreEnhanced(EnhancedInput{Tx: tx1, Vout: 0, Forward: forward(t, idx, op("tx1", 0))})
	require.NoError(t, err)

	temporal := s.PrivacyFactors[CategoryTemporal]
	assert.Equal(t, UnspentHoldingBonus, temporal.ScoreImpact)
	assert.NotContains(t, s.AttackVectors, "timing_correlation")
}

func TestScoreEnhancedPeelingChain(t *testing.T) {
	idx := ledgertest.New()
	idx.Add(
		ledgertest.Coinbase("cb", 0, ledgertest.Out("a", 10_000_000)),
		ledgertest.Spend("p1", 1, []models.Outpoint{op("cb", 0)},
			ledgertest.Out("b", 8_000_000), ledgertest.Out("shop1", 1_000_000)),
		ledgertest.Spend("p2", 2, []models.Outpoint{op("p1", 0)},
			ledgertest.Out("c", 6_000_000), ledgertest.Out("shop2", 1_000_000)),
		ledgertest.Spend("p3", 3, []models.Outpoint{op("p2", 0)},
			ledgertest.Out("d", 4_000_000), ledgertest.Out("shop3", 1_000_000)),
	)
	cb, err := idx.Transaction(context.Background(), "cb")
	require.NoError(t, err)

	s, err := ScoreEnhanced(EnhancedInput{Tx: cb, Vout: 0, Forward: forward(t, idx, op("cb", 0))})
	require.NoError(t, err)

	assert.Equal(t, PeelingPenalty, s.PrivacyFactors[CategoryPeelingChain].ScoreImpact)
	assert.Contains(t, s.AttackVectors, "peeling_chain")
	titles := make([]string, 0, len(s.CriticalRisks))
	for _, r := range s.CriticalRisks {
		titles = append(titles, r.Title)
	}
	assert.Contains(t, titles, "Peeling Chain Pattern")
}

func TestScoreEnhancedSubsetSumAndExchange(t *testing.T) {
	tx := &models.Transaction{
		TxID:        "ss",
		BlockHash:   "block-ss",
		BlockHeight: 10,
		Inputs: []models.Vin{
			{Index: 0, PrevTxID: "a", Sequence: 0xffffffff, Address: "x", Value: 300_000, ScriptType: models.ScriptP2WPKH, Resolved: true},
			{Index: 1, PrevTxID: "b", Sequence: 0xffffffff, Address: "y", Value: 500_000, ScriptType: models.ScriptP2WPKH, Resolved: true},
		},
		Outputs: []models.Vout{
			{Index: 0, Value: 505_000, Address: "m", ScriptType: models.ScriptP2WPKH},
			{Index: 1, Value: 290_000, Address: "n", ScriptType: models.ScriptP2WPKH},
		},
	}
	hops := 1

	s, err := ScoreEnhanced(EnhancedInput{Tx: tx, Vout: 1, Exposure: &ExchangeExposure{Hops: &hops, Entity: "Binance"}})
	require.NoError(t, err)

	value := s.PrivacyFactors[CategoryValue]
	assert.Equal(t, []string{FactorPreciseAmount, FactorSubsetSum}, names(value.Factors))
	assert.Equal(t, PrecisionLowPenalty+SubsetSumPenalty, value.ScoreImpact)
	assert.Equal(t, UniformScriptsBonus, s.PrivacyFactors[CategoryWalletFingerprint].ScoreImpact)
	assert.Equal(t, ExchangeDirectPenalty, s.PrivacyFactors[CategoryExchange].ScoreImpact)

	var titles []string
	for _, r := range s.CriticalRisks {
		titles = append(titles, r.Title)
	}
	assert.Equal(t, []string{"Subset Sum Leak Detected", "Direct Exchange Link"}, titles)
	assert.InDelta(t, 0.5, s.AttackVectors["amount_fingerprinting"].VulnerabilityScore, 1e-9)
	assert.InDelta(t, 0.88, s.AttackVectors["exchange_linkage"].VulnerabilityScore, 1e-9)
	assert.Contains(t, s.Warnings, "forward trace unavailable; temporal analysis skipped")

	assert.Equal(t, 0, s.OverallScore)
	assert.Equal(t, RatingRed, s.Rating)
}

func TestSubsetSumCapsPenalty(t *testing.T) {
	tx := &models.Transaction{TxID: "many"}
	for i, v := range []int64{100_000, 200_000, 300_000, 400_000} {
		tx.Inputs = append(tx.Inputs, models.Vin{Index: i, PrevTxID: fmt.Sprintf("in%d", i), Value: v, Resolved: true})
	}
	for i, v := range []int64{95_000, 195_000, 295_000} {
		tx.Outputs = append(tx.Outputs, models.Vout{Index: uint32(i), Value: v, ScriptType: models.ScriptP2WPKH})
	}
	assert.Equal(t, []uint32{0, 1, 2}, subsetSumLeaks(tx))

	s, err := ScoreEnhanced(EnhancedInput{Tx: tx, Vout: 0, Exposure: &ExchangeExposure{}})
	require.NoError(t, err)
	var impact int
	for _, f := range s.PrivacyFactors[CategoryValue].Factors {
		if f.Name == FactorSubsetSum {
			impact = f.Impact
		}
	}
	assert.Equal(t, SubsetSumMaxImpact, impact)
	assert.NotContains(t, s.Warnings, "exchange proximity unavailable")
}

func TestScoreEnhancedWalletFingerprint(t *testing.T) {
	tx := &models.Transaction{
		TxID:        "wf",
		BlockHash:   "block-wf",
		BlockHeight: 800_000,
		LockTime:    799_999,
		Inputs: []models.Vin{
			{Index: 0, PrevTxID: "a", Sequence: 0xfffffffd, Address: "legacy", Value: 1_000_000, ScriptType: models.ScriptP2PKH, Resolved: true},
		},
		Outputs: []models.Vout{
			{Index: 0, Value: 700_000, Address: "m", ScriptType: models.ScriptP2WPKH},
			{Index: 1, Value: 290_000, Address: "n", ScriptType: models.ScriptP2TR},
		},
	}
	s, err := ScoreEnhanced(EnhancedInput{Tx: tx, Vout: 0, Exposure: &ExchangeExposure{}})
	require.NoError(t, err)

	wf := s.PrivacyFactors[CategoryWalletFingerprint]
	assert.Equal(t, []string{FactorScriptMixing, FactorAntiFeeSniping, FactorRBF}, names(wf.Factors))
	assert.Equal(t, ScriptMixingSeverePenalty+AntiFeeSnipingPenalty+RBFPenalty, wf.ScoreImpact)
	assert.Contains(t, s.AttackVectors, "wallet_fingerprinting")
}

func TestBIP69(t *testing.T) {
	sorted := &models.Transaction{
		Inputs:  []models.Vin{{PrevTxID: "aa", PrevVout: 1}, {PrevTxID: "bb", PrevVout: 0}},
		Outputs: []models.Vout{{Value: 10}, {Value: 20}},
	}
	assert.True(t, bip69(sorted))

	shuffled := &models.Transaction{
		Inputs:  []models.Vin{{PrevTxID: "bb"}, {PrevTxID: "aa"}},
		Outputs: []models.Vout{{Value: 10}, {Value: 20}},
	}
	assert.False(t, bip69(shuffled))

	// One input and two sorted outputs is too likely to be chance.
	single := &models.Transaction{
		Inputs:  []models.Vin{{PrevTxID: "aa"}},
		Outputs: []models.Vout{{Value: 10}, {Value: 20}},
	}
	assert.False(t, bip69(single))
	single.Outputs = append(single.Outputs, models.Vout{Value: 30})
	assert.True(t, bip69(single))
}

func TestScoreEnhancedDustAndCoinJoin(t *testing.T) {
	tx := &models.Transaction{
		TxID: "dusty",
		Inputs: []models.Vin{
			{Index: 0, PrevTxID: "a", Sequence: 0xffffffff, Address: "x", Value: 10_000, ScriptType: models.ScriptP2WPKH, Resolved: true},
		},
		Outputs: []models.Vout{
			{Index: 0, Value: 500, Address: "victim", ScriptType: models.ScriptP2WPKH},
			{Index: 1, Value: 9_000, Address: "x", ScriptType: models.ScriptP2WPKH},
		},
	}
	s, err := ScoreEnhanced(EnhancedInput{Tx: tx, Vout: 1, Exposure: &ExchangeExposure{}})
	require.NoError(t, err)
	assert.Contains(t, names(s.PrivacyFactors[CategoryValue].Factors), FactorTrackingDust)
	require.NotEmpty(t, s.CriticalRisks)
	assert.Equal(t, SeverityHigh, s.CriticalRisks[0].Severity)

	idx := mixLedger()
	mix, err := idx.Transaction(context.Background(), "mix")
	require.NoError(t, err)
	s, err = ScoreEnhanced(EnhancedInput{Tx: mix, Vout: 0, Exposure: &ExchangeExposure{}})
	require.NoError(t, err)
	assert.Equal(t, CoinJoinMixedBonus, s.PrivacyFactors[CategoryCoinJoin].ScoreImpact)

	_, err = ScoreEnhanced(EnhancedInput{Tx: mix, Vout: 42})
	assert.True(t, apperr.IsNotFound(err))
}
