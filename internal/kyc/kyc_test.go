package kyc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/coinjoin"
	"github.com/thanhnp/chainforensics/internal/ledger/ledgertest"
	"github.com/thanhnp/chainforensics/internal/models"
)

var (
	op  = ledgertest.Op
	out = ledgertest.Out
)

type table map[string]models.Entity

func (t table) Lookup(address string) (models.Entity, bool) {
	e, ok := t[address]
	return e, ok
}

// withdrawalLedger: the exchange pays 1,000,000 sats to "me" in wd.
func withdrawalLedger() *ledgertest.Index {
	idx := ledgertest.New()
	idx.Add(
		ledgertest.Coinbase("excb", 1, out("exchange-hot", 10_000_000)),
		ledgertest.Spend("wd", 2, []models.Outpoint{op("excb", 0)},
			out("me", 1_000_000), out("exchange-hot", 8_990_000)),
	)
	return idx
}

// hops extends wd:0 with a chain of single-output self sends a1..an.
func hops(idx *ledgertest.Index, n int) {
	prev := op("wd", 0)
	for i := 1; i <= n; i++ {
		txid := fmt.Sprintf("s%d", i)
		idx.Add(ledgertest.Spend(txid, int64(2+i), []models.Outpoint{prev},
			out(fmt.Sprintf("a%d", i), 1_000_000-int64(i)*10_000)))
		prev = op(txid, 0)
	}
}

func TestLookupPreset(t *testing.T) {
	p, ok := LookupPreset("")
	require.True(t, ok)
	assert.Equal(t, "standard", p.Name)
	assert.Equal(t, 6, p.Depth)

	p, ok = LookupPreset("thorough")
	require.True(t, ok)
	assert.Equal(t, MaxDepth, p.Depth)

	_, ok = LookupPreset("extreme")
	assert.False(t, ok)
}

func TestTraceDirectHolding(t *testing.T) {
	res, err := Trace(context.Background(), withdrawalLedger(), "wd", "me", Options{MaxDepth: 3})
	require.NoError(t, err)

	assert.Equal(t, int64(1_000_000), res.OriginalValue)
	assert.Equal(t, 3, res.TraceDepth)
	require.Len(t, res.Destinations, 1)
	d := res.Destinations[0]
	assert.Equal(t, "me", d.Address)
	assert.Equal(t, StatusDeadEnd, d.Status)
	assert.InDelta(t, HopDecay, d.Confidence, 1e-9)
	assert.Equal(t, LevelHigh, d.Level)
	assert.Equal(t, 1, d.PathLength)
	assert.Contains(t, d.Reasoning, "Direct transfer (1 hop)")
	assert.Contains(t, d.Reasoning, "UTXO is unspent (current holding)")

	assert.Equal(t, int64(1_000_000), res.TracedSats)
	assert.Zero(t, res.CoinJoinsEncountered)
	assert.InDelta(t, float64(OneHighPoints), res.PrivacyScore, 1e-9)
	assert.Equal(t, RatingVeryPoor, res.Rating)
	assert.Equal(t, RiskMedium, res.Risks.Level)
	assert.Len(t, res.Risks.Medium, 2)
	assert.Contains(t, res.Recommendations, RecNoCoinJoin)
	assert.Contains(t, res.Recommendations, RecFreshAddress)
	assert.False(t, res.Truncated)
	assert.Empty(t, res.Warnings)
}

func TestTraceUnknownWithdrawal(t *testing.T) {
	idx := withdrawalLedger()

	_, err := Trace(context.Background(), idx, "nope", "me", Options{})
	assert.True(t, apperr.IsNotFound(err))

	_, err = Trace(context.Background(), idx, "wd", "someone-else", Options{})
	assert.True(t, apperr.IsNotFound(err))
}

func TestTraceWhirlpoolMix(t *testing.T) {
	idx := withdrawalLedger()
	ins := []models.Outpoint{op("wd", 0)}
	for i := 1; i <= 4; i++ {
		txid := fmt.Sprintf("peer%d", i)
		idx.Add(ledgertest.Coinbase(txid, 2, out(txid, 1_000_000)))
		ins = append(ins, op(txid, 0))
	}
	var outs []models.Vout
	for i := 0; i < 5; i++ {
		outs = append(outs, out(fmt.Sprintf("m%d", i), 995_000))
	}
	idx.Add(ledgertest.Spend("mix", 3, ins, outs...))

	res, err := Trace(context.Background(), idx, "wd", "me", Options{MaxDepth: 3})
	require.NoError(t, err)

	assert.Equal(t, 1, res.CoinJoinsEncountered)
	require.Len(t, res.Destinations, 5)
	for _, d := range res.Destinations {
		assert.Equal(t, StatusDeadEnd, d.Status)
		assert.Equal(t, 1, d.CoinJoins)
		assert.InDelta(t, HopDecay*1.5/5, d.Confidence, 1e-9)
		assert.Equal(t, LevelLow, d.Level)
		require.Len(t, d.Path, 2)
		assert.Equal(t, coinjoin.ProtocolWhirlpool, d.Path[1].Protocol)
		assert.Equal(t, 5, d.Path[1].AnonymitySet)
	}
	assert.InDelta(t, float64(NoHighPoints+OneCoinJoinPoints), res.PrivacyScore, 1e-9)
	assert.Equal(t, RatingPoor, res.Rating)
	assert.Len(t, res.Risks.Positive, 1)
	assert.NotContains(t, res.Recommendations, RecNoCoinJoin)
}

func TestTraceGoesColdInLargeMix(t *testing.T) {
	idx := ledgertest.New()
	idx.Add(
		ledgertest.Coinbase("excb", 1, out("exchange-hot", 10_000_000)),
		ledgertest.Spend("wd", 2, []models.Outpoint{op("excb", 0)},
			out("me", 500_000), out("exchange-hot", 9_490_000)),
	)
	ins := []models.Outpoint{op("wd", 0)}
	for i := 1; i < 50; i++ {
		txid := fmt.Sprintf("peer%d", i)
		idx.Add(ledgertest.Coinbase(txid, 2, out(txid, 510_000)))
		ins = append(ins, op(txid, 0))
	}
	var outs []models.Vout
	for i := 0; i < 50; i++ {
		outs = append(outs, out(fmt.Sprintf("mixed%d", i), 500_000))
	}
	idx.Add(ledgertest.Spend("bigmix", 3, ins, outs...))

	res, err := Trace(context.Background(), idx, "wd", "me", Options{MaxDepth: 3})
	require.NoError(t, err)

	require.Len(t, res.Destinations, 50)
	for _, d := range res.Destinations {
		assert.Equal(t, StatusCold, d.Status)
		assert.Less(t, d.Confidence, ColdThreshold)
		assert.Equal(t, LevelNegligible, d.Level)
	}
	assert.Equal(t, int64(25_000_000), res.UntraceableSats)
	assert.Zero(t, res.TracedSats)
	// Cold value share is capped at the withdrawal.
	assert.InDelta(t, float64(ColdValuePoints+NoHighPoints+OneCoinJoinPoints), res.PrivacyScore, 1e-9)
	assert.Equal(t, RatingGood, res.Rating)
	assert.Equal(t, RiskLow, res.Risks.Level)
	assert.Len(t, res.Risks.Positive, 2)
}

func TestTraceDepthLimit(t *testing.T) {
	idx := withdrawalLedger()
	hops(idx, 3)

	res, err := Trace(context.Background(), idx, "wd", "me", Options{MaxDepth: 1})
	require.NoError(t, err)

	require.Len(t, res.Destinations, 1)
	d := res.Destinations[0]
	assert.Equal(t, StatusDepthLimit, d.Status)
	assert.Equal(t, "a2", d.Address)
	assert.Equal(t, int64(980_000), d.Value)
	assert.Equal(t, 2, d.PathLength)
	assert.InDelta(t, HopDecay*HopDecay*DepthLimitFactor, d.Confidence, 1e-9)
	assert.Equal(t, LevelMedium, d.Level)
	assert.Contains(t, d.Reasoning, "Hit depth limit")
}

func TestTraceLostTrail(t *testing.T) {
	idx := withdrawalLedger()
	hops(idx, 1)
	idx.FailTransaction("s1", apperr.NotFound("ledgertest", "transaction s1 pruned"))

	res, err := Trace(context.Background(), idx, "wd", "me", Options{MaxDepth: 3})
	require.NoError(t, err)

	require.Len(t, res.Destinations, 1)
	d := res.Destinations[0]
	assert.Equal(t, StatusLost, d.Status)
	assert.Equal(t, LevelLow, d.Level)
	assert.InDelta(t, HopDecay*LostFactor, d.Confidence, 1e-9)
	assert.Equal(t, []string{"load s1: transaction s1 pruned"}, res.Warnings)
	assert.InDelta(t, float64(NoHighPoints-LostValuePenaltyPart), res.PrivacyScore, 1e-9)
	assert.Contains(t, res.Recommendations, RecIncomplete)
}

func TestTraceTransactionLimit(t *testing.T) {
	idx := withdrawalLedger()
	hops(idx, 4)

	res, err := Trace(context.Background(), idx, "wd", "me", Options{MaxDepth: 10, MaxTransactions: 2})
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.Equal(t, []string{"transaction limit 2 reached"}, res.Warnings)
	assert.Equal(t, 2, res.TransactionsAnalyzed)
	assert.Empty(t, res.Destinations)
	assert.Zero(t, res.PrivacyScore)
	assert.Contains(t, res.Recommendations, RecIncomplete)
}

func TestTraceTimeBudget(t *testing.T) {
	idx := withdrawalLedger()
	hops(idx, 2)
	idx.SetDelay(20 * time.Millisecond)

	res, err := Trace(context.Background(), idx, "wd", "me", Options{Budget: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Contains(t, res.Warnings, WarnTimeBudget)
}

func TestTraceUpstreamFails(t *testing.T) {
	idx := withdrawalLedger()
	idx.FailUpstream(1)
	_, err := Trace(context.Background(), idx, "wd", "me", Options{})
	assert.True(t, apperr.IsUpstream(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Trace(ctx, withdrawalLedger(), "wd", "me", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTraceFlagsExchangeDestination(t *testing.T) {
	idx := withdrawalLedger()
	idx.Add(ledgertest.Spend("dep", 3, []models.Outpoint{op("wd", 0)}, out("kraken-dep", 990_000)))
	ents := table{"kraken-dep": {Name: "Kraken", Kind: models.EntityExchange}}

	res, err := Trace(context.Background(), idx, "wd", "me", Options{MaxDepth: 3, Entities: ents})
	require.NoError(t, err)

	assert.Equal(t, RiskCritical, res.Risks.Level)
	require.Len(t, res.Risks.Critical, 1)
	assert.Equal(t, "exchange_connection", res.Risks.Critical[0].Type)
	assert.Equal(t, "kraken-dep", res.Risks.Critical[0].Address)
}

func TestChangeProbability(t *testing.T) {
	idx := ledgertest.New()
	idx.Add(
		ledgertest.Coinbase("big", 1, out("alice", 5_000_000)),
		ledgertest.Coinbase("small", 1, out("alice2", 150_000)),
		ledgertest.Spend("pay", 2, []models.Outpoint{op("big", 0), op("small", 0)},
			out("shop", 4_800_000), out("fresh", 150_000)),
		ledgertest.Spend("reuse", 3, []models.Outpoint{op("pay", 0)},
			out("bob", 1_000_000), out("shop", 3_790_000)),
	)
	pay, err := idx.Transaction(context.Background(), "pay")
	require.NoError(t, err)

	change, ok := UnnecessaryInputChange(pay)
	require.True(t, ok)
	assert.Equal(t, uint32(1), change)

	isChange, p := ChangeProbability(pay, 1)
	assert.True(t, isChange)
	assert.InDelta(t, 0.85, p, 1e-9)

	isChange, p = ChangeProbability(pay, 0)
	assert.False(t, isChange)
	assert.InDelta(t, 0.15, p, 1e-9)

	reuse, err := idx.Transaction(context.Background(), "reuse")
	require.NoError(t, err)
	isChange, p = ChangeProbability(reuse, 1)
	assert.True(t, isChange)
	assert.InDelta(t, ChangeReuseProbability, p, 1e-9)
}

func TestDegrade(t *testing.T) {
	assert.InDelta(t, 0.3, Degrade(coinjoin.ProtocolWhirlpool, 5, 1), 1e-9)
	assert.InDelta(t, 0.5, Degrade(coinjoin.ProtocolGeneric, 2, 0.5), 1e-9, "never raises confidence")
	assert.InDelta(t, 0.8, Degrade(coinjoin.ProtocolGeneric, 1, 0.8), 1e-9)
	assert.InDelta(t, MinConfidence, Degrade(coinjoin.ProtocolGeneric, 10_000, 0.01), 1e-12)
}

func TestLevelAndRating(t *testing.T) {
	assert.Equal(t, LevelHigh, LevelFor(0.7))
	assert.Equal(t, LevelMedium, LevelFor(0.69))
	assert.Equal(t, LevelLow, LevelFor(0.2))
	assert.Equal(t, LevelNegligible, LevelFor(0.19))

	assert.Equal(t, RatingGood, RatingFor(70))
	assert.Equal(t, RatingModerate, RatingFor(50))
	assert.Equal(t, RatingPoor, RatingFor(30))
	assert.Equal(t, RatingVeryPoor, RatingFor(29.9))
}
