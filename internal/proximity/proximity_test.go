package proximity

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/ledger/ledgertest"
	"github.com/thanhnp/chainforensics/internal/models"
)

var op = ledgertest.Op

type table map[string]models.Entity

func (t table) Lookup(address string) (models.Entity, bool) {
	e, ok := t[address]
	return e, ok
}

var known = table{
	"binance-hot": {Name: "Binance", Kind: models.EntityExchange, WalletType: "hot_wallet", RiskTier: "high"},
	"kraken-dep":  {Name: "Kraken", Kind: models.EntityExchange, WalletType: "deposit", RiskTier: "high"},
}

// exchangeLedger: Binance pays user, user pays merchant, merchant deposits
// at Kraken.
func exchangeLedger() *ledgertest.Index {
	idx := ledgertest.New()
	idx.Add(
		ledgertest.Coinbase("cbx", 1, ledgertest.Out("binance-hot", 1_000_000)),
		ledgertest.Spend("w1", 2, []models.Outpoint{op("cbx", 0)},
			ledgertest.Out("user", 500_000), ledgertest.Out("binance-hot", 499_000)),
		ledgertest.Spend("p1", 3, []models.Outpoint{op("w1", 0)},
			ledgertest.Out("merchant", 200_000), ledgertest.Out("user2", 299_000)),
		ledgertest.Spend("p2", 4, []models.Outpoint{op("p1", 0)},
			ledgertest.Out("kraken-dep", 199_000)),
	)
	return idx
}

var now = ledgertest.BlockTime(10)

func TestFindNearestBothDirections(t *testing.T) {
	res, err := FindNearest(context.Background(), exchangeLedger(), known, "user", Options{MaxHops: 3, Now: now})
	require.NoError(t, err)

	require.NotNil(t, res.HopsToExchange)
	assert.Equal(t, 1, *res.HopsToExchange)
	require.NotNil(t, res.NearestExchange)
	assert.Equal(t, "Binance", *res.NearestExchange)
	assert.Equal(t, ReceivedFrom, res.Direction)
	assert.Equal(t, 100, res.PathQualityScore)
	assert.Equal(t, StrengthStrong, res.PathStrength)
	require.Len(t, res.PathToExchange, 1)
	assert.Equal(t, Hop{
		TxID:        "w1",
		Address:     "binance-hot",
		Value:       1_000_000,
		Direction:   ReceivedFrom,
		HopNumber:   1,
		BlockHeight: ptr(int64(2)),
		BlockTime:   ptr(ledgertest.BlockTime(2)),
	}, res.PathToExchange[0])

	require.Len(t, res.AllExchangeConnections, 2)
	require.Len(t, res.AlternativePaths, 1)
	kraken := res.AlternativePaths[0]
	assert.Equal(t, "Kraken", kraken.Entity)
	assert.Equal(t, 2, kraken.Hops)
	assert.Equal(t, SentTo, kraken.Direction)
	assert.Equal(t, []string{"merchant", "kraken-dep"}, []string{kraken.Path[0].Address, kraken.Path[1].Address})

	assert.Equal(t, 90, res.ProximityScore)
	assert.Equal(t, RiskCritical, res.RiskLevel)
}

func TestFindNearestNoEntityInRange(t *testing.T) {
	res, err := FindNearest(context.Background(), exchangeLedger(), table{}, "user", Options{MaxHops: 3, Now: now})
	require.NoError(t, err)

	assert.Nil(t, res.HopsToExchange)
	assert.Nil(t, res.NearestExchange)
	assert.Empty(t, res.PathToExchange)
	assert.Empty(t, res.AlternativePaths)
	assert.Equal(t, 0, res.ProximityScore)
	assert.Equal(t, RiskLow, res.RiskLevel)
	assert.Equal(t, "No exchange found within 3 hops", res.Message)
}

func TestFindNearestHopLimit(t *testing.T) {
	res, err := FindNearest(context.Background(), exchangeLedger(), table{"kraken-dep": known["kraken-dep"]}, "user",
		Options{MaxHops: 1, Now: now})
	require.NoError(t, err)

	assert.Nil(t, res.HopsToExchange)
}

func TestFindNearestSeedIsEntity(t *testing.T) {
	res, err := FindNearest(context.Background(), exchangeLedger(), known, "binance-hot", Options{MaxHops: 3})
	require.NoError(t, err)

	require.NotNil(t, res.HopsToExchange)
	assert.Equal(t, 0, *res.HopsToExchange)
	assert.Equal(t, IsExchange, res.Direction)
	assert.Equal(t, 100, res.ProximityScore)
	assert.Equal(t, RiskCritical, res.RiskLevel)
}

func TestFindNearestUnknownAddress(t *testing.T) {
	res, err := FindNearest(context.Background(), exchangeLedger(), known, "nobody", Options{MaxHops: 3})
	require.NoError(t, err)
	assert.Nil(t, res.HopsToExchange)
}

func TestFindNearestErrors(t *testing.T) {
	idx := exchangeLedger()
	idx.FailUpstream(1)
	_, err := FindNearest(context.Background(), idx, known, "user", Options{MaxHops: 3})
	assert.True(t, apperr.IsUpstream(err))

	_, err = FindNearest(context.Background(), exchangeLedger(), known, "user", Options{MaxHops: 0})
	assert.Equal(t, apperr.KindInvalidParameter, apperr.KindOf(err))
}

func TestFindNearestTimeBudget(t *testing.T) {
	idx := exchangeLedger()
	idx.SetDelay(30 * time.Millisecond)

	res, err := FindNearest(context.Background(), idx, known, "user", Options{MaxHops: 5, Budget: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Contains(t, res.Warnings, warnTimeBudget)
}

func TestQualityCoinJoinPenalty(t *testing.T) {
	recent := ledgertest.BlockTime(5)
	plain := []Hop{{BlockTime: &recent}, {BlockTime: &recent}}
	mixed := []Hop{{BlockTime: &recent}, {BlockTime: &recent, IsCoinJoin: true}}

	assert.Equal(t, 100, Quality(plain, now))
	assert.Equal(t, 70, Quality(mixed, now))
	assert.Less(t, Quality(mixed, now), Quality(plain, now))
}

func TestQualityAgeAndLength(t *testing.T) {
	start := ledgertest.BlockTime(0)
	stale := start.Add(200 * 24 * time.Hour)
	old := start.Add(400 * 24 * time.Hour)
	hop := Hop{BlockTime: &start}

	assert.Equal(t, 80, Quality([]Hop{hop, hop}, stale))
	assert.Equal(t, 60, Quality([]Hop{hop, hop}, old))
	// A direct hop earns the bonus back.
	assert.Equal(t, 70, Quality([]Hop{hop}, old))

	long := make([]Hop, LongPathHops+1)
	assert.Equal(t, 90, Quality(long, now))
}

func TestQualityBounds(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	start := ledgertest.BlockTime(0)
	for i := 0; i < 500; i++ {
		n := 1 + r.Intn(10)
		hops := make([]Hop, n)
		for j := range hops {
			ts := start.Add(time.Duration(r.Intn(1000)) * 24 * time.Hour)
			hops[j] = Hop{IsCoinJoin: r.Intn(3) == 0, BlockTime: &ts}
		}
		q := Quality(hops, start.Add(1000*24*time.Hour))
		require.GreaterOrEqual(t, q, 0)
		require.LessOrEqual(t, q, 100)

		// Clearing every CoinJoin flag must score strictly higher when at
		// least one hop was flagged.
		clean := make([]Hop, n)
		flagged := false
		for j, h := range hops {
			flagged = flagged || h.IsCoinJoin
			h.IsCoinJoin = false
			clean[j] = h
		}
		if flagged {
			require.Less(t, q, Quality(clean, start.Add(1000*24*time.Hour)), fmt.Sprintf("case %d", i))
		}
	}
}

func TestStrengthAndScore(t *testing.T) {
	assert.Equal(t, StrengthStrong, StrengthOf(85))
	assert.Equal(t, StrengthModerate, StrengthOf(84))
	assert.Equal(t, StrengthModerate, StrengthOf(60))
	assert.Equal(t, StrengthWeak, StrengthOf(30))
	assert.Equal(t, StrengthBroken, StrengthOf(29))

	for _, tc := range []struct {
		hops  *int
		score int
		risk  RiskLevel
	}{
		{nil, 0, RiskLow},
		{ptr(1), 90, RiskCritical},
		{ptr(2), 70, RiskHigh},
		{ptr(4), 50, RiskMedium},
		{ptr(7), 30, RiskLow},
	} {
		score, risk := Score(tc.hops)
		assert.Equal(t, tc.score, score)
		assert.Equal(t, tc.risk, risk)
	}
}

func ptr[T any](v T) *T {
	return &v
}
