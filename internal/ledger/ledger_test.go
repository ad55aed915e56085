package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/ledger"
	lt "github.com/thanhnp/chainforensics/internal/ledger/ledgertest"
	"github.com/thanhnp/chainforensics/internal/models"
)

func TestCachedServesRepeatLookupsUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	idx := lt.New()
	idx.Add(lt.Coinbase("cb", 1, lt.Out("alice", 50_000)))

	cached := ledger.NewCached(idx, time.Minute, 100)

	for n := 0; n < 3; n++ {
		tx, err := cached.Transaction(ctx, "cb")
		require.NoError(t, err)
		assert.Equal(t, "cb", tx.TxID)
	}
	assert.Equal(t, int64(1), idx.TransactionLookups())

	ref, err := cached.Spender(ctx, "cb", 0)
	require.NoError(t, err)
	assert.Nil(t, ref)

	// Spend arrives in a new block; the cached "unspent" answer must go.
	idx.Add(lt.Spend("t1", 2, []models.Outpoint{lt.Op("cb", 0)}, lt.Out("bob", 49_000)))
	ref, err = cached.Spender(ctx, "cb", 0)
	require.NoError(t, err)
	assert.Nil(t, ref, "stale until invalidated")

	cached.Invalidate(2)
	assert.Equal(t, 0, cached.Len())

	ref, err = cached.Spender(ctx, "cb", 0)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "t1", ref.TxID)

	tip, err := cached.TipHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), tip)
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	idx := lt.New()
	cached := ledger.NewCached(idx, time.Minute, 100)

	_, err := cached.Transaction(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))

	idx.Add(lt.Coinbase("missing", 1, lt.Out("alice", 1)))
	tx, err := cached.Transaction(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "missing", tx.TxID)
}

func TestRegistry(t *testing.T) {
	r := ledger.NewRegistry()
	r.Register("ltc", lt.New())
	r.Register("btc", lt.New())

	assert.Equal(t, []string{"btc", "ltc"}, r.Chains())

	_, err := r.Get("doge")
	assert.Equal(t, apperr.KindInvalidParameter, apperr.KindOf(err))
}

func TestUnspentOutputs(t *testing.T) {
	ctx := context.Background()
	idx := lt.New()
	idx.Add(
		lt.Coinbase("cb1", 1, lt.Out("alice", 10_000), lt.Out("alice", 20_000)),
		lt.Spend("t1", 2, []models.Outpoint{lt.Op("cb1", 0)}, lt.Out("bob", 9_000)),
	)

	utxos, err := ledger.UnspentOutputs(ctx, idx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, uint32(1), utxos[0].Vout)
	assert.Equal(t, int64(20_000), utxos[0].Value)
}

// stallingIndex holds every Spender answer until release is closed.
type stallingIndex struct {
	ledger.Index
	read    chan struct{}
	release chan struct{}
}

func (s *stallingIndex) Spender(ctx context.Context, txid string, vout uint32) (*models.SpendRef, error) {
	ref, err := s.Index.Spender(ctx, txid, vout)
	s.read <- struct{}{}
	<-s.release
	return ref, err
}

func TestCachedDropsAnswerReadBeforeInvalidate(t *testing.T) {
	ctx := context.Background()
	idx := lt.New()
	idx.Add(lt.Coinbase("cb", 1, lt.Out("alice", 50_000)))
	slow := &stallingIndex{Index: idx, read: make(chan struct{}, 1), release: make(chan struct{})}
	cached := ledger.NewCached(slow, time.Minute, 100)

	type answer struct {
		ref *models.SpendRef
		err error
	}
	done := make(chan answer, 1)
	go func() {
		ref, err := cached.Spender(ctx, "cb", 0)
		done <- answer{ref, err}
	}()

	// The backend answered "unspent", then a block spending cb:0 lands
	// before the answer is stored.
	<-slow.read
	idx.Add(lt.Spend("t1", 2, []models.Outpoint{lt.Op("cb", 0)}, lt.Out("bob", 49_000)))
	cached.Invalidate(2)
	close(slow.release)

	got := <-done
	require.NoError(t, got.err)
	assert.Nil(t, got.ref, "the in-flight caller still sees what it read")
	assert.Equal(t, uint64(1), cached.Generation())
	assert.Zero(t, cached.Len(), "stale answer must not be cached")

	ref, err := cached.Spender(ctx, "cb", 0)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "t1", ref.TxID)
}

func TestLimitedBoundsConcurrency(t *testing.T) {
	idx := lt.New()
	idx.Add(lt.Coinbase("cb", 1, lt.Out("alice", 50_000)))
	idx.SetDelay(2 * time.Millisecond)
	limited := ledger.NewLimited(idx, 2)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := limited.Transaction(context.Background(), "cb")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, idx.MaxInFlight(), int64(2))
	assert.Equal(t, int64(10), idx.TransactionLookups())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ledger.NewLimited(idx, 0).Spender(ctx, "cb", 0)
	assert.ErrorIs(t, err, context.Canceled)
}
