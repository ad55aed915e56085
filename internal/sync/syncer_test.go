package sync

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/chainforensics/internal/ledger"
	"github.com/thanhnp/chainforensics/internal/ledger/ledgertest"
	"github.com/thanhnp/chainforensics/internal/models"
	"github.com/thanhnp/chainforensics/internal/notifier"
	"github.com/thanhnp/chainforensics/internal/rpc/rpctest"
	"github.com/thanhnp/chainforensics/internal/storage"
)

type fixture struct {
	source *rpctest.Source
	poller *notifier.Poller
	stores *storage.ChainStores
	syncer *Syncer
	index  *ledger.Local
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.NewPebbleDB(t.TempDir(), 1<<20)
	require.NoError(t, err)
	stores := storage.NewChainStores(db)
	t.Cleanup(func() { _ = stores.Close() })

	source := rpctest.New("btc")
	poller := notifier.NewPoller(source, 1)
	poller.SetPollInterval(10 * time.Millisecond)
	poller.SetHashLookup(func(height int64) (string, error) {
		return stores.BlockStore.HashAt("btc", height)
	})

	s := NewSyncer(poller, stores, 0)
	s.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5)
	}
	return &fixture{
		source: source,
		poller: poller,
		stores: stores,
		syncer: s,
		index:  ledger.NewLocal("btc", stores),
	}
}

// seed builds: 0 coinbase to alice; 1 alice pays bob and change, bob
// forwards to carol in the same block
func (f *fixture) seed() {
	f.source.Append("b0", ledgertest.Coinbase("cb0", 0, ledgertest.Out("alice", 5000)))
	f.source.Append("b1",
		ledgertest.Spend("tx1", 1, []models.Outpoint{ledgertest.Op("cb0", 0)},
			ledgertest.Out("bob", 3000), ledgertest.Out("alice", 1900)),
		ledgertest.Spend("tx2", 1, []models.Outpoint{ledgertest.Op("tx1", 0)},
			ledgertest.Out("carol", 2900)),
	)
}

func TestSyncHistoricalIndexesBlocks(t *testing.T) {
	f := newFixture(t)
	f.seed()

	var hooked []int64
	f.syncer.OnBlockApplied(func(h int64) { hooked = append(hooked, h) })

	require.NoError(t, f.syncer.SyncHistorical(context.Background()))

	height, err := f.syncer.GetSyncedHeight()
	require.NoError(t, err)
	assert.Equal(t, int64(1), height)
	assert.Equal(t, []int64{0, 1}, hooked)

	ctx := context.Background()
	tx2, err := f.index.Transaction(ctx, "tx2")
	require.NoError(t, err)
	require.True(t, tx2.Inputs[0].Resolved, "intra-block input resolved")
	assert.Equal(t, "bob", tx2.Inputs[0].Address)
	assert.Equal(t, int64(3000), tx2.Inputs[0].Value)
	assert.Equal(t, int64(100), mustTx(t, f, "tx1").Fee())

	ref, err := f.index.Spender(ctx, "cb0", 0)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "tx1", ref.TxID)

	ref, err = f.index.Spender(ctx, "tx1", 1)
	require.NoError(t, err)
	assert.Nil(t, ref)

	history, err := f.index.AddressHistory(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.AddressTx{TxID: "cb0", Height: 0, Received: 5000}, history[0])
	assert.Equal(t, models.AddressTx{TxID: "tx1", Height: 1, Received: 1900, Sent: 5000}, history[1])

	tip, err := f.index.TipHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tip)
}

func TestSyncHistoricalRetriesNodeFailures(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.source.FailNext(3)

	require.NoError(t, f.syncer.SyncHistorical(context.Background()))
	height, err := f.syncer.GetSyncedHeight()
	require.NoError(t, err)
	assert.Equal(t, int64(1), height)
}

func TestSyncHistoricalResumes(t *testing.T) {
	f := newFixture(t)
	f.seed()
	require.NoError(t, f.syncer.SyncHistorical(context.Background()))

	f.source.Append("b2", ledgertest.Spend("tx3", 2, []models.Outpoint{ledgertest.Op("tx2", 0)}, ledgertest.Out("dave", 2800)))
	require.NoError(t, f.syncer.SyncHistorical(context.Background()))

	tx3 := mustTx(t, f, "tx3")
	assert.Equal(t, "carol", tx3.Inputs[0].Address)
	height, _ := f.syncer.GetSyncedHeight()
	assert.Equal(t, int64(2), height)
}

func TestRevertBlock(t *testing.T) {
	f := newFixture(t)
	f.seed()
	require.NoError(t, f.syncer.SyncHistorical(context.Background()))

	require.NoError(t, f.syncer.RevertBlock("other", 1), "unknown hash is ignored")
	require.NoError(t, f.syncer.RevertBlock("b1", 1))

	ctx := context.Background()
	_, err := f.index.Transaction(ctx, "tx1")
	assert.Error(t, err)

	ref, err := f.index.Spender(ctx, "cb0", 0)
	require.NoError(t, err)
	assert.Nil(t, ref)

	history, err := f.index.AddressHistory(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	height, _ := f.syncer.GetSyncedHeight()
	assert.Equal(t, int64(0), height)
}

func TestLiveSyncFollowsReorg(t *testing.T) {
	f := newFixture(t)
	f.seed()

	require.NoError(t, f.syncer.Start(context.Background()))
	t.Cleanup(func() { _ = f.syncer.Stop() })

	f.source.Append("b2", ledgertest.Spend("tx3", 2, []models.Outpoint{ledgertest.Op("tx2", 0)}, ledgertest.Out("dave", 2800)))
	assert.Eventually(t, func() bool {
		hash, _ := f.stores.BlockStore.HashAt("btc", 2)
		return hash == "b2"
	}, 2*time.Second, 10*time.Millisecond)

	f.source.Truncate(1)
	f.source.Append("b2x", ledgertest.Spend("tx3x", 2, []models.Outpoint{ledgertest.Op("tx2", 0)}, ledgertest.Out("erin", 2850)))

	assert.Eventually(t, func() bool {
		hash, _ := f.stores.BlockStore.HashAt("btc", 2)
		return hash == "b2x"
	}, 2*time.Second, 10*time.Millisecond)

	ref, err := f.index.Spender(context.Background(), "tx2", 0)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "tx3x", ref.TxID)

	_, err = f.index.Transaction(context.Background(), "tx3")
	assert.Error(t, err)
}

func mustTx(t *testing.T, f *fixture, txid string) *models.Transaction {
	t.Helper()
	tx, err := f.index.Transaction(context.Background(), txid)
	require.NoError(t, err)
	return tx
}
