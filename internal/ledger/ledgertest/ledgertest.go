// Package ledgertest provides an in-memory ledger.Index with failure and
// latency injection for tests.
package ledgertest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/models"
)

// GenesisTime is the block time of height 0; each height adds ten minutes.
var GenesisTime = time.Unix(1600000000, 0).UTC()

// BlockTime returns the synthetic block time of height.
func BlockTime(height int64) time.Time {
	return GenesisTime.Add(time.Duration(height) * 10 * time.Minute)
}

// Index is an in-memory ledger index. It is safe for concurrent use.
type Index struct {
	mu        sync.RWMutex
	txs       map[string]*models.Transaction
	spends    map[models.Outpoint]models.SpendRef
	history   map[string]map[string]*models.AddressTx
	tip       int64
	failTx    map[string]error
	upstream  int
	delay     time.Duration
	calls     atomic.Int64
	txLookups atomic.Int64
	inFlight  atomic.Int64
	maxFlight atomic.Int64
}

// New creates an empty index.
func New() *Index {
	return &Index{
		txs:     make(map[string]*models.Transaction),
		spends:  make(map[models.Outpoint]models.SpendRef),
		history: make(map[string]map[string]*models.AddressTx),
		failTx:  make(map[string]error),
		tip:     -1,
	}
}

// Out builds an output paying value to addr as P2WPKH.
func Out(addr string, value int64) models.Vout {
	return models.Vout{Address: addr, Value: value, ScriptType: models.ScriptP2WPKH}
}

// Coinbase builds a coinbase transaction.
func Coinbase(txid string, height int64, outs ...models.Vout) *models.Transaction {
	tx := newTx(txid, height, outs)
	tx.IsCoinbase = true
	tx.Inputs = []models.Vin{{Index: 0, Coinbase: true, Sequence: 0xffffffff}}
	return tx
}

// Spend builds a transaction consuming ins and creating outs.
func Spend(txid string, height int64, ins []models.Outpoint, outs ...models.Vout) *models.Transaction {
	tx := newTx(txid, height, outs)
	for i, op := range ins {
		tx.Inputs = append(tx.Inputs, models.Vin{
			Index:    i,
			PrevTxID: op.TxID,
			PrevVout: op.Vout,
			Sequence: 0xfffffffd,
		})
	}
	return tx
}

// Op is shorthand for an outpoint.
func Op(txid string, vout uint32) models.Outpoint {
	return models.Outpoint{TxID: txid, Vout: vout}
}

func newTx(txid string, height int64, outs []models.Vout) *models.Transaction {
	tx := &models.Transaction{
		TxID:        txid,
		BlockHash:   "block-" + txid,
		BlockHeight: height,
		BlockTime:   BlockTime(height),
		Version:     2,
		Chain:       "btc",
	}
	for i, out := range outs {
		out.Index = uint32(i)
		tx.Outputs = append(tx.Outputs, out)
	}
	return tx
}

// Add indexes tx: inputs are resolved against known transactions, spends
// and address history entries are recorded, and the tip is advanced.
func (i *Index) Add(txs ...*models.Transaction) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, tx := range txs {
		for n := range tx.Inputs {
			in := &tx.Inputs[n]
			if in.Coinbase {
				continue
			}
			if prev, ok := i.txs[in.PrevTxID]; ok && !in.Resolved {
				if out, ok := prev.Output(in.PrevVout); ok {
					in.Address = out.Address
					in.Value = out.Value
					in.ScriptType = out.ScriptType
					in.Resolved = true
				}
			}
			i.spends[models.Outpoint{TxID: in.PrevTxID, Vout: in.PrevVout}] = models.SpendRef{
				TxID:   tx.TxID,
				Vin:    in.Index,
				Height: tx.BlockHeight,
			}
			if in.Address != "" {
				i.entry(in.Address, tx).Sent += in.Value
			}
		}
		for _, out := range tx.Outputs {
			if out.Address != "" {
				i.entry(out.Address, tx).Received += out.Value
			}
		}
		i.txs[tx.TxID] = tx
		if tx.BlockHeight > i.tip {
			i.tip = tx.BlockHeight
		}
	}
}

func (i *Index) entry(addr string, tx *models.Transaction) *models.AddressTx {
	m, ok := i.history[addr]
	if !ok {
		m = make(map[string]*models.AddressTx)
		i.history[addr] = m
	}
	e, ok := m[tx.TxID]
	if !ok {
		e = &models.AddressTx{TxID: tx.TxID, Height: tx.BlockHeight}
		m[tx.TxID] = e
	}
	return e
}

// FailTransaction makes lookups of txid return err.
func (i *Index) FailTransaction(txid string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failTx[txid] = err
}

// FailUpstream makes the next n calls return an upstream-unavailable error.
func (i *Index) FailUpstream(n int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.upstream = n
}

// SetDelay adds latency to every call. Calls honour context cancellation.
func (i *Index) SetDelay(d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.delay = d
}

// Calls returns the number of calls served.
func (i *Index) Calls() int64 {
	return i.calls.Load()
}

// MaxInFlight returns the highest number of calls that were running at the
// same time.
func (i *Index) MaxInFlight() int64 {
	return i.maxFlight.Load()
}

// track counts a running call until the returned func is called.
func (i *Index) track() func() {
	n := i.inFlight.Add(1)
	for {
		m := i.maxFlight.Load()
		if n <= m || i.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { i.inFlight.Add(-1) }
}

// TransactionLookups returns the number of Transaction calls served.
func (i *Index) TransactionLookups() int64 {
	return i.txLookups.Load()
}

func (i *Index) begin(ctx context.Context, op string) error {
	i.calls.Add(1)

	i.mu.Lock()
	delay := i.delay
	failing := i.upstream > 0
	if failing {
		i.upstream--
	}
	i.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if failing {
		return apperr.Upstream(op, errors.New("connection refused"))
	}
	return nil
}

func (i *Index) Transaction(ctx context.Context, txid string) (*models.Transaction, error) {
	defer i.track()()
	i.txLookups.Add(1)
	if err := i.begin(ctx, "ledgertest.transaction"); err != nil {
		return nil, err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	if err, ok := i.failTx[txid]; ok {
		return nil, err
	}
	tx, ok := i.txs[txid]
	if !ok {
		return nil, apperr.NotFound("ledgertest.transaction", "transaction %s not found", txid)
	}
	return tx, nil
}

func (i *Index) Spender(ctx context.Context, txid string, vout uint32) (*models.SpendRef, error) {
	defer i.track()()
	if err := i.begin(ctx, "ledgertest.spender"); err != nil {
		return nil, err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	ref, ok := i.spends[models.Outpoint{TxID: txid, Vout: vout}]
	if !ok {
		return nil, nil
	}
	return &ref, nil
}

func (i *Index) AddressHistory(ctx context.Context, address string, limit int) ([]models.AddressTx, error) {
	defer i.track()()
	if err := i.begin(ctx, "ledgertest.address_history"); err != nil {
		return nil, err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	var out []models.AddressTx
	for _, e := range i.history[address] {
		out = append(out, *e)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Height != out[b].Height {
			return out[a].Height < out[b].Height
		}
		return out[a].TxID < out[b].TxID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (i *Index) TipHeight(ctx context.Context) (int64, error) {
	defer i.track()()
	if err := i.begin(ctx, "ledgertest.tip"); err != nil {
		return 0, err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.tip, nil
}
