package ledger

import (
	"context"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/models"
	"github.com/thanhnp/chainforensics/internal/storage"
)

// Local is the Index over the Pebble stores filled by the syncer.
type Local struct {
	chain  string
	stores *storage.ChainStores
}

// NewLocal creates a Local index for chain.
func NewLocal(chain string, stores *storage.ChainStores) *Local {
	return &Local{chain: chain, stores: stores}
}

func (l *Local) Transaction(ctx context.Context, txid string) (*models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := l.stores.TxStore.Get(l.chain, txid)
	if err != nil {
		return nil, apperr.Upstream("ledger.transaction", err)
	}
	if tx == nil {
		return nil, apperr.NotFound("ledger.transaction", "transaction %s not found", txid)
	}
	return tx, nil
}

func (l *Local) Spender(ctx context.Context, txid string, vout uint32) (*models.SpendRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref, err := l.stores.SpendStore.Get(l.chain, txid, vout)
	if err != nil {
		return nil, apperr.Upstream("ledger.spender", err)
	}
	return ref, nil
}

func (l *Local) AddressHistory(ctx context.Context, address string, limit int) ([]models.AddressTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	history, err := l.stores.AddressStore.History(l.chain, address, limit)
	if err != nil {
		return nil, apperr.Upstream("ledger.address_history", err)
	}
	return history, nil
}

func (l *Local) TipHeight(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	height, err := l.stores.SyncStore.GetSyncedHeight(l.chain)
	if err != nil {
		return 0, apperr.Upstream("ledger.tip", err)
	}
	return height, nil
}
