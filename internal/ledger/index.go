// Package ledger exposes the read-only Ledger Index consumed by the analysis
// components, together with its Pebble-backed and cached implementations.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/models"
)

// Index is a read-only view over indexed transactions, spends and address
// histories. Missing objects are reported as apperr.NotFound and backend
// failures as apperr.Upstream.
type Index interface {
	// Transaction returns the transaction with the given id.
	Transaction(ctx context.Context, txid string) (*models.Transaction, error)
	// Spender returns the input that consumed txid:vout, or nil when the
	// output is unspent.
	Spender(ctx context.Context, txid string, vout uint32) (*models.SpendRef, error)
	// AddressHistory returns up to limit history entries ordered by height
	// then txid. limit <= 0 returns everything.
	AddressHistory(ctx context.Context, address string, limit int) ([]models.AddressTx, error)
	// TipHeight returns the height of the last indexed block.
	TipHeight(ctx context.Context) (int64, error)
}

// Registry maps chain identifiers to their Index.
type Registry struct {
	mu     sync.RWMutex
	chains map[string]Index
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{chains: make(map[string]Index)}
}

// Register sets the Index of a chain.
func (r *Registry) Register(chain string, idx Index) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[chain] = idx
}

// Get returns the Index of chain.
func (r *Registry) Get(chain string) (Index, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.chains[chain]
	if !ok {
		return nil, apperr.Invalid("ledger.registry", "chain %s not registered", chain)
	}
	return idx, nil
}

// Chains lists the registered chains in sorted order.
func (r *Registry) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chains := make([]string, 0, len(r.chains))
	for c := range r.chains {
		chains = append(chains, c)
	}
	sort.Strings(chains)
	return chains
}

// UnspentOutputs lists the unspent outputs paid to address, resolving spend
// state through idx.
func UnspentOutputs(ctx context.Context, idx Index, address string, limit int) ([]models.TxOutput, error) {
	history, err := idx.AddressHistory(ctx, address, limit)
	if err != nil {
		return nil, err
	}

	var utxos []models.TxOutput
	for _, h := range history {
		if h.Received == 0 {
			continue
		}
		tx, err := idx.Transaction(ctx, h.TxID)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", h.TxID, err)
		}
		for i := range tx.Outputs {
			out := &tx.Outputs[i]
			if out.Address != address {
				continue
			}
			ref, err := idx.Spender(ctx, tx.TxID, out.Index)
			if err != nil {
				return nil, fmt.Errorf("spender %s:%d: %w", tx.TxID, out.Index, err)
			}
			if ref == nil {
				utxos = append(utxos, models.NewTxOutput(tx, out, models.StatusUnspent))
			}
		}
	}
	return utxos, nil
}
