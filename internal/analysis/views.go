package analysis

import (
	"context"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/models"
)

// DefaultHistoryLimit bounds address history views.
const DefaultHistoryLimit = 100

// Transaction returns an indexed transaction.
func (s *Service) Transaction(ctx context.Context, chainName, txid string) (*models.Transaction, error) {
	const op = "tx"
	c, err := s.chain(chainName)
	if err != nil {
		return nil, err
	}
	if txid, err = s.txid(op, txid); err != nil {
		return nil, err
	}

	var tx *models.Transaction
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		t, err := c.Index.Transaction(ctx, txid)
		if err != nil {
			return false, err
		}
		tx = t
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// OutputView is one output with its spend state.
type OutputView struct {
	models.TxOutput
	SpentBy *models.SpendRef `json:"spent_by"`
	Label   *models.Label    `json:"label,omitempty"`
}

// Output returns txid:vout with its spend state.
func (s *Service) Output(ctx context.Context, chainName, txid string, vout uint32) (*OutputView, error) {
	const op = "output"
	c, err := s.chain(chainName)
	if err != nil {
		return nil, err
	}
	if txid, err = s.txid(op, txid); err != nil {
		return nil, err
	}

	var view *OutputView
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		tx, err := c.Index.Transaction(ctx, txid)
		if err != nil {
			return false, err
		}
		out, ok := tx.Output(vout)
		if !ok {
			return false, apperr.NotFound(op, "output %s:%d not found", txid, vout)
		}
		ref, err := c.Index.Spender(ctx, txid, vout)
		if err != nil {
			return false, err
		}
		status := models.StatusUnspent
		if ref != nil {
			status = models.StatusSpent
		}
		view = &OutputView{TxOutput: models.NewTxOutput(tx, out, status), SpentBy: ref}
		if out.Address != "" {
			var warnings []string
			view.Label = s.annotate(c.Name, []string{out.Address}, &warnings)[out.Address]
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// AddressView is the history of an address.
type AddressView struct {
	Address       string             `json:"address"`
	TxCount       int                `json:"tx_count"`
	TotalReceived int64              `json:"total_received_sats"`
	TotalSent     int64              `json:"total_sent_sats"`
	Balance       int64              `json:"balance_sats"`
	History       []models.AddressTx `json:"history"`
	Label         *models.Label      `json:"label,omitempty"`
	Entity        *models.Entity     `json:"entity,omitempty"`
}

// Address returns up to limit history entries of address. Totals cover the
// returned entries only.
func (s *Service) Address(ctx context.Context, chainName, address string, limit int) (*AddressView, error) {
	const op = "address"
	c, err := s.chain(chainName)
	if err != nil {
		return nil, err
	}
	if address, err = s.address(op, c, address); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, apperr.Invalid(op, "limit must not be negative")
	}
	if limit == 0 {
		limit = DefaultHistoryLimit
	}

	var view *AddressView
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		history, err := c.Index.AddressHistory(ctx, address, limit)
		if err != nil {
			return false, err
		}
		if len(history) == 0 {
			return false, apperr.NotFound(op, "address %s has no history", address)
		}
		view = &AddressView{Address: address, TxCount: len(history), History: history}
		for _, h := range history {
			view.TotalReceived += h.Received
			view.TotalSent += h.Sent
		}
		view.Balance = view.TotalReceived - view.TotalSent
		var warnings []string
		view.Label = s.annotate(c.Name, []string{address}, &warnings)[address]
		if e, ok := (chainEntities{s.entities, c.Name}).Lookup(address); ok {
			view.Entity = &e
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ChainStatus is the sync state of one chain.
type ChainStatus struct {
	Chain         string `json:"chain"`
	IndexedHeight int64  `json:"indexed_height"`
	NodeHeight    *int64 `json:"node_height,omitempty"`
	BlocksBehind  *int64 `json:"blocks_behind,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Status reports the indexed and node heights of every chain. Failures
// are reported per chain.
func (s *Service) Status(ctx context.Context) []ChainStatus {
	var out []ChainStatus
	for _, name := range s.Chains() {
		c, err := s.chain(name)
		if err != nil {
			continue
		}
		st := ChainStatus{Chain: name, IndexedHeight: -1}
		tip, err := c.Index.TipHeight(ctx)
		if err != nil {
			st.Error = err.Error()
		} else {
			st.IndexedHeight = tip
		}
		if c.NodeTip != nil {
			if h, err := c.NodeTip(); err != nil {
				if st.Error == "" {
					st.Error = err.Error()
				}
			} else {
				st.NodeHeight = &h
				behind := h - st.IndexedHeight
				st.BlocksBehind = &behind
			}
		}
		out = append(out, st)
	}
	return out
}

// TipHeight returns the indexed tip of a chain.
func (s *Service) TipHeight(ctx context.Context, chainName string) (int64, error) {
	c, err := s.chain(chainName)
	if err != nil {
		return 0, err
	}
	return c.Index.TipHeight(ctx)
}

// ValidateAddress checks address against the chain's address format and
// returns it trimmed.
func (s *Service) ValidateAddress(chainName, address string) (string, error) {
	c, err := s.chain(chainName)
	if err != nil {
		return "", err
	}
	return s.address("address", c, address)
}
