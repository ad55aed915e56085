package models

import (
	"time"
)

// Transaction is a ledger transaction as stored by the local index.
// Inputs carry the resolved address and value of the output they spend
// when that output was indexed.
type Transaction struct {
	TxID        string    `json:"txid"`
	BlockHash   string    `json:"block_hash"`
	BlockHeight int64     `json:"block_height"`
	BlockTime   time.Time `json:"block_time"`
	Version     int32     `json:"version"`
	LockTime    uint32    `json:"lock_time"`
	Size        int       `json:"size"`
	VSize       int       `json:"vsize"`
	IsCoinbase  bool      `json:"is_coinbase"`
	Inputs      []Vin     `json:"inputs"`
	Outputs     []Vout    `json:"outputs"`
	Chain       string    `json:"chain"`
}

// Confirmed reports whether the transaction is included in a block.
func (t *Transaction) Confirmed() bool {
	return t.BlockHash != ""
}

// Height returns the block height, or nil while unconfirmed.
func (t *Transaction) Height() *int64 {
	if !t.Confirmed() {
		return nil
	}
	h := t.BlockHeight
	return &h
}

// InputTotal sums the resolved input values in satoshis.
func (t *Transaction) InputTotal() int64 {
	var total int64
	for _, in := range t.Inputs {
		total += in.Value
	}
	return total
}

// OutputTotal sums the output values in satoshis.
func (t *Transaction) OutputTotal() int64 {
	var total int64
	for _, out := range t.Outputs {
		total += out.Value
	}
	return total
}

// Fee returns the fee when every input is resolved, otherwise 0.
func (t *Transaction) Fee() int64 {
	if t.IsCoinbase {
		return 0
	}
	for _, in := range t.Inputs {
		if !in.Resolved {
			return 0
		}
	}
	fee := t.InputTotal() - t.OutputTotal()
	if fee < 0 {
		return 0
	}
	return fee
}

// Output returns the output at index n.
func (t *Transaction) Output(n uint32) (*Vout, bool) {
	for i := range t.Outputs {
		if t.Outputs[i].Index == n {
			return &t.Outputs[i], true
		}
	}
	return nil, false
}

// InputAddresses returns the distinct resolved input addresses in input order.
func (t *Transaction) InputAddresses() []string {
	seen := make(map[string]bool, len(t.Inputs))
	var addrs []string
	for _, in := range t.Inputs {
		if in.Address == "" || seen[in.Address] {
			continue
		}
		seen[in.Address] = true
		addrs = append(addrs, in.Address)
	}
	return addrs
}

// OutputAddresses returns the distinct output addresses in output order.
func (t *Transaction) OutputAddresses() []string {
	seen := make(map[string]bool, len(t.Outputs))
	var addrs []string
	for _, out := range t.Outputs {
		if out.Address == "" || seen[out.Address] {
			continue
		}
		seen[out.Address] = true
		addrs = append(addrs, out.Address)
	}
	return addrs
}
