package models

// SpendStatus is the spend state of a TxOutput.
type SpendStatus string

const (
	StatusUnspent  SpendStatus = "unspent"
	StatusSpent    SpendStatus = "spent"
	StatusCoinbase SpendStatus = "coinbase"
	StatusUnknown  SpendStatus = "unknown"
)

// Outpoint identifies a transaction output.
type Outpoint struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// TxOutput is an output together with its spend state.
type TxOutput struct {
	TxID        string      `json:"txid"`
	Vout        uint32      `json:"vout"`
	Value       int64       `json:"value_sats"`
	Address     string      `json:"address,omitempty"`
	ScriptType  ScriptType  `json:"script_type"`
	BlockHeight *int64      `json:"block_height"`
	Status      SpendStatus `json:"status"`
}

// SpendRef points at the input that consumed an output.
type SpendRef struct {
	TxID   string `json:"txid"`
	Vin    int    `json:"vin"`
	Height int64  `json:"height"`
}

// NewTxOutput builds a TxOutput from a transaction output.
func NewTxOutput(tx *Transaction, out *Vout, status SpendStatus) TxOutput {
	return TxOutput{
		TxID:        tx.TxID,
		Vout:        out.Index,
		Value:       out.Value,
		Address:     out.Address,
		ScriptType:  out.ScriptType,
		BlockHeight: tx.Height(),
		Status:      status,
	}
}
