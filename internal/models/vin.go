package models

// Vin is a transaction input. Address, Value and ScriptType describe the
// previous output and are only meaningful when Resolved is set.
type Vin struct {
	Index      int        `json:"index"`
	PrevTxID   string     `json:"prev_txid"`
	PrevVout   uint32     `json:"prev_vout"`
	Sequence   uint32     `json:"sequence"`
	Coinbase   bool       `json:"coinbase,omitempty"`
	Address    string     `json:"address,omitempty"`
	Value      int64      `json:"value"` // in satoshis
	ScriptType ScriptType `json:"script_type,omitempty"`
	Resolved   bool       `json:"resolved"`
}
