package models

// Vout is a transaction output.
type Vout struct {
	Index      uint32     `json:"index"`
	Value      int64      `json:"value"` // in satoshis
	Address    string     `json:"address,omitempty"`
	ScriptType ScriptType `json:"script_type"`
}
