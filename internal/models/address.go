package models

// AddressTx is one entry of an address history. Received and Sent are the
// amounts the transaction paid to and spent from the address.
type AddressTx struct {
	TxID     string `json:"txid"`
	Height   int64  `json:"height"`
	Received int64  `json:"received"`
	Sent     int64  `json:"sent"`
}
