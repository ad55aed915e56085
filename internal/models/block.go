package models

import (
	"time"
)

// Block is the indexed header of a connected block.
type Block struct {
	Hash         string    `json:"hash"`
	Height       int64     `json:"height"`
	PreviousHash string    `json:"previous_hash"`
	Timestamp    time.Time `json:"timestamp"`
	TxIDs        []string  `json:"txids"`
	Chain        string    `json:"chain"` // "btc" or "ltc"
}
