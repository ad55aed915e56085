// Package notifier watches a node for connected and disconnected blocks.
package notifier

import (
	"github.com/thanhnp/chainforensics/internal/models"
)

// BlockHandler is called when a new block is connected
type BlockHandler func(block *models.Block, txs []*models.Transaction)

// DisconnectHandler is called when a block is disconnected (reorg)
type DisconnectHandler func(blockHash string, height int64)

// HashLookup returns the locally indexed block hash at height, "" when none
type HashLookup func(height int64) (string, error)

// BlockNotifier defines the interface for blockchain notifiers
type BlockNotifier interface {
	// Start starts the notifier and begins listening for block notifications
	Start() error

	// Stop stops the notifier
	Stop() error

	// OnBlockConnected registers a handler for new blocks
	OnBlockConnected(handler BlockHandler)

	// OnBlockDisconnected registers a handler for disconnected blocks (reorgs)
	OnBlockDisconnected(handler DisconnectHandler)

	// SetStartHeight sets the last height already handled; polling resumes above it
	SetStartHeight(height int64)

	// GetBlockByHeight retrieves a block by height
	GetBlockByHeight(height int64) (*models.Block, []*models.Transaction, error)

	// GetCurrentHeight returns the current blockchain height
	GetCurrentHeight() (int64, error)

	// Chain returns the chain identifier ("btc" or "ltc")
	Chain() string
}
