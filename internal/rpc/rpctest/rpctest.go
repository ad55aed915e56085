// Package rpctest provides an in-memory rpc.Source for tests.
package rpctest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/thanhnp/chainforensics/internal/models"
	"github.com/thanhnp/chainforensics/internal/rpc"
)

// ErrNodeDown is returned while failures are injected
var ErrNodeDown = errors.New("rpctest: node unavailable")

type entry struct {
	block *models.Block
	txs   []*models.Transaction
}

// Source is an in-memory active chain
type Source struct {
	mu       sync.Mutex
	chain    string
	active   []entry
	byHash   map[string]entry
	failures int
	closed   bool
}

var _ rpc.Source = (*Source)(nil)

// New creates an empty chain
func New(chain string) *Source {
	return &Source{chain: chain, byHash: make(map[string]entry)}
}

// Append connects a block built from txs at the next height and returns it.
// Transaction block fields are filled in.
func (s *Source) Append(hash string, txs ...*models.Transaction) *models.Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	height := int64(len(s.active))
	prev := ""
	if height > 0 {
		prev = s.active[height-1].block.Hash
	}
	block := &models.Block{Hash: hash, Height: height, PreviousHash: prev, Chain: s.chain}
	for _, tx := range txs {
		tx.BlockHash = hash
		tx.BlockHeight = height
		tx.Chain = s.chain
		if block.Timestamp.IsZero() {
			block.Timestamp = tx.BlockTime
		}
		block.TxIDs = append(block.TxIDs, tx.TxID)
	}
	e := entry{block: block, txs: txs}
	s.active = append(s.active, e)
	s.byHash[hash] = e
	return block
}

// Truncate disconnects every block above height
func (s *Source) Truncate(height int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if height+1 < int64(len(s.active)) {
		s.active = s.active[:height+1]
	}
}

// FailNext makes the next n calls return ErrNodeDown
func (s *Source) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// Closed reports whether Close was called
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Source) fail() bool {
	if s.failures > 0 {
		s.failures--
		return true
	}
	return false
}

// Chain implements rpc.Source
func (s *Source) Chain() string {
	return s.chain
}

// GetCurrentHeight implements rpc.Source
func (s *Source) GetCurrentHeight() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail() {
		return 0, ErrNodeDown
	}
	return int64(len(s.active)) - 1, nil
}

// GetBlockHash implements rpc.Source
func (s *Source) GetBlockHash(height int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail() {
		return "", ErrNodeDown
	}
	if height < 0 || height >= int64(len(s.active)) {
		return "", fmt.Errorf("rpctest: no block at height %d", height)
	}
	return s.active[height].block.Hash, nil
}

// GetBlock implements rpc.Source. Returned transactions are copies with
// unresolved inputs.
func (s *Source) GetBlock(hash string) (*models.Block, []*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail() {
		return nil, nil, ErrNodeDown
	}
	e, ok := s.byHash[hash]
	if !ok {
		return nil, nil, fmt.Errorf("rpctest: unknown block %s", hash)
	}
	block := *e.block
	txs := make([]*models.Transaction, len(e.txs))
	for i, tx := range e.txs {
		cp := *tx
		cp.Inputs = append([]models.Vin(nil), tx.Inputs...)
		cp.Outputs = append([]models.Vout(nil), tx.Outputs...)
		txs[i] = &cp
	}
	return &block, txs, nil
}

// Close implements rpc.Source
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
