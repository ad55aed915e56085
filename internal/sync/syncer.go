package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/thanhnp/chainforensics/internal/logging"
	"github.com/thanhnp/chainforensics/internal/models"
	"github.com/thanhnp/chainforensics/internal/notifier"
	"github.com/thanhnp/chainforensics/internal/storage"
)

// SyncCheckpointInterval is the number of blocks between sync checkpoints during historical sync
const SyncCheckpointInterval = 300

// BlockHook is called after a block is applied or reverted with the new synced height
type BlockHook func(height int64)

// Syncer keeps the local ledger index in step with the node
type Syncer struct {
	notifier    notifier.BlockNotifier
	stores      *storage.ChainStores
	startHeight int64
	chain       string
	hooks       []BlockHook
	newBackOff  func() backoff.BackOff
	mu          sync.RWMutex
	applyMu     sync.Mutex
	syncing     bool
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	log         zerolog.Logger
}

// NewSyncer creates a new Syncer
func NewSyncer(n notifier.BlockNotifier, stores *storage.ChainStores, startHeight int64) *Syncer {
	return &Syncer{
		notifier:    n,
		stores:      stores,
		startHeight: startHeight,
		chain:       n.Chain(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		log: logging.Chain("sync", n.Chain()),
	}
}

// OnBlockApplied registers a hook run after every applied or reverted block
func (s *Syncer) OnBlockApplied(hook BlockHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Start catches up with the node in the background, then follows new blocks
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return nil
	}
	s.syncing = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	ctx = s.ctx
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.notifier.OnBlockConnected(s.handleBlockConnected)
	s.notifier.OnBlockDisconnected(s.handleBlockDisconnected)

	go s.run(ctx)
	return nil
}

// Stop stops the synchronization
func (s *Syncer) Stop() error {
	s.mu.Lock()
	if !s.syncing {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.syncing = false
	done := s.done
	s.mu.Unlock()

	<-done
	return s.notifier.Stop()
}

// IsSyncing reports whether the syncer is running
func (s *Syncer) IsSyncing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncing
}

// GetSyncedHeight returns the last applied height, -1 when empty
func (s *Syncer) GetSyncedHeight() (int64, error) {
	return s.stores.SyncStore.GetSyncedHeight(s.chain)
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.done)

	if err := s.SyncHistorical(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Msg("Historical sync failed")
		}
		return
	}

	synced, err := s.GetSyncedHeight()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read synced height")
		return
	}
	s.notifier.SetStartHeight(synced)
	if err := s.notifier.Start(); err != nil {
		s.log.Error().Err(err).Msg("Failed to start notifier")
	}
}

// SyncHistorical applies every block from the resume height up to the node tip
func (s *Syncer) SyncHistorical(ctx context.Context) error {
	lastSynced, err := s.GetSyncedHeight()
	if err != nil {
		return fmt.Errorf("failed to get last synced height: %w", err)
	}

	startHeight := s.startHeight
	if lastSynced >= startHeight {
		startHeight = lastSynced + 1
	}

	var currentHeight int64
	err = s.retry(ctx, func() error {
		var err error
		currentHeight, err = s.notifier.GetCurrentHeight()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to get current height: %w", err)
	}

	if startHeight > currentHeight {
		s.log.Info().Int64("synced", lastSynced).Int64("tip", currentHeight).Msg("Already synced")
		return nil
	}

	s.log.Info().Int64("from", startHeight).Int64("to", currentHeight).Msg("Starting historical sync")

	s.stores.DB.SetHistoricalSyncMode(true)
	defer func() {
		if err := s.stores.DB.Sync(); err != nil {
			s.log.Warn().Err(err).Msg("Final sync failed")
		}
		s.stores.DB.SetHistoricalSyncMode(false)
	}()

	for height := startHeight; height <= currentHeight; height++ {
		err := s.retry(ctx, func() error {
			block, txs, err := s.notifier.GetBlockByHeight(height)
			if err != nil {
				return err
			}
			return s.ApplyBlock(block, txs)
		})
		if err != nil {
			return fmt.Errorf("failed to sync block %d: %w", height, err)
		}

		if height%1000 == 0 {
			s.log.Info().Int64("height", height).Msg("Synced")
		}
		if height%SyncCheckpointInterval == 0 {
			if err := s.stores.DB.Sync(); err != nil {
				s.log.Warn().Err(err).Int64("height", height).Msg("Checkpoint sync failed")
			}
		}
	}

	s.log.Info().Int64("height", currentHeight).Msg("Historical sync completed")
	return nil
}

func (s *Syncer) retry(ctx context.Context, op func() error) error {
	return backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), func(err error, wait time.Duration) {
		s.log.Warn().Err(err).Dur("retry_in", wait).Msg("Node request failed")
	})
}

// handleBlockConnected applies a block reported by the notifier. A gap
// since the last applied height is filled first.
func (s *Syncer) handleBlockConnected(block *models.Block, txs []*models.Transaction) {
	synced, err := s.GetSyncedHeight()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read synced height")
		return
	}
	if block.Height <= synced {
		hash, err := s.stores.BlockStore.HashAt(s.chain, block.Height)
		if err == nil && hash == block.Hash {
			return
		}
	}
	if block.Height > synced+1 {
		s.log.Warn().Int64("synced", synced).Int64("height", block.Height).Msg("Gap before connected block, catching up")
		s.mu.RLock()
		ctx := s.ctx
		s.mu.RUnlock()
		if ctx == nil {
			return
		}
		if err := s.SyncHistorical(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Msg("Catch-up failed")
		}
		return
	}

	if err := s.ApplyBlock(block, txs); err != nil {
		s.log.Error().Err(err).Int64("height", block.Height).Msg("Failed to apply block")
		return
	}
	s.log.Info().Int64("height", block.Height).Str("hash", block.Hash).Int("txs", len(txs)).Msg("Block connected")
}

// handleBlockDisconnected handles a disconnected block (reorg)
func (s *Syncer) handleBlockDisconnected(blockHash string, height int64) {
	if err := s.RevertBlock(blockHash, height); err != nil {
		s.log.Error().Err(err).Int64("height", height).Msg("Failed to revert block")
		return
	}
	s.log.Warn().Int64("height", height).Str("hash", blockHash).Msg("Block disconnected")
}

// ApplyBlock indexes a block in a single batch: inputs are resolved against
// earlier transactions of the same block, then the index; spends, address
// history and the synced height are recorded.
func (s *Syncer) ApplyBlock(block *models.Block, txs []*models.Transaction) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	batch := s.stores.DB.NewBatch()
	defer batch.Destroy()

	inBlock := make(map[string]*models.Transaction, len(txs))
	for _, tx := range txs {
		tx.Chain = s.chain
		tx.BlockHash = block.Hash
		tx.BlockHeight = block.Height
		tx.BlockTime = block.Timestamp

		if err := s.resolveInputs(tx, inBlock); err != nil {
			return err
		}
		inBlock[tx.TxID] = tx

		if err := s.stores.TxStore.SaveBatch(batch, tx); err != nil {
			return err
		}
		for _, in := range tx.Inputs {
			if in.Coinbase {
				continue
			}
			ref := models.SpendRef{TxID: tx.TxID, Vin: in.Index, Height: block.Height}
			if err := s.stores.SpendStore.MarkSpentBatch(batch, s.chain, in.PrevTxID, in.PrevVout, ref); err != nil {
				return fmt.Errorf("failed to mark %s:%d spent: %w", in.PrevTxID, in.PrevVout, err)
			}
		}
		for addr, entry := range addressEntries(tx) {
			if err := s.stores.AddressStore.AddBatch(batch, s.chain, addr, entry); err != nil {
				return fmt.Errorf("failed to index address %s: %w", addr, err)
			}
		}
	}

	block.Chain = s.chain
	if err := s.stores.BlockStore.SaveBatch(batch, block); err != nil {
		return fmt.Errorf("failed to save block: %w", err)
	}
	if err := s.stores.SyncStore.SetSyncedHeightBatch(batch, s.chain, block.Height); err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("failed to commit block %d: %w", block.Height, err)
	}

	s.runHooks(block.Height)
	return nil
}

func (s *Syncer) resolveInputs(tx *models.Transaction, inBlock map[string]*models.Transaction) error {
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if in.Coinbase || in.Resolved {
			continue
		}
		prev, ok := inBlock[in.PrevTxID]
		if !ok {
			var err error
			prev, err = s.stores.TxStore.Get(s.chain, in.PrevTxID)
			if err != nil {
				return fmt.Errorf("failed to resolve input %s:%d: %w", in.PrevTxID, in.PrevVout, err)
			}
		}
		if prev == nil {
			// funded below the start height
			continue
		}
		if out, ok := prev.Output(in.PrevVout); ok {
			in.Address = out.Address
			in.Value = out.Value
			in.ScriptType = out.ScriptType
			in.Resolved = true
		}
	}
	return nil
}

// addressEntries aggregates what tx paid to and spent from each address
func addressEntries(tx *models.Transaction) map[string]models.AddressTx {
	entries := make(map[string]models.AddressTx)
	get := func(addr string) models.AddressTx {
		e, ok := entries[addr]
		if !ok {
			e = models.AddressTx{TxID: tx.TxID, Height: tx.BlockHeight}
		}
		return e
	}
	for _, out := range tx.Outputs {
		if out.Address == "" {
			continue
		}
		e := get(out.Address)
		e.Received += out.Value
		entries[out.Address] = e
	}
	for _, in := range tx.Inputs {
		if !in.Resolved || in.Address == "" {
			continue
		}
		e := get(in.Address)
		e.Sent += in.Value
		entries[in.Address] = e
	}
	return entries
}

// RevertBlock undoes ApplyBlock for the block at height. It is a no-op
// when the indexed block at height has a different hash.
func (s *Syncer) RevertBlock(hash string, height int64) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	block, err := s.stores.BlockStore.GetByHash(s.chain, hash)
	if err != nil {
		return fmt.Errorf("failed to load block %s: %w", hash, err)
	}
	if block == nil || block.Height != height {
		return nil
	}
	current, err := s.stores.BlockStore.HashAt(s.chain, height)
	if err != nil {
		return err
	}
	if current != hash {
		return nil
	}

	batch := s.stores.DB.NewBatch()
	defer batch.Destroy()

	for i := len(block.TxIDs) - 1; i >= 0; i-- {
		tx, err := s.stores.TxStore.Get(s.chain, block.TxIDs[i])
		if err != nil {
			return fmt.Errorf("failed to load tx %s: %w", block.TxIDs[i], err)
		}
		if tx == nil {
			continue
		}
		for _, in := range tx.Inputs {
			if in.Coinbase {
				continue
			}
			if err := s.stores.SpendStore.MarkUnspentBatch(batch, s.chain, in.PrevTxID, in.PrevVout); err != nil {
				return err
			}
		}
		for addr := range addressEntries(tx) {
			if err := s.stores.AddressStore.RemoveBatch(batch, s.chain, addr, height, tx.TxID); err != nil {
				return err
			}
		}
		if err := s.stores.TxStore.DeleteBatch(batch, s.chain, tx.TxID); err != nil {
			return err
		}
	}

	if err := s.stores.BlockStore.DeleteBatch(batch, s.chain, hash, height); err != nil {
		return err
	}
	if err := s.stores.SyncStore.SetSyncedHeightBatch(batch, s.chain, height-1); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("failed to commit revert of block %d: %w", height, err)
	}

	s.runHooks(height - 1)
	return nil
}

func (s *Syncer) runHooks(height int64) {
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, hook := range hooks {
		hook(height)
	}
}
