package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thanhnp/chainforensics/internal/logging"
	"github.com/thanhnp/chainforensics/internal/models"
	"github.com/thanhnp/chainforensics/internal/rpc"
)

type blockEvent struct {
	hash   string
	height int64
}

type disconnectEvent struct {
	hash   string
	height int64
}

// Poller detects new blocks by polling the node over HTTP and reports
// reorgs by comparing node hashes with the locally indexed ones
type Poller struct {
	source            rpc.Source
	hashAt            HashLookup
	anyQ              chan interface{}
	blockHandler      BlockHandler
	disconnectHandler DisconnectHandler
	mu                sync.RWMutex
	running           bool
	cancel            context.CancelFunc
	done              sync.WaitGroup
	pollInterval      time.Duration
	lastKnownHeight   int64
	startSet          bool
	log               zerolog.Logger
}

var _ BlockNotifier = (*Poller)(nil)

// NewPoller creates a notifier over source
func NewPoller(source rpc.Source, pollIntervalSecs int) *Poller {
	p := &Poller{
		source:       source,
		anyQ:         make(chan interface{}, 1024),
		pollInterval: 10 * time.Second,
		log:          logging.Chain("notifier", source.Chain()),
	}
	if pollIntervalSecs > 0 {
		p.pollInterval = time.Duration(pollIntervalSecs) * time.Second
	}
	return p
}

// SetPollInterval overrides the polling interval
func (n *Poller) SetPollInterval(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pollInterval = d
}

// SetHashLookup enables reorg detection against the local index
func (n *Poller) SetHashLookup(fn HashLookup) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hashAt = fn
}

// SetStartHeight sets the last height already handled
func (n *Poller) SetStartHeight(height int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastKnownHeight = height
	n.startSet = true
}

// Start starts polling
func (n *Poller) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return nil
	}
	startSet := n.startSet
	n.mu.Unlock()

	if !startSet {
		height, err := n.source.GetCurrentHeight()
		if err != nil {
			return fmt.Errorf("failed to get initial block count: %w", err)
		}
		n.SetStartHeight(height)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.mu.Lock()
	n.cancel = cancel
	n.running = true
	interval := n.pollInterval
	height := n.lastKnownHeight
	n.mu.Unlock()

	n.log.Info().Dur("interval", interval).Int64("height", height).Msg("Starting block polling")

	n.done.Add(2)
	go n.superQueue(ctx)
	go n.pollBlocks(ctx, interval)
	return nil
}

// Stop stops polling and waits for queued events to finish
func (n *Poller) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.cancel()
	n.running = false
	n.mu.Unlock()

	n.done.Wait()
	n.log.Info().Msg("Block notifier stopped")
	return nil
}

func (n *Poller) pollBlocks(ctx context.Context, interval time.Duration) {
	defer n.done.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.checkForNewBlocks(ctx)
		}
	}
}

// checkForNewBlocks queues disconnects back to the fork point, then every
// block above the last known height
func (n *Poller) checkForNewBlocks(ctx context.Context) {
	n.mu.RLock()
	lastHeight := n.lastKnownHeight
	hashAt := n.hashAt
	n.mu.RUnlock()

	currentHeight, err := n.source.GetCurrentHeight()
	if err != nil {
		n.log.Warn().Err(err).Msg("Failed to get block count")
		return
	}

	if hashAt != nil {
		lastHeight, err = n.rewind(ctx, lastHeight, hashAt)
		if err != nil {
			n.log.Warn().Err(err).Msg("Reorg check failed")
			return
		}
	}

	for height := lastHeight + 1; height <= currentHeight; height++ {
		hash, err := n.source.GetBlockHash(height)
		if err != nil {
			n.log.Warn().Err(err).Int64("height", height).Msg("Failed to get block hash")
			break
		}
		n.log.Debug().Int64("height", height).Str("hash", hash).Msg("New block detected")
		if !n.enqueue(ctx, &blockEvent{hash: hash, height: height}) {
			return
		}
		lastHeight = height
	}

	n.mu.Lock()
	n.lastKnownHeight = lastHeight
	n.mu.Unlock()
}

func (n *Poller) rewind(ctx context.Context, height int64, hashAt HashLookup) (int64, error) {
	for height >= 0 {
		local, err := hashAt(height)
		if err != nil {
			return height, err
		}
		if local == "" {
			return height, nil
		}
		remote, err := n.source.GetBlockHash(height)
		if err != nil {
			return height, err
		}
		if remote == local {
			return height, nil
		}
		n.log.Warn().Int64("height", height).Str("local", local).Str("node", remote).Msg("Block disconnected")
		if !n.enqueue(ctx, &disconnectEvent{hash: local, height: height}) {
			return height, ctx.Err()
		}
		height--
	}
	return height, nil
}

func (n *Poller) enqueue(ctx context.Context, msg interface{}) bool {
	select {
	case n.anyQ <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// superQueue processes events in arrival order
func (n *Poller) superQueue(ctx context.Context) {
	defer n.done.Done()
	for {
		select {
		case rawMsg := <-n.anyQ:
			switch msg := rawMsg.(type) {
			case *blockEvent:
				n.processBlock(msg)
			case *disconnectEvent:
				n.processDisconnect(msg)
			default:
				n.log.Warn().Str("type", fmt.Sprintf("%T", rawMsg)).Msg("Unknown message type in queue")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Poller) processBlock(ev *blockEvent) {
	n.mu.RLock()
	handler := n.blockHandler
	n.mu.RUnlock()
	if handler == nil {
		return
	}

	block, txs, err := n.source.GetBlock(ev.hash)
	if err != nil {
		n.log.Error().Err(err).Int64("height", ev.height).Msg("Failed to get block")
		return
	}
	handler(block, txs)
}

func (n *Poller) processDisconnect(ev *disconnectEvent) {
	n.mu.RLock()
	handler := n.disconnectHandler
	n.mu.RUnlock()
	if handler != nil {
		handler(ev.hash, ev.height)
	}
}

// OnBlockConnected registers a handler for new blocks
func (n *Poller) OnBlockConnected(handler BlockHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blockHandler = handler
}

// OnBlockDisconnected registers a handler for disconnected blocks
func (n *Poller) OnBlockDisconnected(handler DisconnectHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnectHandler = handler
}

// GetBlockByHeight retrieves the active-chain block at height
func (n *Poller) GetBlockByHeight(height int64) (*models.Block, []*models.Transaction, error) {
	hash, err := n.source.GetBlockHash(height)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get block hash at %d: %w", height, err)
	}
	return n.source.GetBlock(hash)
}

// GetCurrentHeight returns the node's block height
func (n *Poller) GetCurrentHeight() (int64, error) {
	return n.source.GetCurrentHeight()
}

// Chain returns the chain identifier
func (n *Poller) Chain() string {
	return n.source.Chain()
}
