// Package rpc fetches blocks from bitcoind/litecoind over JSON-RPC and
// converts them into the models stored by the ledger index.
package rpc

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/thanhnp/chainforensics/internal/config"
	"github.com/thanhnp/chainforensics/internal/models"
	"github.com/thanhnp/chainforensics/pkg/semver"
)

// minNodeVersion is the oldest node with getblock verbosity 2
var minNodeVersion = semver.NewSemver(0, 17, 0)

// Source is a node the syncer pulls blocks from
type Source interface {
	// Chain returns the chain identifier ("btc" or "ltc")
	Chain() string

	// GetCurrentHeight returns the node's best block height
	GetCurrentHeight() (int64, error)

	// GetBlockHash returns the hash of the active-chain block at height
	GetBlockHash(height int64) (string, error)

	// GetBlock returns a block and its transactions with inputs unresolved
	GetBlock(hash string) (*models.Block, []*models.Transaction, error)

	// Close releases the connection
	Close()
}

func readCert(cfg *config.ChainConfig) ([]byte, error) {
	if cfg.DisableTLS || cfg.Cert == "" {
		return nil, nil
	}
	certs, err := os.ReadFile(cfg.Cert)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	return certs, nil
}

func checkNodeVersion(log zerolog.Logger, version int32) error {
	ver := semver.FromNodeVersion(version)
	if !ver.AtLeast(minNodeVersion) {
		return fmt.Errorf("node version %s is older than required %s", ver, minNodeVersion)
	}
	log.Info().Str("version", ver.String()).Msg("Connected to node")
	return nil
}
