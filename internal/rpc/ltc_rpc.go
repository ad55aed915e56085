package rpc

import (
	"fmt"
	"time"

	"github.com/ltcsuite/ltcd/blockchain"
	"github.com/ltcsuite/ltcd/btcjson"
	"github.com/ltcsuite/ltcd/chaincfg"
	"github.com/ltcsuite/ltcd/chaincfg/chainhash"
	"github.com/ltcsuite/ltcd/rpcclient"
	"github.com/ltcsuite/ltcd/txscript"
	"github.com/ltcsuite/ltcd/wire"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/thanhnp/chainforensics/internal/config"
	"github.com/thanhnp/chainforensics/internal/logging"
	"github.com/thanhnp/chainforensics/internal/models"
)

// LTCClient wraps the Litecoin RPC client
type LTCClient struct {
	client *rpcclient.Client
	params *chaincfg.Params
	cb     *gobreaker.CircuitBreaker
	log    zerolog.Logger
}

// ConnectLTC connects to litecoind in HTTP POST mode and checks its version
func ConnectLTC(cfg *config.ChainConfig) (*LTCClient, error) {
	log := logging.Chain("rpc", "ltc")

	params, err := LTCParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	certs, err := readCert(cfg)
	if err != nil {
		return nil, err
	}

	log.Info().Str("host", cfg.Host).Str("user", cfg.User).Bool("tls", !cfg.DisableTLS).
		Msg("Attempting to connect to litecoin RPC")

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
		Certificates: certs,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}

	info, err := client.GetNetworkInfo()
	if err != nil {
		client.Shutdown()
		return nil, fmt.Errorf("unable to get node version: %w", err)
	}
	if err := checkNodeVersion(log, info.Version); err != nil {
		client.Shutdown()
		return nil, err
	}

	return &LTCClient{
		client: client,
		params: params,
		cb:     newBreaker("ltc", log),
		log:    log,
	}, nil
}

// Chain returns "ltc"
func (c *LTCClient) Chain() string {
	return "ltc"
}

// Close closes the RPC client connection
func (c *LTCClient) Close() {
	c.client.Shutdown()
}

// GetCurrentHeight returns the current block height
func (c *LTCClient) GetCurrentHeight() (int64, error) {
	return call(c.cb, c.client.GetBlockCount)
}

// GetBlockHash returns the block hash for a given height
func (c *LTCClient) GetBlockHash(height int64) (string, error) {
	hash, err := call(c.cb, func() (*chainhash.Hash, error) {
		return c.client.GetBlockHash(height)
	})
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// GetBlock fetches the block header info and the raw block, then decodes
// the transactions locally
func (c *LTCClient) GetBlock(hash string) (*models.Block, []*models.Transaction, error) {
	h, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid block hash %s: %w", hash, err)
	}
	verbose, err := call(c.cb, func() (*btcjson.GetBlockVerboseResult, error) {
		return c.client.GetBlockVerbose(h)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get block %s: %w", hash, err)
	}
	msgBlock, err := call(c.cb, func() (*wire.MsgBlock, error) {
		return c.client.GetBlock(h)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get raw block %s: %w", hash, err)
	}
	block, txs := ParseLTCBlock(verbose, msgBlock, c.params)
	return block, txs, nil
}

// ParseLTCBlock converts a raw block into the indexed models. Height and
// previous hash come from the verbose header.
func ParseLTCBlock(verbose *btcjson.GetBlockVerboseResult, msgBlock *wire.MsgBlock, params *chaincfg.Params) (*models.Block, []*models.Transaction) {
	blockTime := msgBlock.Header.Timestamp.UTC()
	if blockTime.IsZero() {
		blockTime = time.Unix(verbose.Time, 0).UTC()
	}
	block := &models.Block{
		Hash:         verbose.Hash,
		Height:       verbose.Height,
		PreviousHash: verbose.PreviousHash,
		Timestamp:    blockTime,
		TxIDs:        make([]string, 0, len(msgBlock.Transactions)),
		Chain:        "ltc",
	}

	txs := make([]*models.Transaction, 0, len(msgBlock.Transactions))
	for _, msgTx := range msgBlock.Transactions {
		txid := msgTx.TxHash().String()
		size := msgTx.SerializeSize()
		stripped := msgTx.SerializeSizeStripped()

		tx := &models.Transaction{
			TxID:        txid,
			BlockHash:   verbose.Hash,
			BlockHeight: verbose.Height,
			BlockTime:   blockTime,
			Version:     msgTx.Version,
			LockTime:    msgTx.LockTime,
			Size:        size,
			VSize:       (stripped*3 + size + 3) / 4,
			IsCoinbase:  blockchain.IsCoinBaseTx(msgTx),
			Inputs:      make([]models.Vin, 0, len(msgTx.TxIn)),
			Outputs:     make([]models.Vout, 0, len(msgTx.TxOut)),
			Chain:       "ltc",
		}

		for j, txIn := range msgTx.TxIn {
			vin := models.Vin{
				Index:    j,
				Sequence: txIn.Sequence,
				Coinbase: tx.IsCoinbase,
			}
			if !tx.IsCoinbase {
				vin.PrevTxID = txIn.PreviousOutPoint.Hash.String()
				vin.PrevVout = txIn.PreviousOutPoint.Index
			}
			tx.Inputs = append(tx.Inputs, vin)
		}

		for n, txOut := range msgTx.TxOut {
			scriptType, address := ltcScriptInfo(txOut.PkScript, params)
			tx.Outputs = append(tx.Outputs, models.Vout{
				Index:      uint32(n),
				Value:      txOut.Value,
				Address:    address,
				ScriptType: scriptType,
			})
		}

		block.TxIDs = append(block.TxIDs, txid)
		txs = append(txs, tx)
	}
	return block, txs
}

func ltcScriptInfo(script []byte, params *chaincfg.Params) (models.ScriptType, string) {
	class, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil {
		return models.ScriptNonStandard, ""
	}
	scriptType := models.ParseScriptType(class.String())
	if len(addrs) != 1 {
		return scriptType, ""
	}
	return scriptType, addrs[0].EncodeAddress()
}
