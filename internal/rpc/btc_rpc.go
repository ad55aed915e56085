package rpc

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/thanhnp/chainforensics/internal/config"
	"github.com/thanhnp/chainforensics/internal/logging"
	"github.com/thanhnp/chainforensics/internal/models"
)

// BTCClient wraps the Bitcoin RPC client
type BTCClient struct {
	client *rpcclient.Client
	params *chaincfg.Params
	cb     *gobreaker.CircuitBreaker
	log    zerolog.Logger
}

// ConnectBTC connects to bitcoind in HTTP POST mode and checks its version
func ConnectBTC(cfg *config.ChainConfig) (*BTCClient, error) {
	log := logging.Chain("rpc", "btc")

	params, err := BTCParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	certs, err := readCert(cfg)
	if err != nil {
		return nil, err
	}

	log.Info().Str("host", cfg.Host).Str("user", cfg.User).Bool("tls", !cfg.DisableTLS).
		Msg("Attempting to connect to bitcoin RPC")

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

	return &BTCClient{
		client: client,
		params: params,
		cb:     newBreaker("btc", log),
		log:    log,
	}, nil
}

// Chain returns "btc"
func (c *BTCClient) Chain() string {
	return "btc"
}

// Close closes the RPC client connection
func (c *BTCClient) Close() {
	c.client.Shutdown()
}

// GetCurrentHeight returns the current block height
func (c *BTCClient) GetCurrentHeight() (int64, error) {
	return call(c.cb, c.client.GetBlockCount)
}

// GetBlockHash returns the block hash for a given height
func (c *BTCClient) GetBlockHash(height int64) (string, error) {
	hash, err := call(c.cb, func() (*chainhash.Hash, error) {
		return c.client.GetBlockHash(height)
	})
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// GetBlock fetches a block with verbosity 2 and converts it
func (c *BTCClient) GetBlock(hash string) (*models.Block, []*models.Transaction, error) {
	h, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid block hash %s: %w", hash, err)
	}
	verbose, err := call(c.cb, func() (*btcjson.GetBlockVerboseTxResult, error) {
		return c.client.GetBlockVerboseTx(h)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get block %s: %w", hash, err)
	}
	return ParseBTCBlock(verbose, c.params)
}

// ParseBTCBlock converts a verbose block into the indexed models
func ParseBTCBlock(verbose *btcjson.GetBlockVerboseTxResult, params *chaincfg.Params) (*models.Block, []*models.Transaction, error) {
	blockTime := time.Unix(verbose.Time, 0).UTC()
	block := &models.Block{
		Hash:         verbose.Hash,
		Height:       verbose.Height,
		PreviousHash: verbose.PreviousHash,
		Timestamp:    blockTime,
		TxIDs:        make([]string, 0, len(verbose.Tx)),
		Chain:        "btc",
	}

	txs := make([]*models.Transaction, 0, len(verbose.Tx))
	for i := range verbose.Tx {
		rawTx := &verbose.Tx[i]
		isCoinbase := len(rawTx.Vin) > 0 && rawTx.Vin[0].IsCoinBase()

		tx := &models.Transaction{
			TxID:        rawTx.Txid,
			BlockHash:   verbose.Hash,
			BlockHeight: verbose.Height,
			BlockTime:   blockTime,
			Version:     int32(rawTx.Version),
			LockTime:    rawTx.LockTime,
			Size:        int(rawTx.Size),
			VSize:       int(rawTx.Vsize),
			IsCoinbase:  isCoinbase,
			Inputs:      make([]models.Vin, 0, len(rawTx.Vin)),
			Outputs:     make([]models.Vout, 0, len(rawTx.Vout)),
			Chain:       "btc",
		}

		for j, rawVin := range rawTx.Vin {
			vin := models.Vin{
				Index:    j,
				Sequence: rawVin.Sequence,
				Coinbase: rawVin.IsCoinBase(),
			}
			if !vin.Coinbase {
				vin.PrevTxID = rawVin.Txid
				vin.PrevVout = rawVin.Vout
			}
			tx.Inputs = append(tx.Inputs, vin)
		}

		for _, rawVout := range rawTx.Vout {
			amount, err := btcutil.NewAmount(rawVout.Value)
			if err != nil {
				return nil, nil, fmt.Errorf("tx %s vout %d: %w", rawTx.Txid, rawVout.N, err)
			}
			script, err := hex.DecodeString(rawVout.ScriptPubKey.Hex)
			if err != nil {
				return nil, nil, fmt.Errorf("tx %s vout %d: bad script hex: %w", rawTx.Txid, rawVout.N, err)
			}
			scriptType, address := btcScriptInfo(script, params)
			tx.Outputs = append(tx.Outputs, models.Vout{
				Index:      rawVout.N, // use the index reported by the node
				Value:      int64(amount),
				Address:    address,
				ScriptType: scriptType,
			})
		}

		block.TxIDs = append(block.TxIDs, tx.TxID)
		txs = append(txs, tx)
	}
	return block, txs, nil
}

func btcScriptInfo(script []byte, params *chaincfg.Params) (models.ScriptType, string) {
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
