package rpc

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	ltcchaincfg "github.com/ltcsuite/ltcd/chaincfg"
)

// BTCParams returns the bitcoin network parameters for a network name
func BTCParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	}
	return nil, fmt.Errorf("unknown bitcoin network %q", network)
}

// LTCParams returns the litecoin network parameters for a network name
func LTCParams(network string) (*ltcchaincfg.Params, error) {
	switch network {
	case "", "mainnet":
		return &ltcchaincfg.MainNetParams, nil
	case "testnet", "testnet4":
		return &ltcchaincfg.TestNet4Params, nil
	case "regtest":
		return &ltcchaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown litecoin network %q", network)
}
