package analysis

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	ltcchaincfg "github.com/ltcsuite/ltcd/chaincfg"
	"github.com/ltcsuite/ltcd/ltcutil"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/graph"
)

// AddressValidator rejects addresses that are not valid on a network.
type AddressValidator func(address string) error

// BTCAddressValidator accepts addresses of the given bitcoin network.
func BTCAddressValidator(params *chaincfg.Params) AddressValidator {
	return func(address string) error {
		addr, err := btcutil.DecodeAddress(address, params)
		if err != nil {
			return err
		}
		if !addr.IsForNet(params) {
			return fmt.Errorf("address is not for %s", params.Name)
		}
		return nil
	}
}

// LTCAddressValidator accepts addresses of the given litecoin network.
func LTCAddressValidator(params *ltcchaincfg.Params) AddressValidator {
	return func(address string) error {
		addr, err := ltcutil.DecodeAddress(address, params)
		if err != nil {
			return err
		}
		if !addr.IsForNet(params) {
			return fmt.Errorf("address is not for %s", params.Name)
		}
		return nil
	}
}

// ValidTxID reports whether txid is a 64 character hex hash.
func ValidTxID(txid string) bool {
	_, err := parseTxID(txid)
	return err == nil
}

func parseTxID(txid string) (string, error) {
	if len(txid) != chainhash.MaxHashStringSize {
		return "", fmt.Errorf("txid must be %d hex characters", chainhash.MaxHashStringSize)
	}
	h, err := chainhash.NewHashFromStr(strings.ToLower(txid))
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

func (s *Service) txid(op, txid string) (string, error) {
	canonical, err := parseTxID(txid)
	if err != nil {
		return "", apperr.Invalid(op, "invalid txid %q: %v", txid, err)
	}
	return canonical, nil
}

func (s *Service) address(op string, c Chain, address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", apperr.Invalid(op, "address is required")
	}
	if c.ValidateAddress != nil {
		if err := c.ValidateAddress(address); err != nil {
			return "", apperr.Invalid(op, "invalid %s address %q: %v", c.Name, address, err)
		}
	}
	return address, nil
}

// depth resolves a requested depth: 0 selects def, anything outside
// [1, max] is rejected.
func depth(op, name string, requested, def, max int) (int, error) {
	if requested == 0 {
		requested = def
	}
	if requested < 1 || requested > max {
		return 0, apperr.Invalid(op, "%s must be between 1 and %d", name, max)
	}
	return requested, nil
}

func direction(op string, d graph.Direction) (graph.Direction, error) {
	if d == "" {
		return graph.Forward, nil
	}
	if !d.Valid() {
		return "", apperr.Invalid(op, "direction must be forward or backward")
	}
	return d, nil
}
