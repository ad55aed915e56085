package analysis

import (
	"context"
	"time"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/ledger"
	"github.com/thanhnp/chainforensics/internal/models"
	"github.com/thanhnp/chainforensics/internal/scoring"
)

// Dust check bounds. Outputs at or below scoring.TrackingDustLimit are
// below the relay dust limit and almost certainly unsolicited.
const (
	DefaultDustThreshold = scoring.DustLimit
	MaxDustThreshold     = 100_000
)

// Dust warnings.
const (
	DustBelowLimit     = "Below dust limit - likely dust attack"
	DustSmall          = "Small UTXO - potential dust attack"
	DustDoNotSpend     = "Do not spend with other UTXOs"
	DustVerifySource   = "Verify source before spending"
	DustFound          = "Dust UTXOs detected. Do not consolidate these with your main UTXOs."
	DustNoneSuspicious = "No suspicious dust UTXOs detected."
)

// DustUTXO is an unspent output at or below the dust threshold.
type DustUTXO struct {
	models.TxOutput
	Warning        string `json:"warning"`
	Recommendation string `json:"recommendation"`
}

// DustReport lists the dust outputs held by an address.
type DustReport struct {
	Address         string     `json:"address"`
	ThresholdSats   int64      `json:"dust_threshold_sats"`
	TotalUTXOs      int        `json:"total_utxos"`
	DustCount       int        `json:"dust_utxos_count"`
	TrackingCount   int        `json:"below_dust_limit_count"`
	DustUTXOs       []DustUTXO `json:"dust_utxos"`
	TotalDustSats   int64      `json:"total_dust_value_sats"`
	Recommendation  string     `json:"recommendation"`
	ExecutionTimeMS int64      `json:"execution_time_ms"`
}

// DustCheck lists the unspent outputs of address at or below threshold
// sats. A zero threshold selects DefaultDustThreshold.
func (s *Service) DustCheck(ctx context.Context, chainName, address string, threshold int64) (*DustReport, error) {
	const op = "dust_check"
	c, err := s.chain(chainName)
	if err != nil {
		return nil, err
	}
	if address, err = s.address(op, c, address); err != nil {
		return nil, err
	}
	if threshold == 0 {
		threshold = DefaultDustThreshold
	}
	if threshold < 1 || threshold > MaxDustThreshold {
		return nil, apperr.Invalid(op, "threshold_sats must be between 1 and %d", MaxDustThreshold)
	}

	var res *DustReport
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		start := time.Now()
		utxos, err := ledger.UnspentOutputs(ctx, c.Index, address, 0)
		if err != nil {
			return false, err
		}
		r := &DustReport{
			Address:        address,
			ThresholdSats:  threshold,
			TotalUTXOs:     len(utxos),
			DustUTXOs:      []DustUTXO{},
			Recommendation: DustNoneSuspicious,
		}
		for _, u := range utxos {
			if u.Value > threshold {
				continue
			}
			d := DustUTXO{TxOutput: u, Warning: DustSmall, Recommendation: DustVerifySource}
			if u.Value <= scoring.TrackingDustLimit {
				d.Warning, d.Recommendation = DustBelowLimit, DustDoNotSpend
				r.TrackingCount++
			}
			r.DustUTXOs = append(r.DustUTXOs, d)
			r.TotalDustSats += u.Value
		}
		r.DustCount = len(r.DustUTXOs)
		if r.DustCount > 0 {
			r.Recommendation = DustFound
		}
		r.ExecutionTimeMS = elapsedMS(start)
		res = r
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
