package analysis

import (
	"context"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/kyc"
)

// KYCRequest names an exchange withdrawal and the address it paid.
type KYCRequest struct {
	Chain              string
	ExchangeTxID       string
	DestinationAddress string
	Preset             string
}

// KYCTrace is a withdrawal trace with the preset that bounded it.
type KYCTrace struct {
	*kyc.Result
	Preset kyc.Preset `json:"depth_preset"`
}

// KYCQuickCheck condenses a quick-preset trace.
type KYCQuickCheck struct {
	PrivacyScore         float64           `json:"privacy_score"`
	Rating               kyc.Rating        `json:"privacy_rating"`
	Summary              string            `json:"summary"`
	HighConfidence       []kyc.Destination `json:"high_confidence_destinations"`
	CoinJoinsEncountered int               `json:"coinjoins_encountered"`
	Recommendations      []string          `json:"recommendations"`
	Truncated            bool              `json:"truncated"`
	Warnings             []string          `json:"warnings"`
}

// quickRecommendations is how many recommendations a quick check keeps.
const quickRecommendations = 3

// KYCPresets lists the trace depth presets.
func (s *Service) KYCPresets() []kyc.Preset {
	return kyc.Presets
}

// KYCTrace follows an exchange withdrawal forward to its probable current
// holdings.
func (s *Service) KYCTrace(ctx context.Context, req KYCRequest) (*KYCTrace, error) {
	const op = "kyc_trace"
	c, err := s.chain(req.Chain)
	if err != nil {
		return nil, err
	}
	txid, err := s.txid(op, req.ExchangeTxID)
	if err != nil {
		return nil, err
	}
	address, err := s.address(op, c, req.DestinationAddress)
	if err != nil {
		return nil, err
	}
	preset, ok := kyc.LookupPreset(req.Preset)
	if !ok {
		return nil, apperr.Invalid(op, "unknown depth preset %q", req.Preset)
	}

	var res *KYCTrace
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		r, err := kyc.Trace(ctx, c.Index, txid, address, kyc.Options{
			MaxDepth: preset.Depth,
			Budget:   s.cfg.TimeBudget,
			Entities: chainEntities{s.entities, c.Name},
		})
		if err != nil {
			return false, err
		}
		res = &KYCTrace{Result: r, Preset: preset}
		return r.Truncated, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// KYCQuickCheck runs a quick-preset trace and keeps the headline figures.
func (s *Service) KYCQuickCheck(ctx context.Context, chainName, txid, address string) (*KYCQuickCheck, error) {
	t, err := s.KYCTrace(ctx, KYCRequest{Chain: chainName, ExchangeTxID: txid, DestinationAddress: address, Preset: "quick"})
	if err != nil {
		return nil, err
	}
	high := t.HighConfidence()
	if high == nil {
		high = []kyc.Destination{}
	}
	return &KYCQuickCheck{
		PrivacyScore:         t.PrivacyScore,
		Rating:               t.Rating,
		Summary:              t.Summary,
		HighConfidence:       high,
		CoinJoinsEncountered: t.CoinJoinsEncountered,
		Recommendations:      t.Recommendations[:min(len(t.Recommendations), quickRecommendations)],
		Truncated:            t.Truncated,
		Warnings:             t.Warnings,
	}, nil
}
