// Package scoring rates the privacy of individual outputs.
//
// Scores start at BaseScore and every matched factor adds a signed delta.
// The total is clamped to [0,100] and bucketed into a Rating.
// Recommendations are looked up from the names of matched factors.
package scoring

import (
	"context"
	"fmt"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/coinjoin"
	"github.com/thanhnp/chainforensics/internal/ledger"
	"github.com/thanhnp/chainforensics/internal/models"
)

// Rating buckets a privacy score.
type Rating string

const (
	RatingRed    Rating = "red"
	RatingYellow Rating = "yellow"
	RatingGreen  Rating = "green"
)

// Rating band bounds: scores below YellowFrom are red, scores from
// GreenFrom are green.
const (
	YellowFrom = 35
	GreenFrom  = 65
)

// BaseScore is the starting point of every score.
const BaseScore = 50

// Basic score deltas.
const (
	CoinJoinCurrentBonus  = 30
	CoinJoinPossibleBonus = 15
	// CoinJoinPossibleScore is the detector score above which a
	// transaction partially resembles a CoinJoin.
	CoinJoinPossibleScore = 0.4
	CoinJoinHistoryBonus  = 15
	// ParentsChecked is how many non-coinbase inputs are followed to their
	// parent transaction.
	ParentsChecked = 3

	AgedYearBonus          = 10
	AgedYearConfirmations  = 52_560
	AgedMonthBonus         = 5
	AgedMonthConfirmations = 4_380

	RoundAmountPenalty = -10
	// RoundAmountUnit is 0.1 BTC.
	RoundAmountUnit int64 = 10_000_000

	ConsolidationLargePenalty = -20
	ConsolidationLargeInputs  = 10
	ConsolidationPenalty      = -10
	ConsolidationInputs       = 5

	MultipleOutputsBonus = 5
	MultipleOutputs      = 5
)

// Factor names of the basic score.
const (
	FactorCoinJoinCurrent    = "coinjoin_current"
	FactorCoinJoinPossible   = "coinjoin_possible"
	FactorCoinJoinHistory    = "coinjoin_history"
	FactorCoinJoinAbsent     = "coinjoin_absent"
	FactorAgedYear           = "utxo_age_year"
	FactorAgedMonth          = "utxo_age_month"
	FactorRoundAmount        = "round_amount"
	FactorConsolidationLarge = "consolidation_large"
	FactorConsolidation      = "consolidation"
	FactorMultipleOutputs    = "multiple_outputs"
)

// RatingFor buckets score.
func RatingFor(score int) Rating {
	switch {
	case score >= GreenFrom:
		return RatingGreen
	case score >= YellowFrom:
		return RatingYellow
	}
	return RatingRed
}

// Factor is one matched scoring rule.
type Factor struct {
	Name        string `json:"name"`
	Impact      int    `json:"impact"`
	Description string `json:"description"`
}

// PrivacyScore is the basic score of one output.
type PrivacyScore struct {
	TxID            string   `json:"txid"`
	Vout            uint32   `json:"vout"`
	Value           int64    `json:"value_sats"`
	Score           int      `json:"score"`
	Rating          Rating   `json:"rating"`
	Factors         []Factor `json:"factors"`
	Recommendations []string `json:"recommendations"`
	Warnings        []string `json:"warnings"`
}

var recommendations = map[string]string{
	FactorCoinJoinAbsent:     "Consider using CoinJoin to break the link to this output's history.",
	FactorCoinJoinPossible:   "The transaction only partly resembles a CoinJoin; a full CoinJoin round gives stronger privacy.",
	FactorRoundAmount:        "Avoid round amounts; they make the payment output easy to tell apart from change.",
	FactorConsolidationLarge: "Avoid consolidating many UTXOs at once; it links all of them to one owner.",
	FactorConsolidation:      "Consolidating UTXOs links them together; prefer spending only what a payment needs.",
	FactorPreciseAmount:      "Amounts with many significant digits are easy to follow; prefer rounder values.",
	FactorSubsetSum:          "Inputs and outputs match up to the fee; add inputs or split outputs to hide which input paid which output.",
	FactorTrackingDust:       "Do not spend tiny dust outputs together with your other coins; freeze them in your wallet.",
	FactorDustOutput:         "Small outputs are costly to spend privately; avoid creating dust.",
	FactorRapidSpend:         "Wait longer between receiving and spending to weaken timing correlation.",
	FactorScriptMixing:       "Use one script type for all inputs and outputs so change cannot be spotted by type.",
	FactorAntiFeeSniping:     "Wallet-specific locktime values reveal the wallet software in use.",
	FactorRBF:                "RBF signalling narrows down the wallet software; disable it when not needed.",
	FactorBIP69:              "BIP69 ordering identifies the wallet; use randomised input and output order.",
	FactorPeelingChain:       "Repeatedly peeling small payments off one coin makes the chain trivial to follow; consolidate through CoinJoin instead.",
	FactorExchangeAddress:    "This output is directly tied to an exchange, which knows the owner's identity.",
	FactorExchangeDirect:     "Funds move directly to or from an exchange; add CoinJoin hops before using exchanges.",
	FactorExchangeNear:       "An exchange is only a few hops away; CoinJoin before withdrawals or deposits breaks the link.",
}

// recommend maps factors to recommendations in factor order, once each.
func recommend(factors []Factor) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, f := range factors {
		r, ok := recommendations[f.Name]
		if !ok || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	if len(out) == 0 {
		out = append(out, "No immediate privacy issues detected.")
	}
	return out
}

// ScoreBasic scores txid:vout from the transaction itself, its parents and
// its age. Missing parents only produce warnings.
func ScoreBasic(ctx context.Context, idx ledger.Index, txid string, vout uint32) (*PrivacyScore, error) {
	tx, err := idx.Transaction(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	out, ok := tx.Output(vout)
	if !ok {
		return nil, apperr.NotFound("scoring.basic", "output %s:%d not found", txid, vout)
	}
	tip, err := idx.TipHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("tip height: %w", err)
	}

	ps := &PrivacyScore{TxID: txid, Vout: vout, Value: out.Value, Warnings: []string{}}
	var factors []Factor
	add := func(name string, impact int, format string, args ...any) {
		factors = append(factors, Factor{Name: name, Impact: impact, Description: fmt.Sprintf(format, args...)})
	}

	cj := coinjoin.Detect(tx)
	switch {
	case cj.Flagged():
		add(FactorCoinJoinCurrent, CoinJoinCurrentBonus, "Output created by a CoinJoin (score %.2f)", cj.Score)
	case cj.Score > CoinJoinPossibleScore:
		add(FactorCoinJoinPossible, CoinJoinPossibleBonus, "Transaction partly resembles a CoinJoin (score %.2f)", cj.Score)
	}

	history, err := parentCoinJoin(ctx, idx, tx, ps)
	if err != nil {
		return nil, err
	}
	if history != "" {
		add(FactorCoinJoinHistory, CoinJoinHistoryBonus, "Parent transaction %s is a CoinJoin", history)
	} else if !cj.Flagged() {
		add(FactorCoinJoinAbsent, 0, "No CoinJoin in this transaction or its parents")
	}

	if tx.Confirmed() {
		confs := tip - tx.BlockHeight + 1
		switch {
		case confs > AgedYearConfirmations:
			add(FactorAgedYear, AgedYearBonus, "UTXO is over a year old (%d confirmations)", confs)
		case confs > AgedMonthConfirmations:
			add(FactorAgedMonth, AgedMonthBonus, "UTXO is over a month old (%d confirmations)", confs)
		}
	}

	if out.Value > 0 && out.Value%RoundAmountUnit == 0 {
		add(FactorRoundAmount, RoundAmountPenalty, "Round amount of %d sats", out.Value)
	}

	switch n := len(tx.Inputs); {
	case n > ConsolidationLargeInputs:
		add(FactorConsolidationLarge, ConsolidationLargePenalty, "Transaction consolidates %d inputs", n)
	case n > ConsolidationInputs:
		add(FactorConsolidation, ConsolidationPenalty, "Transaction consolidates %d inputs", n)
	}

	if n := len(tx.Outputs); n >= MultipleOutputs {
		add(FactorMultipleOutputs, MultipleOutputsBonus, "Transaction has %d outputs", n)
	}

	ps.Factors = factors
	ps.Score = total(factors)
	ps.Rating = RatingFor(ps.Score)
	ps.Recommendations = recommend(factors)
	return ps, nil
}

// parentCoinJoin returns the first flagged parent among the first
// ParentsChecked non-coinbase inputs of tx.
func parentCoinJoin(ctx context.Context, idx ledger.Index, tx *models.Transaction, ps *PrivacyScore) (string, error) {
	checked := 0
	for _, in := range tx.Inputs {
		if in.Coinbase {
			continue
		}
		if checked == ParentsChecked {
			break
		}
		checked++
		parent, err := idx.Transaction(ctx, in.PrevTxID)
		if err != nil {
			if apperr.IsUpstream(err) || ctx.Err() != nil {
				return "", err
			}
			ps.Warnings = append(ps.Warnings, fmt.Sprintf("parent %s unavailable: %v", in.PrevTxID, err))
			continue
		}
		if coinjoin.Detect(parent).Flagged() {
			return parent.TxID, nil
		}
	}
	return "", nil
}

func total(factors []Factor) int {
	score := BaseScore
	for _, f := range factors {
		score += f.Impact
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
