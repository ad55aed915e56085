package kyc

import (
	"fmt"
	"sort"

	"github.com/thanhnp/chainforensics/internal/coinjoin"
	"github.com/thanhnp/chainforensics/internal/models"
)

// Change heuristic points out of 100. Address reuse alone decides.
const (
	ChangeReuseProbability = 0.95
	ChangeUnnecessaryInput = 30
	ChangeSameScriptType   = 15
	ChangeOddAmount        = 20
	ChangeNotLargest       = 15
	ChangeLastPosition     = 10
	// ChangeThreshold is the score above which an output is taken as
	// change; ChangeMax caps the probability of the weak heuristics.
	ChangeThreshold = 35
	ChangeMax       = 85

	// oddAmountUnit is 0.001 BTC.
	oddAmountUnit int64 = 100_000
	// Fee estimate for the unnecessary input heuristic.
	feeBase     int64 = 20_000
	feePerInput int64 = 10_000
	// changeTolerance is how far the change may drift from the sum of the
	// unneeded inputs.
	changeTolerance int64 = 100_000
)

// ChangeProbability reports whether output vout of tx looks like change and
// how likely that is.
func ChangeProbability(tx *models.Transaction, vout uint32) (bool, float64) {
	out, ok := tx.Output(vout)
	if !ok {
		return false, 0
	}
	inputTypes := make(map[models.ScriptType]bool)
	for _, in := range tx.Inputs {
		if !in.Resolved {
			continue
		}
		if in.Address != "" && in.Address == out.Address {
			return true, ChangeReuseProbability
		}
		inputTypes[in.ScriptType] = true
	}

	points := 0
	if change, ok := UnnecessaryInputChange(tx); ok && change == vout {
		points += ChangeUnnecessaryInput
	}
	if inputTypes[out.ScriptType] {
		points += ChangeSameScriptType
	}
	if out.Value%oddAmountUnit != 0 {
		points += ChangeOddAmount
	}
	var largest int64
	for _, o := range tx.Outputs {
		largest = max(largest, o.Value)
	}
	if out.Value < largest {
		points += ChangeNotLargest
	}
	if len(tx.Outputs) > 0 && tx.Outputs[len(tx.Outputs)-1].Index == vout {
		points += ChangeLastPosition
	}
	return points > ChangeThreshold, float64(min(points, ChangeMax)) / 100
}

// UnnecessaryInputChange finds the output a wallet most likely used as
// change when tx spends more inputs than its outputs and fee need: the one
// closest to the sum of the inputs that were not needed.
func UnnecessaryInputChange(tx *models.Transaction) (uint32, bool) {
	if len(tx.Inputs) < 2 || len(tx.Outputs) < 2 {
		return 0, false
	}
	values := make([]int64, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if !in.Resolved {
			return 0, false
		}
		values = append(values, in.Value)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] > values[j] })

	target := tx.OutputTotal() + feeBase + int64(len(values))*feePerInput
	var covered int64
	needed := 0
	for _, v := range values {
		covered += v
		needed++
		if covered >= target {
			break
		}
	}
	if needed == len(values) {
		return 0, false
	}
	var spare int64
	for _, v := range values[needed:] {
		spare += v
	}

	best, bestDiff := uint32(0), int64(-1)
	for _, o := range tx.Outputs {
		diff := o.Value - spare
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = o.Index, diff
		}
	}
	if bestDiff > changeTolerance {
		return 0, false
	}
	return best, true
}

var protocolMultiplier = map[coinjoin.Protocol]float64{
	coinjoin.ProtocolWhirlpool:  1.5,
	coinjoin.ProtocolWasabiV1:   1.3,
	coinjoin.ProtocolWasabiV2:   1.8,
	coinjoin.ProtocolJoinMarket: 2.0,
}

const (
	unknownProtocolMultiplier = 2.5
	whirlpoolAnonymitySet     = 5
)

// AnonymitySet estimates how many participants a CoinJoin mixes.
func AnonymitySet(r coinjoin.Result) int {
	if r.Protocol == coinjoin.ProtocolWhirlpool {
		return whirlpoolAnonymitySet
	}
	return max(r.Stats.MaxEqualOutputs, 2)
}

// Degrade returns the confidence after passing a CoinJoin of the given
// protocol and anonymity set. The protocol multiplier accounts for known
// attacks on each protocol. The result never exceeds prev and never drops
// below MinConfidence.
func Degrade(p coinjoin.Protocol, anonymitySet int, prev float64) float64 {
	if anonymitySet < 2 {
		return prev
	}
	m, ok := protocolMultiplier[p]
	if !ok {
		m = unknownProtocolMultiplier
	}
	c := prev * m / float64(anonymitySet)
	return max(min(c, prev), MinConfidence)
}

// Path confidence adjustments.
const (
	SplitRatio    = 0.1
	SplitPenalty  = 0.7
	ChangeBoost   = 1.1
	StrongChange  = 0.8
	SimilarRatio  = 0.9
	ModerateRatio = 0.5
)

// PathConfidence returns the confidence that the last output of path still
// belongs to the withdrawal's owner, with the reasons behind it.
func PathConfidence(path []PathNode, original int64) (float64, []string) {
	if len(path) == 0 {
		return 0, []string{"Empty path"}
	}
	last := path[len(path)-1]
	confidence := last.Confidence
	var reasons []string

	switch n := len(path); {
	case n == 1:
		reasons = append(reasons, "Direct transfer (1 hop)")
	case n <= 3:
		reasons = append(reasons, fmt.Sprintf("Short path (%d hops)", n))
	default:
		reasons = append(reasons, fmt.Sprintf("Longer path (%d hops)", n))
	}

	switch cj := last.CoinJoinsInPath; cj {
	case 0:
		reasons = append(reasons, "No CoinJoins in path - easily traceable")
	case 1:
		reasons = append(reasons, fmt.Sprintf("Passed through 1 CoinJoin (confidence: %.1f%%)", confidence*100))
	default:
		reasons = append(reasons, fmt.Sprintf("Passed through %d CoinJoins (confidence: %.1f%%)", cj, confidence*100))
	}

	ratio := float64(last.Value) / float64(max(original, 1))
	switch {
	case ratio > SimilarRatio:
		reasons = append(reasons, "Value very similar to original (>90%)")
	case ratio > ModerateRatio:
		reasons = append(reasons, fmt.Sprintf("Value is %.0f%% of original", ratio*100))
	case ratio > SplitRatio:
		reasons = append(reasons, fmt.Sprintf("Value is %.0f%% of original (likely split)", ratio*100))
	default:
		confidence *= SplitPenalty
		reasons = append(reasons, fmt.Sprintf("Value is only %.1f%% of original (split/mixed)", ratio*100))
	}

	var change, strong int
	for _, n := range path {
		if !n.IsChange {
			continue
		}
		change++
		if n.ChangeProbability > StrongChange {
			strong++
		}
	}
	switch {
	case strong > 0:
		confidence = min(confidence*ChangeBoost, 1)
		reasons = append(reasons, fmt.Sprintf("Path follows %d high-confidence change output(s)", strong))
	case change > 0:
		reasons = append(reasons, fmt.Sprintf("Path follows %d possible change output(s)", change))
	}
	return max(min(confidence, 1), 0), reasons
}

// LevelFor buckets a confidence score.
func LevelFor(score float64) Level {
	switch {
	case score >= 0.7:
		return LevelHigh
	case score >= 0.4:
		return LevelMedium
	case score >= 0.2:
		return LevelLow
	}
	return LevelNegligible
}

// Rating buckets an overall privacy score.
type Rating string

const (
	RatingGood     Rating = "good"
	RatingModerate Rating = "moderate"
	RatingPoor     Rating = "poor"
	RatingVeryPoor Rating = "very_poor"
)

// RatingFor buckets an overall privacy score.
func RatingFor(score float64) Rating {
	switch {
	case score >= 70:
		return RatingGood
	case score >= 50:
		return RatingModerate
	case score >= 30:
		return RatingPoor
	}
	return RatingVeryPoor
}

// Overall privacy points.
const (
	ColdValuePoints      = 50
	NoHighPoints         = 30
	OneHighPoints        = 10
	CoinJoinsColdPoints  = 20
	CoinJoinsWarmPoints  = 10
	OneCoinJoinPoints    = 5
	LostValuePenaltyPart = 10
)

// PrivacyScore rates the report from 0 (fully traceable) to 100. Cold
// trails earn points by value share, lost trails cost points by value
// share: failing to follow a trail is not privacy. A truncated trace that
// reached no destination scores 0.
func PrivacyScore(r *Result) float64 {
	if len(r.Destinations) == 0 {
		if r.Truncated {
			return 0
		}
		return 100
	}
	var score float64
	cold := r.byStatus(StatusCold)
	score += valueShare(cold, r.OriginalValue) * ColdValuePoints

	switch len(r.HighConfidence()) {
	case 0:
		score += NoHighPoints
	case 1:
		score += OneHighPoints
	}

	switch {
	case r.CoinJoinsEncountered >= 2 && len(cold) > 0:
		score += CoinJoinsColdPoints
	case r.CoinJoinsEncountered >= 2:
		score += CoinJoinsWarmPoints
	case r.CoinJoinsEncountered == 1:
		score += OneCoinJoinPoints
	}

	score -= valueShare(r.byStatus(StatusLost), r.OriginalValue) * LostValuePenaltyPart
	return max(min(score, 100), 0)
}

// valueShare is the value of ds relative to original, capped at 1. Trails
// through a CoinJoin follow every output, so their sum can exceed the
// withdrawal.
func valueShare(ds []Destination, original int64) float64 {
	if original <= 0 || len(ds) == 0 {
		return 0
	}
	return min(float64(sumValue(ds))/float64(original), 1)
}

func sumValue(ds []Destination) int64 {
	var v int64
	for _, d := range ds {
		v += d.Value
	}
	return v
}

func summarize(r *Result) string {
	high := len(r.HighConfidence())
	switch r.Rating {
	case RatingGood:
		return fmt.Sprintf("Good privacy detected. %d trail(s) went cold after CoinJoins. Found %d high-confidence destination(s). "+
			"This analysis cannot detect all attacks.", len(r.byStatus(StatusCold)), high)
	case RatingModerate:
		return fmt.Sprintf("Moderate privacy. Some trails obscured but %d high-confidence and %d medium-confidence destination(s) remain traceable.",
			high, len(r.byLevel(LevelMedium)))
	case RatingPoor:
		return fmt.Sprintf("Poor privacy. Your funds can be traced with reasonable confidence to %d address(es). Consider CoinJoin.", high)
	}
	return fmt.Sprintf("Very poor privacy. Your funds are easily traceable to %d address(es) with high confidence. Use CoinJoin before spending further.", high)
}

// Finding is one entry of a risk analysis.
type Finding struct {
	Type           string `json:"type"`
	Description    string `json:"description"`
	Detail         string `json:"detail,omitempty"`
	Address        string `json:"address,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Risk levels of a report.
const (
	RiskCritical = "CRITICAL"
	RiskMedium   = "MEDIUM"
	RiskLow      = "LOW"
)

// Risks groups findings by severity.
type Risks struct {
	Critical []Finding `json:"critical"`
	Medium   []Finding `json:"medium"`
	Positive []Finding `json:"positive"`
	Level    string    `json:"overall_risk_level"`
}

func categorize(r *Result, ents Entities) Risks {
	risks := Risks{Critical: []Finding{}, Medium: []Finding{}, Positive: []Finding{}}

	for _, d := range r.Destinations {
		e, ok := lookup(ents, d.Address)
		if !ok || e.Kind != models.EntityExchange {
			continue
		}
		risks.Critical = append(risks.Critical, Finding{
			Type:           "exchange_connection",
			Description:    fmt.Sprintf("Destination is %s", e.Name),
			Detail:         fmt.Sprintf("Address %s belongs to %s (%.0f%% confidence)", d.Address, e.Name, d.Confidence*100),
			Address:        d.Address,
			Recommendation: "Do not send to this address directly; use CoinJoin first",
		})
	}

	for _, d := range r.Destinations {
		if d.CoinJoins > 0 || (d.Level != LevelHigh && d.Level != LevelMedium) {
			continue
		}
		risks.Medium = append(risks.Medium, Finding{
			Type:           "direct_path",
			Description:    "Direct spending path exists (no mixing layer)",
			Detail:         fmt.Sprintf("Address %s reachable in %d hop(s) with no CoinJoins", d.Address, d.PathLength),
			Address:        d.Address,
			Recommendation: "Consider using CoinJoin before further transactions",
		})
	}
	var unspent []Destination
	for _, d := range r.byStatus(StatusDeadEnd) {
		if d.Level == LevelHigh {
			unspent = append(unspent, d)
		}
	}
	if len(unspent) > 0 {
		risks.Medium = append(risks.Medium, Finding{
			Type:           "high_confidence_utxos",
			Description:    fmt.Sprintf("%d unspent UTXO(s) with high traceability", len(unspent)),
			Detail:         fmt.Sprintf("Total value: %d sats easily linkable to your KYC identity", sumValue(unspent)),
			Recommendation: "Avoid consolidating these UTXOs without mixing first",
		})
	}

	if r.CoinJoinsEncountered > 0 {
		risks.Positive = append(risks.Positive, Finding{
			Type:        "coinjoin_detected",
			Description: fmt.Sprintf("%d CoinJoin transaction(s) provide cover", r.CoinJoinsEncountered),
		})
	}
	if cold := r.byStatus(StatusCold); len(cold) > 0 && r.OriginalValue > 0 {
		risks.Positive = append(risks.Positive, Finding{
			Type:        "cold_trails",
			Description: fmt.Sprintf("%d trail(s) went cold (confidence < %.0f%%)", len(cold), ColdThreshold*100),
			Detail:      fmt.Sprintf("%.1f%% of original value is effectively untraceable", valueShare(cold, r.OriginalValue)*100),
		})
	}

	switch {
	case len(risks.Critical) > 0:
		risks.Level = RiskCritical
	case len(risks.Medium) > 0:
		risks.Level = RiskMedium
	default:
		risks.Level = RiskLow
	}
	return risks
}

func lookup(ents Entities, address string) (models.Entity, bool) {
	if ents == nil {
		return models.Entity{}, false
	}
	return ents.Lookup(address)
}

// Recommendation texts.
const (
	RecHeuristicOnly = "This is heuristic analysis only; do not rely on it for operational security"
	RecNoCoinJoin    = "No CoinJoins detected: your funds are trivially traceable. Consider Whirlpool, Wasabi or JoinMarket"
	RecConsolidation = "Avoid consolidating UTXOs from different sources without mixing first"
	RecFreshAddress  = "Use a new address for each transaction to prevent address clustering"
	RecAddressReuse  = "Address reuse detected along your trails; this hurts privacy"
	RecIncomplete    = "Some trails could not be followed; results may understate traceability"

	recommendScoreBelow = 60
)

func recommend(r *Result) []string {
	recs := []string{RecHeuristicOnly}
	if r.CoinJoinsEncountered == 0 {
		recs = append(recs, RecNoCoinJoin)
	}
	if n := len(r.HighConfidence()); n > 0 {
		recs = append(recs, fmt.Sprintf("You have %d easily traceable destination(s) that can be linked to your KYC identity", n))
	}
	if r.PrivacyScore < recommendScoreBelow {
		recs = append(recs, RecConsolidation, RecFreshAddress)
	}
	if r.Truncated || len(r.byStatus(StatusLost)) > 0 {
		recs = append(recs, RecIncomplete)
	}
	if reusedAddress(r) {
		recs = append(recs, RecAddressReuse)
	}
	return recs
}

// reusedAddress reports whether one address appears on two different
// outputs across the trails.
func reusedAddress(r *Result) bool {
	seen := make(map[string]models.Outpoint)
	for _, d := range r.Destinations {
		for _, n := range d.Path {
			if n.Address == "" {
				continue
			}
			op := models.Outpoint{TxID: n.TxID, Vout: n.Vout}
			if prev, ok := seen[n.Address]; ok && prev != op {
				return true
			}
			seen[n.Address] = op
		}
	}
	return false
}
