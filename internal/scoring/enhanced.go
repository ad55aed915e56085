package scoring

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/coinjoin"
	"github.com/thanhnp/chainforensics/internal/graph"
	"github.com/thanhnp/chainforensics/internal/models"
)

// Category groups enhanced factors.
type Category string

const (
	CategoryTemporal          Category = "temporal"
	CategoryValue             Category = "value_analysis"
	CategoryWalletFingerprint Category = "wallet_fingerprint"
	CategoryPeelingChain      Category = "peeling_chain"
	CategoryExchange          Category = "exchange_proximity"
	CategoryCoinJoin          Category = "coinjoin"
)

// Categories lists every category in reporting order.
var Categories = []Category{
	CategoryTemporal,
	CategoryValue,
	CategoryWalletFingerprint,
	CategoryPeelingChain,
	CategoryExchange,
	CategoryCoinJoin,
}

// Factor names of the enhanced score.
const (
	FactorUnspentHolding  = "unspent_holding"
	FactorSpendGap        = "spend_gap"
	FactorRapidSpend      = "rapid_spend"
	FactorPreciseAmount   = "precise_amount"
	FactorRoundValue      = "round_value"
	FactorSubsetSum       = "subset_sum_leak"
	FactorTrackingDust    = "tracking_dust"
	FactorDustOutput      = "dust_output"
	FactorScriptMixing    = "script_type_mixing"
	FactorUniformScripts  = "uniform_script_types"
	FactorAntiFeeSniping  = "anti_fee_sniping"
	FactorRBF             = "rbf_signaling"
	FactorBIP69           = "bip69_ordering"
	FactorPeelingChain    = "peeling_chain"
	FactorExchangeAddress = "exchange_address"
	FactorExchangeDirect  = "exchange_direct"
	FactorExchangeNear    = "exchange_near"
	FactorExchangeFar     = "exchange_distant"
	FactorCoinJoinMixed   = "coinjoin_transaction"
)

// Temporal spend-gap buckets, checked in order.
var spendGaps = []struct {
	below  time.Duration
	impact int
	label  string
}{
	{10 * time.Minute, -20, "within 10 minutes"},
	{time.Hour, -15, "within an hour"},
	{6 * time.Hour, -10, "within 6 hours"},
	{24 * time.Hour, -5, "within a day"},
	{7 * 24 * time.Hour, 0, "within a week"},
	{30 * 24 * time.Hour, 5, "within a month"},
	{180 * 24 * time.Hour, 10, "within 6 months"},
}

const (
	SpendGapMaxBonus     = 15
	UnspentHoldingBonus  = 5
	RapidSpendGap        = time.Hour
	RapidSpendWeight     = 0.3
	MaxVulnerability     = 0.95
	TimingCriticalImpact = -15

	PrecisionHighDecimals   = 7
	PrecisionHighPenalty    = -15
	PrecisionMediumDecimals = 5
	PrecisionMediumPenalty  = -10
	PrecisionLowDecimals    = 3
	PrecisionLowPenalty     = -5
	RoundValueUnit          = 100_000
	RoundValueBonus         = 5

	SubsetSumMaxSize   = 3
	SubsetSumTolerance = 50_000
	SubsetSumPenalty   = -15
	SubsetSumMaxImpact = -30
	// SubsetSumMaxInputs bounds the combinations searched.
	SubsetSumMaxInputs = 20

	DustLimit           = 1000
	TrackingDustLimit   = 546
	DustPenalty         = -5
	TrackingDustPenalty = -10

	ScriptMixingSeverePenalty = -20
	ScriptMixingPenalty       = -10
	UniformScriptsBonus       = 5
	AntiFeeSnipingPenalty     = -5
	// AntiFeeSnipingWindow is how far below the block height a locktime
	// may sit and still look like anti-fee-sniping.
	AntiFeeSnipingWindow = 100
	RBFPenalty           = -5
	BIP69Penalty         = -5

	PeelingMinLength = 3
	// PeelingRatio is the minimum ratio of the larger to the smaller output
	// of one peel.
	PeelingRatio   = 3
	PeelingPenalty = -25

	ExchangeAddressPenalty = -40
	ExchangeDirectPenalty  = -35
	ExchangeNearPenalty    = -25
	ExchangeNearHops       = 3
	ExchangeFarPenalty     = -10
	ExchangeFarHops        = 6

	CoinJoinMixedBonus = 15
)

// Risk severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
)

// CategoryScore is the contribution of one category.
type CategoryScore struct {
	ScoreImpact int      `json:"score_impact"`
	Factors     []Factor `json:"factors"`
}

// Risk is a high-impact finding.
type Risk struct {
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Remediation string `json:"remediation"`
}

// AttackVector describes how an analyst would exploit a weak category.
type AttackVector struct {
	VulnerabilityScore float64 `json:"vulnerability_score"`
	Explanation        string  `json:"explanation"`
	Example            string  `json:"example"`
}

// ExchangeExposure is the distance from the output's address to the nearest
// known exchange; Hops is nil when none was found.
type ExchangeExposure struct {
	Hops   *int
	Entity string
	// Incomplete is set when the search stopped early, so a nil Hops only
	// covers the part of the graph that was explored.
	Incomplete bool
}

// EnhancedInput is everything the enhanced score reads. Forward is a
// forward trace rooted at the scored output; Exposure may be nil when the
// proximity search was not run.
type EnhancedInput struct {
	Tx       *models.Transaction
	Vout     uint32
	Forward  *graph.TraceGraph
	Exposure *ExchangeExposure
}

// EnhancedScore is the multi-category privacy assessment of one output.
type EnhancedScore struct {
	TxID            string                      `json:"txid"`
	Vout            uint32                      `json:"vout"`
	Value           int64                       `json:"value_sats"`
	OverallScore    int                         `json:"overall_score"`
	Rating          Rating                      `json:"rating"`
	PrivacyFactors  map[Category]*CategoryScore `json:"privacy_factors"`
	CriticalRisks   []Risk                      `json:"critical_risks"`
	AttackVectors   map[string]AttackVector     `json:"attack_vectors"`
	Recommendations []string                    `json:"recommendations"`
	Truncated       bool                        `json:"truncated"`
	Warnings        []string                    `json:"warnings"`
}

// WarnExchangeIncomplete flags an exchange search that ended before finding
// an entity or exhausting its hop limit.
const WarnExchangeIncomplete = "exchange search incomplete; exchange exposure may be understated"

var vectors = map[Category]struct {
	name, explanation, example string
}{
	CategoryTemporal: {"timing_correlation",
		"Funds moved soon after being received, so receive and spend can be paired by timestamps.",
		"An analyst matches a deposit at 12:00 with a withdrawal at 12:05 of a similar amount."},
	CategoryValue: {"amount_fingerprinting",
		"Amounts are distinctive enough to be followed across transactions.",
		"An output of 0.12345678 BTC is found again two hops later minus a fee."},
	CategoryWalletFingerprint: {"wallet_fingerprinting",
		"Transaction construction details reveal the wallet software and the change output.",
		"Only one output shares the inputs' script type, so it is flagged as change."},
	CategoryPeelingChain: {"peeling_chain",
		"A large coin sheds small payments hop after hop, leaving a trail of change.",
		"Following the larger output of each transaction reconstructs the whole spending history."},
	CategoryExchange: {"exchange_linkage",
		"A nearby exchange holds identity records that can be linked to this output.",
		"A subpoena to the exchange names the owner of the withdrawal address."},
}

// ScoreEnhanced scores the output in.Tx:in.Vout. It only reads its
// arguments.
func ScoreEnhanced(in EnhancedInput) (*EnhancedScore, error) {
	out, ok := in.Tx.Output(in.Vout)
	if !ok {
		return nil, apperr.NotFound("scoring.enhanced", "output %s:%d not found", in.Tx.TxID, in.Vout)
	}

	s := &EnhancedScore{
		TxID:           in.Tx.TxID,
		Vout:           in.Vout,
		Value:          out.Value,
		PrivacyFactors: make(map[Category]*CategoryScore, len(Categories)),
		CriticalRisks:  []Risk{},
		AttackVectors:  make(map[string]AttackVector),
		Warnings:       []string{},
	}
	for _, c := range Categories {
		s.PrivacyFactors[c] = &CategoryScore{Factors: []Factor{}}
	}

	rapid := s.temporal(in.Forward)
	s.value(in.Tx, out)
	s.walletFingerprint(in.Tx)
	s.peeling(in.Forward)
	s.exchange(in.Exposure)
	if cj := coinjoin.Detect(in.Tx); cj.Flagged() {
		s.add(CategoryCoinJoin, FactorCoinJoinMixed, CoinJoinMixedBonus, "Output created by a CoinJoin (score %.2f)", cj.Score)
	}

	var all []Factor
	for _, c := range Categories {
		cs := s.PrivacyFactors[c]
		all = append(all, cs.Factors...)
		timing := c == CategoryTemporal && rapid > 0
		if cs.ScoreImpact >= 0 && !timing {
			continue
		}
		v := vectors[c]
		vulnerability := math.Min(float64(-cs.ScoreImpact)/40, MaxVulnerability)
		if timing {
			vulnerability = math.Min(float64(rapid)*RapidSpendWeight, MaxVulnerability)
		}
		s.AttackVectors[v.name] = AttackVector{
			VulnerabilityScore: math.Round(vulnerability*100) / 100,
			Explanation:        v.explanation,
			Example:            v.example,
		}
	}
	s.OverallScore = total(all)
	s.Rating = RatingFor(s.OverallScore)
	s.Recommendations = recommend(all)
	return s, nil
}

func (s *EnhancedScore) add(c Category, name string, impact int, format string, args ...any) {
	cs := s.PrivacyFactors[c]
	cs.Factors = append(cs.Factors, Factor{Name: name, Impact: impact, Description: fmt.Sprintf(format, args...)})
	cs.ScoreImpact += impact
}

func (s *EnhancedScore) risk(severity, title, description, remediation string) {
	s.CriticalRisks = append(s.CriticalRisks, Risk{
		Severity:    severity,
		Title:       title,
		Description: description,
		Remediation: remediation,
	})
}

// temporal scores how quickly the output was spent and returns the number
// of rapid spends seen along the forward trace.
func (s *EnhancedScore) temporal(g *graph.TraceGraph) int {
	if g == nil {
		s.Warnings = append(s.Warnings, "forward trace unavailable; temporal analysis skipped")
		return 0
	}
	origin := g.OriginNode()
	if origin == nil {
		return 0
	}

	if origin.Status == models.StatusUnspent {
		s.add(CategoryTemporal, FactorUnspentHolding, UnspentHoldingBonus, "Output has not been spent")
	} else if gap, ok := spendGap(g, origin); ok {
		impact, label := SpendGapMaxBonus, "after more than 6 months"
		for _, b := range spendGaps {
			if gap < b.below {
				impact, label = b.impact, b.label
				break
			}
		}
		s.add(CategoryTemporal, FactorSpendGap, impact, "Output was spent %s of being received", label)
	}

	rapid := make(map[string]bool)
	for _, e := range g.Edges {
		from, ok1 := g.Node(e.From)
		to, ok2 := g.Node(e.To)
		if !ok1 || !ok2 || from.BlockTime == nil || to.BlockTime == nil {
			continue
		}
		if to.BlockTime.Sub(*from.BlockTime) < RapidSpendGap {
			rapid[e.TxID] = true
		}
	}
	if n := len(rapid); n > 0 {
		s.add(CategoryTemporal, FactorRapidSpend, 0, "%d transaction(s) along the trace spent funds within an hour", n)
	}

	if s.PrivacyFactors[CategoryTemporal].ScoreImpact < TimingCriticalImpact {
		s.risk(SeverityCritical, "Timing Correlation Risk",
			"The output was spent minutes after it was received, which links receive and spend by timing.",
			"Hold funds for longer and vary spending times.")
	}
	return len(rapid)
}

func spendGap(g *graph.TraceGraph, origin *graph.Node) (time.Duration, bool) {
	if origin.BlockTime == nil {
		return 0, false
	}
	for _, e := range g.Children(origin.Outpoint()) {
		if to, ok := g.Node(e.To); ok && to.BlockTime != nil {
			return to.BlockTime.Sub(*origin.BlockTime), true
		}
	}
	return 0, false
}

// Decimals returns the number of significant BTC decimals of sats.
func Decimals(sats int64) int {
	if sats <= 0 {
		return 0
	}
	d := 8
	for d > 0 && sats%10 == 0 {
		sats /= 10
		d--
	}
	return d
}

func (s *EnhancedScore) value(tx *models.Transaction, out *models.Vout) {
	d := Decimals(out.Value)
	switch {
	case d >= PrecisionHighDecimals:
		s.add(CategoryValue, FactorPreciseAmount, PrecisionHighPenalty, "Amount has %d significant decimals", d)
	case d >= PrecisionMediumDecimals:
		s.add(CategoryValue, FactorPreciseAmount, PrecisionMediumPenalty, "Amount has %d significant decimals", d)
	case d >= PrecisionLowDecimals:
		s.add(CategoryValue, FactorPreciseAmount, PrecisionLowPenalty, "Amount has %d significant decimals", d)
	}
	if out.Value > 0 && out.Value%RoundValueUnit == 0 {
		s.add(CategoryValue, FactorRoundValue, RoundValueBonus, "Amount is a multiple of %d sats", RoundValueUnit)
	}

	if leaks := subsetSumLeaks(tx); len(leaks) > 0 {
		impact := SubsetSumPenalty * len(leaks)
		if impact < SubsetSumMaxImpact {
			impact = SubsetSumMaxImpact
		}
		s.add(CategoryValue, FactorSubsetSum, impact, "Input subsets match outputs %v up to the fee", leaks)
		s.risk(SeverityCritical, "Subset Sum Leak Detected",
			"A subset of the inputs pays exactly one output plus a small fee, exposing which inputs funded which payment.",
			"Add unrelated inputs or split payments so input and output sums do not line up.")
	}

	var dust, tracking int
	for _, o := range tx.Outputs {
		if o.ScriptType == models.ScriptNullData || o.Value >= DustLimit {
			continue
		}
		dust++
		if o.Value <= TrackingDustLimit {
			tracking++
		}
	}
	switch {
	case tracking > 0:
		s.add(CategoryValue, FactorTrackingDust, TrackingDustPenalty, "%d output(s) at or below %d sats", tracking, TrackingDustLimit)
		s.risk(SeverityHigh, "Possible Dust Attack",
			"The transaction carries outputs small enough to be used for address tracking.",
			"Freeze dust outputs and never spend them with other coins.")
	case dust > 0:
		s.add(CategoryValue, FactorDustOutput, DustPenalty, "%d output(s) below %d sats", dust, DustLimit)
	}
}

// subsetSumLeaks returns the output indexes that a proper subset of at most
// SubsetSumMaxSize resolved inputs pays within SubsetSumTolerance.
func subsetSumLeaks(tx *models.Transaction) []uint32 {
	var values []int64
	for _, in := range tx.Inputs {
		if in.Resolved && !in.Coinbase {
			values = append(values, in.Value)
		}
	}
	if len(values) < 2 || len(values) > SubsetSumMaxInputs || len(values) != len(tx.Inputs) || len(tx.Outputs) < 2 {
		return nil
	}
	size := SubsetSumMaxSize
	if size > len(values)-1 {
		size = len(values) - 1
	}

	var sums []int64
	var walk func(start, depth int, sum int64)
	walk = func(start, depth int, sum int64) {
		for i := start; i < len(values); i++ {
			next := sum + values[i]
			sums = append(sums, next)
			if depth+1 < size {
				walk(i+1, depth+1, next)
			}
		}
	}
	walk(0, 0, 0)

	var leaks []uint32
	for _, o := range tx.Outputs {
		for _, sum := range sums {
			if sum >= o.Value && sum-o.Value <= SubsetSumTolerance {
				leaks = append(leaks, o.Index)
				break
			}
		}
	}
	return leaks
}

func (s *EnhancedScore) walletFingerprint(tx *models.Transaction) {
	types := make(map[models.ScriptType]bool)
	for _, in := range tx.Inputs {
		if in.Resolved && in.ScriptType != "" {
			types[in.ScriptType] = true
		}
	}
	for _, o := range tx.Outputs {
		if o.ScriptType != models.ScriptNullData && o.ScriptType != "" {
			types[o.ScriptType] = true
		}
	}
	switch n := len(types); {
	case n >= 3:
		s.add(CategoryWalletFingerprint, FactorScriptMixing, ScriptMixingSeverePenalty, "Transaction mixes %d script types", n)
	case n == 2:
		s.add(CategoryWalletFingerprint, FactorScriptMixing, ScriptMixingPenalty, "Transaction mixes 2 script types")
	case n == 1:
		s.add(CategoryWalletFingerprint, FactorUniformScripts, UniformScriptsBonus, "All inputs and outputs share one script type")
	}

	if tx.Confirmed() && tx.LockTime > 0 && tx.LockTime < 500_000_000 {
		if gap := tx.BlockHeight - int64(tx.LockTime); gap >= 0 && gap <= AntiFeeSnipingWindow {
			s.add(CategoryWalletFingerprint, FactorAntiFeeSniping, AntiFeeSnipingPenalty,
				"Locktime %d is %d blocks below the confirming block", tx.LockTime, gap)
		}
	}

	for _, in := range tx.Inputs {
		if !in.Coinbase && in.Sequence < 0xfffffffe {
			s.add(CategoryWalletFingerprint, FactorRBF, RBFPenalty, "Input %d signals replace-by-fee", in.Index)
			break
		}
	}

	if bip69(tx) {
		s.add(CategoryWalletFingerprint, FactorBIP69, BIP69Penalty, "Inputs and outputs follow BIP69 ordering")
	}
}

// bip69 reports whether the ordering is lexicographic. Only orderings that
// could not plausibly be random count: two or more inputs sorted together
// with sorted outputs, or at least three sorted outputs.
func bip69(tx *models.Transaction) bool {
	if tx.IsCoinbase || len(tx.Outputs) < 2 {
		return false
	}
	outputs := sort.SliceIsSorted(tx.Outputs, func(i, j int) bool {
		return tx.Outputs[i].Value < tx.Outputs[j].Value
	})
	if !outputs {
		return false
	}
	if len(tx.Inputs) >= 2 {
		return sort.SliceIsSorted(tx.Inputs, func(i, j int) bool {
			a, b := tx.Inputs[i], tx.Inputs[j]
			if a.PrevTxID != b.PrevTxID {
				return a.PrevTxID < b.PrevTxID
			}
			return a.PrevVout < b.PrevVout
		})
	}
	return len(tx.Outputs) >= 3
}

// peeling follows the larger output forward while each spend splits into one
// large and one small output.
func (s *EnhancedScore) peeling(g *graph.TraceGraph) {
	if g == nil || g.OriginNode() == nil {
		return
	}
	length := 0
	current := g.Origin
	for {
		edges := g.Children(current)
		if len(edges) != 2 {
			break
		}
		a, ok1 := g.Node(edges[0].To)
		b, ok2 := g.Node(edges[1].To)
		if !ok1 || !ok2 {
			break
		}
		large, small := a, b
		if small.Value > large.Value {
			large, small = small, large
		}
		if small.Value <= 0 || large.Value < PeelingRatio*small.Value {
			break
		}
		length++
		current = large.Outpoint()
	}
	if length >= PeelingMinLength {
		s.add(CategoryPeelingChain, FactorPeelingChain, PeelingPenalty, "Peeling chain of %d transactions follows this output", length)
		s.risk(SeverityCritical, "Peeling Chain Pattern",
			"Each spend sends a small payment and returns the rest as change, which is easy to follow.",
			"Break the chain with a CoinJoin before further payments.")
	}
}

func (s *EnhancedScore) exchange(e *ExchangeExposure) {
	if e == nil {
		s.Warnings = append(s.Warnings, "exchange proximity unavailable")
		return
	}
	if e.Hops == nil {
		if e.Incomplete {
			s.Warnings = append(s.Warnings, WarnExchangeIncomplete)
		}
		return
	}
	switch h := *e.Hops; {
	case h == 0:
		s.add(CategoryExchange, FactorExchangeAddress, ExchangeAddressPenalty, "Address belongs to %s", e.Entity)
		s.risk(SeverityCritical, "Exchange Address",
			fmt.Sprintf("The address is a known %s address.", e.Entity),
			"Assume the exchange can identify the owner; move funds through a CoinJoin before reuse.")
	case h == 1:
		s.add(CategoryExchange, FactorExchangeDirect, ExchangeDirectPenalty, "One hop from %s", e.Entity)
		s.risk(SeverityCritical, "Direct Exchange Link",
			fmt.Sprintf("Funds move directly between this address and %s.", e.Entity),
			"Insert CoinJoin hops between exchange withdrawals and private spending.")
	case h <= ExchangeNearHops:
		s.add(CategoryExchange, FactorExchangeNear, ExchangeNearPenalty, "%d hops from %s", h, e.Entity)
		s.risk(SeverityHigh, "Nearby Exchange",
			fmt.Sprintf("%s is %d hops away.", e.Entity, h),
			"Add CoinJoin hops to lengthen the path to the exchange.")
	case h <= ExchangeFarHops:
		s.add(CategoryExchange, FactorExchangeFar, ExchangeFarPenalty, "%d hops from %s", h, e.Entity)
	}
}
