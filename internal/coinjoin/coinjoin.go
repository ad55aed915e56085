// Package coinjoin scores transactions against CoinJoin heuristics.
//
// The score is a weighted sum of independent heuristics. Weights are kept as
// integer points and divided by 100 once, so adding a matched heuristic can
// only raise the score and threshold comparisons are exact.
package coinjoin

import (
	"math"
	"sort"

	"github.com/thanhnp/chainforensics/internal/models"
)

// Protocol is an identified mixing implementation.
type Protocol string

const (
	ProtocolNone       Protocol = "none"
	ProtocolWhirlpool  Protocol = "whirlpool"
	ProtocolWasabiV1   Protocol = "wasabi_v1"
	ProtocolWasabiV2   Protocol = "wasabi_v2"
	ProtocolJoinMarket Protocol = "joinmarket"
	ProtocolGeneric    Protocol = "generic"
)

// Heuristic names reported in HeuristicsMatched.
const (
	HeuristicEqualOutputs   = "equal output values"
	HeuristicBalanced       = "balanced input/output count"
	HeuristicDistinctInputs = "many distinct input addresses"
	HeuristicProtocol       = "known protocol fingerprint"
)

// Heuristic weights in points out of 100.
const (
	WeightEqualOutputs   = 40
	WeightBalanced       = 30
	WeightDistinctInputs = 15
	WeightProtocol       = 15
)

const (
	// MinEqualOutputs is the smallest group of identical output values that
	// counts as a fixed denomination.
	MinEqualOutputs = 3
	// MinDistinctInputAddresses is the number of unrelated input addresses
	// that counts as many.
	MinDistinctInputAddresses = 3

	// DetectThreshold is the score from which a transaction is reported as
	// a CoinJoin.
	DetectThreshold = 0.5
	// FlagThreshold is the score from which a transaction is flagged in
	// traces, paths and privacy scoring.
	FlagThreshold = 0.7

	// denominationTolerance is the allowed drift from a pool denomination.
	denominationTolerance int64 = 10_000

	wasabiV1Denomination int64 = 10_000_000
	wasabiV1Tolerance    int64 = 2_000_000
	wasabiV1MinEqual           = 10
	wasabiV2MinInputs          = 20
	wasabiV2MinOutputs         = 20
	wasabiV2MinGroups          = 3
	joinMarketMinInputs        = 3
	joinMarketMinOutputs       = 4
)

var whirlpoolPools = []int64{100_000, 1_000_000, 5_000_000, 50_000_000}

var protocolConfidence = map[Protocol]float64{
	ProtocolWhirlpool:  0.95,
	ProtocolWasabiV1:   0.85,
	ProtocolWasabiV2:   0.75,
	ProtocolJoinMarket: 0.6,
}

// Stats summarises the shape of a transaction.
type Stats struct {
	InputCount             int   `json:"input_count"`
	OutputCount            int   `json:"output_count"`
	ResolvedInputs         int   `json:"resolved_inputs"`
	DistinctInputAddresses int   `json:"distinct_input_addresses"`
	MaxEqualOutputs        int   `json:"max_equal_outputs"`
	EqualOutputValue       int64 `json:"equal_output_value_sats"`
	EqualOutputGroups      int   `json:"equal_output_groups"`
	UniqueOutputValues     int   `json:"unique_output_values"`
}

// Result is the CoinJoin assessment of one transaction.
type Result struct {
	TxID              string   `json:"txid"`
	IsCoinJoin        bool     `json:"is_coinjoin"`
	Score             float64  `json:"score"`
	Confidence        float64  `json:"confidence"`
	Protocol          Protocol `json:"protocol"`
	HeuristicsMatched []string `json:"heuristics_matched"`
	Stats             Stats    `json:"transaction_stats"`
}

// Flagged reports whether the score reaches FlagThreshold.
func (r Result) Flagged() bool {
	return r.Score >= FlagThreshold
}

// Detect evaluates tx. Coinbase transactions always score 0.
func Detect(tx *models.Transaction) Result {
	res := Result{
		TxID:              tx.TxID,
		Protocol:          ProtocolNone,
		HeuristicsMatched: []string{},
		Stats:             NewStats(tx),
	}
	if tx.IsCoinbase {
		res.Confidence = 1
		return res
	}

	st := res.Stats
	var matched []string
	if st.MaxEqualOutputs >= MinEqualOutputs {
		matched = append(matched, HeuristicEqualOutputs)
	}
	if balanced(st.InputCount, st.OutputCount) {
		matched = append(matched, HeuristicBalanced)
	}
	if st.DistinctInputAddresses >= MinDistinctInputAddresses && st.DistinctInputAddresses == st.ResolvedInputs {
		matched = append(matched, HeuristicDistinctInputs)
	}
	res.Protocol = identify(st)
	if _, ok := protocolConfidence[res.Protocol]; ok {
		matched = append(matched, HeuristicProtocol)
	}

	res.HeuristicsMatched = append(res.HeuristicsMatched, matched...)
	res.Score = Combine(matched)
	res.IsCoinJoin = res.Score >= DetectThreshold
	res.Confidence = confidence(res.Protocol, st)
	return res
}

// Combine returns the score of a set of matched heuristics, clamped to [0,1].
// Unknown names contribute nothing.
func Combine(matched []string) float64 {
	points := 0
	seen := make(map[string]bool, len(matched))
	for _, h := range matched {
		if seen[h] {
			continue
		}
		seen[h] = true
		points += weight(h)
	}
	if points > 100 {
		points = 100
	}
	return float64(points) / 100
}

func weight(h string) int {
	switch h {
	case HeuristicEqualOutputs:
		return WeightEqualOutputs
	case HeuristicBalanced:
		return WeightBalanced
	case HeuristicDistinctInputs:
		return WeightDistinctInputs
	case HeuristicProtocol:
		return WeightProtocol
	}
	return 0
}

// balanced is true when both sides have at least two entries and differ by
// no more than a fifth of the larger side (at least one).
func balanced(inputs, outputs int) bool {
	if inputs < 2 || outputs < 2 {
		return false
	}
	larger := inputs
	if outputs > larger {
		larger = outputs
	}
	slack := larger / 5
	if slack < 1 {
		slack = 1
	}
	diff := inputs - outputs
	if diff < 0 {
		diff = -diff
	}
	return diff <= slack
}

// NewStats computes the shape statistics of tx.
func NewStats(tx *models.Transaction) Stats {
	st := Stats{
		InputCount:  len(tx.Inputs),
		OutputCount: len(tx.Outputs),
	}
	addrs := make(map[string]struct{})
	for _, in := range tx.Inputs {
		if !in.Resolved {
			continue
		}
		st.ResolvedInputs++
		if in.Address != "" {
			addrs[in.Address] = struct{}{}
		}
	}
	st.DistinctInputAddresses = len(addrs)

	counts := make(map[int64]int)
	for _, out := range tx.Outputs {
		if out.ScriptType == models.ScriptNullData {
			continue
		}
		counts[out.Value]++
	}
	values := make([]int64, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for _, v := range values {
		n := counts[v]
		if n == 1 {
			st.UniqueOutputValues++
		}
		if n >= 2 {
			st.EqualOutputGroups++
		}
		// Ties keep the largest value.
		if n >= st.MaxEqualOutputs && n >= 2 {
			st.MaxEqualOutputs = n
			st.EqualOutputValue = v
		}
	}
	if st.MaxEqualOutputs == 0 && st.OutputCount > 0 {
		st.MaxEqualOutputs = 1
	}
	return st
}

func identify(st Stats) Protocol {
	switch {
	case st.OutputCount == 5 && st.MaxEqualOutputs == 5 && nearAny(st.EqualOutputValue, whirlpoolPools, denominationTolerance):
		return ProtocolWhirlpool
	case st.MaxEqualOutputs >= wasabiV1MinEqual && near(st.EqualOutputValue, wasabiV1Denomination, wasabiV1Tolerance):
		return ProtocolWasabiV1
	case st.InputCount >= wasabiV2MinInputs && st.OutputCount >= wasabiV2MinOutputs && st.EqualOutputGroups >= wasabiV2MinGroups:
		return ProtocolWasabiV2
	case st.InputCount >= joinMarketMinInputs && st.OutputCount >= joinMarketMinOutputs &&
		st.MaxEqualOutputs >= 2 && st.OutputCount-st.MaxEqualOutputs >= st.MaxEqualOutputs-1:
		return ProtocolJoinMarket
	case st.MaxEqualOutputs >= MinEqualOutputs && st.InputCount >= 2:
		return ProtocolGeneric
	}
	return ProtocolNone
}

func confidence(p Protocol, st Stats) float64 {
	if c, ok := protocolConfidence[p]; ok {
		return c
	}
	if st.InputCount == 0 {
		return 0.5
	}
	// Unresolved inputs hide the address heuristic.
	resolved := float64(st.ResolvedInputs) / float64(st.InputCount)
	return 0.5 + 0.4*resolved
}

func near(v, target, tolerance int64) bool {
	d := v - target
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

func nearAny(v int64, targets []int64, tolerance int64) bool {
	for _, t := range targets {
		if near(v, t, tolerance) {
			return true
		}
	}
	return false
}

// History aggregates the assessments of a set of related transactions.
type History struct {
	TotalTransactions  int              `json:"total_transactions"`
	CoinJoinCount      int              `json:"coinjoin_count"`
	CoinJoinPercentage float64          `json:"coinjoin_percentage"`
	AverageScore       float64          `json:"average_coinjoin_score"`
	ProtocolBreakdown  map[Protocol]int `json:"protocol_breakdown"`
	CoinJoinTxIDs      []string         `json:"coinjoin_txids"`
}

// Summarize builds a History. Only flagged transactions are counted as
// CoinJoins; CoinJoinTxIDs is sorted.
func Summarize(results []Result) History {
	h := History{
		TotalTransactions: len(results),
		ProtocolBreakdown: make(map[Protocol]int),
		CoinJoinTxIDs:     []string{},
	}
	if len(results) == 0 {
		return h
	}
	var total float64
	for _, r := range results {
		total += r.Score
		if !r.Flagged() {
			continue
		}
		h.CoinJoinCount++
		h.ProtocolBreakdown[r.Protocol]++
		h.CoinJoinTxIDs = append(h.CoinJoinTxIDs, r.TxID)
	}
	sort.Strings(h.CoinJoinTxIDs)
	h.AverageScore = round(total/float64(len(results)), 3)
	h.CoinJoinPercentage = round(float64(h.CoinJoinCount)*100/float64(len(results)), 1)
	return h
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
