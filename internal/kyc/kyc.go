// Package kyc follows the coins of a known exchange withdrawal forward and
// estimates how confidently each current holding can be tied back to the
// identity the exchange holds.
//
// The walk is breadth-first and sequential so equal ledgers produce equal
// reports. Every hop lowers the path confidence; a CoinJoin lowers it by
// the size of its anonymity set. A trail whose confidence drops below
// ColdThreshold is reported cold and not followed further.
package kyc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/coinjoin"
	"github.com/thanhnp/chainforensics/internal/ledger"
	"github.com/thanhnp/chainforensics/internal/models"
)

// TrailStatus is how a followed trail ended.
type TrailStatus string

const (
	StatusCold       TrailStatus = "cold"
	StatusDeadEnd    TrailStatus = "dead_end"
	StatusDepthLimit TrailStatus = "depth_limit"
	StatusLost       TrailStatus = "lost"
)

// Level buckets a confidence score.
type Level string

const (
	LevelHigh       Level = "high"
	LevelMedium     Level = "medium"
	LevelLow        Level = "low"
	LevelNegligible Level = "negligible"
)

// Preset is a named trace depth offered to clients.
type Preset struct {
	Name        string `json:"name"`
	Depth       int    `json:"depth"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Complexity  string `json:"complexity"`
}

// Presets lists the depth presets from shallowest to deepest.
var Presets = []Preset{
	{Name: "quick", Depth: 3, Label: "Quick Scan", Description: "Fast check, 1-3 hops only", Complexity: "Low"},
	{Name: "standard", Depth: 6, Label: "Standard", Description: "Balanced depth, covers most patterns", Complexity: "Medium"},
	{Name: "deep", Depth: 10, Label: "Deep Scan", Description: "Thorough analysis, may take longer", Complexity: "High"},
	{Name: "thorough", Depth: 15, Label: "Thorough", Description: "Very deep analysis, intensive", Complexity: "Very High"},
}

// DefaultPreset is used when no preset is named.
const DefaultPreset = "standard"

// LookupPreset returns the preset called name; "" selects DefaultPreset.
func LookupPreset(name string) (Preset, bool) {
	if name == "" {
		name = DefaultPreset
	}
	for _, p := range Presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// Trace bounds and confidence constants.
const (
	MaxDepth        = 15
	MaxTransactions = 300
	MaxQueue        = 1000
	DefaultBudget   = 60 * time.Second

	// ColdThreshold is the path confidence below which a trail is cold.
	ColdThreshold = 0.05
	// HopDecay is applied to the path confidence on every ordinary hop.
	HopDecay = 0.95
	// MinConfidence is the floor after a CoinJoin.
	MinConfidence = 0.001
	// DepthLimitFactor scales the confidence of trails cut by the depth
	// limit, LostFactor that of trails whose spend could not be followed.
	DepthLimitFactor = 0.5
	LostFactor       = 0.3
)

// Warning strings attached to truncated reports.
const (
	WarnTimeBudget = "time budget exceeded"
	WarnQueueLimit = "queue limit reached; some paths were dropped"
)

// Entities resolves destination addresses to known entities.
type Entities interface {
	Lookup(address string) (models.Entity, bool)
}

// Options bounds a trace.
type Options struct {
	MaxDepth        int
	MaxTransactions int
	MaxQueue        int
	Budget          time.Duration
	// Entities flags destinations owned by exchanges. Nil skips the check.
	Entities Entities
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		p, _ := LookupPreset(DefaultPreset)
		o.MaxDepth = p.Depth
	}
	if o.MaxDepth > MaxDepth {
		o.MaxDepth = MaxDepth
	}
	if o.MaxTransactions <= 0 {
		o.MaxTransactions = MaxTransactions
	}
	if o.MaxQueue <= 0 {
		o.MaxQueue = MaxQueue
	}
	if o.Budget <= 0 {
		o.Budget = DefaultBudget
	}
	return o
}

// PathNode is one output on the way from the withdrawal to a destination.
type PathNode struct {
	TxID              string            `json:"txid"`
	Vout              uint32            `json:"vout"`
	Value             int64             `json:"value_sats"`
	Address           string            `json:"address,omitempty"`
	BlockHeight       *int64            `json:"block_height"`
	Depth             int               `json:"depth"`
	IsCoinJoin        bool              `json:"is_coinjoin"`
	CoinJoinScore     float64           `json:"coinjoin_score"`
	CoinJoinsInPath   int               `json:"coinjoin_count_in_path"`
	Protocol          coinjoin.Protocol `json:"coinjoin_protocol"`
	AnonymitySet      int               `json:"anonymity_set_size"`
	IsChange          bool              `json:"is_change"`
	ChangeProbability float64           `json:"change_probability"`
	Confidence        float64           `json:"cumulative_confidence"`
}

// Destination is where a trail ended.
type Destination struct {
	Address    string      `json:"address"`
	Value      int64       `json:"value_sats"`
	Confidence float64     `json:"confidence_score"`
	Level      Level       `json:"confidence_level"`
	PathLength int         `json:"path_length"`
	CoinJoins  int         `json:"coinjoins_passed"`
	Status     TrailStatus `json:"trail_status"`
	Reasoning  []string    `json:"reasoning"`
	Path       []PathNode  `json:"path"`
}

// Result is the report of one withdrawal trace. Destinations are ordered by
// confidence, highest first.
type Result struct {
	ExchangeTxID         string        `json:"exchange_txid"`
	DestinationAddress   string        `json:"destination_address"`
	TraceDepth           int           `json:"trace_depth"`
	OriginalValue        int64         `json:"original_value_sats"`
	Destinations         []Destination `json:"probable_destinations"`
	CoinJoinsEncountered int           `json:"coinjoins_encountered"`
	TracedSats           int64         `json:"total_traced_sats"`
	UntraceableSats      int64         `json:"total_untraceable_sats"`
	TransactionsAnalyzed int           `json:"transactions_analyzed"`
	PrivacyScore         float64       `json:"overall_privacy_score"`
	Rating               Rating        `json:"privacy_rating"`
	Summary              string        `json:"summary"`
	Risks                Risks         `json:"risk_analysis"`
	Recommendations      []string      `json:"recommendations"`
	Truncated            bool          `json:"truncated"`
	Warnings             []string      `json:"warnings"`
	ExecutionTimeMS      int64         `json:"execution_time_ms"`
}

// HighConfidence returns the destinations at LevelHigh.
func (r *Result) HighConfidence() []Destination {
	return r.byLevel(LevelHigh)
}

func (r *Result) byLevel(l Level) []Destination {
	var out []Destination
	for _, d := range r.Destinations {
		if d.Level == l {
			out = append(out, d)
		}
	}
	return out
}

func (r *Result) byStatus(s TrailStatus) []Destination {
	var out []Destination
	for _, d := range r.Destinations {
		if d.Status == s {
			out = append(out, d)
		}
	}
	return out
}

type item struct {
	op      models.Outpoint
	depth   int
	path    []PathNode
	value   int64
	address string
}

type tracer struct {
	idx       ledger.Index
	opts      Options
	res       *Result
	coinjoins map[string]bool
	seenWarn  map[string]bool
}

// Trace follows the output of txid paying address forward. A missing
// withdrawal, an address it does not pay or an unreachable ledger fail the
// trace. Any other lookup failure ends that trail as lost. Reaching the
// transaction cap or the time budget returns the partial report with
// Truncated set.
func Trace(ctx context.Context, idx ledger.Index, txid, address string, opts Options) (*Result, error) {
	start := time.Now()
	opts = opts.withDefaults()

	tx, err := idx.Transaction(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("load withdrawal: %w", err)
	}
	var origin *models.Vout
	for i := range tx.Outputs {
		if tx.Outputs[i].Address == address {
			origin = &tx.Outputs[i]
			break
		}
	}
	if origin == nil {
		return nil, apperr.NotFound("kyc.trace", "address %s is not paid by %s", address, txid)
	}

	t := &tracer{
		idx:  idx,
		opts: opts,
		res: &Result{
			ExchangeTxID:       txid,
			DestinationAddress: address,
			TraceDepth:         opts.MaxDepth,
			OriginalValue:      origin.Value,
			Warnings:           []string{},
		},
		coinjoins: make(map[string]bool),
		seenWarn:  make(map[string]bool),
	}

	budgetCtx, cancel := context.WithTimeout(ctx, opts.Budget)
	defer cancel()
	first := item{op: models.Outpoint{TxID: txid, Vout: origin.Index}, value: origin.Value, address: address}
	if err := t.walk(ctx, budgetCtx, first); err != nil {
		return nil, err
	}

	res := t.res
	sort.SliceStable(res.Destinations, func(i, j int) bool {
		return res.Destinations[i].Confidence > res.Destinations[j].Confidence
	})
	if res.Destinations == nil {
		res.Destinations = []Destination{}
	}
	res.CoinJoinsEncountered = len(t.coinjoins)
	res.PrivacyScore = PrivacyScore(res)
	res.Rating = RatingFor(res.PrivacyScore)
	res.Summary = summarize(res)
	res.Risks = categorize(res, opts.Entities)
	res.Recommendations = recommend(res)
	res.ExecutionTimeMS = time.Since(start).Milliseconds()
	return res, nil
}

func (t *tracer) walk(parent, ctx context.Context, first item) error {
	queue := []item{first}
	visited := make(map[models.Outpoint]bool)
	for len(queue) > 0 {
		if t.res.TransactionsAnalyzed >= t.opts.MaxTransactions {
			t.truncate(fmt.Sprintf("transaction limit %d reached", t.opts.MaxTransactions))
			return nil
		}
		if len(queue) > t.opts.MaxQueue {
			t.truncate(WarnQueueLimit)
			queue = queue[:t.opts.MaxQueue]
		}
		it := queue[0]
		queue = queue[1:]
		if visited[it.op] {
			continue
		}
		visited[it.op] = true

		if it.depth > t.opts.MaxDepth {
			t.destination(it.address, it.value, it.path, StatusDepthLimit, DepthLimitFactor, "Hit depth limit")
			continue
		}

		next, err := t.step(ctx, it)
		if err != nil {
			if parent.Err() != nil {
				return parent.Err()
			}
			if ctx.Err() != nil {
				t.truncate(WarnTimeBudget)
				return nil
			}
			return err
		}
		for _, n := range next {
			if !visited[n.op] {
				queue = append(queue, n)
			}
		}
	}
	return nil
}

// step scores the output of it and returns the outputs of the transaction
// that spent it.
func (t *tracer) step(ctx context.Context, it item) ([]item, error) {
	tx, err := t.idx.Transaction(ctx, it.op.TxID)
	if err != nil {
		if fatal(ctx, err) {
			return nil, err
		}
		t.warn(fmt.Sprintf("load %s: %s", it.op.TxID, apperr.Message(err)))
		return nil, nil
	}
	t.res.TransactionsAnalyzed++
	out, ok := tx.Output(it.op.Vout)
	if !ok {
		return nil, nil
	}

	node := t.node(tx, out, it)
	path := append(slices.Clip(it.path), node)

	if node.Confidence < ColdThreshold {
		t.destination(out.Address, out.Value, path, StatusCold, 1,
			fmt.Sprintf("Trail confidence dropped to %.2f%% (below %.0f%% threshold)", node.Confidence*100, ColdThreshold*100),
			fmt.Sprintf("Passed through %d CoinJoin(s) - trail is cold", node.CoinJoinsInPath))
		t.res.UntraceableSats += out.Value
		return nil, nil
	}

	ref, err := t.idx.Spender(ctx, tx.TxID, out.Index)
	if err != nil {
		if fatal(ctx, err) {
			return nil, err
		}
		t.warn(fmt.Sprintf("spender %s:%d: %s", tx.TxID, out.Index, apperr.Message(err)))
		t.destination(out.Address, out.Value, path, StatusLost, LostFactor, "Spend state could not be resolved")
		return nil, nil
	}
	if ref == nil {
		t.destination(out.Address, out.Value, path, StatusDeadEnd, 1, "UTXO is unspent (current holding)")
		t.res.TracedSats += out.Value
		return nil, nil
	}

	spending, err := t.idx.Transaction(ctx, ref.TxID)
	if err != nil {
		if fatal(ctx, err) {
			return nil, err
		}
		t.warn(fmt.Sprintf("load %s: %s", ref.TxID, apperr.Message(err)))
		t.destination(out.Address, out.Value, path, StatusLost, LostFactor, "UTXO spent but spending transaction not found")
		return nil, nil
	}
	next := make([]item, 0, len(spending.Outputs))
	for i := range spending.Outputs {
		o := &spending.Outputs[i]
		next = append(next, item{
			op:      models.Outpoint{TxID: spending.TxID, Vout: o.Index},
			depth:   it.depth + 1,
			path:    path,
			value:   o.Value,
			address: o.Address,
		})
	}
	return next, nil
}

func (t *tracer) node(tx *models.Transaction, out *models.Vout, it item) PathNode {
	prev := 1.0
	var coinjoins int
	if n := len(it.path); n > 0 {
		prev = it.path[n-1].Confidence
		coinjoins = it.path[n-1].CoinJoinsInPath
	}

	cj := coinjoin.Detect(tx)
	n := PathNode{
		TxID:          tx.TxID,
		Vout:          out.Index,
		Value:         out.Value,
		Address:       out.Address,
		BlockHeight:   tx.Height(),
		Depth:         it.depth,
		CoinJoinScore: cj.Score,
		Protocol:      coinjoin.ProtocolNone,
	}
	if cj.Flagged() {
		t.coinjoins[tx.TxID] = true
		coinjoins++
		n.IsCoinJoin = true
		n.Protocol = cj.Protocol
		n.AnonymitySet = AnonymitySet(cj)
		n.Confidence = Degrade(cj.Protocol, n.AnonymitySet, prev)
	} else {
		n.Confidence = prev * HopDecay
	}
	n.CoinJoinsInPath = coinjoins
	n.IsChange, n.ChangeProbability = ChangeProbability(tx, out.Index)
	return n
}

func (t *tracer) destination(address string, value int64, path []PathNode, status TrailStatus, factor float64, reasons ...string) {
	if len(path) == 0 {
		return
	}
	score, reasoning := PathConfidence(path, t.res.OriginalValue)
	score *= factor
	level := LevelFor(score)
	if status == StatusLost {
		level = LevelLow
	}
	if address == "" {
		address = "unknown"
	}
	t.res.Destinations = append(t.res.Destinations, Destination{
		Address:    address,
		Value:      value,
		Confidence: score,
		Level:      level,
		PathLength: len(path),
		CoinJoins:  path[len(path)-1].CoinJoinsInPath,
		Status:     status,
		Reasoning:  append(reasoning, reasons...),
		Path:       path,
	})
}

func (t *tracer) truncate(warning string) {
	t.res.Truncated = true
	t.warn(warning)
}

func (t *tracer) warn(w string) {
	if t.seenWarn[w] {
		return
	}
	t.seenWarn[w] = true
	t.res.Warnings = append(t.res.Warnings, w)
}

func fatal(ctx context.Context, err error) bool {
	return apperr.IsUpstream(err) || ctx.Err() != nil ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
