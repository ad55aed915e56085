// Package cluster groups addresses into probable ownership clusters.
//
// Clusters are expanded breadth-first from a seed address. Every transaction
// spending from a cluster member unions its input addresses (common-input
// heuristic) and, optionally, its probable change address (change heuristic).
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/coinjoin"
	"github.com/thanhnp/chainforensics/internal/ledger"
	"github.com/thanhnp/chainforensics/internal/models"
)

// Heuristic names an edge source.
type Heuristic string

const (
	HeuristicCommonInput Heuristic = "common_input"
	HeuristicChange      Heuristic = "change"
)

// Edge confidences. Change edges stay strictly below common-input edges.
const (
	ConfidenceCommonInput = 1.0
	ConfidenceChange      = 0.6
)

// RiskLevel grades how much of a wallet a cluster exposes.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Cluster sizes at which the risk level steps up.
const (
	MediumRiskSize   = 2
	HighRiskSize     = 5
	CriticalRiskSize = 20
)

// LargeClusterSize and DenseClusterDensity trigger extra recommendations.
const (
	LargeClusterSize    = 5
	DenseClusterDensity = 0.7
)

// roundPaymentUnit marks a payment amount as round.
const roundPaymentUnit int64 = 100_000

const (
	defaultFanout       = 20
	defaultMaxAddresses = 500
	defaultBudget       = 15 * time.Second

	warnAddressLimit = "address limit reached"
	warnTimeBudget   = "time budget exceeded"
)

// RiskFor maps a cluster size to its risk level.
func RiskFor(size int) RiskLevel {
	switch {
	case size >= CriticalRiskSize:
		return RiskCritical
	case size >= HighRiskSize:
		return RiskHigh
	case size >= MediumRiskSize:
		return RiskMedium
	}
	return RiskLow
}

// Options bounds a clustering run.
type Options struct {
	MaxDepth      int
	IncludeChange bool
	// MinConfidence drops edges below it before they are unioned.
	MinConfidence float64
	MaxAddresses  int
	Fanout        int
	Budget        time.Duration
}

func (o Options) withDefaults() Options {
	if o.Fanout <= 0 {
		o.Fanout = defaultFanout
	}
	if o.MaxAddresses <= 0 {
		o.MaxAddresses = defaultMaxAddresses
	}
	if o.Budget <= 0 {
		o.Budget = defaultBudget
	}
	return o
}

// Edge is a heuristic link between two cluster members.
type Edge struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Heuristic  Heuristic `json:"heuristic"`
	Confidence float64   `json:"confidence"`
	TxID       string    `json:"txid"`
}

// Metrics describe the graph induced by the members and edges.
type Metrics struct {
	EdgeCount     int     `json:"edge_count"`
	GraphDensity  float64 `json:"graph_density"`
	AverageDegree float64 `json:"average_degree"`
}

// Breakdown counts edges per heuristic.
type Breakdown struct {
	CommonInput     int `json:"common_input"`
	ChangeHeuristic int `json:"change_heuristic"`
}

// Cluster is the outcome of expanding a seed address.
type Cluster struct {
	Seed           string
	Representative string
	Members        []string
	Edges          []Edge
	Metrics        Metrics
	Breakdown      Breakdown
	Truncated      bool
	Warnings       []string
}

// Size returns the number of members.
func (c *Cluster) Size() int {
	return len(c.Members)
}

// Risk returns the risk level of the cluster size.
func (c *Cluster) Risk() RiskLevel {
	return RiskFor(c.Size())
}

// Recommendations derives user guidance from the cluster shape.
func (c *Cluster) Recommendations() []string {
	n := c.Size()
	if n <= 1 {
		return []string{"Good UTXO hygiene: no other addresses are linked to this one by common inputs."}
	}
	recs := []string{
		fmt.Sprintf("%d addresses are linked through common-input ownership.", n),
		"Consider using CoinJoin before spending linked UTXOs together.",
	}
	if n > LargeClusterSize {
		recs = append(recs, "Large cluster: spending patterns expose a significant part of this wallet.")
	}
	if c.Metrics.GraphDensity > DenseClusterDensity {
		recs = append(recs, "Dense linkage: most cluster addresses were spent together directly.")
	}
	if c.Breakdown.ChangeHeuristic > 0 {
		recs = append(recs, "Change outputs are identifiable; avoid round payment amounts and reuse of script types.")
	}
	return recs
}

// ComputeMetrics returns the edge count, density e/(n(n-1)/2) and average
// degree 2e/n of a graph with n members and the given edges. Density is 0
// when n <= 1.
func ComputeMetrics(n int, edges []Edge) Metrics {
	m := Metrics{EdgeCount: len(edges)}
	if n > 1 {
		m.GraphDensity = float64(m.EdgeCount) / (float64(n*(n-1)) / 2)
	}
	if n > 0 {
		m.AverageDegree = float64(2*m.EdgeCount) / float64(n)
	}
	return m
}

// addressResult is what one frontier address contributes to a level.
type addressResult struct {
	txs []*models.Transaction
	// fresh maps txid to the output addresses first seen in that tx.
	fresh    map[string][]string
	warnings []string
}

type expander struct {
	idx  ledger.Index
	opts Options

	mu       sync.Mutex
	txs      map[string]*models.Transaction
	firstSee map[string]string
}

// Build expands the cluster of seed. An address with no history yields a
// singleton cluster. Only an unreachable ledger or a cancelled context fail
// the build; other lookup failures are reported in Warnings.
func Build(ctx context.Context, idx ledger.Index, seed string, opts Options) (*Cluster, error) {
	opts = opts.withDefaults()
	if opts.MaxDepth < 1 {
		return nil, apperr.Invalid("cluster.build", "max depth must be positive")
	}
	e := &expander{
		idx:      idx,
		opts:     opts,
		txs:      make(map[string]*models.Transaction),
		firstSee: make(map[string]string),
	}

	budgetCtx, cancel := context.WithTimeout(ctx, opts.Budget)
	defer cancel()

	uf := NewUnionFind()
	uf.Add(seed)
	c := &Cluster{Seed: seed, Warnings: []string{}}
	seenWarn := make(map[string]bool)
	warn := func(w string) {
		if !seenWarn[w] {
			seenWarn[w] = true
			c.Warnings = append(c.Warnings, w)
		}
	}

	processed := make(map[string]bool)
	pairs := make(map[[2]string]int)
	visited := map[string]bool{seed: true}
	frontier := []string{seed}

	for depth := 0; depth < opts.MaxDepth && len(frontier) > 0 && !c.Truncated; depth++ {
		results, err := e.level(budgetCtx, frontier)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if budgetCtx.Err() == nil {
				return nil, err
			}
			c.Truncated = true
			warn(warnTimeBudget)
			break
		}

		var txs []*models.Transaction
		fresh := make(map[string][]string)
		for _, r := range results {
			for _, w := range r.warnings {
				warn(w)
			}
			txs = append(txs, r.txs...)
			for txid, addrs := range r.fresh {
				fresh[txid] = addrs
			}
		}
		sort.Slice(txs, func(i, j int) bool { return txs[i].TxID < txs[j].TxID })

		var next []string
		for _, tx := range txs {
			if processed[tx.TxID] {
				continue
			}
			processed[tx.TxID] = true
			if coinjoin.Detect(tx).Flagged() {
				warn(fmt.Sprintf("skipped CoinJoin transaction %s", tx.TxID))
				continue
			}

			edges := linkEdges(tx, fresh[tx.TxID], opts)
			if added := countNew(uf, edges); uf.Len()+added > opts.MaxAddresses {
				c.Truncated = true
				warn(warnAddressLimit)
				break
			}
			for _, edge := range edges {
				uf.Union(edge.From, edge.To)
				key := pairKey(edge.From, edge.To)
				if i, ok := pairs[key]; ok {
					if edge.Confidence > c.Edges[i].Confidence {
						c.Edges[i] = edge
					}
					continue
				}
				pairs[key] = len(c.Edges)
				c.Edges = append(c.Edges, edge)
				for _, addr := range []string{edge.From, edge.To} {
					if !visited[addr] {
						visited[addr] = true
						next = append(next, addr)
					}
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	c.Members = uf.Members(seed)
	c.Representative = uf.Find(seed)
	if c.Edges == nil {
		c.Edges = []Edge{}
	}
	for _, edge := range c.Edges {
		switch edge.Heuristic {
		case HeuristicCommonInput:
			c.Breakdown.CommonInput++
		case HeuristicChange:
			c.Breakdown.ChangeHeuristic++
		}
	}
	c.Metrics = ComputeMetrics(c.Size(), c.Edges)
	return c, nil
}

// linkEdges returns the edges tx contributes: a star of common-input edges
// from the first input address, then the change edge if any.
func linkEdges(tx *models.Transaction, fresh []string, opts Options) []Edge {
	inputs := tx.InputAddresses()
	if len(inputs) == 0 {
		return nil
	}
	var edges []Edge
	if ConfidenceCommonInput >= opts.MinConfidence {
		for _, addr := range inputs[1:] {
			edges = append(edges, Edge{
				From:       inputs[0],
				To:         addr,
				Heuristic:  HeuristicCommonInput,
				Confidence: ConfidenceCommonInput,
				TxID:       tx.TxID,
			})
		}
	}
	if opts.IncludeChange && ConfidenceChange >= opts.MinConfidence {
		if change, ok := changeAddress(tx, inputs, fresh); ok {
			edges = append(edges, Edge{
				From:       inputs[0],
				To:         change,
				Heuristic:  HeuristicChange,
				Confidence: ConfidenceChange,
				TxID:       tx.TxID,
			})
		}
	}
	return edges
}

// changeAddress picks the probable change output of tx: the only output
// address first seen in tx. Every other output must pay a known counterparty
// (an address that is not one of the inputs) or a round amount.
func changeAddress(tx *models.Transaction, inputs, fresh []string) (string, bool) {
	if len(tx.Outputs) < 2 || len(fresh) != 1 {
		return "", false
	}
	change := fresh[0]
	isInput := make(map[string]bool, len(inputs))
	for _, a := range inputs {
		isInput[a] = true
	}
	if isInput[change] {
		return "", false
	}
	for _, out := range tx.Outputs {
		if out.Address == change || out.Address == "" {
			continue
		}
		if isInput[out.Address] && out.Value%roundPaymentUnit != 0 {
			return "", false
		}
	}
	return change, true
}

func countNew(uf *UnionFind, edges []Edge) int {
	seen := make(map[string]bool)
	n := 0
	for _, e := range edges {
		for _, addr := range []string{e.From, e.To} {
			if !uf.Has(addr) && !seen[addr] {
				seen[addr] = true
				n++
			}
		}
	}
	return n
}

func pairKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// level loads the spending transactions of every frontier address.
func (e *expander) level(ctx context.Context, frontier []string) ([]addressResult, error) {
	results := make([]addressResult, len(frontier))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Fanout)
	for i, addr := range frontier {
		i, addr := i, addr
		g.Go(func() error {
			r, err := e.expand(gctx, addr)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *expander) expand(ctx context.Context, addr string) (addressResult, error) {
	r := addressResult{fresh: make(map[string][]string)}
	history, err := e.idx.AddressHistory(ctx, addr, 0)
	if err != nil {
		if fatal(ctx, err) {
			return r, err
		}
		r.warnings = append(r.warnings, fmt.Sprintf("history of %s unavailable: %v", addr, err))
		return r, nil
	}

	for _, h := range history {
		if h.Sent == 0 {
			continue
		}
		tx, err := e.transaction(ctx, h.TxID)
		if err != nil {
			if fatal(ctx, err) {
				return r, err
			}
			r.warnings = append(r.warnings, fmt.Sprintf("transaction %s unavailable: %v", h.TxID, err))
			continue
		}
		r.txs = append(r.txs, tx)
		if !e.opts.IncludeChange || len(tx.Outputs) < 2 {
			continue
		}
		for _, out := range tx.OutputAddresses() {
			first, err := e.firstSeen(ctx, out)
			if err != nil {
				if fatal(ctx, err) {
					return r, err
				}
				r.warnings = append(r.warnings, fmt.Sprintf("history of %s unavailable: %v", out, err))
				continue
			}
			if first == tx.TxID {
				r.fresh[tx.TxID] = append(r.fresh[tx.TxID], out)
			}
		}
	}
	return r, nil
}

func (e *expander) transaction(ctx context.Context, txid string) (*models.Transaction, error) {
	e.mu.Lock()
	tx, ok := e.txs[txid]
	e.mu.Unlock()
	if ok {
		return tx, nil
	}
	tx, err := e.idx.Transaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.txs[txid] = tx
	e.mu.Unlock()
	return tx, nil
}

// firstSeen returns the txid of the first history entry of addr.
func (e *expander) firstSeen(ctx context.Context, addr string) (string, error) {
	e.mu.Lock()
	txid, ok := e.firstSee[addr]
	e.mu.Unlock()
	if ok {
		return txid, nil
	}
	history, err := e.idx.AddressHistory(ctx, addr, 1)
	if err != nil {
		return "", err
	}
	if len(history) > 0 {
		txid = history[0].TxID
	}
	e.mu.Lock()
	e.firstSee[addr] = txid
	e.mu.Unlock()
	return txid, nil
}

func fatal(ctx context.Context, err error) bool {
	return apperr.IsUpstream(err) || ctx.Err() != nil ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
