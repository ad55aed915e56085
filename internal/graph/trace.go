// Package graph builds request-scoped spend graphs from a ledger index.
package graph

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

// Direction selects which way a trace walks the spend graph.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Forward || d == Backward
}

// Defaults applied to zero Options fields.
const (
	DefaultFanout   = 20
	DefaultMaxNodes = 1000
	DefaultBudget   = 15 * time.Second
)

// Warning strings attached to truncated traces.
const (
	WarnNodeLimit  = "node limit reached"
	WarnTimeBudget = "time budget exceeded"
	// WarnRevisit marks spend edges dropped because their target was
	// already reached at a shallower depth.
	WarnRevisit = "edge to already-visited output omitted"
)

// Options bounds a trace.
type Options struct {
	Direction Direction
	MaxDepth  int
	// Fanout caps the ledger lookups in flight for one trace.
	Fanout   int
	MaxNodes int
	Budget   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Fanout <= 0 {
		o.Fanout = DefaultFanout
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = DefaultMaxNodes
	}
	if o.Budget <= 0 {
		o.Budget = DefaultBudget
	}
	return o
}

// Node is an output reached by a trace.
type Node struct {
	models.TxOutput
	Depth         int        `json:"depth"`
	CoinJoinScore float64    `json:"coinjoin_score"`
	BlockTime     *time.Time `json:"block_time,omitempty"`

	spender string
}

// Outpoint returns the identity of the node.
func (n *Node) Outpoint() models.Outpoint {
	return models.Outpoint{TxID: n.TxID, Vout: n.Vout}
}

// Edge links a node at depth d to a node at depth d+1 through TxID. In a
// forward trace From is the output consumed by TxID; in a backward trace To
// is.
type Edge struct {
	From  models.Outpoint `json:"from"`
	To    models.Outpoint `json:"to"`
	TxID  string          `json:"txid"`
	Value int64           `json:"value_sats"`
}

// Summary aggregates the nodes of a trace.
type Summary struct {
	TotalNodes       int   `json:"total_nodes"`
	UnspentCount     int   `json:"unspent_count"`
	SpentCount       int   `json:"spent_count"`
	CoinbaseCount    int   `json:"coinbase_count"`
	UnknownCount     int   `json:"unknown_count"`
	CoinJoinCount    int   `json:"coinjoin_count"`
	TotalUnspentSats int64 `json:"total_unspent_sats"`
}

// TraceGraph is the result of one trace. Nodes are ordered by depth then
// outpoint and edges by outpoints, so equal ledgers give equal graphs.
type TraceGraph struct {
	Origin           models.Outpoint   `json:"origin"`
	Direction        Direction         `json:"direction"`
	MaxDepth         int               `json:"max_depth"`
	Nodes            []*Node           `json:"nodes"`
	Edges            []Edge            `json:"edges"`
	Summary          Summary           `json:"summary"`
	UnspentEndpoints []models.Outpoint `json:"unspent_endpoints"`
	CoinbaseOrigins  []models.Outpoint `json:"coinbase_origins"`
	CoinJoinTxIDs    []string          `json:"coinjoin_txids"`
	Truncated        bool              `json:"truncated"`
	Warnings         []string          `json:"warnings"`
	ExecutionTimeMS  int64             `json:"execution_time_ms"`

	scores map[string]coinjoin.Result
}

// Node returns the node at op.
func (g *TraceGraph) Node(op models.Outpoint) (*Node, bool) {
	for _, n := range g.Nodes {
		if n.TxID == op.TxID && n.Vout == op.Vout {
			return n, true
		}
	}
	return nil, false
}

// CoinJoins returns the assessment of every transaction that created a node,
// ordered by txid.
func (g *TraceGraph) CoinJoins() []coinjoin.Result {
	seen := make(map[string]bool)
	var out []coinjoin.Result
	for _, n := range g.Nodes {
		r, ok := g.scores[n.TxID]
		if !ok || seen[n.TxID] {
			continue
		}
		seen[n.TxID] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxID < out[j].TxID })
	return out
}

// OriginNode returns the node of the trace origin.
func (g *TraceGraph) OriginNode() *Node {
	n, _ := g.Node(g.Origin)
	return n
}

// Children returns the edges leaving op in edge order.
func (g *TraceGraph) Children(op models.Outpoint) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == op {
			out = append(out, e)
		}
	}
	return out
}

var errBudget = errors.New("trace time budget exceeded")

type builder struct {
	idx     ledger.Index
	opts    Options
	origin  models.Outpoint
	nodes   map[models.Outpoint]*Node
	edges   []Edge
	warns   []string
	trunc   bool
	txMu    sync.Mutex
	txs     map[string]*models.Transaction
	scores  map[string]coinjoin.Result
	seenWrn map[string]bool
}

// BuildTrace walks the spend graph from origin up to opts.MaxDepth levels.
// A missing origin or an unreachable ledger fails the trace. Any other
// lookup failure becomes a warning and marks the node unknown. Reaching the
// depth limit, the node cap or the time budget returns the partial graph
// with Truncated set.
func BuildTrace(ctx context.Context, idx ledger.Index, origin models.Outpoint, opts Options) (*TraceGraph, error) {
	start := time.Now()
	opts = opts.withDefaults()
	if !opts.Direction.Valid() {
		return nil, apperr.Invalid("graph.trace", "unknown direction %q", opts.Direction)
	}
	if opts.MaxDepth < 1 {
		return nil, apperr.Invalid("graph.trace", "max depth must be positive")
	}

	b := &builder{
		idx:     idx,
		opts:    opts,
		origin:  origin,
		nodes:   make(map[models.Outpoint]*Node),
		txs:     make(map[string]*models.Transaction),
		scores:  make(map[string]coinjoin.Result),
		seenWrn: make(map[string]bool),
	}

	originTx, err := idx.Transaction(ctx, origin.TxID)
	if err != nil {
		return nil, fmt.Errorf("load origin: %w", err)
	}
	out, ok := originTx.Output(origin.Vout)
	if !ok {
		return nil, apperr.NotFound("graph.trace", "output %s:%d not found", origin.TxID, origin.Vout)
	}
	b.remember(originTx)

	budgetCtx, cancel := context.WithTimeout(ctx, opts.Budget)
	defer cancel()

	root := b.newNode(originTx, out, 0, models.StatusUnknown)
	b.nodes[origin] = root
	warning, err := b.resolveStatus(budgetCtx, root, originTx)
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil && !b.budgetErr(ctx, budgetCtx, err):
		return nil, err
	case err != nil:
		root.Status = models.StatusUnknown
		b.truncate(WarnTimeBudget)
	case warning != "":
		b.warn(warning)
	}

	frontier := []*Node{root}
	for depth := 0; len(frontier) > 0 && !b.trunc; depth++ {
		if depth >= opts.MaxDepth {
			if b.expandable(frontier) {
				b.truncate(fmt.Sprintf("depth limit %d reached", opts.MaxDepth))
			}
			break
		}
		next, err := b.level(budgetCtx, frontier, depth)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !b.budgetErr(ctx, budgetCtx, err) {
				return nil, err
			}
			b.truncate(WarnTimeBudget)
			break
		}
		frontier = next
	}

	g := b.graph()
	g.ExecutionTimeMS = time.Since(start).Milliseconds()
	return g, nil
}

// budgetErr reports whether err was caused by the trace budget running out
// rather than by the caller's context.
func (b *builder) budgetErr(parent, budget context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	return errors.Is(err, errBudget) || (budget.Err() != nil && errors.Is(err, context.DeadlineExceeded))
}

func (b *builder) truncate(warning string) {
	b.trunc = true
	b.warn(warning)
}

func (b *builder) warn(w string) {
	if b.seenWrn[w] {
		return
	}
	b.seenWrn[w] = true
	b.warns = append(b.warns, w)
}

func (b *builder) remember(tx *models.Transaction) {
	b.txMu.Lock()
	defer b.txMu.Unlock()
	if _, ok := b.txs[tx.TxID]; ok {
		return
	}
	b.txs[tx.TxID] = tx
	b.scores[tx.TxID] = coinjoin.Detect(tx)
}

func (b *builder) tx(txid string) *models.Transaction {
	b.txMu.Lock()
	defer b.txMu.Unlock()
	return b.txs[txid]
}

func (b *builder) newNode(tx *models.Transaction, out *models.Vout, depth int, status models.SpendStatus) *Node {
	n := &Node{
		TxOutput: models.NewTxOutput(tx, out, status),
		Depth:    depth,
	}
	b.txMu.Lock()
	n.CoinJoinScore = b.scores[tx.TxID].Score
	b.txMu.Unlock()
	if tx.Confirmed() {
		t := tx.BlockTime
		n.BlockTime = &t
	}
	return n
}

// resolveStatus sets the spend status of n, whose creating transaction is
// tx. A failed lookup that is not fatal returns a warning and leaves the node
// unknown.
func (b *builder) resolveStatus(ctx context.Context, n *Node, tx *models.Transaction) (string, error) {
	if b.opts.Direction == Backward && tx.IsCoinbase {
		n.Status = models.StatusCoinbase
		return "", nil
	}
	ref, err := b.idx.Spender(ctx, n.TxID, n.Vout)
	if err != nil {
		if fatal(ctx, err) {
			return "", err
		}
		n.Status = models.StatusUnknown
		return fmt.Sprintf("spend lookup %s:%d failed: %v", n.TxID, n.Vout, err), nil
	}
	if ref == nil {
		n.Status = models.StatusUnspent
		return "", nil
	}
	n.Status = models.StatusSpent
	n.spender = ref.TxID
	return "", nil
}

// fatal reports whether a lookup error must abort the trace.
func fatal(ctx context.Context, err error) bool {
	return apperr.IsUpstream(err) || ctx.Err() != nil ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// expandable reports whether any frontier node could have been followed.
func (b *builder) expandable(frontier []*Node) bool {
	for _, n := range frontier {
		if b.canExpand(n) {
			return true
		}
	}
	return false
}

func (b *builder) canExpand(n *Node) bool {
	if b.opts.Direction == Forward {
		return n.Status == models.StatusSpent
	}
	return n.Status != models.StatusCoinbase && n.Status != models.StatusUnknown
}

// unit is one connecting transaction of a level together with the frontier
// nodes it touches.
type unit struct {
	txid    string
	parents []*Node
}

type unitResult struct {
	children []*Node
	edges    []Edge
	warnings []string
	// failed marks the parents unknown.
	failed bool
}

// level expands the frontier at depth into the nodes of depth+1. Lookups run
// concurrently and results are merged in outpoint order.
func (b *builder) level(ctx context.Context, frontier []*Node, depth int) ([]*Node, error) {
	units := b.units(frontier)
	if len(units) == 0 {
		return nil, nil
	}

	results := make([]unitResult, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Fanout)
	for i, u := range units {
		i, u := i, u
		g.Go(func() error {
			var (
				r   unitResult
				err error
			)
			if b.opts.Direction == Forward {
				r, err = b.expandForward(gctx, u, depth)
			} else {
				r, err = b.expandBackward(gctx, u, depth)
			}
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, errBudget
		}
		return nil, err
	}

	var (
		children []*Node
		edges    []Edge
	)
	for i, r := range results {
		if r.failed {
			for _, p := range units[i].parents {
				p.Status = models.StatusUnknown
			}
		}
		for _, w := range r.warnings {
			b.warn(w)
		}
		children = append(children, r.children...)
		edges = append(edges, r.edges...)
	}
	sort.Slice(children, func(i, j int) bool { return lessOutpoint(children[i].Outpoint(), children[j].Outpoint()) })

	var next []*Node
	for _, c := range children {
		op := c.Outpoint()
		if _, seen := b.nodes[op]; seen {
			continue
		}
		if len(b.nodes) >= b.opts.MaxNodes {
			b.truncate(WarnNodeLimit)
			break
		}
		b.nodes[op] = c
		next = append(next, c)
	}
	for _, e := range edges {
		from, okFrom := b.nodes[e.From]
		to, okTo := b.nodes[e.To]
		if !okFrom || !okTo {
			continue
		}
		if to.Depth != from.Depth+1 {
			b.warn(WarnRevisit)
			continue
		}
		b.edges = append(b.edges, e)
	}
	return next, nil
}

// units groups the expandable frontier nodes by connecting transaction: the
// spender for forward traces, the creating transaction for backward ones.
func (b *builder) units(frontier []*Node) []unit {
	byTx := make(map[string]*unit)
	for _, n := range frontier {
		if !b.canExpand(n) {
			continue
		}
		txid := n.TxID
		if b.opts.Direction == Forward {
			txid = n.spender
		}
		u, ok := byTx[txid]
		if !ok {
			u = &unit{txid: txid}
			byTx[txid] = u
		}
		u.parents = append(u.parents, n)
	}
	units := make([]unit, 0, len(byTx))
	for _, u := range byTx {
		sort.Slice(u.parents, func(i, j int) bool { return lessOutpoint(u.parents[i].Outpoint(), u.parents[j].Outpoint()) })
		units = append(units, *u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].txid < units[j].txid })
	return units
}

func (b *builder) expandForward(ctx context.Context, u unit, depth int) (unitResult, error) {
	var r unitResult
	tx, err := b.idx.Transaction(ctx, u.txid)
	if err != nil {
		if fatal(ctx, err) {
			return r, err
		}
		r.failed = true
		r.warnings = append(r.warnings, fmt.Sprintf("spending transaction %s unavailable: %v", u.txid, err))
		return r, nil
	}
	b.remember(tx)

	for i := range tx.Outputs {
		child := b.newNode(tx, &tx.Outputs[i], depth+1, models.StatusUnknown)
		warning, err := b.resolveStatus(ctx, child, tx)
		if err != nil {
			return r, err
		}
		if warning != "" {
			r.warnings = append(r.warnings, warning)
		}
		r.children = append(r.children, child)
		for _, p := range u.parents {
			r.edges = append(r.edges, Edge{From: p.Outpoint(), To: child.Outpoint(), TxID: tx.TxID, Value: p.Value})
		}
	}
	return r, nil
}

func (b *builder) expandBackward(ctx context.Context, u unit, depth int) (unitResult, error) {
	var r unitResult
	tx := b.tx(u.txid)
	if tx == nil {
		r.failed = true
		r.warnings = append(r.warnings, fmt.Sprintf("transaction %s not loaded", u.txid))
		return r, nil
	}

	for _, in := range tx.Inputs {
		if in.Coinbase {
			continue
		}
		var child *Node
		prev, err := b.idx.Transaction(ctx, in.PrevTxID)
		if err != nil {
			if fatal(ctx, err) {
				return r, err
			}
			r.warnings = append(r.warnings, fmt.Sprintf("input origin %s:%d unavailable: %v", in.PrevTxID, in.PrevVout, err))
			child = unresolvedNode(in, depth+1)
		} else if out, ok := prev.Output(in.PrevVout); ok {
			b.remember(prev)
			status := models.StatusSpent
			if prev.IsCoinbase {
				status = models.StatusCoinbase
			}
			child = b.newNode(prev, out, depth+1, status)
		} else {
			r.warnings = append(r.warnings, fmt.Sprintf("input origin %s:%d missing output", in.PrevTxID, in.PrevVout))
			child = unresolvedNode(in, depth+1)
		}

		r.children = append(r.children, child)
		for _, p := range u.parents {
			r.edges = append(r.edges, Edge{From: p.Outpoint(), To: child.Outpoint(), TxID: tx.TxID, Value: child.Value})
		}
	}
	return r, nil
}

// unresolvedNode stands in for an input whose origin could not be loaded,
// using whatever the input recorded about it.
func unresolvedNode(in models.Vin, depth int) *Node {
	n := &Node{
		TxOutput: models.TxOutput{
			TxID:       in.PrevTxID,
			Vout:       in.PrevVout,
			ScriptType: models.ScriptNonStandard,
			Status:     models.StatusUnknown,
		},
		Depth: depth,
	}
	if in.Resolved {
		n.Value = in.Value
		n.Address = in.Address
		n.ScriptType = in.ScriptType
	}
	return n
}

func (b *builder) graph() *TraceGraph {
	g := &TraceGraph{
		Origin:           b.origin,
		Direction:        b.opts.Direction,
		MaxDepth:         b.opts.MaxDepth,
		Nodes:            make([]*Node, 0, len(b.nodes)),
		Edges:            b.edges,
		UnspentEndpoints: []models.Outpoint{},
		CoinbaseOrigins:  []models.Outpoint{},
		CoinJoinTxIDs:    []string{},
		Truncated:        b.trunc,
		Warnings:         b.warns,
		scores:           b.scores,
	}
	if g.Edges == nil {
		g.Edges = []Edge{}
	}
	if g.Warnings == nil {
		g.Warnings = []string{}
	}
	for _, n := range b.nodes {
		g.Nodes = append(g.Nodes, n)
	}
	sort.Slice(g.Nodes, func(i, j int) bool {
		if g.Nodes[i].Depth != g.Nodes[j].Depth {
			return g.Nodes[i].Depth < g.Nodes[j].Depth
		}
		return lessOutpoint(g.Nodes[i].Outpoint(), g.Nodes[j].Outpoint())
	})
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].From != g.Edges[j].From {
			return lessOutpoint(g.Edges[i].From, g.Edges[j].From)
		}
		return lessOutpoint(g.Edges[i].To, g.Edges[j].To)
	})

	flagged := make(map[string]bool)
	s := &g.Summary
	for _, n := range g.Nodes {
		s.TotalNodes++
		switch n.Status {
		case models.StatusUnspent:
			s.UnspentCount++
			s.TotalUnspentSats += n.Value
			g.UnspentEndpoints = append(g.UnspentEndpoints, n.Outpoint())
		case models.StatusSpent:
			s.SpentCount++
		case models.StatusCoinbase:
			s.CoinbaseCount++
			g.CoinbaseOrigins = append(g.CoinbaseOrigins, n.Outpoint())
		default:
			s.UnknownCount++
		}
		if r, ok := b.scores[n.TxID]; ok && r.Flagged() && !flagged[n.TxID] {
			flagged[n.TxID] = true
			g.CoinJoinTxIDs = append(g.CoinJoinTxIDs, n.TxID)
		}
	}
	sort.Strings(g.CoinJoinTxIDs)
	s.CoinJoinCount = len(g.CoinJoinTxIDs)
	return g
}

func lessOutpoint(a, b models.Outpoint) bool {
	if a.TxID != b.TxID {
		return a.TxID < b.TxID
	}
	return a.Vout < b.Vout
}
