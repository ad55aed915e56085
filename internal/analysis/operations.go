package analysis

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/cluster"
	"github.com/thanhnp/chainforensics/internal/coinjoin"
	"github.com/thanhnp/chainforensics/internal/graph"
	"github.com/thanhnp/chainforensics/internal/ledger"
	"github.com/thanhnp/chainforensics/internal/models"
	"github.com/thanhnp/chainforensics/internal/proximity"
	"github.com/thanhnp/chainforensics/internal/scoring"
)

// Defaults for parameters without a config knob.
const (
	DefaultTreeDepth     = 3
	DefaultClusterDepth  = 2
	DefaultEnhancedDepth = 5
)

// TraceRequest selects the origin and bounds of a trace.
type TraceRequest struct {
	Chain     string
	TxID      string
	Vout      uint32
	Direction graph.Direction
	MaxDepth  int
}

// TraceResult is a trace annotated with the labels of its addresses.
type TraceResult struct {
	*graph.TraceGraph
	Labels map[string]*models.Label `json:"labels,omitempty"`
}

func (s *Service) traceOptions(dir graph.Direction, maxDepth int) graph.Options {
	return graph.Options{
		Direction: dir,
		MaxDepth:  maxDepth,
		Fanout:    s.cfg.Fanout,
		MaxNodes:  s.cfg.MaxTraceNodes,
		Budget:    s.cfg.TimeBudget,
	}
}

// Trace walks the spend graph from an output.
func (s *Service) Trace(ctx context.Context, req TraceRequest) (*TraceResult, error) {
	const op = "trace"
	c, err := s.chain(req.Chain)
	if err != nil {
		return nil, err
	}
	txid, err := s.txid(op, req.TxID)
	if err != nil {
		return nil, err
	}
	dir, err := direction(op, req.Direction)
	if err != nil {
		return nil, err
	}
	maxDepth, err := depth(op, "max_depth", req.MaxDepth, s.cfg.DefaultTraceDepth, s.cfg.MaxTraceDepth)
	if err != nil {
		return nil, err
	}

	var res *TraceResult
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		g, err := graph.BuildTrace(ctx, c.Index, models.Outpoint{TxID: txid, Vout: req.Vout}, s.traceOptions(dir, maxDepth))
		if err != nil {
			return false, err
		}
		res = &TraceResult{TraceGraph: g}
		res.Labels = s.annotate(c.Name, nodeAddresses(g), &g.Warnings)
		return g.Truncated, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func nodeAddresses(g *graph.TraceGraph) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range g.Nodes {
		if n.Address != "" && !seen[n.Address] {
			seen[n.Address] = true
			out = append(out, n.Address)
		}
	}
	sort.Strings(out)
	return out
}

// TreeRequest selects the origin and depths of a UTXO tree.
type TreeRequest struct {
	Chain         string
	TxID          string
	Vout          uint32
	BackwardDepth int
	ForwardDepth  int
}

// Tree returns the backward and forward traces of an output.
func (s *Service) Tree(ctx context.Context, req TreeRequest) (*graph.Tree, error) {
	const op = "tree"
	c, err := s.chain(req.Chain)
	if err != nil {
		return nil, err
	}
	txid, err := s.txid(op, req.TxID)
	if err != nil {
		return nil, err
	}
	back, err := depth(op, "backward_depth", req.BackwardDepth, DefaultTreeDepth, s.cfg.MaxTraceDepth)
	if err != nil {
		return nil, err
	}
	fwd, err := depth(op, "forward_depth", req.ForwardDepth, DefaultTreeDepth, s.cfg.MaxTraceDepth)
	if err != nil {
		return nil, err
	}

	var tree *graph.Tree
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		t, err := graph.BuildTree(ctx, c.Index, models.Outpoint{TxID: txid, Vout: req.Vout},
			s.traceOptions(graph.Backward, back), s.traceOptions(graph.Forward, fwd))
		if err != nil {
			return false, err
		}
		tree = t
		return t.Truncated, nil
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// ClusterRequest selects the seed and bounds of a clustering run.
type ClusterRequest struct {
	Chain         string
	Address       string
	MaxDepth      int
	IncludeChange bool
	MinConfidence float64
}

// ClusterSummary is the basic cluster view.
type ClusterSummary struct {
	Address         string                   `json:"address"`
	ClusterSize     int                      `json:"cluster_size"`
	LinkedAddresses []string                 `json:"linked_addresses"`
	RiskLevel       cluster.RiskLevel        `json:"risk_level"`
	Recommendations []string                 `json:"recommendations"`
	Labels          map[string]*models.Label `json:"labels,omitempty"`
	Truncated       bool                     `json:"truncated"`
	Warnings        []string                 `json:"warnings"`
	ExecutionTimeMS int64                    `json:"execution_time_ms"`
}

// Member is one address of an advanced cluster.
type Member struct {
	Address         string        `json:"address"`
	FirstSeenHeight *int64        `json:"first_seen_height"`
	TxCount         int           `json:"tx_count"`
	UnspentSats     int64         `json:"unspent_value_sats"`
	Label           *models.Label `json:"label,omitempty"`
}

// ClusterDetail is the advanced cluster view.
type ClusterDetail struct {
	Address         string            `json:"address"`
	ClusterSize     int               `json:"cluster_size"`
	Members         []Member          `json:"cluster_members"`
	Edges           []cluster.Edge    `json:"edges"`
	Metrics         cluster.Metrics   `json:"graph_metrics"`
	Breakdown       cluster.Breakdown `json:"heuristic_breakdown"`
	RiskLevel       cluster.RiskLevel `json:"risk_level"`
	Recommendations []string          `json:"recommendations"`
	Truncated       bool              `json:"truncated"`
	Warnings        []string          `json:"warnings"`
	ExecutionTimeMS int64             `json:"execution_time_ms"`
}

func (s *Service) clusterParams(op string, req ClusterRequest) (Chain, string, cluster.Options, error) {
	c, err := s.chain(req.Chain)
	if err != nil {
		return Chain{}, "", cluster.Options{}, err
	}
	addr, err := s.address(op, c, req.Address)
	if err != nil {
		return Chain{}, "", cluster.Options{}, err
	}
	maxDepth, err := depth(op, "max_depth", req.MaxDepth, DefaultClusterDepth, s.cfg.ClusterMaxDepth)
	if err != nil {
		return Chain{}, "", cluster.Options{}, err
	}
	if req.MinConfidence < 0 || req.MinConfidence > 1 {
		return Chain{}, "", cluster.Options{}, apperr.Invalid(op, "min_confidence must be between 0 and 1")
	}
	return c, addr, cluster.Options{
		MaxDepth:      maxDepth,
		IncludeChange: req.IncludeChange,
		MinConfidence: req.MinConfidence,
		MaxAddresses:  s.cfg.MaxClusterAddresses,
		Fanout:        s.cfg.Fanout,
		Budget:        s.cfg.TimeBudget,
	}, nil
}

// ClusterBasic clusters an address by common-input ownership.
func (s *Service) ClusterBasic(ctx context.Context, req ClusterRequest) (*ClusterSummary, error) {
	const op = "cluster"
	req.IncludeChange = false
	req.MinConfidence = 0
	c, addr, opts, err := s.clusterParams(op, req)
	if err != nil {
		return nil, err
	}

	var res *ClusterSummary
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		start := time.Now()
		cl, err := cluster.Build(ctx, c.Index, addr, opts)
		if err != nil {
			return false, err
		}
		linked := make([]string, 0, len(cl.Members))
		for _, m := range cl.Members {
			if m != addr {
				linked = append(linked, m)
			}
		}
		res = &ClusterSummary{
			Address:         addr,
			ClusterSize:     cl.Size(),
			LinkedAddresses: linked,
			RiskLevel:       cl.Risk(),
			Recommendations: cl.Recommendations(),
			Truncated:       cl.Truncated,
			Warnings:        nonNil(cl.Warnings),
		}
		res.Labels = s.annotate(c.Name, cl.Members, &res.Warnings)
		res.ExecutionTimeMS = elapsedMS(start)
		return cl.Truncated, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ClusterAdvanced clusters an address with optional change detection and
// reports per-member activity.
func (s *Service) ClusterAdvanced(ctx context.Context, req ClusterRequest) (*ClusterDetail, error) {
	const op = "cluster_advanced"
	c, addr, opts, err := s.clusterParams(op, req)
	if err != nil {
		return nil, err
	}

	var res *ClusterDetail
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		start := time.Now()
		cl, err := cluster.Build(ctx, c.Index, addr, opts)
		if err != nil {
			return false, err
		}
		res = &ClusterDetail{
			Address:         addr,
			ClusterSize:     cl.Size(),
			Edges:           cl.Edges,
			Metrics:         cl.Metrics,
			Breakdown:       cl.Breakdown,
			RiskLevel:       cl.Risk(),
			Recommendations: cl.Recommendations(),
			Truncated:       cl.Truncated,
			Warnings:        nonNil(cl.Warnings),
		}
		if res.Edges == nil {
			res.Edges = []cluster.Edge{}
		}
		members, err := s.members(ctx, c.Index, cl.Members, &res.Warnings)
		if err != nil {
			return false, err
		}
		labels := s.annotate(c.Name, cl.Members, &res.Warnings)
		for i := range members {
			members[i].Label = labels[members[i].Address]
		}
		res.Members = members
		res.ExecutionTimeMS = elapsedMS(start)
		return cl.Truncated, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// members loads the activity of each address concurrently. Failures other
// than an unreachable ledger leave the member partially filled and add a
// warning.
func (s *Service) members(ctx context.Context, idx ledger.Index, addresses []string, warnings *[]string) ([]Member, error) {
	out := make([]Member, len(addresses))
	problems := make([]string, len(addresses))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout())
	for i, a := range addresses {
		i, a := i, a
		g.Go(func() error {
			m := Member{Address: a}
			history, err := idx.AddressHistory(gctx, a, 0)
			if err == nil {
				m.TxCount = len(history)
				if len(history) > 0 {
					h := history[0].Height
					m.FirstSeenHeight = &h
				}
				var utxos []models.TxOutput
				utxos, err = ledger.UnspentOutputs(gctx, idx, a, 0)
				for _, u := range utxos {
					m.UnspentSats += u.Value
				}
			}
			if err != nil {
				if apperr.IsUpstream(err) || gctx.Err() != nil {
					return err
				}
				problems[i] = fmt.Sprintf("member %s: %v", a, err)
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, p := range problems {
		if p != "" {
			*warnings = append(*warnings, p)
		}
	}
	return out, nil
}

// ProximityRequest selects the seed and hop limit of an exchange search.
type ProximityRequest struct {
	Chain   string
	Address string
	MaxHops int
}

func (s *Service) proximityOptions(maxHops int) proximity.Options {
	return proximity.Options{
		MaxHops:  maxHops,
		Fanout:   s.cfg.Fanout,
		MaxNodes: s.cfg.MaxTraceNodes,
		Budget:   s.cfg.TimeBudget,
		Now:      s.now(),
	}
}

// ExchangeProximity finds the known entities nearest to an address.
func (s *Service) ExchangeProximity(ctx context.Context, req ProximityRequest) (*proximity.Result, error) {
	const op = "exchange_proximity"
	c, err := s.chain(req.Chain)
	if err != nil {
		return nil, err
	}
	addr, err := s.address(op, c, req.Address)
	if err != nil {
		return nil, err
	}
	hops, err := depth(op, "max_hops", req.MaxHops, s.cfg.DefaultHops, s.cfg.MaxHops)
	if err != nil {
		return nil, err
	}

	var res *proximity.Result
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		r, err := proximity.FindNearest(ctx, c.Index, chainEntities{s.entities, c.Name}, addr, s.proximityOptions(hops))
		if err != nil {
			return false, err
		}
		res = r
		return r.Truncated, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// EntityList is the configured entity table of one chain.
type EntityList struct {
	Chain    string          `json:"chain"`
	Count    int             `json:"count"`
	Entities []models.Entity `json:"entities"`
}

// KnownEntities lists the entity table of a chain.
func (s *Service) KnownEntities(chainName string) (*EntityList, error) {
	c, err := s.chain(chainName)
	if err != nil {
		return nil, err
	}
	list := &EntityList{Chain: c.Name, Entities: []models.Entity{}}
	if s.entities != nil {
		list.Entities = append(list.Entities, s.entities.List(c.Name)...)
	}
	list.Count = len(list.Entities)
	return list, nil
}

// CoinJoin assesses one transaction.
func (s *Service) CoinJoin(ctx context.Context, chainName, txid string) (*coinjoin.Result, error) {
	const op = "coinjoin"
	c, err := s.chain(chainName)
	if err != nil {
		return nil, err
	}
	if txid, err = s.txid(op, txid); err != nil {
		return nil, err
	}

	var res coinjoin.Result
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		tx, err := c.Index.Transaction(ctx, txid)
		if err != nil {
			return false, err
		}
		res = coinjoin.Detect(tx)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CoinJoinHistory is the CoinJoin activity in the ancestry of a
// transaction.
type CoinJoinHistory struct {
	TxID     string `json:"txid"`
	MaxDepth int    `json:"max_depth"`
	coinjoin.History
	CoinJoins []coinjoin.Result `json:"coinjoins"`
	Truncated bool              `json:"truncated"`
	Warnings  []string          `json:"warnings"`
}

// CoinJoinHistory assesses every transaction on the backward trace of txid.
func (s *Service) CoinJoinHistory(ctx context.Context, chainName, txid string, maxDepth int) (*CoinJoinHistory, error) {
	const op = "coinjoin_history"
	c, err := s.chain(chainName)
	if err != nil {
		return nil, err
	}
	if txid, err = s.txid(op, txid); err != nil {
		return nil, err
	}
	if maxDepth, err = depth(op, "max_depth", maxDepth, s.cfg.DefaultTraceDepth, s.cfg.MaxTraceDepth); err != nil {
		return nil, err
	}

	var res *CoinJoinHistory
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		// Every output of a transaction shares its ancestry, so output 0
		// stands for the whole transaction.
		g, err := graph.BuildTrace(ctx, c.Index, models.Outpoint{TxID: txid}, s.traceOptions(graph.Backward, maxDepth))
		if err != nil {
			return false, err
		}
		all := g.CoinJoins()
		res = &CoinJoinHistory{
			TxID:      txid,
			MaxDepth:  maxDepth,
			History:   coinjoin.Summarize(all),
			CoinJoins: []coinjoin.Result{},
			Truncated: g.Truncated,
			Warnings:  g.Warnings,
		}
		for _, r := range all {
			if r.Flagged() {
				res.CoinJoins = append(res.CoinJoins, r)
			}
		}
		return g.Truncated, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PrivacyBasic scores one output.
func (s *Service) PrivacyBasic(ctx context.Context, chainName, txid string, vout uint32) (*scoring.PrivacyScore, error) {
	const op = "privacy_score"
	c, err := s.chain(chainName)
	if err != nil {
		return nil, err
	}
	if txid, err = s.txid(op, txid); err != nil {
		return nil, err
	}

	var res *scoring.PrivacyScore
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		ps, err := scoring.ScoreBasic(ctx, c.Index, txid, vout)
		if err != nil {
			return false, err
		}
		res = ps
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PrivacyEnhanced scores one output across every category. The forward
// trace and the exchange search run concurrently.
func (s *Service) PrivacyEnhanced(ctx context.Context, chainName, txid string, vout uint32, maxDepth int) (*scoring.EnhancedScore, error) {
	const op = "privacy_score_enhanced"
	c, err := s.chain(chainName)
	if err != nil {
		return nil, err
	}
	if txid, err = s.txid(op, txid); err != nil {
		return nil, err
	}
	if maxDepth, err = depth(op, "max_depth", maxDepth, DefaultEnhancedDepth, s.cfg.MaxTraceDepth); err != nil {
		return nil, err
	}

	var res *scoring.EnhancedScore
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		tx, err := c.Index.Transaction(ctx, txid)
		if err != nil {
			return false, err
		}
		out, ok := tx.Output(vout)
		if !ok {
			return false, apperr.NotFound(op, "output %s:%d not found", txid, vout)
		}

		in := scoring.EnhancedInput{Tx: tx, Vout: vout}
		var near *proximity.Result
		idx := ledger.NewLimited(c.Index, s.fanout())
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			fwd, err := graph.BuildTrace(gctx, idx, models.Outpoint{TxID: txid, Vout: vout}, s.traceOptions(graph.Forward, maxDepth))
			if err != nil {
				return err
			}
			in.Forward = fwd
			return nil
		})
		if out.Address != "" {
			g.Go(func() error {
				r, err := proximity.FindNearest(gctx, idx, chainEntities{s.entities, c.Name}, out.Address, s.proximityOptions(s.cfg.DefaultHops))
				if err != nil {
					return err
				}
				near = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return false, err
		}
		if near != nil {
			exposure := &scoring.ExchangeExposure{Hops: near.HopsToExchange, Incomplete: near.Truncated}
			if near.NearestExchange != nil {
				exposure.Entity = *near.NearestExchange
			}
			in.Exposure = exposure
		}

		score, err := scoring.ScoreEnhanced(in)
		if err != nil {
			return false, err
		}
		truncated := in.Forward.Truncated
		score.Warnings = appendUnique(score.Warnings, in.Forward.Warnings...)
		if near != nil {
			truncated = truncated || near.Truncated
			score.Warnings = appendUnique(score.Warnings, prefixed("exchange search: ", near.Warnings)...)
		}
		score.Truncated = truncated
		res = score
		return truncated, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RatedUTXO is one unspent output with its basic score.
type RatedUTXO struct {
	models.TxOutput
	Score   int              `json:"privacy_score"`
	Rating  scoring.Rating   `json:"rating"`
	Factors []scoring.Factor `json:"factors"`
}

// UTXORating rates every unspent output of an address.
type UTXORating struct {
	Address         string         `json:"address"`
	UTXOs           []RatedUTXO    `json:"utxos"`
	TotalSats       int64          `json:"total_value_sats"`
	RatingCounts    map[string]int `json:"rating_counts"`
	AverageScore    float64        `json:"average_score"`
	Warnings        []string       `json:"warnings"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
}

// RateUTXOs scores every unspent output of address.
func (s *Service) RateUTXOs(ctx context.Context, chainName, address string) (*UTXORating, error) {
	const op = "utxo_rating"
	c, err := s.chain(chainName)
	if err != nil {
		return nil, err
	}
	if address, err = s.address(op, c, address); err != nil {
		return nil, err
	}

	var res *UTXORating
	err = s.run(ctx, op, func(ctx context.Context) (bool, error) {
		start := time.Now()
		utxos, err := ledger.UnspentOutputs(ctx, c.Index, address, 0)
		if err != nil {
			return false, err
		}
		rated := make([]RatedUTXO, len(utxos))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.fanout())
		for i, u := range utxos {
			i, u := i, u
			g.Go(func() error {
				ps, err := scoring.ScoreBasic(gctx, c.Index, u.TxID, u.Vout)
				if err != nil {
					return err
				}
				rated[i] = RatedUTXO{TxOutput: u, Score: ps.Score, Rating: ps.Rating, Factors: ps.Factors}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return false, err
		}

		res = &UTXORating{
			Address:  address,
			UTXOs:    rated,
			Warnings: []string{},
			RatingCounts: map[string]int{
				string(scoring.RatingRed):    0,
				string(scoring.RatingYellow): 0,
				string(scoring.RatingGreen):  0,
			},
		}
		var sum int
		for _, r := range rated {
			res.TotalSats += r.Value
			res.RatingCounts[string(r.Rating)]++
			sum += r.Score
		}
		if len(rated) > 0 {
			res.AverageScore = float64(sum) / float64(len(rated))
		}
		res.ExecutionTimeMS = elapsedMS(start)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) fanout() int {
	if s.cfg.Fanout <= 0 {
		return graph.DefaultFanout
	}
	return s.cfg.Fanout
}

func prefixed(prefix string, warnings []string) []string {
	out := make([]string, len(warnings))
	for i, w := range warnings {
		out[i] = prefix + w
	}
	return out
}

func appendUnique(dst []string, warnings ...string) []string {
	for _, w := range warnings {
		if !slices.Contains(dst, w) {
			dst = append(dst, w)
		}
	}
	return dst
}

func nonNil(warnings []string) []string {
	if warnings == nil {
		return []string{}
	}
	return warnings
}
