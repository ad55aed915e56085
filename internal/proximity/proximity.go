// Package proximity finds the known entities nearest to an address by
// walking its transaction history in both directions.
package proximity

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

// Direction is the side of the seed a hop lies on.
type Direction string

const (
	ReceivedFrom Direction = "received_from"
	SentTo       Direction = "sent_to"
	IsExchange   Direction = "is_exchange"
)

// MaxAlternatives caps AlternativePaths.
const MaxAlternatives = 5

const (
	defaultFanout   = 20
	defaultMaxNodes = 1000
	defaultBudget   = 15 * time.Second

	warnNodeLimit  = "node limit reached"
	warnTimeBudget = "time budget exceeded"
)

// Entities resolves addresses of one chain to known entities.
type Entities interface {
	Lookup(address string) (models.Entity, bool)
}

// Options bounds a search.
type Options struct {
	MaxHops  int
	Fanout   int
	MaxNodes int
	Budget   time.Duration
	// Now is the reference time for path age. Zero means time.Now().
	Now time.Time
}

func (o Options) withDefaults() Options {
	if o.Fanout <= 0 {
		o.Fanout = defaultFanout
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = defaultMaxNodes
	}
	if o.Budget <= 0 {
		o.Budget = defaultBudget
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	return o
}

// Hop is one transaction step away from the seed.
type Hop struct {
	TxID        string     `json:"txid"`
	Address     string     `json:"address"`
	Value       int64      `json:"value_sats"`
	Direction   Direction  `json:"direction"`
	HopNumber   int        `json:"hop_number"`
	IsCoinJoin  bool       `json:"is_coinjoin"`
	BlockHeight *int64     `json:"block_height"`
	BlockTime   *time.Time `json:"block_time,omitempty"`
}

// Path is the route to one entity.
type Path struct {
	Entity     string            `json:"entity"`
	Kind       models.EntityKind `json:"kind"`
	WalletType string            `json:"wallet_type,omitempty"`
	Address    string            `json:"address"`
	Hops       int               `json:"hops"`
	Direction  Direction         `json:"direction"`
	Quality    int               `json:"path_quality_score"`
	Strength   Strength          `json:"path_strength"`
	Path       []Hop             `json:"path"`
}

// Result is the outcome of a search. HopsToExchange and NearestExchange are
// nil when no entity is within reach.
type Result struct {
	Address                string    `json:"address"`
	MaxHops                int       `json:"max_hops"`
	HopsToExchange         *int      `json:"hops_to_exchange"`
	NearestExchange        *string   `json:"nearest_exchange"`
	Direction              Direction `json:"direction,omitempty"`
	PathQualityScore       int       `json:"path_quality_score"`
	PathStrength           Strength  `json:"path_strength,omitempty"`
	PathToExchange         []Hop     `json:"path_to_exchange"`
	AllExchangeConnections []Path    `json:"all_exchange_connections"`
	AlternativePaths       []Path    `json:"alternative_paths"`
	ProximityScore         int       `json:"proximity_score"`
	RiskLevel              RiskLevel `json:"risk_level"`
	Message                string    `json:"message"`
	AddressesVisited       int       `json:"addresses_visited"`
	Truncated              bool      `json:"truncated"`
	Warnings               []string  `json:"warnings"`
}

type item struct {
	address string
	dir     Direction
	path    []Hop
}

// candidate is a hop reached through the output op.
type candidate struct {
	parent int
	op     models.Outpoint
	hop    Hop
}

type finder struct {
	idx      ledger.Index
	entities Entities
	opts     Options

	mu  sync.Mutex
	txs map[string]*models.Transaction
}

// FindNearest searches up to opts.MaxHops hops from address for entities.
// Entity addresses end their branch. A missing entity is a successful
// result with nil hops. Only an unreachable ledger or a cancelled context
// fail the search.
func FindNearest(ctx context.Context, idx ledger.Index, entities Entities, address string, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if opts.MaxHops < 1 {
		return nil, apperr.Invalid("proximity.find", "max hops must be positive")
	}
	res := &Result{
		Address:                address,
		MaxHops:                opts.MaxHops,
		PathToExchange:         []Hop{},
		AllExchangeConnections: []Path{},
		AlternativePaths:       []Path{},
		Warnings:               []string{},
	}

	if e, ok := entities.Lookup(address); ok {
		zero := 0
		name := e.Name
		res.HopsToExchange = &zero
		res.NearestExchange = &name
		res.Direction = IsExchange
		res.PathQualityScore = QualityBase
		res.PathStrength = StrengthOf(QualityBase)
		res.AllExchangeConnections = append(res.AllExchangeConnections, Path{
			Entity: e.Name, Kind: e.Kind, WalletType: e.WalletType, Address: address,
			Direction: IsExchange, Quality: QualityBase, Strength: res.PathStrength, Path: []Hop{},
		})
		res.ProximityScore, res.RiskLevel = Score(res.HopsToExchange)
		res.Message = fmt.Sprintf("Address belongs to %s", e.Name)
		return res, nil
	}

	f := &finder{idx: idx, entities: entities, opts: opts, txs: make(map[string]*models.Transaction)}
	budgetCtx, cancel := context.WithTimeout(ctx, opts.Budget)
	defer cancel()

	seenWarn := make(map[string]bool)
	warn := func(w string) {
		if !seenWarn[w] {
			seenWarn[w] = true
			res.Warnings = append(res.Warnings, w)
		}
	}

	found := make(map[string]Path)
	visitedOut := make(map[models.Outpoint]bool)
	expanded := map[Direction]map[string]bool{
		SentTo:       {address: true},
		ReceivedFrom: {address: true},
	}
	frontier := []item{{address: address, dir: SentTo}, {address: address, dir: ReceivedFrom}}
	visited := 1

	for hop := 1; hop <= opts.MaxHops && len(frontier) > 0; hop++ {
		cands, warnings, err := f.level(budgetCtx, frontier, hop)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if budgetCtx.Err() == nil {
				return nil, err
			}
			res.Truncated = true
			warn(warnTimeBudget)
			break
		}
		for _, w := range warnings {
			warn(w)
		}

		var next []item
		for _, c := range cands {
			if visitedOut[c.op] {
				continue
			}
			visitedOut[c.op] = true

			parent := frontier[c.parent]
			path := make([]Hop, 0, len(parent.path)+1)
			path = append(path, parent.path...)
			path = append(path, c.hop)

			if e, ok := entities.Lookup(c.hop.Address); ok {
				// The first level reaching an entity wins; within it, the
				// best quality path.
				q := Quality(path, opts.Now)
				if prev, seen := found[e.Name]; !seen || (prev.Hops == hop && q > prev.Quality) {
					found[e.Name] = Path{
						Entity: e.Name, Kind: e.Kind, WalletType: e.WalletType, Address: c.hop.Address,
						Hops: hop, Direction: c.hop.Direction, Quality: q, Strength: StrengthOf(q), Path: path,
					}
				}
				continue
			}
			if expanded[c.hop.Direction][c.hop.Address] {
				continue
			}
			if visited >= opts.MaxNodes {
				res.Truncated = true
				warn(warnNodeLimit)
				break
			}
			expanded[c.hop.Direction][c.hop.Address] = true
			visited++
			next = append(next, item{address: c.hop.Address, dir: c.hop.Direction, path: path})
		}
		if res.Truncated {
			break
		}
		frontier = next
	}
	res.AddressesVisited = visited

	for _, p := range found {
		res.AllExchangeConnections = append(res.AllExchangeConnections, p)
	}
	sort.Slice(res.AllExchangeConnections, func(i, j int) bool {
		a, b := res.AllExchangeConnections[i], res.AllExchangeConnections[j]
		if a.Hops != b.Hops {
			return a.Hops < b.Hops
		}
		if a.Quality != b.Quality {
			return a.Quality > b.Quality
		}
		return a.Entity < b.Entity
	})

	if len(res.AllExchangeConnections) == 0 {
		res.ProximityScore, res.RiskLevel = Score(nil)
		res.Message = fmt.Sprintf("No exchange found within %d hops", opts.MaxHops)
		return res, nil
	}

	best := res.AllExchangeConnections[0]
	hops, name := best.Hops, best.Entity
	res.HopsToExchange = &hops
	res.NearestExchange = &name
	res.Direction = best.Direction
	res.PathQualityScore = best.Quality
	res.PathStrength = best.Strength
	res.PathToExchange = best.Path
	for _, p := range res.AllExchangeConnections[1:] {
		if len(res.AlternativePaths) == MaxAlternatives {
			break
		}
		res.AlternativePaths = append(res.AlternativePaths, p)
	}
	res.ProximityScore, res.RiskLevel = Score(res.HopsToExchange)
	res.Message = fmt.Sprintf("%s is %d hop(s) away", name, hops)
	return res, nil
}

// level expands every frontier item and returns the candidate hops sorted
// by direction, outpoint and parent.
func (f *finder) level(ctx context.Context, frontier []item, hop int) ([]candidate, []string, error) {
	type itemResult struct {
		cands    []candidate
		warnings []string
	}
	results := make([]itemResult, len(frontier))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Fanout)
	for i, it := range frontier {
		i, it := i, it
		g.Go(func() error {
			cands, warnings, err := f.expand(gctx, it, hop)
			if err != nil {
				return err
			}
			for j := range cands {
				cands[j].parent = i
			}
			results[i] = itemResult{cands: cands, warnings: warnings}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		cands    []candidate
		warnings []string
	)
	for _, r := range results {
		warnings = append(warnings, r.warnings...)
		cands = append(cands, r.cands...)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.hop.Direction != b.hop.Direction {
			return a.hop.Direction < b.hop.Direction
		}
		if a.op.TxID != b.op.TxID {
			return a.op.TxID < b.op.TxID
		}
		if a.op.Vout != b.op.Vout {
			return a.op.Vout < b.op.Vout
		}
		return a.parent < b.parent
	})
	return cands, warnings, nil
}

// expand lists the counterparties of it.address: outputs it paid for
// SentTo, inputs that paid it for ReceivedFrom.
func (f *finder) expand(ctx context.Context, it item, hop int) ([]candidate, []string, error) {
	history, err := f.idx.AddressHistory(ctx, it.address, 0)
	if err != nil {
		if fatal(ctx, err) {
			return nil, nil, err
		}
		return nil, []string{fmt.Sprintf("history of %s unavailable: %v", it.address, err)}, nil
	}

	var (
		cands    []candidate
		warnings []string
	)
	for _, h := range history {
		if it.dir == SentTo && h.Sent == 0 {
			continue
		}
		if it.dir == ReceivedFrom && (h.Received == 0 || h.Sent > 0) {
			continue
		}
		tx, err := f.transaction(ctx, h.TxID)
		if err != nil {
			if fatal(ctx, err) {
				return nil, nil, err
			}
			warnings = append(warnings, fmt.Sprintf("transaction %s unavailable: %v", h.TxID, err))
			continue
		}
		flagged := coinjoin.Detect(tx).Flagged()
		var blockTime *time.Time
		if tx.Confirmed() {
			t := tx.BlockTime
			blockTime = &t
		}
		base := Hop{
			TxID:        tx.TxID,
			Direction:   it.dir,
			HopNumber:   hop,
			IsCoinJoin:  flagged,
			BlockHeight: tx.Height(),
			BlockTime:   blockTime,
		}

		if it.dir == SentTo {
			own := make(map[string]bool)
			for _, a := range tx.InputAddresses() {
				own[a] = true
			}
			for _, out := range tx.Outputs {
				if out.Address == "" || own[out.Address] {
					continue
				}
				h := base
				h.Address, h.Value = out.Address, out.Value
				cands = append(cands, candidate{op: models.Outpoint{TxID: tx.TxID, Vout: out.Index}, hop: h})
			}
			continue
		}
		for _, in := range tx.Inputs {
			if !in.Resolved || in.Address == "" || in.Address == it.address {
				continue
			}
			h := base
			h.Address, h.Value = in.Address, in.Value
			cands = append(cands, candidate{op: models.Outpoint{TxID: in.PrevTxID, Vout: in.PrevVout}, hop: h})
		}
	}
	return cands, warnings, nil
}

func (f *finder) transaction(ctx context.Context, txid string) (*models.Transaction, error) {
	f.mu.Lock()
	tx, ok := f.txs[txid]
	f.mu.Unlock()
	if ok {
		return tx, nil
	}
	tx, err := f.idx.Transaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.txs[txid] = tx
	f.mu.Unlock()
	return tx, nil
}

func fatal(ctx context.Context, err error) bool {
	return apperr.IsUpstream(err) || ctx.Err() != nil ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
