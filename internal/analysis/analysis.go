// Package analysis is the entry point of every forensic operation. It
// validates parameters before any ledger access, bounds concurrent work,
// retries operations that hit an unavailable ledger and records metrics.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/config"
	"github.com/thanhnp/chainforensics/internal/entities"
	"github.com/thanhnp/chainforensics/internal/labels"
	"github.com/thanhnp/chainforensics/internal/ledger"
	"github.com/thanhnp/chainforensics/internal/logging"
	"github.com/thanhnp/chainforensics/internal/metrics"
	"github.com/thanhnp/chainforensics/internal/models"
)

// Outcomes recorded in the analysis duration histogram.
const (
	outcomeOK        = "ok"
	outcomeTruncated = "truncated"
	outcomeRejected  = "rejected"
)

// Chain is one chain served by the Service.
type Chain struct {
	Name  string
	Index ledger.Index
	// ValidateAddress rejects malformed addresses. Nil accepts any
	// non-empty address.
	ValidateAddress AddressValidator
	// NodeTip reports the node's best height for status. Optional.
	NodeTip func() (int64, error)
}

// Service runs analyses against the registered chains.
type Service struct {
	cfg      config.AnalysisConfig
	ledgers  *ledger.Registry
	entities *entities.Table
	labels   *labels.Service
	sem      *semaphore.Weighted
	log      zerolog.Logger

	mu     sync.RWMutex
	chains map[string]Chain

	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// New creates a Service. ents and lbls may be nil, which disables entity
// matching and label annotation.
func New(cfg config.AnalysisConfig, ents *entities.Table, lbls *labels.Service) *Service {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	s := &Service{
		cfg:      cfg,
		ledgers:  ledger.NewRegistry(),
		entities: ents,
		labels:   lbls,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentJobs),
		log:      logging.Component("analysis"),
		chains:   make(map[string]Chain),
		now:      time.Now,
	}
	s.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.RetryInitialInterval
		b.MaxElapsedTime = cfg.TimeBudget
		return b
	}
	return s
}

// AddChain registers a chain.
func (s *Service) AddChain(c Chain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[c.Name] = c
	s.ledgers.Register(c.Name, c.Index)
}

// Chains lists the registered chains.
func (s *Service) Chains() []string {
	return s.ledgers.Chains()
}

// Config returns the analysis limits.
func (s *Service) Config() config.AnalysisConfig {
	return s.cfg
}

func (s *Service) chain(name string) (Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chains[name]
	if !ok {
		return Chain{}, apperr.Invalid("analysis", "unsupported chain %q", name)
	}
	return c, nil
}

// run executes fn on a worker slot. Upstream failures are retried with
// jittered exponential backoff up to RetryAttempts in total; every other
// error is returned at once.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) (truncated bool, err error)) error {
	start := time.Now()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		metrics.RecordAnalysis(op, outcomeRejected, time.Since(start))
		return apperr.Upstream(op, fmt.Errorf("no analysis worker available: %w", err))
	}
	defer s.sem.Release(1)

	var truncated bool
	attempt := func() error {
		t, err := fn(ctx)
		if err == nil {
			truncated = t
			return nil
		}
		if apperr.IsUpstream(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.cfg.RetryAttempts-1)), ctx)
	err := backoff.RetryNotify(attempt, b, func(err error, wait time.Duration) {
		s.log.Warn().Err(err).Str("operation", op).Dur("retry_in", wait).Msg("Ledger unavailable, retrying")
	})

	elapsed := time.Since(start)
	switch {
	case err != nil:
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = apperr.Upstream(op, err)
		}
		metrics.RecordAnalysis(op, string(apperr.KindOf(err)), elapsed)
		if apperr.KindOf(err) == apperr.KindInternal {
			s.log.Error().Err(err).Str("operation", op).Msg("Analysis failed")
		}
		return err
	case truncated:
		metrics.RecordAnalysis(op, outcomeTruncated, elapsed)
		metrics.AnalysisTruncatedTotal.WithLabelValues(op).Inc()
	default:
		metrics.RecordAnalysis(op, outcomeOK, elapsed)
	}
	s.log.Debug().Str("operation", op).Dur("elapsed", elapsed).Bool("truncated", truncated).Msg("Analysis finished")
	return nil
}

// chainEntities narrows the entity table to one chain.
type chainEntities struct {
	table *entities.Table
	chain string
}

func (e chainEntities) Lookup(address string) (models.Entity, bool) {
	if e.table == nil {
		return models.Entity{}, false
	}
	return e.table.Lookup(e.chain, address)
}

// annotate returns the labels of addresses. Label store failures only
// produce a warning.
func (s *Service) annotate(chain string, addresses []string, warnings *[]string) map[string]*models.Label {
	if s.labels == nil || len(addresses) == 0 {
		return nil
	}
	found, err := s.labels.Lookup(chain, addresses)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("labels unavailable: %v", err))
		return nil
	}
	if len(found) == 0 {
		return nil
	}
	return found
}

func elapsedMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
