// Package labels manages user annotations on addresses. Writes to the same
// address are serialised; reads go straight to the store.
package labels

import (
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/logging"
	"github.com/thanhnp/chainforensics/internal/models"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Store persists labels per chain and address.
type Store interface {
	Save(label *models.Label) error
	Get(chain, address string) (*models.Label, error)
	Delete(chain, address string) error
	List(chain string) ([]*models.Label, error)
}

// Filter selects labels for List.
type Filter struct {
	Category models.LabelCategory
	// Search matches the address, label or notes, case-insensitively.
	Search string
	Limit  int
	Offset int
}

// Page is one window of a filtered label listing.
type Page struct {
	Labels []*models.Label `json:"labels"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// Service is the label store facade used by the API and the analyses.
type Service struct {
	store Store
	locks *keyedMutex
	now   func() time.Time
	log   zerolog.Logger
}

// NewService creates a Service over store.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
		log:   logging.Component("labels"),
	}
}

// Upsert creates or replaces the label of l.Address on l.Chain.
func (s *Service) Upsert(l models.Label) (*models.Label, error) {
	l.Address = strings.TrimSpace(l.Address)
	l.Label = strings.TrimSpace(l.Label)
	if l.Address == "" {
		return nil, apperr.Invalid("labels.upsert", "address is required")
	}
	if l.Label == "" {
		return nil, apperr.Invalid("labels.upsert", "label is required")
	}
	if l.Category == "" {
		l.Category = models.CategoryOther
	}
	if !l.Category.Valid() {
		return nil, apperr.Invalid("labels.upsert", "unknown category %q", l.Category)
	}

	unlock := s.locks.Lock(key(l.Chain, l.Address))
	defer unlock()

	l.UpdatedAt = s.now()
	if err := s.store.Save(&l); err != nil {
		return nil, apperr.Internal("labels.upsert", err)
	}
	s.log.Debug().Str("chain", l.Chain).Str("address", l.Address).Str("category", string(l.Category)).Msg("label saved")
	return &l, nil
}

// Get returns the label of address.
func (s *Service) Get(chain, address string) (*models.Label, error) {
	l, err := s.store.Get(chain, address)
	if err != nil {
		return nil, apperr.Internal("labels.get", err)
	}
	if l == nil {
		return nil, apperr.NotFound("labels.get", "no label for %s", address)
	}
	return l, nil
}

// Delete removes the label of address.
func (s *Service) Delete(chain, address string) error {
	unlock := s.locks.Lock(key(chain, address))
	defer unlock()

	l, err := s.store.Get(chain, address)
	if err != nil {
		return apperr.Internal("labels.delete", err)
	}
	if l == nil {
		return apperr.NotFound("labels.delete", "no label for %s", address)
	}
	if err := s.store.Delete(chain, address); err != nil {
		return apperr.Internal("labels.delete", err)
	}
	return nil
}

// List returns the labels of chain matching f, ordered by address.
func (s *Service) List(chain string, f Filter) (*Page, error) {
	if f.Category != "" && !f.Category.Valid() {
		return nil, apperr.Invalid("labels.list", "unknown category %q", f.Category)
	}
	if f.Offset < 0 {
		return nil, apperr.Invalid("labels.list", "offset must not be negative")
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultLimit
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}

	all, err := s.store.List(chain)
	if err != nil {
		return nil, apperr.Internal("labels.list", err)
	}
	search := strings.ToLower(strings.TrimSpace(f.Search))
	matched := []*models.Label{}
	for _, l := range all {
		if f.Category != "" && l.Category != f.Category {
			continue
		}
		if search != "" && !matches(l, search) {
			continue
		}
		matched = append(matched, l)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Address < matched[j].Address })

	page := &Page{Total: len(matched), Limit: f.Limit, Offset: f.Offset, Labels: []*models.Label{}}
	if f.Offset < len(matched) {
		end := f.Offset + f.Limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Labels = matched[f.Offset:end]
	}
	return page, nil
}

// Lookup returns the labels of the given addresses that have one.
func (s *Service) Lookup(chain string, addresses []string) (map[string]*models.Label, error) {
	out := make(map[string]*models.Label)
	for _, a := range addresses {
		l, err := s.store.Get(chain, a)
		if err != nil {
			return nil, apperr.Internal("labels.lookup", err)
		}
		if l != nil {
			out[a] = l
		}
	}
	return out, nil
}

func matches(l *models.Label, search string) bool {
	return strings.Contains(strings.ToLower(l.Address), search) ||
		strings.Contains(strings.ToLower(l.Label), search) ||
		strings.Contains(strings.ToLower(l.Notes), search)
}

func key(chain, address string) string {
	return chain + ":" + address
}
