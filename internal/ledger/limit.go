package ledger

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/thanhnp/chainforensics/internal/models"
)

// Limited bounds the calls in flight against an Index. Traversals that run
// side by side in one request share a Limited so their combined lookups stay
// within a single fan-out.
type Limited struct {
	next Index
	sem  *semaphore.Weighted
}

// NewLimited allows at most n concurrent calls to next. n < 1 is treated
// as 1.
func NewLimited(next Index, n int) *Limited {
	if n < 1 {
		n = 1
	}
	return &Limited{next: next, sem: semaphore.NewWeighted(int64(n))}
}

func (l *Limited) Transaction(ctx context.Context, txid string) (*models.Transaction, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.next.Transaction(ctx, txid)
}

func (l *Limited) Spender(ctx context.Context, txid string, vout uint32) (*models.SpendRef, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.next.Spender(ctx, txid, vout)
}

func (l *Limited) AddressHistory(ctx context.Context, address string, limit int) ([]models.AddressTx, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.next.AddressHistory(ctx, address, limit)
}

func (l *Limited) TipHeight(ctx context.Context) (int64, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer l.sem.Release(1)
	return l.next.TipHeight(ctx)
}
