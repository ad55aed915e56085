package labels

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhnp/chainforensics/internal/apperr"
	"github.com/thanhnp/chainforensics/internal/models"
	"github.com/thanhnp/chainforensics/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := storage.NewPebbleDB(t.TempDir(), 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewService(storage.NewLabelStore(db))
	s.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s
}

func TestUpsertGetDelete(t *testing.T) {
	s := newTestService(t)

	saved, err := s.Upsert(models.Label{Chain: "btc", Address: " bc1qcold ", Label: "cold storage", Category: models.CategoryPersonal})
	require.NoError(t, err)
	assert.Equal(t, "bc1qcold", saved.Address)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), saved.UpdatedAt)

	got, err := s.Get("btc", "bc1qcold")
	require.NoError(t, err)
	assert.Equal(t, "cold storage", got.Label)

	_, err = s.Get("ltc", "bc1qcold")
	assert.True(t, apperr.IsNotFound(err))

	_, err = s.Upsert(models.Label{Chain: "btc", Address: "bc1qcold", Label: "vault", Category: models.CategoryPersonal})
	require.NoError(t, err)
	got, err = s.Get("btc", "bc1qcold")
	require.NoError(t, err)
	assert.Equal(t, "vault", got.Label)

	require.NoError(t, s.Delete("btc", "bc1qcold"))
	assert.True(t, apperr.IsNotFound(s.Delete("btc", "bc1qcold")))
}

func TestUpsertValidation(t *testing.T) {
	s := newTestService(t)

	for _, l := range []models.Label{
		{Chain: "btc", Label: "x"},
		{Chain: "btc", Address: "a"},
		{Chain: "btc", Address: "a", Label: "x", Category: "friend"},
	} {
		_, err := s.Upsert(l)
		assert.Equal(t, apperr.KindInvalidParameter, apperr.KindOf(err))
	}

	l, err := s.Upsert(models.Label{Chain: "btc", Address: "a", Label: "x"})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryOther, l.Category)
}

func TestListFiltersAndPages(t *testing.T) {
	s := newTestService(t)
	for i, c := range []models.LabelCategory{
		models.CategoryExchange, models.CategoryExchange, models.CategoryMerchant, models.CategoryExchange,
	} {
		_, err := s.Upsert(models.Label{
			Chain:    "btc",
			Address:  fmt.Sprintf("addr%d", i),
			Label:    fmt.Sprintf("label %d", i),
			Category: c,
			Notes:    "seen at " + string(c),
		})
		require.NoError(t, err)
	}
	_, err := s.Upsert(models.Label{Chain: "ltc", Address: "ltc1", Label: "other chain"})
	require.NoError(t, err)

	all, err := s.List("btc", Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, all.Total)
	assert.Equal(t, DefaultLimit, all.Limit)

	exchanges, err := s.List("btc", Filter{Category: models.CategoryExchange, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, exchanges.Total)
	require.Len(t, exchanges.Labels, 2)
	assert.Equal(t, "addr1", exchanges.Labels[0].Address)
	assert.Equal(t, "addr3", exchanges.Labels[1].Address)

	search, err := s.List("btc", Filter{Search: "MERCHANT"})
	require.NoError(t, err)
	require.Len(t, search.Labels, 1)
	assert.Equal(t, "addr2", search.Labels[0].Address)

	past, err := s.List("btc", Filter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past.Labels)
	assert.Equal(t, 4, past.Total)

	_, err = s.List("btc", Filter{Category: "friend"})
	assert.Equal(t, apperr.KindInvalidParameter, apperr.KindOf(err))

	found, err := s.Lookup("btc", []string{"addr0", "nope", "addr2"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Contains(t, found, "addr2")
}

func TestConcurrentUpsertsSameAddress(t *testing.T) {
	s := newTestService(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Upsert(models.Label{Chain: "btc", Address: "hot", Label: fmt.Sprintf("v%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Get("btc", "hot")
	require.NoError(t, err)
	assert.Regexp(t, `^v\d+$`, got.Label)
	assert.Zero(t, s.locks.len())
}

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var inside, peak atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			n := inside.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
	assert.Zero(t, k.len())

	// Different keys do not block each other.
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.len())
	unlockB()
	unlockA()
}
