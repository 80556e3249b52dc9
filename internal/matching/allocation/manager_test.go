package allocation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agrilink/tradematch/internal/config"
	"github.com/agrilink/tradematch/internal/matching/model"
	"github.com/agrilink/tradematch/internal/matching/repository"
	"github.com/agrilink/tradematch/pkg/errors"
)

func testConfig() func() *config.MatchingConfig {
	cfg := config.DefaultMatchingConfig()
	cfg.AllocationBackoff = time.Millisecond
	return func() *config.MatchingConfig { return &cfg }
}

func seed(t *testing.T, repo *repository.InMemoryRepository, total int64) (*model.Supply, *model.Demand) {
	t.Helper()
	supply := &model.Supply{
		ID:                uuid.New(),
		CommodityID:       "WHEAT",
		OwnerID:           uuid.New(),
		Status:            model.SupplyStatusAvailable,
		RemainingQuantity: decimal.NewFromInt(total),
		Version:           1,
	}
	demand := &model.Demand{
		ID:          uuid.New(),
		CommodityID: "WHEAT",
		OwnerID:     uuid.New(),
		Status:      model.DemandStatusActive,
		Quantity:    model.QuantityRange{Preferred: decimal.NewFromInt(total)},
	}
	require.NoError(t, repo.CreateSupply(context.Background(), supply))
	require.NoError(t, repo.CreateDemand(context.Background(), demand))
	return supply, demand
}

func TestAllocateFullThenPartial(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	supply, demand := seed(t, repo, 10)
	m := NewManager(repo, repo, nil, testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	first, err := m.Allocate(ctx, supply.ID, demand.ID, decimal.NewFromInt(6))
	require.NoError(t, err)
	assert.Equal(t, model.AllocationTypeFull, first.Type)
	assert.True(t, first.AllocatedQuantity.Equal(decimal.NewFromInt(6)))
	assert.True(t, first.RemainingQuantity.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, int64(2), first.Version)

	// Only 4 left: the second request for 6 is clipped.
	second, err := m.Allocate(ctx, supply.ID, demand.ID, decimal.NewFromInt(6))
	require.NoError(t, err)
	assert.Equal(t, model.AllocationTypePartial, second.Type)
	assert.True(t, second.AllocatedQuantity.Equal(decimal.NewFromInt(4)))
	assert.True(t, second.RemainingQuantity.IsZero())

	stored, err := repo.GetSupplyByID(ctx, supply.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SupplyStatusSold, stored.Status)
}

func TestAllocateRejectsExhaustedSupply(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	supply, demand := seed(t, repo, 5)
	m := NewManager(repo, repo, nil, testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := m.Allocate(ctx, supply.ID, demand.ID, decimal.NewFromInt(5))
	require.NoError(t, err)

	_, err = m.Allocate(ctx, supply.ID, demand.ID, decimal.NewFromInt(1))
	require.Error(t, err)
	var insufficient *errors.InsufficientQuantityError
	assert.True(t, errors.As(err, &insufficient))
}

func TestAllocateRejectsNonPositiveRequest(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	supply, demand := seed(t, repo, 10)
	m := NewManager(repo, repo, nil, testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	for _, requested := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
		_, err := m.Allocate(ctx, supply.ID, demand.ID, requested)
		require.Error(t, err, "requested %s", requested)
		var insufficient *errors.InsufficientQuantityError
		assert.True(t, errors.As(err, &insufficient), "requested %s", requested)
	}

	// A negative request must never inflate the remaining quantity, and a
	// zero request must not burn a version or flip the status.
	stored, err := repo.GetSupplyByID(ctx, supply.ID)
	require.NoError(t, err)
	assert.True(t, stored.RemainingQuantity.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, model.SupplyStatusAvailable, stored.Status)
}

func TestAllocateConcurrentNeverOversells(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	supply, demand := seed(t, repo, 10)
	m := NewManager(repo, repo, nil, testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	var mu sync.Mutex
	total := decimal.Zero
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := m.Allocate(ctx, supply.ID, demand.ID, decimal.NewFromInt(6))
			if err != nil {
				return
			}
			mu.Lock()
			total = total.Add(result.AllocatedQuantity)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.True(t, total.LessThanOrEqual(decimal.NewFromInt(10)),
		"allocated %s from a total of 10", total)

	stored, err := repo.GetSupplyByID(ctx, supply.ID)
	require.NoError(t, err)
	assert.False(t, stored.RemainingQuantity.IsNegative())
	assert.True(t, total.Add(stored.RemainingQuantity).Equal(decimal.NewFromInt(10)))
}

type alwaysConflictRepo struct {
	*repository.InMemoryRepository
	casCalls int
}

func (r *alwaysConflictRepo) UpdateSupplyQuantityCAS(ctx context.Context, id uuid.UUID, expectedVersion int64, newRemaining decimal.Decimal, newStatus string) error {
	r.casCalls++
	return model.ErrVersionConflict
}

func TestAllocateSurfacesConflictAfterRetries(t *testing.T) {
	inner := repository.NewInMemoryRepository()
	repo := &alwaysConflictRepo{InMemoryRepository: inner}
	supply, demand := seed(t, inner, 10)
	m := NewManager(repo, inner, nil, testConfig(), zaptest.NewLogger(t))

	_, err := m.Allocate(context.Background(), supply.ID, demand.ID, decimal.NewFromInt(3))
	require.Error(t, err)
	var conflict *errors.AllocationConflictError
	require.True(t, errors.As(err, &conflict))
	assert.True(t, conflict.Retryable())
	assert.Equal(t, 3, repo.casCalls)
}

func TestAllocateTracksFulfillment(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	supply, demand := seed(t, repo, 10)
	m := NewManager(repo, repo, nil, testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := m.Allocate(ctx, supply.ID, demand.ID, decimal.NewFromInt(4))
	require.NoError(t, err)

	d, err := repo.GetDemandByID(ctx, demand.ID)
	require.NoError(t, err)
	assert.True(t, d.TotalPurchasedQuantity.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, model.DemandStatusPartiallyFulfilled, d.Status)

	_, err = m.Allocate(ctx, supply.ID, demand.ID, decimal.NewFromInt(6))
	require.NoError(t, err)

	d, err = repo.GetDemandByID(ctx, demand.ID)
	require.NoError(t, err)
	assert.True(t, d.TotalPurchasedQuantity.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, model.DemandStatusFulfilled, d.Status)
}
