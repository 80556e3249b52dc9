package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/agrilink/tradematch/internal/matching/model"
)

func newGormRepo(t *testing.T) *GormRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "tradematch.db")), &gorm.Config{})
	require.NoError(t, err)
	repo, err := NewGormRepository(db)
	require.NoError(t, err)
	return repo
}

func bothStores(t *testing.T) map[string]*struct {
	demands  model.DemandRepository
	supplies model.SupplyRepository
} {
	t.Helper()
	g := newGormRepo(t)
	m := NewInMemoryRepository()
	return map[string]*struct {
		demands  model.DemandRepository
		supplies model.SupplyRepository
	}{
		"gorm":   {demands: g, supplies: g},
		"memory": {demands: m, supplies: m},
	}
}

// A demand whose delivery region differs from the query is still a candidate
// when the query region is among its accepted regions. Both stores must
// agree on that.
func TestStoresAgreeOnAcceptedRegionDemands(t *testing.T) {
	ctx := context.Background()
	for name, store := range bothStores(t) {
		demand := &model.Demand{
			ID:              uuid.New(),
			CommodityID:     "COTTON",
			OwnerID:         uuid.New(),
			DeliveryRegion:  "north",
			AcceptedRegions: []string{"south"},
			Status:          model.DemandStatusActive,
		}
		require.NoError(t, store.demands.CreateDemand(ctx, demand), name)

		found, err := store.demands.FindActiveDemands(ctx, model.CandidateFilter{
			CommodityID: "COTTON",
			Regions:     []string{"south"},
		})
		require.NoError(t, err, name)
		require.Len(t, found, 1, name)
		assert.Equal(t, demand.ID, found[0].ID, name)

		byDelivery, err := store.demands.FindActiveDemands(ctx, model.CandidateFilter{
			CommodityID: "COTTON",
			Regions:     []string{"north"},
		})
		require.NoError(t, err, name)
		assert.Len(t, byDelivery, 1, name)

		none, err := store.demands.FindActiveDemands(ctx, model.CandidateFilter{
			CommodityID: "COTTON",
			Regions:     []string{"east"},
		})
		require.NoError(t, err, name)
		assert.Empty(t, none, name)
	}
}

func TestStoresAgreeOnStaleSupplies(t *testing.T) {
	ctx := context.Background()
	cutoff := time.Now().Add(-time.Minute)

	for name, store := range bothStores(t) {
		stale := &model.Supply{
			ID:                uuid.New(),
			CommodityID:       "COTTON",
			OwnerID:           uuid.New(),
			TotalQuantity:     decimal.NewFromInt(10),
			RemainingQuantity: decimal.NewFromInt(10),
			Version:           1,
			Region:            "north",
			Status:            model.SupplyStatusAvailable,
		}
		fresh := &model.Supply{
			ID:                uuid.New(),
			CommodityID:       "COTTON",
			OwnerID:           uuid.New(),
			TotalQuantity:     decimal.NewFromInt(10),
			RemainingQuantity: decimal.NewFromInt(10),
			Version:           1,
			Region:            "north",
			Status:            model.SupplyStatusAvailable,
		}
		require.NoError(t, store.supplies.CreateSupply(ctx, stale), name)
		require.NoError(t, store.supplies.CreateSupply(ctx, fresh), name)
		require.NoError(t, store.supplies.TouchSupplyMatched(ctx, fresh.ID, time.Now()), name)

		found, err := store.supplies.FindStaleAvailableSupplies(ctx, cutoff, 10)
		require.NoError(t, err, name)
		require.Len(t, found, 1, name)
		assert.Equal(t, stale.ID, found[0].ID, name)
	}
}

func TestGormSupplyCASVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := newGormRepo(t)

	supply := &model.Supply{
		ID:                uuid.New(),
		CommodityID:       "COTTON",
		OwnerID:           uuid.New(),
		TotalQuantity:     decimal.NewFromInt(10),
		RemainingQuantity: decimal.NewFromInt(10),
		Version:           1,
		Region:            "north",
		Status:            model.SupplyStatusAvailable,
	}
	require.NoError(t, repo.CreateSupply(ctx, supply))

	require.NoError(t, repo.UpdateSupplyQuantityCAS(ctx, supply.ID, 1, decimal.NewFromInt(4), model.SupplyStatusPartiallyAllocated))

	// A second write presenting the already-consumed version must lose.
	err := repo.UpdateSupplyQuantityCAS(ctx, supply.ID, 1, decimal.Zero, model.SupplyStatusSold)
	assert.ErrorIs(t, err, model.ErrVersionConflict)

	stored, err := repo.GetSupplyByID(ctx, supply.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.True(t, stored.RemainingQuantity.Equal(decimal.NewFromInt(4)))
}
