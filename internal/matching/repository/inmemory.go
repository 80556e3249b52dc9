// Package repository provides the gorm-backed store and an in-memory
// implementation used by tests and local development.
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/agrilink/tradematch/internal/matching/model"
)

// InMemoryRepository implements every store interface the engine consumes.
// The supply CAS path takes the write lock for the whole read-check-write so
// version semantics match the SQL implementation.
type InMemoryRepository struct {
	demands     map[uuid.UUID]*model.Demand
	supplies    map[uuid.UUID]*model.Supply
	trades      []*model.TradeRecord
	audits      []*model.AuditRecord
	lastMatched map[uuid.UUID]time.Time
	mu          sync.RWMutex
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		demands:     make(map[uuid.UUID]*model.Demand),
		supplies:    make(map[uuid.UUID]*model.Supply),
		lastMatched: make(map[uuid.UUID]time.Time),
	}
}

func (r *InMemoryRepository) CreateDemand(ctx context.Context, d *model.Demand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.demands[d.ID] = &cp
	return nil
}

func (r *InMemoryRepository) GetDemandByID(ctx context.Context, id uuid.UUID) (*model.Demand, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.demands[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *InMemoryRepository) FindActiveDemands(ctx context.Context, f model.CandidateFilter) ([]*model.Demand, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*model.Demand
	for _, d := range r.demands {
		if d.CommodityID != f.CommodityID || d.Status != model.DemandStatusActive {
			continue
		}
		if !regionMatch(f.Regions, d.DeliveryRegion, d.AcceptedRegions) {
			continue
		}
		if !f.Now.IsZero() && (f.Now.Before(d.ValidFrom) || f.Now.After(d.ValidUntil)) {
			continue
		}
		cp := *d
		result = append(result, &cp)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

func (r *InMemoryRepository) FindStaleActiveDemands(ctx context.Context, matchedBefore time.Time, limit int) ([]*model.Demand, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*model.Demand
	for _, d := range r.demands {
		if d.Status != model.DemandStatusActive {
			continue
		}
		if last, ok := r.lastMatched[d.ID]; ok && last.After(matchedBefore) {
			continue
		}
		cp := *d
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *InMemoryRepository) UpdateDemandStatus(ctx context.Context, id uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.demands[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	d.Status = status
	d.UpdatedAt = time.Now()
	return nil
}

func (r *InMemoryRepository) RecordDemandPurchase(ctx context.Context, id uuid.UUID, purchased decimal.Decimal, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.demands[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	d.TotalPurchasedQuantity = d.TotalPurchasedQuantity.Add(purchased)
	d.Status = status
	d.UpdatedAt = time.Now()
	return nil
}

func (r *InMemoryRepository) TouchDemandMatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastMatched[id] = at
	return nil
}

func (r *InMemoryRepository) CreateSupply(ctx context.Context, s *model.Supply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.supplies[s.ID] = &cp
	return nil
}

func (r *InMemoryRepository) GetSupplyByID(ctx context.Context, id uuid.UUID) (*model.Supply, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.supplies[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *InMemoryRepository) FindAvailableSupplies(ctx context.Context, f model.CandidateFilter) ([]*model.Supply, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*model.Supply
	for _, s := range r.supplies {
		if s.CommodityID != f.CommodityID {
			continue
		}
		if s.Status != model.SupplyStatusAvailable && s.Status != model.SupplyStatusPartiallyAllocated {
			continue
		}
		if len(f.Regions) > 0 && !contains(f.Regions, s.Region) {
			continue
		}
		cp := *s
		result = append(result, &cp)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

func (r *InMemoryRepository) FindStaleAvailableSupplies(ctx context.Context, matchedBefore time.Time, limit int) ([]*model.Supply, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*model.Supply
	for _, s := range r.supplies {
		if s.Status != model.SupplyStatusAvailable && s.Status != model.SupplyStatusPartiallyAllocated {
			continue
		}
		if last, ok := r.lastMatched[s.ID]; ok && last.After(matchedBefore) {
			continue
		}
		cp := *s
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *InMemoryRepository) TouchSupplyMatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastMatched[id] = at
	return nil
}

func (r *InMemoryRepository) UpdateSupplyQuantityCAS(ctx context.Context, id uuid.UUID, expectedVersion int64, newRemaining decimal.Decimal, newStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.supplies[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if s.Version != expectedVersion {
		return model.ErrVersionConflict
	}
	s.RemainingQuantity = newRemaining
	s.Version++
	s.Status = newStatus
	s.UpdatedAt = time.Now()
	return nil
}

func (r *InMemoryRepository) UpdateSupplyStatus(ctx context.Context, id uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.supplies[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now()
	return nil
}

func (r *InMemoryRepository) AddTrade(t *model.TradeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
}

func (r *InMemoryRepository) HasUnsettledPosition(ctx context.Context, partyID uuid.UUID, commodityID string, direction string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.trades {
		if t.Settled || t.CommodityID != commodityID {
			continue
		}
		if direction == "BUY" && t.BuyerID == partyID {
			return true, nil
		}
		if direction == "SELL" && t.SellerID == partyID {
			return true, nil
		}
	}
	return false, nil
}

func (r *InMemoryRepository) CompletedTradeBetween(ctx context.Context, buyerID, sellerID uuid.UUID, commodityID string, since time.Time) (*model.TradeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.trades {
		if !t.Settled || t.CommodityID != commodityID {
			continue
		}
		if t.BuyerID == buyerID && t.SellerID == sellerID && !t.CompletedAt.Before(since) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *InMemoryRepository) AppendAuditRecord(ctx context.Context, rec *model.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.audits = append(r.audits, &cp)
	return nil
}

func (r *InMemoryRepository) GetAuditRecords(ctx context.Context, demandID, supplyID uuid.UUID, limit int) ([]*model.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*model.AuditRecord
	for _, a := range r.audits {
		if demandID != uuid.Nil && a.DemandID != demandID {
			continue
		}
		if supplyID != uuid.Nil && a.SupplyID != supplyID {
			continue
		}
		cp := *a
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func regionMatch(queryRegions []string, delivery string, accepted []string) bool {
	if len(queryRegions) == 0 {
		return true
	}
	for _, q := range queryRegions {
		if q == delivery || contains(accepted, q) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
