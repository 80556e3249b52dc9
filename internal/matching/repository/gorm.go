package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/agrilink/tradematch/internal/matching/model"
)

// GormRepository backs the store interfaces with a relational database.
// Postgres in production, sqlite in integration tests.
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&model.Demand{}, &model.Supply{}, &model.TradeRecord{}, &model.AuditRecord{}, &postingMatchMark{}); err != nil {
		return nil, err
	}
	return &GormRepository{db: db}, nil
}

// postingMatchMark tracks when a posting, demand or supply, was last run
// through the pipeline. Consulted by the safety sweep.
type postingMatchMark struct {
	PostingID uuid.UUID `gorm:"type:uuid;primaryKey"`
	MatchedAt time.Time `gorm:"index"`
}

func (r *GormRepository) CreateDemand(ctx context.Context, d *model.Demand) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *GormRepository) GetDemandByID(ctx context.Context, id uuid.UUID) (*model.Demand, error) {
	var d model.Demand
	if err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *GormRepository) FindActiveDemands(ctx context.Context, f model.CandidateFilter) ([]*model.Demand, error) {
	q := r.db.WithContext(ctx).
		Where("commodity_id = ? AND status = ?", f.CommodityID, model.DemandStatusActive)
	if !f.Now.IsZero() {
		q = q.Where("valid_from <= ? AND valid_until >= ?", f.Now, f.Now)
	}
	var demands []*model.Demand
	if err := q.Find(&demands).Error; err != nil {
		return nil, err
	}
	// accepted_regions is a serialized list, so a demand matches either on
	// its delivery region or on any accepted region after the row scan. The
	// limit applies to matching rows, never to the pre-filter set.
	if len(f.Regions) > 0 {
		filtered := demands[:0]
		for _, d := range demands {
			if regionMatch(f.Regions, d.DeliveryRegion, d.AcceptedRegions) {
				filtered = append(filtered, d)
			}
		}
		demands = filtered
	}
	if f.Limit > 0 && len(demands) > f.Limit {
		demands = demands[:f.Limit]
	}
	return demands, nil
}

func (r *GormRepository) FindStaleActiveDemands(ctx context.Context, matchedBefore time.Time, limit int) ([]*model.Demand, error) {
	var demands []*model.Demand
	q := r.db.WithContext(ctx).
		Joins("LEFT JOIN posting_match_marks m ON m.posting_id = demands.id").
		Where("demands.status = ?", model.DemandStatusActive).
		Where("m.matched_at IS NULL OR m.matched_at < ?", matchedBefore).
		Order("demands.created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&demands).Error; err != nil {
		return nil, err
	}
	return demands, nil
}

func (r *GormRepository) UpdateDemandStatus(ctx context.Context, id uuid.UUID, status string) error {
	return r.db.WithContext(ctx).Model(&model.Demand{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()}).Error
}

func (r *GormRepository) RecordDemandPurchase(ctx context.Context, id uuid.UUID, purchased decimal.Decimal, status string) error {
	return r.db.WithContext(ctx).Model(&model.Demand{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_purchased_quantity": gorm.Expr("total_purchased_quantity + ?", purchased),
			"status":                   status,
			"updated_at":               time.Now(),
		}).Error
}

func (r *GormRepository) TouchDemandMatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	mark := postingMatchMark{PostingID: id, MatchedAt: at}
	return r.db.WithContext(ctx).Save(&mark).Error
}

func (r *GormRepository) CreateSupply(ctx context.Context, s *model.Supply) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *GormRepository) GetSupplyByID(ctx context.Context, id uuid.UUID) (*model.Supply, error) {
	var s model.Supply
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GormRepository) FindAvailableSupplies(ctx context.Context, f model.CandidateFilter) ([]*model.Supply, error) {
	q := r.db.WithContext(ctx).
		Where("commodity_id = ?", f.CommodityID).
		Where("status IN ?", []string{model.SupplyStatusAvailable, model.SupplyStatusPartiallyAllocated})
	if len(f.Regions) > 0 {
		q = q.Where("region IN ?", f.Regions)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var supplies []*model.Supply
	if err := q.Find(&supplies).Error; err != nil {
		return nil, err
	}
	return supplies, nil
}

func (r *GormRepository) FindStaleAvailableSupplies(ctx context.Context, matchedBefore time.Time, limit int) ([]*model.Supply, error) {
	var supplies []*model.Supply
	q := r.db.WithContext(ctx).
		Joins("LEFT JOIN posting_match_marks m ON m.posting_id = supplies.id").
		Where("supplies.status IN ?", []string{model.SupplyStatusAvailable, model.SupplyStatusPartiallyAllocated}).
		Where("m.matched_at IS NULL OR m.matched_at < ?", matchedBefore).
		Order("supplies.created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&supplies).Error; err != nil {
		return nil, err
	}
	return supplies, nil
}

func (r *GormRepository) TouchSupplyMatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	mark := postingMatchMark{PostingID: id, MatchedAt: at}
	return r.db.WithContext(ctx).Save(&mark).Error
}

// UpdateSupplyQuantityCAS performs the optimistic write: the version the
// caller read is a predicate of the UPDATE, and zero affected rows means a
// concurrent writer won the race.
func (r *GormRepository) UpdateSupplyQuantityCAS(ctx context.Context, id uuid.UUID, expectedVersion int64, newRemaining decimal.Decimal, newStatus string) error {
	res := r.db.WithContext(ctx).Model(&model.Supply{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]interface{}{
			"remaining_quantity": newRemaining,
			"version":            expectedVersion + 1,
			"status":             newStatus,
			"updated_at":         time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrVersionConflict
	}
	return nil
}

func (r *GormRepository) UpdateSupplyStatus(ctx context.Context, id uuid.UUID, status string) error {
	return r.db.WithContext(ctx).Model(&model.Supply{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()}).Error
}

func (r *GormRepository) HasUnsettledPosition(ctx context.Context, partyID uuid.UUID, commodityID string, direction string) (bool, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&model.TradeRecord{}).
		Where("commodity_id = ? AND settled = ?", commodityID, false)
	if direction == "BUY" {
		q = q.Where("buyer_id = ?", partyID)
	} else {
		q = q.Where("seller_id = ?", partyID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *GormRepository) CompletedTradeBetween(ctx context.Context, buyerID, sellerID uuid.UUID, commodityID string, since time.Time) (*model.TradeRecord, error) {
	var trade model.TradeRecord
	err := r.db.WithContext(ctx).
		Where("buyer_id = ? AND seller_id = ? AND commodity_id = ? AND settled = ? AND completed_at >= ?",
			buyerID, sellerID, commodityID, true, since).
		First(&trade).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

func (r *GormRepository) AppendAuditRecord(ctx context.Context, rec *model.AuditRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *GormRepository) GetAuditRecords(ctx context.Context, demandID, supplyID uuid.UUID, limit int) ([]*model.AuditRecord, error) {
	q := r.db.WithContext(ctx).Model(&model.AuditRecord{})
	if demandID != uuid.Nil {
		q = q.Where("demand_id = ?", demandID)
	}
	if supplyID != uuid.Nil {
		q = q.Where("supply_id = ?", supplyID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []*model.AuditRecord
	if err := q.Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
