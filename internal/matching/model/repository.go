package model

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrVersionConflict is returned by compare-and-swap writes when the stored
// version no longer matches the version the caller read.
var ErrVersionConflict = errors.New("supply version conflict")

// CandidateFilter bounds a counterpart query. The location and status
// constraints execute in the query itself, never as a post-score discard.
type CandidateFilter struct {
	CommodityID string
	Regions     []string
	Limit       int
	Now         time.Time
}

// DemandRepository provides read/write access to demand postings. The
// matching pipeline itself only reads; fulfillment tracking is the sole
// writer of TotalPurchasedQuantity.
type DemandRepository interface {
	CreateDemand(ctx context.Context, d *Demand) error
	GetDemandByID(ctx context.Context, id uuid.UUID) (*Demand, error)
	FindActiveDemands(ctx context.Context, f CandidateFilter) ([]*Demand, error)
	FindStaleActiveDemands(ctx context.Context, matchedBefore time.Time, limit int) ([]*Demand, error)
	UpdateDemandStatus(ctx context.Context, id uuid.UUID, status string) error
	RecordDemandPurchase(ctx context.Context, id uuid.UUID, purchased decimal.Decimal, status string) error
	TouchDemandMatched(ctx context.Context, id uuid.UUID, at time.Time) error
}

// SupplyRepository provides read/write access to supply postings.
// UpdateSupplyQuantityCAS is the only write path for RemainingQuantity and
// Version; it must return ErrVersionConflict when expectedVersion is stale.
type SupplyRepository interface {
	CreateSupply(ctx context.Context, s *Supply) error
	GetSupplyByID(ctx context.Context, id uuid.UUID) (*Supply, error)
	FindAvailableSupplies(ctx context.Context, f CandidateFilter) ([]*Supply, error)
	FindStaleAvailableSupplies(ctx context.Context, matchedBefore time.Time, limit int) ([]*Supply, error)
	UpdateSupplyQuantityCAS(ctx context.Context, id uuid.UUID, expectedVersion int64, newRemaining decimal.Decimal, newStatus string) error
	UpdateSupplyStatus(ctx context.Context, id uuid.UUID, status string) error
	TouchSupplyMatched(ctx context.Context, id uuid.UUID, at time.Time) error
}

// TradeHistoryRepository exposes the relational state the compliance gate
// needs: open positions and recent completed trades.
type TradeHistoryRepository interface {
	HasUnsettledPosition(ctx context.Context, partyID uuid.UUID, commodityID string, direction string) (bool, error)
	CompletedTradeBetween(ctx context.Context, buyerID, sellerID uuid.UUID, commodityID string, since time.Time) (*TradeRecord, error)
}

// AuditRepository is append-only by contract: implementations expose no
// update or delete operations.
type AuditRepository interface {
	AppendAuditRecord(ctx context.Context, rec *AuditRecord) error
	GetAuditRecords(ctx context.Context, demandID, supplyID uuid.UUID, limit int) ([]*AuditRecord, error)
}
