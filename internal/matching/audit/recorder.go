// Package audit persists the immutable per-scored-pair record: score
// breakdown, compliance decision and allocation outcome.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agrilink/tradematch/internal/matching/model"
)

// Recorder appends audit records. Records are never mutated or deleted;
// the repository interface exposes no such operations.
type Recorder struct {
	repo   model.AuditRepository
	logger *zap.Logger
}

func NewRecorder(repo model.AuditRepository, logger *zap.Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger}
}

// RecordScoring writes the audit record for one scored pair. An allocation
// outcome, when present, is folded into the same record.
func (r *Recorder) RecordScoring(ctx context.Context, candidate *model.MatchCandidate, alloc *model.AllocationResult) error {
	rec := &model.AuditRecord{
		ID:               uuid.New(),
		DemandID:         candidate.Demand.ID,
		SupplyID:         candidate.Supply.ID,
		CommodityID:      candidate.Demand.CommodityID,
		CompositeScore:   candidate.Score,
		Breakdown:        candidate.Breakdown,
		ComplianceStatus: candidate.Compliance.Status,
		RiskStatus:       candidate.Risk.Status,
		RiskDegraded:     candidate.Risk.Degraded,
		Allocated:        decimal.Zero,
		CreatedAt:        time.Now().UTC(),
	}
	for _, v := range candidate.Compliance.Violations {
		rec.RuleCodes = append(rec.RuleCodes, v.Code)
	}
	if alloc != nil {
		rec.Allocated = alloc.AllocatedQuantity
		rec.AllocationType = alloc.Type
	}

	if err := r.repo.AppendAuditRecord(ctx, rec); err != nil {
		r.logger.Error("Failed to append audit record",
			zap.String("demand_id", rec.DemandID.String()),
			zap.String("supply_id", rec.SupplyID.String()),
			zap.Error(err))
		return err
	}
	return nil
}
