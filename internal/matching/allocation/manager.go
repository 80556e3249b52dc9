// Package allocation performs versioned, retryable quantity reservation
// against supply postings. It is the exclusive writer of a supply's
// remaining quantity and version.
package allocation

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agrilink/tradematch/internal/config"
	"github.com/agrilink/tradematch/internal/matching/model"
	"github.com/agrilink/tradematch/internal/messaging"
	"github.com/agrilink/tradematch/pkg/errors"
)

// Manager runs the optimistic read-check-write cycle against the supply
// store.
type Manager struct {
	supplies model.SupplyRepository
	demands  model.DemandRepository
	bus      *messaging.MessageBus // nil in unit tests
	cfg      func() *config.MatchingConfig
	logger   *zap.Logger
}

func NewManager(supplies model.SupplyRepository, demands model.DemandRepository, bus *messaging.MessageBus, cfg func() *config.MatchingConfig, logger *zap.Logger) *Manager {
	return &Manager{
		supplies: supplies,
		demands:  demands,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
	}
}

// Allocate reserves up to requested quantity on the supply. The requested
// quantity must be positive. The write presents the version it read; a stale
// version retries up to the configured limit with jittered backoff.
// Exhausting the limit surfaces an AllocationConflictError, never a silent
// partial success.
func (m *Manager) Allocate(ctx context.Context, supplyID, demandID uuid.UUID, requested decimal.Decimal) (*model.AllocationResult, error) {
	cfg := m.cfg()

	// An allocation that would reserve nothing is a failure, not a no-op.
	// Without this guard a negative request would inflate RemainingQuantity.
	if !requested.IsPositive() {
		return nil, &errors.InsufficientQuantityError{SupplyID: supplyID.String(), Requested: requested}
	}

	var result *model.AllocationResult
	for attempt := 1; attempt <= cfg.AllocationRetries; attempt++ {
		supply, err := m.supplies.GetSupplyByID(ctx, supplyID)
		if err != nil {
			return nil, err
		}
		if supply.Terminal() || supply.RemainingQuantity.IsZero() {
			return nil, &errors.InsufficientQuantityError{SupplyID: supplyID.String(), Requested: requested}
		}

		allocated := decimal.Min(requested, supply.RemainingQuantity)
		newRemaining := supply.RemainingQuantity.Sub(allocated)

		newStatus := model.SupplyStatusPartiallyAllocated
		if newRemaining.IsZero() {
			newStatus = model.SupplyStatusSold
		}

		err = m.supplies.UpdateSupplyQuantityCAS(ctx, supplyID, supply.Version, newRemaining, newStatus)
		if err == model.ErrVersionConflict {
			m.logger.Debug("Allocation version conflict, retrying",
				zap.String("supply_id", supplyID.String()),
				zap.Int64("stale_version", supply.Version),
				zap.Int("attempt", attempt))
			if attempt < cfg.AllocationRetries {
				sleepWithJitter(ctx, cfg.AllocationBackoff)
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		allocType := model.AllocationTypePartial
		if allocated.Equal(requested) {
			allocType = model.AllocationTypeFull
		}
		result = &model.AllocationResult{
			SupplyID:          supplyID,
			DemandID:          demandID,
			AllocatedQuantity: allocated,
			RemainingQuantity: newRemaining,
			Type:              allocType,
			Version:           supply.Version + 1,
		}
		break
	}

	if result == nil {
		return nil, &errors.AllocationConflictError{SupplyID: supplyID.String(), Attempts: cfg.AllocationRetries}
	}

	m.logger.Info("Allocation completed",
		zap.String("supply_id", supplyID.String()),
		zap.String("demand_id", demandID.String()),
		zap.String("allocated", result.AllocatedQuantity.String()),
		zap.String("remaining", result.RemainingQuantity.String()),
		zap.String("type", result.Type))

	if err := m.trackFulfillment(ctx, demandID, result.AllocatedQuantity); err != nil {
		m.logger.Error("Fulfillment tracking failed",
			zap.String("demand_id", demandID.String()),
			zap.Error(err))
	}

	if m.bus != nil {
		event := &messaging.AllocationCompletedMessage{
			BaseMessage:       messaging.NewBaseMessage(messaging.MsgAllocationCompleted, "allocation-manager", ""),
			SupplyID:          supplyID,
			DemandID:          demandID,
			AllocatedQuantity: result.AllocatedQuantity,
			RemainingQuantity: result.RemainingQuantity,
			AllocationType:    result.Type,
		}
		if err := m.bus.PublishAllocationCompleted(ctx, event); err != nil {
			m.logger.Error("Failed to publish allocation event", zap.Error(err))
		}
	}

	return result, nil
}

// trackFulfillment is the sole writer of Demand.TotalPurchasedQuantity. It
// advances the demand status when the preferred quantity is reached.
func (m *Manager) trackFulfillment(ctx context.Context, demandID uuid.UUID, allocated decimal.Decimal) error {
	demand, err := m.demands.GetDemandByID(ctx, demandID)
	if err != nil {
		return err
	}

	purchased := demand.TotalPurchasedQuantity.Add(allocated)
	status := model.DemandStatusPartiallyFulfilled
	if !demand.Quantity.Preferred.IsZero() && purchased.GreaterThanOrEqual(demand.Quantity.Preferred) {
		status = model.DemandStatusFulfilled
	}
	return m.demands.RecordDemandPurchase(ctx, demandID, allocated, status)
}

// sleepWithJitter waits for base plus up to 50% random jitter, respecting
// context cancellation.
func sleepWithJitter(ctx context.Context, base time.Duration) {
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	select {
	case <-time.After(base + jitter):
	case <-ctx.Done():
	}
}
