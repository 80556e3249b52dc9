// Package matching orchestrates the bilateral matching pipeline: candidate
// retrieval, the two-tier risk evaluation, scoring, duplicate suppression,
// audit and allocation.
package matching

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agrilink/tradematch/internal/catalog"
	"github.com/agrilink/tradematch/internal/config"
	"github.com/agrilink/tradematch/internal/matching/allocation"
	"github.com/agrilink/tradematch/internal/matching/audit"
	"github.com/agrilink/tradematch/internal/matching/compliance"
	"github.com/agrilink/tradematch/internal/matching/dedup"
	"github.com/agrilink/tradematch/internal/matching/finder"
	"github.com/agrilink/tradematch/internal/matching/model"
	"github.com/agrilink/tradematch/internal/matching/notify"
	"github.com/agrilink/tradematch/internal/matching/scoring"
	"github.com/agrilink/tradematch/internal/messaging"
	"github.com/agrilink/tradematch/pkg/errors"
)

// RiskAssessor is the Tier-2 dependency. It runs only after a Tier-1 PASS;
// tests assert the call ordering through this seam.
type RiskAssessor interface {
	Assess(ctx context.Context, demandOwner, supplyOwner uuid.UUID, commodityID string) (model.RiskAssessment, error)
}

// RiskBlockRuleCode is the rejection code for Tier-2 FAIL outcomes.
const RiskBlockRuleCode = "RISK_BELOW_FLOOR"

// FindOptions narrow a FindMatches query.
type FindOptions struct {
	MinScore   *float64
	MaxResults int
}

// Engine is the matching pipeline. One engine instance serves many
// concurrent requests; the supply store is the only shared mutable state.
type Engine struct {
	demands    model.DemandRepository
	supplies   model.SupplyRepository
	finder     *finder.Finder
	gate       *compliance.Gate
	risk       RiskAssessor
	scorer     *scoring.Scorer
	suppressor *dedup.Suppressor
	recorder   *audit.Recorder
	allocator  *allocation.Manager
	gateway    *notify.Gateway // nil disables notification fan-out
	catalog    catalog.Catalog
	bus        *messaging.MessageBus // nil in unit tests
	cfg        func() *config.MatchingConfig
	metrics    *Metrics
	logger     *zap.Logger
}

// EngineDeps bundles the engine's collaborators.
type EngineDeps struct {
	Demands    model.DemandRepository
	Supplies   model.SupplyRepository
	Finder     *finder.Finder
	Gate       *compliance.Gate
	Risk       RiskAssessor
	Scorer     *scoring.Scorer
	Suppressor *dedup.Suppressor
	Recorder   *audit.Recorder
	Allocator  *allocation.Manager
	Gateway    *notify.Gateway
	Catalog    catalog.Catalog
	Bus        *messaging.MessageBus
	Config     func() *config.MatchingConfig
	Metrics    *Metrics
	Logger     *zap.Logger
}

// NewEngine wires the pipeline.
func NewEngine(deps EngineDeps) *Engine {
	return &Engine{
		demands:    deps.Demands,
		supplies:   deps.Supplies,
		finder:     deps.Finder,
		gate:       deps.Gate,
		risk:       deps.Risk,
		scorer:     deps.Scorer,
		suppressor: deps.Suppressor,
		recorder:   deps.Recorder,
		allocator:  deps.Allocator,
		gateway:    deps.Gateway,
		catalog:    deps.Catalog,
		bus:        deps.Bus,
		cfg:        deps.Config,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
}

// FindMatches scores the counterpart candidates for one posting and returns
// the ranked accepted list. The posting ID may name a demand or a supply.
func (e *Engine) FindMatches(ctx context.Context, postingID uuid.UUID, opts FindOptions) ([]*model.MatchCandidate, error) {
	if demand, err := e.demands.GetDemandByID(ctx, postingID); err == nil {
		return e.matchDemand(ctx, demand, opts)
	} else if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	supply, err := e.supplies.GetSupplyByID(ctx, postingID)
	if err != nil {
		return nil, err
	}
	return e.matchSupply(ctx, supply, opts)
}

// Allocate reserves quantity on a confirmed match. The pair is re-checked
// against the compliance gate first: a block that appeared after the match
// was found still prevents the trade.
func (e *Engine) Allocate(ctx context.Context, supplyID, demandID uuid.UUID, requested decimal.Decimal) (*model.AllocationResult, error) {
	demand, err := e.demands.GetDemandByID(ctx, demandID)
	if err != nil {
		return nil, err
	}
	supply, err := e.supplies.GetSupplyByID(ctx, supplyID)
	if err != nil {
		return nil, err
	}

	outcome, err := e.gate.Evaluate(ctx, demand, supply)
	if err != nil {
		return nil, err
	}
	if !outcome.Passed() {
		violation := outcome.Violations[0]
		e.metrics.ComplianceBlocks.WithLabelValues(violation.Code).Inc()
		return nil, &errors.ComplianceBlockedError{RuleCode: violation.Code, Evidence: violation.Evidence}
	}

	result, err := e.allocator.Allocate(ctx, supplyID, demandID, requested)
	if err != nil {
		var conflict *errors.AllocationConflictError
		if errors.As(err, &conflict) {
			e.metrics.AllocationConflicts.Inc()
		}
		return nil, err
	}
	return result, nil
}

// matchDemand runs the full pipeline for one demand posting.
func (e *Engine) matchDemand(ctx context.Context, demand *model.Demand, opts FindOptions) ([]*model.MatchCandidate, error) {
	start := time.Now()
	defer func() { e.metrics.ScoringLatency.Observe(time.Since(start).Seconds()) }()

	// A posting that went terminal while queued is a skip, not a decision.
	if demand.Terminal() || demand.Status == model.DemandStatusDraft {
		e.logger.Debug("Skipping non-active demand",
			zap.String("demand_id", demand.ID.String()),
			zap.String("status", demand.Status))
		return nil, nil
	}

	supplies, err := e.finder.FindForDemand(ctx, demand)
	if err != nil {
		return nil, err
	}

	e.suppressor.ResetBatch()

	var accepted []*model.MatchCandidate
	for _, supply := range supplies {
		candidate, ok := e.scorePair(ctx, demand, supply)
		if !ok {
			continue
		}
		accepted = append(accepted, candidate)
	}

	accepted = e.rankAndTrim(demand.CommodityID, accepted, opts)

	if err := e.demands.TouchDemandMatched(ctx, demand.ID, time.Now()); err != nil {
		e.logger.Warn("Failed to record match timestamp",
			zap.String("demand_id", demand.ID.String()),
			zap.Error(err))
	}

	if e.gateway != nil && len(accepted) > 0 {
		e.gateway.NotifyMatches(ctx, demand.OwnerID, accepted)
	}

	return accepted, nil
}

// matchSupply runs the pipeline from the supply side: each eligible demand
// is paired against this supply.
func (e *Engine) matchSupply(ctx context.Context, supply *model.Supply, opts FindOptions) ([]*model.MatchCandidate, error) {
	start := time.Now()
	defer func() { e.metrics.ScoringLatency.Observe(time.Since(start).Seconds()) }()

	if supply.Terminal() {
		e.logger.Debug("Skipping terminal supply",
			zap.String("supply_id", supply.ID.String()),
			zap.String("status", supply.Status))
		return nil, nil
	}

	demands, err := e.finder.FindForSupply(ctx, supply)
	if err != nil {
		return nil, err
	}

	e.suppressor.ResetBatch()

	var accepted []*model.MatchCandidate
	for _, demand := range demands {
		candidate, ok := e.scorePair(ctx, demand, supply)
		if !ok {
			continue
		}
		accepted = append(accepted, candidate)
	}

	accepted = e.rankAndTrim(supply.CommodityID, accepted, opts)

	if err := e.supplies.TouchSupplyMatched(ctx, supply.ID, time.Now()); err != nil {
		e.logger.Warn("Failed to record match timestamp",
			zap.String("supply_id", supply.ID.String()),
			zap.Error(err))
	}

	if e.gateway != nil && len(accepted) > 0 {
		e.gateway.NotifyMatches(ctx, supply.OwnerID, accepted)
	}

	return accepted, nil
}

// scorePair runs one pair through the gate, the risk scorer and the match
// scorer. The Tier-1 gate short-circuits everything else: its cost is paid
// before any non-deterministic computation. Returns the candidate and
// whether it was accepted.
func (e *Engine) scorePair(ctx context.Context, demand *model.Demand, supply *model.Supply) (*model.MatchCandidate, bool) {
	// Mid-pipeline terminal discovery aborts without an audit record.
	if supply.Terminal() || demand.Terminal() {
		return nil, false
	}

	e.metrics.PairsScored.Inc()

	candidate := &model.MatchCandidate{
		Demand:       demand,
		Supply:       supply,
		DuplicateKey: dedup.Key(demand.CommodityID, demand.OwnerID, supply.OwnerID),
	}

	outcome, err := e.gate.Evaluate(ctx, demand, supply)
	if err != nil {
		e.logger.Error("Compliance gate error",
			zap.String("demand_id", demand.ID.String()),
			zap.String("supply_id", supply.ID.String()),
			zap.Error(err))
		return nil, false
	}
	candidate.Compliance = outcome

	if !outcome.Passed() {
		// FAIL forces the composite to zero; Tier 2 never runs.
		candidate.Score = 0
		ruleCode := ""
		if len(outcome.Violations) > 0 {
			ruleCode = outcome.Violations[0].Code
		}
		e.metrics.ComplianceBlocks.WithLabelValues(ruleCode).Inc()
		e.audit(ctx, candidate, nil)
		e.publishRejected(ctx, candidate, ruleCode)
		return nil, false
	}

	assessment, err := e.risk.Assess(ctx, demand.OwnerID, supply.OwnerID, demand.CommodityID)
	if err != nil {
		e.logger.Error("Risk assessment error",
			zap.String("demand_id", demand.ID.String()),
			zap.String("supply_id", supply.ID.String()),
			zap.Error(err))
		return nil, false
	}
	candidate.Risk = assessment

	if assessment.Status == model.ComplianceStatusFail {
		candidate.Score = 0
		e.metrics.RiskBlocks.Inc()
		e.audit(ctx, candidate, nil)
		e.publishRejected(ctx, candidate, RiskBlockRuleCode)
		return nil, false
	}

	distance := e.distanceFor(ctx, demand, supply)
	candidate.Score, candidate.Breakdown = e.scorer.ScorePair(demand, supply, assessment, distance)

	if candidate.Score < e.cfg().MinScoreFor(demand.CommodityID) {
		e.audit(ctx, candidate, nil)
		return nil, false
	}

	isDup, err := e.suppressor.IsDuplicate(ctx, candidate)
	if err != nil {
		e.logger.Warn("Duplicate check degraded, accepting candidate",
			zap.String("key", candidate.DuplicateKey),
			zap.Error(err))
	} else if isDup {
		e.metrics.DuplicatesSuppressed.Inc()
		return nil, false
	}

	if err := e.suppressor.Accept(ctx, candidate); err != nil {
		e.logger.Warn("Failed to record accepted match for dedup",
			zap.String("key", candidate.DuplicateKey),
			zap.Error(err))
	}

	e.metrics.MatchesFound.Inc()
	e.audit(ctx, candidate, nil)
	e.publishFound(ctx, candidate)
	return candidate, true
}

// distanceFor resolves the region distance, degrading to zero distance for
// same-region pairs when the catalog is unavailable.
func (e *Engine) distanceFor(ctx context.Context, demand *model.Demand, supply *model.Supply) decimal.Decimal {
	distance, err := e.catalog.RegionDistanceKM(ctx, demand.DeliveryRegion, supply.Region)
	if err != nil {
		e.logger.Warn("Catalog distance lookup degraded",
			zap.String("from", demand.DeliveryRegion),
			zap.String("to", supply.Region),
			zap.Error(err))
		return decimal.Zero
	}
	return distance
}

func (e *Engine) rankAndTrim(commodityID string, candidates []*model.MatchCandidate, opts FindOptions) []*model.MatchCandidate {
	if opts.MinScore != nil {
		filtered := candidates[:0]
		for _, c := range candidates {
			if c.Score >= *opts.MinScore {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	scoring.Rank(candidates)

	if opts.MaxResults > 0 && len(candidates) > opts.MaxResults {
		candidates = candidates[:opts.MaxResults]
	}
	return candidates
}

func (e *Engine) audit(ctx context.Context, candidate *model.MatchCandidate, alloc *model.AllocationResult) {
	if err := e.recorder.RecordScoring(ctx, candidate, alloc); err != nil {
		e.logger.Error("Audit write failed",
			zap.String("demand_id", candidate.Demand.ID.String()),
			zap.String("supply_id", candidate.Supply.ID.String()),
			zap.Error(err))
	}
}

func (e *Engine) publishFound(ctx context.Context, candidate *model.MatchCandidate) {
	if e.bus == nil {
		return
	}
	event := &messaging.MatchFoundMessage{
		BaseMessage: messaging.NewBaseMessage(messaging.MsgMatchFound, "matching-engine", ""),
		DemandID:    candidate.Demand.ID,
		SupplyID:    candidate.Supply.ID,
		Score:       candidate.Score,
		Breakdown:   candidate.Breakdown,
	}
	if err := e.bus.PublishMatchFound(ctx, event); err != nil {
		e.logger.Error("Failed to publish match found", zap.Error(err))
	}
}

func (e *Engine) publishRejected(ctx context.Context, candidate *model.MatchCandidate, ruleCode string) {
	if e.bus == nil {
		return
	}
	reason := "trade blocked by risk evaluation"
	if len(candidate.Compliance.Violations) > 0 {
		reason = candidate.Compliance.Violations[0].Evidence
	}
	event := &messaging.MatchRejectedMessage{
		BaseMessage: messaging.NewBaseMessage(messaging.MsgMatchRejected, "matching-engine", ""),
		DemandID:    candidate.Demand.ID,
		SupplyID:    candidate.Supply.ID,
		RuleCode:    ruleCode,
		Reason:      reason,
	}
	if err := e.bus.PublishMatchRejected(ctx, event); err != nil {
		e.logger.Error("Failed to publish match rejected", zap.Error(err))
	}
}
