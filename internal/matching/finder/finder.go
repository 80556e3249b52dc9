// Package finder retrieves the bounded candidate set for a posting. The
// commodity, status and location constraints run in the store query itself
// so candidates failing them are never scored.
package finder

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agrilink/tradematch/internal/config"
	"github.com/agrilink/tradematch/internal/matching/model"
)

// Finder performs the pre-score counterpart queries.
type Finder struct {
	demands  model.DemandRepository
	supplies model.SupplyRepository
	cfg      func() *config.MatchingConfig
	logger   *zap.Logger
}

func NewFinder(demands model.DemandRepository, supplies model.SupplyRepository, cfg func() *config.MatchingConfig, logger *zap.Logger) *Finder {
	return &Finder{demands: demands, supplies: supplies, cfg: cfg, logger: logger}
}

// FindForDemand returns available supplies sharing the demand's commodity
// and passing the hard location filter: the demand's delivery region or an
// explicitly accepted region, never anything else. No ordering is
// established here; the match scorer ranks.
func (f *Finder) FindForDemand(ctx context.Context, d *model.Demand) ([]*model.Supply, error) {
	regions := append([]string{d.DeliveryRegion}, d.AcceptedRegions...)
	filter := model.CandidateFilter{
		CommodityID: d.CommodityID,
		Regions:     regions,
		Limit:       f.cfg().CandidateCap,
		Now:         time.Now(),
	}

	supplies, err := f.supplies.FindAvailableSupplies(ctx, filter)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("Candidate supplies retrieved",
		zap.String("demand_id", d.ID.String()),
		zap.String("commodity_id", d.CommodityID),
		zap.Int("count", len(supplies)))
	return supplies, nil
}

// FindForSupply returns active demands whose accepted regions include the
// supply's region.
func (f *Finder) FindForSupply(ctx context.Context, s *model.Supply) ([]*model.Demand, error) {
	filter := model.CandidateFilter{
		CommodityID: s.CommodityID,
		Regions:     []string{s.Region},
		Limit:       f.cfg().CandidateCap,
		Now:         time.Now(),
	}

	demands, err := f.demands.FindActiveDemands(ctx, filter)
	if err != nil {
		return nil, err
	}

	// The query's region filter is a superset for demands with accepted
	// region lists; re-check the hard filter per demand.
	eligible := demands[:0]
	for _, d := range demands {
		if d.AcceptsRegion(s.Region) {
			eligible = append(eligible, d)
		}
	}

	f.logger.Debug("Candidate demands retrieved",
		zap.String("supply_id", s.ID.String()),
		zap.String("commodity_id", s.CommodityID),
		zap.Int("count", len(eligible)))
	return eligible, nil
}
