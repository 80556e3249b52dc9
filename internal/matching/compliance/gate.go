// Package compliance implements the Tier-1 gate: four deterministic rule
// checks evaluated before any scoring. No learned model participates here.
package compliance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agrilink/tradematch/internal/matching/model"
	"github.com/agrilink/tradematch/internal/partner"
)

// Gate runs the deterministic compliance checks for a candidate pair.
// Checks run in a fixed order and short-circuit on the first FAIL; their
// cost is paid before any Tier-2 or match scoring work.
type Gate struct {
	trades    model.TradeHistoryRepository
	directory partner.Directory
	logger    *zap.Logger
	now       func() time.Time
}

// NewGate creates a compliance gate.
func NewGate(trades model.TradeHistoryRepository, directory partner.Directory, logger *zap.Logger) *Gate {
	return &Gate{
		trades:    trades,
		directory: directory,
		logger:    logger,
		now:       time.Now,
	}
}

type check func(ctx context.Context, d *model.Demand, s *model.Supply, buyer, seller *partner.Party) (*model.RuleViolation, error)

// Evaluate runs the four checks in order. Any FAIL yields an overall FAIL
// outcome; the caller must force the composite score to zero and skip the
// rest of the pipeline.
func (g *Gate) Evaluate(ctx context.Context, d *model.Demand, s *model.Supply) (model.ComplianceOutcome, error) {
	buyer, err := g.directory.GetParty(ctx, d.OwnerID)
	if err != nil {
		return model.ComplianceOutcome{}, fmt.Errorf("resolve demand owner: %w", err)
	}
	seller, err := g.directory.GetParty(ctx, s.OwnerID)
	if err != nil {
		return model.ComplianceOutcome{}, fmt.Errorf("resolve supply owner: %w", err)
	}

	checks := []check{
		g.checkUnsettledPosition,
		g.checkSameDayReversal,
		g.checkPartyLink,
		g.checkRestrictedParty,
	}

	for _, c := range checks {
		violation, err := c(ctx, d, s, buyer, seller)
		if err != nil {
			return model.ComplianceOutcome{}, err
		}
		if violation != nil {
			g.logger.Info("Compliance check failed",
				zap.String("rule", violation.Code),
				zap.String("demand_id", d.ID.String()),
				zap.String("supply_id", s.ID.String()))
			return model.ComplianceOutcome{
				Status:     model.ComplianceStatusFail,
				Violations: []model.RuleViolation{*violation},
			}, nil
		}
	}

	return model.ComplianceOutcome{Status: model.ComplianceStatusPass}, nil
}

// checkUnsettledPosition blocks when either owner holds an open
// opposite-direction position in the same commodity.
func (g *Gate) checkUnsettledPosition(ctx context.Context, d *model.Demand, s *model.Supply, buyer, seller *partner.Party) (*model.RuleViolation, error) {
	// The demand owner is buying; an open SELL position closes the loop.
	open, err := g.trades.HasUnsettledPosition(ctx, d.OwnerID, d.CommodityID, "SELL")
	if err != nil {
		return nil, err
	}
	if open {
		return &model.RuleViolation{
			Code:     model.RuleUnsettledPosition,
			Evidence: fmt.Sprintf("demand owner %s has an open sell position in %s", d.OwnerID, d.CommodityID),
		}, nil
	}
	open, err = g.trades.HasUnsettledPosition(ctx, s.OwnerID, s.CommodityID, "BUY")
	if err != nil {
		return nil, err
	}
	if open {
		return &model.RuleViolation{
			Code:     model.RuleUnsettledPosition,
			Evidence: fmt.Sprintf("supply owner %s has an open buy position in %s", s.OwnerID, s.CommodityID),
		}, nil
	}
	return nil, nil
}

// checkSameDayReversal blocks when the two parties completed an
// opposite-direction trade with each other on the same UTC calendar day.
func (g *Gate) checkSameDayReversal(ctx context.Context, d *model.Demand, s *model.Supply, buyer, seller *partner.Party) (*model.RuleViolation, error) {
	dayStart := g.now().UTC().Truncate(24 * time.Hour)
	// Opposite direction: today's supply owner bought from today's demand owner.
	trade, err := g.trades.CompletedTradeBetween(ctx, s.OwnerID, d.OwnerID, d.CommodityID, dayStart)
	if err != nil {
		return nil, err
	}
	if trade != nil {
		return &model.RuleViolation{
			Code:     model.RuleSameDayReversal,
			Evidence: fmt.Sprintf("reverse trade %s completed at %s", trade.ID, trade.CompletedAt.Format(time.RFC3339)),
		}, nil
	}
	return nil, nil
}

// checkPartyLink blocks self-dealing: shared tax identifier, shared
// registration number, or a shared controlling branch configured as
// internal-trade-blocked.
func (g *Gate) checkPartyLink(ctx context.Context, d *model.Demand, s *model.Supply, buyer, seller *partner.Party) (*model.RuleViolation, error) {
	if buyer.TaxID != "" && buyer.TaxID == seller.TaxID {
		return &model.RuleViolation{
			Code:     model.RulePartyLink,
			Evidence: "parties share a tax identifier",
		}, nil
	}
	if buyer.RegistrationNo != "" && buyer.RegistrationNo == seller.RegistrationNo {
		return &model.RuleViolation{
			Code:     model.RulePartyLink,
			Evidence: "parties share a registration number",
		}, nil
	}
	if buyer.BranchScope != "" && buyer.BranchScope == seller.BranchScope &&
		(buyer.InternalTradeBlock || seller.InternalTradeBlock) {
		return &model.RuleViolation{
			Code:     model.RulePartyLink,
			Evidence: fmt.Sprintf("parties share internal-trade-blocked branch %s", buyer.BranchScope),
		}, nil
	}
	return nil, nil
}

// checkRestrictedParty blocks when either party is on the externally
// maintained restricted list.
func (g *Gate) checkRestrictedParty(ctx context.Context, d *model.Demand, s *model.Supply, buyer, seller *partner.Party) (*model.RuleViolation, error) {
	if buyer.Restricted {
		return &model.RuleViolation{
			Code:     model.RuleRestrictedParty,
			Evidence: fmt.Sprintf("demand owner %s is restricted", buyer.ID),
		}, nil
	}
	if seller.Restricted {
		return &model.RuleViolation{
			Code:     model.RuleRestrictedParty,
			Evidence: fmt.Sprintf("supply owner %s is restricted", seller.ID),
		}, nil
	}
	return nil, nil
}
