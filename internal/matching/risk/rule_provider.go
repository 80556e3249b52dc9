package risk

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agrilink/tradematch/internal/partner"
)

// RuleProvider computes the deterministic risk component from credit-limit
// headroom, counterparty rating and settlement-performance history. Each
// factor is already normalized to [0,1] by the partner service.
type RuleProvider struct {
	directory partner.Directory
}

func NewRuleProvider(directory partner.Directory) *RuleProvider {
	return &RuleProvider{directory: directory}
}

func (p *RuleProvider) Name() string { return "rules" }

func (p *RuleProvider) Score(ctx context.Context, demandOwner, supplyOwner uuid.UUID, commodityID string) (Signal, error) {
	buyer, err := p.directory.GetParty(ctx, demandOwner)
	if err != nil {
		return Signal{}, fmt.Errorf("resolve demand owner: %w", err)
	}
	seller, err := p.directory.GetParty(ctx, supplyOwner)
	if err != nil {
		return Signal{}, fmt.Errorf("resolve supply owner: %w", err)
	}

	// The pair is only as safe as its riskier party.
	buyerScore := partyScore(buyer)
	sellerScore := partyScore(seller)
	value := buyerScore
	if sellerScore < value {
		value = sellerScore
	}
	return Signal{Value: clip(value), Confidence: 1.0}, nil
}

func partyScore(p *partner.Party) float64 {
	return (clip(p.CreditHeadroom) + clip(p.Rating) + clip(p.SettlementScore)) / 3.0
}

func clip(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
