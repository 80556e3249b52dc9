package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agrilink/tradematch/internal/matching/model"
	"github.com/agrilink/tradematch/internal/matching/repository"
	"github.com/agrilink/tradematch/internal/partner"
)

type gateFixture struct {
	gate      *Gate
	repo      *repository.InMemoryRepository
	directory *partner.StaticDirectory
	demand    *model.Demand
	supply    *model.Supply
}

func newGateFixture(t *testing.T) *gateFixture {
	repo := repository.NewInMemoryRepository()
	directory := partner.NewStaticDirectory()

	demand := &model.Demand{ID: uuid.New(), CommodityID: "WHEAT", OwnerID: uuid.New()}
	supply := &model.Supply{ID: uuid.New(), CommodityID: "WHEAT", OwnerID: uuid.New()}

	directory.Put(&partner.Party{ID: demand.OwnerID, TaxID: "TAX-1", RegistrationNo: "REG-1"})
	directory.Put(&partner.Party{ID: supply.OwnerID, TaxID: "TAX-2", RegistrationNo: "REG-2"})

	return &gateFixture{
		gate:      NewGate(repo, directory, zaptest.NewLogger(t)),
		repo:      repo,
		directory: directory,
		demand:    demand,
		supply:    supply,
	}
}

func TestGatePassesCleanPair(t *testing.T) {
	f := newGateFixture(t)

	outcome, err := f.gate.Evaluate(context.Background(), f.demand, f.supply)
	require.NoError(t, err)
	assert.Equal(t, model.ComplianceStatusPass, outcome.Status)
	assert.Empty(t, outcome.Violations)
}

func TestGateBlocksSharedTaxID(t *testing.T) {
	f := newGateFixture(t)
	f.directory.Put(&partner.Party{ID: f.supply.OwnerID, TaxID: "TAX-1", RegistrationNo: "REG-2"})

	outcome, err := f.gate.Evaluate(context.Background(), f.demand, f.supply)
	require.NoError(t, err)
	assert.Equal(t, model.ComplianceStatusFail, outcome.Status)
	require.Len(t, outcome.Violations, 1)
	assert.Equal(t, model.RulePartyLink, outcome.Violations[0].Code)
}

func TestGateBlocksSharedBlockedBranch(t *testing.T) {
	f := newGateFixture(t)
	f.directory.Put(&partner.Party{ID: f.demand.OwnerID, TaxID: "TAX-1", RegistrationNo: "REG-1", BranchScope: "HQ", InternalTradeBlock: true})
	f.directory.Put(&partner.Party{ID: f.supply.OwnerID, TaxID: "TAX-2", RegistrationNo: "REG-2", BranchScope: "HQ"})

	outcome, err := f.gate.Evaluate(context.Background(), f.demand, f.supply)
	require.NoError(t, err)
	assert.Equal(t, model.ComplianceStatusFail, outcome.Status)
	assert.Equal(t, model.RulePartyLink, outcome.Violations[0].Code)
}

func TestGateBlocksRestrictedParty(t *testing.T) {
	f := newGateFixture(t)
	f.directory.Put(&partner.Party{ID: f.supply.OwnerID, TaxID: "TAX-2", Restricted: true})

	outcome, err := f.gate.Evaluate(context.Background(), f.demand, f.supply)
	require.NoError(t, err)
	assert.Equal(t, model.ComplianceStatusFail, outcome.Status)
	assert.Equal(t, model.RuleRestrictedParty, outcome.Violations[0].Code)
}

func TestGateBlocksUnsettledPosition(t *testing.T) {
	f := newGateFixture(t)
	// Demand owner has an open sell position in the same commodity.
	f.repo.AddTrade(&model.TradeRecord{
		ID:          uuid.New(),
		CommodityID: "WHEAT",
		SellerID:    f.demand.OwnerID,
		BuyerID:     uuid.New(),
		Quantity:    decimal.NewFromInt(5),
		Settled:     false,
	})

	outcome, err := f.gate.Evaluate(context.Background(), f.demand, f.supply)
	require.NoError(t, err)
	assert.Equal(t, model.ComplianceStatusFail, outcome.Status)
	assert.Equal(t, model.RuleUnsettledPosition, outcome.Violations[0].Code)
}

func TestGateBlocksSameDayReversal(t *testing.T) {
	f := newGateFixture(t)
	// Earlier today the supply owner bought from the demand owner.
	f.repo.AddTrade(&model.TradeRecord{
		ID:          uuid.New(),
		CommodityID: "WHEAT",
		BuyerID:     f.supply.OwnerID,
		SellerID:    f.demand.OwnerID,
		Quantity:    decimal.NewFromInt(5),
		Settled:     true,
		CompletedAt: time.Now().UTC(),
	})

	outcome, err := f.gate.Evaluate(context.Background(), f.demand, f.supply)
	require.NoError(t, err)
	assert.Equal(t, model.ComplianceStatusFail, outcome.Status)
	assert.Equal(t, model.RuleSameDayReversal, outcome.Violations[0].Code)
}

func TestGateIgnoresPriorDayReversal(t *testing.T) {
	f := newGateFixture(t)
	f.repo.AddTrade(&model.TradeRecord{
		ID:          uuid.New(),
		CommodityID: "WHEAT",
		BuyerID:     f.supply.OwnerID,
		SellerID:    f.demand.OwnerID,
		Quantity:    decimal.NewFromInt(5),
		Settled:     true,
		CompletedAt: time.Now().UTC().Add(-48 * time.Hour),
	})

	outcome, err := f.gate.Evaluate(context.Background(), f.demand, f.supply)
	require.NoError(t, err)
	assert.Equal(t, model.ComplianceStatusPass, outcome.Status)
}

func TestGateShortCircuitsOnFirstFailure(t *testing.T) {
	f := newGateFixture(t)
	// Both an unsettled position (check 1) and a restricted party (check 4):
	// only the first violated rule is reported.
	f.repo.AddTrade(&model.TradeRecord{
		ID:          uuid.New(),
		CommodityID: "WHEAT",
		SellerID:    f.demand.OwnerID,
		BuyerID:     uuid.New(),
		Settled:     false,
	})
	f.directory.Put(&partner.Party{ID: f.supply.OwnerID, TaxID: "TAX-2", Restricted: true})

	outcome, err := f.gate.Evaluate(context.Background(), f.demand, f.supply)
	require.NoError(t, err)
	require.Len(t, outcome.Violations, 1)
	assert.Equal(t, model.RuleUnsettledPosition, outcome.Violations[0].Code)
}
