package matching

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agrilink/tradematch/internal/catalog"
	"github.com/agrilink/tradematch/internal/config"
	"github.com/agrilink/tradematch/internal/matching/allocation"
	"github.com/agrilink/tradematch/internal/matching/audit"
	"github.com/agrilink/tradematch/internal/matching/compliance"
	"github.com/agrilink/tradematch/internal/matching/dedup"
	"github.com/agrilink/tradematch/internal/matching/finder"
	"github.com/agrilink/tradematch/internal/matching/model"
	"github.com/agrilink/tradematch/internal/matching/repository"
	"github.com/agrilink/tradematch/internal/matching/scoring"
	"github.com/agrilink/tradematch/internal/messaging"
	"github.com/agrilink/tradematch/internal/partner"
	"github.com/agrilink/tradematch/pkg/errors"
)

type countingRisk struct {
	calls      int
	assessment model.RiskAssessment
}

func (r *countingRisk) Assess(ctx context.Context, demandOwner, supplyOwner uuid.UUID, commodityID string) (model.RiskAssessment, error) {
	r.calls++
	return r.assessment, nil
}

type engineFixture struct {
	repo      *repository.InMemoryRepository
	directory *partner.StaticDirectory
	catalog   *catalog.StaticCatalog
	broker    *messaging.MemoryBroker
	risk      *countingRisk
	engine    *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	cfg := config.DefaultMatchingConfig()
	cfgFn := func() *config.MatchingConfig { return &cfg }

	repo := repository.NewInMemoryRepository()
	directory := partner.NewStaticDirectory()
	commodities := catalog.NewStaticCatalog()
	broker := messaging.NewMemoryBroker()
	bus := messaging.NewMessageBus(broker, broker, log)
	risk := &countingRisk{assessment: model.RiskAssessment{
		Score: 0.9, SubScore: 1.0, Status: model.ComplianceStatusPass, Confidence: 1.0,
	}}

	engine := NewEngine(EngineDeps{
		Demands:    repo,
		Supplies:   repo,
		Finder:     finder.NewFinder(repo, repo, cfgFn, log),
		Gate:       compliance.NewGate(repo, directory, log),
		Risk:       risk,
		Scorer:     scoring.NewScorer(cfgFn),
		Suppressor: dedup.NewSuppressor(dedup.NewMemoryStore(), cfgFn, log),
		Recorder:   audit.NewRecorder(repo, log),
		Allocator:  allocation.NewManager(repo, repo, bus, cfgFn, log),
		Catalog:    commodities,
		Bus:        bus,
		Config:     cfgFn,
		Metrics:    NewMetrics(prometheus.NewRegistry()),
		Logger:     log,
	})

	return &engineFixture{
		repo:      repo,
		directory: directory,
		catalog:   commodities,
		broker:    broker,
		risk:      risk,
		engine:    engine,
	}
}

func (f *engineFixture) addDemand(t *testing.T, region string) *model.Demand {
	t.Helper()
	d := &model.Demand{
		ID:             uuid.New(),
		CommodityID:    "WHEAT",
		OwnerID:        uuid.New(),
		Quantity:       model.QuantityRange{Preferred: decimal.NewFromInt(100)},
		PreferredPrice: decimal.NewFromInt(100),
		MaxUnitBudget:  decimal.NewFromInt(120),
		DeliveryRegion: region,
		Status:         model.DemandStatusActive,
		QualityTolerances: map[string]model.Tolerance{
			"moisture": {Min: decimal.NewFromInt(10), Max: decimal.NewFromInt(14), Preferred: decimal.NewFromInt(12)},
		},
		ValidFrom:  time.Now().Add(-time.Hour),
		ValidUntil: time.Now().Add(time.Hour),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, f.repo.CreateDemand(context.Background(), d))
	f.directory.Put(&partner.Party{ID: d.OwnerID, TaxID: "TAX-" + d.OwnerID.String(), RegistrationNo: "REG-" + d.OwnerID.String()})
	return d
}

func (f *engineFixture) addSupply(t *testing.T, region, moisture, price string) *model.Supply {
	t.Helper()
	s := &model.Supply{
		ID:                uuid.New(),
		CommodityID:       "WHEAT",
		OwnerID:           uuid.New(),
		TotalQuantity:     decimal.NewFromInt(100),
		RemainingQuantity: decimal.NewFromInt(100),
		Version:           1,
		UnitPrice:         mustDec(price),
		Region:            region,
		Status:            model.SupplyStatusAvailable,
		QualityValues: map[string]model.QualityValue{
			"moisture": {Numeric: mustDec(moisture)},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.repo.CreateSupply(context.Background(), s))
	f.directory.Put(&partner.Party{ID: s.OwnerID, TaxID: "TAX-" + s.OwnerID.String(), RegistrationNo: "REG-" + s.OwnerID.String()})
	return s
}

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestFindMatchesRanksAcceptedCandidates(t *testing.T) {
	f := newEngineFixture(t)
	demand := f.addDemand(t, "north")
	better := f.addSupply(t, "north", "12", "95")
	worse := f.addSupply(t, "north", "13", "110")

	matches, err := f.engine.FindMatches(context.Background(), demand.ID, FindOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, better.ID, matches[0].Supply.ID)
	assert.Equal(t, worse.ID, matches[1].Supply.ID)
	assert.Greater(t, matches[0].Score, matches[1].Score)

	assert.Len(t, f.broker.PublishedOfType(messaging.MsgMatchFound), 2)
	assert.Equal(t, 2, f.risk.calls)
}

func TestComplianceFailSkipsRiskScoring(t *testing.T) {
	f := newEngineFixture(t)
	demand := f.addDemand(t, "north")
	supply := f.addSupply(t, "north", "12", "95")
	// Linked parties: the supply owner shares the demand owner's tax ID.
	f.directory.Put(&partner.Party{ID: supply.OwnerID, TaxID: "TAX-" + demand.OwnerID.String()})

	matches, err := f.engine.FindMatches(context.Background(), demand.ID, FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, matches)

	// The gate short-circuits: the Tier-2 scorer never ran.
	assert.Equal(t, 0, f.risk.calls)

	records, err := f.repo.GetAuditRecords(context.Background(), demand.ID, supply.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 0.0, records[0].CompositeScore)
	assert.Equal(t, model.ComplianceStatusFail, records[0].ComplianceStatus)
	assert.Equal(t, []string{model.RulePartyLink}, records[0].RuleCodes)

	assert.Len(t, f.broker.PublishedOfType(messaging.MsgMatchRejected), 1)
	assert.Empty(t, f.broker.PublishedOfType(messaging.MsgMatchFound))
}

func TestRegionIsAHardFilter(t *testing.T) {
	f := newEngineFixture(t)
	demand := f.addDemand(t, "north")
	supply := f.addSupply(t, "south", "12", "95")

	matches, err := f.engine.FindMatches(context.Background(), demand.ID, FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, matches)

	// The pair was filtered before scoring: no risk call, no audit record.
	assert.Equal(t, 0, f.risk.calls)
	records, err := f.repo.GetAuditRecords(context.Background(), demand.ID, supply.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAcceptedRegionAdmitsSupply(t *testing.T) {
	f := newEngineFixture(t)
	demand := f.addDemand(t, "north")
	demand.AcceptedRegions = []string{"south"}
	require.NoError(t, f.repo.CreateDemand(context.Background(), demand))
	f.catalog.PutDistance("north", "south", decimal.NewFromInt(50))
	f.addSupply(t, "south", "12", "95")

	matches, err := f.engine.FindMatches(context.Background(), demand.ID, FindOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestRiskFailRejectsPair(t *testing.T) {
	f := newEngineFixture(t)
	f.risk.assessment = model.RiskAssessment{Score: 0.4, Status: model.ComplianceStatusFail}
	demand := f.addDemand(t, "north")
	supply := f.addSupply(t, "north", "12", "95")

	matches, err := f.engine.FindMatches(context.Background(), demand.ID, FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, matches)

	records, err := f.repo.GetAuditRecords(context.Background(), demand.ID, supply.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.ComplianceStatusFail, records[0].RiskStatus)

	rejected := f.broker.PublishedOfType(messaging.MsgMatchRejected)
	require.Len(t, rejected, 1)
}

func TestBelowThresholdCandidateAuditedButDiscarded(t *testing.T) {
	f := newEngineFixture(t)
	demand := f.addDemand(t, "north")
	// Quality 0.05, price 0.1: composite well below the 0.6 floor.
	supply := f.addSupply(t, "north", "13.9", "118")

	matches, err := f.engine.FindMatches(context.Background(), demand.ID, FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, matches)

	records, err := f.repo.GetAuditRecords(context.Background(), demand.ID, supply.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Less(t, records[0].CompositeScore, 0.6)
	assert.Empty(t, f.broker.PublishedOfType(messaging.MsgMatchFound))
}

func TestRescoringSuppressedAsDuplicate(t *testing.T) {
	f := newEngineFixture(t)
	demand := f.addDemand(t, "north")
	f.addSupply(t, "north", "12", "95")

	first, err := f.engine.FindMatches(context.Background(), demand.ID, FindOptions{})
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Nothing changed: the repeat run is suppressed, not re-announced.
	second, err := f.engine.FindMatches(context.Background(), demand.ID, FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Len(t, f.broker.PublishedOfType(messaging.MsgMatchFound), 1)
}

func TestFindMatchesFromSupplySide(t *testing.T) {
	f := newEngineFixture(t)
	demand := f.addDemand(t, "north")
	supply := f.addSupply(t, "north", "12", "95")
	// A demand in another region is never paired.
	f.addDemand(t, "south")

	matches, err := f.engine.FindMatches(context.Background(), supply.ID, FindOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, demand.ID, matches[0].Demand.ID)
}

func TestTerminalDemandSkipped(t *testing.T) {
	f := newEngineFixture(t)
	demand := f.addDemand(t, "north")
	require.NoError(t, f.repo.UpdateDemandStatus(context.Background(), demand.ID, model.DemandStatusCancelled))
	f.addSupply(t, "north", "12", "95")

	matches, err := f.engine.FindMatches(context.Background(), demand.ID, FindOptions{})
	require.NoError(t, err)
	assert.Nil(t, matches)
	assert.Equal(t, 0, f.risk.calls)
}

func TestFindOptionsTrimResults(t *testing.T) {
	f := newEngineFixture(t)
	demand := f.addDemand(t, "north")
	f.addSupply(t, "north", "12", "95")
	f.addSupply(t, "north", "12.5", "100")
	f.addSupply(t, "north", "13", "105")

	matches, err := f.engine.FindMatches(context.Background(), demand.ID, FindOptions{MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	minScore := 0.99
	strict, err := f.engine.FindMatches(context.Background(), f.addDemand(t, "north").ID, FindOptions{MinScore: &minScore})
	require.NoError(t, err)
	for _, c := range strict {
		assert.GreaterOrEqual(t, c.Score, minScore)
	}
}

func TestAllocateRecordsConflictMetric(t *testing.T) {
	f := newEngineFixture(t)
	demand := f.addDemand(t, "north")
	supply := f.addSupply(t, "north", "12", "95")

	result, err := f.engine.Allocate(context.Background(), supply.ID, demand.ID, decimal.NewFromInt(40))
	require.NoError(t, err)
	assert.Equal(t, model.AllocationTypeFull, result.Type)

	events := f.broker.PublishedOfType(messaging.MsgAllocationCompleted)
	assert.Len(t, events, 1)
}

func TestAllocateBlockedByCompliance(t *testing.T) {
	f := newEngineFixture(t)
	demand := f.addDemand(t, "north")
	supply := f.addSupply(t, "north", "12", "95")
	f.directory.Put(&partner.Party{ID: supply.OwnerID, TaxID: "TAX-" + supply.OwnerID.String(), Restricted: true})

	_, err := f.engine.Allocate(context.Background(), supply.ID, demand.ID, decimal.NewFromInt(40))
	require.Error(t, err)
	var blocked *errors.ComplianceBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, model.RuleRestrictedParty, blocked.RuleCode)

	// The block precedes any write: nothing was reserved.
	stored, getErr := f.repo.GetSupplyByID(context.Background(), supply.ID)
	require.NoError(t, getErr)
	assert.True(t, stored.RemainingQuantity.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(1), stored.Version)
	assert.Empty(t, f.broker.PublishedOfType(messaging.MsgAllocationCompleted))
}
