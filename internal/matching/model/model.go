package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for posting statuses, compliance outcomes and allocation types
const (
	// Demand statuses
	DemandStatusDraft              = "DRAFT"
	DemandStatusActive             = "ACTIVE"
	DemandStatusPartiallyFulfilled = "PARTIALLY_FULFILLED"
	DemandStatusFulfilled          = "FULFILLED"
	DemandStatusExpired            = "EXPIRED"
	DemandStatusCancelled          = "CANCELLED"

	// Supply statuses
	SupplyStatusAvailable          = "AVAILABLE"
	SupplyStatusPartiallyAllocated = "PARTIALLY_ALLOCATED"
	SupplyStatusSold               = "SOLD"
	SupplyStatusWithdrawn          = "WITHDRAWN"

	// Compliance / risk statuses
	ComplianceStatusPass = "PASS"
	ComplianceStatusWarn = "WARN"
	ComplianceStatusFail = "FAIL"

	// Allocation types
	AllocationTypeFull    = "FULL"
	AllocationTypePartial = "PARTIAL"
)

// Compliance rule codes emitted by the Tier-1 gate.
const (
	RuleUnsettledPosition = "UNSETTLED_POSITION"
	RuleSameDayReversal   = "SAME_DAY_REVERSAL"
	RulePartyLink         = "PARTY_LINK"
	RuleRestrictedParty   = "RESTRICTED_PARTY"
)

// Tolerance describes the acceptable range for one quality parameter of a
// demand. Either the Min/Max/Preferred triple or AcceptedValues is set.
type Tolerance struct {
	Min            decimal.Decimal `json:"min"`
	Max            decimal.Decimal `json:"max"`
	Preferred      decimal.Decimal `json:"preferred"`
	AcceptedValues []string        `json:"accepted_values,omitempty"`
	Weight         decimal.Decimal `json:"weight,omitempty"` // zero means unweighted mean
}

// Enumerated returns true when the tolerance is an accepted-value set rather
// than a numeric range.
func (t Tolerance) Enumerated() bool {
	return len(t.AcceptedValues) > 0
}

// QualityValue is one measured quality parameter on a supply posting.
type QualityValue struct {
	Numeric decimal.Decimal `json:"numeric"`
	Label   string          `json:"label,omitempty"`
}

// TimeWindow is a closed delivery interval. Zero values mean unconstrained.
type TimeWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether ts falls inside the window. An unset bound does
// not constrain.
func (w TimeWindow) Contains(ts time.Time) bool {
	if !w.From.IsZero() && ts.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && ts.After(w.To) {
		return false
	}
	return true
}

// QuantityRange bounds how much a demand will accept in a single fill.
type QuantityRange struct {
	Min       decimal.Decimal `json:"min"`
	Max       decimal.Decimal `json:"max"`
	Preferred decimal.Decimal `json:"preferred"`
}

// Demand represents a buy-side requirement posting.
type Demand struct {
	ID                     uuid.UUID            `json:"id" gorm:"type:uuid;primaryKey"`
	CommodityID            string               `json:"commodity_id" gorm:"index"`
	OwnerID                uuid.UUID            `json:"owner_id" gorm:"type:uuid;index"`
	Quantity               QuantityRange        `json:"quantity" gorm:"embedded;embeddedPrefix:qty_"`
	QualityTolerances      map[string]Tolerance `json:"quality_tolerances" gorm:"serializer:json"`
	MaxUnitBudget          decimal.Decimal      `json:"max_unit_budget" gorm:"type:decimal(20,8)"`
	PreferredPrice         decimal.Decimal      `json:"preferred_price" gorm:"type:decimal(20,8)"`
	DeliveryRegion         string               `json:"delivery_region" gorm:"index"`
	AcceptedRegions        []string             `json:"accepted_regions" gorm:"serializer:json"`
	MaxDistanceKM          decimal.Decimal      `json:"max_distance_km" gorm:"type:decimal(12,3)"`
	DeliveryWindow         TimeWindow           `json:"delivery_window" gorm:"embedded;embeddedPrefix:window_"`
	Visibility             string               `json:"visibility"`
	Status                 string               `json:"status" gorm:"index"`
	TotalPurchasedQuantity decimal.Decimal      `json:"total_purchased_quantity" gorm:"type:decimal(20,8)"`
	ValidFrom              time.Time            `json:"valid_from"`
	ValidUntil             time.Time            `json:"valid_until"`
	CreatedAt              time.Time            `json:"created_at"`
	UpdatedAt              time.Time            `json:"updated_at"`
}

// Terminal reports whether the demand can no longer be matched.
func (d *Demand) Terminal() bool {
	switch d.Status {
	case DemandStatusFulfilled, DemandStatusExpired, DemandStatusCancelled:
		return true
	}
	return false
}

// AcceptsRegion reports whether the supply region passes the hard location
// filter: the demand's own delivery region or an explicitly accepted one.
func (d *Demand) AcceptsRegion(region string) bool {
	if region == d.DeliveryRegion {
		return true
	}
	for _, r := range d.AcceptedRegions {
		if r == region {
			return true
		}
	}
	return false
}

// Supply represents a sell-side availability posting. RemainingQuantity and
// Version are written only by the allocation manager.
type Supply struct {
	ID                uuid.UUID               `json:"id" gorm:"type:uuid;primaryKey"`
	CommodityID       string                  `json:"commodity_id" gorm:"index"`
	OwnerID           uuid.UUID               `json:"owner_id" gorm:"type:uuid;index"`
	TotalQuantity     decimal.Decimal         `json:"total_quantity" gorm:"type:decimal(20,8)"`
	RemainingQuantity decimal.Decimal         `json:"remaining_quantity" gorm:"type:decimal(20,8)"`
	Version           int64                   `json:"version"`
	QualityValues     map[string]QualityValue `json:"quality_values" gorm:"serializer:json"`
	UnitPrice         decimal.Decimal         `json:"unit_price" gorm:"type:decimal(20,8)"`
	Region            string                  `json:"region" gorm:"index"`
	DeliveryWindow    TimeWindow              `json:"delivery_window" gorm:"embedded;embeddedPrefix:window_"`
	Status            string                  `json:"status" gorm:"index"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

// Terminal reports whether the supply can no longer be matched.
func (s *Supply) Terminal() bool {
	switch s.Status {
	case SupplyStatusSold, SupplyStatusWithdrawn:
		return true
	}
	return false
}

// Validate checks the quantity invariant.
func (s *Supply) Validate() error {
	if s.RemainingQuantity.IsNegative() {
		return fmt.Errorf("remaining quantity %s is negative", s.RemainingQuantity)
	}
	if s.RemainingQuantity.GreaterThan(s.TotalQuantity) {
		return fmt.Errorf("remaining quantity %s exceeds total %s", s.RemainingQuantity, s.TotalQuantity)
	}
	return nil
}

// RuleViolation is one failed compliance rule with its evidence.
type RuleViolation struct {
	Code     string `json:"code"`
	Evidence string `json:"evidence"`
}

// ComplianceOutcome is the Tier-1 gate decision for a candidate pair.
// A FAIL is non-overridable.
type ComplianceOutcome struct {
	Status     string          `json:"status"`
	Violations []RuleViolation `json:"violations,omitempty"`
}

// Passed reports whether scoring may proceed.
func (c ComplianceOutcome) Passed() bool {
	return c.Status == ComplianceStatusPass
}

// RiskAssessment is the Tier-2 hybrid risk outcome for a candidate pair.
type RiskAssessment struct {
	Score      float64 `json:"score"`       // combined signal in [0,1]
	SubScore   float64 `json:"sub_score"`   // mapped risk fit used by the match scorer
	Status     string  `json:"status"`      // PASS/WARN/FAIL
	Confidence float64 `json:"confidence"`  // reduced when the learned model degraded
	RuleScore  float64 `json:"rule_score"`  // deterministic component
	ModelScore float64 `json:"model_score"` // learned component, zero when degraded
	Degraded   bool    `json:"degraded"`    // learned model unavailable or timed out
}

// ScoreBreakdown holds the four independent sub-scores.
type ScoreBreakdown struct {
	Quality   float64 `json:"quality"`
	Price     float64 `json:"price"`
	Logistics float64 `json:"logistics"`
	Risk      float64 `json:"risk"`
}

// MatchCandidate is a transient scored pairing of one demand and one supply.
// It is never persisted standalone; the audit record carries its outcome.
type MatchCandidate struct {
	Demand       *Demand           `json:"demand"`
	Supply       *Supply           `json:"supply"`
	Score        float64           `json:"score"`
	Breakdown    ScoreBreakdown    `json:"breakdown"`
	Compliance   ComplianceOutcome `json:"compliance"`
	Risk         RiskAssessment    `json:"risk"`
	DuplicateKey string            `json:"duplicate_key"`
}

// AllocationResult reports a completed quantity reservation.
type AllocationResult struct {
	SupplyID          uuid.UUID       `json:"supply_id"`
	DemandID          uuid.UUID       `json:"demand_id"`
	AllocatedQuantity decimal.Decimal `json:"allocated_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	Type              string          `json:"type"` // FULL or PARTIAL
	Version           int64           `json:"version"`
}

// AuditRecord is the immutable per-scored-pair record. Append-only: no
// update or delete path exists anywhere in the codebase.
type AuditRecord struct {
	ID               uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	DemandID         uuid.UUID       `json:"demand_id" gorm:"type:uuid;index"`
	SupplyID         uuid.UUID       `json:"supply_id" gorm:"type:uuid;index"`
	CommodityID      string          `json:"commodity_id" gorm:"index"`
	CompositeScore   float64         `json:"composite_score"`
	Breakdown        ScoreBreakdown  `json:"breakdown" gorm:"embedded;embeddedPrefix:score_"`
	ComplianceStatus string          `json:"compliance_status"`
	RuleCodes        []string        `json:"rule_codes" gorm:"serializer:json"`
	RiskStatus       string          `json:"risk_status"`
	RiskDegraded     bool            `json:"risk_degraded"`
	Allocated        decimal.Decimal `json:"allocated" gorm:"type:decimal(20,8)"`
	AllocationType   string          `json:"allocation_type"`
	CreatedAt        time.Time       `json:"created_at"`
}

// TradeRecord is a settled or open historical trade between two parties,
// consulted by the compliance gate.
type TradeRecord struct {
	ID          uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	CommodityID string          `json:"commodity_id" gorm:"index"`
	BuyerID     uuid.UUID       `json:"buyer_id" gorm:"type:uuid;index"`
	SellerID    uuid.UUID       `json:"seller_id" gorm:"type:uuid;index"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:decimal(20,8)"`
	Settled     bool            `json:"settled"`
	CompletedAt time.Time       `json:"completed_at"`
}
