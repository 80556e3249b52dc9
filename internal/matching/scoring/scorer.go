// Package scoring computes the four sub-scores and the weighted composite
// that ranks match candidates.
package scoring

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/agrilink/tradematch/internal/config"
	"github.com/agrilink/tradematch/internal/matching/model"
)

// Scorer computes sub-scores and composites. It is stateless; weights and
// thresholds come from the config snapshot per call, so hot reloads take
// effect on the next scoring pass.
type Scorer struct {
	cfg func() *config.MatchingConfig
}

func NewScorer(cfg func() *config.MatchingConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// ScorePair computes the breakdown and composite for one candidate pair.
// The risk assessment must come from a Tier-1-passed, Tier-2-evaluated pair;
// a WARN multiplies the whole composite by (1 - warn_penalty).
func (s *Scorer) ScorePair(d *model.Demand, sup *model.Supply, risk model.RiskAssessment, distanceKM decimal.Decimal) (float64, model.ScoreBreakdown) {
	cfg := s.cfg()
	weights := cfg.WeightsFor(d.CommodityID)

	breakdown := model.ScoreBreakdown{
		Quality:   QualityFit(d.QualityTolerances, sup.QualityValues),
		Price:     PriceFit(d.PreferredPrice, d.MaxUnitBudget, sup.UnitPrice),
		Logistics: LogisticsFit(d, sup, distanceKM),
		Risk:      risk.SubScore,
	}

	composite := weights.Quality*breakdown.Quality +
		weights.Price*breakdown.Price +
		weights.Logistics*breakdown.Logistics +
		weights.Risk*breakdown.Risk

	if risk.Status == model.ComplianceStatusWarn {
		composite *= 1 - cfg.WarnPenalty
	}

	return clamp01(composite), breakdown
}

// QualityFit scores the counterpart's quality values against the demand's
// tolerances. Each numeric parameter scores 1.0 at the preferred value and
// decays linearly to 0 at the tolerance boundary; out-of-range is 0.
// Enumerated parameters are all-or-nothing. The overall score is the
// weighted mean, unweighted when no parameter weights are configured.
func QualityFit(tolerances map[string]model.Tolerance, values map[string]model.QualityValue) float64 {
	if len(tolerances) == 0 {
		return 1.0
	}

	var weightedSum, weightTotal float64
	for name, tol := range tolerances {
		weight := 1.0
		if !tol.Weight.IsZero() {
			weight, _ = tol.Weight.Float64()
		}

		value, present := values[name]
		score := 0.0
		if present {
			score = parameterFit(tol, value)
		}
		weightedSum += weight * score
		weightTotal += weight
	}
	if weightTotal == 0 {
		return 0
	}
	return clamp01(weightedSum / weightTotal)
}

func parameterFit(tol model.Tolerance, value model.QualityValue) float64 {
	if tol.Enumerated() {
		for _, accepted := range tol.AcceptedValues {
			if value.Label == accepted {
				return 1.0
			}
		}
		return 0
	}

	v := value.Numeric
	if v.LessThan(tol.Min) || v.GreaterThan(tol.Max) {
		return 0
	}

	halfRange := tol.Max.Sub(tol.Min).Div(decimal.NewFromInt(2))
	if halfRange.IsZero() {
		return 1.0
	}
	deviation := v.Sub(tol.Preferred).Abs()
	fit, _ := decimal.NewFromInt(1).Sub(deviation.Div(halfRange)).Float64()
	return clamp01(fit)
}

// PriceFit scores the counterpart price against the requester's preferred
// price and budget ceiling: at or below preferred is 1.0, at or above the
// ceiling is 0, linear in between.
func PriceFit(preferred, ceiling, price decimal.Decimal) float64 {
	if price.LessThanOrEqual(preferred) {
		return 1.0
	}
	if price.GreaterThanOrEqual(ceiling) {
		return 0
	}
	span := ceiling.Sub(preferred)
	if span.IsZero() {
		return 0
	}
	fit, _ := ceiling.Sub(price).Div(span).Float64()
	return clamp01(fit)
}

// LogisticsFit is 1 - distance/max within the accepted maximum, else 0. A
// delivery-window violation forces 0 regardless of distance. An
// unconstrained max distance scores 1.0 (the hard location filter already
// ran at candidate retrieval).
func LogisticsFit(d *model.Demand, sup *model.Supply, distanceKM decimal.Decimal) float64 {
	if !windowsCompatible(d.DeliveryWindow, sup.DeliveryWindow) {
		return 0
	}
	if d.MaxDistanceKM.IsZero() {
		return 1.0
	}
	if distanceKM.GreaterThan(d.MaxDistanceKM) {
		return 0
	}
	fit, _ := decimal.NewFromInt(1).Sub(distanceKM.Div(d.MaxDistanceKM)).Float64()
	return clamp01(fit)
}

// windowsCompatible reports whether the supply can deliver inside the
// demand's window. Unset windows do not constrain.
func windowsCompatible(demand, supply model.TimeWindow) bool {
	if demand.From.IsZero() && demand.To.IsZero() {
		return true
	}
	if supply.From.IsZero() && supply.To.IsZero() {
		return true
	}
	if !demand.To.IsZero() && !supply.From.IsZero() && supply.From.After(demand.To) {
		return false
	}
	if !demand.From.IsZero() && !supply.To.IsZero() && supply.To.Before(demand.From) {
		return false
	}
	return true
}

// Rank sorts candidates by composite descending, breaking ties by earlier
// supply posting timestamp (first-come priority) and then by supply ID for
// a stable, deterministic order.
func Rank(candidates []*model.MatchCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		ti, tj := candidates[i].Supply.CreatedAt, candidates[j].Supply.CreatedAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return candidates[i].Supply.ID.String() < candidates[j].Supply.ID.String()
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
