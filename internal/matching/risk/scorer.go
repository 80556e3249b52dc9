package risk

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agrilink/tradematch/internal/config"
	"github.com/agrilink/tradematch/internal/matching/model"
)

// Scorer combines the rule provider with an optional learned-model provider
// using a fixed weight split and maps the combined value to PASS/WARN/FAIL.
// It only runs on Tier-1 PASS; the engine enforces that ordering.
type Scorer struct {
	rules  SignalProvider
	model  SignalProvider // nil disables the learned component
	cfg    func() *config.MatchingConfig
	logger *zap.Logger
}

// NewScorer creates a Tier-2 scorer. Pass nil for modelProvider to run
// rule-only.
func NewScorer(ruleProvider, modelProvider SignalProvider, cfg func() *config.MatchingConfig, logger *zap.Logger) *Scorer {
	return &Scorer{rules: ruleProvider, model: modelProvider, cfg: cfg, logger: logger}
}

// Assess computes the combined risk outcome for a counterparty pair. A
// learned-model failure never fails the assessment: the rule component alone
// is used, the outcome is marked degraded with reduced confidence, and the
// status mapping still applies. Degradation never silently becomes PASS.
func (s *Scorer) Assess(ctx context.Context, demandOwner, supplyOwner uuid.UUID, commodityID string) (model.RiskAssessment, error) {
	cfg := s.cfg()

	ruleSignal, err := s.rules.Score(ctx, demandOwner, supplyOwner, commodityID)
	if err != nil {
		return model.RiskAssessment{}, err
	}

	assessment := model.RiskAssessment{
		RuleScore:  ruleSignal.Value,
		Confidence: ruleSignal.Confidence,
	}

	combined := ruleSignal.Value
	if s.model != nil {
		modelSignal, err := s.model.Score(ctx, demandOwner, supplyOwner, commodityID)
		if err != nil {
			s.logger.Warn("Learned risk model degraded, using rule-only score",
				zap.String("provider", s.model.Name()),
				zap.Error(err))
			assessment.Degraded = true
			assessment.Confidence = ruleSignal.Confidence * cfg.RuleWeight
		} else {
			assessment.ModelScore = modelSignal.Value
			combined = cfg.RuleWeight*ruleSignal.Value + cfg.ModelWeight*modelSignal.Value
			assessment.Confidence = cfg.RuleWeight*ruleSignal.Confidence + cfg.ModelWeight*modelSignal.Confidence
		}
	}

	assessment.Score = clip(combined)

	switch {
	case assessment.Score >= cfg.RiskPassFloor:
		assessment.Status = model.ComplianceStatusPass
		assessment.SubScore = 1.0
	case assessment.Score >= cfg.RiskWarnFloor:
		assessment.Status = model.ComplianceStatusWarn
		assessment.SubScore = 0.5
	default:
		assessment.Status = model.ComplianceStatusFail
		assessment.SubScore = 0
	}

	return assessment, nil
}
