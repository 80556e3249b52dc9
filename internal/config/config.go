// Package config loads and validates engine configuration with hot reload.
package config

import (
	"math"
	"time"

	"github.com/agrilink/tradematch/pkg/errors"
)

// ScoringWeights are the composite weights for one commodity. They must sum
// to 1.0; validation runs at load time, never at score time.
type ScoringWeights struct {
	Quality   float64 `mapstructure:"quality" yaml:"quality" json:"quality"`
	Price     float64 `mapstructure:"price" yaml:"price" json:"price"`
	Logistics float64 `mapstructure:"logistics" yaml:"logistics" json:"logistics"`
	Risk      float64 `mapstructure:"risk" yaml:"risk" json:"risk"`
}

// Sum returns the weight total.
func (w ScoringWeights) Sum() float64 {
	return w.Quality + w.Price + w.Logistics + w.Risk
}

// CommodityConfig carries per-commodity overrides.
type CommodityConfig struct {
	Weights      *ScoringWeights `mapstructure:"weights" yaml:"weights" json:"weights"`
	MinScore     *float64        `mapstructure:"min_score" yaml:"min_score" json:"min_score"`
	BroadRegions bool            `mapstructure:"broad_regions" yaml:"broad_regions" json:"broad_regions"`
}

// MatchingConfig is the engine configuration surface. Every knob here is
// hot-reloadable.
type MatchingConfig struct {
	DefaultWeights  ScoringWeights             `mapstructure:"default_weights" yaml:"default_weights" json:"default_weights"`
	DefaultMinScore float64                    `mapstructure:"default_min_score" yaml:"default_min_score" json:"default_min_score"`
	Commodities     map[string]CommodityConfig `mapstructure:"commodities" yaml:"commodities" json:"commodities"`

	CandidateCap int `mapstructure:"candidate_cap" yaml:"candidate_cap" json:"candidate_cap"`

	WarnPenalty   float64       `mapstructure:"warn_penalty" yaml:"warn_penalty" json:"warn_penalty"`
	RiskPassFloor float64       `mapstructure:"risk_pass_floor" yaml:"risk_pass_floor" json:"risk_pass_floor"`
	RiskWarnFloor float64       `mapstructure:"risk_warn_floor" yaml:"risk_warn_floor" json:"risk_warn_floor"`
	RuleWeight    float64       `mapstructure:"rule_weight" yaml:"rule_weight" json:"rule_weight"`
	ModelWeight   float64       `mapstructure:"model_weight" yaml:"model_weight" json:"model_weight"`
	ModelTimeout  time.Duration `mapstructure:"model_timeout" yaml:"model_timeout" json:"model_timeout"`

	DedupWindow     time.Duration `mapstructure:"dedup_window" yaml:"dedup_window" json:"dedup_window"`
	DedupSimilarity float64       `mapstructure:"dedup_similarity" yaml:"dedup_similarity" json:"dedup_similarity"`

	AllocationRetries int           `mapstructure:"allocation_retries" yaml:"allocation_retries" json:"allocation_retries"`
	AllocationBackoff time.Duration `mapstructure:"allocation_backoff" yaml:"allocation_backoff" json:"allocation_backoff"`

	NotifyCap       int           `mapstructure:"notify_cap" yaml:"notify_cap" json:"notify_cap"`
	NotifyRateLimit time.Duration `mapstructure:"notify_rate_limit" yaml:"notify_rate_limit" json:"notify_rate_limit"`

	WorkerCount   int           `mapstructure:"worker_count" yaml:"worker_count" json:"worker_count"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	BatchFlush    time.Duration `mapstructure:"batch_flush" yaml:"batch_flush" json:"batch_flush"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultMatchingConfig returns the documented defaults.
func DefaultMatchingConfig() MatchingConfig {
	return MatchingConfig{
		DefaultWeights:    ScoringWeights{Quality: 0.40, Price: 0.30, Logistics: 0.15, Risk: 0.15},
		DefaultMinScore:   0.6,
		CandidateCap:      50,
		WarnPenalty:       0.10,
		RiskPassFloor:     0.80,
		RiskWarnFloor:     0.60,
		RuleWeight:        0.70,
		ModelWeight:       0.30,
		ModelTimeout:      300 * time.Millisecond,
		DedupWindow:       5 * time.Minute,
		DedupSimilarity:   0.95,
		AllocationRetries: 3,
		AllocationBackoff: 20 * time.Millisecond,
		NotifyCap:         5,
		NotifyRateLimit:   60 * time.Second,
		WorkerCount:       8,
		BatchSize:         100,
		BatchFlush:        time.Second,
		SweepInterval:     20 * time.Second,
	}
}

const weightTolerance = 1e-9

// Validate checks weights, thresholds and intervals. Any violation is a
// ConfigurationError and must prevent the engine from starting.
func (c *MatchingConfig) Validate() error {
	if err := validateWeights("default_weights", c.DefaultWeights); err != nil {
		return err
	}
	for id, cc := range c.Commodities {
		if cc.Weights != nil {
			if err := validateWeights("commodities."+id+".weights", *cc.Weights); err != nil {
				return err
			}
		}
		if cc.MinScore != nil && (*cc.MinScore < 0 || *cc.MinScore > 1) {
			return &errors.ConfigurationError{Field: "commodities." + id + ".min_score", Detail: "must be in [0,1]"}
		}
	}
	if c.DefaultMinScore < 0 || c.DefaultMinScore > 1 {
		return &errors.ConfigurationError{Field: "default_min_score", Detail: "must be in [0,1]"}
	}
	if c.WarnPenalty < 0 || c.WarnPenalty >= 1 {
		return &errors.ConfigurationError{Field: "warn_penalty", Detail: "must be in [0,1)"}
	}
	if c.RiskWarnFloor >= c.RiskPassFloor {
		return &errors.ConfigurationError{Field: "risk_warn_floor", Detail: "must be below risk_pass_floor"}
	}
	if math.Abs(c.RuleWeight+c.ModelWeight-1.0) > weightTolerance {
		return &errors.ConfigurationError{Field: "rule_weight", Detail: "rule and model weights must sum to 1.0"}
	}
	if c.DedupSimilarity <= 0 || c.DedupSimilarity > 1 {
		return &errors.ConfigurationError{Field: "dedup_similarity", Detail: "must be in (0,1]"}
	}
	if c.AllocationRetries < 1 {
		return &errors.ConfigurationError{Field: "allocation_retries", Detail: "must be at least 1"}
	}
	if c.CandidateCap < 1 {
		return &errors.ConfigurationError{Field: "candidate_cap", Detail: "must be at least 1"}
	}
	if c.WorkerCount < 1 {
		return &errors.ConfigurationError{Field: "worker_count", Detail: "must be at least 1"}
	}
	return nil
}

func validateWeights(field string, w ScoringWeights) error {
	for _, v := range []float64{w.Quality, w.Price, w.Logistics, w.Risk} {
		if v < 0 || v > 1 {
			return &errors.ConfigurationError{Field: field, Detail: "each weight must be in [0,1]"}
		}
	}
	if math.Abs(w.Sum()-1.0) > weightTolerance {
		return &errors.ConfigurationError{Field: field, Detail: "weights must sum to 1.0"}
	}
	return nil
}

// WeightsFor returns the scoring weights for a commodity, falling back to the
// global default.
func (c *MatchingConfig) WeightsFor(commodityID string) ScoringWeights {
	if cc, ok := c.Commodities[commodityID]; ok && cc.Weights != nil {
		return *cc.Weights
	}
	return c.DefaultWeights
}

// MinScoreFor returns the ranking threshold for a commodity.
func (c *MatchingConfig) MinScoreFor(commodityID string) float64 {
	if cc, ok := c.Commodities[commodityID]; ok && cc.MinScore != nil {
		return *cc.MinScore
	}
	return c.DefaultMinScore
}
