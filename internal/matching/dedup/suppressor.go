// Package dedup suppresses repeat matches between the same counterpart pair
// inside a rolling time window.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agrilink/tradematch/internal/config"
	"github.com/agrilink/tradematch/internal/matching/model"
)

// Fingerprint is the stored snapshot of a previously accepted match.
type Fingerprint struct {
	QualityValues map[string]model.QualityValue `json:"quality_values"`
	AcceptedAt    time.Time                     `json:"accepted_at"`
}

// RecentMatchStore is the injectable keyed store for cross-process duplicate
// detection. Entries expire after the configured window.
type RecentMatchStore interface {
	Get(ctx context.Context, key string) (*Fingerprint, error)
	Put(ctx context.Context, key string, fp *Fingerprint, ttl time.Duration) error
}

// Suppressor combines a per-batch in-process recent set with the shared
// store. Within one scoring batch the in-process set is authoritative; the
// store covers cross-batch and cross-process repeats.
type Suppressor struct {
	store  RecentMatchStore
	cfg    func() *config.MatchingConfig
	logger *zap.Logger

	batchSeen map[string]struct{}
	mu        sync.Mutex
}

func NewSuppressor(store RecentMatchStore, cfg func() *config.MatchingConfig, logger *zap.Logger) *Suppressor {
	return &Suppressor{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		batchSeen: make(map[string]struct{}),
	}
}

// Key derives the duplicate-detection key for a candidate pair.
func Key(commodityID string, demandOwner, supplyOwner fmt.Stringer) string {
	return fmt.Sprintf("%s:%s:%s", commodityID, demandOwner, supplyOwner)
}

// ResetBatch clears the in-process recent set. Called at the start of each
// scoring batch.
func (s *Suppressor) ResetBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchSeen = make(map[string]struct{})
}

// IsDuplicate reports whether an equivalent candidate was already accepted
// within the window with at least the configured quality similarity.
func (s *Suppressor) IsDuplicate(ctx context.Context, candidate *model.MatchCandidate) (bool, error) {
	cfg := s.cfg()
	key := candidate.DuplicateKey

	s.mu.Lock()
	_, seen := s.batchSeen[key]
	s.mu.Unlock()
	if seen {
		return true, nil
	}

	fp, err := s.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("dedup store read: %w", err)
	}
	if fp == nil {
		return false, nil
	}
	if time.Since(fp.AcceptedAt) > cfg.DedupWindow {
		return false, nil
	}

	sim := Similarity(fp.QualityValues, candidate.Supply.QualityValues)
	if sim >= cfg.DedupSimilarity {
		s.logger.Debug("Suppressing duplicate match",
			zap.String("key", key),
			zap.Float64("similarity", sim))
		return true, nil
	}
	return false, nil
}

// Accept records a candidate so later attempts inside the window are
// suppressed.
func (s *Suppressor) Accept(ctx context.Context, candidate *model.MatchCandidate) error {
	cfg := s.cfg()
	key := candidate.DuplicateKey

	s.mu.Lock()
	s.batchSeen[key] = struct{}{}
	s.mu.Unlock()

	fp := &Fingerprint{
		QualityValues: candidate.Supply.QualityValues,
		AcceptedAt:    time.Now(),
	}
	if err := s.store.Put(ctx, key, fp, cfg.DedupWindow); err != nil {
		return fmt.Errorf("dedup store write: %w", err)
	}
	return nil
}

// Similarity compares two quality-value maps on the union of their
// parameters: numeric parameters by normalized distance, labels by equality.
// A parameter missing on either side counts as fully dissimilar.
func Similarity(a, b map[string]model.QualityValue) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}

	union := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		union[k] = struct{}{}
	}
	for k := range b {
		union[k] = struct{}{}
	}

	var total float64
	for k := range union {
		va, okA := a[k]
		vb, okB := b[k]
		if !okA || !okB {
			continue
		}
		total += valueSimilarity(va, vb)
	}
	return total / float64(len(union))
}

func valueSimilarity(a, b model.QualityValue) float64 {
	if a.Label != "" || b.Label != "" {
		if a.Label == b.Label {
			return 1.0
		}
		return 0
	}
	if a.Numeric.Equal(b.Numeric) {
		return 1.0
	}
	larger := decimal.Max(a.Numeric.Abs(), b.Numeric.Abs())
	if larger.IsZero() {
		return 1.0
	}
	diff, _ := a.Numeric.Sub(b.Numeric).Abs().Div(larger).Float64()
	if diff > 1 {
		diff = 1
	}
	return 1 - diff
}
