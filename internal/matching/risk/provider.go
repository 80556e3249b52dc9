// Package risk implements the Tier-2 hybrid risk scorer: a deterministic
// rule component combined with an optional learned-model signal.
package risk

import (
	"context"

	"github.com/google/uuid"
)

// Signal is one provider's bounded risk estimate for a counterparty pair.
// Value 1.0 means lowest risk.
type Signal struct {
	Value      float64
	Confidence float64
}

// SignalProvider is the capability interface for risk signal sources. The
// rule provider is always available; the learned-model provider is optional
// and may fail, which the scorer recovers from locally.
type SignalProvider interface {
	Score(ctx context.Context, demandOwner, supplyOwner uuid.UUID, commodityID string) (Signal, error)
	Name() string
}
