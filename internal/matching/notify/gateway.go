// Package notify fans out match alerts with per-recipient preferences,
// rate limiting and a top-N cap.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agrilink/tradematch/internal/config"
	"github.com/agrilink/tradematch/internal/matching/model"
	"github.com/agrilink/tradematch/internal/messaging"
)

// Preferences are a recipient's stored channel settings.
type Preferences struct {
	UserID   uuid.UUID `json:"user_id"`
	OptedOut bool      `json:"opted_out"`
	Channels []string  `json:"channels"`
	MatchCap int       `json:"match_cap"` // zero means the global default
}

// PreferenceStore resolves recipient preferences.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID uuid.UUID) (*Preferences, error)
}

// RateLimitStore is the injectable last-notified store. Acquire returns
// true when the recipient may be notified and atomically claims the slot
// for the window, so multiple engine instances share the limit.
type RateLimitStore interface {
	Acquire(ctx context.Context, userID uuid.UUID, window time.Duration) (bool, error)
}

// Gateway selects, filters and dispatches match notifications without
// blocking the scoring pipeline.
type Gateway struct {
	prefs  PreferenceStore
	limits RateLimitStore
	bus    *messaging.MessageBus
	cfg    func() *config.MatchingConfig
	logger *zap.Logger
}

func NewGateway(prefs PreferenceStore, limits RateLimitStore, bus *messaging.MessageBus, cfg func() *config.MatchingConfig, logger *zap.Logger) *Gateway {
	return &Gateway{prefs: prefs, limits: limits, bus: bus, cfg: cfg, logger: logger}
}

// NotifyMatches dispatches alerts for a ranked candidate list to the demand
// owner. At most the recipient's cap (default from config) are sent; opted
// out or rate-limited recipients are skipped. Errors are logged, never
// propagated into the pipeline.
func (g *Gateway) NotifyMatches(ctx context.Context, recipient uuid.UUID, ranked []*model.MatchCandidate) {
	cfg := g.cfg()

	prefs, err := g.prefs.GetPreferences(ctx, recipient)
	if err != nil {
		g.logger.Warn("Preference lookup failed, skipping notification",
			zap.String("user_id", recipient.String()),
			zap.Error(err))
		return
	}
	if prefs.OptedOut || len(prefs.Channels) == 0 {
		return
	}

	cap := cfg.NotifyCap
	if prefs.MatchCap > 0 {
		cap = prefs.MatchCap
	}
	if len(ranked) > cap {
		ranked = ranked[:cap]
	}
	if len(ranked) == 0 {
		return
	}

	allowed, err := g.limits.Acquire(ctx, recipient, cfg.NotifyRateLimit)
	if err != nil {
		g.logger.Warn("Rate limit store failed, skipping notification",
			zap.String("user_id", recipient.String()),
			zap.Error(err))
		return
	}
	if !allowed {
		g.logger.Debug("Recipient rate-limited",
			zap.String("user_id", recipient.String()))
		return
	}

	for _, candidate := range ranked {
		for _, channel := range prefs.Channels {
			event := &messaging.NotificationMessage{
				BaseMessage: messaging.NewBaseMessage(messaging.MsgUserNotification, "notification-gateway", ""),
				UserID:      recipient,
				Channel:     channel,
				Subject:     fmt.Sprintf("New match for %s", candidate.Demand.CommodityID),
				Body: fmt.Sprintf("A supply scored %.2f against your requirement (quality %.2f, price %.2f).",
					candidate.Score, candidate.Breakdown.Quality, candidate.Breakdown.Price),
				DemandID: candidate.Demand.ID,
				SupplyID: candidate.Supply.ID,
			}
			if err := g.bus.PublishNotification(ctx, event); err != nil {
				g.logger.Error("Failed to publish notification",
					zap.String("user_id", recipient.String()),
					zap.Error(err))
			}
		}
	}
}
