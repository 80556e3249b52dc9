package notify

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agrilink/tradematch/internal/config"
	"github.com/agrilink/tradematch/internal/matching/model"
	"github.com/agrilink/tradematch/internal/messaging"
)

type gatewayFixture struct {
	gateway *Gateway
	prefs   *StaticPreferenceStore
	limits  *MemoryRateLimitStore
	broker  *messaging.MemoryBroker
}

func newGatewayFixture(t *testing.T, cfg config.MatchingConfig) *gatewayFixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	cfgFn := func() *config.MatchingConfig { return &cfg }
	prefs := NewStaticPreferenceStore()
	limits := NewMemoryRateLimitStore()
	broker := messaging.NewMemoryBroker()
	bus := messaging.NewMessageBus(broker, broker, log)
	return &gatewayFixture{
		gateway: NewGateway(prefs, limits, bus, cfgFn, log),
		prefs:   prefs,
		limits:  limits,
		broker:  broker,
	}
}

func candidates(n int) []*model.MatchCandidate {
	out := make([]*model.MatchCandidate, n)
	for i := range out {
		out[i] = &model.MatchCandidate{
			Demand: &model.Demand{ID: uuid.New(), CommodityID: "WHEAT"},
			Supply: &model.Supply{ID: uuid.New()},
			Score:  0.9 - float64(i)*0.01,
		}
	}
	return out
}

func TestNotifyMatchesPublishesPerCandidate(t *testing.T) {
	f := newGatewayFixture(t, config.DefaultMatchingConfig())
	recipient := uuid.New()

	f.gateway.NotifyMatches(context.Background(), recipient, candidates(3))

	events := f.broker.PublishedOfType(messaging.MsgUserNotification)
	assert.Len(t, events, 3)
}

func TestNotifyMatchesHonorsOptOut(t *testing.T) {
	f := newGatewayFixture(t, config.DefaultMatchingConfig())
	recipient := uuid.New()
	f.prefs.Put(&Preferences{UserID: recipient, OptedOut: true, Channels: []string{"in_app"}})

	f.gateway.NotifyMatches(context.Background(), recipient, candidates(2))
	assert.Empty(t, f.broker.Published())
}

func TestNotifyMatchesCapsAtTopN(t *testing.T) {
	cfg := config.DefaultMatchingConfig()
	cfg.NotifyCap = 5
	f := newGatewayFixture(t, cfg)
	recipient := uuid.New()

	f.gateway.NotifyMatches(context.Background(), recipient, candidates(9))
	assert.Len(t, f.broker.PublishedOfType(messaging.MsgUserNotification), 5)
}

func TestNotifyMatchesPerUserCapOverride(t *testing.T) {
	f := newGatewayFixture(t, config.DefaultMatchingConfig())
	recipient := uuid.New()
	f.prefs.Put(&Preferences{UserID: recipient, Channels: []string{"in_app"}, MatchCap: 2})

	f.gateway.NotifyMatches(context.Background(), recipient, candidates(4))
	assert.Len(t, f.broker.PublishedOfType(messaging.MsgUserNotification), 2)
}

func TestNotifyMatchesRateLimited(t *testing.T) {
	f := newGatewayFixture(t, config.DefaultMatchingConfig())
	recipient := uuid.New()

	f.gateway.NotifyMatches(context.Background(), recipient, candidates(1))
	require.Len(t, f.broker.PublishedOfType(messaging.MsgUserNotification), 1)

	// Inside the window a second batch is dropped entirely.
	f.gateway.NotifyMatches(context.Background(), recipient, candidates(1))
	assert.Len(t, f.broker.PublishedOfType(messaging.MsgUserNotification), 1)

	// Another recipient is unaffected.
	f.gateway.NotifyMatches(context.Background(), uuid.New(), candidates(1))
	assert.Len(t, f.broker.PublishedOfType(messaging.MsgUserNotification), 2)
}

func TestNotifyMatchesFansOutPerChannel(t *testing.T) {
	f := newGatewayFixture(t, config.DefaultMatchingConfig())
	recipient := uuid.New()
	f.prefs.Put(&Preferences{UserID: recipient, Channels: []string{"in_app", "email"}})

	f.gateway.NotifyMatches(context.Background(), recipient, candidates(2))
	assert.Len(t, f.broker.PublishedOfType(messaging.MsgUserNotification), 4)
}

func TestMemoryRateLimitStoreWindow(t *testing.T) {
	store := NewMemoryRateLimitStore()
	user := uuid.New()
	ctx := context.Background()

	ok, err := store.Acquire(ctx, user, 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Acquire(ctx, user, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(30 * time.Millisecond)
	ok, err = store.Acquire(ctx, user, 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}
