// Package trigger drives the matching pipeline: event-driven enqueueing
// with priority, micro-batched draining by a bounded worker pool, and a
// low-frequency safety sweep for postings the event path missed.
package trigger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agrilink/tradematch/internal/config"
	"github.com/agrilink/tradematch/internal/matching"
	"github.com/agrilink/tradematch/internal/matching/model"
	"github.com/agrilink/tradematch/internal/messaging"
)

// Priority orders match requests in the queue.
type Priority int

const (
	PriorityHigh Priority = iota // creation events
	PriorityLow                  // risk-unlock events and sweep re-enqueues
)

// MatchRequest is one queued unit of matching work.
type MatchRequest struct {
	PostingID  uuid.UUID
	Priority   Priority
	EnqueuedAt time.Time
}

// Dispatcher consumes posting events, queues match requests and drains them
// through a bounded worker pool with micro-batching.
type Dispatcher struct {
	engine   *matching.Engine
	demands  model.DemandRepository
	supplies model.SupplyRepository
	cfg      func() *config.MatchingConfig
	metrics  *matching.Metrics
	logger   *zap.Logger

	high chan MatchRequest
	low  chan MatchRequest

	wg     sync.WaitGroup
	cancel context.CancelFunc
	stopMu sync.Mutex
}

func NewDispatcher(engine *matching.Engine, demands model.DemandRepository, supplies model.SupplyRepository, cfg func() *config.MatchingConfig, metrics *matching.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		engine:   engine,
		demands:  demands,
		supplies: supplies,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		high:     make(chan MatchRequest, 4096),
		low:      make(chan MatchRequest, 4096),
	}
}

// Start launches the batcher, the worker pool and the safety sweep.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	cfg := d.cfg()
	batches := make(chan []MatchRequest, cfg.WorkerCount)

	d.wg.Add(1)
	go d.batchLoop(ctx, batches)

	for i := 0; i < cfg.WorkerCount; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, batches)
	}

	d.wg.Add(1)
	go d.sweepLoop(ctx)

	d.logger.Info("Trigger dispatcher started",
		zap.Int("workers", cfg.WorkerCount),
		zap.Duration("sweep_interval", cfg.SweepInterval))
}

// Stop cancels all loops and waits for in-flight work.
func (d *Dispatcher) Stop() {
	d.stopMu.Lock()
	defer d.stopMu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
}

// Enqueue adds a match request with the given priority.
func (d *Dispatcher) Enqueue(req MatchRequest) {
	req.EnqueuedAt = time.Now()

	queue := d.low
	if req.Priority == PriorityHigh {
		queue = d.high
	}
	select {
	case queue <- req:
		d.metrics.QueueDepth.Inc()
	default:
		d.logger.Warn("Trigger queue full, dropping request; safety sweep will recover it",
			zap.String("posting_id", req.PostingID.String()))
	}
}

// batchLoop collects requests into micro-batches: flush after the configured
// interval or batch size, whichever comes first. High-priority requests are
// always drained before low-priority ones.
func (d *Dispatcher) batchLoop(ctx context.Context, batches chan<- []MatchRequest) {
	defer d.wg.Done()
	defer close(batches)

	cfg := d.cfg()
	buffer := make([]MatchRequest, 0, cfg.BatchSize)
	seen := make(map[uuid.UUID]struct{}, cfg.BatchSize)
	timer := time.NewTimer(cfg.BatchFlush)
	defer timer.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		batch := make([]MatchRequest, len(buffer))
		copy(batch, buffer)
		select {
		case batches <- batch:
		case <-ctx.Done():
		}
		buffer = buffer[:0]
		seen = make(map[uuid.UUID]struct{}, cfg.BatchSize)
	}

	add := func(req MatchRequest) {
		d.metrics.QueueDepth.Dec()
		// A posting queued twice in one batch is matched once.
		if _, dup := seen[req.PostingID]; dup {
			return
		}
		seen[req.PostingID] = struct{}{}
		buffer = append(buffer, req)
		if len(buffer) >= cfg.BatchSize {
			flush()
			timer.Reset(cfg.BatchFlush)
		}
	}

	for {
		// Drain high priority first without blocking.
		select {
		case req := <-d.high:
			add(req)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			flush()
			return
		case req := <-d.high:
			add(req)
		case req := <-d.low:
			add(req)
		case <-timer.C:
			flush()
			timer.Reset(cfg.BatchFlush)
		}
	}
}

// workerLoop processes batches. Each request's pipeline run is independent;
// requests whose posting went terminal while queued are dropped here.
func (d *Dispatcher) workerLoop(ctx context.Context, batches <-chan []MatchRequest) {
	defer d.wg.Done()

	for batch := range batches {
		for _, req := range batch {
			if ctx.Err() != nil {
				return
			}
			if _, err := d.engine.FindMatches(ctx, req.PostingID, matching.FindOptions{}); err != nil {
				d.logger.Error("Match request failed",
					zap.String("posting_id", req.PostingID.String()),
					zap.Error(err))
			}
		}
	}
}

// sweepLoop re-enqueues active postings, demand or supply, whose
// last-matched timestamp is older than the sweep interval. It is a fallback
// for missed events, not the primary path; the duplicate suppressor prevents
// double work.
func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg().SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	cfg := d.cfg()
	cutoff := time.Now().Add(-cfg.SweepInterval)

	staleDemands, err := d.demands.FindStaleActiveDemands(ctx, cutoff, cfg.BatchSize)
	if err != nil {
		d.logger.Error("Safety sweep demand query failed", zap.Error(err))
		return
	}
	staleSupplies, err := d.supplies.FindStaleAvailableSupplies(ctx, cutoff, cfg.BatchSize)
	if err != nil {
		d.logger.Error("Safety sweep supply query failed", zap.Error(err))
		return
	}
	if len(staleDemands) == 0 && len(staleSupplies) == 0 {
		return
	}

	d.logger.Debug("Safety sweep re-enqueueing stale postings",
		zap.Int("demands", len(staleDemands)),
		zap.Int("supplies", len(staleSupplies)))
	for _, demand := range staleDemands {
		d.Enqueue(MatchRequest{PostingID: demand.ID, Priority: PriorityLow})
	}
	for _, supply := range staleSupplies {
		d.Enqueue(MatchRequest{PostingID: supply.ID, Priority: PriorityLow})
	}
}

// RegisterHandlers subscribes the dispatcher to the posting and risk-status
// events it reacts to.
func (d *Dispatcher) RegisterHandlers(bus *messaging.MessageBus) {
	bus.RegisterHandler(messaging.MsgDemandCreated, d.handlePostingEvent(PriorityHigh, nil))
	bus.RegisterHandler(messaging.MsgSupplyCreated, d.handlePostingEvent(PriorityHigh, nil))
	bus.RegisterHandler(messaging.MsgDemandUpdated, d.handlePostingEvent(PriorityHigh, matchRelevantFields))
	bus.RegisterHandler(messaging.MsgSupplyUpdated, d.handlePostingEvent(PriorityHigh, matchRelevantFields))
	bus.RegisterHandler(messaging.MsgRiskStatusChanged, d.handleRiskStatusEvent)
}

// matchRelevantFields are the update fields that invalidate cached matches
// and warrant a re-run.
var matchRelevantFields = map[string]struct{}{
	"delivery_region":    {},
	"accepted_regions":   {},
	"max_distance_km":    {},
	"quantity":           {},
	"quality_tolerances": {},
	"quality_values":     {},
	"unit_price":         {},
	"max_unit_budget":    {},
}

func (d *Dispatcher) handlePostingEvent(priority Priority, relevantFields map[string]struct{}) messaging.MessageHandler {
	return func(ctx context.Context, msg *messaging.ReceivedMessage) error {
		var event messaging.PostingEventMessage
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return err
		}

		if relevantFields != nil {
			relevant := false
			for _, field := range event.ChangedFields {
				if _, ok := relevantFields[field]; ok {
					relevant = true
					break
				}
			}
			if !relevant {
				return nil
			}
		}

		d.Enqueue(MatchRequest{PostingID: event.PostingID, Priority: priority})
		return nil
	}
}

// handleRiskStatusEvent re-triggers matching only on a FAIL to PASS
// transition.
func (d *Dispatcher) handleRiskStatusEvent(ctx context.Context, msg *messaging.ReceivedMessage) error {
	var event messaging.RiskStatusMessage
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return err
	}
	if event.OldStatus != model.ComplianceStatusFail || event.NewStatus != model.ComplianceStatusPass {
		return nil
	}

	d.Enqueue(MatchRequest{PostingID: event.EntityID, Priority: PriorityLow})
	return nil
}
