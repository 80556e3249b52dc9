package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// MessageBus coordinates message publishing and consumption across the
// matching engine's collaborators.
type MessageBus struct {
	producer Producer
	consumer Consumer
	logger   *zap.Logger
	handlers map[MessageType][]MessageHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewMessageBus creates a new message bus instance
func NewMessageBus(producer Producer, consumer Consumer, logger *zap.Logger) *MessageBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &MessageBus{
		producer: producer,
		consumer: consumer,
		logger:   logger,
		handlers: make(map[MessageType][]MessageHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// PublishMatchFound publishes an accepted match candidate.
func (mb *MessageBus) PublishMatchFound(ctx context.Context, event *MatchFoundMessage) error {
	mb.logger.Debug("Publishing match found",
		zap.String("demand_id", event.DemandID.String()),
		zap.String("supply_id", event.SupplyID.String()),
		zap.Float64("score", event.Score))
	key := fmt.Sprintf("%s:%s", event.DemandID, event.SupplyID)
	return mb.producer.Publish(ctx, GetTopic(event.Type), key, event)
}

// PublishMatchRejected publishes a compliance rejection.
func (mb *MessageBus) PublishMatchRejected(ctx context.Context, event *MatchRejectedMessage) error {
	mb.logger.Debug("Publishing match rejected",
		zap.String("demand_id", event.DemandID.String()),
		zap.String("supply_id", event.SupplyID.String()),
		zap.String("rule_code", event.RuleCode))
	key := fmt.Sprintf("%s:%s", event.DemandID, event.SupplyID)
	return mb.producer.Publish(ctx, GetTopic(event.Type), key, event)
}

// PublishAllocationCompleted publishes a successful allocation.
func (mb *MessageBus) PublishAllocationCompleted(ctx context.Context, event *AllocationCompletedMessage) error {
	mb.logger.Debug("Publishing allocation completed",
		zap.String("supply_id", event.SupplyID.String()),
		zap.String("allocated", event.AllocatedQuantity.String()),
		zap.String("type", event.AllocationType))
	return mb.producer.Publish(ctx, GetTopic(event.Type), event.SupplyID.String(), event)
}

// PublishNotification publishes an outbound user notification.
func (mb *MessageBus) PublishNotification(ctx context.Context, event *NotificationMessage) error {
	mb.logger.Debug("Publishing notification",
		zap.String("user_id", event.UserID.String()),
		zap.String("channel", event.Channel))
	return mb.producer.Publish(ctx, GetTopic(event.Type), event.UserID.String(), event)
}

// RegisterHandler registers a message handler for a specific message type
func (mb *MessageBus) RegisterHandler(msgType MessageType, handler MessageHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.handlers[msgType] = append(mb.handlers[msgType], handler)

	mb.logger.Info("Registered message handler", zap.String("type", string(msgType)))
}

// StartConsumers starts consuming messages for all registered handlers
func (mb *MessageBus) StartConsumers(groupID string) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	if len(mb.handlers) == 0 {
		mb.logger.Warn("No message handlers registered")
		return nil
	}

	topicSet := make(map[Topic]bool)
	for msgType := range mb.handlers {
		topicSet[GetTopic(msgType)] = true
	}

	topics := make([]Topic, 0, len(topicSet))
	for topic := range topicSet {
		topics = append(topics, topic)
	}

	mb.logger.Info("Starting message consumers",
		zap.String("group_id", groupID),
		zap.Int("topic_count", len(topics)),
		zap.Int("handler_count", len(mb.handlers)))

	return mb.consumer.Subscribe(mb.ctx, topics, groupID, mb.handleMessage)
}

// handleMessage routes incoming messages to the handlers registered for
// their type.
func (mb *MessageBus) handleMessage(ctx context.Context, msg *ReceivedMessage) error {
	var baseMsg BaseMessage
	if err := json.Unmarshal(msg.Value, &baseMsg); err != nil {
		mb.logger.Error("Failed to parse message",
			zap.Error(err),
			zap.String("topic", msg.Topic))
		return err
	}

	mb.mu.RLock()
	handlers, exists := mb.handlers[baseMsg.Type]
	mb.mu.RUnlock()

	if !exists {
		mb.logger.Debug("No handlers registered for message type",
			zap.String("type", string(baseMsg.Type)))
		return nil
	}

	var lastErr error
	for _, handler := range handlers {
		if err := handler(ctx, msg); err != nil {
			lastErr = err
			mb.logger.Error("Message handler failed",
				zap.Error(err),
				zap.String("type", string(baseMsg.Type)),
				zap.String("topic", msg.Topic))
		}
	}
	return lastErr
}

// Stop gracefully stops the message bus
func (mb *MessageBus) Stop() error {
	mb.logger.Info("Stopping message bus")

	mb.cancel()

	var producerErr, consumerErr error
	if mb.producer != nil {
		producerErr = mb.producer.Close()
	}
	if mb.consumer != nil {
		consumerErr = mb.consumer.Close()
	}

	if producerErr != nil {
		return producerErr
	}
	return consumerErr
}
