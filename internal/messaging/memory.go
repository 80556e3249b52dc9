package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryBroker is an in-process Producer/Consumer pair for tests and local
// development. Published messages are delivered synchronously to the
// subscribed handler.
type MemoryBroker struct {
	handler   MessageHandler
	handlerMu sync.RWMutex
	published []ReceivedMessage
	mu        sync.Mutex
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic Topic, key string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	msg := ReceivedMessage{
		Topic:     string(topic),
		Key:       key,
		Value:     data,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	b.published = append(b.published, msg)
	b.mu.Unlock()

	b.handlerMu.RLock()
	handler := b.handler
	b.handlerMu.RUnlock()
	if handler != nil {
		return handler(ctx, &msg)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topics []Topic, groupID string, handler MessageHandler) error {
	b.handlerMu.Lock()
	b.handler = handler
	b.handlerMu.Unlock()
	return nil
}

// Published returns a copy of everything published so far.
func (b *MemoryBroker) Published() []ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ReceivedMessage, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedOfType decodes and returns published messages of one type.
func (b *MemoryBroker) PublishedOfType(msgType MessageType) []ReceivedMessage {
	var out []ReceivedMessage
	for _, msg := range b.Published() {
		var base BaseMessage
		if err := json.Unmarshal(msg.Value, &base); err != nil {
			continue
		}
		if base.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (b *MemoryBroker) Close() error { return nil }
