package messaging

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrilink/tradematch/internal/matching/model"
)

// MessageType defines the type of message being sent
type MessageType string

const (
	// Posting events consumed by the trigger dispatcher
	MsgDemandCreated MessageType = "demand.created"
	MsgDemandUpdated MessageType = "demand.updated"
	MsgSupplyCreated MessageType = "supply.created"
	MsgSupplyUpdated MessageType = "supply.updated"

	// Risk status transitions; only FAIL -> PASS re-triggers matching
	MsgRiskStatusChanged MessageType = "risk_status.changed"

	// Match pipeline outcomes
	MsgMatchFound    MessageType = "match.found"
	MsgMatchRejected MessageType = "match.rejected"

	// Allocation outcomes
	MsgAllocationCompleted MessageType = "allocation.completed"

	// Notification events
	MsgUserNotification MessageType = "notification.user"
)

// Topic represents a Kafka topic
type Topic string

const (
	TopicPostings      Topic = "tradematch.postings"
	TopicRiskStatus    Topic = "tradematch.risk-status"
	TopicMatches       Topic = "tradematch.matches"
	TopicAllocations   Topic = "tradematch.allocations"
	TopicNotifications Topic = "tradematch.notifications"
)

// GetTopic maps a message type to its topic.
func GetTopic(msgType MessageType) Topic {
	switch msgType {
	case MsgDemandCreated, MsgDemandUpdated, MsgSupplyCreated, MsgSupplyUpdated:
		return TopicPostings
	case MsgRiskStatusChanged:
		return TopicRiskStatus
	case MsgMatchFound, MsgMatchRejected:
		return TopicMatches
	case MsgAllocationCompleted:
		return TopicAllocations
	case MsgUserNotification:
		return TopicNotifications
	}
	return TopicPostings
}

// BaseMessage contains common fields for all messages
type BaseMessage struct {
	MessageID     string      `json:"message_id"`
	Type          MessageType `json:"type"`
	Timestamp     time.Time   `json:"timestamp"`
	Version       string      `json:"version"`
	Source        string      `json:"source"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// NewBaseMessage creates a base message with generated ID and timestamp.
func NewBaseMessage(msgType MessageType, source, correlationID string) BaseMessage {
	return BaseMessage{
		MessageID:     uuid.NewString(),
		Type:          msgType,
		Timestamp:     time.Now().UTC(),
		Version:       "1",
		Source:        source,
		CorrelationID: correlationID,
	}
}

// PostingEventMessage covers demand/supply creation and update events.
// ChangedFields is set only on updates; the dispatcher re-triggers matching
// only when location, quantity or quality fields changed.
type PostingEventMessage struct {
	BaseMessage
	PostingID     uuid.UUID `json:"posting_id"`
	CommodityID   string    `json:"commodity_id"`
	OwnerID       uuid.UUID `json:"owner_id"`
	ChangedFields []string  `json:"changed_fields,omitempty"`
}

// RiskStatusMessage reports a party's risk status transition.
type RiskStatusMessage struct {
	BaseMessage
	EntityID  uuid.UUID `json:"entity_id"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
}

// MatchFoundMessage is published for each accepted match candidate.
type MatchFoundMessage struct {
	BaseMessage
	DemandID  uuid.UUID            `json:"demand_id"`
	SupplyID  uuid.UUID            `json:"supply_id"`
	Score     float64              `json:"score"`
	Breakdown model.ScoreBreakdown `json:"breakdown"`
}

// MatchRejectedMessage is published when compliance blocks a pair.
type MatchRejectedMessage struct {
	BaseMessage
	DemandID uuid.UUID `json:"demand_id"`
	SupplyID uuid.UUID `json:"supply_id"`
	RuleCode string    `json:"rule_code"`
	Reason   string    `json:"reason"`
}

// AllocationCompletedMessage is published after a successful allocation.
type AllocationCompletedMessage struct {
	BaseMessage
	SupplyID          uuid.UUID       `json:"supply_id"`
	DemandID          uuid.UUID       `json:"demand_id"`
	AllocatedQuantity decimal.Decimal `json:"allocated_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	AllocationType    string          `json:"allocation_type"`
}

// NotificationMessage is an outbound alert to one recipient.
type NotificationMessage struct {
	BaseMessage
	UserID   uuid.UUID `json:"user_id"`
	Channel  string    `json:"channel"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	DemandID uuid.UUID `json:"demand_id,omitempty"`
	SupplyID uuid.UUID `json:"supply_id,omitempty"`
}
