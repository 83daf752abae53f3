package models

import "time"

// Event names published on the transport.
const (
	EventMessage        = "message"
	EventMessageOrdered = "message:ordered"
	EventStatusUpdate   = "status-update"
	EventPresence       = "presence"
	EventTyping         = "typing"
	EventProbe          = "probe"
	EventProbeAck       = "probe:ack"
)

// Inbound client events consumed by the Service.
const (
	ClientDelivered = "client.delivered"
	ClientRead      = "client.read"
	ClientTyping    = "client.typing"
	ClientActivity  = "client.activity"
	ClientQuality   = "client.quality"
)

// StatusUpdate is emitted whenever a recipient's delivery status changes.
type StatusUpdate struct {
	MessageID      string            `json:"messageId"`
	ConversationID string            `json:"conversationId"`
	UserID         string            `json:"userId"`
	Status         string            `json:"status"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Update types carried by PresenceEvent.
const (
	UpdateJoin     = "join"
	UpdateLeave    = "leave"
	UpdateActivity = "activity"
	UpdateAway     = "away"
	UpdateTyping   = "typing"
	UpdateQuality  = "quality"
)

// PresenceEvent describes one presence or typing transition. For typing
// events the states are "typing" and "idle".
type PresenceEvent struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	PreviousState  string    `json:"previousState"`
	NewState       string    `json:"newState"`
	Timestamp      time.Time `json:"timestamp"`
	UpdateType     string    `json:"updateType"`
}

// ClientReceipt is the payload of client.delivered and client.read.
type ClientReceipt struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	// LatencyMS is the client-observed delivery latency, if measured.
	LatencyMS float64 `json:"latencyMs,omitempty"`
}

// ClientSignal is the payload of client.typing and client.activity.
type ClientSignal struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	// Typing is false for an explicit stop.
	Typing bool `json:"typing,omitempty"`
}

// ClientQualitySample is the payload of client.quality.
type ClientQualitySample struct {
	UserID      string  `json:"userId"`
	LatencyMS   float64 `json:"latencyMs"`
	Reliability float64 `json:"reliability"`
	PacketLoss  float64 `json:"packetLoss"`
}

// Probe is published on a user's probe channel and echoed back by the client.
type Probe struct {
	ProbeID string    `json:"probeId"`
	UserID  string    `json:"userId"`
	SentAt  time.Time `json:"sentAt"`
}

// EventDelivery carries a message addressed to one recipient.
const EventDelivery = "message:delivery"

// Delivery is the payload of a direct per-recipient publish.
type Delivery struct {
	RecipientID string `json:"recipientId"`
	Message
}
