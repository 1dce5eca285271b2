package models

import (
	"encoding/json"
	"time"
)

// Event types delivered over the realtime socket. The filter switches
// on these exhaustively; unrecognized types are never shown to
// visitors so a new kind cannot silently bypass the privacy check.
const (
	EventConnectionEstablished = "CONNECTION_ESTABLISHED"
	EventUserConnected         = "USER_CONNECTED"
	EventUserDisconnected      = "USER_DISCONNECTED"
	EventVisitorConnected      = "VISITOR_CONNECTED"
	EventVisitorDisconnected   = "VISITOR_DISCONNECTED"
	EventMessageCreated        = "MESSAGE_CREATED"
	EventTimelineItemCreated   = "TIMELINE_ITEM_CREATED"
	EventTimelineItemUpdated   = "TIMELINE_ITEM_UPDATED"
	EventTyping                = "TYPING"
	EventTrainingProgress      = "TRAINING_PROGRESS"
)

// Error codes returned in structured error frames.
const (
	CodeAuthFailed             = "AUTH_FAILED"
	CodeIdentificationRequired = "IDENTIFICATION_REQUIRED"
	CodeInvalidMessageFormat   = "INVALID_MESSAGE_FORMAT"
	CodeServerError            = "SERVER_ERROR"
)

// EventPayload carries the per-kind data of an Event. WebsiteID and
// OrganizationID are always present; the optional fields identify the
// target visitor either directly (VisitorID) or nested (Message,
// Item). Broadcast-style events (training progress) carry neither.
type EventPayload struct {
	WebsiteID      string          `json:"website_id"`
	OrganizationID string          `json:"organization_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	VisitorID      string          `json:"visitor_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	ConnectionID   string          `json:"connection_id,omitempty"`
	Message        *Message        `json:"message,omitempty"`
	Item           *TimelineItem   `json:"item,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Event is a realtime frame pushed to connected clients. Events are
// immutable, fire-and-forget, and never persisted; clients refetch
// durable state when they need the truth.
type Event struct {
	Type      string       `json:"type"`
	Payload   EventPayload `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewEvent stamps the event with the current time.
func NewEvent(eventType string, payload EventPayload) Event {
	return Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}
}

// TargetVisitorID resolves the event's visitor affinity: a direct
// payload visitor id first, then a nested item's. Empty means the
// event has no visitor affinity and broadcasts website-wide.
func (e Event) TargetVisitorID() string {
	if e.Payload.VisitorID != "" {
		return e.Payload.VisitorID
	}
	if e.Payload.Message != nil && e.Payload.Message.VisitorID != "" {
		return e.Payload.Message.VisitorID
	}
	if e.Payload.Item != nil && e.Payload.Item.VisitorID != "" {
		return e.Payload.Item.VisitorID
	}
	return ""
}

// ErrorFrame is the structured error sent back on a socket. Identity
// errors close the connection; protocol errors leave it open.
type ErrorFrame struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
