package models

import "time"

// Visibility controls which audience may observe a timeline item.
// Staff (dashboard) consumers see everything scoped to their website;
// visitor (widget) consumers only ever see public items.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// TimelineItemKind discriminates what a timeline item records.
type TimelineItemKind string

const (
	ItemKindMessage TimelineItemKind = "message"
	ItemKindNote    TimelineItemKind = "note"
	ItemKindTool    TimelineItemKind = "tool"
)

// Connection is one physical websocket session. Exactly one of UserID
// or VisitorID is set after the handshake completes. Connections are
// ephemeral; the presence store holds the cross-process projection.
type Connection struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id,omitempty"`
	VisitorID       string    `json:"visitor_id,omitempty"`
	WebsiteID       string    `json:"website_id"`
	OrganizationID  string    `json:"organization_id"`
	ServerID        string    `json:"server_id"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// ActorID returns whichever identity the connection carries.
func (c *Connection) ActorID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.VisitorID
}

// IsVisitor reports whether the connection belongs to a widget consumer.
func (c *Connection) IsVisitor() bool {
	return c.VisitorID != ""
}

// PresenceStatus is the online/offline projection of an actor.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is the cross-process projection of a Connection,
// keyed by (websiteID, actorID) in the presence store.
type PresenceRecord struct {
	ServerID     string         `json:"server_id"`
	ConnectionID string         `json:"connection_id"`
	Status       PresenceStatus `json:"status"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Message is a persisted conversation message. The realtime event
// payload mirrors these fields; the row remains the source of truth.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	WebsiteID      string    `json:"website_id"`
	OrganizationID string    `json:"organization_id"`
	VisitorID      string    `json:"visitor_id,omitempty"`
	AuthorKind     string    `json:"author_kind"` // visitor, user, assistant
	AuthorID       string    `json:"author_id,omitempty"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// TimelineItem is a persisted conversation timeline entry. Tool items
// carry an extra ToolVisibility classification and are hidden from
// visitors unless explicitly public.
type TimelineItem struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	WebsiteID      string           `json:"website_id"`
	OrganizationID string           `json:"organization_id"`
	VisitorID      string           `json:"visitor_id,omitempty"`
	Kind           TimelineItemKind `json:"kind"`
	Visibility     Visibility       `json:"visibility"`
	ToolVisibility Visibility       `json:"tool_visibility,omitempty"`
	Body           string           `json:"body"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// JobState is the durable queue's per-job state machine.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobDelayed   JobState = "delayed"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	// JobUnknown is reported for missing jobs and unrecognized states.
	JobUnknown JobState = "unknown"
)

// Terminal reports whether a job in this state is finished work.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// AgentJobData is the payload of an agent-reply job. WorkflowRunID is
// stamped per enqueue; in-flight work compares it against the
// conversation's latest run id to detect supersession before emitting.
type AgentJobData struct {
	ConversationID string `json:"conversation_id"`
	WebsiteID      string `json:"website_id"`
	OrganizationID string `json:"organization_id"`
	VisitorID      string `json:"visitor_id"`
	WorkflowRunID  string `json:"workflow_run_id"`
}
