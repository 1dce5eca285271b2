// Package presence is the cross-process projection of who is connected
// where. It is the only shared state between server processes: a
// key-value store of per-connection presence records plus a pub/sub
// channel the event router uses for cross-process fan-out.
package presence

import (
	"context"
	"time"

	"github.com/covechat/cove/internal/models"
)

// Delivery is one message received from a subscribed channel.
type Delivery struct {
	Channel string
	Payload []byte
}

// Store abstracts the shared key-value/pub-sub system. Both
// implementations (Redis, in-memory) provide atomic single-key
// operations; no distributed locking is layered on top.
type Store interface {
	// SetConnection records a live connection for (websiteID, actorID).
	// Multiple connections per actor are allowed (multi-tab).
	SetConnection(ctx context.Context, websiteID, actorID, connID string, rec models.PresenceRecord, ttl time.Duration) error

	// RefreshConnection bumps the record's UpdatedAt and TTL. Called on
	// every heartbeat; a record that stops being refreshed goes stale
	// and readers treat it as offline.
	RefreshConnection(ctx context.Context, websiteID, actorID, connID string, ttl time.Duration) error

	// RemoveConnection drops one connection's record and reports how
	// many remain for the actor. The actor key is cleared only when the
	// last connection goes (decrement semantics, not blind delete).
	RemoveConnection(ctx context.Context, websiteID, actorID, connID string) (remaining int, err error)

	// Connections returns the actor's records no older than maxAge.
	Connections(ctx context.Context, websiteID, actorID string, maxAge time.Duration) ([]models.PresenceRecord, error)

	// IsOnline reports whether the actor has at least one fresh record.
	IsOnline(ctx context.Context, websiteID, actorID string, maxAge time.Duration) (bool, error)

	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe starts receiving messages for a channel pattern
	// (trailing-* glob). The returned func cancels the subscription.
	Subscribe(ctx context.Context, pattern string) (<-chan Delivery, func(), error)

	Close() error
}

// SiteChannel is the pub/sub channel for website-wide broadcasts.
func SiteChannel(websiteID string) string {
	return "rt:site:" + websiteID
}

// VisitorChannel is the pub/sub channel scoped to one visitor's
// connections across all processes.
func VisitorChannel(websiteID, visitorID string) string {
	return "rt:visitor:" + websiteID + ":" + visitorID
}

// EventPattern matches both channel families.
const EventPattern = "rt:*"

func presenceKey(websiteID, actorID string) string {
	return "presence:" + websiteID + ":" + actorID
}
