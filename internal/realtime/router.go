package realtime

import (
	"context"
	"encoding/json"

	"github.com/covechat/cove/internal/logger"
	"github.com/covechat/cove/internal/models"
	"github.com/covechat/cove/internal/presence"
)

// LocalDeliverer pushes events to connections owned by this process.
// The hub implements it; tests substitute fakes.
type LocalDeliverer interface {
	// SendToConnection delivers to one local connection, reporting
	// whether the connection was found here.
	SendToConnection(connectionID string, event models.Event) bool
	// SendToVisitor delivers to every local connection of one visitor.
	SendToVisitor(websiteID, visitorID string, event models.Event)
	// SendToWebsite delivers to every local connection scoped to the
	// website, filtered per recipient.
	SendToWebsite(websiteID string, event models.Event)
}

// RouteOptions select the delivery targets for one event.
type RouteOptions struct {
	// TargetConnectionID is the low-latency echo path: deliver straight
	// to the connection that caused the change, when it lives here.
	TargetConnectionID string
	// TargetVisitorID fans out to all of one visitor's connections,
	// local and remote.
	TargetVisitorID string
	WebsiteID       string
	OrganizationID  string
}

// envelope is the cross-process wire form of a routed event. Origin
// lets a process skip its own publishes when they come back around.
type envelope struct {
	Origin          string       `json:"origin"`
	TargetVisitorID string       `json:"target_visitor_id,omitempty"`
	Event           models.Event `json:"event"`
}

// Router resolves delivery targets for realtime events and performs
// the send: local sockets directly, remote ones via the presence
// store's pub/sub channel. Delivery is best-effort and at-most-once
// per connection per publish; failures are logged, never escalated.
type Router struct {
	serverID string
	local    LocalDeliverer
	store    presence.Store
	cancel   func()
}

func NewRouter(serverID string, local LocalDeliverer, store presence.Store) *Router {
	return &Router{serverID: serverID, local: local, store: store}
}

// Route delivers an event per the options, in target precedence:
// specific connection, visitor fan-out, website broadcast.
func (r *Router) Route(ctx context.Context, event models.Event, opts RouteOptions) {
	if opts.TargetConnectionID != "" {
		if r.local.SendToConnection(opts.TargetConnectionID, event) {
			return
		}
		// Not local; fall through so the owning process picks it up.
	}

	if opts.TargetVisitorID != "" {
		r.local.SendToVisitor(opts.WebsiteID, opts.TargetVisitorID, event)
		r.publish(ctx, presence.VisitorChannel(opts.WebsiteID, opts.TargetVisitorID), event, opts.TargetVisitorID)
		return
	}

	r.local.SendToWebsite(opts.WebsiteID, event)
	r.publish(ctx, presence.SiteChannel(opts.WebsiteID), event, "")
}

func (r *Router) publish(ctx context.Context, channel string, event models.Event, targetVisitorID string) {
	data, err := json.Marshal(envelope{
		Origin:          r.serverID,
		TargetVisitorID: targetVisitorID,
		Event:           event,
	})
	if err != nil {
		logger.Error("Failed to marshal event envelope: %v", err)
		return
	}
	if err := r.store.Publish(ctx, channel, data); err != nil {
		// Realtime is a convenience layer; clients refetch durable
		// state, so a lost publish degrades to staleness only.
		logger.Error("Failed to publish to %s: %v", channel, err)
	}
}

// Start subscribes to the cross-process channels and delivers remote
// events to local connections. The filter runs again per receiving
// connection inside the deliverer; the publisher is never trusted to
// have filtered for this process's audience.
func (r *Router) Start(ctx context.Context) error {
	deliveries, cancel, err := r.store.Subscribe(ctx, presence.EventPattern)
	if err != nil {
		return err
	}
	r.cancel = cancel

	go func() {
		for d := range deliveries {
			var env envelope
			if err := json.Unmarshal(d.Payload, &env); err != nil {
				logger.Warn("Dropping undecodable envelope on %s: %v", d.Channel, err)
				continue
			}
			if env.Origin == r.serverID {
				continue // already delivered locally at publish time
			}
			if env.TargetVisitorID != "" {
				r.local.SendToVisitor(env.Event.Payload.WebsiteID, env.TargetVisitorID, env.Event)
				continue
			}
			r.local.SendToWebsite(env.Event.Payload.WebsiteID, env.Event)
		}
	}()
	return nil
}

// Stop cancels the cross-process subscription.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}
