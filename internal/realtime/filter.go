package realtime

import "github.com/covechat/cove/internal/models"

// ShouldDeliver decides whether a recipient may observe an event. It
// is pure and side-effect free; the router applies it before every
// local send and again on cross-process receipt, so a publisher bug
// can never leak a private item to a widget.
//
// visitorID identifies a widget recipient; empty means the recipient
// is staff (dashboard audience).
func ShouldDeliver(event models.Event, websiteID, visitorID string) bool {
	// Cross-tenant isolation comes first, for every audience.
	if event.Payload.WebsiteID == "" || event.Payload.WebsiteID != websiteID {
		return false
	}

	// Staff see everything scoped to their website, public or private.
	if visitorID == "" {
		return true
	}

	return visitorMaySee(event, visitorID)
}

func visitorMaySee(event models.Event, visitorID string) bool {
	if item := event.Payload.Item; item != nil {
		if item.Visibility == models.VisibilityPrivate {
			return false
		}
		// Tool items default to hidden unless explicitly published.
		if item.Kind == models.ItemKindTool && item.ToolVisibility != models.VisibilityPublic {
			return false
		}
	}

	// Events with a resolvable visitor affinity only reach that
	// visitor; events with none broadcast to the whole website.
	if target := event.TargetVisitorID(); target != "" && target != visitorID {
		return false
	}

	switch event.Type {
	case models.EventConnectionEstablished,
		models.EventUserConnected,
		models.EventUserDisconnected,
		models.EventVisitorConnected,
		models.EventVisitorDisconnected,
		models.EventMessageCreated,
		models.EventTimelineItemCreated,
		models.EventTimelineItemUpdated,
		models.EventTyping,
		models.EventTrainingProgress:
		return true
	default:
		// Unknown event kinds stay hidden from widgets so a new type
		// cannot bypass this filter by omission.
		return false
	}
}
