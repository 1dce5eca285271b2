package models

import "testing"

func TestTargetVisitorIDPrecedence(t *testing.T) {
	direct := Event{Payload: EventPayload{
		VisitorID: "vis-direct",
		Message:   &Message{VisitorID: "vis-msg"},
		Item:      &TimelineItem{VisitorID: "vis-item"},
	}}
	if got := direct.TargetVisitorID(); got != "vis-direct" {
		t.Errorf("TargetVisitorID = %q, want direct payload id", got)
	}

	viaMessage := Event{Payload: EventPayload{
		Message: &Message{VisitorID: "vis-msg"},
		Item:    &TimelineItem{VisitorID: "vis-item"},
	}}
	if got := viaMessage.TargetVisitorID(); got != "vis-msg" {
		t.Errorf("TargetVisitorID = %q, want message id", got)
	}

	viaItem := Event{Payload: EventPayload{
		Item: &TimelineItem{VisitorID: "vis-item"},
	}}
	if got := viaItem.TargetVisitorID(); got != "vis-item" {
		t.Errorf("TargetVisitorID = %q, want item id", got)
	}

	none := Event{Payload: EventPayload{WebsiteID: "site-a"}}
	if got := none.TargetVisitorID(); got != "" {
		t.Errorf("TargetVisitorID = %q, want empty for affinity-free event", got)
	}
}

func TestJobStateTerminal(t *testing.T) {
	terminal := map[JobState]bool{
		JobWaiting:   false,
		JobDelayed:   false,
		JobActive:    false,
		JobCompleted: true,
		JobFailed:    true,
		JobUnknown:   false,
	}
	for state, want := range terminal {
		if got := state.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}

func TestConnectionActorID(t *testing.T) {
	staff := &Connection{UserID: "user-1"}
	if staff.ActorID() != "user-1" || staff.IsVisitor() {
		t.Errorf("staff connection actor = %q (visitor=%v), want user-1/false", staff.ActorID(), staff.IsVisitor())
	}

	visitor := &Connection{VisitorID: "vis-1"}
	if visitor.ActorID() != "vis-1" || !visitor.IsVisitor() {
		t.Errorf("visitor connection actor = %q (visitor=%v), want vis-1/true", visitor.ActorID(), visitor.IsVisitor())
	}
}
