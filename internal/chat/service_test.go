package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/covechat/cove/internal/database"
	"github.com/covechat/cove/internal/jobs"
	"github.com/covechat/cove/internal/models"
	"github.com/covechat/cove/internal/presence"
	"github.com/covechat/cove/internal/queue"
	"github.com/covechat/cove/internal/realtime"
)

// recordingDeliverer captures locally routed events.
type recordingDeliverer struct {
	mu     sync.Mutex
	events []models.Event
}

func (d *recordingDeliverer) SendToConnection(connectionID string, event models.Event) bool {
	return false
}

func (d *recordingDeliverer) SendToVisitor(websiteID, visitorID string, event models.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

func (d *recordingDeliverer) SendToWebsite(websiteID string, event models.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

func (d *recordingDeliverer) types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, e := range d.events {
		out = append(out, e.Type)
	}
	return out
}

func testService(t *testing.T) (*Service, *recordingDeliverer) {
	t.Helper()
	db, err := database.New(t.TempDir())
	if err != nil {
		t.Fatalf("database.New returned error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pstore := presence.NewMemoryStore()
	t.Cleanup(func() { pstore.Close() })

	deliverer := &recordingDeliverer{}
	router := realtime.NewRouter("srv-test", deliverer, pstore)
	controller := jobs.NewController(queue.NewSQLiteQueue(db))
	return NewService(NewStore(db), router, controller), deliverer
}

func TestPostVisitorMessagePersistsRoutesAndEnqueues(t *testing.T) {
	svc, deliverer := testService(t)
	ctx := context.Background()

	msg, outcome, err := svc.PostVisitorMessage(ctx, "conv-1", "site-a", "org-1", "vis-1", "hello")
	if err != nil {
		t.Fatalf("PostVisitorMessage returned error: %v", err)
	}
	if msg.ID == "" || msg.AuthorKind != "visitor" {
		t.Errorf("message = %+v, want persisted visitor message", msg)
	}
	if outcome == nil || outcome.Status != jobs.StatusCreated {
		t.Fatalf("outcome = %+v, want a created agent job", outcome)
	}

	history, err := svc.Store().History(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(history) != 1 || history[0].Body != "hello" {
		t.Errorf("history = %+v, want the posted message", history)
	}

	types := deliverer.types()
	if len(types) != 1 || types[0] != models.EventMessageCreated {
		t.Errorf("routed events = %v, want one MESSAGE_CREATED", types)
	}

	runID, err := svc.Store().LatestWorkflowRun(ctx, "conv-1")
	if err != nil {
		t.Fatalf("LatestWorkflowRun returned error: %v", err)
	}
	if runID == "" {
		t.Error("latest workflow run id not stamped")
	}
}

func TestPostVisitorMessageBurstCoalesces(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	_, first, err := svc.PostVisitorMessage(ctx, "conv-1", "site-a", "org-1", "vis-1", "one")
	if err != nil {
		t.Fatalf("first post returned error: %v", err)
	}
	_, second, err := svc.PostVisitorMessage(ctx, "conv-1", "site-a", "org-1", "vis-1", "two")
	if err != nil {
		t.Fatalf("second post returned error: %v", err)
	}

	if first.Status != jobs.StatusCreated {
		t.Errorf("first outcome = %q, want created", first.Status)
	}
	if second.Status != jobs.StatusSkipped {
		t.Errorf("second outcome = %q, want skipped (coalesced)", second.Status)
	}

	// Each post stamps a fresh run id so the eventual job answers for
	// the newest message.
	runID, _ := svc.Store().LatestWorkflowRun(ctx, "conv-1")
	if runID == "" {
		t.Fatal("run id missing after burst")
	}
}

func TestPostStaffMessageRequiresConversation(t *testing.T) {
	svc, _ := testService(t)
	if _, err := svc.PostStaffMessage(context.Background(), "missing", "user-1", "hi"); err == nil {
		t.Error("PostStaffMessage on missing conversation returned nil error, want error")
	}
}

func TestPostStaffMessageInheritsConversationScope(t *testing.T) {
	svc, deliverer := testService(t)
	ctx := context.Background()

	if _, _, err := svc.PostVisitorMessage(ctx, "conv-1", "site-a", "org-1", "vis-1", "question"); err != nil {
		t.Fatalf("PostVisitorMessage returned error: %v", err)
	}
	msg, err := svc.PostStaffMessage(ctx, "conv-1", "user-1", "answer")
	if err != nil {
		t.Fatalf("PostStaffMessage returned error: %v", err)
	}
	if msg.WebsiteID != "site-a" || msg.VisitorID != "vis-1" {
		t.Errorf("staff message scope = %q/%q, want inherited site-a/vis-1", msg.WebsiteID, msg.VisitorID)
	}
	if msg.AuthorKind != "user" {
		t.Errorf("AuthorKind = %q, want user", msg.AuthorKind)
	}

	types := deliverer.types()
	if len(types) != 2 {
		t.Errorf("routed events = %v, want two MESSAGE_CREATED", types)
	}
}

func TestPublishTimelineItem(t *testing.T) {
	svc, deliverer := testService(t)
	ctx := context.Background()

	if _, _, err := svc.PostVisitorMessage(ctx, "conv-1", "site-a", "org-1", "vis-1", "q"); err != nil {
		t.Fatalf("PostVisitorMessage returned error: %v", err)
	}

	item := &models.TimelineItem{
		ConversationID: "conv-1",
		WebsiteID:      "site-a",
		OrganizationID: "org-1",
		VisitorID:      "vis-1",
		Kind:           models.ItemKindTool,
		Body:           "tool trace",
	}
	if err := svc.EmitTimelineItem(ctx, item); err != nil {
		t.Fatalf("EmitTimelineItem returned error: %v", err)
	}
	if item.Visibility != models.VisibilityPrivate {
		t.Errorf("Visibility = %q, want private default", item.Visibility)
	}

	published, err := svc.PublishTimelineItem(ctx, item.ID, models.VisibilityPublic)
	if err != nil {
		t.Fatalf("PublishTimelineItem returned error: %v", err)
	}
	if published.Visibility != models.VisibilityPublic {
		t.Errorf("Visibility = %q, want public", published.Visibility)
	}
	if published.ToolVisibility != models.VisibilityPublic {
		t.Errorf("ToolVisibility = %q, want public for a published tool item", published.ToolVisibility)
	}

	types := deliverer.types()
	want := []string{models.EventMessageCreated, models.EventTimelineItemCreated, models.EventTimelineItemUpdated}
	if len(types) != len(want) {
		t.Fatalf("routed events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, types[i], want[i])
		}
	}

	if _, err := svc.PublishTimelineItem(ctx, "missing", models.VisibilityPublic); err != nil {
		t.Errorf("PublishTimelineItem on missing item returned error: %v, want nil item without error", err)
	}
}

func TestItemEventsCarryTenancyScope(t *testing.T) {
	svc, deliverer := testService(t)
	ctx := context.Background()

	if _, _, err := svc.PostVisitorMessage(ctx, "conv-1", "site-a", "org-1", "vis-1", "q"); err != nil {
		t.Fatalf("PostVisitorMessage returned error: %v", err)
	}

	item := &models.TimelineItem{
		ConversationID: "conv-1",
		WebsiteID:      "site-a",
		OrganizationID: "org-1",
		VisitorID:      "vis-1",
		Kind:           models.ItemKindNote,
		Body:           "internal note",
	}
	if err := svc.EmitTimelineItem(ctx, item); err != nil {
		t.Fatalf("EmitTimelineItem returned error: %v", err)
	}
	if _, err := svc.PublishTimelineItem(ctx, item.ID, models.VisibilityPublic); err != nil {
		t.Fatalf("PublishTimelineItem returned error: %v", err)
	}

	deliverer.mu.Lock()
	defer deliverer.mu.Unlock()
	for _, event := range deliverer.events {
		if event.Payload.WebsiteID != "site-a" || event.Payload.OrganizationID != "org-1" {
			t.Errorf("%s payload scope = %q/%q, want site-a/org-1",
				event.Type, event.Payload.WebsiteID, event.Payload.OrganizationID)
		}
		if event.Payload.Item != nil && event.Payload.Item.OrganizationID != "org-1" {
			t.Errorf("%s item organization = %q, want org-1", event.Type, event.Payload.Item.OrganizationID)
		}
	}

	items, err := svc.Store().Items(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("Items returned error: %v", err)
	}
	if len(items) != 1 || items[0].OrganizationID != "org-1" {
		t.Errorf("stored items = %+v, want one item scoped to org-1", items)
	}
}
