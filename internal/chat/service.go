package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/covechat/cove/internal/jobs"
	"github.com/covechat/cove/internal/models"
	"github.com/covechat/cove/internal/realtime"
)

// AgentJobName is the queue name the agent runner polls.
const AgentJobName = "agent-reply"

// Service ties the write layer to the realtime router and the job
// singleton controller: persist first, then mirror into an event, then
// (for visitor input) schedule the AI reply.
type Service struct {
	store      *Store
	router     *realtime.Router
	controller *jobs.Controller
}

func NewService(store *Store, router *realtime.Router, controller *jobs.Controller) *Service {
	return &Service{store: store, router: router, controller: controller}
}

func (s *Service) Store() *Store {
	return s.store
}

// PostVisitorMessage persists a widget message, routes the event, and
// enqueues (or coalesces into) the conversation's agent-reply job.
func (s *Service) PostVisitorMessage(ctx context.Context, conversationID, websiteID, orgID, visitorID, body string) (*models.Message, *jobs.Outcome, error) {
	if err := s.store.EnsureConversation(ctx, conversationID, websiteID, orgID, visitorID); err != nil {
		return nil, nil, err
	}

	msg := &models.Message{
		ConversationID: conversationID,
		WebsiteID:      websiteID,
		OrganizationID: orgID,
		VisitorID:      visitorID,
		AuthorKind:     "visitor",
		AuthorID:       visitorID,
		Body:           body,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, nil, err
	}

	s.routeMessage(ctx, msg)

	// Stamp the freshest run id before enqueueing so a superseded
	// active job sees it and stays quiet.
	runID := uuid.New().String()
	if err := s.store.SetLatestWorkflowRun(ctx, conversationID, runID); err != nil {
		return msg, nil, err
	}

	data, err := json.Marshal(models.AgentJobData{
		ConversationID: conversationID,
		WebsiteID:      websiteID,
		OrganizationID: orgID,
		VisitorID:      visitorID,
		WorkflowRunID:  runID,
	})
	if err != nil {
		return msg, nil, fmt.Errorf("marshal agent job data: %w", err)
	}

	outcome, err := s.controller.AddDebouncedJob(ctx, jobs.ConversationJobID(conversationID), AgentJobName, data)
	if err != nil {
		return msg, nil, err
	}
	return msg, outcome, nil
}

// PostStaffMessage persists a dashboard reply and routes the event. No
// agent job: a human already answered.
func (s *Service) PostStaffMessage(ctx context.Context, conversationID, userID, body string) (*models.Message, error) {
	conv, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}

	msg := &models.Message{
		ConversationID: conversationID,
		WebsiteID:      conv.WebsiteID,
		OrganizationID: conv.OrganizationID,
		VisitorID:      conv.VisitorID,
		AuthorKind:     "user",
		AuthorID:       userID,
		Body:           body,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	s.routeMessage(ctx, msg)
	return msg, nil
}

// PostAssistantMessage persists an AI reply and routes the event.
func (s *Service) PostAssistantMessage(ctx context.Context, conversationID, body string) (*models.Message, error) {
	conv, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}

	msg := &models.Message{
		ConversationID: conversationID,
		WebsiteID:      conv.WebsiteID,
		OrganizationID: conv.OrganizationID,
		VisitorID:      conv.VisitorID,
		AuthorKind:     "assistant",
		AuthorID:       "agent",
		Body:           body,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	s.routeMessage(ctx, msg)
	return msg, nil
}

// EmitTimelineItem persists an item and routes the created event.
func (s *Service) EmitTimelineItem(ctx context.Context, item *models.TimelineItem) error {
	if err := s.store.CreateTimelineItem(ctx, item); err != nil {
		return err
	}
	s.routeItem(ctx, models.EventTimelineItemCreated, item)
	return nil
}

// PublishTimelineItem flips an item's visibility and routes the
// updated event, e.g. a staff member publishing a tool result to the
// widget.
func (s *Service) PublishTimelineItem(ctx context.Context, itemID string, visibility models.Visibility) (*models.TimelineItem, error) {
	item, err := s.store.SetItemVisibility(ctx, itemID, visibility)
	if err != nil || item == nil {
		return item, err
	}
	s.routeItem(ctx, models.EventTimelineItemUpdated, item)
	return item, nil
}

func (s *Service) routeMessage(ctx context.Context, msg *models.Message) {
	event := models.NewEvent(models.EventMessageCreated, models.EventPayload{
		WebsiteID:      msg.WebsiteID,
		OrganizationID: msg.OrganizationID,
		ConversationID: msg.ConversationID,
		Message:        msg,
	})
	// Website-wide broadcast; the filter keeps the message away from
	// unrelated visitors while every dashboard connection sees it.
	s.router.Route(ctx, event, realtime.RouteOptions{
		WebsiteID:      msg.WebsiteID,
		OrganizationID: msg.OrganizationID,
	})
}

func (s *Service) routeItem(ctx context.Context, eventType string, item *models.TimelineItem) {
	event := models.NewEvent(eventType, models.EventPayload{
		WebsiteID:      item.WebsiteID,
		OrganizationID: item.OrganizationID,
		ConversationID: item.ConversationID,
		Item:           item,
	})
	s.router.Route(ctx, event, realtime.RouteOptions{
		WebsiteID:      item.WebsiteID,
		OrganizationID: item.OrganizationID,
	})
}
