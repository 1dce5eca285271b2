// Package chat is the domain write layer: messages and timeline items
// are persisted here first, and realtime events mirror the persisted
// rows' public fields.
package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/covechat/cove/internal/database"
	"github.com/covechat/cove/internal/models"
)

type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

type Conversation struct {
	ID                  string
	WebsiteID           string
	OrganizationID      string
	VisitorID           string
	LatestWorkflowRunID string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// EnsureConversation creates the conversation row if it does not
// exist yet. Widget conversations are created lazily on first message.
func (s *Store) EnsureConversation(ctx context.Context, id, websiteID, orgID, visitorID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, website_id, organization_id, visitor_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, websiteID, orgID, visitorID, now, now,
	)
	if err != nil {
		return fmt.Errorf("ensure conversation %s: %w", id, err)
	}
	return nil
}

func (s *Store) Conversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, website_id, organization_id, visitor_id, latest_workflow_run_id, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.WebsiteID, &conv.OrganizationID, &conv.VisitorID, &conv.LatestWorkflowRunID, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &conv, nil
}

// CreateMessage persists a message, filling ID and CreatedAt.
func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	m.ID = uuid.New().String()
	m.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, website_id, organization_id, visitor_id, author_kind, author_id, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.WebsiteID, m.OrganizationID, m.VisitorID, m.AuthorKind, m.AuthorID, m.Body, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	s.db.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", m.CreatedAt, m.ConversationID)
	return nil
}

// CreateTimelineItem persists a timeline item, filling ID and
// timestamps. Tool items default to private unless explicitly set.
func (s *Store) CreateTimelineItem(ctx context.Context, item *models.TimelineItem) error {
	item.ID = uuid.New().String()
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.Visibility == "" {
		item.Visibility = models.VisibilityPrivate
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timeline_items (id, conversation_id, website_id, organization_id, visitor_id, kind, visibility, tool_visibility, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ConversationID, item.WebsiteID, item.OrganizationID, item.VisitorID, string(item.Kind),
		string(item.Visibility), string(item.ToolVisibility), item.Body, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create timeline item: %w", err)
	}
	return nil
}

// SetItemVisibility republishes or hides an existing timeline item.
func (s *Store) SetItemVisibility(ctx context.Context, itemID string, visibility models.Visibility) (*models.TimelineItem, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"UPDATE timeline_items SET visibility = ?, tool_visibility = CASE WHEN kind = 'tool' THEN ? ELSE tool_visibility END, updated_at = ? WHERE id = ?",
		string(visibility), string(visibility), now, itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("update timeline item %s: %w", itemID, err)
	}

	var item models.TimelineItem
	var kind, vis, toolVis string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, website_id, organization_id, visitor_id, kind, visibility, tool_visibility, body, created_at, updated_at
		 FROM timeline_items WHERE id = ?`, itemID,
	).Scan(&item.ID, &item.ConversationID, &item.WebsiteID, &item.OrganizationID, &item.VisitorID, &kind, &vis, &toolVis, &item.Body, &item.CreatedAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get timeline item %s: %w", itemID, err)
	}
	item.Kind = models.TimelineItemKind(kind)
	item.Visibility = models.Visibility(vis)
	item.ToolVisibility = models.Visibility(toolVis)
	return &item, nil
}

// History returns the newest messages of a conversation in
// chronological order, capped at limit.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, website_id, organization_id, visitor_id, author_kind, author_id, body, created_at
		 FROM (SELECT * FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?)
		 ORDER BY created_at ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var history []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.WebsiteID, &m.OrganizationID, &m.VisitorID, &m.AuthorKind, &m.AuthorID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		history = append(history, m)
	}
	return history, rows.Err()
}

// Items returns a conversation's timeline items in chronological
// order, capped at limit.
func (s *Store) Items(ctx context.Context, conversationID string, limit int) ([]models.TimelineItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, website_id, organization_id, visitor_id, kind, visibility, tool_visibility, body, created_at, updated_at
		 FROM timeline_items WHERE conversation_id = ? ORDER BY created_at ASC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load items for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var items []models.TimelineItem
	for rows.Next() {
		var item models.TimelineItem
		var kind, vis, toolVis string
		if err := rows.Scan(&item.ID, &item.ConversationID, &item.WebsiteID, &item.OrganizationID, &item.VisitorID, &kind, &vis, &toolVis, &item.Body, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline item: %w", err)
		}
		item.Kind = models.TimelineItemKind(kind)
		item.Visibility = models.Visibility(vis)
		item.ToolVisibility = models.Visibility(toolVis)
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetLatestWorkflowRun stamps the conversation with the run id of the
// newest enqueued agent job. In-flight jobs compare their own run id
// against this value before emitting a reply.
func (s *Store) SetLatestWorkflowRun(ctx context.Context, conversationID, runID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET latest_workflow_run_id = ? WHERE id = ?",
		runID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("set workflow run for %s: %w", conversationID, err)
	}
	return nil
}

// LatestWorkflowRun reads the conversation's current run id.
func (s *Store) LatestWorkflowRun(ctx context.Context, conversationID string) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx,
		"SELECT latest_workflow_run_id FROM conversations WHERE id = ?", conversationID,
	).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get workflow run for %s: %w", conversationID, err)
	}
	return runID, nil
}
