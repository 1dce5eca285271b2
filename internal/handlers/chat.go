package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/covechat/cove/internal/chat"
	"github.com/covechat/cove/internal/middleware"
	"github.com/covechat/cove/internal/models"
)

const historyPageSize = 100

type ChatHandler struct {
	svc *chat.Service
}

func NewChatHandler(svc *chat.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// authorize loads the conversation and checks the caller may touch it:
// staff need a matching website, visitors additionally need to own it.
// Returns nil, true for a conversation that does not exist yet; the
// caller decides whether that is acceptable.
func (h *ChatHandler) authorize(w http.ResponseWriter, r *http.Request) (*chat.Conversation, bool) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}

	conv, err := h.svc.Store().Conversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return nil, false
	}
	if conv == nil {
		return nil, true
	}
	if conv.WebsiteID != identity.WebsiteID {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	if identity.VisitorID != "" && conv.VisitorID != identity.VisitorID {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return conv, true
}

func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if conv == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"messages": []models.Message{}})
		return
	}

	messages, err := h.svc.Store().History(r.Context(), conv.ID, historyPageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// ListItems returns a conversation's timeline items. Staff only: the
// dashboard shows private notes and tool traces the widget never sees.
func (h *ChatHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if conv == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": []models.TimelineItem{}})
		return
	}

	items, err := h.svc.Store().Items(r.Context(), conv.ID, historyPageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load items")
		return
	}
	if items == nil {
		items = []models.TimelineItem{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// SendMessage posts a message to a conversation. A visitor caller
// creates the conversation on first message and schedules the agent
// reply; a staff caller answers into an existing conversation.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Body string `json:"body"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Body = strings.TrimSpace(req.Body)
	if req.Body == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}

	conv, ok := h.authorize(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")

	if identity.VisitorID != "" {
		msg, outcome, err := h.svc.PostVisitorMessage(r.Context(), conversationID,
			identity.WebsiteID, identity.OrganizationID, identity.VisitorID, req.Body)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to send message")
			return
		}
		resp := map[string]interface{}{"message": msg}
		if outcome != nil {
			resp["agent_job"] = map[string]string{"status": string(outcome.Status)}
		}
		writeJSON(w, http.StatusCreated, resp)
		return
	}

	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	msg, err := h.svc.PostStaffMessage(r.Context(), conversationID, identity.UserID, req.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"message": msg})
}

// PublishItem flips a timeline item public (or back to private), e.g.
// staff sharing a tool result with the widget.
func (h *ChatHandler) PublishItem(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	var req struct {
		Visibility string `json:"visibility"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	visibility := models.Visibility(req.Visibility)
	if visibility == "" {
		visibility = models.VisibilityPublic
	}
	if visibility != models.VisibilityPublic && visibility != models.VisibilityPrivate {
		writeError(w, http.StatusBadRequest, "visibility must be public or private")
		return
	}

	item, err := h.svc.PublishTimelineItem(r.Context(), chi.URLParam(r, "itemID"), visibility)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update item")
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"item": item})
}
