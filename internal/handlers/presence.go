package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/covechat/cove/internal/middleware"
	"github.com/covechat/cove/internal/presence"
)

type PresenceHandler struct {
	store  presence.Store
	maxAge time.Duration
}

func NewPresenceHandler(store presence.Store, maxAge time.Duration) *PresenceHandler {
	return &PresenceHandler{store: store, maxAge: maxAge}
}

// Online reports whether an actor has at least one fresh connection
// anywhere in the cluster. Records past the heartbeat timeout count as
// offline even if eviction has not caught up yet.
func (h *PresenceHandler) Online(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	websiteID := chi.URLParam(r, "websiteID")
	if websiteID != identity.WebsiteID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	actorID := chi.URLParam(r, "actorID")
	records, err := h.store.Connections(r.Context(), websiteID, actorID, h.maxAge)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check presence")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":      len(records) > 0,
		"connections": len(records),
	})
}
