package handlers

import (
	"net/http"
	"time"

	"github.com/covechat/cove/internal/realtime"
)

type SystemHandler struct {
	hub      *realtime.Hub
	serverID string
	started  time.Time
}

func NewSystemHandler(hub *realtime.Hub, serverID string) *SystemHandler {
	return &SystemHandler{hub: hub, serverID: serverID, started: time.Now()}
}

func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"server_id":   h.serverID,
		"connections": h.hub.ConnectionCount(),
		"uptime":      time.Since(h.started).Round(time.Second).String(),
	})
}
