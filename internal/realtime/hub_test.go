package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/covechat/cove/internal/auth"
	"github.com/covechat/cove/internal/models"
	"github.com/covechat/cove/internal/presence"
)

func newHubServer(t *testing.T) (*Hub, *auth.Service, string) {
	t.Helper()
	store := presence.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	authService := auth.NewService("test-secret")
	h := NewHub(authService, store, "srv-test", 25*time.Second, time.Minute)
	t.Cleanup(h.Stop)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	return h, authService, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialAndAuthenticate(t *testing.T, url, token string) (*websocket.Conn, models.Event) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	frame := fmt.Sprintf(`{"type":"authenticate","payload":{"token":%q}}`, token)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write authenticate frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack models.Event
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read handshake ack: %v", err)
	}
	if ack.Type != models.EventConnectionEstablished {
		t.Fatalf("first frame type = %q, want %q", ack.Type, models.EventConnectionEstablished)
	}
	conn.SetReadDeadline(time.Time{})
	return conn, ack
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event models.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

func TestHandshakeRejections(t *testing.T) {
	_, authService, url := newHubServer(t)

	// Validates fine but carries neither a user nor a visitor claim.
	anonymousToken, err := authService.GenerateStaffToken("", "site-a", "org-1")
	if err != nil {
		t.Fatalf("GenerateStaffToken returned error: %v", err)
	}

	cases := []struct {
		name  string
		frame string
		code  string
	}{
		{
			name:  "first frame not authenticate",
			frame: `{"type":"heartbeat"}`,
			code:  models.CodeInvalidMessageFormat,
		},
		{
			name:  "invalid token",
			frame: `{"type":"authenticate","payload":{"token":"garbage"}}`,
			code:  models.CodeAuthFailed,
		},
		{
			name:  "token without identity",
			frame: fmt.Sprintf(`{"type":"authenticate","payload":{"token":%q}}`, anonymousToken),
			code:  models.CodeIdentificationRequired,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close()

			if err := conn.WriteMessage(websocket.TextMessage, []byte(tc.frame)); err != nil {
				t.Fatalf("write frame: %v", err)
			}

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("read error frame: %v", err)
			}
			var frame models.ErrorFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Fatalf("unmarshal error frame %q: %v", data, err)
			}
			if frame.Code != tc.code {
				t.Errorf("error code = %q, want %q", frame.Code, tc.code)
			}

			// Identity errors close the socket.
			if _, _, err := conn.ReadMessage(); err == nil {
				t.Error("connection still open after rejected handshake")
			}
		})
	}
}

func TestHandshakeEstablishesConnection(t *testing.T) {
	h, authService, url := newHubServer(t)

	token, err := authService.GenerateVisitorToken("vis-1", "site-a", "org-1")
	if err != nil {
		t.Fatalf("GenerateVisitorToken returned error: %v", err)
	}

	_, ack := dialAndAuthenticate(t, url, token)
	if ack.Payload.VisitorID != "vis-1" || ack.Payload.WebsiteID != "site-a" {
		t.Errorf("ack scope = %q/%q, want vis-1/site-a", ack.Payload.VisitorID, ack.Payload.WebsiteID)
	}
	if ack.Payload.ConnectionID == "" {
		t.Error("ack carries no connection id")
	}

	var pacing struct {
		HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
	}
	if err := json.Unmarshal(ack.Payload.Data, &pacing); err != nil {
		t.Fatalf("unmarshal ack data %q: %v", ack.Payload.Data, err)
	}
	if pacing.HeartbeatIntervalSeconds != 25 {
		t.Errorf("heartbeat interval = %d, want 25", pacing.HeartbeatIntervalSeconds)
	}

	if n := h.ConnectionCount(); n != 1 {
		t.Errorf("ConnectionCount = %d, want 1", n)
	}
}

func TestSendToWebsiteFiltersPerRecipient(t *testing.T) {
	h, authService, url := newHubServer(t)

	staffToken, err := authService.GenerateStaffToken("user-1", "site-a", "org-1")
	if err != nil {
		t.Fatalf("GenerateStaffToken returned error: %v", err)
	}
	visitorToken, err := authService.GenerateVisitorToken("vis-1", "site-a", "org-1")
	if err != nil {
		t.Fatalf("GenerateVisitorToken returned error: %v", err)
	}

	staffConn, _ := dialAndAuthenticate(t, url, staffToken)
	visitorConn, _ := dialAndAuthenticate(t, url, visitorToken)

	// A visitor's own message reaches both the dashboard and the widget.
	h.SendToWebsite("site-a", messageEvent("site-a", "vis-1"))
	if got := readEvent(t, staffConn); got.Type != models.EventMessageCreated {
		t.Errorf("staff event = %q, want %q", got.Type, models.EventMessageCreated)
	}
	if got := readEvent(t, visitorConn); got.Type != models.EventMessageCreated {
		t.Errorf("visitor event = %q, want %q", got.Type, models.EventMessageCreated)
	}

	// A private note is held back at the delivery layer: the staff
	// socket sees it, the visitor socket never does.
	h.SendToWebsite("site-a", itemEvent("site-a", "vis-1", models.ItemKindNote, models.VisibilityPrivate, ""))
	if got := readEvent(t, staffConn); got.Type != models.EventTimelineItemCreated {
		t.Errorf("staff event = %q, want %q", got.Type, models.EventTimelineItemCreated)
	}

	visitorConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := visitorConn.ReadMessage(); err == nil {
		t.Error("visitor received a private note")
	}
}

func TestMalformedFrameLimitClosesConnection(t *testing.T) {
	_, authService, url := newHubServer(t)

	token, err := authService.GenerateVisitorToken("vis-1", "site-a", "org-1")
	if err != nil {
		t.Fatalf("GenerateVisitorToken returned error: %v", err)
	}
	conn, _ := dialAndAuthenticate(t, url, token)

	for i := 0; i < malformedFrameLimit; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read error frame %d: %v", i, err)
		}
		var frame models.ErrorFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal error frame %q: %v", data, err)
		}
		if frame.Code != models.CodeInvalidMessageFormat {
			t.Errorf("frame %d code = %q, want %q", i, frame.Code, models.CodeInvalidMessageFormat)
		}
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open past the malformed frame limit")
	}
}

func TestSweepStaleReportsSweptConnections(t *testing.T) {
	h, authService, url := newHubServer(t)

	token, err := authService.GenerateVisitorToken("vis-1", "site-a", "org-1")
	if err != nil {
		t.Fatalf("GenerateVisitorToken returned error: %v", err)
	}
	dialAndAuthenticate(t, url, token)

	if n := h.SweepStale(); n != 0 {
		t.Errorf("SweepStale on fresh connection = %d, want 0", n)
	}

	h.mu.Lock()
	for _, client := range h.clients {
		client.connection.LastHeartbeatAt = time.Now().UTC().Add(-2 * time.Minute)
	}
	h.mu.Unlock()

	if n := h.SweepStale(); n != 1 {
		t.Errorf("SweepStale = %d, want 1 lapsed connection", n)
	}
	if n := h.ConnectionCount(); n != 0 {
		t.Errorf("ConnectionCount after sweep = %d, want 0", n)
	}
}

// A route racing a disconnect must never reach a closed send channel.
func TestSendToConnectionDisconnectRace(t *testing.T) {
	store := presence.NewMemoryStore()
	defer store.Close()
	h := NewHub(auth.NewService("test-secret"), store, "srv-test", 25*time.Second, time.Minute)

	event := messageEvent("site-a", "vis-1")
	now := time.Now().UTC()

	for i := 0; i < 200; i++ {
		client := &Client{
			hub:  h,
			send: make(chan []byte, 8),
			connection: &models.Connection{
				ID:              fmt.Sprintf("conn-%d", i),
				UserID:          "user-1",
				WebsiteID:       "site-a",
				OrganizationID:  "org-1",
				ServerID:        "srv-test",
				ConnectedAt:     now,
				LastHeartbeatAt: now,
			},
		}
		if err := h.register(client); err != nil {
			t.Fatalf("register: %v", err)
		}
		go func() {
			for range client.send {
			}
		}()

		done := make(chan interface{}, 1)
		go func() {
			defer func() { done <- recover() }()
			for j := 0; j < 500; j++ {
				if !h.SendToConnection(client.connection.ID, event) {
					return
				}
			}
		}()

		h.unregister(client)
		if p := <-done; p != nil {
			t.Fatalf("SendToConnection panicked racing disconnect: %v", p)
		}
	}
}
