package handlers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/covechat/cove/internal/auth"
	"github.com/covechat/cove/internal/database"
	"github.com/covechat/cove/internal/logger"
	"github.com/covechat/cove/internal/middleware"
)

type AuthHandler struct {
	db   *database.DB
	auth *auth.Service
}

func NewAuthHandler(db *database.DB, authService *auth.Service) *AuthHandler {
	return &AuthHandler{db: db, auth: authService}
}

// Login exchanges dashboard credentials for a staff session token. The
// token is returned in the body and set as the session cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	var userID, passwordHash, websiteID, orgID string
	err := h.db.QueryRowContext(r.Context(),
		"SELECT id, password_hash, website_id, organization_id FROM users WHERE email = ?", req.Email,
	).Scan(&userID, &passwordHash, &websiteID, &orgID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := h.auth.CheckPassword(passwordHash, req.Password); err != nil {
		logger.Warn("Failed login attempt for %s", req.Email)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.auth.GenerateStaffToken(userID, websiteID, orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	secure := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
		MaxAge:   86400,
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"token":           token,
		"user_id":         userID,
		"website_id":      websiteID,
		"organization_id": orgID,
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":         identity.UserID,
		"visitor_id":      identity.VisitorID,
		"website_id":      identity.WebsiteID,
		"organization_id": identity.OrganizationID,
	})
}

// WidgetSession issues an anonymous visitor token for the embeddable
// widget. A returning visitor passes its previous visitor_id to keep
// its conversation.
func (h *AuthHandler) WidgetSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WebsiteID      string `json:"website_id"`
		OrganizationID string `json:"organization_id"`
		VisitorID      string `json:"visitor_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WebsiteID == "" {
		writeError(w, http.StatusBadRequest, "website_id is required")
		return
	}
	if req.VisitorID == "" {
		req.VisitorID = uuid.New().String()
	}

	token, err := h.auth.GenerateVisitorToken(req.VisitorID, req.WebsiteID, req.OrganizationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token":      token,
		"visitor_id": req.VisitorID,
	})
}
