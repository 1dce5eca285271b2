package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	// ErrAuthRequired means no candidate token validated. Expired
	// tokens are treated as absent, so they surface as this error.
	ErrAuthRequired = errors.New("authentication required")
	// ErrIdentificationRequired means a token validated but carried
	// neither a staff nor a visitor identity claim.
	ErrIdentificationRequired = errors.New("identification required")
)

const (
	// SessionCookie holds the staff dashboard token.
	SessionCookie = "cove_token"
	// WidgetTokenHeader holds the embeddable widget's visitor token.
	WidgetTokenHeader = "X-Cove-Widget-Token"
)

// Claims is the single token shape for both audiences: staff tokens
// carry user_id, visitor tokens carry visitor_id, never both.
type Claims struct {
	UserID         string `json:"user_id,omitempty"`
	VisitorID      string `json:"visitor_id,omitempty"`
	WebsiteID      string `json:"website_id"`
	OrganizationID string `json:"organization_id"`
	jwt.RegisteredClaims
}

// Identity is a resolved connection identity: exactly one of UserID or
// VisitorID is non-empty.
type Identity struct {
	UserID         string
	VisitorID      string
	WebsiteID      string
	OrganizationID string
}

type Service struct {
	jwtSecret []byte
	tokenTTL  time.Duration
}

func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  24 * time.Hour,
	}
}

func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *Service) CheckPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// GenerateStaffToken issues a dashboard session token.
func (s *Service) GenerateStaffToken(userID, websiteID, orgID string) (string, error) {
	return s.sign(Claims{
		UserID:         userID,
		WebsiteID:      websiteID,
		OrganizationID: orgID,
	}, s.tokenTTL)
}

// GenerateVisitorToken issues a widget session token.
func (s *Service) GenerateVisitorToken(visitorID, websiteID, orgID string) (string, error) {
	return s.sign(Claims{
		VisitorID:      visitorID,
		WebsiteID:      websiteID,
		OrganizationID: orgID,
	}, s.tokenTTL)
}

func (s *Service) sign(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	return token.SignedString(s.jwtSecret)
}

func (s *Service) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// ResolveIdentity tries candidate tokens in fixed precedence: explicit
// override, session cookie, widget header, Authorization bearer. The
// first token that validates wins and short-circuits the rest; tokens
// that fail validation (including expired ones) are skipped as absent.
func (s *Service) ResolveIdentity(r *http.Request, overrideToken string) (*Identity, error) {
	for _, candidate := range s.candidateTokens(r, overrideToken) {
		claims, err := s.ValidateToken(candidate)
		if err != nil {
			continue
		}
		if claims.UserID == "" && claims.VisitorID == "" {
			return nil, ErrIdentificationRequired
		}
		return &Identity{
			UserID:         claims.UserID,
			VisitorID:      claims.VisitorID,
			WebsiteID:      claims.WebsiteID,
			OrganizationID: claims.OrganizationID,
		}, nil
	}
	return nil, ErrAuthRequired
}

func (s *Service) candidateTokens(r *http.Request, overrideToken string) []string {
	var candidates []string
	if overrideToken != "" {
		candidates = append(candidates, overrideToken)
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		candidates = append(candidates, cookie.Value)
	}
	if h := r.Header.Get(WidgetTokenHeader); h != "" {
		candidates = append(candidates, h)
	}
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			candidates = append(candidates, parts[1])
		}
	}
	return candidates
}
