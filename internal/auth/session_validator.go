package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles accepted on staff endpoints.
const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

const bearerPrefix = "bearer "

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
	ErrInsufficientRole         = errors.New("session validator: insufficient role")
)

// SessionClaims is the JWT payload of a signed-in member or staff session.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// HasAnyRole reports whether the session carries one of roles, case-insensitively.
func (c SessionClaims) HasAnyRole(roles ...string) bool {
	for _, held := range c.UserRoles {
		normalized := strings.ToLower(strings.TrimSpace(held))
		if slices.Contains(roles, normalized) {
			return true
		}
	}
	return false
}

// IsStaff reports whether the session may use staff endpoints.
func (c SessionClaims) IsStaff() bool {
	return c.HasAnyRole(RoleStaff, RoleAdmin)
}

// SessionValidatorConfig describes how to validate session JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator validates HS256 session JWTs.
type SessionValidator struct {
	parser     *jwt.Parser
	keyFunc    jwt.Keyfunc
	cookieName string
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	switch {
	case len(cfg.SigningSecret) == 0:
		return nil, ErrMissingSessionSigningKey
	case strings.TrimSpace(cfg.Issuer) == "":
		return nil, ErrMissingSessionIssuer
	case strings.TrimSpace(cfg.CookieName) == "":
		return nil, ErrMissingSessionCookieName
	}

	options := []jwt.ParserOption{
		jwt.WithIssuer(strings.TrimSpace(cfg.Issuer)),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Clock != nil {
		options = append(options, jwt.WithTimeFunc(cfg.Clock))
	}
	secret := slices.Clone(cfg.SigningSecret)
	return &SessionValidator{
		parser:     jwt.NewParser(options...),
		keyFunc:    func(*jwt.Token) (any, error) { return secret, nil },
		cookieName: strings.TrimSpace(cfg.CookieName),
	}, nil
}

// ValidateToken verifies the signature, issuer and expiry of a session JWT
// and returns its claims. Sessions without a subject and user id are rejected.
func (v *SessionValidator) ValidateToken(rawToken string) (SessionClaims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(rawToken, &claims, v.keyFunc); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// ValidateRequest reads the session from the configured cookie, falling back
// to an Authorization bearer token, and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie != nil && cookie.Value != "" {
		return v.ValidateToken(cookie.Value)
	}
	header := r.Header.Get("Authorization")
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return v.ValidateToken(header[len(bearerPrefix):])
	}
	return SessionClaims{}, ErrMissingSessionToken
}

// ValidateStaffRequest validates the request session and requires a staff or admin role.
func (v *SessionValidator) ValidateStaffRequest(r *http.Request) (SessionClaims, error) {
	claims, err := v.ValidateRequest(r)
	if err != nil {
		return SessionClaims{}, err
	}
	if !claims.IsStaff() {
		return claims, ErrInsufficientRole
	}
	return claims, nil
}
