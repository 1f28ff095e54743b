package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
)

// Role is what a token holder may do inside its session.
type Role string

const (
	RoleFacilitator Role = "facilitator"
	RoleParticipant Role = "participant"
)

const (
	issuer = "trolley"

	// DefaultTTL matches the default staleness window.
	DefaultTTL = 24 * time.Hour
)

var (
	ErrMissingToken = apperr.New(apperr.KindUnauthorized, apperr.CodeUnauthorizedAction, "missing session token")
	ErrInvalidToken = apperr.New(apperr.KindUnauthorized, apperr.CodeUnauthorizedAction, "invalid session token")
	ErrWrongSession = apperr.New(apperr.KindUnauthorized, apperr.CodeUnauthorizedAction, "token does not grant access to this session")
	ErrNotPermitted = apperr.New(apperr.KindUnauthorized, apperr.CodeUnauthorizedAction, "action requires the facilitator role")
)

// Claims identify who holds a token and which session it opens.
type Claims struct {
	SessionID     uuid.UUID `json:"sid"`
	ParticipantID uuid.UUID `json:"pid,omitempty"`
	Role          Role      `json:"role"`
	jwt.RegisteredClaims
}

// IsFacilitator reports whether the holder runs the session.
func (c *Claims) IsFacilitator() bool { return c.Role == RoleFacilitator }

// Authorize checks that the holder may act on sessionID.
func (c *Claims) Authorize(sessionID uuid.UUID, facilitatorOnly bool) error {
	if c == nil {
		return ErrMissingToken
	}
	if c.SessionID != sessionID {
		return ErrWrongSession
	}
	if facilitatorOnly && !c.IsFacilitator() {
		return ErrNotPermitted
	}
	return nil
}

// TokenIssuer signs and verifies HS256 session tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

// NewTokenIssuer creates an issuer. An empty secret is rejected.
func NewTokenIssuer(secret string, ttl time.Duration, clock clockwork.Clock) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, clock: clock}, nil
}

// RandomSecret returns a process-local secret for memory mode.
func RandomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issue signs a token for the given holder.
func (i *TokenIssuer) Issue(sessionID, participantID uuid.UUID, role Role) (string, error) {
	now := i.clock.Now()
	claims := Claims{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Role:          role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   sessionID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses token and returns its claims.
func (i *TokenIssuer) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnauthorized, apperr.CodeUnauthorizedAction, ErrInvalidToken.Message)
	}
	if claims.SessionID == uuid.Nil || (claims.Role != RoleFacilitator && claims.Role != RoleParticipant) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// FromRequest reads a token from the Authorization header, falling back to
// the token query parameter for websocket upgrades.
func FromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, "Bearer ") {
			return "", ErrInvalidToken
		}
		token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		if token == "" {
			return "", ErrInvalidToken
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// Authenticate verifies the token carried by r.
func (i *TokenIssuer) Authenticate(r *http.Request) (*Claims, error) {
	token, err := FromRequest(r)
	if err != nil {
		return nil, err
	}
	return i.Verify(token)
}
