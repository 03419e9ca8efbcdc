package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"staffportal.org/internal/workspace"
)

const defaultIssuer = "staffportal"

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims represents JWT claims issued by the identity provider. The external
// account id is only present once the account link has been verified.
type Claims struct {
	ExternalAccountID string `json:"ext,omitempty"`
	Verified          bool   `json:"ext_verified,omitempty"`
	jwt.RegisteredClaims
}

// Principal converts the claims into the principal used by access control.
func (c *Claims) Principal() workspace.Principal {
	return workspace.Principal{
		ID:                      c.Subject,
		ExternalAccountID:       c.ExternalAccountID,
		ExternalAccountVerified: c.Verified && c.ExternalAccountID != "",
	}
}

// Tokens signs and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// TokenOption configures Tokens behavior.
type TokenOption func(*Tokens)

// WithIssuer overrides the issuer claim written and required.
func WithIssuer(iss string) TokenOption {
	return func(t *Tokens) {
		if iss = strings.TrimSpace(iss); iss != "" {
			t.issuer = iss
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) TokenOption {
	return func(t *Tokens) { t.now = now }
}

// NewTokens constructs a signer for secret.
func NewTokens(secret string, opts ...TokenOption) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	t := &Tokens{secret: []byte(secret), issuer: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Issue signs a token for p valid for ttl.
func (t *Tokens) Issue(p workspace.Principal, ttl time.Duration) (string, error) {
	subject := strings.TrimSpace(p.ID)
	if subject == "" {
		return "", fmt.Errorf("%w: principal id is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	now := t.now().UTC()
	claims := Claims{
		ExternalAccountID: strings.TrimSpace(p.ExternalAccountID),
		Verified:          p.ExternalAccountVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the token signature and required claims.
func (t *Tokens) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := t.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (t *Tokens) validateClaims(claims *Claims) error {
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(t.now().Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.Verified && claims.ExternalAccountID == "" {
		return errors.New("verified without external account")
	}
	return nil
}
