package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultCapabilityTTL is the lifetime of a signer invitation token.
	DefaultCapabilityTTL = 7 * 24 * time.Hour
)

var (
	ErrMissingCapabilitySecret = errors.New("capability issuer: signing secret required")
	ErrMissingCapabilityIssuer = errors.New("capability issuer: issuer required")
	ErrMissingCapabilityScope  = errors.New("capability issuer: document id and email required")
	ErrInvalidCapability       = errors.New("capability issuer: invalid token")
	ErrExpiredCapability       = errors.New("capability issuer: token expired")
)

// CapabilityClaims scope a token to one document and one signer email.
type CapabilityClaims struct {
	DocumentID string `json:"document_id"`
	Email      string `json:"email"`
	jwt.RegisteredClaims
}

// CapabilityIssuerConfig configures capability token minting.
type CapabilityIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// CapabilityIssuer mints and verifies stateless HS256 capability tokens.
// Tokens cannot be revoked before they expire.
type CapabilityIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewCapabilityIssuer constructs a CapabilityIssuer. A non-positive TTL falls back to seven days.
func NewCapabilityIssuer(cfg CapabilityIssuerConfig) (*CapabilityIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingCapabilitySecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingCapabilityIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultCapabilityTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CapabilityIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Mint issues a token for the document and email and returns its expiry.
func (i *CapabilityIssuer) Mint(documentID, email string) (string, time.Time, error) {
	documentID = strings.TrimSpace(documentID)
	email = NormalizeEmail(email)
	if documentID == "" || email == "" {
		return "", time.Time{}, ErrMissingCapabilityScope
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := CapabilityClaims{
		DocumentID: documentID,
		Email:      email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks signature, issuer and expiry and returns the scoped claims.
func (i *CapabilityIssuer) Verify(tokenString string) (CapabilityClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return CapabilityClaims{}, ErrInvalidCapability
	}

	claims := &CapabilityClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidCapability, t.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return CapabilityClaims{}, ErrExpiredCapability
		}
		return CapabilityClaims{}, fmt.Errorf("%w: %v", ErrInvalidCapability, err)
	}
	if parsed == nil || !parsed.Valid {
		return CapabilityClaims{}, ErrInvalidCapability
	}
	if strings.TrimSpace(claims.DocumentID) == "" || NormalizeEmail(claims.Email) == "" {
		return CapabilityClaims{}, ErrInvalidCapability
	}
	claims.Email = NormalizeEmail(claims.Email)
	return *claims, nil
}

// Grants reports whether the token is valid for documentID and, when email is
// non-empty, for that signer email.
func (i *CapabilityIssuer) Grants(tokenString, documentID, email string) bool {
	claims, err := i.Verify(tokenString)
	if err != nil {
		return false
	}
	if claims.DocumentID != documentID {
		return false
	}
	return email == "" || claims.Email == NormalizeEmail(email)
}
