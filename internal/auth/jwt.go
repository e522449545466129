package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"therapychat/pkg/interfaces"
	"therapychat/pkg/types"
)

var _ interfaces.Authenticator = (*Verifier)(nil)

// Claims is the token payload. ID carries the participant identity;
// Subject is accepted as a fallback for tokens minted by other issuers.
type Claims struct {
	ID   string `json:"id,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ParticipantID returns the identity the token speaks for
func (c *Claims) ParticipantID() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Subject
}

// Verifier resolves HS256 bearer tokens to participant ids.
// Token issuance lives outside this service; Sign exists for tests and tooling.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures a Verifier
type Option func(*Verifier)

// WithIssuer requires tokens to carry the given iss claim
func WithIssuer(issuer string) Option {
	return func(v *Verifier) { v.issuer = issuer }
}

// WithClock overrides the time source used for exp/nbf checks
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier for the shared secret
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret cannot be empty")
	}
	v := &Verifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// ResolveToken implements interfaces.Authenticator
func (v *Verifier) ResolveToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", types.ErrAuthenticationFailed)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return "", mapJWTError(err)
	}

	participantID := claims.ParticipantID()
	if !types.IsValidParticipantID(participantID) {
		return "", fmt.Errorf("%w: token carries no valid participant id", types.ErrAuthenticationFailed)
	}
	return participantID, nil
}

// Sign mints a token for participantID valid for ttl
func (v *Verifier) Sign(participantID, role string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		ID:   participantID,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// mapJWTError translates jwt library errors to the authentication class
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: token expired", types.ErrAuthenticationFailed)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: invalid signature", types.ErrAuthenticationFailed)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: malformed token", types.ErrAuthenticationFailed)
	default:
		return fmt.Errorf("%w: %v", types.ErrAuthenticationFailed, err)
	}
}
