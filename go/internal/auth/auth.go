package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

var (
	ErrInvalidToken = errors.New("invalid credential")
	ErrNoSecret     = errors.New("auth: signing secret is empty")
)

// Claims is the identity carried by every portal and gateway credential.
type Claims struct {
	Team  string `json:"team"`
	Admin bool   `json:"admin"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 credentials.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewIssuer(secret string, ttl time.Duration, clock clockwork.Clock) (*Issuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		clock:  clock,
	}, nil
}

// Issue mints a credential for team. Admin credentials may carry an empty team.
func (i *Issuer) Issue(team string, admin bool) (string, error) {
	if team == "" && !admin {
		return "", fmt.Errorf("%w: participant credential needs a team", ErrInvalidToken)
	}

	now := i.clock.Now()
	claims := Claims{
		Team:  team,
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	if team != "" {
		claims.Subject = team
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of raw and returns its claims.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Team == "" && !claims.Admin {
		return nil, fmt.Errorf("%w: no team claim", ErrInvalidToken)
	}
	return claims, nil
}

// ReadClaims decodes raw without verifying it. Clients use it once at session
// start to choose between the participant and administrator views; the server
// still verifies every request.
func ReadClaims(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
