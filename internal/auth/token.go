// Package auth verifies the bearer tokens issued by the account service and
// turns them into prescription actors.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/drfirst/go-rxverify/internal/domain/prescription"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carried by access tokens. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

// Verifier checks HMAC-signed access tokens.
type Verifier struct {
	key    []byte
	issuer string
	parser *jwt.Parser
	now    func() time.Time
}

// NewVerifier creates a verifier. An empty issuer disables the issuer check.
func NewVerifier(signingKey []byte, issuer string) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{
		key:    signingKey,
		issuer: issuer,
		parser: jwt.NewParser(opts...),
		now:    time.Now,
	}
}

// Verify parses token and returns the actor it names. The role claim goes
// through prescription.ParseRole so aliases are canonicalized here once.
func (v *Verifier) Verify(token string) (prescription.ActorRef, error) {
	if token == "" {
		return prescription.ActorRef{}, ErrMissingToken
	}
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return prescription.ActorRef{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return prescription.ActorRef{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role, ok := prescription.ParseRole(claims.Role)
	if !ok {
		return prescription.ActorRef{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return prescription.ActorRef{ID: claims.Subject, Role: role}, nil
}

// Issue signs a token for actor valid for ttl. Used by rxadmin and tests;
// production tokens come from the account service.
func (v *Verifier) Issue(actor prescription.ActorRef, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(actor.Role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
