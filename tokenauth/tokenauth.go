// Package tokenauth implements the registry's token service: a
// scope-parsing bearer token issuer and verifier, asymmetric-key signed
// with the standard iss/sub/aud/exp/nbf/iat/jti/access claim set. Signing
// runs through github.com/golang-jwt/jwt/v5 rather than the legacy
// docker/libtrust JWK scheme, which predates the JOSE RS256/PS256/ES256
// algorithm names PEM-keyed deployments configure.
package tokenauth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Algorithm is the signing algorithm a Service instance uses; only the
// three asymmetric JOSE algorithms are supported.
type Algorithm string

const (
	AlgorithmES256 Algorithm = "ES256"
	AlgorithmRS256 Algorithm = "RS256"
	AlgorithmPS256 Algorithm = "PS256"
)

func (a Algorithm) signingMethod() (jwt.SigningMethod, error) {
	switch a {
	case AlgorithmES256:
		return jwt.SigningMethodES256, nil
	case AlgorithmRS256:
		return jwt.SigningMethodRS256, nil
	case AlgorithmPS256:
		return jwt.SigningMethodPS256, nil
	default:
		return nil, fmt.Errorf("tokenauth: unsupported signing algorithm %q", a)
	}
}

const DefaultTTL = 300 * time.Second

// AccessEntry mirrors one access[] element in the issued claim set.
type AccessEntry struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// Claims is the issued JWT claim set: golang-jwt/jwt/v5's
// RegisteredClaims plus the private `access` claim.
type Claims struct {
	jwt.RegisteredClaims
	Access []AccessEntry `json:"access"`
}

// Service issues and verifies bearer tokens for one `service` (aud) value.
type Service struct {
	Issuer      string
	Service     string
	Algorithm   Algorithm
	TTL         time.Duration
	PrivateKey  crypto.PrivateKey
	PublicKey   crypto.PublicKey
	Permissions PermissionSource
}

type Option func(*Service)

func WithTTL(d time.Duration) Option { return func(s *Service) { s.TTL = d } }

// New constructs a Service. privateKey/publicKey must match algorithm's
// key type (ecdsa for ES256, rsa for RS256/PS256).
func New(issuer, service string, algorithm Algorithm, privateKey crypto.PrivateKey, publicKey crypto.PublicKey, perms PermissionSource, opts ...Option) (*Service, error) {
	if _, err := algorithm.signingMethod(); err != nil {
		return nil, err
	}
	switch algorithm {
	case AlgorithmES256:
		if _, ok := privateKey.(*ecdsa.PrivateKey); !ok {
			return nil, fmt.Errorf("tokenauth: ES256 requires an ecdsa private key")
		}
	case AlgorithmRS256, AlgorithmPS256:
		if _, ok := privateKey.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("tokenauth: %s requires an rsa private key", algorithm)
		}
	}
	s := &Service{
		Issuer:      issuer,
		Service:     service,
		Algorithm:   algorithm,
		TTL:         DefaultTTL,
		PrivateKey:  privateKey,
		PublicKey:   publicKey,
		Permissions: perms,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Request is a parsed token request (GET /token/?service=&scope=&account=).
type Request struct {
	Service string
	Scope   string
	Account string
	// Authenticated is true when the request carried valid Basic
	// credentials (verified by the caller before Issue is invoked).
	Authenticated bool
}

// Issue evaluates req against s.Permissions and signs a token. Unauthenticated
// requests (Authenticated=false) produce a token with empty access;
// the returned token is still well-formed so that anonymous pulls from
// public repositories can present it.
func (s *Service) Issue(ctx context.Context, req Request) (string, error) {
	scopes, err := ParseScope(req.Scope)
	if err != nil {
		return "", err
	}

	// Unauthenticated requests always get empty access; anonymous pulls
	// from public repositories are authorized at the endpoint, not here.
	var access []AccessEntry
	if req.Authenticated {
		for _, sc := range scopes {
			granted := s.Permissions.Actions(req.Account, sc.Type, sc.Resource)
			actions := sc.Intersect(granted)
			if len(actions) == 0 {
				continue
			}
			access = append(access, AccessEntry{Type: sc.Type, Name: sc.Resource, Actions: actions})
		}
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   req.Account,
			Audience:  jwt.ClaimStrings{s.Service},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Access: access,
	}

	method, _ := s.Algorithm.signingMethod()
	token := jwt.NewWithClaims(method, claims)
	return token.SignedString(s.PrivateKey)
}

// Verify parses and validates a bearer token string, checking signature,
// exp, nbf and aud.
func (s *Service) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		method, err := s.Algorithm.signingMethod()
		if err != nil {
			return nil, err
		}
		if t.Method.Alg() != method.Alg() {
			return nil, fmt.Errorf("tokenauth: unexpected signing method %q", t.Method.Alg())
		}
		return s.PublicKey, nil
	}, jwt.WithAudience(s.Service), jwt.WithIssuer(s.Issuer))
	if err != nil {
		return nil, fmt.Errorf("tokenauth: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("tokenauth: invalid token")
	}
	return claims, nil
}

// AllowedActions returns the actions Claims grants over (scopeType,
// resource), or nil when the claim set has no entry for it; Allows checks
// one action (e.g. "pull" for a manifest GET) against this list.
func (c *Claims) AllowedActions(scopeType, resource string) []string {
	for _, a := range c.Access {
		if a.Type == scopeType && a.Name == resource {
			return a.Actions
		}
	}
	return nil
}

// Allows reports whether Claims grants action over (scopeType, resource).
func (c *Claims) Allows(scopeType, resource, action string) bool {
	for _, a := range c.AllowedActions(scopeType, resource) {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}
