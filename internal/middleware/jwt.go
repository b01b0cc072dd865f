// Package middleware provides the HTTP middleware of the query server:
// authentication, rate limiting, request IDs and access logging.
package middleware

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the parsed claims of a validated token.
type Claims struct {
	Subject  string
	Issuer   string
	Audience []string
	Raw      map[string]any
}

// User returns the string claim naming the user.
func (c *Claims) User(claim string) (string, bool) {
	if claim == "" || claim == "sub" {
		return c.Subject, c.Subject != ""
	}
	v, ok := c.Raw[claim].(string)
	return v, ok && v != ""
}

// TokenValidator validates a bearer token and returns its claims.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// HS256Validator validates tokens signed with a shared secret.
type HS256Validator struct {
	secret []byte
}

// NewHS256Validator creates a validator for HS256 tokens.
func NewHS256Validator(secret string) (*HS256Validator, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	return &HS256Validator{secret: []byte(secret)}, nil
}

// Validate verifies the signature and expiry of token.
func (v *HS256Validator) Validate(_ context.Context, token string) (*Claims, error) {
	tok, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	raw, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("parse claims: unsupported claim type %T", tok.Claims)
	}

	claims := &Claims{Raw: map[string]any(raw)}
	claims.Subject, _ = raw.GetSubject()
	claims.Issuer, _ = raw.GetIssuer()
	if aud, err := raw.GetAudience(); err == nil {
		claims.Audience = aud
	}
	return claims, nil
}

// JWKSValidator validates asymmetric tokens against a remote key set. Keys are
// fetched on first use.
type JWKSValidator struct {
	verifier *oidc.IDTokenVerifier
}

// NewJWKSValidator creates a validator for tokens issued by issuer and signed
// with keys published at jwksURL. An empty audience or issuer skips that check.
func NewJWKSValidator(ctx context.Context, jwksURL, issuer, audience string) (*JWKSValidator, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("JWKS URL is required")
	}
	keys := oidc.NewRemoteKeySet(ctx, jwksURL)
	verifier := oidc.NewVerifier(issuer, keys, &oidc.Config{
		ClientID:          audience,
		SkipClientIDCheck: audience == "",
		SkipIssuerCheck:   issuer == "",
	})
	return &JWKSValidator{verifier: verifier}, nil
}

// Validate verifies token against the key set.
func (v *JWKSValidator) Validate(ctx context.Context, token string) (*Claims, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}
	return &Claims{
		Subject:  idToken.Subject,
		Issuer:   idToken.Issuer,
		Audience: idToken.Audience,
		Raw:      raw,
	}, nil
}
