package auth

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/ggoodman/spotify-mcp-go/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the RFC 9068 access
// token authenticator (scopes, algorithms, leeway, extra audiences).
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = slices.Clone(scopes)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = slices.Clone(scopes)
		c.ScopeModeAny = true
	}
}

// WithAdditionalAudiences accepts tokens minted for any of the given
// audiences in addition to the primary one.
func WithAdditionalAudiences(auds ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, auds...)
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = slices.DeleteFunc(slices.Clone(algs), func(a string) bool { return a == "none" })
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 JWT access
// tokens using OpenID Connect discovery against issuer. audience is the
// expected "aud" claim, typically the public MCP endpoint URL.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (SecurityProvider, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sec := SecurityConfig{
		Issuer:         cfg.Issuer,
		Audiences:      slices.Clone(cfg.ExpectedAudiences),
		AllowedAlgs:    slices.Clone(cfg.AllowedAlgs),
		RequiredScopes: slices.Clone(cfg.RequiredScopes),
		Leeway:         cfg.Leeway,
		Advertise:      true,
	}
	if d := v.Discovery(); d != nil {
		sec.Issuer = d.Issuer
		sec.JWKSURL = d.JWKSURI
		sec.OIDC = &OIDCExtra{
			AuthorizationEndpoint:         d.AuthorizationEndpoint,
			TokenEndpoint:                 d.TokenEndpoint,
			RegistrationEndpoint:          d.RegistrationEndpoint,
			ScopesSupported:               d.Scopes,
			ResponseTypesSupported:        d.ResponseTypes,
			GrantTypesSupported:           d.GrantTypes,
			CodeChallengeMethodsSupported: d.CodeChallengeMethods,
			TokenEndpointAuthMethods:      d.TokenAuthMethods,
		}
	}
	sec.Normalize()
	return &adapter{v: v, sec: sec}, nil
}

// adapter wraps the internal verifier to satisfy the public interface.
type adapter struct {
	v   *jwtauth.Verifier
	sec SecurityConfig
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	p, err := ad.v.Verify(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return principalInfo{p: p}, nil
}

func (ad *adapter) SecurityConfig() SecurityConfig { return ad.sec.Copy() }

type principalInfo struct{ p *jwtauth.Principal }

func (u principalInfo) UserID() string       { return u.p.Subject }
func (u principalInfo) Scopes() []string     { return slices.Clone(u.p.Scopes) }
func (u principalInfo) ExpiresAt() time.Time { return u.p.ExpiresAt }
func (u principalInfo) Claims(ref any) error { return u.p.Claims(ref) }
