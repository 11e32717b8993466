package auth

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/ggoodman/spotify-mcp-go/internal/jwtauth"
)

// SecurityConfig describes how this resource validates and advertises bearer
// token authentication. Transports use it to build the protected resource
// metadata document and WWW-Authenticate challenges.
//
// A zero value is invalid; populate required fields then call Validate.
type SecurityConfig struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string // default: ["RS256"] if empty
	JWKSURL     string   // optional override / filled by discovery

	// RequiredScopes are enforced on every token and echoed in the scope
	// parameter of insufficient_scope challenges.
	RequiredScopes []string

	Leeway    time.Duration // clock skew tolerance (default 60s)
	Advertise bool

	OIDC *OIDCExtra // optional extended metadata for advertisement only
}

// OIDCExtra carries optional OpenID / OAuth authorization server metadata we
// surface for client bootstrapping. None of these fields are required for
// token validation.
type OIDCExtra struct {
	AuthorizationEndpoint         string
	TokenEndpoint                 string
	RegistrationEndpoint          string
	ScopesSupported               []string
	ResponseTypesSupported        []string
	GrantTypesSupported           []string
	CodeChallengeMethodsSupported []string
	TokenEndpointAuthMethods      []string
}

// Normalize fills defaults in place.
func (c *SecurityConfig) Normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
}

// Validate returns an error if required invariants are not met.
func (c SecurityConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("security: issuer required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("security: at least one audience required")
	}
	if slices.Contains(c.Audiences, "") {
		return errors.New("security: empty audience entry")
	}
	return nil
}

// Copy returns a deep copy safe for mutation by the caller.
func (c SecurityConfig) Copy() SecurityConfig {
	dup := c
	dup.Audiences = slices.Clone(c.Audiences)
	dup.AllowedAlgs = slices.Clone(c.AllowedAlgs)
	dup.RequiredScopes = slices.Clone(c.RequiredScopes)
	if c.OIDC != nil {
		ox := *c.OIDC
		ox.ScopesSupported = slices.Clone(c.OIDC.ScopesSupported)
		ox.ResponseTypesSupported = slices.Clone(c.OIDC.ResponseTypesSupported)
		ox.GrantTypesSupported = slices.Clone(c.OIDC.GrantTypesSupported)
		ox.CodeChallengeMethodsSupported = slices.Clone(c.OIDC.CodeChallengeMethodsSupported)
		ox.TokenEndpointAuthMethods = slices.Clone(c.OIDC.TokenEndpointAuthMethods)
		dup.OIDC = &ox
	}
	return dup
}

// NewManualJWTAuthenticator constructs a JWT access token authenticator using
// this security configuration without performing OIDC discovery. It expects
// Issuer, at least one audience and JWKSURL to be set.
func (c SecurityConfig) NewManualJWTAuthenticator(ctx context.Context) (SecurityProvider, error) {
	cc := c.Copy()
	cc.Normalize()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	if cc.JWKSURL == "" {
		return nil, errors.New("security: JWKSURL required for manual JWT authenticator")
	}

	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = cc.Issuer
	cfg.ExpectedAudiences = slices.Clone(cc.Audiences)
	cfg.AllowedAlgs = slices.Clone(cc.AllowedAlgs)
	cfg.RequiredScopes = slices.Clone(cc.RequiredScopes)
	cfg.Leeway = cc.Leeway
	v, err := jwtauth.NewStatic(ctx, cfg, cc.JWKSURL)
	if err != nil {
		return nil, err
	}
	cc.Advertise = true
	return &adapter{v: v, sec: cc}, nil
}

// SecurityDescriptor exposes security configuration for transports to advertise.
type SecurityDescriptor interface{ SecurityConfig() SecurityConfig }

// SecurityProvider combines validation + descriptor. Returned by constructors.
type SecurityProvider interface {
	Authenticator
	SecurityDescriptor
}
