// Package auth provides the bearer token authentication used by the
// streaming HTTP router. Tokens are RFC 9068 JWT access tokens issued by an
// external OAuth 2.0 / OIDC authorization server.
//
// An Authenticator validates an incoming bearer token string and returns a
// UserInfo (or an error). The router extracts the token from the request,
// stores the UserInfo on the request context with WithUserInfo, and maps
// sentinel errors into WWW-Authenticate challenges.
//
// # Discovery
//
// NewFromDiscovery resolves the issuer's JWKS and endpoints through OpenID
// Connect discovery:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://mcp.example/mcp",
//	    auth.WithRequiredScopes("playback"),
//	)
//
// # Static JWKS
//
// SecurityConfig.NewManualJWTAuthenticator skips discovery and validates
// against an explicitly configured JWKS URL.
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s).
package auth
