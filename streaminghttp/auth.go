package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/spotify-mcp-go/auth"
)

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", resource_metadata="<url>", error="...", error_description="...", scope="..."
//
// Empty attributes are omitted.
func buildBearerChallenge(realm, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok && v != "" {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

func (h *StreamingHTTPHandler) challenge(w http.ResponseWriter, status int, params map[string]string) {
	w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmURL, params))
	w.WriteHeader(status)
}

// checkAuthentication verifies the bearer token. On failure it writes the
// challenge and returns nil.
func (h *StreamingHTTPHandler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		// No credentials at all: bare challenge without an error code.
		h.log.InfoContext(ctx, "auth.check.missing")
		h.challenge(w, http.StatusUnauthorized, nil)
		return nil
	}

	scheme, tok, ok := strings.Cut(authHeader, " ")
	tok = strings.TrimSpace(tok)
	if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		h.challenge(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"})
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
		return userInfo
	case errors.Is(err, auth.ErrInsufficientScope):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		h.challenge(w, http.StatusForbidden, map[string]string{
			"error":             "insufficient_scope",
			"error_description": err.Error(),
			"scope":             strings.Join(h.requiredScopes, " "),
		})
	case errors.Is(err, auth.ErrUnauthorized):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		h.challenge(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token", "error_description": err.Error()})
	default:
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeProtocolError(w, errInternal)
	}
	return nil
}
