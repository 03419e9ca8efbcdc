package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/workspace"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	// EventSource cannot set headers, so the stream endpoint also accepts
	// the token as a query parameter.
	streamTokenParam = "access_token"
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

// withAuth resolves the bearer token into a principal. Requests without a
// valid token never reach the workspace handlers.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if a.tokens == nil {
			writeError(w, r, http.StatusUnauthorized, "authentication is not configured")
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil && isStreamPath(r.URL.Path) {
			if q := strings.TrimSpace(r.URL.Query().Get(streamTokenParam)); q != "" {
				token, err = q, nil
			}
		}
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.tokens.Parse(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), claims.Principal())
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) (workspace.Principal, bool) {
	return auth.PrincipalFromContext(r.Context())
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func isStreamPath(path string) bool {
	return strings.HasPrefix(path, "/v1/workspaces/") && strings.HasSuffix(path, "/restriction/stream")
}
