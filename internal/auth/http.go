// ABOUTME: HTTP authentication for the websocket endpoint and the JSON API
// ABOUTME: Reads a bearer token or ?token= and falls back to ?user_id= in dev mode

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/uptrace/bunrouter"
)

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the caller of an HTTP request.
type Authenticator struct {
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewAuthenticator creates an authenticator. A nil verifier enables dev
// mode: the user_id query parameter is trusted and carries every role.
func NewAuthenticator(verifier TokenVerifier, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{verifier: verifier, logger: logger.With("component", "auth")}
}

// DevMode reports whether tokens are bypassed.
func (a *Authenticator) DevMode() bool {
	return a.verifier == nil
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Authenticate returns the caller's claims. Browsers cannot set headers on
// websocket upgrades, so ?token= is accepted as well.
func (a *Authenticator) Authenticate(r *http.Request) (*Claims, error) {
	if a.verifier == nil {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			return nil, ErrUnauthenticated
		}
		return &Claims{UserID: userID, Roles: []string{RoleAdmin}}, nil
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		var errMsg string
		token, errMsg = extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			return nil, errors.Join(ErrUnauthenticated, errors.New(errMsg))
		}
	}
	return a.verifier.Verify(token)
}

// Middleware rejects unauthenticated requests and stores claims in the
// request context.
func (a *Authenticator) Middleware(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, req bunrouter.Request) error {
		claims, err := a.Authenticate(req.Request)
		if err != nil {
			a.logger.Debug("rejecting request", "path", req.URL.Path, "error", err)
			return writeError(w, http.StatusUnauthorized, "unauthorized")
		}
		return next(w, req.WithContext(WithAuth(req.Context(), claims)))
	}
}

// RequireRole rejects requests whose claims lack role. Must run after
// Middleware.
func RequireRole(role string) bunrouter.MiddlewareFunc {
	return func(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
		return func(w http.ResponseWriter, req bunrouter.Request) error {
			claims := FromContext(req.Context())
			if claims == nil {
				return writeError(w, http.StatusUnauthorized, "not authenticated")
			}
			if !claims.HasRole(role) {
				return writeError(w, http.StatusForbidden, role+" role required")
			}
			return next(w, req)
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(bunrouter.H{"error": msg})
}
