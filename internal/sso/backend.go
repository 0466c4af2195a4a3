package sso

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wadahiro/ssogate/internal/config"
	"github.com/wadahiro/ssogate/internal/protocol"
)

// Header names for backend client authentication.
const (
	headerToken    = "ssoToken"
	headerUsername = "username"
	headerPassword = "password"
)

type contextKey int

const currentUserKey contextKey = 0

// CurrentUser returns the user authenticated on ctx by the backend
// middleware.
func CurrentUser(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(currentUserKey).(*User)
	return u, ok
}

// Backend authenticates non-browser clients from request headers: either a
// pre-acquired SAML token in ssoToken, or username/password headers that
// are exchanged for a token first.
type Backend struct {
	cfg       *config.BackendConfig
	tokens    TokenProvider
	validator protocol.SignatureValidator
	resolver  UserResolver
	events    Events
}

// NewBackend creates the backend authenticator. tokens may be nil when only
// pre-acquired tokens are accepted.
func NewBackend(cfg *config.BackendConfig, tokens TokenProvider,
	validator protocol.SignatureValidator, resolver UserResolver, events Events) *Backend {
	return &Backend{
		cfg:       cfg,
		tokens:    tokens,
		validator: validator,
		resolver:  resolver,
		events:    events,
	}
}

// Authenticate authenticates r from its headers. On success it returns a
// context carrying the user; the caller must Release it when the request
// finishes. A false result means the request lacked usable credentials or
// they did not check out.
func (b *Backend) Authenticate(r *http.Request) (context.Context, bool) {
	token := collapseHeader(r.Header.Get(headerToken))

	if token == "" {
		username := r.Header.Get(headerUsername)
		password := r.Header.Get(headerPassword)
		if username == "" || password == "" || b.tokens == nil {
			return r.Context(), false
		}
		acquired, err := b.tokens.RequestToken(r.Context(), username, password)
		if err != nil {
			slog.Warn("Token exchange failed", "username", username, "error", err)
			return r.Context(), false
		}
		token = collapseHeader(acquired)
	}

	var xmlBytes []byte
	var err error
	if protocol.IsEncoded(token) {
		xmlBytes, err = protocol.DecodeRedirect(token)
	} else {
		xmlBytes = []byte(token)
	}
	if err != nil {
		slog.Warn("Failed to decode backend token", "error", err)
		return r.Context(), false
	}

	result, err := protocol.ParseResponse(xmlBytes, b.validator)
	if err != nil || result.Empty() {
		slog.Warn("Backend token did not yield an authenticated subject", "error", err)
		return r.Context(), false
	}

	user, err := b.resolver.Resolve(r.Context(), result.Subject)
	if err != nil {
		slog.Warn("Failed to resolve backend subject", "subject", result.Subject, "error", err)
		return r.Context(), false
	}
	user.Token = token
	for name, value := range result.Attributes {
		user.SetProperty(name, value)
	}

	ctx := context.WithValue(r.Context(), currentUserKey, user)
	b.events.Authenticated(ctx, user)
	return ctx, true
}

// Release ends the authenticated scope opened by Authenticate, publishing
// the logout event. Paired with Authenticate via defer in the middleware.
func (b *Backend) Release(ctx context.Context) {
	if user, ok := CurrentUser(ctx); ok {
		b.events.LoggedOut(ctx, user)
	}
}

// Run executes f inside an authenticated scope: the user is bound to the
// context f receives and released on every exit path, panics included. A
// false return means authentication failed and f never ran.
func (b *Backend) Run(r *http.Request, f func(ctx context.Context)) bool {
	ctx, ok := b.Authenticate(r)
	if !ok {
		return false
	}
	defer b.Release(ctx)
	f(ctx)
	return true
}

// Middleware authenticates requests under the configured path prefix. The
// user is bound to the request context for the duration of the request and
// released when it completes.
func (b *Backend) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.cfg.Enabled || !strings.HasPrefix(r.URL.Path, b.cfg.PathPrefix) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, ok := b.Authenticate(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		defer b.Release(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// collapseHeader strips the line breaks some clients leave in header values
// built from wrapped base64.
func collapseHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	v = strings.ReplaceAll(v, "\n", "")
	return strings.TrimSpace(v)
}
