package sso

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/wadahiro/ssogate/internal/config"
	"github.com/wadahiro/ssogate/internal/protocol"
	"github.com/wadahiro/ssogate/internal/session"
)

// Session value keys used by the engine.
const (
	sessionKeyUser         = "sso.user"
	sessionKeySubject      = "sso.subject"
	sessionKeySessionIndex = "sso.session_index"
)

// SessionLookup resolves the session attached to a request.
type SessionLookup interface {
	Lookup(r *http.Request) (session.Session, bool)
}

// Filter is the browser authentication filter. Requests without an
// authenticated session are redirected to the IdP with a fresh AuthnRequest;
// excluded paths and already-authenticated requests pass straight through.
type Filter struct {
	cfg         *config.SSOConfig
	contextPath string
	sessions    SessionLookup
}

// NewFilter creates the filter.
func NewFilter(cfg *config.SSOConfig, contextPath string, sessions SessionLookup) *Filter {
	return &Filter{cfg: cfg, contextPath: contextPath, sessions: sessions}
}

// Middleware wraps next with the authentication check.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.cfg.Enabled || f.cfg.Excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if sess, ok := f.sessions.Lookup(r); ok {
			if _, ok := sess.Get(sessionKeyUser); ok {
				next.ServeHTTP(w, r)
				return
			}
		}
		f.redirectToIdP(w, r)
	})
}

// redirectToIdP builds an AuthnRequest for the request and redirects the
// browser to the IdP, carrying the originally requested URL as RelayState.
func (f *Filter) redirectToIdP(w http.ResponseWriter, r *http.Request) {
	issuer := f.cfg.IssuerID
	if issuer == "" {
		issuer = r.Host
	}
	acsURL := requestScheme(r) + "://" + r.Host + f.contextPath + f.cfg.LoginPath

	authnRequest := protocol.NewAuthnRequest(issuer, acsURL)
	encoded, err := protocol.Encode(authnRequest)
	if err != nil {
		slog.Error("Failed to encode AuthnRequest", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	relayState := r.URL.RequestURI()
	idpURL := f.cfg.IdPURLFor(localAddr(r))

	slog.Debug("Redirecting unauthenticated request to IdP",
		"path", r.URL.Path, "idp_url", idpURL, "request_id", authnRequest.MessageID())

	target := idpURL + "?SAMLRequest=" + encoded + "&RelayState=" + url.QueryEscape(relayState)
	http.Redirect(w, r, target, http.StatusFound)
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		return "https"
	}
	return "http"
}

// localAddr returns the local listen address the request arrived on, or
// empty when the server did not record one.
func localAddr(r *http.Request) string {
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		return addr.String()
	}
	return ""
}
