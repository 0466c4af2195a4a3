package sso

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/wadahiro/ssogate/internal/config"
	"github.com/wadahiro/ssogate/internal/protocol"
	"github.com/wadahiro/ssogate/internal/session"
	"github.com/wadahiro/ssogate/internal/signature"
)

// defaultRetryDelay is how long a duplicate logout request waits before
// being sent back to retry, giving the in-flight exchange time to finish.
const defaultRetryDelay = 2 * time.Second

// SessionStore is the session layer the handler drives.
type SessionStore interface {
	SessionLookup
	Attach(w http.ResponseWriter, r *http.Request) session.Session
	Drop(w http.ResponseWriter, r *http.Request)
}

// Handler serves the SSO endpoints: the assertion consumer at the login
// path and single logout at the logout path.
type Handler struct {
	cfg         *config.SSOConfig
	contextPath string
	sessions    SessionStore
	registry    *session.Registry
	guard       *session.Guard
	validator   protocol.SignatureValidator
	resolver    UserResolver
	events      Events
	retryDelay  time.Duration
}

// NewHandler creates the endpoint handler. validator may be nil when
// signature validation is disabled.
func NewHandler(cfg *config.SSOConfig, contextPath string, sessions SessionStore,
	registry *session.Registry, guard *session.Guard,
	validator protocol.SignatureValidator, resolver UserResolver, events Events) *Handler {
	return &Handler{
		cfg:         cfg,
		contextPath: contextPath,
		sessions:    sessions,
		registry:    registry,
		guard:       guard,
		validator:   validator,
		resolver:    resolver,
		events:      events,
		retryDelay:  defaultRetryDelay,
	}
}

// RegisterRoutes registers the login and logout endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(h.cfg.LoginPath, h.handleLogin)
	mux.HandleFunc(h.cfg.LogoutPath, h.handleLogout)
}

// handleLogin is the assertion consumer service. The IdP posts the SAML
// response here after authenticating the browser user.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	samlResponse := r.PostFormValue("SAMLResponse")
	if samlResponse == "" {
		http.Error(w, "SAMLResponse is required", http.StatusBadRequest)
		return
	}

	relayState := r.PostFormValue("RelayState")
	if relayState == "" {
		// Without a return URL the login cannot complete; send the browser
		// through logout to clear any half-built state.
		slog.Warn("SAML response without RelayState, forwarding to logout")
		http.Redirect(w, r, h.contextPath+h.cfg.LogoutPath, http.StatusFound)
		return
	}

	xmlBytes, err := protocol.DecodePost(samlResponse)
	if err != nil {
		slog.Warn("Failed to decode SAML response", "error", err)
		http.Error(w, "Malformed SAMLResponse", http.StatusBadRequest)
		return
	}
	slog.Debug("Received SAML response", "xml", protocol.FormatXML(string(xmlBytes)))

	result, err := protocol.ParseResponse(xmlBytes, h.validator)
	if err != nil {
		if errors.Is(err, signature.ErrMissingSignature) || errors.Is(err, signature.ErrSignature) {
			slog.Warn("SAML response failed signature validation", "error", err)
			http.Error(w, "Invalid signature", http.StatusBadRequest)
			return
		}
		slog.Warn("Failed to parse SAML response", "error", err)
		http.Error(w, "Malformed SAMLResponse", http.StatusBadRequest)
		return
	}

	if result.Empty() {
		// The IdP reports failed authentication by omitting the assertion.
		slog.Info("SAML response carried no assertion, authentication rejected")
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	user, err := h.resolver.Resolve(r.Context(), result.Subject)
	if err != nil {
		slog.Error("Failed to resolve authenticated subject", "subject", result.Subject, "error", err)
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}
	for name, value := range result.Attributes {
		user.SetProperty(name, value)
	}

	sess := h.sessions.Attach(w, r)
	sess.Set(sessionKeyUser, user)
	sess.Set(sessionKeySubject, result.Subject)
	sess.Set(sessionKeySessionIndex, result.SessionIndex)
	if result.SessionIndex != "" {
		h.registry.Register(result.SessionIndex, sess)
	}

	h.events.Authenticated(r.Context(), user)
	slog.Info("Login completed", "user", user.ID, "session_index", result.SessionIndex)

	target, err := url.QueryUnescape(relayState)
	if err != nil {
		target = relayState
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleLogout serves three flows on one path: a browser GET starts
// SP-initiated logout, a message with SAMLRequest is an IdP-initiated
// logout, and a POST with SAMLResponse is the IdP acknowledging an
// SP-initiated logout.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Query().Get("SAMLRequest") != "":
		h.handleIdPLogout(w, r, protocol.DecodeRedirect, r.URL.Query().Get("SAMLRequest"))
	case r.Method == http.MethodPost && r.PostFormValue("SAMLRequest") != "":
		h.handleIdPLogout(w, r, protocol.DecodePost, r.PostFormValue("SAMLRequest"))
	case r.Method == http.MethodPost && r.PostFormValue("SAMLResponse") != "":
		h.finishLogout(w, r)
	case r.Method == http.MethodGet:
		h.startLogout(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// startLogout begins SP-initiated single logout for the current session.
func (h *Handler) startLogout(w http.ResponseWriter, r *http.Request) {
	home := h.contextPath + "/"

	sess, ok := h.sessions.Lookup(r)
	if !ok {
		http.Redirect(w, r, home, http.StatusFound)
		return
	}

	if !h.guard.Begin(sess.ID()) {
		// A logout for this client is already in flight; wait briefly and
		// send the browser back to retry instead of racing it.
		slog.Debug("Logout already in progress, delaying retry", "session", sess.ID())
		time.Sleep(h.retryDelay)
		http.Redirect(w, r, r.URL.RequestURI(), http.StatusFound)
		return
	}

	subject, _ := sess.Get(sessionKeySubject)
	nameID, _ := subject.(string)
	if nameID == "" {
		if u, ok := sess.Get(sessionKeyUser); ok {
			if user, ok := u.(*User); ok {
				nameID = user.ID
			}
		}
	}

	var sessionIndexes []string
	if v, ok := sess.Get(sessionKeySessionIndex); ok {
		if idx, _ := v.(string); idx != "" {
			sessionIndexes = append(sessionIndexes, idx)
		}
	}

	issuer := h.cfg.IssuerID
	if issuer == "" {
		issuer = r.Host
	}

	logoutRequest := protocol.NewLogoutRequest(issuer, nameID, sessionIndexes...)
	encoded, err := protocol.Encode(logoutRequest)
	if err != nil {
		h.guard.End(sess.ID())
		slog.Error("Failed to encode LogoutRequest", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	idpURL := h.cfg.IdPURLFor(localAddr(r))
	slog.Info("Starting single logout", "session", sess.ID(), "request_id", logoutRequest.MessageID())

	target := idpURL + "?SAMLRequest=" + encoded + "&RelayState=" + url.QueryEscape(home)
	http.Redirect(w, r, target, http.StatusFound)
}

// finishLogout completes SP-initiated logout when the IdP posts its
// LogoutResponse back. The local session is torn down regardless of the
// response status; the user asked to leave.
func (h *Handler) finishLogout(w http.ResponseWriter, r *http.Request) {
	if xmlBytes, err := protocol.DecodePost(r.PostFormValue("SAMLResponse")); err == nil {
		slog.Debug("Received logout response", "xml", protocol.FormatXML(string(xmlBytes)))
	}

	home := h.contextPath + "/"
	if relay := r.PostFormValue("RelayState"); relay != "" {
		if target, err := url.QueryUnescape(relay); err == nil {
			home = target
		}
	}

	sess, ok := h.sessions.Lookup(r)
	if !ok {
		http.Redirect(w, r, home, http.StatusFound)
		return
	}

	if v, ok := sess.Get(sessionKeyUser); ok {
		if user, ok := v.(*User); ok {
			h.events.LoggedOut(r.Context(), user)
		}
	}
	if v, ok := sess.Get(sessionKeySessionIndex); ok {
		if idx, _ := v.(string); idx != "" {
			h.registry.Unregister(idx)
		}
	}

	h.guard.End(sess.ID())
	h.sessions.Drop(w, r)
	slog.Info("Single logout completed", "session", sess.ID())

	http.Redirect(w, r, home, http.StatusFound)
}

// handleIdPLogout processes an IdP-initiated LogoutRequest, terminating
// every local session named by the request's session indexes.
func (h *Handler) handleIdPLogout(w http.ResponseWriter, r *http.Request,
	decode func(string) ([]byte, error), message string) {

	xmlBytes, err := decode(message)
	if err != nil {
		slog.Warn("Failed to decode logout request", "error", err)
		http.Error(w, "Malformed SAMLRequest", http.StatusBadRequest)
		return
	}
	slog.Debug("Received logout request", "xml", protocol.FormatXML(string(xmlBytes)))

	req, err := protocol.ParseLogoutRequest(xmlBytes)
	if err != nil {
		slog.Warn("Failed to parse logout request", "error", err)
		http.Error(w, "Malformed SAMLRequest", http.StatusBadRequest)
		return
	}

	slog.Info("IdP-initiated logout", "name_id", req.NameID, "sessions", len(req.SessionIndexes))

	for _, idx := range req.SessionIndexes {
		sess, ok := h.registry.Get(idx)
		if !ok {
			slog.Debug("No local session for session index", "session_index", idx)
			continue
		}
		if v, ok := sess.Get(sessionKeyUser); ok {
			if user, ok := v.(*User); ok {
				h.events.LoggedOut(r.Context(), user)
			}
		}
		sess.Invalidate()
		h.registry.Unregister(idx)
	}

	// Front-channel requests carry the browser's own cookie; clear it too.
	if _, ok := h.sessions.Lookup(r); ok {
		h.sessions.Drop(w, r)
	}

	w.WriteHeader(http.StatusOK)
}
