package sso

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/wadahiro/ssogate/internal/config"
	"github.com/wadahiro/ssogate/internal/session"
	"github.com/wadahiro/ssogate/internal/signature"
)

const testResponse = `<?xml version="1.0" encoding="UTF-8"?>
<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
    xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
    ID="_resp1" Version="2.0" IssueInstant="2026-03-01T12:00:00Z">
  <saml:Issuer>https://idp.test</saml:Issuer>
  <samlp:Status>
    <samlp:StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:Success"/>
  </samlp:Status>
  <saml:Assertion ID="_a1" Version="2.0" IssueInstant="2026-03-01T12:00:00Z">
    <saml:Subject>
      <saml:NameID Format="urn:oasis:names:tc:SAML:2.0:nameid-format:persistent">jdoe</saml:NameID>
    </saml:Subject>
    <saml:AuthnStatement AuthnInstant="2026-03-01T12:00:00Z" SessionIndex="sess-1"/>
    <saml:AttributeStatement>
      <saml:Attribute Name="email">
        <saml:AttributeValue>jdoe@example.com</saml:AttributeValue>
      </saml:Attribute>
    </saml:AttributeStatement>
  </saml:Assertion>
</samlp:Response>`

const testFailedResponse = `<?xml version="1.0" encoding="UTF-8"?>
<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
    ID="_resp2" Version="2.0" IssueInstant="2026-03-01T12:00:00Z">
  <samlp:Status>
    <samlp:StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:AuthnFailed"/>
  </samlp:Status>
</samlp:Response>`

const testLogoutRequest = `<?xml version="1.0" encoding="UTF-8"?>
<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
    xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
    ID="_lr1" Version="2.0" IssueInstant="2026-03-01T12:00:00Z">
  <saml:NameID Format="urn:oasis:names:tc:SAML:2.0:nameid-format:entity">jdoe</saml:NameID>
  <samlp:SessionIndex>sess-1</samlp:SessionIndex>
  <samlp:SessionIndex>sess-2</samlp:SessionIndex>
</samlp:LogoutRequest>`

type recordingEvents struct {
	mu        sync.Mutex
	loggedIn  []string
	loggedOut []string
}

func (e *recordingEvents) Authenticated(_ context.Context, user *User) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loggedIn = append(e.loggedIn, user.ID)
}

func (e *recordingEvents) LoggedOut(_ context.Context, user *User) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loggedOut = append(e.loggedOut, user.ID)
}

func (e *recordingEvents) logins() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.loggedIn...)
}

func (e *recordingEvents) logouts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.loggedOut...)
}

type testEngine struct {
	cfg      *config.SSOConfig
	sessions *session.Manager
	registry *session.Registry
	guard    *session.Guard
	events   *recordingEvents
	handler  *Handler
	mux      *http.ServeMux
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	cfg := &config.SSOConfig{
		Enabled:    true,
		IdPURL:     "https://idp.test/sso",
		LoginPath:  "/ServiceLogin",
		LogoutPath: "/ServiceLogout",
	}
	e := &testEngine{
		cfg:      cfg,
		sessions: session.NewManager(0),
		registry: session.NewRegistry(),
		guard:    session.NewGuard(0),
		events:   &recordingEvents{},
	}
	resolver := &StaticUserResolver{Users: map[string]*User{
		"jdoe": {ID: "jdoe", Name: "John Doe"},
	}}
	e.handler = NewHandler(cfg, "", e.sessions, e.registry, e.guard, nil, resolver, e.events)
	e.handler.retryDelay = time.Millisecond
	e.mux = http.NewServeMux()
	e.handler.RegisterRoutes(e.mux)
	return e
}

func postForm(mux *http.ServeMux, path string, form url.Values) *httptest.ResponseRecorder {
	r := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

// login runs the full assertion-consumer flow and returns the recorder whose
// cookies identify the established session.
func login(t *testing.T, e *testEngine) *httptest.ResponseRecorder {
	t.Helper()
	w := postForm(e.mux, "/ServiceLogin", url.Values{
		"SAMLResponse": {testResponse},
		"RelayState":   {url.QueryEscape("/app/page")},
	})
	if w.Code != http.StatusFound {
		t.Fatalf("login status = %d, want 302 (%s)", w.Code, w.Body.String())
	}
	return w
}

func withCookies(r *http.Request, from *httptest.ResponseRecorder) *http.Request {
	for _, c := range from.Result().Cookies() {
		r.AddCookie(c)
	}
	return r
}

func deflateBase64(t *testing.T, xml string) string {
	t.Helper()
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(xml))
	fw.Close()
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestLoginMissingSAMLResponse(t *testing.T) {
	e := newTestEngine(t)
	w := postForm(e.mux, "/ServiceLogin", url.Values{"RelayState": {"/app"}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestLoginMissingRelayState(t *testing.T) {
	e := newTestEngine(t)
	w := postForm(e.mux, "/ServiceLogin", url.Values{"SAMLResponse": {testResponse}})
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if got := w.Header().Get("Location"); got != "/ServiceLogout" {
		t.Errorf("Location = %q, want /ServiceLogout", got)
	}
}

func TestLoginGetNotAllowed(t *testing.T) {
	e := newTestEngine(t)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, httptest.NewRequest("GET", "/ServiceLogin", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestLoginSuccess(t *testing.T) {
	e := newTestEngine(t)
	w := login(t, e)

	if got := w.Header().Get("Location"); got != "/app/page" {
		t.Errorf("Location = %q, want the unescaped RelayState", got)
	}

	sess, ok := e.registry.Get("sess-1")
	if !ok {
		t.Fatal("session not registered under the assertion's SessionIndex")
	}
	v, ok := sess.Get("sso.user")
	if !ok {
		t.Fatal("session has no user")
	}
	user := v.(*User)
	if user.ID != "jdoe" {
		t.Errorf("user = %q, want jdoe", user.ID)
	}
	if got := user.Properties["email"]; got != "jdoe@example.com" {
		t.Errorf("email property = %q, assertion attributes were not merged", got)
	}

	if logins := e.events.logins(); len(logins) != 1 || logins[0] != "jdoe" {
		t.Errorf("authenticated events = %v, want [jdoe]", logins)
	}
}

func TestLoginFailedAuthentication(t *testing.T) {
	e := newTestEngine(t)
	w := postForm(e.mux, "/ServiceLogin", url.Values{
		"SAMLResponse": {testFailedResponse},
		"RelayState":   {"/app"},
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if e.registry.Len() != 0 {
		t.Error("failed authentication must not register a session")
	}
}

func TestLoginUnknownSubject(t *testing.T) {
	e := newTestEngine(t)
	unknown := strings.Replace(testResponse, ">jdoe<", ">ghost<", 1)
	w := postForm(e.mux, "/ServiceLogin", url.Values{
		"SAMLResponse": {unknown},
		"RelayState":   {"/app"},
	})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

type stubValidator struct{ err error }

func (v stubValidator) Validate(*etree.Element) error { return v.err }

func TestLoginRejectsUnsignedWhenValidationEnabled(t *testing.T) {
	e := newTestEngine(t)
	e.handler.validator = stubValidator{signature.ErrMissingSignature}

	w := postForm(e.mux, "/ServiceLogin", url.Values{
		"SAMLResponse": {testResponse},
		"RelayState":   {"/app"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an unsigned response", w.Code)
	}
	if len(e.events.logins()) != 0 {
		t.Error("unsigned response must not authenticate")
	}
}

func TestLogoutStart(t *testing.T) {
	e := newTestEngine(t)
	loginW := login(t, e)

	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, withCookies(httptest.NewRequest("GET", "/ServiceLogout", nil), loginW))

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://idp.test/sso?SAMLRequest=") {
		t.Fatalf("Location = %q, want redirect to the IdP", loc)
	}

	u, err := url.Parse(loc)
	if err != nil {
		t.Fatal(err)
	}
	root := decodeRedirectMessage(t, u.Query().Get("SAMLRequest"))
	if root.Tag != "LogoutRequest" {
		t.Errorf("message = %q, want LogoutRequest", root.Tag)
	}
	indexes := root.FindElements("./SessionIndex")
	if len(indexes) != 1 || indexes[0].Text() != "sess-1" {
		t.Errorf("SessionIndex elements = %d, want the registered index", len(indexes))
	}
	if nameID := root.FindElement("./NameID"); nameID == nil || nameID.Text() != "jdoe" {
		t.Error("LogoutRequest does not carry the authenticated subject")
	}
}

func TestLogoutWithoutSession(t *testing.T) {
	e := newTestEngine(t)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, httptest.NewRequest("GET", "/ServiceLogout", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if got := w.Header().Get("Location"); got != "/" {
		t.Errorf("Location = %q, want /", got)
	}
}

func TestLogoutDuplicateWaitsAndRetries(t *testing.T) {
	e := newTestEngine(t)
	loginW := login(t, e)

	// First logout wins the guard.
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, withCookies(httptest.NewRequest("GET", "/ServiceLogout", nil), loginW))
	if !strings.HasPrefix(w.Header().Get("Location"), "https://idp.test/sso") {
		t.Fatalf("first logout Location = %q", w.Header().Get("Location"))
	}

	// Duplicate while the first is in flight is sent back to retry.
	w2 := httptest.NewRecorder()
	e.mux.ServeHTTP(w2, withCookies(httptest.NewRequest("GET", "/ServiceLogout", nil), loginW))
	if w2.Code != http.StatusFound {
		t.Fatalf("duplicate status = %d, want 302", w2.Code)
	}
	if got := w2.Header().Get("Location"); got != "/ServiceLogout" {
		t.Errorf("duplicate Location = %q, want the logout endpoint itself", got)
	}
}

func TestLogoutFinish(t *testing.T) {
	e := newTestEngine(t)
	loginW := login(t, e)

	// Start logout so the guard is held for this client.
	w := httptest.NewRecorder()
	startReq := withCookies(httptest.NewRequest("GET", "/ServiceLogout", nil), loginW)
	e.mux.ServeHTTP(w, startReq)

	form := url.Values{"SAMLResponse": {`<?xml version="1.0"?>
<samlp:LogoutResponse xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_ack"/>`}}
	r := httptest.NewRequest("POST", "/ServiceLogout", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w2 := httptest.NewRecorder()
	e.mux.ServeHTTP(w2, withCookies(r, loginW))

	if w2.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w2.Code)
	}
	if logouts := e.events.logouts(); len(logouts) != 1 || logouts[0] != "jdoe" {
		t.Errorf("logout events = %v, want [jdoe]", logouts)
	}
	if _, ok := e.registry.Get("sess-1"); ok {
		t.Error("session still registered after logout completed")
	}
	if _, ok := e.sessions.Lookup(withCookies(httptest.NewRequest("GET", "/page", nil), loginW)); ok {
		t.Error("local session survived logout")
	}

	// The guard entry is cleared; a fresh logout may start again.
	if e.guard.IsProcessing(sessionIDFrom(t, e, loginW)) {
		t.Error("guard still marks the client as processing")
	}
}

func TestIdPInitiatedLogout(t *testing.T) {
	e := newTestEngine(t)

	first := registerSession(e, "sess-1", "alice")
	second := registerSession(e, "sess-2", "bob")

	w := postForm(e.mux, "/ServiceLogout", url.Values{"SAMLRequest": {testLogoutRequest}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	if first.Valid() || second.Valid() {
		t.Error("sessions named by the logout request were not invalidated")
	}
	if e.registry.Len() != 0 {
		t.Errorf("registry still holds %d sessions", e.registry.Len())
	}
	logouts := e.events.logouts()
	if len(logouts) != 2 {
		t.Fatalf("logout events = %v, want one per session", logouts)
	}
}

func TestIdPInitiatedLogoutRedirectBinding(t *testing.T) {
	e := newTestEngine(t)
	sess := registerSession(e, "sess-1", "alice")

	target := "/ServiceLogout?SAMLRequest=" + url.QueryEscape(deflateBase64(t, testLogoutRequest))
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, httptest.NewRequest("GET", target, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", w.Code, w.Body.String())
	}
	if sess.Valid() {
		t.Error("session named by the logout request was not invalidated")
	}
}

func TestIdPInitiatedLogoutUnknownIndexes(t *testing.T) {
	e := newTestEngine(t)
	w := postForm(e.mux, "/ServiceLogout", url.Values{"SAMLRequest": {testLogoutRequest}})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, logout with no matching sessions should still succeed", w.Code)
	}
}

func TestIdPInitiatedLogoutMalformed(t *testing.T) {
	e := newTestEngine(t)
	w := postForm(e.mux, "/ServiceLogout", url.Values{"SAMLRequest": {`<?xml version="1.0"?><samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_x"/>`}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a non-LogoutRequest message", w.Code)
	}
}

// registerSession plants a registered, authenticated session directly.
func registerSession(e *testEngine, sessionIndex, userID string) session.Session {
	w := httptest.NewRecorder()
	sess := e.sessions.Attach(w, httptest.NewRequest("GET", "/page", nil))
	sess.Set(sessionKeyUser, &User{ID: userID})
	sess.Set(sessionKeySessionIndex, sessionIndex)
	e.registry.Register(sessionIndex, sess)
	return sess
}

func sessionIDFrom(t *testing.T, e *testEngine, loginW *httptest.ResponseRecorder) string {
	t.Helper()
	for _, c := range loginW.Result().Cookies() {
		if c.Value != "" {
			return c.Value
		}
	}
	t.Fatal("no session cookie on login response")
	return ""
}

func decodeRedirectMessage(t *testing.T, encoded string) *etree.Element {
	t.Helper()
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	fr := flate.NewReader(bytes.NewReader(compressed))
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(fr); err != nil {
		t.Fatalf("inflate: %v", err)
	}
	return doc.Root()
}
