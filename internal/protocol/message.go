package protocol

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/beevik/etree"
	samlpkg "github.com/crewjam/saml"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	protocolNamespace  = "urn:oasis:names:tc:SAML:2.0:protocol"
	assertionNamespace = "urn:oasis:names:tc:SAML:2.0:assertion"

	entityNameIDFormat         = "urn:oasis:names:tc:SAML:2.0:nameid-format:entity"
	passwordProtectedTransport = "urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport"
	logoutReasonUser           = "urn:oasis:names:tc:SAML:2.0:logout:user"

	samlVersion = "2.0"
	timeFormat  = "2006-01-02T15:04:05.000Z07:00"

	// LogoutValidity is the protocol-level validity window of a LogoutRequest.
	LogoutValidity = 5 * time.Minute
)

// Clock supplies message timestamps. Tests swap in a fake clock.
var Clock clockwork.Clock = clockwork.NewRealClock()

// Message is an outbound SAML protocol request bound for the IdP.
// AuthnRequest and LogoutRequest are the two concrete kinds; a single
// Encode dispatcher serializes either.
type Message interface {
	// MessageID returns the correlation id, freshly generated per message.
	MessageID() string
	element() *etree.Element
}

type messageHeader struct {
	ID           string
	IssueInstant time.Time
	Issuer       string
}

func (h messageHeader) MessageID() string { return h.ID }

func newHeader(issuer string) messageHeader {
	return messageHeader{
		ID:           "_" + uuid.NewString(),
		IssueInstant: Clock.Now().UTC(),
		Issuer:       issuer,
	}
}

// AuthnRequest asks the IdP to authenticate the browser user and post the
// assertion back to AssertionConsumerURL. Immutable once built; the
// lifecycle is create, encode, discard.
type AuthnRequest struct {
	messageHeader
	AssertionConsumerURL string
	NameIDFormat         string
	AllowCreate          bool
	AuthnContextClassRef string
	AttributeIndex       *int
}

// NewAuthnRequest builds an AuthnRequest with the profile defaults:
// persistent NameID policy with allow-create, exact comparison against
// PasswordProtectedTransport, HTTP-POST response binding.
func NewAuthnRequest(issuer, assertionConsumerURL string) *AuthnRequest {
	return &AuthnRequest{
		messageHeader:        newHeader(issuer),
		AssertionConsumerURL: assertionConsumerURL,
		NameIDFormat:         string(samlpkg.PersistentNameIDFormat),
		AllowCreate:          true,
		AuthnContextClassRef: passwordProtectedTransport,
	}
}

func (r *AuthnRequest) element() *etree.Element {
	el := etree.NewElement("samlp:AuthnRequest")
	el.CreateAttr("xmlns:samlp", protocolNamespace)
	el.CreateAttr("xmlns:saml", assertionNamespace)
	el.CreateAttr("ID", r.ID)
	el.CreateAttr("Version", samlVersion)
	el.CreateAttr("IssueInstant", r.IssueInstant.Format(timeFormat))
	el.CreateAttr("ForceAuthn", "false")
	el.CreateAttr("IsPassive", "false")
	el.CreateAttr("ProtocolBinding", samlpkg.HTTPPostBinding)
	el.CreateAttr("AssertionConsumerServiceURL", r.AssertionConsumerURL)
	if r.AttributeIndex != nil {
		el.CreateAttr("AttributeConsumingServiceIndex", strconv.Itoa(*r.AttributeIndex))
	}

	el.CreateElement("saml:Issuer").SetText(r.Issuer)

	policy := el.CreateElement("samlp:NameIDPolicy")
	policy.CreateAttr("Format", r.NameIDFormat)
	policy.CreateAttr("AllowCreate", strconv.FormatBool(r.AllowCreate))

	rac := el.CreateElement("samlp:RequestedAuthnContext")
	rac.CreateAttr("Comparison", "exact")
	rac.CreateElement("saml:AuthnContextClassRef").SetText(r.AuthnContextClassRef)

	return el
}

// LogoutRequest initiates single logout for NameID at the IdP.
// NotOnOrAfter is always IssueInstant plus LogoutValidity.
type LogoutRequest struct {
	messageHeader
	NameID         string
	NameIDFormat   string
	SessionIndexes []string
	NotOnOrAfter   time.Time
	Reason         string
}

// NewLogoutRequest builds a LogoutRequest for nameID. When no session index
// is supplied a fresh one is generated, matching IdPs that require at least
// one SessionIndex element.
func NewLogoutRequest(issuer, nameID string, sessionIndexes ...string) *LogoutRequest {
	h := newHeader(issuer)
	if len(sessionIndexes) == 0 {
		idx, err := RandomHex(16)
		if err != nil {
			idx = uuid.NewString()
		}
		sessionIndexes = []string{idx}
	}
	return &LogoutRequest{
		messageHeader:  h,
		NameID:         nameID,
		NameIDFormat:   entityNameIDFormat,
		SessionIndexes: sessionIndexes,
		NotOnOrAfter:   h.IssueInstant.Add(LogoutValidity),
		Reason:         logoutReasonUser,
	}
}

func (r *LogoutRequest) element() *etree.Element {
	el := etree.NewElement("samlp:LogoutRequest")
	el.CreateAttr("xmlns:samlp", protocolNamespace)
	el.CreateAttr("xmlns:saml", assertionNamespace)
	el.CreateAttr("ID", r.ID)
	el.CreateAttr("Version", samlVersion)
	el.CreateAttr("IssueInstant", r.IssueInstant.Format(timeFormat))
	el.CreateAttr("NotOnOrAfter", r.NotOnOrAfter.Format(timeFormat))
	el.CreateAttr("Reason", r.Reason)

	el.CreateElement("saml:Issuer").SetText(r.Issuer)

	nameID := el.CreateElement("saml:NameID")
	nameID.CreateAttr("Format", r.NameIDFormat)
	nameID.SetText(r.NameID)

	for _, idx := range r.SessionIndexes {
		el.CreateElement("samlp:SessionIndex").SetText(idx)
	}

	return el
}

// Encode serializes m for the HTTP-Redirect binding: XML, raw DEFLATE
// (no zlib header), base64 without line breaks, then URL escaping.
func Encode(m Message) (string, error) {
	doc := etree.NewDocument()
	doc.SetRoot(m.element())
	xmlBytes, err := doc.WriteToBytes()
	if err != nil {
		return "", fmt.Errorf("%w: serialize XML: %v", ErrEncoding, err)
	}

	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if _, err := fw.Write(xmlBytes); err != nil {
		return "", fmt.Errorf("%w: deflate: %v", ErrEncoding, err)
	}
	if err := fw.Close(); err != nil {
		return "", fmt.Errorf("%w: deflate: %v", ErrEncoding, err)
	}

	return url.QueryEscape(base64.StdEncoding.EncodeToString(buf.Bytes())), nil
}

// DecodeRedirect reverses the Redirect-binding encoding minus the URL
// escaping (the HTTP layer has already unescaped query values): base64
// decode, then raw INFLATE. The output grows as needed; there is no upper
// cap on the inflated size.
func DecodeRedirect(message string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(message)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecoding, err)
	}

	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()
	xmlBytes, err := io.ReadAll(fr)
	if err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", ErrDecoding, err)
	}

	if !utf8.Valid(xmlBytes) {
		return nil, ErrCharset
	}
	return xmlBytes, nil
}

// DecodePost reverses the POST-binding encoding: base64 only, no DEFLATE
// layer. Plaintext XML passes through untouched.
func DecodePost(message string) ([]byte, error) {
	if !IsEncoded(message) {
		return []byte(message), nil
	}
	xmlBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(message))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecoding, err)
	}
	if !utf8.Valid(xmlBytes) {
		return nil, ErrCharset
	}
	return xmlBytes, nil
}

// IsEncoded reports whether msg needs decoding before XML parsing: plaintext
// messages start with an XML declaration. The check is computed per message
// and never cached across unrelated messages.
func IsEncoded(msg string) bool {
	return !strings.HasPrefix(strings.TrimSpace(msg), "<?xml")
}
