package protocol

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"log/slog"
	"time"

	"github.com/beevik/etree"
	xrv "github.com/mattermost/xml-roundtrip-validator"
)

// AssertionResult is the projection of an inbound Response consumed by the
// authentication flow. It is never persisted; attributes are merged into the
// resolved user.
type AssertionResult struct {
	Subject      string
	SessionIndex string
	Attributes   map[string]string
}

// Empty reports whether the response carried no usable assertion.
func (r AssertionResult) Empty() bool {
	return r.Subject == "" && len(r.Attributes) == 0
}

// SignatureValidator checks the XML signature of a parsed document before
// any of its content is trusted.
type SignatureValidator interface {
	Validate(root *etree.Element) error
}

type nameIDEnvelope struct {
	Format string `xml:"Format,attr"`
	Value  string `xml:",chardata"`
}

type responseEnvelope struct {
	XMLName    xml.Name            `xml:"urn:oasis:names:tc:SAML:2.0:protocol Response"`
	ID         string              `xml:"ID,attr"`
	Assertions []assertionEnvelope `xml:"urn:oasis:names:tc:SAML:2.0:assertion Assertion"`
}

type assertionEnvelope struct {
	Subject struct {
		NameID nameIDEnvelope `xml:"NameID"`
	} `xml:"Subject"`
	AttributeStatements []struct {
		Attributes []struct {
			Name   string   `xml:"Name,attr"`
			Values []string `xml:"AttributeValue"`
		} `xml:"Attribute"`
	} `xml:"AttributeStatement"`
	AuthnStatements []struct {
		SessionIndex string `xml:"SessionIndex,attr"`
	} `xml:"AuthnStatement"`
}

// ParseResponse parses an inbound Response document. When validator is
// non-nil its verdict gates everything: no assertion content is read from a
// message that fails validation. A document whose root is not a Response
// yields an empty result rather than an error; this permissive behavior is
// kept for compatibility with existing IdP integrations and logged so that
// misrouted messages are visible.
func ParseResponse(xmlBytes []byte, validator SignatureValidator) (AssertionResult, error) {
	result := AssertionResult{Attributes: map[string]string{}}

	if err := xrv.Validate(bytes.NewReader(xmlBytes)); err != nil {
		return result, fmt.Errorf("%w: round-trip validation: %v", ErrDecoding, err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xmlBytes); err != nil {
		return result, fmt.Errorf("%w: parse XML: %v", ErrDecoding, err)
	}
	root := doc.Root()
	if root == nil {
		return result, fmt.Errorf("%w: empty document", ErrDecoding)
	}
	if root.Tag != "Response" || root.NamespaceURI() != protocolNamespace {
		slog.Warn("Inbound SAML message is not a Response, ignoring",
			"element", root.Tag, "namespace", root.NamespaceURI())
		return result, nil
	}

	if validator != nil {
		if err := validator.Validate(root); err != nil {
			return result, err
		}
	}

	var resp responseEnvelope
	if err := xml.Unmarshal(xmlBytes, &resp); err != nil {
		return result, fmt.Errorf("%w: unmarshal Response: %v", ErrDecoding, err)
	}

	// On failed authentication the IdP omits the Assertion entirely
	// (SSO profile 4.1.4.2), so an empty result is a valid outcome.
	if len(resp.Assertions) == 0 {
		return result, nil
	}

	assertion := resp.Assertions[0]
	result.Subject = assertion.Subject.NameID.Value
	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			if len(attr.Values) > 0 {
				result.Attributes[attr.Name] = attr.Values[0]
			}
		}
	}
	if len(assertion.AuthnStatements) > 0 {
		result.SessionIndex = assertion.AuthnStatements[0].SessionIndex
	}
	return result, nil
}

// ParsedLogoutRequest is an IdP-initiated LogoutRequest received over the
// wire. Transient: parsed, acted on, discarded.
type ParsedLogoutRequest struct {
	ID             string
	NameID         string
	NameIDFormat   string
	SessionIndexes []string
	NotOnOrAfter   time.Time
	Reason         string
}

type logoutRequestEnvelope struct {
	XMLName        xml.Name       `xml:"urn:oasis:names:tc:SAML:2.0:protocol LogoutRequest"`
	ID             string         `xml:"ID,attr"`
	NotOnOrAfter   string         `xml:"NotOnOrAfter,attr"`
	Reason         string         `xml:"Reason,attr"`
	NameID         nameIDEnvelope `xml:"urn:oasis:names:tc:SAML:2.0:assertion NameID"`
	SessionIndexes []string       `xml:"urn:oasis:names:tc:SAML:2.0:protocol SessionIndex"`
}

// ParseLogoutRequest parses an inbound LogoutRequest. Unlike ParseResponse,
// a wrong top-level element is an integration error and fails with
// ErrInvalidMessageType.
func ParseLogoutRequest(xmlBytes []byte) (*ParsedLogoutRequest, error) {
	if err := xrv.Validate(bytes.NewReader(xmlBytes)); err != nil {
		return nil, fmt.Errorf("%w: round-trip validation: %v", ErrDecoding, err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xmlBytes); err != nil {
		return nil, fmt.Errorf("%w: parse XML: %v", ErrDecoding, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: empty document", ErrDecoding)
	}
	if root.Tag != "LogoutRequest" || root.NamespaceURI() != protocolNamespace {
		return nil, fmt.Errorf("%w: expected LogoutRequest, got %s", ErrInvalidMessageType, root.Tag)
	}

	var req logoutRequestEnvelope
	if err := xml.Unmarshal(xmlBytes, &req); err != nil {
		return nil, fmt.Errorf("%w: unmarshal LogoutRequest: %v", ErrInvalidMessageType, err)
	}

	parsed := &ParsedLogoutRequest{
		ID:             req.ID,
		NameID:         req.NameID.Value,
		NameIDFormat:   req.NameID.Format,
		SessionIndexes: req.SessionIndexes,
		Reason:         req.Reason,
	}
	if req.NotOnOrAfter != "" {
		// The window is informational on the receiving side; a malformed
		// timestamp is not fatal.
		if t, err := time.Parse(time.RFC3339, req.NotOnOrAfter); err == nil {
			parsed.NotOnOrAfter = t
		}
	}
	return parsed, nil
}
