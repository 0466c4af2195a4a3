package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/beevik/etree"
)

const sampleResponse = `<?xml version="1.0" encoding="UTF-8"?>
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
      <saml:Attribute Name="role">
        <saml:AttributeValue>admin</saml:AttributeValue>
        <saml:AttributeValue>user</saml:AttributeValue>
      </saml:Attribute>
      <saml:Attribute Name="email">
        <saml:AttributeValue>jdoe@corp.example.com</saml:AttributeValue>
      </saml:Attribute>
    </saml:AttributeStatement>
  </saml:Assertion>
</samlp:Response>`

const emptyResponse = `<?xml version="1.0" encoding="UTF-8"?>
<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
    ID="_resp2" Version="2.0" IssueInstant="2026-03-01T12:00:00Z">
  <samlp:Status>
    <samlp:StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:AuthnFailed"/>
  </samlp:Status>
</samlp:Response>`

const sampleLogoutRequest = `<?xml version="1.0" encoding="UTF-8"?>
<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
    xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
    ID="_lr1" Version="2.0" IssueInstant="2026-03-01T12:00:00Z"
    NotOnOrAfter="2026-03-01T12:05:00Z"
    Reason="urn:oasis:names:tc:SAML:2.0:logout:user">
  <saml:Issuer>https://idp.test</saml:Issuer>
  <saml:NameID Format="urn:oasis:names:tc:SAML:2.0:nameid-format:entity">jdoe</saml:NameID>
  <samlp:SessionIndex>sess-1</samlp:SessionIndex>
  <samlp:SessionIndex>sess-2</samlp:SessionIndex>
</samlp:LogoutRequest>`

type failValidator struct{ err error }

func (v failValidator) Validate(*etree.Element) error { return v.err }

func TestParseResponse(t *testing.T) {
	result, err := ParseResponse([]byte(sampleResponse), nil)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if result.Subject != "jdoe" {
		t.Errorf("Subject = %q, want jdoe", result.Subject)
	}
	if result.SessionIndex != "sess-1" {
		t.Errorf("SessionIndex = %q, want sess-1", result.SessionIndex)
	}
	// Duplicate attribute names resolve to the last occurrence; multi-valued
	// attributes keep their first value.
	if got := result.Attributes["email"]; got != "jdoe@corp.example.com" {
		t.Errorf("email = %q, want last occurrence", got)
	}
	if got := result.Attributes["role"]; got != "admin" {
		t.Errorf("role = %q, want first value", got)
	}
}

func TestParseResponseNoAssertion(t *testing.T) {
	result, err := ParseResponse([]byte(emptyResponse), nil)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if !result.Empty() {
		t.Errorf("result = %+v, want empty", result)
	}
}

func TestParseResponseIgnoresOtherMessages(t *testing.T) {
	xml := `<?xml version="1.0"?>
<samlp:LogoutResponse xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_x"/>`
	result, err := ParseResponse([]byte(xml), nil)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if !result.Empty() {
		t.Errorf("result = %+v, want empty", result)
	}
}

func TestParseResponseValidatorGates(t *testing.T) {
	wantErr := errors.New("bad signature")
	result, err := ParseResponse([]byte(sampleResponse), failValidator{wantErr})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want validator error", err)
	}
	if !result.Empty() {
		t.Errorf("failed validation must not leak assertion content, got %+v", result)
	}
}

func TestParseResponseMalformed(t *testing.T) {
	_, err := ParseResponse([]byte("<not-even-xml"), nil)
	if !errors.Is(err, ErrDecoding) {
		t.Errorf("err = %v, want ErrDecoding", err)
	}
}

func TestParseLogoutRequest(t *testing.T) {
	req, err := ParseLogoutRequest([]byte(sampleLogoutRequest))
	if err != nil {
		t.Fatalf("ParseLogoutRequest failed: %v", err)
	}
	if req.ID != "_lr1" {
		t.Errorf("ID = %q, want _lr1", req.ID)
	}
	if req.NameID != "jdoe" {
		t.Errorf("NameID = %q, want jdoe", req.NameID)
	}
	if len(req.SessionIndexes) != 2 || req.SessionIndexes[0] != "sess-1" || req.SessionIndexes[1] != "sess-2" {
		t.Errorf("SessionIndexes = %v", req.SessionIndexes)
	}
	want := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	if !req.NotOnOrAfter.Equal(want) {
		t.Errorf("NotOnOrAfter = %v, want %v", req.NotOnOrAfter, want)
	}
	if req.Reason != "urn:oasis:names:tc:SAML:2.0:logout:user" {
		t.Errorf("Reason = %q", req.Reason)
	}
}

func TestParseLogoutRequestWrongRoot(t *testing.T) {
	xml := `<?xml version="1.0"?>
<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="_x"/>`
	_, err := ParseLogoutRequest([]byte(xml))
	if !errors.Is(err, ErrInvalidMessageType) {
		t.Errorf("err = %v, want ErrInvalidMessageType", err)
	}
}
