package signature

import (
	"errors"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

var (
	// ErrMissingSignature marks a message carrying no Signature element
	// while validation is enabled.
	ErrMissingSignature = errors.New("saml message is not signed")

	// ErrSignature marks a structurally or cryptographically invalid
	// signature.
	ErrSignature = errors.New("saml signature validation failed")
)

// Validator checks XML signatures against a trusted certificate store.
type Validator struct {
	store *Store
}

// NewValidator creates a Validator backed by store.
func NewValidator(store *Store) *Validator {
	return &Validator{store: store}
}

// Validate runs the two-stage check on the signature of root: structural
// profile validation first, then cryptographic validation against the
// trusted certificates. It never passes silently; any defect at either
// stage is an error.
func (v *Validator) Validate(root *etree.Element) error {
	sig := findChild(root, "Signature")
	if sig == nil {
		return ErrMissingSignature
	}
	if err := validateProfile(root, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}

	certStore := &dsig.MemoryX509CertificateStore{Roots: v.store.Certificates()}
	ctx := dsig.NewDefaultValidationContext(certStore)
	if _, err := ctx.Validate(root); err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return nil
}

// validateProfile checks that the signature conforms to the SAML enveloped
// signature profile: SignedInfo and SignatureValue present, exactly one
// Reference pointing at the signed element.
func validateProfile(root, sig *etree.Element) error {
	signedInfo := findChild(sig, "SignedInfo")
	if signedInfo == nil {
		return errors.New("signature has no SignedInfo")
	}
	if findChild(sig, "SignatureValue") == nil {
		return errors.New("signature has no SignatureValue")
	}

	refs := childElements(signedInfo, "Reference")
	if len(refs) == 0 {
		return errors.New("SignedInfo has no Reference")
	}
	if len(refs) > 1 {
		return fmt.Errorf("SignedInfo has %d References, want 1", len(refs))
	}

	uri := refs[0].SelectAttrValue("URI", "")
	if uri == "" {
		return errors.New("signature Reference has no URI")
	}
	if id := root.SelectAttrValue("ID", ""); id != "" && uri != "#"+id {
		return fmt.Errorf("signature Reference URI %q does not match signed element ID %q", uri, id)
	}
	return nil
}

func findChild(parent *etree.Element, localName string) *etree.Element {
	for _, child := range parent.ChildElements() {
		if child.Tag == localName {
			return child
		}
	}
	return nil
}

func childElements(parent *etree.Element, localName string) []*etree.Element {
	var out []*etree.Element
	for _, child := range parent.ChildElements() {
		if child.Tag == localName {
			out = append(out, child)
		}
	}
	return out
}
