package protocol

import (
	"crypto/rand"
	"encoding/hex"
	xmlpkg "encoding/xml"
	"strings"
)

// RandomHex generates a hex-encoded random string of n bytes.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// FormatXML reformats an XML string with indentation, for trace logging.
func FormatXML(s string) string {
	if s == "" {
		return ""
	}
	var buf strings.Builder
	decoder := xmlpkg.NewDecoder(strings.NewReader(s))
	encoder := xmlpkg.NewEncoder(&buf)
	encoder.Indent("", "  ")
	for {
		t, err := decoder.Token()
		if err != nil {
			break
		}
		encoder.EncodeToken(t)
	}
	encoder.Flush()
	if buf.Len() > 0 {
		return buf.String()
	}
	return s
}
