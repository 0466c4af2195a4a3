package protocol

import "errors"

// Error classes of the message codec and parser. Callers branch with
// errors.Is; the wrapped message carries the underlying cause.
var (
	// ErrEncoding marks a failure to serialize or compress an outbound message.
	ErrEncoding = errors.New("saml message encoding failed")

	// ErrDecoding marks malformed base64, DEFLATE, or XML in an inbound message.
	ErrDecoding = errors.New("saml message decoding failed")

	// ErrCharset marks a decoded message that is not valid UTF-8.
	ErrCharset = errors.New("saml message is not valid UTF-8")

	// ErrInvalidMessageType marks a document whose top-level element is not
	// the expected protocol message.
	ErrInvalidMessageType = errors.New("invalid saml message type")
)
