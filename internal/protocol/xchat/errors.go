package xchat

import (
	"errors"

	"xchat/internal/compress"
	"xchat/internal/cryptographic/dh"
	"xchat/internal/cryptographic/encryption"
	"xchat/internal/cryptographic/signature"
	"xchat/internal/protocol/keyagreement"
)

var (
	ErrEmptyMessage       = errors.New("empty message")
	ErrUnsignedMessage    = errors.New("message is not signed")
	ErrMessageTooLarge    = errors.New("message too large")
	ErrNoData             = errors.New("message has no encrypted data")
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrSenderSpoofed      = errors.New("sender does not match signature")
	ErrInvalidKey         = dh.ErrInvalidKey
	ErrKeyAgreementFailed = keyagreement.ErrKeyAgreementFailed
	ErrCipherFailure      = encryption.ErrCipherFailure
	ErrSignatureInvalid   = signature.ErrSignatureInvalid
	ErrDecompression      = compress.ErrDecompressionFailed
)

// Reason maps an error of this package to a short label for logs and
// metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyMessage):
		return "empty"
	case errors.Is(err, ErrUnsignedMessage):
		return "unsigned"
	case errors.Is(err, ErrMessageTooLarge):
		return "too_large"
	case errors.Is(err, ErrNoData):
		return "no_data"
	case errors.Is(err, ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrSenderSpoofed):
		return "sender_spoofed"
	case errors.Is(err, ErrKeyAgreementFailed):
		return "key_agreement"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrCipherFailure):
		return "cipher"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature"
	case errors.Is(err, ErrDecompression):
		return "decompression"
	default:
		return "other"
	}
}
