package xchat

import (
	"encoding/binary"
	"fmt"

	"xchat/internal/address"
	"xchat/internal/compress"
	"xchat/internal/cryptographic/signature"
)

const (
	MaxTextSize = 1024

	PayloadVersion byte = 0

	offsetKeyID     = 1
	offsetSignature = offsetKeyID + address.KeyIDSize
	offsetText      = offsetSignature + signature.Size
	lengthSize      = 4

	// PayloadOverhead is every payload byte that is not text.
	PayloadOverhead = offsetText + lengthSize
)

type payload struct {
	keyID       address.KeyID
	signature   []byte
	text        []byte
	originalLen uint32
}

// marshal lays the payload out as
// version(1) | key-id(20) | signature(65) | text(N) | original length(4, LE).
func (p *payload) marshal() []byte {
	out := make([]byte, PayloadOverhead+len(p.text))
	out[0] = PayloadVersion
	copy(out[offsetKeyID:], p.keyID[:])
	copy(out[offsetSignature:], p.signature)
	copy(out[offsetText:], p.text)
	binary.LittleEndian.PutUint32(out[offsetText+len(p.text):], p.originalLen)
	return out
}

func unmarshalPayload(b []byte) (*payload, error) {
	if len(b) < PayloadOverhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPayload, len(b))
	}

	p := &payload{
		signature: b[offsetSignature:offsetText],
		text:      b[offsetText : len(b)-lengthSize],
	}
	copy(p.keyID[:], b[offsetKeyID:offsetSignature])
	p.originalLen = binary.LittleEndian.Uint32(b[len(b)-lengthSize:])
	return p, nil
}

// packText returns the bytes stored in the payload for text.
func packText(text []byte) ([]byte, error) {
	if !compress.Needed(len(text)) {
		return text, nil
	}
	return compress.Block(text)
}

// unpackText reverses packText. The recorded original length, not the stored
// length, sizes the output.
func unpackText(p *payload) ([]byte, error) {
	n := int(p.originalLen)
	if n == 0 || n > MaxTextSize {
		return nil, fmt.Errorf("%w: original length %d", ErrMalformedPayload, n)
	}
	if !compress.Needed(n) {
		if len(p.text) != n {
			return nil, fmt.Errorf("%w: text is %d bytes, recorded %d", ErrMalformedPayload, len(p.text), n)
		}
		return p.text, nil
	}
	return compress.Unblock(p.text, n)
}
