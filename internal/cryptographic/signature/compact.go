package signature

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const (
	Size = 65

	// MessageMagic separates chat signatures from transaction signatures made
	// with the same wallet key.
	MessageMagic = "XChat Signed Message:\n"
)

var (
	ErrInvalidKey       = errors.New("signing key is not usable")
	ErrSignatureInvalid = errors.New("signature is invalid")
)

// MessageHash is double-SHA256(varstr(MessageMagic) || varstr(text)).
func MessageHash(text []byte) []byte {
	var buf bytes.Buffer
	writeVarBytes(&buf, []byte(MessageMagic))
	writeVarBytes(&buf, text)

	first := sha256.Sum256(buf.Bytes())
	second := sha256.Sum256(first[:])
	return second[:]
}

// Sign produces a 65-byte compact signature from which the public key can be
// recovered.
func Sign(priv *secp256k1.PrivateKey, text []byte) ([]byte, error) {
	if priv == nil || priv.Key.IsZero() {
		return nil, ErrInvalidKey
	}
	return ecdsa.SignCompact(priv, MessageHash(text), true), nil
}

// Recover returns the public key that produced sig over text, and whether the
// signer used the compressed encoding.
func Recover(text, sig []byte) (*secp256k1.PublicKey, bool, error) {
	if len(sig) != Size {
		return nil, false, fmt.Errorf("%w: length %d", ErrSignatureInvalid, len(sig))
	}
	pub, compressed, err := ecdsa.RecoverCompact(sig, MessageHash(text))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return pub, compressed, nil
}

// writeVarBytes writes b prefixed with its bitcoin compact-size length.
func writeVarBytes(buf *bytes.Buffer, b []byte) {
	n := uint64(len(b))
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(0xfd)
		_ = binary.Write(buf, binary.LittleEndian, uint16(n))
	case n <= 0xffffffff:
		buf.WriteByte(0xfe)
		_ = binary.Write(buf, binary.LittleEndian, uint32(n))
	default:
		buf.WriteByte(0xff)
		_ = binary.Write(buf, binary.LittleEndian, n)
	}
	buf.Write(b)
}
