package dh

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	PrivateKeySize = secp256k1.PrivKeyBytesLen
	PublicKeySize  = secp256k1.PubKeyBytesLenCompressed
)

var ErrInvalidKey = errors.New("invalid secp256k1 key")

// Generate a new secp256k1 key pair. pub is the 33-byte compressed point.
func NewKeyPair() (priv *secp256k1.PrivateKey, pub []byte, err error) {
	priv, err = secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return priv, priv.PubKey().SerializeCompressed(), nil
}

// ParsePublicKey accepts compressed or uncompressed encodings and rejects
// points that are not on the curve.
func ParsePublicKey(pub []byte) (*secp256k1.PublicKey, error) {
	if len(pub) == 0 {
		return nil, fmt.Errorf("%w: empty public key", ErrInvalidKey)
	}
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

func ParsePrivateKey(b []byte) (*secp256k1.PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d", ErrInvalidKey, PrivateKeySize, len(b))
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero private key", ErrInvalidKey)
	}
	return priv, nil
}

// Perform ECDH: x coordinate of priv * pub. The caller owns the returned
// slice and is expected to wipe it.
func SharedSecret(priv, pub []byte) ([]byte, error) {
	sk, err := ParsePrivateKey(priv)
	if err != nil {
		return nil, err
	}
	defer sk.Zero()

	pk, err := ParsePublicKey(pub)
	if err != nil {
		return nil, err
	}
	return secp256k1.GenerateSharedSecret(sk, pk), nil
}
