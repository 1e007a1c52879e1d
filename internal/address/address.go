// Package address derives key-ids from public keys and encodes them as
// base58check chat addresses.
package address

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // Hash160 is defined with RIPEMD-160.
)

const (
	KeyIDSize = ripemd160.Size

	// Version is the pubkey-hash address prefix byte of the network.
	Version byte = 75

	checksumSize = 4
)

var ErrInvalidAddress = errors.New("invalid address")

type KeyID [KeyIDSize]byte

func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

// Hash160 is RIPEMD160(SHA256(b)).
func Hash160(b []byte) KeyID {
	sum := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(sum[:])

	var id KeyID
	copy(id[:], h.Sum(nil))
	return id
}

func FromPublicKey(pub *secp256k1.PublicKey, compressed bool) KeyID {
	if compressed {
		return Hash160(pub.SerializeCompressed())
	}
	return Hash160(pub.SerializeUncompressed())
}

func Encode(id KeyID) string {
	payload := make([]byte, 0, 1+KeyIDSize+checksumSize)
	payload = append(payload, Version)
	payload = append(payload, id[:]...)
	payload = append(payload, checksum(payload)...)
	return base58.Encode(payload)
}

func FromPublicKeyString(pub *secp256k1.PublicKey) string {
	return Encode(FromPublicKey(pub, true))
}

func Decode(addr string) (KeyID, error) {
	var id KeyID
	if addr == "" {
		return id, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	raw, err := base58.Decode(addr)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != 1+KeyIDSize+checksumSize {
		return id, fmt.Errorf("%w: length %d", ErrInvalidAddress, len(raw))
	}
	if raw[0] != Version {
		return id, fmt.Errorf("%w: version %d", ErrInvalidAddress, raw[0])
	}

	body, sum := raw[:1+KeyIDSize], raw[1+KeyIDSize:]
	if !bytes.Equal(checksum(body), sum) {
		return id, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}

	copy(id[:], body[1:])
	return id, nil
}

func Valid(addr string) bool {
	_, err := Decode(addr)
	return err == nil
}

func checksum(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:checksumSize]
}
