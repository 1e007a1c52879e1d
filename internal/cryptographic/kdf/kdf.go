package kdf

import (
	"crypto/sha512"
	"errors"

	"github.com/awnumar/memguard"
)

const KeySize = 32

var ErrEmptySecret = errors.New("kdf: empty shared secret")

// Keys holds key_e || key_m in locked memory.
type Keys struct {
	buf *memguard.LockedBuffer
}

// SplitSHA512 derives the cipher key and the MAC key from an ECDH secret:
// SHA-512(secret), first half key_e, second half key_m.
func SplitSHA512(secret []byte) (*Keys, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	sum := sha512.Sum512(secret)
	buf := memguard.NewBuffer(sha512.Size)
	buf.Copy(sum[:])
	memguard.WipeBytes(sum[:])

	return &Keys{buf: buf}, nil
}

func (k *Keys) CipherKey() []byte {
	return k.buf.Bytes()[:KeySize]
}

func (k *Keys) MACKey() []byte {
	return k.buf.Bytes()[KeySize:]
}

func (k *Keys) Destroy() {
	if k != nil && k.buf != nil {
		k.buf.Destroy()
	}
}
