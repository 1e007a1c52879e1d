package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

const (
	KeySize = 32
	IVSize  = aes.BlockSize
)

var (
	ErrKeyNotSet     = errors.New("cipher key not set")
	ErrCipherFailure = errors.New("cipher failure")
)

// Crypter is AES-256-CBC with PKCS#7 padding. Key and IV are kept in locked
// memory until Destroy, which wipes them.
type Crypter struct {
	key *memguard.LockedBuffer
	iv  *memguard.LockedBuffer
}

func NewCrypter() *Crypter {
	return &Crypter{}
}

// SetKey copies key and iv into locked memory. The caller's slices are not
// modified.
func (c *Crypter) SetKey(key, iv []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: key must be %d bytes, got %d", ErrCipherFailure, KeySize, len(key))
	}
	if len(iv) != IVSize {
		return fmt.Errorf("%w: iv must be %d bytes, got %d", ErrCipherFailure, IVSize, len(iv))
	}

	c.Destroy()

	c.key = memguard.NewBuffer(KeySize)
	c.key.Copy(key)
	c.iv = memguard.NewBuffer(IVSize)
	c.iv.Copy(iv)
	return nil
}

func (c *Crypter) ready() bool {
	return c.key != nil && c.key.IsAlive() && c.iv != nil && c.iv.IsAlive()
}

// Encrypt returns the ciphertext of plaintext. Its length is always
// len(plaintext) rounded down to a block plus one full block.
func (c *Crypter) Encrypt(plaintext []byte) ([]byte, error) {
	if !c.ready() {
		return nil, ErrKeyNotSet
	}

	block, err := aes.NewCipher(c.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: aes.NewCipher: %v", ErrCipherFailure, err)
	}

	padded := pad(plaintext, block.BlockSize())
	defer memguard.WipeBytes(padded)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv.Bytes()).CryptBlocks(out, padded)
	return out, nil
}

func (c *Crypter) Decrypt(ciphertext []byte) ([]byte, error) {
	if !c.ready() {
		return nil, ErrKeyNotSet
	}

	block, err := aes.NewCipher(c.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: aes.NewCipher: %v", ErrCipherFailure, err)
	}

	bs := block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of %d", ErrCipherFailure, len(ciphertext), bs)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.iv.Bytes()).CryptBlocks(out, ciphertext)

	plain, err := unpad(out, bs)
	if err != nil {
		memguard.WipeBytes(out)
		return nil, err
	}
	return plain, nil
}

// Destroy wipes and unlocks the key material. The Crypter can be re-keyed
// afterwards.
func (c *Crypter) Destroy() {
	if c.key != nil {
		c.key.Destroy()
		c.key = nil
	}
	if c.iv != nil {
		c.iv.Destroy()
		c.iv = nil
	}
}

func pad(b []byte, bs int) []byte {
	n := bs - len(b)%bs
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, bs int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > bs || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrCipherFailure)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrCipherFailure)
		}
	}
	return b[:len(b)-n], nil
}
