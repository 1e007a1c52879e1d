// Package xchat turns signed chat messages into envelopes addressed to one
// recipient key and back.
//
// Each message gets a fresh ephemeral secp256k1 key. The ECDH secret between
// it and the recipient's static key is hashed with SHA-512: the first half
// keys AES-256-CBC, the second half keys an HMAC-SHA256 over the ciphertext.
// A MAC mismatch is how a node learns that a message is not addressed to it,
// so Decrypt reports it as a result, not as an error.
package xchat

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"xchat/internal/address"
	"xchat/internal/cryptographic/dh"
	"xchat/internal/cryptographic/encryption"
	"xchat/internal/cryptographic/signature"
	"xchat/internal/model"
	"xchat/internal/protocol/keyagreement"

	"github.com/awnumar/memguard"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Result is the outcome of Decrypt.
type Result struct {
	// ForMe is false when the MAC did not verify under our key.
	ForMe bool

	SenderKeyID address.KeyID
	SenderPub   []byte
}

// Sign signs m.Text with the sender's long-term key.
func Sign(m *model.Message, priv *secp256k1.PrivateKey) error {
	m.Signature = nil
	sig, err := signature.Sign(priv, []byte(m.Text))
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Encrypt seals the signed message m to recipientPub. On success Text and
// Signature are wiped from m and the Envelope is set; on failure m is left
// untouched.
func Encrypt(m *model.Message, recipientPub []byte) error {
	switch {
	case len(m.Text) == 0:
		return ErrEmptyMessage
	case len(m.Text) > MaxTextSize:
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(m.Text), MaxTextSize)
	case len(m.Signature) == 0:
		return ErrUnsignedMessage
	case len(m.Signature) != signature.Size:
		return fmt.Errorf("%w: signature is %d bytes", ErrUnsignedMessage, len(m.Signature))
	}

	keyID, err := address.Decode(m.From)
	if err != nil {
		return fmt.Errorf("from: %w", err)
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("rand.Read iv: %w", err)
	}

	ek, ekPub, err := dh.NewKeyPair()
	if err != nil {
		return err
	}
	defer ek.Zero()

	ekPriv := ek.Serialize()
	defer memguard.WipeBytes(ekPriv)

	sender := &keyagreement.Sender{}
	keys, err := sender.GenerateKeys(&model.SenderKeyBundle{
		EKPriv:       ekPriv,
		RecipientPub: recipientPub,
	})
	if err != nil {
		return err
	}
	defer keys.Destroy()

	text := []byte(m.Text)
	defer memguard.WipeBytes(text)

	packed, err := packText(text)
	if err != nil {
		return err
	}

	p := &payload{
		keyID:       keyID,
		signature:   m.Signature,
		text:        packed,
		originalLen: uint32(len(text)),
	}
	plain := p.marshal()
	defer memguard.WipeBytes(plain)

	crypter := encryption.NewCrypter()
	defer crypter.Destroy()
	if err := crypter.SetKey(keys.CipherKey(), iv); err != nil {
		return err
	}

	ciphertext, err := crypter.Encrypt(plain)
	if err != nil {
		return err
	}

	m.Envelope = model.Envelope{
		EphemeralPub:  ekPub,
		IV:            iv,
		MAC:           computeMAC(keys.MACKey(), ciphertext),
		EncryptedData: ciphertext,
	}

	memguard.WipeBytes(m.Signature)
	m.Signature = nil
	m.Text = ""
	return nil
}

// Decrypt opens m with the receiver's static key. A message addressed to
// someone else returns Result{ForMe: false} and no error. When ForMe is true
// and the error is nil, m.Text and m.Signature are filled in and the
// signature has been checked against the From address.
func Decrypt(m *model.Message, receiver *secp256k1.PrivateKey) (*Result, error) {
	env := &m.Envelope
	if len(env.EncryptedData) == 0 || len(env.EphemeralPub) == 0 {
		return &Result{}, ErrNoData
	}
	if err := checkEnvelope(env); err != nil {
		return &Result{}, err
	}
	if _, err := dh.ParsePublicKey(env.EphemeralPub); err != nil {
		return &Result{}, err
	}
	if receiver == nil {
		return &Result{}, ErrInvalidKey
	}

	receiverPriv := receiver.Serialize()
	defer memguard.WipeBytes(receiverPriv)

	recv := &keyagreement.Receiver{}
	keys, err := recv.GenerateKeys(&model.ReceiverKeyBundle{
		ReceiverPriv: receiverPriv,
		EKPub:        env.EphemeralPub,
	})
	if err != nil {
		return &Result{}, err
	}
	defer keys.Destroy()

	if !hmac.Equal(computeMAC(keys.MACKey(), env.EncryptedData), env.MAC) {
		return &Result{}, nil
	}

	res := &Result{ForMe: true}

	crypter := encryption.NewCrypter()
	defer crypter.Destroy()
	if err := crypter.SetKey(keys.CipherKey(), env.IV); err != nil {
		return res, err
	}

	plain, err := crypter.Decrypt(env.EncryptedData)
	if err != nil {
		return res, err
	}
	defer memguard.WipeBytes(plain)

	p, err := unmarshalPayload(plain)
	if err != nil {
		return res, err
	}

	text, err := unpackText(p)
	if err != nil {
		return res, err
	}

	pub, compressed, err := signature.Recover(text, p.signature)
	if err != nil {
		return res, err
	}

	if address.FromPublicKey(pub, compressed) != p.keyID {
		return res, fmt.Errorf("%w: signer %s, payload %s", ErrSenderSpoofed,
			address.FromPublicKey(pub, compressed), p.keyID)
	}

	fromID, err := address.Decode(m.From)
	if err != nil || fromID != p.keyID {
		return res, fmt.Errorf("%w: from %q does not match payload key-id %s", ErrSenderSpoofed, m.From, p.keyID)
	}

	res.SenderKeyID = p.keyID
	res.SenderPub = pub.SerializeCompressed()

	m.Text = string(text)
	m.Signature = append([]byte(nil), p.signature...)
	return res, nil
}

func computeMAC(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
