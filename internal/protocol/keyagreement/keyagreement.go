package keyagreement

import (
	"errors"
	"fmt"

	"xchat/internal/cryptographic/dh"
	"xchat/internal/cryptographic/kdf"
	"xchat/internal/model"

	"github.com/awnumar/memguard"
)

var ErrKeyAgreementFailed = errors.New("key agreement failed")

type (
	Base struct {
	}

	// Sender derives message keys from a fresh ephemeral key and the
	// recipient's static public key.
	Sender struct {
		*Base
	}

	// Receiver derives the same keys from its static private key and the
	// ephemeral public key carried by the envelope.
	Receiver struct {
		*Base
	}
)

func (s *Base) GenerateKeys(priv, pub []byte) (*kdf.Keys, error) {
	shared, err := dh.SharedSecret(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyAgreementFailed, err)
	}
	defer memguard.WipeBytes(shared)

	return kdf.SplitSHA512(shared)
}

func (s *Sender) GenerateKeys(skb *model.SenderKeyBundle) (*kdf.Keys, error) {
	return s.Base.GenerateKeys(skb.EKPriv, skb.RecipientPub)
}

func (s *Receiver) GenerateKeys(rkb *model.ReceiverKeyBundle) (*kdf.Keys, error) {
	return s.Base.GenerateKeys(rkb.ReceiverPriv, rkb.EKPub)
}
