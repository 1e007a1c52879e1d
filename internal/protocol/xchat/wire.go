package xchat

import (
	"fmt"

	"xchat/internal/address"
	"xchat/internal/compress"
	"xchat/internal/cryptographic/dh"
	"xchat/internal/cryptographic/encryption"
	"xchat/internal/model"
)

const (
	EphemeralKeySize = dh.PublicKeySize
	IVSize           = encryption.IVSize
	MACSize          = 32

	envelopeHeaderSize = EphemeralKeySize + IVSize + MACSize
)

// MaxEncryptedSize bounds the ciphertext accepted from the network: the
// largest payload (incompressible text at the limit) plus one padding block.
var MaxEncryptedSize = (PayloadOverhead+compress.Bound(MaxTextSize))/IVSize*IVSize + IVSize

// MarshalEnvelope lays the envelope out as
// ephemeral key(33) | iv(16) | mac(32) | encrypted data.
// An empty envelope (a presence ping) marshals to nil.
func MarshalEnvelope(env *model.Envelope) []byte {
	if len(env.EncryptedData) == 0 {
		return nil
	}
	out := make([]byte, 0, envelopeHeaderSize+len(env.EncryptedData))
	out = append(out, env.EphemeralPub...)
	out = append(out, env.IV...)
	out = append(out, env.MAC...)
	out = append(out, env.EncryptedData...)
	return out
}

func UnmarshalEnvelope(b []byte) (model.Envelope, error) {
	var env model.Envelope
	if len(b) == 0 {
		return env, nil
	}
	if len(b) <= envelopeHeaderSize {
		return env, fmt.Errorf("%w: %d bytes", ErrMalformedEnvelope, len(b))
	}
	if len(b)-envelopeHeaderSize > MaxEncryptedSize {
		return env, fmt.Errorf("%w: %d bytes of ciphertext", ErrMessageTooLarge, len(b)-envelopeHeaderSize)
	}

	off := 0
	take := func(n int) []byte {
		v := append([]byte(nil), b[off:off+n]...)
		off += n
		return v
	}
	env.EphemeralPub = take(EphemeralKeySize)
	env.IV = take(IVSize)
	env.MAC = take(MACSize)
	env.EncryptedData = take(len(b) - off)
	return env, nil
}

func checkEnvelope(env *model.Envelope) error {
	if len(env.EphemeralPub) != EphemeralKeySize || len(env.IV) != IVSize || len(env.MAC) != MACSize {
		return fmt.Errorf("%w: key %d, iv %d, mac %d bytes", ErrMalformedEnvelope,
			len(env.EphemeralPub), len(env.IV), len(env.MAC))
	}
	return nil
}

func ToWire(m *model.Message) *model.WireMessage {
	return &model.WireMessage{
		From:      m.From,
		To:        m.To,
		Date:      m.Date,
		Timestamp: m.Timestamp,
		Envelope:  MarshalEnvelope(&m.Envelope),
	}
}

// FromWire validates routing metadata and the envelope layout of a message
// received from a peer.
func FromWire(w *model.WireMessage) (*model.Message, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: missing message", ErrMalformedEnvelope)
	}
	if _, err := address.Decode(w.From); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if w.To != "" {
		if _, err := address.Decode(w.To); err != nil {
			return nil, fmt.Errorf("to: %w", err)
		}
	}

	env, err := UnmarshalEnvelope(w.Envelope)
	if err != nil {
		return nil, err
	}

	return &model.Message{
		From:      w.From,
		To:        w.To,
		Date:      w.Date,
		Timestamp: w.Timestamp,
		Envelope:  env,
	}, nil
}

// FrameKey identifies a frame for per-peer relay dedup: the NetworkHash of a
// message, or "ack:" plus the acknowledged hash.
func FrameKey(f *model.Frame) (string, error) {
	switch f.Type {
	case model.FrameMessageAck:
		if f.Hash == "" {
			return "", fmt.Errorf("%w: ack without hash", ErrMalformedEnvelope)
		}
		return "ack:" + f.Hash, nil
	case model.FrameMessage:
		m, err := FromWire(f.Message)
		if err != nil {
			return "", err
		}
		return m.NetworkHash().String(), nil
	default:
		return "", fmt.Errorf("%w: frame type %q", ErrMalformedEnvelope, f.Type)
	}
}

func MessageFrame(m *model.Message) *model.Frame {
	return &model.Frame{Type: model.FrameMessage, Message: ToWire(m)}
}

func AckFrame(h model.Hash) *model.Frame {
	return &model.Frame{Type: model.FrameMessageAck, Hash: h.String()}
}
