package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// DateLayout is the canonical textual date of a message, second precision.
// Dates are written and read in UTC rather than local time so nodes in
// different zones agree on expiry.
const DateLayout = "2006-01-02 15:04:05"

type (
	// Envelope is the encrypted, authenticated form of a message payload.
	Envelope struct {
		EphemeralPub  []byte `json:"ephemeral_pub,omitempty"`
		IV            []byte `json:"iv,omitempty"`
		MAC           []byte `json:"mac,omitempty"`
		EncryptedData []byte `json:"encrypted_data,omitempty"`
	}

	// Message is both the plaintext view and the envelope of one chat
	// message. Text and Signature are cleared once the message is encrypted.
	Message struct {
		From      string   `json:"from"`
		To        string   `json:"to"`
		Date      string   `json:"date"`
		Text      string   `json:"text,omitempty"`
		Signature []byte   `json:"signature,omitempty"`
		Envelope  Envelope `json:"envelope"`
		Timestamp int64    `json:"timestamp"`

		// Incoming is set on history entries received from the counterpart.
		Incoming bool `json:"incoming,omitempty"`
	}

	Hash [sha256.Size]byte
)

func NewMessage(from, to, text string, now time.Time) *Message {
	return &Message{
		From:      from,
		To:        to,
		Date:      FormatDate(now),
		Text:      text,
		Timestamp: now.Unix(),
	}
}

func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

func ParseDate(date string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, date, time.UTC)
}

// IsEmpty reports a message without payload: a presence ping.
func (m *Message) IsEmpty() bool {
	return len(m.Envelope.EncryptedData) == 0
}

func (m *Message) IsBroadcast() bool {
	return m.To == ""
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	c.Signature = cloneBytes(m.Signature)
	c.Envelope = Envelope{
		EphemeralPub:  cloneBytes(m.Envelope.EphemeralPub),
		IV:            cloneBytes(m.Envelope.IV),
		MAC:           cloneBytes(m.Envelope.MAC),
		EncryptedData: cloneBytes(m.Envelope.EncryptedData),
	}
	return &c
}

// NetworkHash identifies one transmitted copy, including its resend instant.
func (m *Message) NetworkHash() Hash {
	return hashOf(m.From+m.To+m.Date+strconv.FormatInt(m.Timestamp, 10), m.Envelope.EncryptedData)
}

// ContentHash identifies a message regardless of when it was (re)sent.
func (m *Message) ContentHash() Hash {
	return hashOf(m.From+m.To+m.Date, m.Envelope.EncryptedData)
}

// StaticHash identifies the pending item of a conversation.
func (m *Message) StaticHash() Hash {
	return hashOf(m.From+m.To, m.Envelope.EncryptedData)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, hex.ErrLength
	}
	copy(h[:], b)
	return h, nil
}

// hashOf is double-SHA256 over the concatenation of head and data.
func hashOf(head string, data []byte) Hash {
	h := sha256.New()
	h.Write([]byte(head))
	h.Write(data)
	first := h.Sum(nil)
	return Hash(sha256.Sum256(first))
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
