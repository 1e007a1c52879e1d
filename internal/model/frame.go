package model

const (
	FrameMessage    = "message"
	FrameMessageAck = "messageAck"
)

type (
	// WireMessage is the routing metadata of a message plus its envelope in
	// the fixed binary layout.
	WireMessage struct {
		From      string `json:"from"`
		To        string `json:"to,omitempty"`
		Date      string `json:"date"`
		Timestamp int64  `json:"timestamp"`
		Envelope  []byte `json:"envelope,omitempty"`
	}

	// Frame is one unit exchanged between peers.
	Frame struct {
		Type    string       `json:"type"`
		Message *WireMessage `json:"message,omitempty"`
		Hash    string       `json:"hash,omitempty"`
	}
)
