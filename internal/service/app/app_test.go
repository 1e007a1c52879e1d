package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInput(t *testing.T) {
	tests := []struct {
		in   string
		want command
	}{
		{"hello there", command{text: "hello there"}},
		{"  spaced  ", command{text: "spaced"}},
		{"/to XaddrY", command{name: "to", args: []string{"XaddrY"}}},
		{"/to XaddrY 02ab", command{name: "to", args: []string{"XaddrY", "02ab"}}},
		{"/whoami", command{name: "whoami", args: []string{}}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseInput(tt.in))
		})
	}
}

func TestPubKeyURL(t *testing.T) {
	tests := []struct {
		peer string
		want string
	}{
		{"ws://localhost:9090/peer", "http://localhost:9090/pubkey/abc"},
		{"wss://node.example/xchat/peer", "https://node.example/xchat/pubkey/abc"},
		{"http://10.0.0.1:9090", "http://10.0.0.1:9090/pubkey/abc"},
	}
	for _, tt := range tests {
		got, err := pubKeyURL(tt.peer, "abc")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := pubKeyURL("ftp://x/peer", "abc")
	assert.Error(t, err)
}
