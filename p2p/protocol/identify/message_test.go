package identify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageMarshalUnmarshalRoundTrip(t *testing.T) {
	msg := &Message{
		ProtocolVersion:  "p2pnode/1.0.0",
		AgentVersion:     "go-p2pnode/0.1.0",
		PublicKey:        []byte{1, 2, 3, 4},
		ListenAddrs:      [][]byte{{10, 20, 30}, {40, 50}},
		ObservedAddr:     []byte{9, 9, 9},
		Protocols:        []string{"/ipfs/id/1.0.0", "/ipfs/ping/1.0.0"},
		SignedPeerRecord: []byte{7, 7, 7},
	}

	b, err := msg.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalMessage(b)
	require.NoError(t, err)

	require.Equal(t, msg.ProtocolVersion, got.ProtocolVersion)
	require.Equal(t, msg.AgentVersion, got.AgentVersion)
	require.Equal(t, msg.PublicKey, got.PublicKey)
	require.Equal(t, msg.ListenAddrs, got.ListenAddrs)
	require.Equal(t, msg.ObservedAddr, got.ObservedAddr)
	require.Equal(t, msg.Protocols, got.Protocols)
	require.Equal(t, msg.SignedPeerRecord, got.SignedPeerRecord)
}

func TestMessageMarshalRejectsOversize(t *testing.T) {
	msg := &Message{
		AgentVersion: strings.Repeat("x", maxIdentifyMessageSize+1),
	}
	_, err := msg.Marshal()
	require.Error(t, err)
}

func TestUnmarshalMessageRejectsOversizeInput(t *testing.T) {
	_, err := UnmarshalMessage(make([]byte, maxIdentifyMessageSize+1))
	require.Error(t, err)
}

func TestMessageMarshalOmitsEmptyFields(t *testing.T) {
	msg := &Message{}
	b, err := msg.Marshal()
	require.NoError(t, err)
	require.Empty(t, b)
}
