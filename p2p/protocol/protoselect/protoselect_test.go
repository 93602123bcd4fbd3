package protoselect

import (
	"net"
	"testing"

	"github.com/meshward/go-p2pnode/core/protocol"

	"github.com/stretchr/testify/require"
)

func TestSelectHandleRoundTrip(t *testing.T) {
	dialerConn, listenerConn := net.Pipe()
	defer dialerConn.Close()
	defer listenerConn.Close()

	dialerProtos := []protocol.ID{"/a/1.0.0", "/b/1.0.0", "/c/1.0.0"}
	listenerProtos := []protocol.ID{"/x/1.0.0", "/b/1.0.0", "/c/1.0.0"}

	errCh := make(chan error, 1)
	var chosenListener protocol.ID
	go func() {
		var err error
		chosenListener, err = Handle(listenerConn, listenerProtos)
		errCh <- err
	}()

	chosenDialer, err := Select(dialerConn, dialerProtos)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, protocol.ID("/b/1.0.0"), chosenDialer)
	require.Equal(t, chosenDialer, chosenListener)
}

func TestSelectNoCommonProtocol(t *testing.T) {
	dialerConn, listenerConn := net.Pipe()
	defer dialerConn.Close()
	defer listenerConn.Close()

	go func() {
		Handle(listenerConn, []protocol.ID{"/x/1.0.0"})
	}()

	_, err := Select(dialerConn, []protocol.ID{"/a/1.0.0"})
	require.ErrorIs(t, err, ErrUnsupported)
}
