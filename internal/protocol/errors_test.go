package protocol_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

func TestErrorKindCodes(t *testing.T) {
	require.Equal(t, 1001, protocol.NewError(protocol.KindConnection, "", "x", nil, nil).Code())
	require.Equal(t, 1004, protocol.NewError(protocol.KindTimeout, "", "x", nil, nil).Code())
	require.Equal(t, 1007, protocol.NewError(protocol.KindChecksum, "", "x", nil, nil).Code())
}

func TestErrorIsMatchesByKind(t *testing.T) {
	err := protocol.NewError(protocol.KindTimeout, "AA:BB:CC:DD:EE:FF", "read timed out", nil, nil)

	require.ErrorIs(t, err, protocol.ErrTimeout)
	require.NotErrorIs(t, err, protocol.ErrConnection)

	wrapped := fmt.Errorf("poll: %w", err)
	require.ErrorIs(t, wrapped, protocol.ErrTimeout)
	require.Equal(t, protocol.KindTimeout, protocol.KindOf(wrapped))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := protocol.NewError(protocol.KindConnection, "AA:BB:CC:DD:EE:FF", "dial failed", nil, cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "dial failed")
}

func TestIsTransient(t *testing.T) {
	transient := []protocol.Kind{protocol.KindConnection, protocol.KindTimeout, protocol.KindNotification}
	for _, kind := range transient {
		err := protocol.NewError(kind, "", "x", nil, nil)
		require.True(t, protocol.IsTransient(err), "kind %s", kind)
	}

	permanent := []protocol.Kind{protocol.KindDataParsing, protocol.KindCommand, protocol.KindProtocol, protocol.KindChecksum, protocol.KindState}
	for _, kind := range permanent {
		err := protocol.NewError(kind, "", "x", nil, nil)
		require.False(t, protocol.IsTransient(err), "kind %s", kind)
	}

	require.False(t, protocol.IsTransient(errors.New("plain")))
	require.False(t, protocol.IsTransient(nil))
}

func TestKindOfPlainError(t *testing.T) {
	require.Equal(t, protocol.Kind(0), protocol.KindOf(errors.New("plain")))
}
