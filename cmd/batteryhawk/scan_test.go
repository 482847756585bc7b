package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanFlags(t *testing.T) {
	flags := scanCmd.Flags()

	duration := flags.Lookup("duration")
	require.NotNil(t, duration)
	require.Equal(t, "10s", duration.DefValue)

	stopOnNew := flags.Lookup("stop-on-new")
	require.NotNil(t, stopOnNew)
	require.Equal(t, "false", stopOnNew.DefValue)

	require.NotNil(t, flags.Lookup("format"))
	require.NotNil(t, flags.Lookup("all"))
}
