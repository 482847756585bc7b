package ringchan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendReceive(t *testing.T) {
	rc := New[int](4)
	defer rc.Close()

	rc.Send(1)
	rc.Send(2)

	v, ok := rc.Receive()
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = rc.Receive()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestSendOverwritesOldestWhenFull(t *testing.T) {
	rc := New[int](2)
	defer rc.Close()

	rc.Send(1)
	rc.Send(2)
	rc.Send(3)

	v, _ := rc.Receive()
	require.Equal(t, 2, v)
	v, _ = rc.Receive()
	require.Equal(t, 3, v)

	m := rc.GetMetrics()
	require.Equal(t, int64(3), m.Written)
	require.Equal(t, int64(1), m.Overwritten)
	require.Equal(t, int64(2), m.Processed)
}

func TestTrySendFullBuffer(t *testing.T) {
	rc := New[int](1)
	defer rc.Close()

	require.True(t, rc.TrySend(1))
	require.False(t, rc.TrySend(2))
	require.Equal(t, 1, rc.Len())
}

func TestTryReceiveEmpty(t *testing.T) {
	rc := New[string](2)
	defer rc.Close()

	_, ok := rc.TryReceive()
	require.False(t, ok)

	rc.Send("x")
	v, ok := rc.TryReceive()
	require.True(t, ok)
	require.Equal(t, "x", v)
}

func TestChannelConsumption(t *testing.T) {
	rc := New[int](8)

	go func() {
		for i := 0; i < 5; i++ {
			rc.Send(i)
		}
		rc.Close()
	}()

	var got []int
	timeout := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-rc.C():
			if !ok {
				require.Equal(t, []int{0, 1, 2, 3, 4}, got)
				return
			}
			got = append(got, v)
		case <-timeout:
			t.Fatal("timed out waiting for channel close")
		}
	}
}
