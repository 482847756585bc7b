package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushBackPopFrontOrder(t *testing.T) {
	q := New[int](4)

	for i := 1; i <= 3; i++ {
		_, dropped := q.PushBack(i)
		require.False(t, dropped)
	}
	require.Equal(t, 3, q.Len())

	for i := 1; i <= 3; i++ {
		v, ok := q.PopFront()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := q.PopFront()
	require.False(t, ok)
}

func TestPushBackEvictsOldestWhenFull(t *testing.T) {
	q := New[int](3)
	q.PushBack(1)
	q.PushBack(2)
	q.PushBack(3)

	evicted, dropped := q.PushBack(4)
	require.True(t, dropped)
	require.Equal(t, 1, evicted)
	require.Equal(t, 3, q.Len())

	v, _ := q.PopFront()
	require.Equal(t, 2, v)
}

func TestPushFrontRequeuesAheadOfNewerItems(t *testing.T) {
	q := New[string](4)
	q.PushBack("a")
	q.PushBack("b")

	failed, _ := q.PopFront()
	require.Equal(t, "a", failed)

	_, dropped := q.PushFront(failed)
	require.False(t, dropped)

	v, _ := q.PopFront()
	require.Equal(t, "a", v)
	v, _ = q.PopFront()
	require.Equal(t, "b", v)
}

func TestPushFrontEvictsNewestWhenFull(t *testing.T) {
	q := New[int](3)
	q.PushBack(1)
	q.PushBack(2)
	q.PushBack(3)

	evicted, dropped := q.PushFront(0)
	require.True(t, dropped)
	require.Equal(t, 3, evicted)

	var got []int
	for {
		v, ok := q.PopFront()
		if !ok {
			break
		}
		got = append(got, v)
	}
	require.Equal(t, []int{0, 1, 2}, got)
}

func TestWrapAround(t *testing.T) {
	q := New[int](3)
	for i := 0; i < 10; i++ {
		q.PushBack(i)
		if i%2 == 0 {
			q.PopFront()
		}
	}
	require.LessOrEqual(t, q.Len(), q.Cap())
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	require.Panics(t, func() { New[int](0) })
}
