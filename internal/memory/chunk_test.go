//go:build linux
// +build linux

package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitChunks(t *testing.T) {
	buf := make([]byte, 10)

	t.Run("even split", func(t *testing.T) {
		chunks, err := SplitChunks(buf, 5, false)
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		require.Equal(t, 5, chunks[0].Len())
		require.Equal(t, 5, chunks[1].Len())
	})

	t.Run("remainder is discarded", func(t *testing.T) {
		chunks, err := SplitChunks(buf, 4, false)
		require.NoError(t, err)
		require.Len(t, chunks, 2)
	})

	t.Run("buffer smaller than chunk", func(t *testing.T) {
		_, err := SplitChunks(buf, 11, false)
		require.Error(t, err)
	})

	t.Run("chunks alias the backing buffer", func(t *testing.T) {
		chunks, err := SplitChunks(buf, 5, false)
		require.NoError(t, err)
		chunks[1].Bytes()[0] = 0xab
		require.Equal(t, byte(0xab), buf[5])
	})
}

func TestChunkRegistration(t *testing.T) {
	buf := make([]byte, 8)

	t.Run("unregistered has no io buf index", func(t *testing.T) {
		chunks, err := SplitChunks(buf, 4, false)
		require.NoError(t, err)
		_, ok := chunks[0].IoBufIndex()
		require.False(t, ok)
	})

	t.Run("registered carries region index", func(t *testing.T) {
		chunks, err := SplitChunks(buf, 4, true)
		require.NoError(t, err)
		idx, ok := chunks[0].IoBufIndex()
		require.True(t, ok)
		require.Equal(t, uint16(0), idx)
	})

	t.Run("regions cover the buffer", func(t *testing.T) {
		regions := RegistrationRegions(buf)
		require.Len(t, regions, 1)
		require.Equal(t, len(buf), len(regions[0]))
	})
}

func TestChunkTake(t *testing.T) {
	chunks, err := SplitChunks(make([]byte, 4), 4, false)
	require.NoError(t, err)

	c := &chunks[0]
	require.False(t, c.IsZero())

	moved := c.Take()
	require.True(t, c.IsZero())
	require.False(t, moved.IsZero())
	require.Equal(t, 4, moved.Len())

	// Second take means two owners held the same buffer.
	require.Panics(t, func() { c.Take() })
}

func TestAllocPageAligned(t *testing.T) {
	b, err := AllocPageAligned(16 * 1024)
	require.NoError(t, err)
	require.Len(t, b.Buf, 16*1024)

	b.Buf[0] = 1
	b.Buf[16*1024-1] = 1

	require.NoError(t, b.Unmap())
	require.Nil(t, b.Buf)
	// Unmap is idempotent.
	require.NoError(t, b.Unmap())

	_, err = AllocPageAligned(0)
	require.Error(t, err)
}
