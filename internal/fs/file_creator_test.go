//go:build linux
// +build linux

package fs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func patternBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251) // non-zero pattern
	}
	return b
}

func openDir(t *testing.T) (string, *os.File) {
	t.Helper()
	dir := t.TempDir()
	dirFile, err := os.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { dirFile.Close() })
	return dir, dirFile
}

func TestFileCreatorRoundTrip(t *testing.T) {
	const chunk = 1024
	// Sizes around every buffer boundary: empty, sub-chunk, exact chunk,
	// chunk multiples and off-by-one around them.
	sizes := []int{0, 1, chunk - 1, chunk, chunk + 1, 3 * chunk, 3*chunk - 1, 9000}

	dir, dirFile := openDir(t)

	callbacks := make(map[string]int)
	reportedSizes := make(map[string]uint64)
	creator, err := NewFileCreator(CreatorConfig{
		IoChunkSize:  chunk,
		PoolCapacity: 4 * chunk,
		MaxOpenFiles: 4,
	}, func(fi *FileInfo) {
		callbacks[fi.Path]++
		reportedSizes[fi.Path] = fi.Size
	})
	require.NoError(t, err)

	for i, size := range sizes {
		name := fmt.Sprintf("f%d", i)
		err := creator.ScheduleCreateAtDir(name, FILE_MODE, dirFile, bytes.NewReader(patternBytes(size)))
		require.NoError(t, err)
	}
	require.NoError(t, creator.Drain())

	for i, size := range sizes {
		name := fmt.Sprintf("f%d", i)
		require.Equal(t, 1, callbacks[name], "file_complete for %s must fire exactly once", name)
		require.Equal(t, uint64(size), reportedSizes[name])

		got, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		require.Equal(t, patternBytes(size), got, "content mismatch for %s", name)
	}

	// Every buffer returned to the free list, every file slot released.
	state := creator.ring.Context()
	require.Len(t, state.freeBufs, 4)
	require.Equal(t, 0, state.files.Len())

	require.NoError(t, creator.Close())
}

func TestFileCreatorThreeFileScenario(t *testing.T) {
	// One zero-length create, one single-write create and one create of
	// multiple writes with a short final write.
	const chunk = 1024
	sizes := []int{0, 1024, 9000}

	dir, dirFile := openDir(t)

	var completions int
	creator, err := NewFileCreator(CreatorConfig{
		IoChunkSize:  chunk,
		PoolCapacity: 2 * chunk,
		MaxOpenFiles: 4,
	}, func(fi *FileInfo) {
		completions++
	})
	require.NoError(t, err)

	for i, size := range sizes {
		name := fmt.Sprintf("f%d", i)
		err := creator.ScheduleCreateAtDir(name, FILE_MODE, dirFile, bytes.NewReader(patternBytes(size)))
		require.NoError(t, err)
	}
	require.NoError(t, creator.Drain())
	require.Equal(t, 3, completions, "all callbacks must fire before drain returns")

	for i, size := range sizes {
		got, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("f%d", i)))
		require.NoError(t, err)
		require.Equal(t, patternBytes(size), got)
	}
	require.NoError(t, creator.Close())
}

func TestFileCreatorCallbackTakesFile(t *testing.T) {
	const chunk = 512
	_, dirFile := openDir(t)

	var taken []*os.File
	creator, err := NewFileCreator(CreatorConfig{
		IoChunkSize:  chunk,
		PoolCapacity: 2 * chunk,
		MaxOpenFiles: 2,
	}, func(fi *FileInfo) {
		f := fi.TakeFile()
		require.NotNil(t, f)
		require.Nil(t, fi.TakeFile(), "second take must fail")
		taken = append(taken, f)
	})
	require.NoError(t, err)

	data := patternBytes(3 * chunk)
	require.NoError(t, creator.ScheduleCreateAtDir("f", FILE_MODE, dirFile, bytes.NewReader(data)))
	require.NoError(t, creator.Drain())
	require.Len(t, taken, 1)

	// The descriptor survives engine teardown.
	require.NoError(t, creator.Close())
	got := make([]byte, len(data))
	_, err = taken[0].ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.NoError(t, taken[0].Close())
}

func TestFileCreatorMoreFilesThanSlots(t *testing.T) {
	// Exercises the wait-for-file-slot and wait-for-buffer backpressure
	// paths with more concurrent files than slots and buffers.
	const chunk = 512
	dir, dirFile := openDir(t)

	callbacks := make(map[string]int)
	creator, err := NewFileCreator(CreatorConfig{
		IoChunkSize:  chunk,
		PoolCapacity: 2 * chunk,
		MaxOpenFiles: 2,
	}, func(fi *FileInfo) {
		callbacks[fi.Path]++
	})
	require.NoError(t, err)

	const numFiles = 9
	for i := 0; i < numFiles; i++ {
		name := fmt.Sprintf("f%d", i)
		data := patternBytes(i * 700)
		require.NoError(t, creator.ScheduleCreateAtDir(name, FILE_MODE, dirFile, bytes.NewReader(data)))
	}
	require.NoError(t, creator.Drain())

	for i := 0; i < numFiles; i++ {
		name := fmt.Sprintf("f%d", i)
		require.Equal(t, 1, callbacks[name])
		got, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		require.Equal(t, patternBytes(i*700), got)
	}
	require.NoError(t, creator.Close())
}

func TestFileCreatorRegisteredBuffers(t *testing.T) {
	const chunk = 4096
	dir, dirFile := openDir(t)

	var completions int
	creator, err := NewFileCreator(CreatorConfig{
		IoChunkSize:     chunk,
		PoolCapacity:    2 * chunk,
		RegisterBuffers: true,
		MaxOpenFiles:    2,
	}, func(fi *FileInfo) {
		completions++
	})
	if err != nil {
		t.Skipf("buffer registration unavailable (memlock ulimit?): %v", err)
	}

	data := patternBytes(3*chunk + 17)
	require.NoError(t, creator.ScheduleCreateAtDir("f", FILE_MODE, dirFile, bytes.NewReader(data)))
	require.NoError(t, creator.Drain())
	require.Equal(t, 1, completions)

	got, err := os.ReadFile(filepath.Join(dir, "f"))
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.NoError(t, creator.Close())
}
