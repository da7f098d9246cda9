//go:build linux
// +build linux

package fs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// readCurrentFile reads the reader's current file until EOF.
func readCurrentFile(t *testing.T, r *SequentialReader) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 300)
	for {
		n, err := r.Read(buf)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, buf[:n]...)
	}
}

func checkReadingFile(t *testing.T, fileSize, poolCapacity, chunkSize int) {
	t.Helper()
	data := patternBytes(fileSize)
	path := writeTempFile(t, "data", data)

	reader, err := NewSequentialReader(ReaderConfig{
		IoChunkSize:  chunkSize,
		PoolCapacity: poolCapacity,
	})
	require.NoError(t, err)
	defer reader.Close()
	require.NoError(t, reader.SetPath(path))

	got := readCurrentFile(t, reader)
	require.Len(t, got, fileSize)
	require.EqualValues(t, fileSize, reader.GetFileOffset())
	require.Equal(t, data, got)
}

// Buffer pool larger than the whole file.
func TestReaderSmallFile(t *testing.T) {
	checkReadingFile(t, 2500, 4096, 1024)
	checkReadingFile(t, 2500, 4096, 2048)
	checkReadingFile(t, 2500, 4096, 4096)
}

// Buffer pool smaller than the whole file.
func TestReaderFileInChunks(t *testing.T) {
	checkReadingFile(t, 25_000, 16384, 1024)
	checkReadingFile(t, 25_000, 4096, 1024)
	checkReadingFile(t, 25_000, 4096, 2048)
	checkReadingFile(t, 25_000, 4096, 4096)
}

// Buffer pool much smaller than the whole file.
func TestReaderLargeFile(t *testing.T) {
	checkReadingFile(t, 250_000, 32768, 1024)
	checkReadingFile(t, 250_000, 4096, 1024)
	checkReadingFile(t, 250_000, 4096, 4096)
}

func TestReaderRegisteredBuffers(t *testing.T) {
	const fileSize = 64 * 1024
	data := patternBytes(fileSize)
	path := writeTempFile(t, "data", data)

	reader, err := NewSequentialReader(ReaderConfig{
		IoChunkSize:     4 * 1024,
		PoolCapacity:    16 * 1024,
		RegisterBuffers: true,
	})
	if err != nil {
		t.Skipf("buffer registration unavailable (memlock ulimit?): %v", err)
	}
	defer reader.Close()
	require.NoError(t, reader.SetPath(path))

	got := readCurrentFile(t, reader)
	require.Equal(t, data, got)
}

func TestReaderBorrowedFile(t *testing.T) {
	path := writeTempFile(t, "data", []byte{0xa, 0xb, 0xc})
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	reader, err := NewSequentialReader(ReaderConfig{IoChunkSize: 512, PoolCapacity: 1024})
	require.NoError(t, err)
	defer reader.Close()

	require.NoError(t, reader.AddFileToPrefetch(f, 3))
	require.Equal(t, []byte{0xa, 0xb, 0xc}, readCurrentFile(t, reader))

	// The borrowed descriptor is untouched and independently readable.
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0xa, 0xb, 0xc}, got)
}

func TestReaderMultipleUnlimitedFiles(t *testing.T) {
	path1 := writeTempFile(t, "f1", []byte{0xa, 0xb, 0xc})
	path2 := writeTempFile(t, "f2", []byte{0xd, 0xe, 0xf, 0x10})

	reader, err := NewSequentialReader(ReaderConfig{IoChunkSize: 512, PoolCapacity: 1024})
	require.NoError(t, err)
	defer reader.Close()

	f1, err := os.Open(path1)
	require.NoError(t, err)
	f2, err := os.Open(path2)
	require.NoError(t, err)
	require.NoError(t, reader.AddOwnedFileToPrefetch(f1, UnlimitedReadLimit))
	require.NoError(t, reader.AddOwnedFileToPrefetch(f2, UnlimitedReadLimit))

	require.Equal(t, []byte{0xa, 0xb, 0xc}, readCurrentFile(t, reader))
	require.NoError(t, reader.MoveToNextFile())

	require.Equal(t, []byte{0xd, 0xe, 0xf, 0x10}, readCurrentFile(t, reader))
	require.NoError(t, reader.MoveToNextFile())

	// The reader is reusable after emptying its queue.
	f1, err = os.Open(path1)
	require.NoError(t, err)
	require.NoError(t, reader.AddOwnedFileToPrefetch(f1, UnlimitedReadLimit))
	require.Equal(t, []byte{0xa, 0xb, 0xc}, readCurrentFile(t, reader))
}

func TestReaderGetOffset(t *testing.T) {
	path := writeTempFile(t, "data", patternBytes(600))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	reader, err := NewSequentialReader(ReaderConfig{IoChunkSize: 512, PoolCapacity: 1024})
	require.NoError(t, err)
	defer reader.Close()
	// Read limit beyond EOF: the file end is found by a zero-length read.
	require.NoError(t, reader.AddFileToPrefetch(f, 1990))

	buf, err := reader.FillBuf()
	require.NoError(t, err)
	require.Len(t, buf, 512)
	require.EqualValues(t, 0, reader.GetFileOffset())
	reader.Consume(0)
	require.EqualValues(t, 0, reader.GetFileOffset())

	reader.Consume(40)
	require.EqualValues(t, 40, reader.GetFileOffset())
	buf, err = reader.FillBuf()
	require.NoError(t, err)
	require.Len(t, buf, 472)

	reader.Consume(472)
	require.EqualValues(t, 512, reader.GetFileOffset())
	buf, err = reader.FillBuf()
	require.NoError(t, err)
	require.Len(t, buf, 88)
	reader.Consume(0)
	require.EqualValues(t, 512, reader.GetFileOffset())

	reader.Consume(88)
	require.EqualValues(t, 600, reader.GetFileOffset())
	buf, err = reader.FillBuf()
	require.NoError(t, err)
	require.Empty(t, buf)

	require.NoError(t, reader.MoveToNextFile())
	require.EqualValues(t, 0, reader.GetFileOffset())
}

func TestReaderConsumePastFilledBuffers(t *testing.T) {
	pattern := make([]byte, 6000)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	path := writeTempFile(t, "data", pattern)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	reader, err := NewSequentialReader(ReaderConfig{IoChunkSize: 512, PoolCapacity: 2048})
	require.NoError(t, err)
	defer reader.Close()
	require.NoError(t, reader.AddFileToPrefetch(f, 5990))

	buf, err := reader.FillBuf()
	require.NoError(t, err)
	require.Equal(t, pattern[:512], buf)
	require.EqualValues(t, 0, reader.GetFileOffset())

	reader.Consume(600)
	require.EqualValues(t, 600, reader.GetFileOffset())
	buf, err = reader.FillBuf()
	require.NoError(t, err)
	require.Equal(t, pattern[600:1024], buf)

	reader.Consume(400)
	require.EqualValues(t, 1000, reader.GetFileOffset())
	buf, err = reader.FillBuf()
	require.NoError(t, err)
	require.Equal(t, pattern[1000:1024], buf)

	reader.Consume(25)
	buf, err = reader.FillBuf()
	require.NoError(t, err)
	require.Equal(t, pattern[1025:1536], buf)

	// Consume spanning several buffers, some not yet filled.
	reader.Consume(2000)
	buf, err = reader.FillBuf()
	require.NoError(t, err)
	require.Equal(t, pattern[3025:3072], buf)
}

func TestReaderSetFile(t *testing.T) {
	path1 := writeTempFile(t, "f1", []byte{0xa, 0xb, 0xc})
	path2 := writeTempFile(t, "f2", []byte{0xd, 0xe, 0xf, 0x10})
	f1, err := os.Open(path1)
	require.NoError(t, err)
	defer f1.Close()
	f2, err := os.Open(path2)
	require.NoError(t, err)
	defer f2.Close()

	reader, err := NewSequentialReader(ReaderConfig{IoChunkSize: 512, PoolCapacity: 1024})
	require.NoError(t, err)
	defer reader.Close()

	require.NoError(t, reader.AddFileToPrefetch(f1, 3))
	require.NoError(t, reader.AddFileToPrefetch(f2, 4))

	require.Equal(t, []byte{0xa, 0xb, 0xc}, readCurrentFile(t, reader))

	// Skip forward to a file already in the queue.
	require.NoError(t, reader.SetFile(f2, 4))
	require.Equal(t, []byte{0xd, 0xe, 0xf, 0x10}, readCurrentFile(t, reader))

	// Jump to a file not in the queue any more: re-added.
	require.NoError(t, reader.SetFile(f1, 4))
	require.Equal(t, []byte{0xa, 0xb, 0xc}, readCurrentFile(t, reader))

	f1Again, err := os.Open(path1)
	require.NoError(t, err)
	require.NoError(t, reader.AddOwnedFileToPrefetch(f1Again, UnlimitedReadLimit))
	require.NoError(t, reader.MoveToNextFile())
	require.Equal(t, []byte{0xa, 0xb, 0xc}, readCurrentFile(t, reader))

	require.NoError(t, reader.SetFile(f2, 4))
	require.Equal(t, []byte{0xd, 0xe, 0xf, 0x10}, readCurrentFile(t, reader))
}
