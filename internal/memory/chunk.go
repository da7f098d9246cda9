//go:build linux
// +build linux

package memory

import "fmt"

// Registered buffers are announced to the kernel in slices of up to 1GiB:
// instead of registering many small chunks we register the few large regions
// and let each chunk carry the region index it falls into.
const fixedBufferLen = 1 << 30

// Chunk is a fixed-size view into a PageAlignedBuffer, owned exclusively by
// whoever currently holds the value: the free list, an in-flight op, a
// per-file backlog entry, or a reader buffer slot. Ownership is a baton -
// holders pass the value on (Take) and never keep a second reference,
// because the kernel may be writing through the same bytes.
type Chunk struct {
	buf []byte
	// Index of the registered 1GiB region this chunk falls into, -1 when the
	// backing buffer is not registered. Used for fixed read/write opcodes.
	ioBufIndex int32
}

// SplitChunks partitions buf into chunkSize-sized chunks. A trailing
// remainder shorter than chunkSize is discarded so every chunk has equal
// length. When registered is true each chunk carries the index of the 1GiB
// registration region it belongs to (see RegistrationRegions).
func SplitChunks(buf []byte, chunkSize int, registered bool) ([]Chunk, error) {
	if chunkSize <= 0 || len(buf) < chunkSize {
		return nil, fmt.Errorf("split chunks: buffer of %d bytes too small for chunk size %d", len(buf), chunkSize)
	}
	if len(buf)/fixedBufferLen > int(^uint16(0)) {
		return nil, fmt.Errorf("split chunks: buffer too large to register in io_uring")
	}
	n := len(buf) / chunkSize
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * chunkSize
		ioBufIndex := int32(-1)
		if registered {
			ioBufIndex = int32(start / fixedBufferLen)
		}
		chunks = append(chunks, Chunk{
			buf:        buf[start : start+chunkSize : start+chunkSize],
			ioBufIndex: ioBufIndex,
		})
	}
	return chunks, nil
}

// RegistrationRegions splits buf into the iovec regions to register with the
// kernel. Region boundaries match the ioBufIndex values produced by
// SplitChunks.
func RegistrationRegions(buf []byte) [][]byte {
	var regions [][]byte
	for len(buf) > 0 {
		n := min(len(buf), fixedBufferLen)
		regions = append(regions, buf[:n])
		buf = buf[n:]
	}
	return regions
}

// Bytes returns the chunk's byte view.
func (c *Chunk) Bytes() []byte {
	return c.buf
}

// Len returns the chunk length in bytes.
func (c *Chunk) Len() int {
	return len(c.buf)
}

// IsZero reports whether c is the empty (moved-from) chunk.
func (c *Chunk) IsZero() bool {
	return c.buf == nil
}

// IoBufIndex returns (index, true) if the chunk belongs to a registered
// region and can be used with fixed opcodes.
func (c *Chunk) IoBufIndex() (uint16, bool) {
	if c.ioBufIndex < 0 {
		return 0, false
	}
	return uint16(c.ioBufIndex), true
}

// Take moves the chunk out of c, leaving the zero chunk behind. Taking an
// already-moved chunk panics: it means two owners held the same buffer.
func (c *Chunk) Take() Chunk {
	if c.IsZero() {
		panic("chunk: take of moved-from chunk")
	}
	moved := *c
	*c = Chunk{}
	return moved
}
