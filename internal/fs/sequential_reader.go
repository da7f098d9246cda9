//go:build linux
// +build linux

package fs

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/Meesho/BharatMLStack/uringfs/internal/memory"
	"github.com/Meesho/BharatMLStack/uringfs/internal/uring"
	"github.com/Meesho/BharatMLStack/uringfs/pkg/metrics"
)

// Based on transfers seen with `dd bs=SIZE` for NVMe drives: values >=64KiB
// are fine, but peak at 1MiB. Also compare with particular NVMe parameters,
// e.g. 32 pages (Maximum Data Transfer Size) * page size (MPSMIN) = 128KiB.
const DefaultReadSize = 1024 * 1024

// For large files we don't really use workers as few regularly submitted
// requests get handled within the sqpoll thread. Allow some just in case,
// but limit them.
const defaultReaderIowqWorkers = 2

// UnlimitedReadLimit reads a file until EOF regardless of its length.
const UnlimitedReadLimit = math.MaxUint64

// ReaderConfig tunes a SequentialReader. Zero values get defaults.
type ReaderConfig struct {
	// Per-read transfer size. This also influences concurrency, since the
	// buffer pool is divided into chunks of this size. Default
	// DefaultReadSize.
	IoChunkSize int
	// Total bytes of read-ahead buffering, chunked into IoChunkSize reads
	// that run in parallel. Raised to IoChunkSize if lower, rounded down to
	// a chunk multiple. Default 8MiB.
	PoolCapacity int
	// Register the buffer pool with the kernel for zero-copy reads.
	// Requires available memlock ulimit above the pool size.
	RegisterBuffers bool
	// Cap on kernel iowq worker threads. Default 2.
	MaxKernelWorkers uint32
	// Optional shared kernel submission thread / worker pool.
	SharedPoll *uring.SharedPollRing
}

func (cfg *ReaderConfig) withDefaults() {
	if cfg.IoChunkSize == 0 {
		cfg.IoChunkSize = DefaultReadSize
	}
	if cfg.PoolCapacity == 0 {
		cfg.PoolCapacity = 8 * 1024 * 1024
	}
	if cfg.MaxKernelWorkers == 0 {
		cfg.MaxKernelWorkers = defaultReaderIowqWorkers
	}
}

// SequentialReader is a read-ahead reader for non-seekable consumption of
// files: a FIFO of files is prefetched through a fixed pool of buffers and
// exposed as a buffered stream. FillBuf returns a borrowed slice of the
// currently available unread bytes without copying; Consume advances the
// cursor, possibly past buffers not yet filled.
//
// Methods must be called from a single goroutine.
type SequentialReader struct {
	ring *uring.Ring[readerBufs]
	// Backing buffer chunked into read slots, unmapped last.
	backing   *memory.PageAlignedBuffer
	chunkSize int
	numBufs   int

	// FIFO of files to prefetch; files[0] is the one being consumed.
	files []*fileState
	// Files whose descriptors the reader owns and closes on MoveToNextFile.
	ownedFiles []*os.File

	// Bytes left to consume from future buffers before FillBuf returns data
	// again. Non-zero only after a Consume spanning past the current buffer.
	leftToConsume int
	// Index of the buffer data is consumed from (0 if no file is being read).
	currentBufIndex int
	// Consume position within the current buffer.
	currentBufPos int
	// Cached length of the current buffer, 0 until waitCurrentBufFull
	// initializes it.
	currentBufLen int
	// File offset of the next byte FillBuf will return.
	currentOffset uint64

	// Index in files of the file that can still generate read ops, -1 none.
	nextReadFileIndex int
	// Buffer slot the next read op will fill.
	nextReadBufIndex int
}

// NewSequentialReader allocates the buffer pool and sets up the ring.
// The reader is idle until the first file is added.
func NewSequentialReader(cfg ReaderConfig) (*SequentialReader, error) {
	cfg.withDefaults()
	poolCapacity := max(cfg.PoolCapacity, cfg.IoChunkSize)
	poolCapacity = poolCapacity / cfg.IoChunkSize * cfg.IoChunkSize

	backing, err := memory.AllocPageAligned(poolCapacity)
	if err != nil {
		return nil, err
	}

	chunks, err := memory.SplitChunks(backing.Buf, cfg.IoChunkSize, cfg.RegisterBuffers)
	if err != nil {
		backing.Unmap()
		return nil, err
	}
	numBufs := len(chunks)

	bufs := make([]readBuf, numBufs)
	for i := range bufs {
		bufs[i] = readBuf{chunk: chunks[i].Take(), eofPos: -1}
	}

	// Completions arrive in bursts (batching done by the disk controller and
	// the kernel). Submitting in half-buffer batches keeps some operations
	// in flight at all times while the other half is read by the user. The
	// CQ bounds in-flight ops: every buffer may be submitted for reading.
	setup := uring.SetupWithSharedPoll(uring.Setup{
		CQEntries: uint32(numBufs),
	}, cfg.SharedPoll)
	ioRing, err := uring.NewIoUring(uint32(max(numBufs/2, 1)), setup)
	if err != nil {
		backing.Unmap()
		return nil, err
	}

	if err := ioRing.RegisterIowqMaxWorkers(cfg.MaxKernelWorkers, 1); err != nil {
		log.Warn().Err(err).Msg("iowq worker cap not supported, continuing unbounded")
	}

	ring := uring.NewRing(ioRing, &readerBufs{bufs: bufs})

	if cfg.RegisterBuffers {
		if err := ring.RegisterBuffers(memory.RegistrationRegions(backing.Buf)); err != nil {
			ring.Close()
			backing.Unmap()
			return nil, err
		}
	}

	return &SequentialReader{
		ring:              ring,
		backing:           backing,
		chunkSize:         cfg.IoChunkSize,
		numBufs:           numBufs,
		nextReadFileIndex: -1,
	}, nil
}

// SetPath opens the file under path, stats it to determine the read limit
// and adds it to the prefetch queue with the reader owning the descriptor.
func (r *SequentialReader) SetPath(path string) error {
	fd, err := openReadFileDescriptor(path)
	if err != nil {
		return err
	}
	file := os.NewFile(uintptr(fd), path)
	size, err := fileSize(fd)
	if err != nil {
		file.Close()
		return err
	}
	return r.AddOwnedFileToPrefetch(file, size)
}

// AddOwnedFileToPrefetch adds file to the prefetch FIFO, transferring
// descriptor ownership to the reader: the file is closed once it has been
// read and MoveToNextFile is called (or at Close).
//
// Reading finishes when EOF is reached or readLimit bytes are read.
func (r *SequentialReader) AddOwnedFileToPrefetch(file *os.File, readLimit uint64) error {
	if err := r.addFileByFd(fdOf(file), readLimit); err != nil {
		return err
	}
	r.ownedFiles = append(r.ownedFiles, file)
	return nil
}

// AddFileToPrefetch adds file without transferring ownership. The caller
// must keep the file open until the reader has moved past it.
func (r *SequentialReader) AddFileToPrefetch(file *os.File, readLimit uint64) error {
	return r.addFileByFd(fdOf(file), readLimit)
}

func (r *SequentialReader) addFileByFd(fd int, readLimit uint64) error {
	r.files = append(r.files, &fileState{fd: fd, readLimit: readLimit, startBufIndex: -1})

	if r.ring.Context().bufs[r.nextReadBufIndex].used() {
		// Just added file to backlog, no reads can be started yet.
		return nil
	}

	// There are free buffers, so we can start reading the new file. The
	// previously pointed file must be exhausted, or the free buffer would
	// have been scheduled for it already.
	if r.nextReadFileIndex < 0 {
		r.nextReadFileIndex = 0
	} else {
		r.nextReadFileIndex++
	}

	return r.tryScheduleNewOps()
}

// FillBuf returns a borrowed view of the unread bytes currently available,
// blocking for in-flight reads only when none are. An empty result means the
// current file reached its end (or read limit); call MoveToNextFile to
// continue with the next queued file. The view is invalidated by the next
// Consume, MoveToNextFile or Close.
func (r *SequentialReader) FillBuf() ([]byte, error) {
	if r.currentBufPos == r.currentBufLen {
		full, err := r.waitCurrentBufFull()
		if err != nil {
			return nil, err
		}
		if !full {
			return nil, nil
		}
	}

	// At this point we must have data or be at EOF.
	buf := &r.ring.Context().bufs[r.currentBufIndex]
	return buf.slice(r.currentBufPos, r.currentBufLen), nil
}

// Consume advances the read cursor by amt bytes. amt may exceed what the
// last FillBuf returned; the excess is skipped across buffers (and accounted
// for against reads still in flight) before FillBuf returns data again.
func (r *SequentialReader) Consume(amt int) {
	if amt == 0 || len(r.files) == 0 {
		return
	}
	r.currentOffset += uint64(amt)

	unconsumed := r.currentBufLen - r.currentBufPos
	if amt <= unconsumed {
		r.currentBufPos += amt
	} else {
		r.currentBufPos = r.currentBufLen
		// Bytes left to consume beyond the current buffer are accounted for
		// during the next waitCurrentBufFull call.
		r.leftToConsume += amt - unconsumed
	}
}

// Read implements io.Reader over the current file. FillBuf/Consume is the
// zero-copy interface; Read is the convenience one.
func (r *SequentialReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	available, err := r.FillBuf()
	if err != nil {
		return 0, err
	}
	if len(available) == 0 {
		return 0, io.EOF
	}
	n := copy(p, available)
	r.Consume(n)
	return n, nil
}

// GetFileOffset returns the offset in the current file of the next byte
// FillBuf will return.
func (r *SequentialReader) GetFileOffset() uint64 {
	return r.currentOffset
}

// MoveToNextFile drops the file currently being consumed, reclaims the
// buffers holding its unread data and starts consuming the next queued
// file. A file owned by the reader is closed here. No-op when the queue is
// empty.
func (r *SequentialReader) MoveToNextFile() error {
	if len(r.files) == 0 {
		return nil
	}
	removed := r.files[0]
	r.files = r.files[1:]

	// Always reset in-file and in-buffer state.
	r.currentOffset = 0
	r.currentBufPos = 0
	r.currentBufLen = 0
	r.leftToConsume = 0

	// Reclaim current and all subsequent unread buffers of the removed file.
	// The next file's first buffer (when it has one) is the sentinel; with
	// no sentinel every buffer belongs to the removed file and the loop
	// walks the full cycle.
	sentinel := r.currentBufIndex
	if len(r.files) > 0 && r.files[0].startBufIndex >= 0 {
		sentinel = r.files[0].startBufIndex
	}
	state := r.ring.Context()
	for {
		if err := r.ring.ProcessCompletions(); err != nil {
			return err
		}
		buf := &state.bufs[r.currentBufIndex]
		if buf.phase == bufReading {
			// Still being read, wait for more completions.
			if err := r.ring.SubmitAndWait(1, checkProgressTimeout); err != nil {
				return err
			}
			continue
		}
		buf.transitionToUninit()

		r.currentBufIndex = (r.currentBufIndex + 1) % r.numBufs
		if sentinel == r.currentBufIndex {
			break
		}
	}

	if len(r.ownedFiles) > 0 && removed.fd == fdOf(r.ownedFiles[0]) {
		file := r.ownedFiles[0]
		r.ownedFiles = r.ownedFiles[1:]
		if err := file.Close(); err != nil {
			return err
		}
	}

	if r.nextReadFileIndex >= 0 {
		// The front file was removed, all indices shift by one.
		r.nextReadFileIndex--
		if r.nextReadFileIndex < 0 {
			if len(r.files) == 0 {
				// Reader is empty, reset buf indices to initial values.
				r.currentBufIndex = 0
				r.nextReadBufIndex = 0
			} else {
				// There are other files to read, start with the new first.
				r.nextReadFileIndex = 0
			}
		}
	}

	return r.tryScheduleNewOps()
}

// SetFile skips forward until file is the one being consumed, adding it to
// the queue when it isn't there. Useful when the consumption order is
// decided later than the prefetch order.
func (r *SequentialReader) SetFile(file *os.File, readLimit uint64) error {
	for len(r.files) > 0 && r.files[0].fd != fdOf(file) {
		if err := r.MoveToNextFile(); err != nil {
			return err
		}
	}
	if len(r.files) == 0 {
		return r.AddFileToPrefetch(file, readLimit)
	}
	return nil
}

// Close drains in-flight reads, releases the ring, closes owned files and
// unmaps the buffer pool, in that order. The backing memory must outlive
// every in-flight kernel operation referencing it.
func (r *SequentialReader) Close() error {
	err := r.ring.Drain(checkProgressTimeout)
	if r.ring.InFlight() > 0 {
		// Unmapping now would hand the kernel freed memory. Leak instead.
		return fmt.Errorf("sequential reader close with ops in flight: %w", err)
	}
	state := r.ring.Context()
	if state.shortReadCount > 0 {
		log.Debug().Msgf("sequential reader stats - short reads: %d", state.shortReadCount)
		if metrics.Enabled() {
			metrics.Count(metrics.KEY_SHORT_READ_COUNT, int64(state.shortReadCount), nil)
		}
	}
	r.ring.Close()
	for _, file := range r.ownedFiles {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	r.ownedFiles = nil
	r.files = nil
	if uerr := r.backing.Unmap(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// tryScheduleNewOps starts reading as many buffers as necessary for the
// queued files. Called whenever reads may become schedulable: on added file
// or freed buffer.
func (r *SequentialReader) tryScheduleNewOps() error {
	state := r.ring.Context()
	for {
		if state.bufs[r.nextReadBufIndex].used() {
			// No more buffers available for reading.
			return nil
		}
		if r.nextReadFileIndex < 0 {
			return nil
		}
		op := r.files[r.nextReadFileIndex].nextReadOp(r.nextReadBufIndex, state)
		if op == nil {
			// Pointed file reached its limit, try to move to the next one.
			if r.nextReadFileIndex < len(r.files)-1 {
				r.nextReadFileIndex++
				continue
			}
			return nil
		}
		r.nextReadBufIndex = (r.nextReadBufIndex + 1) % r.numBufs
		if err := r.ring.Push(op); err != nil {
			return err
		}
	}
}

// waitCurrentBufFull blocks until the current buffer has unread data,
// walking over buffers exhausted by Consume and re-scheduling them for
// reads. Returns false when the current file's end is reached.
func (r *SequentialReader) waitCurrentBufFull() (bool, error) {
	if len(r.files) == 0 {
		return false, nil
	}
	state := r.ring.Context()
	for {
		if err := r.ring.ProcessCompletions(); err != nil {
			return false, err
		}

		buf := &state.bufs[r.currentBufIndex]
		switch buf.phase {
		case bufFull:
			if r.currentBufLen == 0 {
				r.currentBufLen = buf.chunk.Len()
				if buf.eofPos >= 0 {
					r.currentBufLen = buf.eofPos
				}
				if r.leftToConsume > 0 {
					consumed := min(r.leftToConsume, r.currentBufLen-r.currentBufPos)
					r.leftToConsume -= consumed
					r.currentBufPos += consumed
				}
			}

			// Note: leftToConsume might have eaten the whole buffer.
			if r.currentBufPos < r.currentBufLen {
				return true, nil
			}

			if buf.eofPos >= 0 {
				// Last filled buffer for the whole file (until
				// MoveToNextFile is called).
				return false, nil
			}

			// Finished consuming this buffer, reset it and move on.
			buf.transitionToUninit()
			r.currentBufIndex = (r.currentBufIndex + 1) % r.numBufs
			r.currentBufPos = 0
			// Might still be reading, len is initialized on the next pass.
			r.currentBufLen = 0

			// A buffer was freed, try to queue up the next read.
			if err := r.tryScheduleNewOps(); err != nil {
				return false, err
			}

		case bufReading:
			// Still no data, wait for completions; the submit flushes any
			// queued submission entries.
			if err := r.ring.SubmitAndWait(1, checkProgressTimeout); err != nil {
				return false, err
			}

		default:
			panic("sequential reader: current buffer has no scheduled read")
		}
	}
}

// -----------------------------------------------------------------------
// Ring context
// -----------------------------------------------------------------------

type bufPhase uint8

const (
	// Pending submission to the read queue (initial state, and after a Full
	// buffer has been fully consumed).
	bufUninit bufPhase = iota
	// A read op in the ring is filling the buffer.
	bufReading
	// Filled and ready to be consumed.
	bufFull
)

// readBuf is one buffer slot of the read-ahead pool. The chunk lives in the
// slot while Uninit or Full and travels with the read op while Reading.
type readBuf struct {
	phase bufPhase
	chunk memory.Chunk
	// Position in the buffer at which a zero-sized read (or the requested
	// read limit) was reached, -1 when the file continues past this buffer.
	eofPos int
}

func (b *readBuf) used() bool {
	return b.phase != bufUninit
}

func (b *readBuf) slice(start, end int) []byte {
	if b.phase != bufFull {
		panic("sequential reader: slice of a buffer that is not full")
	}
	return b.chunk.Bytes()[start:end]
}

// transitionToReading hands the chunk to a read op.
func (b *readBuf) transitionToReading() memory.Chunk {
	if b.phase != bufUninit {
		panic("sequential reader: buffer scheduled for reading twice")
	}
	b.phase = bufReading
	return b.chunk.Take()
}

// setFull returns the chunk from a completed read op.
func (b *readBuf) setFull(chunk memory.Chunk, eofPos int) {
	b.chunk = chunk
	b.eofPos = eofPos
	b.phase = bufFull
}

// transitionToUninit resets a fully consumed buffer. Resetting a buffer
// with a pending read would let the kernel write into a recycled slot.
func (b *readBuf) transitionToUninit() {
	switch b.phase {
	case bufUninit:
	case bufReading:
		panic("sequential reader: cannot reset a buffer with a pending read")
	case bufFull:
		b.phase = bufUninit
		b.eofPos = -1
	}
}

// readerBufs is the ring context: the state of every buffer that may be
// submitted to the kernel for reading.
type readerBufs struct {
	bufs []readBuf
	// Reads that returned less than requested and were re-submitted.
	shortReadCount int
}

// fileState tracks prefetch progress of a single queued file.
type fileState struct {
	fd int
	// File offset to read up to.
	readLimit uint64
	// Offset of the next byte to read from the file.
	nextReadOffset uint64
	// Buffer index holding the file's first data, -1 until the first read
	// is scheduled. MoveToNextFile uses it as the reclamation sentinel.
	startBufIndex int
}

// nextReadOp creates a read of [nextReadOffset, nextReadOffset +
// min(buf len, readLimit)) into buffer slot index, or nil when the file
// reached its limit. The offset always advances by the full read length; a
// short read re-submits the remainder from the op's completion.
func (f *fileState) nextReadOp(index int, state *readerBufs) *readOp {
	leftToRead := uint64(0)
	if f.readLimit > f.nextReadOffset {
		leftToRead = f.readLimit - f.nextReadOffset
	}
	if leftToRead == 0 {
		return nil
	}

	buf := state.bufs[index].transitionToReading()
	readLen := min(leftToRead, uint64(buf.Len()))

	op := &readOp{
		fd:         f.fd,
		buf:        buf,
		fileOffset: f.nextReadOffset,
		readLen:    int(readLen),
		isLastRead: leftToRead == readLen,
		bufIndex:   index,
	}
	if f.startBufIndex < 0 {
		f.startBufIndex = index
	}
	f.nextReadOffset += readLen
	return op
}

// -----------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------

type readOp struct {
	fd  int
	buf memory.Chunk
	// Offset inside the buffer. Non-zero only on short-read retries.
	bufOffset int
	// The offset in the file.
	fileOffset uint64
	// Typically the chunk size, less when a previous read came up short or
	// fileOffset is close to the read limit.
	readLen int
	// After reading readLen bytes the configured read limit is reached.
	isLastRead bool
	// Buffer slot to mark Full once the read completes.
	bufIndex int
}

func (op *readOp) Prepare(sqe *uring.SQE) {
	b := op.buf.Bytes()[op.bufOffset : op.bufOffset+op.readLen]
	if idx, ok := op.buf.IoBufIndex(); ok {
		uring.PrepReadFixed(sqe, op.fd, b, op.fileOffset, idx)
	} else {
		uring.PrepRead(sqe, op.fd, b, op.fileOffset)
	}
}

func (op *readOp) Complete(c *uring.Completion[readerBufs], res int32, opErr error) error {
	if opErr != nil {
		return opErr
	}
	n := int(res)
	totalRead := op.bufOffset + n
	buf := op.buf.Take()
	state := c.Context()

	if n > 0 && n < op.readLen {
		// Partial read (EINTR, or actual EOF before the read limit): retry
		// the remainder. A zero-length completion of the retry marks EOF.
		state.shortReadCount++
		c.Push(&readOp{
			fd:         op.fd,
			buf:        buf,
			bufOffset:  totalRead,
			fileOffset: op.fileOffset + uint64(n),
			readLen:    op.readLen - n,
			isLastRead: op.isLastRead,
			bufIndex:   op.bufIndex,
		})
		return nil
	}

	eofPos := -1
	if n == 0 || op.isLastRead {
		eofPos = totalRead
	}
	state.bufs[op.bufIndex].setFull(buf, eofPos)
	return nil
}
