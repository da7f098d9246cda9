//go:build linux
// +build linux

package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/Meesho/BharatMLStack/uringfs/internal/memory"
	"github.com/Meesho/BharatMLStack/uringfs/internal/uring"
	"github.com/Meesho/BharatMLStack/uringfs/pkg/metrics"
)

// Based on transfers seen with `dd bs=SIZE` for NVMe drives: values >=64KiB
// are fine, but usually peak around 256KiB-1MiB.
const DefaultWriteSize = 512 * 1024

// Sanity limit for the pending-file slab and the number of concurrent open
// ops. Permitting too many open files results in many submitted open ops,
// which contend on the directory inode lock since most files land in a
// single directory.
const defaultMaxOpenFiles = 512

// We need a few kernel workers to saturate disk bandwidth (lots of small
// files means a high op count), but too many contend on the directory inode
// lock during opens.
const defaultCreatorIowqWorkers = 4

const openFlagsCreate = O_CREAT | O_TRUNC | O_NOFOLLOW | O_RDWR | O_NOATIME

// FileCompleteFn is invoked exactly once per created file, after all of its
// writes have completed and its size is known. The callback may take
// descriptor ownership via fi.TakeFile(); otherwise the engine schedules an
// explicit close through the ring.
type FileCompleteFn func(fi *FileInfo)

// CreatorConfig tunes a FileCreator. Zero values get defaults.
type CreatorConfig struct {
	// Per-write transfer size. Default DefaultWriteSize.
	IoChunkSize int
	// Total bytes of buffer memory, chunked into IoChunkSize writes that run
	// in parallel. Rounded down to a chunk multiple. Default 16MiB.
	PoolCapacity int
	// Register the buffer pool with the kernel for zero-copy writes.
	// Requires memlock ulimit headroom; registration failure is fatal at
	// construction.
	RegisterBuffers bool
	// Cap on kernel iowq worker threads. Default 4.
	MaxKernelWorkers uint32
	// Bound on concurrently open files. Default 512.
	MaxOpenFiles int
	// Optional shared kernel submission thread / worker pool.
	SharedPoll *uring.SharedPollRing
}

func (cfg *CreatorConfig) withDefaults() {
	if cfg.IoChunkSize == 0 {
		cfg.IoChunkSize = DefaultWriteSize
	}
	if cfg.PoolCapacity == 0 {
		cfg.PoolCapacity = 16 * 1024 * 1024
	}
	if cfg.MaxKernelWorkers == 0 {
		cfg.MaxKernelWorkers = defaultCreatorIowqWorkers
	}
	if cfg.MaxOpenFiles == 0 {
		cfg.MaxOpenFiles = defaultMaxOpenFiles
	}
}

// FileCreator creates many files concurrently with io_uring open -> write
// -> close pipelines. Methods must be called from a single goroutine.
//
// Teardown order matters: the ring holds kernel references into the backing
// buffer, so Close drains the ring before unmapping.
type FileCreator struct {
	ring *uring.Ring[creatorState]
	// Backing buffer chunked into the free-buffer economy, unmapped last.
	backing   *memory.PageAlignedBuffer
	chunkSize int
}

// NewFileCreator allocates the buffer pool, sets up the ring and returns a
// creator that reports finished files through fileComplete.
func NewFileCreator(cfg CreatorConfig, fileComplete FileCompleteFn) (*FileCreator, error) {
	cfg.withDefaults()
	poolCapacity := cfg.PoolCapacity / cfg.IoChunkSize * cfg.IoChunkSize
	if poolCapacity == 0 {
		return nil, ErrPoolTooSmall
	}

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

	// Let the submission queue hold half of the buffers before we syscall to
	// submit (kernel starts processing before we run out of buffers, and the
	// number of submit syscalls is amortized). The CQ bounds in-flight ops:
	// every buffer may be written while every file slot holds an open/close.
	setup := uring.SetupWithSharedPoll(uring.Setup{
		CQEntries: uint32(numBufs + cfg.MaxOpenFiles),
	}, cfg.SharedPoll)
	ioRing, err := uring.NewIoUring(uint32(max(numBufs/2, 1)), setup)
	if err != nil {
		backing.Unmap()
		return nil, err
	}

	// Bounded iowq workers; 1 unbounded just in case (0 leaves it unlimited).
	if err := ioRing.RegisterIowqMaxWorkers(cfg.MaxKernelWorkers, 1); err != nil {
		log.Warn().Err(err).Msg("iowq worker cap not supported, continuing unbounded")
	}

	state := &creatorState{
		files:        uring.NewSlab[pendingFile](cfg.MaxOpenFiles),
		freeBufs:     chunks,
		fileComplete: fileComplete,
	}
	ring := uring.NewRing(ioRing, state)

	if cfg.RegisterBuffers {
		if err := ring.RegisterBuffers(memory.RegistrationRegions(backing.Buf)); err != nil {
			ring.Close()
			backing.Unmap()
			return nil, err
		}
	}

	return &FileCreator{
		ring:      ring,
		backing:   backing,
		chunkSize: cfg.IoChunkSize,
	}, nil
}

// ScheduleCreateAtDir registers a new file at path (created relative to the
// open directory dir), then pulls contents into free buffers and submits
// writes as they fill. Writes that become ready before the open completes
// are backlogged on the file and flushed by the open's completion handler,
// so a write can never race past its own open.
//
// Blocks only while waiting for a free buffer or a free file slot.
func (c *FileCreator) ScheduleCreateAtDir(path string, mode uint32, dir *os.File, contents io.Reader) error {
	fileKey, err := c.waitAddFile(pendingFile{path: path})
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	pathBytes := make([]byte, len(name)+1) // NUL-terminated for openat
	copy(pathBytes, name)

	err = c.ring.Push(&openOp{
		dir:       dir,
		pathBytes: pathBytes,
		mode:      mode,
		fileKey:   fileKey,
	})
	if err != nil {
		return err
	}

	return c.writeAndClose(contents, fileKey)
}

// Drain blocks until every scheduled file is fully written and every
// file-complete callback has fired, then logs tuning statistics.
func (c *FileCreator) Drain() error {
	err := c.ring.Drain(checkProgressTimeout)
	c.ring.Context().logStats()
	return err
}

// Close drains outstanding work, releases the ring and unmaps the buffer
// pool, in that order. The backing memory must outlive every in-flight
// kernel operation referencing it.
func (c *FileCreator) Close() error {
	err := c.Drain()
	if c.ring.InFlight() > 0 {
		// Unmapping now would hand the kernel freed memory. Leak instead.
		return fmt.Errorf("file creator close with ops in flight: %w", err)
	}
	c.ring.Close()
	if uerr := c.backing.Unmap(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// waitAddFile blocks until a pending-file slot frees up. This bounds
// concurrently open files the same way the buffer pool bounds memory.
func (c *FileCreator) waitAddFile(file pendingFile) (int, error) {
	for {
		if err := c.ring.ProcessCompletions(); err != nil {
			return 0, err
		}
		state := c.ring.Context()
		if state.files.Len() < state.files.Cap() {
			key, _ := state.files.Insert(file)
			return key, nil
		}
		if err := c.ring.SubmitAndWait(1, checkProgressTimeout); err != nil {
			return 0, err
		}
	}
}

func (c *FileCreator) writeAndClose(src io.Reader, fileKey int) error {
	var offset uint64
	for {
		buf, err := c.waitFreeBuf()
		if err != nil {
			return err
		}

		n, rerr := src.Read(buf.Bytes())
		state := c.ring.Context()
		if n == 0 {
			// The content length aligned with the buffer size: no empty
			// trailing write is ever submitted, EOF bookkeeping is updated
			// inline.
			state.pushFreeBuf(buf)
			if rerr != nil && rerr != io.EOF {
				return rerr
			}
			if rerr == nil {
				continue
			}

			file := state.files.Get(fileKey)
			file.hasEOF = true
			file.sizeOnEOF = offset
			if fi, ok := file.tryTakeCompletedFileInfo(); ok {
				if closeFd, needClose := state.finishFile(fileKey, fi); needClose {
					if err := c.ring.Push(&closeOp{fileKey: fileKey, fd: closeFd}); err != nil {
						return err
					}
				}
			}
			return nil
		}

		file := state.files.Get(fileKey)
		file.writesStarted++
		if file.opened {
			state.submittedWriteBytes += n
			err = c.ring.Push(&writeOp{
				fileKey:  fileKey,
				fd:       file.fd,
				offset:   offset,
				buf:      buf,
				writeLen: n,
			})
			if err != nil {
				return err
			}
		} else {
			// Open hasn't completed yet; the write is flushed from the
			// open's completion handler.
			file.backlog = append(file.backlog, pendingWrite{buf: buf, offset: offset, length: n})
		}

		offset += uint64(n)
		if rerr != nil && rerr != io.EOF {
			return rerr
		}
	}
}

// waitFreeBuf blocks until a write completion returns a buffer to the free
// list. This bounds memory to the pool size regardless of how many files
// are scheduled.
func (c *FileCreator) waitFreeBuf() (memory.Chunk, error) {
	for {
		if err := c.ring.ProcessCompletions(); err != nil {
			return memory.Chunk{}, err
		}
		state := c.ring.Context()
		if buf, ok := state.popFreeBuf(); ok {
			return buf, nil
		}
		state.stats.noBufCount++
		state.stats.noBufSumSubmittedWriteBytes += state.submittedWriteBytes
		if err := c.ring.SubmitAndWait(1, checkProgressTimeout); err != nil {
			return memory.Chunk{}, err
		}
	}
}

// -----------------------------------------------------------------------
// Ring context
// -----------------------------------------------------------------------

type pendingWrite struct {
	buf    memory.Chunk
	offset uint64
	length int
}

type pendingFile struct {
	path string
	// Descriptor received from the open completion; valid when opened.
	fd     int
	opened bool
	// Writes collected before the open completed.
	backlog []pendingWrite
	// Content length, known once the source reader hits EOF.
	sizeOnEOF uint64
	hasEOF    bool

	writesStarted   int
	writesCompleted int
}

// tryTakeCompletedFileInfo returns the finished FileInfo exactly once: when
// every started write has completed, EOF size is known and the descriptor
// is present.
func (p *pendingFile) tryTakeCompletedFileInfo() (*FileInfo, bool) {
	if p.writesStarted != p.writesCompleted || !p.hasEOF || !p.opened {
		return nil, false
	}
	p.opened = false
	return &FileInfo{Path: p.path, Size: p.sizeOnEOF, fd: p.fd}, true
}

type creatorState struct {
	files        *uring.Slab[pendingFile]
	freeBufs     []memory.Chunk
	fileComplete FileCompleteFn
	// Total length of submitted, not yet completed writes.
	submittedWriteBytes int
	stats               creatorStats
}

func (s *creatorState) popFreeBuf() (memory.Chunk, bool) {
	if len(s.freeBufs) == 0 {
		return memory.Chunk{}, false
	}
	buf := s.freeBufs[len(s.freeBufs)-1].Take()
	s.freeBufs = s.freeBufs[:len(s.freeBufs)-1]
	return buf, true
}

func (s *creatorState) pushFreeBuf(buf memory.Chunk) {
	s.freeBufs = append(s.freeBufs, buf)
}

// markFileOpened records the descriptor and hands back the write backlog
// accumulated while the open was in flight.
func (s *creatorState) markFileOpened(fileKey int, fd int) []pendingWrite {
	file := s.files.Get(fileKey)
	file.fd = fd
	file.opened = true
	if len(s.freeBufs)*2 > cap(s.freeBufs) {
		s.stats.largeBufHeadroomCount++
	}
	backlog := file.backlog
	file.backlog = nil
	return backlog
}

// markWriteCompleted returns the buffer to the free list and, if this was
// the file's last write, runs the file-complete callback. Returns the
// descriptor to close when the callback didn't take ownership.
func (s *creatorState) markWriteCompleted(fileKey int, totalWritten int, buf memory.Chunk) (int, bool) {
	s.submittedWriteBytes -= totalWritten
	s.pushFreeBuf(buf)

	file := s.files.Get(fileKey)
	file.writesCompleted++
	if fi, ok := file.tryTakeCompletedFileInfo(); ok {
		return s.finishFile(fileKey, fi)
	}
	return 0, false
}

// finishFile fires the exactly-once callback. When the callback takes the
// descriptor the slab slot is freed immediately; otherwise the slot stays
// charged against capacity until the close op confirms closure.
func (s *creatorState) finishFile(fileKey int, fi *FileInfo) (int, bool) {
	s.fileComplete(fi)
	if fi.Taken() {
		s.markFileComplete(fileKey)
		return 0, false
	}
	return fi.RawFd(), true
}

func (s *creatorState) markFileComplete(fileKey int) {
	s.files.Remove(fileKey)
}

func (s *creatorState) logStats() {
	avgWritesAtNoBuf := 0
	if s.stats.noBufCount > 0 {
		avgWritesAtNoBuf = s.stats.noBufSumSubmittedWriteBytes / s.stats.noBufCount
	}
	log.Info().Msgf("files creation stats - large buf headroom: %d, no buf count: %d, avg pending writes at no buf: %d",
		s.stats.largeBufHeadroomCount, s.stats.noBufCount, avgWritesAtNoBuf)
	if metrics.Enabled() {
		metrics.Count(metrics.KEY_NO_FREE_BUF_COUNT, int64(s.stats.noBufCount), nil)
		metrics.Count(metrics.KEY_BUF_HEADROOM_COUNT, int64(s.stats.largeBufHeadroomCount), nil)
	}
}

type creatorStats struct {
	// Count of cases when more than half of the buffers are free (files are
	// written faster than submitted - consider fewer buffers or speeding up
	// submission).
	largeBufHeadroomCount int
	// Count of cases when we run out of free buffers (files are not written
	// fast enough - consider more buffers or tuning write bandwidth).
	noBufCount int
	// Sum of outstanding write sizes at moments of encountering no free buf.
	noBufSumSubmittedWriteBytes int
}

// -----------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------

type openOp struct {
	// Keeps the directory handle alive while the kernel resolves the path
	// relative to it.
	dir       *os.File
	pathBytes []byte
	mode      uint32
	fileKey   int
}

func (op *openOp) Prepare(sqe *uring.SQE) {
	uring.PrepOpenAt(sqe, fdOf(op.dir), op.pathBytes, openFlagsCreate, op.mode)
}

func (op *openOp) Complete(c *uring.Completion[creatorState], res int32, opErr error) error {
	if opErr != nil {
		return opErr
	}
	fd := int(res)

	state := c.Context()
	for _, pw := range state.markFileOpened(op.fileKey, fd) {
		state.submittedWriteBytes += pw.length
		c.Push(&writeOp{
			fileKey:  op.fileKey,
			fd:       fd,
			offset:   pw.offset,
			buf:      pw.buf.Take(),
			writeLen: pw.length,
		})
	}

	// A zero-write file may have hit EOF while the open was in flight; this
	// open is then the last event the file was waiting on.
	if fi, ok := state.files.Get(op.fileKey).tryTakeCompletedFileInfo(); ok {
		if closeFd, needClose := state.finishFile(op.fileKey, fi); needClose {
			c.Push(&closeOp{fileKey: op.fileKey, fd: closeFd})
		}
	}
	return nil
}

type writeOp struct {
	fileKey int
	fd      int
	// File offset of this write. Mandatory on every op: independently
	// submitted operations have no ordering, so no append cursor exists.
	offset uint64
	buf    memory.Chunk
	// Offset inside buf, non-zero only on short-write retries.
	bufOffset int
	writeLen  int
}

func (op *writeOp) Prepare(sqe *uring.SQE) {
	b := op.buf.Bytes()[op.bufOffset : op.bufOffset+op.writeLen]
	if idx, ok := op.buf.IoBufIndex(); ok {
		uring.PrepWriteFixed(sqe, op.fd, b, op.offset, idx)
	} else {
		uring.PrepWrite(sqe, op.fd, b, op.offset)
	}
}

func (op *writeOp) Complete(c *uring.Completion[creatorState], res int32, opErr error) error {
	if opErr != nil {
		return opErr
	}
	// Fail fast if no progress. The FS should report an error (e.g. ENOSPC)
	// if the condition isn't transient, but that's hard to verify without
	// extra tracking.
	if res == 0 {
		return ErrWriteZero
	}

	written := int(res)
	buf := op.buf.Take()
	totalWritten := op.bufOffset + written

	if written < op.writeLen {
		log.Warn().Msgf("short write (%d/%d), file=%d", written, op.writeLen, op.fileKey)
		c.Push(&writeOp{
			fileKey:   op.fileKey,
			fd:        op.fd,
			offset:    op.offset + uint64(written),
			buf:       buf,
			bufOffset: totalWritten,
			writeLen:  op.writeLen - written,
		})
		return nil
	}

	if closeFd, needClose := c.Context().markWriteCompleted(op.fileKey, totalWritten, buf); needClose {
		c.Push(&closeOp{fileKey: op.fileKey, fd: closeFd})
	}
	return nil
}

type closeOp struct {
	fileKey int
	fd      int
}

func (op *closeOp) Prepare(sqe *uring.SQE) {
	uring.PrepClose(sqe, op.fd)
}

func (op *closeOp) Complete(c *uring.Completion[creatorState], res int32, opErr error) error {
	if opErr != nil {
		return opErr
	}
	// The slot stays charged against capacity until the OS confirms closure.
	c.Context().markFileComplete(op.fileKey)
	return nil
}
