//go:build linux
// +build linux

// Package uring provides a minimal io_uring implementation using raw syscalls
// plus a generic completion-driven scheduler (Ring) on top of it.
// No external dependencies beyond golang.org/x/sys/unix are needed.
// Compatible with Go 1.24+ (no go:linkname usage).
package uring

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// -----------------------------------------------------------------------
// io_uring syscall numbers (amd64)
// -----------------------------------------------------------------------

const (
	sysIOUringSetup    = 425
	sysIOUringEnter    = 426
	sysIOUringRegister = 427
)

// -----------------------------------------------------------------------
// io_uring constants
// -----------------------------------------------------------------------

const (
	// Setup flags
	setupSQPoll   = 1 << 1
	setupCQSize   = 1 << 3
	setupAttachWQ = 1 << 5

	// Enter flags
	enterGetEvents = 1 << 0
	enterSQWakeup  = 1 << 1
	enterExtArg    = 1 << 3

	// SQ flags (read from kernel-shared memory)
	sqNeedWakeup = 1 << 0

	// Features
	featSingleMmap = 1 << 0
	featExtArg     = 1 << 8

	// Opcodes
	opNop        = 0
	opReadFixed  = 4
	opWriteFixed = 5
	opOpenAt     = 18
	opClose      = 19
	opRead       = 22
	opWrite      = 23

	// Register opcodes
	registerBuffers       = 0
	unregisterBuffers     = 1
	registerIowqMaxWorker = 19

	// SQE flags
	sqeAsync = 1 << 4

	// Best-effort class, highest priority. Data ops are submitted with this
	// so they win over background kernel writeback.
	ioprioBEHighest = 2 << 13

	// offsets for mmap
	offSQRing = 0
	offCQRing = 0x8000000
	offSQEs   = 0x10000000
)

// -----------------------------------------------------------------------
// io_uring kernel structures (must match kernel ABI exactly)
// -----------------------------------------------------------------------

// SQE is the 64-byte submission queue entry.
type SQE struct {
	Opcode   uint8
	Flags    uint8
	IoPrio   uint16
	Fd       int32
	Off      uint64 // union: off / addr2
	Addr     uint64 // union: addr / splice_off_in
	Len      uint32
	OpFlags  uint32 // union: rw_flags, open_flags, etc.
	UserData uint64
	BufIndex uint16 // union: buf_index / buf_group
	_        uint16 // personality
	_        int32  // splice_fd_in / file_index
	_        uint64 // addr3
	_        uint64 // __pad2[0]
}

// CQE is the 16-byte completion queue entry.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

type params struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        sqringOffsets
	CqOff        cqringOffsets
}

type sqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

type cqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	Resv2       uint64
}

// getevents ext_arg payload, used for timed waits.
type geteventsArg struct {
	Sigmask   uint64
	SigmaskSz uint32
	Pad       uint32
	Ts        uint64
}

// -----------------------------------------------------------------------
// IoUring is the raw ring handle
// -----------------------------------------------------------------------

// Setup tuning for a raw ring. Zero values get defaults in NewIoUring.
type Setup struct {
	// CQ size; defaults to 2x SQ entries. The scheduler sizes its in-flight
	// op slab from this value.
	CQEntries uint32
	// Attach to the worker pool (and sqpoll thread) of another ring.
	AttachWQFd int
	// Enable kernel-side submission queue polling.
	SQPoll     bool
	SQPollIdle time.Duration
}

// IoUring wraps a single io_uring instance with SQ/CQ ring mappings.
//
// It is not safe for concurrent use; engines drive it from a single
// control thread.
type IoUring struct {
	fd int

	// SQ ring mapped memory
	sqRingPtr  []byte
	sqMask     uint32
	sqEntries  uint32
	sqHead     *uint32 // kernel-updated
	sqTail     *uint32 // user-updated
	sqFlags    *uint32 // kernel-updated (NEED_WAKEUP etc.)
	sqArray    unsafe.Pointer
	sqeTail    uint32 // local tracking of next SQE slot
	sqeHead    uint32 // local tracking of submitted SQEs
	sqesMmap   []byte
	sqesBase   unsafe.Pointer // base pointer to SQE array
	sqRingSz   int
	cqRingSz   int
	sqesSz     int
	singleMmap bool

	// CQ ring mapped memory
	cqRingPtr []byte
	cqMask    uint32
	cqEntries uint32
	cqHead    *uint32 // user-updated
	cqTail    *uint32 // kernel-updated
	cqesBase  unsafe.Pointer

	// Setup flags and features reported by the kernel
	flags    uint32
	features uint32

	registeredBufs bool
}

// NewIoUring creates a new io_uring instance with the given SQ depth.
func NewIoUring(entries uint32, setup Setup) (*IoUring, error) {
	var p params
	if setup.CQEntries != 0 {
		p.Flags |= setupCQSize
		p.CqEntries = setup.CQEntries
	}
	if setup.SQPoll {
		p.Flags |= setupSQPoll
		idle := setup.SQPollIdle
		if idle == 0 {
			idle = 50 * time.Millisecond
		}
		p.SqThreadIdle = uint32(idle.Milliseconds())
	}
	if setup.AttachWQFd > 0 {
		p.Flags |= setupAttachWQ
		p.WqFd = uint32(setup.AttachWQFd)
	}

	fd, _, errno := syscall.Syscall(sysIOUringSetup, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup failed: %w", errno)
	}

	ring := &IoUring{
		fd:       int(fd),
		flags:    p.Flags,
		features: p.Features,
	}

	if err := ring.mapRings(&p); err != nil {
		syscall.Close(ring.fd)
		return nil, err
	}

	return ring, nil
}

func (r *IoUring) mapRings(p *params) error {
	sqOff := &p.SqOff
	cqOff := &p.CqOff

	// Calculate SQ ring size
	r.sqRingSz = int(sqOff.Array + p.SqEntries*4) // Array + entries*sizeof(uint32)

	// Calculate CQ ring size
	r.cqRingSz = int(cqOff.Cqes + p.CqEntries*uint32(unsafe.Sizeof(CQE{})))

	// Check if kernel supports single mmap for both rings
	r.singleMmap = p.Features&featSingleMmap != 0
	if r.singleMmap {
		if r.cqRingSz > r.sqRingSz {
			r.sqRingSz = r.cqRingSz
		}
	}

	// Map SQ ring
	var err error
	r.sqRingPtr, err = unix.Mmap(r.fd, offSQRing, r.sqRingSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap SQ ring: %w", err)
	}

	// Map CQ ring (same or separate mapping)
	if r.singleMmap {
		r.cqRingPtr = r.sqRingPtr
	} else {
		r.cqRingPtr, err = unix.Mmap(r.fd, offCQRing, r.cqRingSz,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(r.sqRingPtr)
			return fmt.Errorf("mmap CQ ring: %w", err)
		}
	}

	// Map SQE array
	r.sqesSz = int(p.SqEntries) * int(unsafe.Sizeof(SQE{}))
	r.sqesMmap, err = unix.Mmap(r.fd, offSQEs, r.sqesSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(r.sqRingPtr)
		if !r.singleMmap {
			unix.Munmap(r.cqRingPtr)
		}
		return fmt.Errorf("mmap SQEs: %w", err)
	}
	r.sqesBase = unsafe.Pointer(&r.sqesMmap[0])

	// Set up SQ ring pointers
	sqBase := unsafe.Pointer(&r.sqRingPtr[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, sqOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, sqOff.Tail))
	r.sqFlags = (*uint32)(unsafe.Add(sqBase, sqOff.Flags))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, sqOff.RingMask))
	r.sqEntries = *(*uint32)(unsafe.Add(sqBase, sqOff.RingEntries))
	r.sqArray = unsafe.Add(sqBase, sqOff.Array)

	// Set up CQ ring pointers
	cqBase := unsafe.Pointer(&r.cqRingPtr[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, cqOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, cqOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, cqOff.RingMask))
	r.cqEntries = *(*uint32)(unsafe.Add(cqBase, cqOff.RingEntries))
	r.cqesBase = unsafe.Add(cqBase, cqOff.Cqes)

	return nil
}

// Fd returns the ring file descriptor, used to attach other rings to this
// ring's worker pool.
func (r *IoUring) Fd() int {
	return r.fd
}

// CQEntries returns the completion queue size negotiated with the kernel.
func (r *IoUring) CQEntries() uint32 {
	return r.cqEntries
}

// Close releases all resources associated with the ring. Any registered
// buffers are implicitly unregistered by the kernel when the fd is closed.
func (r *IoUring) Close() {
	unix.Munmap(r.sqesMmap)
	unix.Munmap(r.sqRingPtr)
	if !r.singleMmap {
		unix.Munmap(r.cqRingPtr)
	}
	syscall.Close(r.fd)
}

// -----------------------------------------------------------------------
// SQE/CQE helpers
// -----------------------------------------------------------------------

func (r *IoUring) getSqeAt(idx uint32) *SQE {
	return (*SQE)(unsafe.Add(r.sqesBase, uintptr(idx)*unsafe.Sizeof(SQE{})))
}

func (r *IoUring) getCqeAt(idx uint32) *CQE {
	return (*CQE)(unsafe.Add(r.cqesBase, uintptr(idx)*unsafe.Sizeof(CQE{})))
}

func (r *IoUring) sqArrayAt(idx uint32) *uint32 {
	return (*uint32)(unsafe.Add(r.sqArray, uintptr(idx)*4))
}

// getSqe returns the next available SQE, or nil if the SQ is full.
func (r *IoUring) getSqe() *SQE {
	head := atomic.LoadUint32(r.sqHead)
	next := r.sqeTail + 1
	if next-head > r.sqEntries {
		return nil // SQ full
	}
	sqe := r.getSqeAt(r.sqeTail & r.sqMask)
	r.sqeTail++
	// Zero out the SQE
	*sqe = SQE{}
	return sqe
}

// flushSq flushes locally queued SQEs into the kernel-visible SQ ring.
func (r *IoUring) flushSq() uint32 {
	tail := *r.sqTail
	toSubmit := r.sqeTail - r.sqeHead
	if toSubmit == 0 {
		return tail - atomic.LoadUint32(r.sqHead)
	}
	for ; toSubmit > 0; toSubmit-- {
		*r.sqArrayAt(tail & r.sqMask) = r.sqeHead & r.sqMask
		tail++
		r.sqeHead++
	}
	atomic.StoreUint32(r.sqTail, tail)
	return tail - atomic.LoadUint32(r.sqHead)
}

// peekCqe returns the next ready CQE without blocking, or nil.
// The caller MUST call seenCqe after processing.
func (r *IoUring) peekCqe() *CQE {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	if head == tail {
		return nil
	}
	return r.getCqeAt(head & r.cqMask)
}

// seenCqe advances the CQ head by 1, releasing the CQE slot.
func (r *IoUring) seenCqe() {
	atomic.StoreUint32(r.cqHead, atomic.LoadUint32(r.cqHead)+1)
}

// -----------------------------------------------------------------------
// Submission and waiting
// -----------------------------------------------------------------------

func ioUringEnter(fd int, toSubmit, minComplete, flags uint32, arg unsafe.Pointer, argSz uintptr) (int, error) {
	ret, _, errno := syscall.Syscall6(sysIOUringEnter,
		uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags),
		uintptr(arg), argSz)
	if errno != 0 {
		return int(ret), errno
	}
	return int(ret), nil
}

// submit flushes SQEs and calls io_uring_enter if needed.
// Retries automatically on EINTR (signal interruption).
func (r *IoUring) submit(waitNr uint32) (int, error) {
	return r.submitTimeout(waitNr, 0)
}

// submitTimeout is like submit but bounds the wait by timeout (0 means no
// bound). Timeout expiry is not an error: the call returns with whatever
// completions are ready. Requires IORING_FEAT_EXT_ARG for the bounded wait;
// on ancient kernels the wait degrades to unbounded, which is still correct
// because all pushed ops complete eventually.
func (r *IoUring) submitTimeout(waitNr uint32, timeout time.Duration) (int, error) {
	submitted := r.flushSq()
	var flags uint32

	if r.flags&setupSQPoll != 0 {
		// SQPOLL: the kernel thread drains the SQ by itself, only enter to
		// wake it up or to wait for completions.
		if atomic.LoadUint32(r.sqFlags)&sqNeedWakeup != 0 {
			flags |= enterSQWakeup
		}
		if waitNr == 0 {
			if flags == 0 {
				return int(submitted), nil
			}
			submitted = 0
		}
	}
	if waitNr > 0 {
		flags |= enterGetEvents
	}

	var arg *geteventsArg
	var argSz uintptr
	var ts unix.Timespec
	if waitNr > 0 && timeout > 0 && r.features&featExtArg != 0 {
		ts = unix.NsecToTimespec(timeout.Nanoseconds())
		arg = &geteventsArg{
			Ts: uint64(uintptr(unsafe.Pointer(&ts))),
		}
		argSz = unsafe.Sizeof(*arg)
		flags |= enterExtArg
	}

	var ret int
	var err error
	for {
		ret, err = ioUringEnter(r.fd, submitted, waitNr, flags, unsafe.Pointer(arg), argSz)
		if err != syscall.EINTR {
			break
		}
	}
	// The kernel reads ts through the raw pointer in arg; keep it alive for
	// the duration of the syscall.
	runtime.KeepAlive(&ts)
	if err == syscall.ETIME {
		// Timed wait expired; completions (if any) are in the CQ.
		return ret, nil
	}
	return ret, err
}

// -----------------------------------------------------------------------
// Registration
// -----------------------------------------------------------------------

func (r *IoUring) register(opcode uint32, arg unsafe.Pointer, nrArgs uint32) error {
	_, _, errno := syscall.Syscall6(sysIOUringRegister,
		uintptr(r.fd), uintptr(opcode), uintptr(arg), uintptr(nrArgs), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// RegisterBuffers registers bufs with the kernel for fixed (zero-copy)
// reads and writes. This is a one-time global operation per ring; failure
// (usually RLIMIT_MEMLOCK) is a hard error, not retried.
//
// The registered memory must stay mapped until the ring is closed.
func (r *IoUring) RegisterBuffers(bufs [][]byte) error {
	if r.registeredBufs {
		return fmt.Errorf("io_uring: buffers already registered")
	}
	iovecs := make([]unix.Iovec, len(bufs))
	for i, b := range bufs {
		iovecs[i].Base = &b[0]
		iovecs[i].SetLen(len(b))
	}
	if err := r.register(registerBuffers, unsafe.Pointer(&iovecs[0]), uint32(len(iovecs))); err != nil {
		return fmt.Errorf("io_uring register buffers (check memlock ulimit): %w", err)
	}
	r.registeredBufs = true
	return nil
}

// RegisterIowqMaxWorkers caps the number of [bounded, unbounded] kernel
// worker threads spawned for this ring. Keeping the bounded count low avoids
// directory inode lock contention when many files share one directory.
func (r *IoUring) RegisterIowqMaxWorkers(bounded, unbounded uint32) error {
	vals := [2]uint32{bounded, unbounded}
	if err := r.register(registerIowqMaxWorker, unsafe.Pointer(&vals[0]), 2); err != nil {
		return fmt.Errorf("io_uring register iowq max workers: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------
// SQE prep helpers
// -----------------------------------------------------------------------

// PrepRead prepares a pread into buf at file offset.
func PrepRead(sqe *SQE, fd int, buf []byte, offset uint64) {
	if len(buf) == 0 {
		sqe.Opcode = opNop
		return
	}
	sqe.Opcode = opRead
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	sqe.Len = uint32(len(buf))
	sqe.Off = offset
	sqe.IoPrio = ioprioBEHighest
	sqe.Flags = sqeAsync
}

// PrepReadFixed is PrepRead against a buffer registered with RegisterBuffers.
func PrepReadFixed(sqe *SQE, fd int, buf []byte, offset uint64, bufIndex uint16) {
	PrepRead(sqe, fd, buf, offset)
	sqe.Opcode = opReadFixed
	sqe.BufIndex = bufIndex
}

// PrepWrite prepares a pwrite of buf at file offset.
func PrepWrite(sqe *SQE, fd int, buf []byte, offset uint64) {
	if len(buf) == 0 {
		sqe.Opcode = opNop
		return
	}
	sqe.Opcode = opWrite
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	sqe.Len = uint32(len(buf))
	sqe.Off = offset
	sqe.IoPrio = ioprioBEHighest
	sqe.Flags = sqeAsync
}

// PrepWriteFixed is PrepWrite against a buffer registered with RegisterBuffers.
func PrepWriteFixed(sqe *SQE, fd int, buf []byte, offset uint64, bufIndex uint16) {
	PrepWrite(sqe, fd, buf, offset)
	sqe.Opcode = opWriteFixed
	sqe.BufIndex = bufIndex
}

// PrepOpenAt prepares an openat relative to dirFd. path must be
// NUL-terminated and must stay reachable until the op completes.
func PrepOpenAt(sqe *SQE, dirFd int, path []byte, flags uint32, mode uint32) {
	sqe.Opcode = opOpenAt
	sqe.Fd = int32(dirFd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&path[0])))
	sqe.OpFlags = flags
	sqe.Len = mode
}

// PrepClose prepares a close of fd.
func PrepClose(sqe *SQE, fd int) {
	sqe.Opcode = opClose
	sqe.Fd = int32(fd)
}

// PrepNop prepares a no-op (completes immediately with res 0).
func PrepNop(sqe *SQE) {
	sqe.Opcode = opNop
}
