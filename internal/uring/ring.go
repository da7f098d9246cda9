//go:build linux
// +build linux

package uring

import (
	"fmt"
	"syscall"
	"time"
)

// Op is a single asynchronous operation scheduled on a Ring.
//
// Prepare fills the SQE for submission. Any memory the SQE points at (data
// buffers, path bytes) must be reachable from the op value itself, since the
// kernel reads it after Prepare returns.
//
// Complete is invoked once the kernel posts the operation's CQE. res is the
// non-negative syscall result (bytes transferred, or the new fd for openat)
// and opErr the decoded errno for negative results; exactly one of them is
// meaningful. Complete decides fail-fast vs retry: returning an error stops
// the completion pass and surfaces through ProcessCompletions/Drain, while
// pushing a follow-up op (via Completion.Push) schedules it for a later
// submission pass.
type Op[C any] interface {
	Prepare(sqe *SQE)
	Complete(c *Completion[C], res int32, opErr error) error
}

// Completion is the restricted ring view handed to completion handlers.
// Handlers may inspect the context and push follow-up ops, nothing else.
type Completion[C any] struct {
	ring *Ring[C]
}

// Context returns the ring's engine state.
func (c *Completion[C]) Context() *C {
	return c.ring.ctx
}

// Push schedules a follow-up operation (e.g. a short-write retry). It is
// staged on the pending queue and submitted on a future pass, never executed
// inline.
func (c *Completion[C]) Push(op Op[C]) {
	c.ring.pending = append(c.ring.pending, op)
}

// Ring is a completion-queue scheduler bridging a typed engine state C and a
// raw io_uring instance. It owns a slab of in-flight operations keyed by SQE
// user_data and a queue of ops pending submission.
//
// All methods must be called from a single control thread. True concurrency
// comes from the kernel side (iowq workers, sqpoll), not from here.
type Ring[C any] struct {
	io      *IoUring
	ctx     *C
	ops     *Slab[Op[C]]
	pending []Op[C]
}

// NewRing wraps io with a scheduler owning ctx. The in-flight op slab is
// sized from the ring's CQ so the completion queue can never overflow.
func NewRing[C any](io *IoUring, ctx *C) *Ring[C] {
	return &Ring[C]{
		io:  io,
		ctx: ctx,
		ops: NewSlab[Op[C]](int(io.CQEntries())),
	}
}

// Context returns the engine state reachable from completion handlers.
func (r *Ring[C]) Context() *C {
	return r.ctx
}

// InFlight returns the number of operations submitted (or staged) and not
// yet completed.
func (r *Ring[C]) InFlight() int {
	return r.ops.Len() + len(r.pending)
}

// Push enqueues op for submission. If the submission queue is transiently
// full it flushes to the kernel to make room; if all in-flight slots are
// taken the op is staged on the pending queue and submitted once a
// completion frees a slot. Engines bound in-flight ops by their buffer and
// file-slot economy, so pending never grows past those bounds.
func (r *Ring[C]) Push(op Op[C]) error {
	key, ok := r.ops.Insert(op)
	if !ok {
		r.pending = append(r.pending, op)
		return nil
	}
	return r.stage(key, op)
}

func (r *Ring[C]) stage(key int, op Op[C]) error {
	sqe := r.io.getSqe()
	if sqe == nil {
		// SQ full: hand the queued SQEs to the kernel and retry once.
		if _, err := r.io.submit(0); err != nil {
			r.ops.Remove(key)
			return fmt.Errorf("ring submit on full sq: %w", err)
		}
		sqe = r.io.getSqe()
		if sqe == nil {
			r.ops.Remove(key)
			r.pending = append(r.pending, op)
			return nil
		}
	}
	op.Prepare(sqe)
	sqe.UserData = uint64(key)
	return nil
}

// flushPending moves staged ops into SQEs while in-flight slots are free.
func (r *Ring[C]) flushPending() error {
	for len(r.pending) > 0 {
		key, ok := r.ops.Insert(r.pending[0])
		if !ok {
			return nil
		}
		op := r.pending[0]
		r.pending = r.pending[1:]
		if err := r.stage(key, op); err != nil {
			return err
		}
	}
	return nil
}

// ProcessCompletions drains all currently ready completions without
// blocking, invoking each operation's Complete handler. Follow-up ops pushed
// by handlers are staged for the next submission pass.
func (r *Ring[C]) ProcessCompletions() error {
	comp := Completion[C]{ring: r}
	for {
		cqe := r.io.peekCqe()
		if cqe == nil {
			break
		}
		key := int(cqe.UserData)
		res := cqe.Res
		r.io.seenCqe()

		// Free the slot before running the handler so a retry pushed from
		// Complete can reuse it.
		op := r.ops.Remove(key)

		var opErr error
		if res < 0 {
			opErr = syscall.Errno(-res)
			res = 0
		}
		if err := op.Complete(&comp, res, opErr); err != nil {
			return err
		}
	}
	return r.flushPending()
}

// Submit flushes staged submissions to the kernel without waiting.
func (r *Ring[C]) Submit() error {
	if err := r.flushPending(); err != nil {
		return err
	}
	_, err := r.io.submit(0)
	return err
}

// SubmitAndWait flushes pending submissions and blocks until at least
// minComplete completions are ready or timeout elapses, then drains them
// like ProcessCompletions. This is the engines' only blocking point; the
// timeout keeps it bounded so callers can re-check their invariants.
func (r *Ring[C]) SubmitAndWait(minComplete uint32, timeout time.Duration) error {
	if err := r.flushPending(); err != nil {
		return err
	}
	if _, err := r.io.submitTimeout(minComplete, timeout); err != nil {
		return fmt.Errorf("io_uring_enter: %w", err)
	}
	return r.ProcessCompletions()
}

// Drain blocks until every in-flight and pending operation has reached a
// terminal state. Used at shutdown: after Drain returns no kernel operation
// references engine memory.
func (r *Ring[C]) Drain(timeout time.Duration) error {
	for r.InFlight() > 0 {
		if err := r.SubmitAndWait(1, timeout); err != nil {
			return err
		}
	}
	return nil
}

// RegisterBuffers registers the backing buffer regions for fixed I/O.
func (r *Ring[C]) RegisterBuffers(bufs [][]byte) error {
	return r.io.RegisterBuffers(bufs)
}

// RegisterIowqMaxWorkers bounds the kernel worker threads for this ring.
func (r *Ring[C]) RegisterIowqMaxWorkers(bounded, unbounded uint32) error {
	return r.io.RegisterIowqMaxWorkers(bounded, unbounded)
}

// Close releases the underlying io_uring. The caller must Drain first if
// any operation may still be in flight.
func (r *Ring[C]) Close() {
	r.io.Close()
}
