//go:build linux
// +build linux

// Package memory provides the page-aligned backing allocation shared by the
// io engines and its partitioning into exclusively-owned I/O chunks.
package memory

import (
	"fmt"
	"runtime/pprof"

	"golang.org/x/sys/unix"
)

var mmapProf = pprof.NewProfile("uringfs_mmap") // will show up in /debug/pprof/

// PageAlignedBuffer is one anonymous mmap region used as the backing store
// for every I/O chunk of an engine. The kernel may hold raw pointers into it
// (registered buffers, in-flight SQEs), so it must be unmapped only after
// the ring that references it has been drained and closed.
type PageAlignedBuffer struct {
	Buf  []byte
	mmap []byte
}

// AllocPageAligned maps size bytes of zeroed, page-aligned memory.
func AllocPageAligned(size int) (*PageAlignedBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("page aligned alloc: invalid size %d", size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("page aligned alloc of %d bytes: %w", size, err)
	}
	mmapProf.Add(&b[0], 1)
	return &PageAlignedBuffer{
		Buf:  b,
		mmap: b,
	}, nil
}

// Unmap releases the region. Calling it while any chunk is still referenced
// by an in-flight kernel operation is a use-after-free; drain the ring first.
func (p *PageAlignedBuffer) Unmap() error {
	if p.mmap == nil {
		return nil
	}
	mmapProf.Remove(&p.mmap[0]) // release from custom profile
	if err := unix.Munmap(p.mmap); err != nil {
		return err
	}
	p.Buf = nil
	p.mmap = nil
	return nil
}
