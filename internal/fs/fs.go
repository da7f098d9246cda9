//go:build linux
// +build linux

// Package fs implements two io_uring driven file engines sharing one design:
// a bulk file creator (open -> write xN -> close pipelines for many files
// concurrently) and a sequential read-ahead reader (prefetching a FIFO of
// files through a fixed pool of buffers). Both are driven by a single
// control thread; true concurrency comes from kernel iowq workers.
package fs

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	O_NOATIME   = unix.O_NOATIME
	O_NOFOLLOW  = unix.O_NOFOLLOW
	O_RDONLY    = syscall.O_RDONLY
	O_RDWR      = syscall.O_RDWR
	O_CREAT     = syscall.O_CREAT
	O_TRUNC     = syscall.O_TRUNC
	FILE_MODE   = 0644
	BLOCK_SIZE  = 4096
)

// How long a blocking wait may park before the control thread re-checks
// progress and invariants. Never an unbounded block.
const checkProgressTimeout = 10 * time.Millisecond

var (
	// ErrWriteZero reports a write completion with zero bytes of progress.
	// Retrying can't help (e.g. disk full); the affected file is left
	// partially written and the engine should be torn down.
	ErrWriteZero = errors.New("write returned no progress")

	// ErrPoolTooSmall reports a buffer pool smaller than one I/O chunk.
	ErrPoolTooSmall = errors.New("buffer pool smaller than io chunk size")
)

// openReadFileDescriptor opens filename read-only for prefetching.
// O_NOATIME saves inode writeback but needs file ownership; fall back
// without it when the kernel refuses.
func openReadFileDescriptor(filename string) (int, error) {
	fd, err := syscall.Open(filename, O_RDONLY|O_NOATIME, 0)
	if err == syscall.EPERM {
		log.Warn().Msgf("O_NOATIME not permitted for %s, falling back to regular flags", filename)
		fd, err = syscall.Open(filename, O_RDONLY, 0)
	}
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", filename, err)
	}
	return fd, nil
}

// fileSize stats fd and returns its size in bytes.
func fileSize(fd int) (uint64, error) {
	var stat syscall.Stat_t
	if err := syscall.Fstat(fd, &stat); err != nil {
		return 0, err
	}
	return uint64(stat.Size), nil
}

// fdOf returns the raw descriptor of f without transferring ownership.
func fdOf(f *os.File) int {
	return int(f.Fd())
}
