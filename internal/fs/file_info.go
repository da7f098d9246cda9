//go:build linux
// +build linux

package fs

import (
	"os"
	"syscall"
)

// FileInfo couples a created (or opened) file with its filesystem location
// and size. The attached context is kept minimal so it can be constructed
// without extra kernel queries while still letting callers associate the
// file back to the request by its path.
//
// The descriptor is owned by whoever holds the FileInfo until TakeFile is
// called, which transfers ownership out.
type FileInfo struct {
	Path string
	Size uint64

	fd    int
	taken bool
}

// NewFileInfoFromPath opens path read-only and stats it.
func NewFileInfoFromPath(path string) (*FileInfo, error) {
	fd, err := openReadFileDescriptor(path)
	if err != nil {
		return nil, err
	}
	size, err := fileSize(fd)
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}
	return &FileInfo{Path: path, Size: size, fd: fd}, nil
}

// RawFd returns the file descriptor without transferring ownership.
func (fi *FileInfo) RawFd() int {
	return fi.fd
}

// TakeFile transfers descriptor ownership to the caller as an *os.File.
// After TakeFile the engine will not close the descriptor; the returned
// file's lifetime is the caller's problem. Returns nil if already taken.
func (fi *FileInfo) TakeFile() *os.File {
	if fi.taken {
		return nil
	}
	fi.taken = true
	return os.NewFile(uintptr(fi.fd), fi.Path)
}

// Taken reports whether descriptor ownership has left the engine.
func (fi *FileInfo) Taken() bool {
	return fi.taken
}
