//go:build linux
// +build linux

package uring

import (
	"fmt"
	"time"
)

const sqpollIdleWaitTime = 50 * time.Millisecond

// SharedPollRing owns a root SQPOLL io_uring whose kernel submission thread
// and worker pool other rings can attach to. Create one instance during
// setup, pass it to the engines through their config, and close it after
// every attached ring has been closed.
type SharedPollRing struct {
	ring *IoUring
}

// NewSharedPollRing creates the root ring. The sqpoll kernel thread idles
// after sqpollIdleWaitTime without submissions and is woken transparently.
func NewSharedPollRing() (*SharedPollRing, error) {
	ring, err := NewIoUring(1, Setup{SQPoll: true, SQPollIdle: sqpollIdleWaitTime})
	if err != nil {
		return nil, fmt.Errorf("shared sqpoll ring init: %w", err)
	}
	return &SharedPollRing{ring: ring}, nil
}

// Fd returns the ring fd used with Setup.AttachWQFd.
func (s *SharedPollRing) Fd() int {
	return s.ring.Fd()
}

// Close releases the root ring and its kernel thread.
func (s *SharedPollRing) Close() {
	s.ring.Close()
}

// SetupWithSharedPoll returns a Setup attached to the shared poll ring's
// worker pool, or a plain Setup when shared is nil.
func SetupWithSharedPoll(setup Setup, shared *SharedPollRing) Setup {
	if shared != nil {
		setup.AttachWQFd = shared.Fd()
		setup.SQPoll = true
		setup.SQPollIdle = sqpollIdleWaitTime
	}
	return setup
}
