// Package epoll is the event-loop runtime the session/parser core is built
// against: a single-threaded, edge-triggered Linux epoll loop that delivers
// every I/O completion as a domain.EventHandler.HandleEvent callback. The
// core registers every fd it waits on with this loop; the reads, writes and
// closes on those fds are done by the core itself.
package epoll

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"socksd/internal/domain"
)

type LinuxEventLoop struct {
	epollFD  int
	stopping atomic.Bool
	log      *slog.Logger
}

func New(log *slog.Logger) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &LinuxEventLoop{epollFD: fd, log: log}, nil
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET, // Edge-triggered
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		// Already gone (fd closed out from under us, or never registered);
		// not an error for an idempotent close path.
		return nil
	}
	return err
}

func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, 128)
	for {
		if l.stopping.Load() {
			return nil
		}

		// Bounded wait: closing epollFD in Stop does not wake a blocked
		// EpollWait, so the stopping flag is rechecked at least this often.
		n, err := unix.EpollWait(l.epollFD, events, 500)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if l.stopping.Load() {
				return nil
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			evMask := events[i].Events

			var domainEv domain.EventType
			if evMask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				domainEv |= domain.EventRead
			}
			if evMask&unix.EPOLLOUT != 0 {
				domainEv |= domain.EventWrite
			}

			if err := handler.HandleEvent(fd, domainEv); err != nil && l.log != nil {
				l.log.Error("handle event", "fd", fd, "error", err)
			}
		}
	}
}

func (l *LinuxEventLoop) Stop() {
	if l.stopping.Swap(true) {
		return
	}
	unix.Close(l.epollFD)
}
