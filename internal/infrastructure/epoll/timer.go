package epoll

import (
	"time"

	"golang.org/x/sys/unix"
)

// TimerSource creates timerfd-backed one-shot timers. It satisfies
// domain.TimerSource; a timer's fd is registered with a LinuxEventLoop like
// any other fd, and fires as an ordinary EventRead callback.
type TimerSource struct{}

func NewTimerSource() TimerSource { return TimerSource{} }

// CreateTimer allocates a new, disarmed timerfd.
func (TimerSource) CreateTimer() (int, error) {
	return unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK)
}

// Arm schedules fd to fire once after d. d == 0 fires on the next loop
// iteration, which is how the shutdown scheduler uses it as a trampoline.
func (TimerSource) Arm(fd int, d time.Duration) error {
	spec := &unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if spec.Value.Sec == 0 && spec.Value.Nsec == 0 {
		// timerfd treats an all-zero Value as "disarm"; a zero-delay
		// one-shot still needs to fire, so round up to 1ns.
		spec.Value.Nsec = 1
	}
	return unix.TimerfdSettime(fd, 0, spec, nil)
}

// Drain reads and discards the 8-byte expiration counter so the fd stops
// being read-ready. Must be called from the HandleEvent callback for a fired
// timer before re-arming or closing it.
func (TimerSource) Drain(fd int) error {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (TimerSource) CloseTimer(fd int) error {
	return unix.Close(fd)
}
