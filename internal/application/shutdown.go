package application

import (
	"golang.org/x/sys/unix"

	"socksd/internal/domain"
	"socksd/pkg/logger"
)

// closeSession begins a two-phase, idempotent shutdown. Phase one stops both
// endpoints synchronously; phase two arms a zero-delay timerfd trampoline so
// the Session is only dropped from
// the session table (and becomes garbage) once every fd it owned, including
// the trampoline itself, has reached terminal-closed.
func (s *ProxyService) closeSession(sess *domain.Session, reason string) {
	if sess.Closing {
		return
	}
	sess.Closing = true
	logger.Trace(s.log, "closing session", "client_fd", sess.ClientFD, "reason", reason)

	s.cancelResolveTimeout(sess)
	s.cancelConnectTimeout(sess)

	s.closeEndpoint(sess.ClientFD)
	if sess.UpstreamFD >= 0 {
		s.closeEndpoint(sess.UpstreamFD)
		sess.UpstreamFD = -1
	}

	s.armReleaseTimer(sess)
}

// closeEndpoint unregisters, drops from the session table and closes fd. It
// is used for client/upstream sockets as well as every timer fd a Session
// owns; domain.EventLoop.Unregister is idempotent, so calling this twice on
// the same fd is harmless.
func (s *ProxyService) closeEndpoint(fd int) {
	_ = s.loop.Unregister(fd)
	delete(s.sessions, fd)
	_ = unix.Close(fd)
}

func (s *ProxyService) armReleaseTimer(sess *domain.Session) {
	if sess.ReleaseTimerArmed {
		return
	}
	fd, err := s.timers.CreateTimer()
	if err != nil {
		// No trampoline fd available; free the session now rather than
		// leak it waiting on a timer that will never exist.
		s.forgetSession(sess)
		return
	}
	if err := s.timers.Arm(fd, 0); err != nil {
		unix.Close(fd)
		s.forgetSession(sess)
		return
	}
	if err := s.loop.Register(fd, domain.EventRead); err != nil {
		unix.Close(fd)
		s.forgetSession(sess)
		return
	}
	sess.ReleaseTimerFD = fd
	sess.ReleaseTimerArmed = true
	s.sessions[fd] = sess
}

func (s *ProxyService) handleReleaseTimerFired(sess *domain.Session) error {
	_ = s.timers.Drain(sess.ReleaseTimerFD)
	s.closeEndpoint(sess.ReleaseTimerFD)
	sess.ReleaseTimerFD = -1
	s.forgetSession(sess)
	return nil
}

// forgetSession is the last reference to sess leaving s.sessions; there is
// nothing left to release, the garbage collector reclaims it from here.
func (s *ProxyService) forgetSession(sess *domain.Session) {
	logger.Trace(s.log, "session freed", "client_fd", sess.ClientFD)
}
