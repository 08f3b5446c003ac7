// Package application wires the socks5 parser and the epoll/network/resolver
// collaborators together into the session state machine: one ProxyService per
// running proxy, one domain.Session per accepted client.
package application

import (
	"context"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"

	"socksd/internal/domain"
	"socksd/internal/infrastructure/network"
	"socksd/internal/socks5"
	"socksd/pkg/logger"
)

// ProxyService is the single domain.EventHandler driving every session.
// Readiness, timers and DNS go through the loop/timers/resolver
// collaborators; reads, writes and closes on session fds are direct unix
// calls.
type ProxyService struct {
	log      *slog.Logger
	cfg      Config
	loop     domain.EventLoop
	timers   domain.TimerSource
	resolver domain.DNSResolver

	listenerFD int
	serverCtx  *domain.ServerContext

	// sessions indexes every fd a live Session currently owns: ClientFD,
	// UpstreamFD (once connecting starts), ResolveTimeoutFD, ConnectTimeoutFD
	// and ReleaseTimerFD. A Session is reachable from this map until its last
	// owned fd is closed (see shutdown.go).
	sessions map[int]*domain.Session
}

// NewProxyService builds a ProxyService against its collaborators. Listen
// must be called before Start.
func NewProxyService(loop domain.EventLoop, timers domain.TimerSource, resolver domain.DNSResolver, log *slog.Logger, cfg Config) *ProxyService {
	return &ProxyService{
		log:        log,
		cfg:        cfg,
		loop:       loop,
		timers:     timers,
		resolver:   resolver,
		listenerFD: -1,
		sessions:   make(map[int]*domain.Session),
	}
}

// Listen binds and registers the listening socket, recording the bound
// address the CONNECT success reply echoes back as BND.ADDR/BND.PORT.
func (s *ProxyService) Listen(ctx context.Context) error {
	bl, err := network.ListenOn(ctx, s.cfg.BindHost, s.cfg.BindPort, s.cfg.Backlog)
	if err != nil {
		return err
	}
	s.listenerFD = bl.FD
	s.serverCtx = &domain.ServerContext{
		Host:           s.cfg.BindHost,
		Port:           s.cfg.BindPort,
		Backlog:        s.cfg.Backlog,
		BoundIPVersion: bl.IPVersion,
		BoundIP:        bl.IP,
		BoundPort:      bl.Port,
	}
	s.log.Info("listening", "addr", bl.IP, "port", bl.Port)
	return s.loop.Register(s.listenerFD, domain.EventRead)
}

// Start registers the resolver socket and runs the event loop. It blocks
// until the loop stops (Close was called, or Run returned an error).
func (s *ProxyService) Start() error {
	if err := s.loop.Register(s.resolver.FD(), domain.EventRead); err != nil {
		return err
	}
	return s.loop.Run(s)
}

// Close stops the event loop and releases the listener and resolver socket.
// It does not wait for in-flight sessions to drain.
func (s *ProxyService) Close() {
	s.loop.Stop()
	if s.listenerFD >= 0 {
		unix.Close(s.listenerFD)
	}
	_ = s.resolver.Close()
}

// HandleEvent is the single dispatch point for every fd this service
// registered: the listener, the resolver socket, and each session's client,
// upstream and timer fds.
func (s *ProxyService) HandleEvent(fd int, ev domain.EventType) error {
	if fd == s.listenerFD {
		return s.acceptLoop()
	}
	if fd == s.resolver.FD() {
		return s.handleResolverReadable()
	}

	sess, ok := s.sessions[fd]
	if !ok {
		// Stray notification for an fd we already tore down (e.g. a
		// connect-timeout fired the same tick its session closed).
		return nil
	}

	switch fd {
	case sess.ReleaseTimerFD:
		return s.handleReleaseTimerFired(sess)
	case sess.ResolveTimeoutFD:
		return s.handleResolveTimeoutFired(sess)
	case sess.ConnectTimeoutFD:
		return s.handleConnectTimeoutFired(sess)
	case sess.ClientFD:
		return s.onClientEvent(sess, ev)
	case sess.UpstreamFD:
		return s.onUpstreamEvent(sess, ev)
	}
	return nil
}

// --- accept ---

func (s *ProxyService) acceptLoop() error {
	for {
		fd, _, err := network.AcceptNonBlocking(s.listenerFD)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			s.log.Error("accept", "error", err)
			return nil
		}
		s.onAccept(fd)
	}
}

func (s *ProxyService) onAccept(fd int) {
	if err := network.SetKeepAlive(fd, s.cfg.KeepAliveIdle); err != nil {
		s.log.Warn("accept: set keepalive", "fd", fd, "error", err)
	}
	if err := s.loop.Register(fd, domain.EventRead); err != nil {
		s.log.Error("accept: register", "fd", fd, "error", err)
		unix.Close(fd)
		return
	}

	sess := domain.NewSession(fd, s.cfg.BufferSize)
	sess.ClientReading = true
	s.sessions[fd] = sess
	logger.Trace(s.log, "session accepted", "client_fd", fd)

	if err := s.handleClientReadable(sess); err != nil {
		s.log.Error("accept: initial read", "client_fd", fd, "error", err)
	}
}

// --- client fd: read/write dispatch ---

func (s *ProxyService) onClientEvent(sess *domain.Session, ev domain.EventType) error {
	if ev&domain.EventWrite != 0 && sess.ClientWriting {
		if err := s.pumpClientWrite(sess); err != nil {
			return err
		}
	}
	if ev&domain.EventRead != 0 && sess.ClientReading {
		if err := s.handleClientReadable(sess); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProxyService) handleClientReadable(sess *domain.Session) error {
	for sess.ClientReading {
		n, err := unix.Read(sess.ClientFD, sess.ClientBuf)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			s.closeSession(sess, "client read error")
			return nil
		}
		if n == 0 {
			s.closeSession(sess, "client eof")
			return nil
		}
		if err := s.onClientData(sess, sess.ClientBuf[:n]); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProxyService) onClientData(sess *domain.Session, data []byte) error {
	switch sess.State {
	case domain.StateMethodIdent:
		return s.onMethodIdentData(sess, data)
	case domain.StateRequest:
		return s.onRequestData(sess, data)
	case domain.StateStreaming:
		return s.onStreamingClientData(sess, data)
	default:
		// A client read should never be armed outside these three states;
		// if it somehow is, drop the bytes rather than act on stale state.
		return nil
	}
}

func (s *ProxyService) onMethodIdentData(sess *domain.Session, data []byte) error {
	consumed, err := socks5.ParseMethodIdentification(&sess.Parser, data)
	if err != nil {
		s.log.Warn("bad greeting", "client_fd", sess.ClientFD, "error", err)
		s.closeSession(sess, "bad greeting")
		return nil
	}
	if sess.Parser.State != socks5.Finish {
		return nil
	}
	if consumed < len(data) {
		logger.Trace(s.log, "dropping bytes pipelined after greeting", "client_fd", sess.ClientFD, "dropped", len(data)-consumed)
	}
	if err := s.stopClientRead(sess); err != nil {
		return err
	}

	if sess.Parser.HasMethod(socks5.AuthNone) {
		sess.State = domain.StateRequest
		sess.Parser.ResetForRequest()
		return s.writeClient(sess, []byte{0x05, socks5.AuthNone})
	}
	sess.State = domain.StateStreamingEnd
	return s.writeClient(sess, []byte{0x05, 0xFF})
}

func (s *ProxyService) onRequestData(sess *domain.Session, data []byte) error {
	consumed, err := socks5.ParseRequest(&sess.Parser, data)
	if err != nil {
		s.log.Warn("bad request", "client_fd", sess.ClientFD, "error", err)
		if err := s.stopClientRead(sess); err != nil {
			return err
		}
		sess.State = domain.StateStreamingEnd
		return s.writeClient(sess, errorReply(mapError(err)))
	}
	if sess.Parser.State != socks5.Finish {
		return nil
	}
	if consumed < len(data) {
		logger.Trace(s.log, "dropping bytes pipelined after request", "client_fd", sess.ClientFD, "dropped", len(data)-consumed)
	}
	if err := s.stopClientRead(sess); err != nil {
		return err
	}

	switch sess.Parser.ATYP {
	case socks5.ATYPIPv4, socks5.ATYPIPv6:
		sess.TargetPort = sess.Parser.DstPort
		sess.State = domain.StateConnecting
		return s.startUpstreamConnect(sess, net.IP(sess.Parser.DstAddr), sess.Parser.DstPort)

	case socks5.ATYPDomain:
		name := string(sess.Parser.DstAddr[:len(sess.Parser.DstAddr)-1])
		sess.TargetDomain = name
		sess.TargetPort = sess.Parser.DstPort
		sess.State = domain.StateResolving
		sess.ResolvePending = true
		if err := s.resolver.Resolve(name, sess.ClientFD); err != nil {
			sess.ResolvePending = false
			sess.State = domain.StateStreamingEnd
			return s.writeClient(sess, errorReply(repGeneralFailure))
		}
		return s.armResolveTimeout(sess)

	default:
		// ParseRequest rejects any other ATYP before reaching Finish.
		return nil
	}
}

func (s *ProxyService) onStreamingClientData(sess *domain.Session, data []byte) error {
	if err := s.stopClientRead(sess); err != nil {
		return err
	}
	return s.writeUpstream(sess, data)
}

func (s *ProxyService) pumpClientWrite(sess *domain.Session) error {
	for sess.ClientWriteOff < len(sess.ClientWriteBuf) {
		n, err := unix.Write(sess.ClientFD, sess.ClientWriteBuf[sess.ClientWriteOff:])
		if err != nil {
			if err == unix.EAGAIN {
				return s.loop.Modify(sess.ClientFD, domain.EventWrite)
			}
			s.closeSession(sess, "client write error")
			return nil
		}
		sess.ClientWriteOff += n
	}
	sess.ClientWriting = false
	sess.ClientWriteBuf = nil
	return s.onClientWriteDone(sess)
}

func (s *ProxyService) writeClient(sess *domain.Session, buf []byte) error {
	sess.ClientWriteBuf = buf
	sess.ClientWriteOff = 0
	sess.ClientWriting = true
	return s.pumpClientWrite(sess)
}

func (s *ProxyService) onClientWriteDone(sess *domain.Session) error {
	switch sess.State {
	case domain.StateRequest:
		return s.armClientRead(sess)
	case domain.StateStreamingEnd:
		s.closeSession(sess, "reply sent")
		return nil
	case domain.StateStreaming:
		if sess.StreamStartPending {
			sess.StreamStartPending = false
			if err := s.armUpstreamRead(sess); err != nil {
				return err
			}
			return s.armClientRead(sess)
		}
		// Ordinary upstream->client relay write completing: re-arm the
		// upstream read it originated from.
		return s.armUpstreamRead(sess)
	default:
		return nil
	}
}

func (s *ProxyService) armClientRead(sess *domain.Session) error {
	if sess.ClientReading {
		return nil
	}
	sess.ClientReading = true
	if err := s.loop.Modify(sess.ClientFD, domain.EventRead); err != nil {
		return err
	}
	return s.handleClientReadable(sess)
}

func (s *ProxyService) stopClientRead(sess *domain.Session) error {
	if !sess.ClientReading {
		return nil
	}
	sess.ClientReading = false
	return s.loop.Modify(sess.ClientFD, 0)
}

// --- upstream fd: connect, read/write dispatch ---

func (s *ProxyService) onUpstreamEvent(sess *domain.Session, ev domain.EventType) error {
	if sess.State == domain.StateConnecting {
		if ev&domain.EventWrite != 0 {
			return s.onConnectWritable(sess)
		}
		return nil
	}
	if ev&domain.EventWrite != 0 && sess.UpstreamWriting {
		if err := s.pumpUpstreamWrite(sess); err != nil {
			return err
		}
	}
	if ev&domain.EventRead != 0 && sess.UpstreamReading {
		if err := s.handleUpstreamReadable(sess); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProxyService) startUpstreamConnect(sess *domain.Session, ip net.IP, port uint16) error {
	fd, inProgress, err := network.ConnectNonBlocking(ip, int(port))
	if err != nil {
		return s.handleConnectFailure(sess, err)
	}
	sess.UpstreamFD = fd
	s.sessions[fd] = sess
	if err := network.SetKeepAlive(fd, s.cfg.KeepAliveIdle); err != nil {
		s.log.Warn("connect: set keepalive", "upstream_fd", fd, "error", err)
	}

	if err := s.loop.Register(fd, domain.EventWrite); err != nil {
		return s.handleConnectFailure(sess, err)
	}

	if !inProgress {
		return s.finalizeConnect(sess)
	}
	sess.ConnectPending = true
	return s.armConnectTimeout(sess)
}

func (s *ProxyService) onConnectWritable(sess *domain.Session) error {
	if err := network.SocketError(sess.UpstreamFD); err != nil {
		return s.handleConnectFailure(sess, err)
	}
	return s.finalizeConnect(sess)
}

func (s *ProxyService) finalizeConnect(sess *domain.Session) error {
	s.cancelConnectTimeout(sess)
	sess.ConnectPending = false
	sess.State = domain.StateStreaming
	sess.StreamStartPending = true
	return s.writeClient(sess, successReply(s.serverCtx))
}

// handleConnectFailure tears down the failed upstream attempt and either
// retries the next address in sess.ResolvedAddrs, walking the whole resolved
// list before giving up, or reports failure to the client.
func (s *ProxyService) handleConnectFailure(sess *domain.Session, err error) error {
	s.log.Warn("upstream connect failed", "client_fd", sess.ClientFD, "domain", sess.TargetDomain, "port", sess.TargetPort, "error", err)
	s.cancelConnectTimeout(sess)
	sess.ConnectPending = false
	sess.LastConnectErr = err
	if sess.UpstreamFD >= 0 {
		s.closeEndpoint(sess.UpstreamFD)
		sess.UpstreamFD = -1
	}

	if len(sess.ResolvedAddrs) > 0 {
		return s.tryNextAddr(sess)
	}

	sess.State = domain.StateStreamingEnd
	return s.writeClient(sess, errorReply(mapError(err)))
}

func (s *ProxyService) tryNextAddr(sess *domain.Session) error {
	if sess.NextAddr >= len(sess.ResolvedAddrs) {
		sess.State = domain.StateStreamingEnd
		return s.writeClient(sess, errorReply(mapError(sess.LastConnectErr)))
	}
	ip := sess.ResolvedAddrs[sess.NextAddr]
	sess.NextAddr++
	sess.State = domain.StateConnecting
	return s.startUpstreamConnect(sess, ip, sess.TargetPort)
}

func (s *ProxyService) handleUpstreamReadable(sess *domain.Session) error {
	if !sess.UpstreamReading {
		return nil
	}
	n, err := unix.Read(sess.UpstreamFD, sess.UpstreamBuf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		s.closeSession(sess, "upstream read error")
		return nil
	}
	if n == 0 {
		s.closeSession(sess, "upstream eof")
		return nil
	}
	if err := s.stopUpstreamRead(sess); err != nil {
		return err
	}
	return s.writeClient(sess, sess.UpstreamBuf[:n])
}

func (s *ProxyService) pumpUpstreamWrite(sess *domain.Session) error {
	for sess.UpstreamWriteOff < len(sess.UpstreamWriteBuf) {
		n, err := unix.Write(sess.UpstreamFD, sess.UpstreamWriteBuf[sess.UpstreamWriteOff:])
		if err != nil {
			if err == unix.EAGAIN {
				return s.loop.Modify(sess.UpstreamFD, domain.EventWrite)
			}
			s.closeSession(sess, "upstream write error")
			return nil
		}
		sess.UpstreamWriteOff += n
	}
	sess.UpstreamWriting = false
	sess.UpstreamWriteBuf = nil
	return s.onUpstreamWriteDone(sess)
}

func (s *ProxyService) writeUpstream(sess *domain.Session, buf []byte) error {
	sess.UpstreamWriteBuf = buf
	sess.UpstreamWriteOff = 0
	sess.UpstreamWriting = true
	return s.pumpUpstreamWrite(sess)
}

func (s *ProxyService) onUpstreamWriteDone(sess *domain.Session) error {
	return s.armClientRead(sess)
}

func (s *ProxyService) armUpstreamRead(sess *domain.Session) error {
	if sess.UpstreamReading {
		return nil
	}
	sess.UpstreamReading = true
	if err := s.loop.Modify(sess.UpstreamFD, domain.EventRead); err != nil {
		return err
	}
	return s.handleUpstreamReadable(sess)
}

func (s *ProxyService) stopUpstreamRead(sess *domain.Session) error {
	if !sess.UpstreamReading {
		return nil
	}
	sess.UpstreamReading = false
	return s.loop.Modify(sess.UpstreamFD, 0)
}

// --- resolver fd ---

func (s *ProxyService) handleResolverReadable() error {
	results, err := s.resolver.HandleReadable()
	if err != nil {
		s.log.Warn("resolver read", "error", err)
	}
	for _, res := range results {
		sess, ok := s.sessions[res.RequestID]
		if !ok || !sess.ResolvePending {
			continue // late/stray response for a session that already moved on
		}
		sess.ResolvePending = false
		s.cancelResolveTimeout(sess)

		if res.Err != nil || len(res.Addrs) == 0 {
			s.log.Warn("dns resolve failed", "client_fd", sess.ClientFD, "domain", sess.TargetDomain, "error", res.Err)
			sess.State = domain.StateStreamingEnd
			if err := s.writeClient(sess, errorReply(repGeneralFailure)); err != nil {
				return err
			}
			continue
		}

		sess.ResolvedAddrs = res.Addrs
		sess.NextAddr = 0
		if err := s.tryNextAddr(sess); err != nil {
			return err
		}
	}
	return nil
}

// --- resolve/connect deadlines ---

func (s *ProxyService) armResolveTimeout(sess *domain.Session) error {
	if s.cfg.ResolveTimeout <= 0 {
		return nil
	}
	fd, err := s.timers.CreateTimer()
	if err != nil {
		s.log.Error("create resolve-timeout timer", "client_fd", sess.ClientFD, "error", err)
		s.closeSession(sess, "timer setup failed")
		return nil
	}
	if err := s.timers.Arm(fd, s.cfg.ResolveTimeout); err != nil {
		unix.Close(fd)
		s.closeSession(sess, "timer setup failed")
		return nil
	}
	if err := s.loop.Register(fd, domain.EventRead); err != nil {
		unix.Close(fd)
		s.closeSession(sess, "timer setup failed")
		return nil
	}
	sess.ResolveTimeoutFD = fd
	s.sessions[fd] = sess
	return nil
}

func (s *ProxyService) cancelResolveTimeout(sess *domain.Session) {
	if sess.ResolveTimeoutFD < 0 {
		return
	}
	s.closeEndpoint(sess.ResolveTimeoutFD)
	sess.ResolveTimeoutFD = -1
}

func (s *ProxyService) handleResolveTimeoutFired(sess *domain.Session) error {
	_ = s.timers.Drain(sess.ResolveTimeoutFD)
	if !sess.ResolvePending {
		return nil
	}
	sess.ResolvePending = false
	s.cancelResolveTimeout(sess)
	s.log.Warn("dns resolve timed out", "client_fd", sess.ClientFD, "domain", sess.TargetDomain)
	sess.State = domain.StateStreamingEnd
	return s.writeClient(sess, errorReply(repGeneralFailure))
}

func (s *ProxyService) armConnectTimeout(sess *domain.Session) error {
	if s.cfg.ConnectTimeout <= 0 {
		return nil
	}
	fd, err := s.timers.CreateTimer()
	if err != nil {
		s.log.Error("create connect-timeout timer", "client_fd", sess.ClientFD, "error", err)
		return s.handleConnectFailure(sess, err)
	}
	if err := s.timers.Arm(fd, s.cfg.ConnectTimeout); err != nil {
		unix.Close(fd)
		return s.handleConnectFailure(sess, err)
	}
	if err := s.loop.Register(fd, domain.EventRead); err != nil {
		unix.Close(fd)
		return s.handleConnectFailure(sess, err)
	}
	sess.ConnectTimeoutFD = fd
	s.sessions[fd] = sess
	return nil
}

func (s *ProxyService) cancelConnectTimeout(sess *domain.Session) {
	if sess.ConnectTimeoutFD < 0 {
		return
	}
	s.closeEndpoint(sess.ConnectTimeoutFD)
	sess.ConnectTimeoutFD = -1
}

func (s *ProxyService) handleConnectTimeoutFired(sess *domain.Session) error {
	_ = s.timers.Drain(sess.ConnectTimeoutFD)
	if !sess.ConnectPending {
		return nil
	}
	return s.handleConnectFailure(sess, unix.ETIMEDOUT)
}
