// Package network is the socket-factory collaborator: raw non-blocking
// socket creation, bind/listen/accept/connect and TCP keepalive tuning via
// golang.org/x/sys/unix, for both IPv4 and IPv6. Like the epoll package, it
// is an external collaborator the core only reaches through domain types.
package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"socksd/internal/domain"
)

// BoundListener is the outcome of a successful ListenOn: the listening fd
// plus the concrete address it ended up bound to, which the CONNECT success
// reply echoes back to clients as BND.ADDR/BND.PORT.
type BoundListener struct {
	FD        int
	IP        net.IP
	Port      int
	IPVersion domain.IPVersion
}

// ListenOn resolves host with the standard resolver, and tries bind+listen
// on each resulting address in order until one succeeds. Resolution failure
// or exhausting every address without a successful bind+listen is fatal to
// the caller.
func ListenOn(ctx context.Context, host string, port, backlog int) (*BoundListener, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve bind host %q: %w", host, err)
	}

	var lastErr error
	for _, ipAddr := range ips {
		bl, err := bindAndListen(ipAddr.IP, port, backlog)
		if err != nil {
			lastErr = err
			continue
		}
		return bl, nil
	}
	return nil, fmt.Errorf("bind %q:%d: no bindable address (last error: %w)", host, port, lastErr)
}

func bindAndListen(ip net.IP, port, backlog int) (*BoundListener, error) {
	sa, family, err := sockaddrFromIP(ip, port)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s:%d: %w", ip, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	boundIP, boundPort, err := localAddr(fd, family)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}

	ver := domain.IPv4
	if family == unix.AF_INET6 {
		ver = domain.IPv6
	}

	return &BoundListener{FD: fd, IP: boundIP, Port: boundPort, IPVersion: ver}, nil
}

// AcceptNonBlocking accepts one pending connection on listenerFD, returning
// an already-nonblocking client fd.
func AcceptNonBlocking(listenerFD int) (int, net.IP, error) {
	fd, sa, err := unix.Accept4(listenerFD, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, nil, err
	}

	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, a.Addr[:])
		return fd, ip, nil
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, a.Addr[:])
		return fd, ip, nil
	default:
		return fd, nil, nil
	}
}

// ConnectNonBlocking creates a socket matching ip's family and issues a
// non-blocking connect. inProgress is true when the caller must wait for
// EPOLLOUT readiness and then check SocketError before treating the connect
// as complete; a nil error with inProgress false means the connect
// completed synchronously.
func ConnectNonBlocking(ip net.IP, port int) (fd int, inProgress bool, err error) {
	sa, family, err := sockaddrFromIP(ip, port)
	if err != nil {
		return -1, false, err
	}

	fd, err = unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, false, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, false, fmt.Errorf("set nonblocking: %w", err)
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}
	unix.Close(fd)
	return -1, false, err
}

// SocketError retrieves and clears SO_ERROR, the standard way to learn
// whether a non-blocking connect that became writable actually succeeded.
func SocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// SetKeepAlive enables TCP keepalive on fd with the given idle period before
// the first probe.
func SetKeepAlive(fd int, idle time.Duration) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("setsockopt SO_KEEPALIVE: %w", err)
	}
	idleSecs := int(idle.Seconds())
	if idleSecs < 1 {
		idleSecs = 1
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, idleSecs); err != nil {
		return fmt.Errorf("setsockopt TCP_KEEPIDLE: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10); err != nil {
		return fmt.Errorf("setsockopt TCP_KEEPINTVL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 6); err != nil {
		return fmt.Errorf("setsockopt TCP_KEEPCNT: %w", err)
	}
	return nil
}

// BindUDP opens a non-blocking UDP socket for the DNS resolver collaborator.
func BindUDP() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func sockaddrFromIP(ip net.IP, port int) (unix.Sockaddr, int, error) {
	if v4 := ip.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		return &unix.SockaddrInet4{Port: port, Addr: addr}, unix.AF_INET, nil
	}
	if v6 := ip.To16(); v6 != nil {
		var addr [16]byte
		copy(addr[:], v6)
		return &unix.SockaddrInet6{Port: port, Addr: addr}, unix.AF_INET6, nil
	}
	return nil, 0, fmt.Errorf("invalid IP address %v", ip)
}

func localAddr(fd, family int) (net.IP, int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, a.Addr[:])
		return ip, a.Port, nil
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, a.Addr[:])
		return ip, a.Port, nil
	default:
		return nil, 0, fmt.Errorf("unsupported sockaddr type for family %d", family)
	}
}
