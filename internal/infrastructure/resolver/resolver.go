// Package resolver implements the async DNS collaborator used to resolve
// ATYP=DOMAIN CONNECT targets: an RFC 1928 getaddrinfo-equivalent built on a
// single non-blocking UDP socket and github.com/miekg/dns for wire-format
// query/response handling.
package resolver

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"socksd/internal/domain"
	"socksd/internal/infrastructure/network"
)

// UDPResolver queries a single upstream DNS server over a non-blocking UDP
// socket registered with the event loop. It implements domain.DNSResolver.
type UDPResolver struct {
	fd      int
	server  unix.Sockaddr
	pending map[uint16]int // DNS message ID -> requestID
	nextID  uint16
}

// New opens the resolver's UDP socket and targets it at serverAddr (e.g.
// "8.8.8.8:53").
func New(serverAddr string) (*UDPResolver, error) {
	host, portStr, err := net.SplitHostPort(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("resolver address %q: %w", serverAddr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("resolver address %q: not a literal IP", serverAddr)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, fmt.Errorf("resolver address %q: bad port: %w", serverAddr, err)
	}

	fd, err := network.BindUDP()
	if err != nil {
		return nil, fmt.Errorf("bind resolver socket: %w", err)
	}

	var sa unix.Sockaddr
	if v4 := ip.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		sa = &unix.SockaddrInet4{Port: port, Addr: addr}
	} else {
		unix.Close(fd)
		return nil, fmt.Errorf("resolver address %q: only IPv4 servers supported", serverAddr)
	}

	return &UDPResolver{
		fd:      fd,
		server:  sa,
		pending: make(map[uint16]int),
	}, nil
}

func (r *UDPResolver) FD() int { return r.fd }

// Resolve sends an A-record query for domain and remembers requestID so a
// later response can be matched back to the caller. It does not block on
// the answer; the caller observes completion via HandleReadable once FD()
// becomes readable.
func (r *UDPResolver) Resolve(domain string, requestID int) error {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	msg.RecursionDesired = true
	msg.Id = r.nextID
	r.nextID++

	packed, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("pack dns query: %w", err)
	}

	if err := unix.Sendto(r.fd, packed, 0, r.server); err != nil {
		return fmt.Errorf("send dns query: %w", err)
	}

	r.pending[msg.Id] = requestID
	return nil
}

// HandleReadable drains every datagram currently available on FD() and
// returns the completed resolutions they represent. Unmatched or malformed
// responses are dropped silently, mirroring how a real resolver client
// ignores stray/duplicate UDP replies.
func (r *UDPResolver) HandleReadable() ([]domain.ResolveResult, error) {
	var results []domain.ResolveResult

	buf := make([]byte, 512)
	for {
		n, _, err := unix.Recvfrom(r.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			return results, err
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			continue
		}

		requestID, ok := r.pending[msg.Id]
		if !ok {
			continue
		}
		delete(r.pending, msg.Id)

		var addrs []net.IP
		for _, ans := range msg.Answer {
			if a, ok := ans.(*dns.A); ok {
				addrs = append(addrs, a.A)
			}
		}

		var resultErr error
		if len(addrs) == 0 {
			resultErr = fmt.Errorf("no A records")
		}

		results = append(results, domain.ResolveResult{RequestID: requestID, Addrs: addrs, Err: resultErr})
	}

	return results, nil
}

func (r *UDPResolver) Close() error {
	return unix.Close(r.fd)
}
