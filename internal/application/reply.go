package application

import (
	"encoding/binary"
	"errors"
	"net"

	"golang.org/x/sys/unix"

	"socksd/internal/domain"
	"socksd/internal/socks5"
)

// REP values from RFC 1928 §6.
const (
	repSuccess             = 0x00
	repGeneralFailure      = 0x01
	repNetworkUnreachable  = 0x03
	repHostUnreachable     = 0x04
	repConnectionRefused   = 0x05
	repCommandNotSupported = 0x07
	repAddressNotSupported = 0x08
)

// mapError maps a failure encountered while processing a request onto the
// REP code to send back to the client.
func mapError(err error) byte {
	switch {
	case errors.Is(err, socks5.ErrUnsupportedCmd):
		return repCommandNotSupported
	case errors.Is(err, socks5.ErrBadATYP):
		return repAddressNotSupported
	case errors.Is(err, unix.ENETUNREACH):
		return repNetworkUnreachable
	case errors.Is(err, unix.EHOSTUNREACH):
		return repHostUnreachable
	case errors.Is(err, unix.ECONNREFUSED):
		return repConnectionRefused
	default:
		return repGeneralFailure
	}
}

// errorReply builds the canonical 10-byte CONNECT error reply:
// 05 REP 00 01 00 00 00 00 00 00.
func errorReply(rep byte) []byte {
	return []byte{0x05, rep, 0x00, socks5.ATYPIPv4, 0, 0, 0, 0, 0, 0}
}

// successReply builds 05 00 00 ATYP BND.ADDR BND.PORT using the proxy's own
// bound address, with BND.PORT in network byte order.
func successReply(ctx *domain.ServerContext) []byte {
	if ctx.BoundIPVersion == domain.IPv6 {
		buf := make([]byte, 4+16+2)
		buf[0], buf[1], buf[2], buf[3] = 0x05, repSuccess, 0x00, socks5.ATYPIPv6
		copy(buf[4:20], boundAddrBytes(ctx.BoundIP, 16))
		binary.BigEndian.PutUint16(buf[20:22], uint16(ctx.BoundPort))
		return buf
	}

	buf := make([]byte, 4+4+2)
	buf[0], buf[1], buf[2], buf[3] = 0x05, repSuccess, 0x00, socks5.ATYPIPv4
	copy(buf[4:8], boundAddrBytes(ctx.BoundIP, 4))
	binary.BigEndian.PutUint16(buf[8:10], uint16(ctx.BoundPort))
	return buf
}

func boundAddrBytes(ip net.IP, n int) []byte {
	if n == 4 {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
		return make([]byte, 4)
	}
	if v6 := ip.To16(); v6 != nil {
		return v6
	}
	return make([]byte, 16)
}
