package socks5

import "errors"

// Parser failures. In the request phase the session layer maps them onto REP
// codes (see internal/application/reply.go): ErrUnsupportedCmd and ErrBadATYP
// have their own codes, every other error is sent as a general failure.
var (
	ErrBadVersion     = errors.New("socks5: unsupported protocol version")
	ErrBadNMethods    = errors.New("socks5: NMETHODS must be non-zero")
	ErrParse          = errors.New("socks5: malformed message")
	ErrUnsupportedCmd = errors.New("socks5: unsupported command")
	ErrBadATYP        = errors.New("socks5: unsupported address type")
)
