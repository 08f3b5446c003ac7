package application

import "time"

// Config is the proxy's runtime configuration.
type Config struct {
	BindHost string
	BindPort int
	Backlog  int

	KeepAliveIdle time.Duration
	BufferSize    int

	ResolverAddr string

	// ResolveTimeout/ConnectTimeout bound the RESOLVING/CONNECTING
	// sub-states so a stalled resolver or black-holed connect attempt
	// surfaces as an error instead of pinning a session forever. This is a
	// supplemented feature: the steady-state STREAMING phase remains
	// watchdog-free, matching the original design.
	ResolveTimeout time.Duration
	ConnectTimeout time.Duration
}

// DefaultConfig returns the proxy's documented defaults.
func DefaultConfig() Config {
	return Config{
		BindHost:       "127.0.0.1",
		BindPort:       8789,
		Backlog:        256,
		KeepAliveIdle:  60 * time.Second,
		BufferSize:     2048,
		ResolverAddr:   "8.8.8.8:53",
		ResolveTimeout: 5 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}
