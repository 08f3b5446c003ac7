// Command socksd runs a SOCKS5 no-authentication proxy: a single-threaded
// epoll event loop dispatching parsed handshake/request state machines, DNS
// resolution and upstream relaying.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"socksd/internal/application"
	"socksd/internal/infrastructure/epoll"
	"socksd/internal/infrastructure/resolver"
	"socksd/pkg/logger"
)

func main() {
	cfg := application.DefaultConfig()

	var logLevel string
	flag.StringVar(&cfg.BindHost, "host", cfg.BindHost, "address to bind the proxy listener on")
	flag.IntVar(&cfg.BindPort, "port", cfg.BindPort, "port to bind the proxy listener on")
	flag.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "listen backlog")
	flag.StringVar(&cfg.ResolverAddr, "resolver", cfg.ResolverAddr, "upstream DNS server for ATYP=DOMAIN requests (host:port)")
	flag.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "per-direction relay buffer size in bytes")
	flag.DurationVar(&cfg.KeepAliveIdle, "keepalive-idle", cfg.KeepAliveIdle, "TCP keepalive idle period before the first probe")
	flag.DurationVar(&cfg.ResolveTimeout, "resolve-timeout", cfg.ResolveTimeout, "deadline for DNS resolution of a DOMAIN target (0 disables)")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "deadline for a non-blocking upstream connect (0 disables)")
	flag.StringVar(&logLevel, "log-level", "info", "trace|debug|info|warn|error")
	flag.Parse()

	log := logger.Setup(logger.ParseLevel(logLevel))
	log.Info("starting socksd", "host", cfg.BindHost, "port", cfg.BindPort, "resolver", cfg.ResolverAddr)

	loop, err := epoll.New(log)
	if err != nil {
		log.Error("create event loop", "error", err)
		os.Exit(1)
	}
	timers := epoll.NewTimerSource()

	dnsResolver, err := resolver.New(cfg.ResolverAddr)
	if err != nil {
		log.Error("create resolver", "error", err)
		os.Exit(1)
	}

	proxy := application.NewProxyService(loop, timers, dnsResolver, log, cfg)

	listenCtx, cancelListen := context.WithTimeout(context.Background(), 10*time.Second)
	err = proxy.Listen(listenCtx)
	cancelListen()
	if err != nil {
		log.Error("listen", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(proxy.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		proxy.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("socksd exited with error", "error", err)
		os.Exit(1)
	}
}
