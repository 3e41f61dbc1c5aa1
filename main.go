package main

import (
	"log"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"httpleg/logger"
	"httpleg/proxy"
)

func main() {
	listen := pflag.String("listen", ":8080", "address to listen on")
	accessLog := pflag.String("access-log", "access.log", "path to the shared access log file (empty disables the file sink)")
	dnsServer := pflag.String("dns", "", "DNS server for resolving destinations (host[:port]); system resolver when empty")
	timeout := pflag.Duration("timeout", 0, "per-connection deadline (0 disables)")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	// Initialize logger
	logg, err := logger.InitLogger(*debug)
	if err != nil {
		log.Fatal("Error initializing logger:", err)
	}
	defer logg.Sync()

	// Create and start proxy
	p := proxy.New(logg, proxy.Config{
		Listen:      *listen,
		AccessLog:   *accessLog,
		DNSServer:   *dnsServer,
		DialTimeout: 10 * time.Second,
		IdleTimeout: *timeout,
	})
	if err := p.Start(); err != nil {
		logg.Fatal("Proxy server failed", zap.Error(err))
	}
}
