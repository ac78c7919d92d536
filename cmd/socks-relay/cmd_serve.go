package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"socks-relay/internal/application"
	"socks-relay/internal/config"
	"socks-relay/internal/infrastructure/epoll"
	"socks-relay/internal/infrastructure/resolver"
	"socks-relay/pkg/logger"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the SOCKS5 proxy",
		Long: `Start accepting SOCKS5 clients.

The proxy runs until it receives SIGINT or SIGTERM, then closes every
client and outbound connection and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			log, err := logger.Setup(os.Stdout, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}

	f := cmd.Flags()
	f.String("host", config.DefaultHost, "IPv4 address to listen on")
	f.IntP("port", "p", config.DefaultPort, "port to listen on")
	f.Int("backlog", config.DefaultBacklog, "listen backlog")
	f.Int("buffer-size", config.DefaultBufferSize, "size of each read buffer in bytes")
	f.Int("max-queued-bytes", config.DefaultMaxQueuedBytes, "pause reading a side while the opposite queue holds this many bytes (0 = unbounded)")
	f.String("dns-server", "", "IPv4 host:port of the DNS server (default: first nameserver in /etc/resolv.conf)")
	f.Duration("dns-timeout", config.DefaultDNSTimeout, "wait for each DNS query attempt")
	f.Int("dns-attempts", config.DefaultDNSAttempts, "DNS query attempts before replying host unreachable")
	f.String("log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	f.String("log-format", config.DefaultLogFormat, "log format (text, json)")
	return cmd
}

// serve runs the proxy until ctx is cancelled or the event loop fails.
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("Initializing SOCKS5 Proxy...")

	loop, err := epoll.New(log)
	if err != nil {
		return fmt.Errorf("failed to create event loop: %w", err)
	}
	defer loop.Close()

	res, err := resolver.New(resolver.Config{
		Server:   cfg.DNS.Server,
		Timeout:  cfg.DNS.Timeout,
		Attempts: cfg.DNS.Attempts,
	})
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}
	log.Info("Using DNS server", "server", res.Server())

	proxy, err := application.NewProxyService(loop, res, log, application.Options{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		Backlog:        cfg.Server.Backlog,
		BufferSize:     cfg.Relay.BufferSize,
		MaxQueuedBytes: cfg.Relay.MaxQueuedBytes,
		Hosts:          cfg.StaticHosts(),
	})
	if err != nil {
		res.Close()
		return fmt.Errorf("failed to create proxy service: %w", err)
	}
	log.Info("Proxy listening", "host", cfg.Server.Host, "port", proxy.Port())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return proxy.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		return loop.Stop()
	})

	err = g.Wait()
	if cerr := proxy.Close(); cerr != nil {
		log.Warn("Failed to close proxy service", "error", cerr)
	}
	if err != nil {
		return fmt.Errorf("proxy stopped unexpectedly: %w", err)
	}
	return nil
}
