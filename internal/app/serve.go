package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"horse.fit/incidentdedup/internal/cli"
	"horse.fit/incidentdedup/internal/httpapi"
	"horse.fit/incidentdedup/internal/logging"
	"horse.fit/incidentdedup/internal/metrics"
	"horse.fit/incidentdedup/internal/pipeline"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8090, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")

	cfg, logger, code := bootstrap(fs, envLoader, args, false)
	if code >= 0 {
		return code
	}
	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := connectStore(ctx, cfg, logger, "serve")
	if err != nil {
		return 1
	}
	defer pool.Close()

	m := metrics.NewManager()
	eng, err := newEngine(ctx, cfg, logger, m)
	if err != nil {
		logger.Error().Err(err).Msg("serve engine setup failed")
		fmt.Fprintf(os.Stderr, "Serve setup failed: %v\n", err)
		return 1
	}
	defer eng.Close()

	svc := pipeline.NewService(pool, logger, eng.serviceOptions(cfg)...)
	srv := httpapi.NewServer(pool, svc, m, logging.Component(logger, "api"), httpapi.Options{
		Host:               *host,
		Port:               *port,
		ReadTimeout:        *readTimeout,
		WriteTimeout:       *writeTimeout,
		ShutdownTimeout:    *shutdownTimeout,
		CORSAllowedOrigins: cfg.CORSAllowedOriginsList(),
		OperatorTokenHash:  cfg.OperatorTokenHash,
	})

	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}
	return 0
}
