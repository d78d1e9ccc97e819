package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tether "github.com/tether-dev/tether"
	"github.com/tether-dev/tether/relay"
)

// Environment variables, all optional, override flags:
//
//	TETHER_BIND_ADDR         host:port to listen on
//	TETHER_PUBLIC_BASE_URL   externally reachable http(s) origin
//	TETHER_ALLOWED_ORIGINS   comma-separated browser origin allow-list
//	TETHER_MAX_BODY_BYTES    request body / frame size cap
//	TETHER_PAIR_RATE         pairing calls per minute per address
//	TETHER_DEVICE_CAP        devices per session
//	TETHER_RETENTION_SECS    connectionless session retention
//	TETHER_PROMETHEUS        1 to expose /metrics
//	TETHER_SENTRY_DSN        Sentry reporting
//	TETHER_OTLP_URL          OTLP trace export
var (
	flagBindAddr      = flag.String("port", ":8787", "Bind address")
	flagPublicBaseURL = flag.String("public-url", "http://localhost:8787", "Externally reachable origin")
)

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	flag.Parse()

	cfg := relay.DefaultConfig()
	cfg.BindAddr = envString("TETHER_BIND_ADDR", *flagBindAddr)
	cfg.PublicBaseURL = envString("TETHER_PUBLIC_BASE_URL", *flagPublicBaseURL)
	cfg.MaxBodyBytes = envInt("TETHER_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.PairRatePerMinute = int(envInt("TETHER_PAIR_RATE", int64(cfg.PairRatePerMinute)))
	cfg.MaxDevicesPerSession = int(envInt("TETHER_DEVICE_CAP", int64(cfg.MaxDevicesPerSession)))
	cfg.SessionRetention = time.Duration(envInt("TETHER_RETENTION_SECS", int64(cfg.SessionRetention/time.Second))) * time.Second
	cfg.EnablePrometheus = os.Getenv("TETHER_PROMETHEUS") == "1"
	cfg.SentryDSN = os.Getenv("TETHER_SENTRY_DSN")
	cfg.OTLPURL = os.Getenv("TETHER_OTLP_URL")
	if origins := os.Getenv("TETHER_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	srv, err := tether.NewServer(cfg)
	if err != nil {
		os.Stderr.WriteString("startup failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	if err := srv.Run(); err != nil {
		os.Stderr.WriteString("server exited: " + err.Error() + "\n")
		os.Exit(1)
	}
}
