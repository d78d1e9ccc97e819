// Package tether wires the pairing relay into a runnable HTTP server:
// request logging, Sentry capture, optional Prometheus and OTLP export, and
// graceful shutdown.
package tether

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/tether-dev/tether/internal"
	"github.com/tether-dev/tether/relay"
	"github.com/tether-dev/tether/wire"
)

// Version is stamped at build time.
var Version string

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

// Server is a running relay plus its HTTP front.
type Server struct {
	Relay *relay.Relay

	httpServer *http.Server
	stopSweep  context.CancelFunc
}

// NewServer assembles the relay and its middleware chain. Call Run to serve.
func NewServer(cfg relay.Config) (*Server, error) {
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: "tether@" + Version,
		}); err != nil {
			return nil, fmt.Errorf("sentry.Init: %w", err)
		}
	}
	if cfg.OTLPURL != "" {
		if err := internal.ConfigureOTLP(cfg.OTLPURL, os.Getenv("TETHER_OTLP_USERNAME"), os.Getenv("TETHER_OTLP_PASSWORD"), Version); err != nil {
			return nil, fmt.Errorf("configure OTLP: %w", err)
		}
	}

	r := relay.New(cfg)
	router := mux.NewRouter()
	r.Routes(router)
	if cfg.EnablePrometheus {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	chain := []func(next http.Handler) http.Handler{
		hlog.NewHandler(logger),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(internal.RequestContext(req.Context())))
			})
		},
		hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
			if req.URL.Path == "/healthz" || req.URL.Path == "/metrics" {
				return
			}
			entry := internal.DecorateLogger(req.Context(), hlog.FromRequest(req).Info())
			entry.Str("method", req.Method).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Str("path", req.URL.Path).
				Msg("")
		}),
		hlog.RemoteAddrHandler("ip"),
	}
	if cfg.SentryDSN != "" {
		sentryHandler := sentryhttp.New(sentryhttp.Options{
			Repanic: true,
		})
		chain = append(chain, func(next http.Handler) http.Handler {
			return sentryHandler.Handle(next)
		})
	}

	return &Server{
		Relay: r,
		httpServer: &http.Server{
			Addr:    cfg.BindAddr,
			Handler: &server{chain: chain, final: router},
		},
	}, nil
}

// Run starts the sweeper and serves until Shutdown is called. It blocks.
func (s *Server) Run() error {
	sweepCtx, cancel := context.WithCancel(context.Background())
	s.stopSweep = cancel
	s.Relay.StartSweeper(sweepCtx)

	logger.Info().Msgf("listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains HTTP, closes every session and stops the sweeper.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopSweep != nil {
		s.stopSweep()
	}
	err := s.httpServer.Shutdown(ctx)
	s.Relay.Stop(wire.ReasonSessionExpired)
	sentry.Flush(2 * time.Second)
	return err
}
