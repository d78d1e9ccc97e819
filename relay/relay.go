// Package relay implements the stateless-per-session pairing relay: the HTTP
// pairing surface, the WebSocket multiplexer between a desktop and its mobile
// devices, and the background sweep that retires idle or abandoned sessions.
//
// All session state lives in memory and dies with the process; the protocol
// is designed so that clients recover through re-pairing and full-state
// resync, never through relay-side persistence.
package relay

import (
	"context"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tether-dev/tether/internal"
	"github.com/tether-dev/tether/wire"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Config is everything the relay consumes from its environment.
type Config struct {
	// BindAddr is the host:port the HTTP server listens on.
	BindAddr string
	// PublicBaseURL is the externally reachable http(s) origin; the
	// advertised WebSocket URL is derived from it.
	PublicBaseURL string
	// MaxBodyBytes bounds pairing request bodies and WebSocket frames.
	MaxBodyBytes int64
	// PairRatePerMinute is the fixed-window per-address rate limit applied
	// to all mutating endpoints.
	PairRatePerMinute int
	// MaxDevicesPerSession caps both minted device tokens and live mobile
	// connections per session.
	MaxDevicesPerSession int
	// SessionRetention is how long a connectionless session is kept before
	// the sweep garbage-collects it.
	SessionRetention time.Duration
	// SweepInterval is how often the idle/retention sweep runs.
	SweepInterval time.Duration
	// AllowedOrigins is the browser origin allow-list. "*" allows any.
	AllowedOrigins []string

	EnablePrometheus bool
	SentryDSN        string
	OTLPURL          string
}

// DefaultConfig mirrors the deployment defaults: 64KiB bodies, 60 pairing
// calls per minute per address, 2 devices per session, 10 minute retention.
func DefaultConfig() Config {
	return Config{
		BindAddr:             ":8787",
		PublicBaseURL:        "http://localhost:8787",
		MaxBodyBytes:         64 * 1024,
		PairRatePerMinute:    60,
		MaxDevicesPerSession: 2,
		SessionRetention:     10 * time.Minute,
		SweepInterval:        30 * time.Second,
		AllowedOrigins:       nil,
	}
}

// WebSocketURL derives the advertised ws(s)://.../ws endpoint from the
// public base URL.
func (c Config) WebSocketURL() string {
	parsed, err := url.Parse(c.PublicBaseURL)
	if err != nil || parsed.Host == "" {
		return "ws://localhost:8787/ws"
	}
	if parsed.Scheme == "https" {
		parsed.Scheme = "wss"
	} else {
		parsed.Scheme = "ws"
	}
	parsed.Path = "/ws"
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}

// trustedDevice is one roster entry. A device survives its connections: it
// stays on the roster until revoked or the session dies.
type trustedDevice struct {
	ID         string
	Name       string
	JoinedAt   time.Time
	LastSeenAt time.Time
}

// session is the relay-side state for one pairing session. All fields are
// guarded by Relay.mu.
type session struct {
	id                  string
	desktopSessionToken string

	joinToken          string
	joinTokenExpiresAt time.Time
	joinTokenUsedAt    *time.Time

	relayWebSocketURL string
	idleTimeout       time.Duration
	createdAt         time.Time
	lastActivityAt    time.Time

	desktop *conn
	// mobiles is the live-connection roster, keyed by connection ID.
	mobiles map[string]*conn
	// devices is the trusted-device roster, keyed by device ID.
	devices map[string]*trustedDevice
	// deviceTokens maps a device bearer token to its device ID.
	deviceTokens map[string]string
}

func (s *session) connectionless() bool {
	return s.desktop == nil && len(s.mobiles) == 0
}

func (s *session) deviceConnected(deviceID string) bool {
	for _, c := range s.mobiles {
		if c.deviceID == deviceID {
			return true
		}
	}
	return false
}

// Relay multiplexes pairing sessions. The session table, the token index and
// the per-session connection rosters are all guarded by a single mutex; the
// only other mutable state is the rate limiter, which locks independently.
type Relay struct {
	cfg     Config
	metrics *metrics
	limiter *rateLimiter

	// clock is swappable for tests.
	clock func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	// tokenIndex maps a device bearer token to its session ID.
	tokenIndex map[string]string
}

// New constructs a Relay. Call StartSweeper to begin background sweeps and
// Stop to close every session on shutdown.
func New(cfg Config) *Relay {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = DefaultConfig().SessionRetention
	}
	if cfg.MaxDevicesPerSession <= 0 {
		cfg.MaxDevicesPerSession = DefaultConfig().MaxDevicesPerSession
	}
	return &Relay{
		cfg:        cfg,
		metrics:    newMetrics(cfg.EnablePrometheus),
		limiter:    newRateLimiter(cfg.PairRatePerMinute, time.Minute),
		clock:      func() time.Time { return time.Now().UTC() },
		sessions:   make(map[string]*session),
		tokenIndex: make(map[string]string),
	}
}

// SessionCount returns the number of live sessions, for healthz.
func (r *Relay) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// registerSession installs a new session, replacing (and closing) any
// existing session with the same ID.
func (r *Relay) registerSession(s *session) {
	r.mu.Lock()
	if existing := r.sessions[s.id]; existing != nil {
		r.closeSessionLocked(existing, wire.ReasonReplacedByNewPairStart)
	}
	r.sessions[s.id] = s
	r.mu.Unlock()
	r.metrics.sessions.Set(float64(r.SessionCount()))
	logger.Info().Str("session", internal.LogSafeID(s.id)).Msg("pair_start")
}

// closeSessionLocked tears a session down: every connection receives a
// disconnect frame with the reason and is closed, all device tokens are
// dropped from the index, and the session is removed. Callers hold r.mu.
func (r *Relay) closeSessionLocked(s *session, reason string) {
	for token := range s.deviceTokens {
		delete(r.tokenIndex, token)
	}
	if s.desktop != nil {
		s.desktop.shutdown(reason)
		s.desktop = nil
	}
	for id, c := range s.mobiles {
		c.shutdown(reason)
		delete(s.mobiles, id)
	}
	delete(r.sessions, s.id)
	logger.Info().Str("session", internal.LogSafeID(s.id)).Str("reason", reason).Msg("closed session")
}

// CloseSession closes the named session with the given reason, if it exists.
func (r *Relay) CloseSession(sessionID, reason string) {
	r.mu.Lock()
	if s := r.sessions[sessionID]; s != nil {
		r.closeSessionLocked(s, reason)
	}
	r.mu.Unlock()
	r.metrics.sessions.Set(float64(r.SessionCount()))
}

// Stop closes every session. Used on shutdown.
func (r *Relay) Stop(reason string) {
	r.mu.Lock()
	for _, s := range r.sessions {
		r.closeSessionLocked(s, reason)
	}
	r.mu.Unlock()
	r.metrics.sessions.Set(0)
	r.metrics.unregister()
	r.limiter.stop()
}

// StartSweeper runs the idle/retention sweep until ctx is cancelled.
func (r *Relay) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// sweep closes sessions idle beyond their timeout and garbage-collects
// connectionless sessions past the retention window.
func (r *Relay) sweep() {
	now := r.clock()
	r.mu.Lock()
	for _, s := range r.sessions {
		if now.Sub(s.lastActivityAt) >= s.idleTimeout {
			r.closeSessionLocked(s, wire.ReasonIdleTimeout)
			continue
		}
		if now.Sub(s.createdAt) > r.cfg.SessionRetention && s.connectionless() {
			r.closeSessionLocked(s, wire.ReasonRetentionExpired)
		}
	}
	r.mu.Unlock()
	r.metrics.sessions.Set(float64(r.SessionCount()))
}

// bumpActivityLocked refreshes the idle clock. Callers hold r.mu.
func (s *session) bumpActivityLocked(now time.Time) {
	s.lastActivityAt = now
}

// originAllowed implements the allow-list check shared by CORS and the
// mobile WebSocket upgrade. A wildcard entry admits every origin.
func (r *Relay) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	normalized := normalizeOrigin(origin)
	if normalized == "" {
		return false
	}
	for _, allowed := range r.cfg.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if normalizeOrigin(allowed) == normalized {
			return true
		}
	}
	return false
}

func (r *Relay) wildcardOrigin() bool {
	for _, allowed := range r.cfg.AllowedOrigins {
		if allowed == "*" {
			return true
		}
	}
	return false
}

// originPatterns derives websocket.AcceptOptions host patterns from the
// allow-list so the library's own origin enforcement agrees with ours.
func (r *Relay) originPatterns() []string {
	var patterns []string
	for _, allowed := range r.cfg.AllowedOrigins {
		if allowed == "*" {
			continue
		}
		if parsed, err := url.Parse(allowed); err == nil && parsed.Host != "" {
			patterns = append(patterns, parsed.Host)
		}
	}
	return patterns
}

func normalizeOrigin(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}
