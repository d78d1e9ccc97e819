// Package broker is the desktop-side owner of at most one pairing session.
// It mints credentials, registers them with the relay, keeps the join-token
// lease fresh, mirrors the trusted-device roster and auto-stops the session
// after a configurable stretch of inactivity.
package broker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tether-dev/tether/internal"
	"github.com/tether-dev/tether/pairing"
	"github.com/tether-dev/tether/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Phase is the broker's lifecycle state. There are only two: a broker is
// either advertising a live session or it is not.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseActive       Phase = "active"
)

// Stop reasons the broker reports through OnStopped.
const (
	StopReasonIdleTimeout = "idle_timeout"
	StopReasonUser        = "user_requested"
	StopReasonShutdown    = "shutdown"
)

// ErrNoActiveSession is returned by operations that need a live session.
var ErrNoActiveSession = fmt.Errorf("broker: no active session")

// Config wires a SessionBroker.
type Config struct {
	Registrar Registrar
	// JoinBaseURL is the page the join link opens, e.g. https://app.example.com/join.
	JoinBaseURL string
	// RelayWebSocketURL is the relay socket endpoint advertised to clients.
	RelayWebSocketURL string
	Policy            pairing.SecurityPolicy
	Factory           pairing.TokenFactory
	// OnStopped is called (without the broker lock held) whenever the
	// session transitions to disconnected, with the reason.
	OnStopped func(reason string)
	// Updates, when set, receives pairing lifecycle payloads on
	// pubsub.ChanPairing for UI surfaces to consume.
	Updates pubsub.Notifier
	// EnablePrometheus wraps Updates with a payload counter.
	EnablePrometheus bool
}

// Status is a point-in-time snapshot of the broker for UI surfaces.
type Status struct {
	Phase                Phase
	SessionID            string
	JoinURL              string
	JoinTokenExpiresAt   time.Time
	JoinTokenUsed        bool
	Devices              []Device
	ConnectedDeviceCount int
	StartedAt            time.Time
}

// SessionBroker owns at most one active session. All mutation happens under
// a single mutex so only one state change is ever in flight; the idle timer
// is always cancelled before being rescheduled.
type SessionBroker struct {
	cfg Config

	mu         sync.Mutex
	phase      Phase
	descriptor *pairing.SessionDescriptor
	lease      pairing.JoinTokenLease
	devices    []Device
	connected  int

	idleTimer *time.Timer
	// timerGen invalidates idle timers scheduled for earlier sessions.
	timerGen uint64
}

func New(cfg Config) *SessionBroker {
	if cfg.Updates != nil && cfg.EnablePrometheus {
		cfg.Updates = pubsub.NewPromNotifier(cfg.Updates, "broker")
	}
	return &SessionBroker{
		cfg:   cfg,
		phase: PhaseDisconnected,
	}
}

// StartSession mints a fresh descriptor and registers it with the relay. The
// descriptor is adopted only if the relay accepts; a rejected start leaves
// the broker exactly as it was. Starting over a live session stops it first.
func (b *SessionBroker) StartSession(ctx context.Context) (pairing.SessionDescriptor, error) {
	ctx, span := internal.StartSpan(ctx, "StartSession")
	defer span.End()

	b.mu.Lock()
	if b.phase == PhaseActive {
		b.stopLocked(ctx, StopReasonUser)
	}
	b.mu.Unlock()

	desc, err := b.cfg.Factory.MakeSessionDescriptor(b.cfg.JoinBaseURL, b.cfg.RelayWebSocketURL, b.cfg.Policy)
	if err != nil {
		return pairing.SessionDescriptor{}, err
	}
	wsURL, err := b.cfg.Registrar.StartPairing(ctx, StartRequest{
		SessionID:           desc.SessionID,
		JoinToken:           desc.JoinTokenLease.Token,
		DesktopSessionToken: desc.DesktopSessionToken,
		JoinTokenExpiresAt:  desc.JoinTokenLease.ExpiresAt.Format(time.RFC3339),
		IdleTimeoutSeconds:  int(desc.IdleTimeout / time.Second),
		RelayWebSocketURL:   desc.RelayWebSocketURL,
	})
	if err != nil {
		return pairing.SessionDescriptor{}, fmt.Errorf("broker: relay rejected pair start: %w", err)
	}
	if wsURL != "" {
		desc.RelayWebSocketURL = wsURL
	}

	b.mu.Lock()
	b.phase = PhaseActive
	b.descriptor = &desc
	b.lease = desc.JoinTokenLease
	b.devices = nil
	b.connected = 0
	b.rescheduleIdleLocked(desc.IdleTimeout)
	b.mu.Unlock()

	logger.Info().Str("session", internal.LogSafeID(desc.SessionID)).Msg("session started")
	b.publish(&pubsub.SessionStarted{
		SessionID:          desc.SessionID,
		JoinURL:            desc.JoinURL,
		JoinTokenExpiresAt: desc.JoinTokenLease.ExpiresAt,
	})
	return desc, nil
}

// RefreshJoinToken mints a brand-new lease, a full replacement rather than
// an extension, registers it with the relay and resets the idle timer.
func (b *SessionBroker) RefreshJoinToken(ctx context.Context) (pairing.JoinTokenLease, error) {
	ctx, span := internal.StartSpan(ctx, "RefreshJoinToken")
	defer span.End()

	b.mu.Lock()
	if b.phase != PhaseActive || b.descriptor == nil {
		b.mu.Unlock()
		return pairing.JoinTokenLease{}, ErrNoActiveSession
	}
	desc := *b.descriptor
	b.mu.Unlock()

	policy := b.cfg.Policy
	lease, err := b.cfg.Factory.MakeJoinTokenLease(policy.JoinTokenTTL)
	if err != nil {
		return pairing.JoinTokenLease{}, err
	}
	err = b.cfg.Registrar.RefreshPairing(ctx, RefreshRequest{
		SessionID:           desc.SessionID,
		DesktopSessionToken: desc.DesktopSessionToken,
		JoinToken:           lease.Token,
		JoinTokenExpiresAt:  lease.ExpiresAt.Format(time.RFC3339),
	})
	if err != nil {
		return pairing.JoinTokenLease{}, fmt.Errorf("broker: relay rejected lease refresh: %w", err)
	}

	b.mu.Lock()
	// The session can have stopped while the refresh was in flight; a
	// stale lease must not resurrect it.
	if b.phase != PhaseActive || b.descriptor == nil || b.descriptor.SessionID != desc.SessionID {
		b.mu.Unlock()
		return pairing.JoinTokenLease{}, ErrNoActiveSession
	}
	b.lease = lease
	b.descriptor.JoinTokenLease = lease
	relayBase := ""
	if parsed := pairing.ParseJoinLink(desc.JoinURL); parsed != nil {
		relayBase = parsed.RelayBaseURL
	}
	base := desc.JoinURL
	if i := strings.Index(base, "#"); i >= 0 {
		base = base[:i]
	}
	b.descriptor.JoinURL = pairing.BuildJoinLink(base, pairing.JoinLink{
		SessionID:    desc.SessionID,
		JoinToken:    lease.Token,
		RelayBaseURL: relayBase,
	})
	joinURL := b.descriptor.JoinURL
	b.rescheduleIdleLocked(desc.IdleTimeout)
	b.mu.Unlock()

	logger.Info().Str("session", internal.LogSafeID(desc.SessionID)).Msg("join token refreshed")
	b.publish(&pubsub.JoinTokenRefreshed{
		SessionID:          desc.SessionID,
		JoinURL:            joinURL,
		JoinTokenExpiresAt: lease.ExpiresAt,
	})
	return lease, nil
}

// ConsumeJoinToken validates candidate against the current lease and marks
// the lease used. A consumed or expired lease can never be consumed again.
func (b *SessionBroker) ConsumeJoinToken(candidate string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != PhaseActive {
		return ErrNoActiveSession
	}
	if !b.lease.IsUsable(now) {
		return fmt.Errorf("broker: join token is no longer usable")
	}
	if !pairing.ConstantTimeEquals(b.lease.Token, candidate) {
		return fmt.Errorf("broker: join token mismatch")
	}
	b.lease.MarkUsed(now)
	if b.descriptor != nil {
		b.descriptor.JoinTokenLease = b.lease
	}
	return nil
}

// RefreshTrustedDevices pulls the roster from the relay and caches it.
func (b *SessionBroker) RefreshTrustedDevices(ctx context.Context) ([]Device, error) {
	b.mu.Lock()
	if b.phase != PhaseActive || b.descriptor == nil {
		b.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	desc := *b.descriptor
	b.mu.Unlock()

	devices, err := b.cfg.Registrar.ListDevices(ctx, desc.SessionID, desc.DesktopSessionToken)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	adopted := b.phase == PhaseActive && b.descriptor != nil && b.descriptor.SessionID == desc.SessionID
	if adopted {
		b.devices = devices
		b.rescheduleIdleLocked(desc.IdleTimeout)
	}
	b.mu.Unlock()
	if adopted {
		b.publish(&pubsub.DeviceRosterChanged{
			SessionID:   desc.SessionID,
			DeviceCount: len(devices),
		})
	}
	return devices, nil
}

// RevokeTrustedDevice removes one device from the relay roster, then
// refreshes the cached roster.
func (b *SessionBroker) RevokeTrustedDevice(ctx context.Context, deviceID string) error {
	b.mu.Lock()
	if b.phase != PhaseActive || b.descriptor == nil {
		b.mu.Unlock()
		return ErrNoActiveSession
	}
	desc := *b.descriptor
	b.mu.Unlock()

	if err := b.cfg.Registrar.RevokeDevice(ctx, desc.SessionID, desc.DesktopSessionToken, deviceID); err != nil {
		return err
	}
	logger.Info().Str("session", internal.LogSafeID(desc.SessionID)).Str("device", deviceID).Msg("device revoked")
	_, err := b.RefreshTrustedDevices(ctx)
	return err
}

// StopSession best-effort notifies the relay, then unconditionally clears
// local state and cancels the idle timer.
func (b *SessionBroker) StopSession(ctx context.Context, reason string) {
	b.mu.Lock()
	b.stopLocked(ctx, reason)
	b.mu.Unlock()
}

func (b *SessionBroker) stopLocked(ctx context.Context, reason string) {
	if b.phase != PhaseActive {
		return
	}
	desc := b.descriptor
	b.phase = PhaseDisconnected
	b.descriptor = nil
	b.lease = pairing.JoinTokenLease{}
	b.devices = nil
	b.connected = 0
	b.cancelIdleLocked()

	if desc != nil {
		sessionID, token := desc.SessionID, desc.DesktopSessionToken
		go func() {
			if err := b.cfg.Registrar.StopPairing(ctx, sessionID, token); err != nil {
				logger.Warn().Err(err).Str("session", internal.LogSafeID(sessionID)).Msg("relay stop failed")
			}
		}()
		logger.Info().Str("session", internal.LogSafeID(sessionID)).Str("reason", reason).Msg("session stopped")
	}
	if b.cfg.OnStopped != nil {
		go b.cfg.OnStopped(reason)
	}
	if desc != nil {
		// stopLocked runs under b.mu, so the bus push has to happen off
		// this goroutine.
		go b.publish(&pubsub.SessionStopped{SessionID: desc.SessionID, Reason: reason})
	}
}

// publish pushes a lifecycle payload onto the update bus. Callers must not
// hold b.mu: a wedged subscriber stalls Notify for its full timeout.
func (b *SessionBroker) publish(p pubsub.Payload) {
	if b.cfg.Updates == nil {
		return
	}
	if err := b.cfg.Updates.Notify(pubsub.ChanPairing, p); err != nil {
		logger.Warn().Err(err).Str("payload", p.Type()).Msg("update bus notify failed")
	}
}

// NoteActivity resets the idle timer. Call it for any session activity the
// broker does not see itself, e.g. forwarded socket traffic.
func (b *SessionBroker) NoteActivity() {
	b.mu.Lock()
	if b.phase == PhaseActive && b.descriptor != nil {
		b.rescheduleIdleLocked(b.descriptor.IdleTimeout)
	}
	b.mu.Unlock()
}

// UpdateConnectedDeviceCount records a relay device-count push.
func (b *SessionBroker) UpdateConnectedDeviceCount(n int) {
	b.mu.Lock()
	var sessionID string
	if b.phase == PhaseActive {
		b.connected = n
		if b.descriptor != nil {
			sessionID = b.descriptor.SessionID
			b.rescheduleIdleLocked(b.descriptor.IdleTimeout)
		}
	}
	b.mu.Unlock()
	if sessionID != "" {
		b.publish(&pubsub.DeviceCountChanged{SessionID: sessionID, ConnectedCount: n})
	}
}

// Status returns a snapshot for status surfaces. The device slice is copied.
func (b *SessionBroker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		Phase:                b.phase,
		ConnectedDeviceCount: b.connected,
	}
	if b.phase == PhaseActive && b.descriptor != nil {
		st.SessionID = b.descriptor.SessionID
		st.JoinURL = b.descriptor.JoinURL
		st.JoinTokenExpiresAt = b.lease.ExpiresAt
		st.JoinTokenUsed = b.lease.UsedAt != nil
		st.StartedAt = b.descriptor.CreatedAt
		st.Devices = append([]Device(nil), b.devices...)
	}
	return st
}

// rescheduleIdleLocked cancels any pending idle timer and schedules a single
// replacement. Timers never stack. Callers hold b.mu.
func (b *SessionBroker) rescheduleIdleLocked(timeout time.Duration) {
	b.cancelIdleLocked()
	b.timerGen++
	gen := b.timerGen
	b.idleTimer = time.AfterFunc(timeout, func() {
		b.mu.Lock()
		if b.timerGen != gen || b.phase != PhaseActive {
			b.mu.Unlock()
			return
		}
		b.stopLocked(context.Background(), StopReasonIdleTimeout)
		b.mu.Unlock()
	})
}

func (b *SessionBroker) cancelIdleLocked() {
	if b.idleTimer != nil {
		b.idleTimer.Stop()
		b.idleTimer = nil
	}
	b.timerGen++
}
