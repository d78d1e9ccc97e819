// Package pairing mints the credentials used by the pairing flow: opaque
// bearer tokens, session IDs, single-use join-token leases and the session
// descriptor handed to the relay and rendered as a join link / QR code.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTokenBytes is the entropy for bearer and join tokens.
	DefaultTokenBytes = 32
	// DefaultSessionIDBytes is the entropy for session IDs.
	DefaultSessionIDBytes = 16

	minJoinTokenTTL = 10 * time.Second
	minIdleTimeout  = 60 * time.Second
)

// SecurityPolicy controls lease and session lifetimes. Zero values are
// replaced with defaults; values below the floor are clamped up.
type SecurityPolicy struct {
	JoinTokenTTL time.Duration
	IdleTimeout  time.Duration
}

// DefaultSecurityPolicy is a 2 minute join window and a 30 minute idle cap.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		JoinTokenTTL: 2 * time.Minute,
		IdleTimeout:  30 * time.Minute,
	}
}

func (p SecurityPolicy) clamped() SecurityPolicy {
	out := p
	if out.JoinTokenTTL == 0 {
		out.JoinTokenTTL = DefaultSecurityPolicy().JoinTokenTTL
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = DefaultSecurityPolicy().IdleTimeout
	}
	if out.JoinTokenTTL < minJoinTokenTTL {
		out.JoinTokenTTL = minJoinTokenTTL
	}
	if out.IdleTimeout < minIdleTimeout {
		out.IdleTimeout = minIdleTimeout
	}
	return out
}

// JoinTokenLease is a single-use, time-limited join credential. It is
// replaced wholesale on refresh, never extended.
type JoinTokenLease struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}

func (l JoinTokenLease) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// IsUsable reports whether the lease can still be consumed.
func (l JoinTokenLease) IsUsable(now time.Time) bool {
	return l.UsedAt == nil && !l.IsExpired(now)
}

// MarkUsed consumes the lease. It is idempotently unusable afterwards.
func (l *JoinTokenLease) MarkUsed(at time.Time) {
	if l.UsedAt == nil {
		t := at
		l.UsedAt = &t
	}
}

// SessionDescriptor is everything the desktop needs to advertise a pairing
// session: the identifiers, the join URL for the companion client and the
// relay socket endpoint.
type SessionDescriptor struct {
	SessionID           string
	JoinTokenLease      JoinTokenLease
	JoinURL             string
	RelayWebSocketURL   string
	DesktopSessionToken string
	CreatedAt           time.Time
	IdleTimeout         time.Duration
}

// TokenFactory mints opaque identifiers from a cryptographically secure
// random source. The zero value uses crypto/rand and the wall clock; tests
// may substitute both.
type TokenFactory struct {
	Now  func() time.Time
	Rand io.Reader
}

func (f TokenFactory) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now().UTC()
}

func (f TokenFactory) rand() io.Reader {
	if f.Rand != nil {
		return f.Rand
	}
	return rand.Reader
}

// MakeOpaqueToken returns byteCount random bytes encoded as URL-safe base64
// without padding. byteCount must be positive.
func (f TokenFactory) MakeOpaqueToken(byteCount int) (string, error) {
	if byteCount <= 0 {
		return "", fmt.Errorf("pairing: token byte count must be > 0, got %d", byteCount)
	}
	buf := make([]byte, byteCount)
	if _, err := io.ReadFull(f.rand(), buf); err != nil {
		return "", fmt.Errorf("pairing: secure random source unavailable: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MakeSessionID mints a session identifier.
func (f TokenFactory) MakeSessionID() (string, error) {
	return f.MakeOpaqueToken(DefaultSessionIDBytes)
}

// MakeJoinTokenLease mints a fresh lease valid for ttl (clamped to at least
// 10 seconds).
func (f TokenFactory) MakeJoinTokenLease(ttl time.Duration) (JoinTokenLease, error) {
	if ttl < minJoinTokenTTL {
		ttl = minJoinTokenTTL
	}
	token, err := f.MakeOpaqueToken(DefaultTokenBytes)
	if err != nil {
		return JoinTokenLease{}, err
	}
	issuedAt := f.now()
	return JoinTokenLease{
		Token:     token,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(ttl),
	}, nil
}

// MakeSessionDescriptor mints a complete descriptor: session ID, join lease,
// desktop bearer token and the canonical join URL
// <joinBaseURL>#sid=<id>&jt=<token>&relay=<relayHTTPOrigin>.
func (f TokenFactory) MakeSessionDescriptor(joinBaseURL, relayWebSocketURL string, policy SecurityPolicy) (SessionDescriptor, error) {
	policy = policy.clamped()

	base, err := url.Parse(joinBaseURL)
	if err != nil || base.Scheme == "" {
		return SessionDescriptor{}, fmt.Errorf("pairing: invalid join base URL %q", joinBaseURL)
	}

	sessionID, err := f.MakeSessionID()
	if err != nil {
		return SessionDescriptor{}, err
	}
	lease, err := f.MakeJoinTokenLease(policy.JoinTokenTTL)
	if err != nil {
		return SessionDescriptor{}, err
	}
	desktopToken, err := f.MakeOpaqueToken(DefaultTokenBytes)
	if err != nil {
		return SessionDescriptor{}, err
	}

	if base.Path == "" {
		base.Path = "/"
	}
	base.RawQuery = ""
	base.Fragment = ""

	joinURL := BuildJoinLink(base.String(), JoinLink{
		SessionID:    sessionID,
		JoinToken:    lease.Token,
		RelayBaseURL: relayHTTPOrigin(relayWebSocketURL),
	})

	return SessionDescriptor{
		SessionID:           sessionID,
		JoinTokenLease:      lease,
		JoinURL:             joinURL,
		RelayWebSocketURL:   relayWebSocketURL,
		DesktopSessionToken: desktopToken,
		CreatedAt:           f.now(),
		IdleTimeout:         policy.IdleTimeout,
	}, nil
}

// ConstantTimeEquals compares two tokens without leaking a timing side
// channel beyond their lengths.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// relayHTTPOrigin converts a ws(s) endpoint into the http(s) origin embedded
// in join links, or "" if the URL does not parse.
func relayHTTPOrigin(relayWebSocketURL string) string {
	parsed, err := url.Parse(relayWebSocketURL)
	if err != nil || parsed.Host == "" {
		return ""
	}
	switch parsed.Scheme {
	case "wss":
		parsed.Scheme = "https"
	case "ws":
		parsed.Scheme = "http"
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/")
}
