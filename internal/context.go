package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var ctxData ctx = "tether_data"

// logging metadata for a single relay request or socket message
type data struct {
	sessionID string
	role      string
	deviceID  string
	seq       int64
}

// RequestContext prepares a request context so it can carry relay metadata.
func RequestContext(ctx context.Context) context.Context {
	d := &data{seq: -1}
	return context.WithValue(ctx, ctxData, d)
}

// SetRequestContextSession annotates the context with the session the request
// resolved to. Need to have called RequestContext first.
func SetRequestContextSession(ctx context.Context, sessionID, role, deviceID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.sessionID = sessionID
	da.role = role
	da.deviceID = deviceID
}

func SetRequestContextSeq(ctx context.Context, seq int64) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.seq = seq
}

// DecorateLogger adds any known request metadata to a log event.
func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.sessionID != "" {
		l = l.Str("s", LogSafeID(da.sessionID))
	}
	if da.role != "" {
		l = l.Str("role", da.role)
	}
	if da.deviceID != "" {
		l = l.Str("d", da.deviceID)
	}
	if da.seq >= 0 {
		l = l.Int64("seq", da.seq)
	}
	return l
}

// LogSafeID truncates an opaque identifier for logging so full credentials
// never end up in log files.
func LogSafeID(id string) string {
	if len(id) < 10 {
		return id
	}
	return id[:6] + "..." + id[len(id)-4:]
}
