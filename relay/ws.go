package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"

	"github.com/tether-dev/tether/internal"
	"github.com/tether-dev/tether/pairing"
	"github.com/tether-dev/tether/wire"
)

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 64
)

// conn is one accepted WebSocket. All writes go through the send channel and
// a single writer goroutine, since the underlying socket forbids concurrent
// writers. shutdown and abort are safe to call from any goroutine, including
// while holding the relay mutex.
type conn struct {
	ws        *websocket.Conn
	role      wire.PeerRole
	sessionID string
	deviceID  string // empty for the desktop peer
	connID    string
	token     string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// set exactly once before done is closed
	closeStatus websocket.StatusCode
	closeReason string
	skipGoodbye bool
}

func newConn(ws *websocket.Conn, role wire.PeerRole, sessionID, deviceID, token string) *conn {
	return &conn{
		ws:        ws,
		role:      role,
		sessionID: sessionID,
		deviceID:  deviceID,
		token:     token,
		connID:    ulid.Make().String(),
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// enqueue queues a frame for delivery. A peer that cannot drain its queue is
// aborted rather than allowed to stall the sender.
func (c *conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.abort(websocket.StatusPolicyViolation, "send queue overflow")
	}
}

func (c *conn) enqueueJSON(v interface{}) {
	frame, err := json.Marshal(v)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal control frame")
		return
	}
	c.enqueue(frame)
}

// shutdown closes the connection after delivering a disconnect frame carrying
// reason. Idempotent.
func (c *conn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.closeStatus = websocket.StatusNormalClosure
		c.closeReason = reason
		close(c.done)
	})
}

// abort closes the connection with the given status code and no disconnect
// frame. Used for protocol violations. Idempotent.
func (c *conn) abort(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeStatus = status
		c.closeReason = reason
		c.skipGoodbye = true
		close(c.done)
	})
}

// writeLoop is the sole writer. It drains the send queue until done is
// closed, then performs the goodbye sequence and closes the socket, which
// also unblocks the read loop.
func (c *conn) writeLoop() {
	for {
		select {
		case frame := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.abort(websocket.StatusAbnormalClosure, "write failed")
				c.ws.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-c.done:
			if !c.skipGoodbye {
				frame, _ := json.Marshal(wire.DisconnectFrame{
					Type:   wire.ControlDisconnect,
					Reason: c.closeReason,
				})
				ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
				c.ws.Write(ctx, websocket.MessageText, frame)
				cancel()
			}
			c.ws.Close(c.closeStatus, c.closeReason)
			return
		}
	}
}

// handleWS authenticates ?token= before upgrading, then relays frames between
// the desktop peer and its mobile peers until either side goes away.
func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("token")
	if !wire.IsOpaqueToken(token, wire.MinTokenChars) {
		r.writeError(w, req, internal.NewHandlerError(http.StatusUnauthorized, "invalid_token", "missing or malformed token"))
		return
	}

	now := r.clock()
	r.mu.Lock()
	s, role, deviceID := r.resolveTokenLocked(token)
	if s == nil {
		r.mu.Unlock()
		r.writeError(w, req, internal.NewHandlerError(http.StatusUnauthorized, "invalid_token", "token does not match a live session"))
		return
	}
	sessionID := s.id
	r.mu.Unlock()

	origin := req.Header.Get("Origin")
	if role == wire.RoleMobile && origin != "" && !r.originAllowed(origin) {
		r.writeError(w, req, internal.NewHandlerError(http.StatusForbidden, "origin_not_allowed", "origin is not allowed"))
		return
	}

	ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns:     r.originPatterns(),
		InsecureSkipVerify: r.wildcardOrigin(),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(r.cfg.MaxBodyBytes)

	c := newConn(ws, role, sessionID, deviceID, token)
	go c.writeLoop()

	var counterpartGone, atCapacity bool
	r.mu.Lock()
	// The session may have been swept or stopped between token resolution
	// and the upgrade completing.
	if r.sessions[sessionID] != s {
		r.mu.Unlock()
		c.shutdown(wire.ReasonSessionExpired)
		<-c.done
		return
	}
	switch role {
	case wire.RoleDesktop:
		if s.desktop != nil {
			s.desktop.shutdown(wire.ReasonDesktopReconnected)
		}
		s.desktop = c
	case wire.RoleMobile:
		d := s.devices[deviceID]
		if d == nil {
			counterpartGone = true
			break
		}
		// A device reconnecting replaces its own socket; it never counts
		// against the cap twice.
		for id, old := range s.mobiles {
			if old.deviceID == deviceID {
				old.shutdown(wire.ReasonDeviceReconnected)
				delete(s.mobiles, id)
			}
		}
		if len(s.mobiles) >= r.cfg.MaxDevicesPerSession {
			atCapacity = true
			break
		}
		s.mobiles[c.connID] = c
		d.LastSeenAt = now
		internal.Assert("mobile roster within device cap", len(s.mobiles) <= r.cfg.MaxDevicesPerSession)
	}
	s.bumpActivityLocked(now)
	connected := len(s.mobiles)
	r.mu.Unlock()

	if counterpartGone {
		c.shutdown(wire.ReasonDeviceRevoked)
		<-c.done
		return
	}
	if atCapacity {
		c.abort(websocket.StatusPolicyViolation, "session at device capacity")
		<-c.done
		return
	}

	r.metrics.connections.WithLabelValues(string(role)).Inc()
	defer r.metrics.connections.WithLabelValues(string(role)).Dec()

	ctx := internal.RequestContext(req.Context())
	internal.SetRequestContextSession(ctx, sessionID, string(role), deviceID)
	internal.DecorateLogger(ctx, logger.Info()).Msg("peer connected")

	c.enqueueJSON(wire.AuthOKFrame{
		Type:                 wire.ControlAuthOK,
		Role:                 role,
		SessionID:            sessionID,
		DeviceID:             deviceID,
		ConnectedDeviceCount: connected,
	})
	r.mu.Lock()
	if live := r.sessions[sessionID]; live == s {
		r.pushDeviceCountLocked(s)
	}
	r.mu.Unlock()

	r.readLoop(ctx, c, s)

	// Deregister, but only if this conn is still the one on the roster; a
	// replacement may already have taken the slot.
	r.mu.Lock()
	if live := r.sessions[sessionID]; live == s {
		switch role {
		case wire.RoleDesktop:
			if s.desktop == c {
				s.desktop = nil
			}
		case wire.RoleMobile:
			if s.mobiles[c.connID] == c {
				delete(s.mobiles, c.connID)
				r.pushDeviceCountLocked(s)
			}
		}
	}
	r.mu.Unlock()
	internal.DecorateLogger(ctx, logger.Info()).Str("reason", c.closeReason).Msg("peer disconnected")
}

// readLoop pumps frames off the socket until it closes. Envelope traffic is
// forwarded to the opposite role; control traffic is consumed or routed here.
func (r *Relay) readLoop(ctx context.Context, c *conn, s *session) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.shutdown("connection closed")
			return
		}
		if typ != websocket.MessageText {
			c.abort(websocket.StatusUnsupportedData, "binary frames are not supported")
			return
		}
		if !gjson.ValidBytes(data) {
			c.abort(websocket.StatusUnsupportedData, "malformed JSON frame")
			return
		}

		now := r.clock()
		switch wire.ControlType(data) {
		case wire.ControlAuth:
			// Already authenticated at upgrade time. The in-band frame only
			// has to carry the same token; it still counts as activity.
			if t := gjson.GetBytes(data, "token").Str; t != "" && !pairing.ConstantTimeEquals(t, c.token) {
				c.abort(websocket.StatusPolicyViolation, "token mismatch")
				return
			}
			r.touch(s, c, now)
			continue
		case wire.ControlSnapshotRequest:
			if sid := gjson.GetBytes(data, "sessionID").Str; sid != "" && sid != c.sessionID {
				c.abort(websocket.StatusPolicyViolation, "session mismatch")
				return
			}
			r.mu.Lock()
			if live := r.sessions[c.sessionID]; live == s && s.desktop != nil {
				s.desktop.enqueue(data)
			} else {
				// Nobody can answer; tell the requester instead of
				// leaving it waiting out its retry timer.
				c.enqueueJSON(wire.ErrorFrame{
					Type:    wire.ControlError,
					Error:   "desktop_offline",
					Message: "no desktop connection to serve the snapshot",
				})
			}
			s.bumpActivityLocked(now)
			r.mu.Unlock()
			continue
		case "":
			// envelope, handled below
		default:
			// Unknown control frames are dropped so old relays never blow
			// up newer clients.
			r.touch(s, c, now)
			continue
		}

		if sid := gjson.GetBytes(data, "sessionID").Str; sid != c.sessionID {
			c.abort(websocket.StatusPolicyViolation, "session mismatch")
			return
		}
		if seq := gjson.GetBytes(data, "seq"); seq.Type == gjson.Number {
			internal.SetRequestContextSeq(ctx, seq.Int())
		}

		r.mu.Lock()
		if live := r.sessions[c.sessionID]; live != s {
			r.mu.Unlock()
			c.shutdown(wire.ReasonSessionExpired)
			return
		}
		switch c.role {
		case wire.RoleDesktop:
			for _, m := range s.mobiles {
				m.enqueue(data)
			}
			r.metrics.forwarded.WithLabelValues("desktop_to_mobile").Add(float64(len(s.mobiles)))
		case wire.RoleMobile:
			if gjson.GetBytes(data, "payload.type").Str != wire.PayloadTypeCommand {
				c.enqueueJSON(wire.ErrorFrame{
					Type:    wire.ControlError,
					Error:   "invalid_command",
					Message: "only command payloads are accepted from remote clients",
				})
			} else if s.desktop != nil {
				s.desktop.enqueue(data)
				r.metrics.forwarded.WithLabelValues("mobile_to_desktop").Inc()
			}
			if d := s.devices[c.deviceID]; d != nil {
				d.LastSeenAt = now
			}
		}
		s.bumpActivityLocked(now)
		r.mu.Unlock()
	}
}

// touch records liveness for activity-bearing frames that are not forwarded.
func (r *Relay) touch(s *session, c *conn, now time.Time) {
	r.mu.Lock()
	if live := r.sessions[c.sessionID]; live == s {
		s.bumpActivityLocked(now)
		if d := s.devices[c.deviceID]; d != nil {
			d.LastSeenAt = now
		}
	}
	r.mu.Unlock()
}

// pushDeviceCountLocked tells the desktop peer how many mobile connections
// are live. Callers hold r.mu.
func (r *Relay) pushDeviceCountLocked(s *session) {
	if s.desktop == nil {
		return
	}
	s.desktop.enqueueJSON(wire.DeviceCountFrame{
		Type:                 wire.ControlDeviceCount,
		SessionID:            s.id,
		ConnectedDeviceCount: len(s.mobiles),
	})
}

// resolveTokenLocked maps a bearer token to its session and role. Device
// tokens are resolved through the index; the desktop token is compared in
// constant time per session. Callers hold r.mu.
func (r *Relay) resolveTokenLocked(token string) (*session, wire.PeerRole, string) {
	if sessionID, ok := r.tokenIndex[token]; ok {
		if s := r.sessions[sessionID]; s != nil {
			if deviceID, ok := s.deviceTokens[token]; ok {
				return s, wire.RoleMobile, deviceID
			}
		}
		return nil, "", ""
	}
	for _, s := range r.sessions {
		if pairing.ConstantTimeEquals(s.desktopSessionToken, token) {
			return s, wire.RoleDesktop, ""
		}
	}
	return nil, "", ""
}
