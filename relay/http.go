package relay

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"

	"github.com/tether-dev/tether/internal"
	"github.com/tether-dev/tether/pairing"
	"github.com/tether-dev/tether/wire"
)

type pairStartRequest struct {
	SessionID           string `json:"sessionID"`
	JoinToken           string `json:"joinToken"`
	DesktopSessionToken string `json:"desktopSessionToken"`
	JoinTokenExpiresAt  string `json:"joinTokenExpiresAt"`
	IdleTimeoutSeconds  int    `json:"idleTimeoutSeconds"`
	RelayWebSocketURL   string `json:"relayWebSocketURL"`
}

type pairStartResponse struct {
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"sessionID"`
	WSURL     string `json:"wsURL"`
}

type pairJoinRequest struct {
	SessionID  string `json:"sessionID"`
	JoinToken  string `json:"joinToken"`
	DeviceName string `json:"deviceName"`
}

type pairJoinResponse struct {
	Accepted           bool   `json:"accepted"`
	SessionID          string `json:"sessionID"`
	DeviceID           string `json:"deviceID"`
	DeviceSessionToken string `json:"deviceSessionToken"`
	WSURL              string `json:"wsURL"`
}

type pairRefreshRequest struct {
	SessionID           string `json:"sessionID"`
	DesktopSessionToken string `json:"desktopSessionToken"`
	JoinToken           string `json:"joinToken"`
	JoinTokenExpiresAt  string `json:"joinTokenExpiresAt"`
}

type pairStopRequest struct {
	SessionID           string `json:"sessionID"`
	DesktopSessionToken string `json:"desktopSessionToken"`
}

type devicesListRequest struct {
	SessionID           string `json:"sessionID"`
	DesktopSessionToken string `json:"desktopSessionToken"`
}

type deviceSummary struct {
	DeviceID   string    `json:"deviceID"`
	DeviceName string    `json:"deviceName"`
	Connected  bool      `json:"connected"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type devicesListResponse struct {
	Accepted  bool            `json:"accepted"`
	SessionID string          `json:"sessionID"`
	Devices   []deviceSummary `json:"devices"`
}

type deviceRevokeRequest struct {
	SessionID           string `json:"sessionID"`
	DesktopSessionToken string `json:"desktopSessionToken"`
	DeviceID            string `json:"deviceID"`
}

type acceptedResponse struct {
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"sessionID"`
	DeviceID  string `json:"deviceID,omitempty"`
}

type healthResponse struct {
	OK       bool      `json:"ok"`
	Sessions int       `json:"sessions"`
	Now      time.Time `json:"now"`
}

// Routes mounts the relay's HTTP surface on router.
func (r *Relay) Routes(router *mux.Router) {
	post := func(path string, h func(http.ResponseWriter, *http.Request)) {
		router.HandleFunc(path, h).Methods("POST")
		router.HandleFunc(path, r.handlePreflight).Methods("OPTIONS")
	}
	post("/pair/start", r.guarded(r.handlePairStart))
	post("/pair/join", r.guarded(r.handlePairJoin))
	post("/pair/refresh", r.guarded(r.handlePairRefresh))
	post("/pair/stop", r.guarded(r.handlePairStop))
	post("/devices/list", r.guarded(r.handleDevicesList))
	post("/devices/revoke", r.guarded(r.handleDevicesRevoke))
	router.HandleFunc("/healthz", r.handleHealthz).Methods("GET")
	router.HandleFunc("/ws", r.handleWS).Methods("GET")
}

// guarded applies the origin allow-list and the per-address rate limit
// before any side effect, then dispatches to the handler.
func (r *Relay) guarded(h func(http.ResponseWriter, *http.Request) *internal.HandlerError) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		if origin != "" && !r.originAllowed(origin) {
			r.writeError(w, req, internal.NewHandlerError(http.StatusForbidden, "origin_not_allowed", "origin is not allowed"))
			return
		}
		if !r.limiter.allow(clientAddr(req), r.clock()) {
			r.writeError(w, req, internal.NewHandlerError(http.StatusTooManyRequests, "rate_limited", "too many pairing attempts, try again in a minute"))
			return
		}
		req.Body = http.MaxBytesReader(w, req.Body, r.cfg.MaxBodyBytes)
		if herr := h(w, req); herr != nil {
			r.writeError(w, req, herr)
		}
	}
}

func (r *Relay) handlePreflight(w http.ResponseWriter, req *http.Request) {
	origin := req.Header.Get("Origin")
	if origin != "" && !r.originAllowed(origin) {
		r.writeError(w, req, internal.NewHandlerError(http.StatusForbidden, "origin_not_allowed", "origin is not allowed"))
		return
	}
	r.setCORSHeaders(w, req)
	w.WriteHeader(http.StatusNoContent)
}

func (r *Relay) handleHealthz(w http.ResponseWriter, req *http.Request) {
	r.respondJSON(w, req, http.StatusOK, healthResponse{
		OK:       true,
		Sessions: r.SessionCount(),
		Now:      r.clock(),
	})
}

func (r *Relay) handlePairStart(w http.ResponseWriter, req *http.Request) *internal.HandlerError {
	ctx, task := internal.StartTask(req.Context(), "PairStart")
	defer task.End()

	var body pairStartRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return internal.NewHandlerError(http.StatusBadRequest, "invalid_request", "invalid request body: %s", err)
	}
	if !wire.IsOpaqueToken(body.SessionID, wire.MinSessionIDChars) ||
		!wire.IsOpaqueToken(body.JoinToken, wire.MinTokenChars) ||
		!wire.IsOpaqueToken(body.DesktopSessionToken, wire.MinTokenChars) {
		return internal.NewHandlerError(http.StatusBadRequest, "invalid_pair_start",
			"sessionID, joinToken and desktopSessionToken must be high-entropy opaque identifiers")
	}
	expiresAt, err := time.Parse(time.RFC3339, body.JoinTokenExpiresAt)
	now := r.clock()
	if err != nil || !expiresAt.After(now) {
		return internal.NewHandlerError(http.StatusBadRequest, "expired_join_token", "joinTokenExpiresAt must be in the future")
	}

	wsURL := normalizeRelayWebSocketURL(body.RelayWebSocketURL)
	if wsURL == "" {
		wsURL = r.cfg.WebSocketURL()
	}

	s := &session{
		id:                  body.SessionID,
		desktopSessionToken: body.DesktopSessionToken,
		joinToken:           body.JoinToken,
		joinTokenExpiresAt:  expiresAt,
		relayWebSocketURL:   wsURL,
		idleTimeout:         clampIdleTimeout(body.IdleTimeoutSeconds),
		createdAt:           now,
		lastActivityAt:      now,
		mobiles:             make(map[string]*conn),
		devices:             make(map[string]*trustedDevice),
		deviceTokens:        make(map[string]string),
	}
	r.registerSession(s)
	r.metrics.pairings.WithLabelValues("start", "accepted").Inc()
	internal.Logf(ctx, "pairing", "started session %s", internal.LogSafeID(s.id))

	r.respondJSON(w, req, http.StatusOK, pairStartResponse{
		Accepted:  true,
		SessionID: s.id,
		WSURL:     wsURL,
	})
	return nil
}

func (r *Relay) handlePairJoin(w http.ResponseWriter, req *http.Request) *internal.HandlerError {
	ctx, task := internal.StartTask(req.Context(), "PairJoin")
	defer task.End()

	var body pairJoinRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return internal.NewHandlerError(http.StatusBadRequest, "invalid_request", "invalid request body: %s", err)
	}
	if !wire.IsOpaqueToken(body.SessionID, wire.MinSessionIDChars) || !wire.IsOpaqueToken(body.JoinToken, wire.MinTokenChars) {
		return internal.NewHandlerError(http.StatusBadRequest, "invalid_pair_join", "sessionID and joinToken are required")
	}

	now := r.clock()
	r.mu.Lock()
	s := r.sessions[body.SessionID]
	if s == nil {
		r.mu.Unlock()
		r.metrics.pairings.WithLabelValues("join", "session_not_found").Inc()
		return internal.NewHandlerError(http.StatusNotFound, "session_not_found", "remote session not found")
	}
	if !now.Before(s.joinTokenExpiresAt) {
		r.mu.Unlock()
		r.metrics.pairings.WithLabelValues("join", "join_token_expired").Inc()
		return internal.NewHandlerError(http.StatusGone, "join_token_expired", "join token has expired")
	}
	if s.joinTokenUsedAt != nil {
		r.mu.Unlock()
		r.metrics.pairings.WithLabelValues("join", "join_token_already_used").Inc()
		return internal.NewHandlerError(http.StatusConflict, "join_token_already_used",
			"join token has already been redeemed, start a new session from desktop")
	}
	if !pairing.ConstantTimeEquals(s.joinToken, body.JoinToken) {
		r.mu.Unlock()
		r.metrics.pairings.WithLabelValues("join", "invalid_join_token").Inc()
		return internal.NewHandlerError(http.StatusForbidden, "invalid_join_token", "join token is invalid")
	}
	if len(s.deviceTokens) >= r.cfg.MaxDevicesPerSession {
		r.mu.Unlock()
		r.metrics.pairings.WithLabelValues("join", "device_cap_reached").Inc()
		return internal.NewHandlerError(http.StatusConflict, "device_cap_reached",
			"this session allows at most %d connected devices", r.cfg.MaxDevicesPerSession)
	}

	deviceToken, err := pairing.TokenFactory{}.MakeOpaqueToken(pairing.DefaultTokenBytes)
	if err != nil {
		r.mu.Unlock()
		return internal.NewHandlerError(http.StatusInternalServerError, "token_mint_failed", "could not mint device token: %s", err)
	}
	deviceID := ulid.Make().String()
	deviceName := strings.TrimSpace(body.DeviceName)
	if deviceName == "" {
		deviceName = "Remote device"
	}

	usedAt := now
	s.joinTokenUsedAt = &usedAt
	s.deviceTokens[deviceToken] = deviceID
	s.devices[deviceID] = &trustedDevice{
		ID:         deviceID,
		Name:       deviceName,
		JoinedAt:   now,
		LastSeenAt: now,
	}
	s.bumpActivityLocked(now)
	r.tokenIndex[deviceToken] = s.id
	wsURL := s.relayWebSocketURL
	r.mu.Unlock()

	r.metrics.pairings.WithLabelValues("join", "accepted").Inc()
	internal.Logf(ctx, "pairing", "joined session %s device %s", internal.LogSafeID(body.SessionID), deviceID)
	logger.Info().Str("session", internal.LogSafeID(body.SessionID)).Str("device", deviceID).Msg("pair_join")

	r.respondJSON(w, req, http.StatusOK, pairJoinResponse{
		Accepted:           true,
		SessionID:          body.SessionID,
		DeviceID:           deviceID,
		DeviceSessionToken: deviceToken,
		WSURL:              wsURL,
	})
	return nil
}

func (r *Relay) handlePairRefresh(w http.ResponseWriter, req *http.Request) *internal.HandlerError {
	var body pairRefreshRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return internal.NewHandlerError(http.StatusBadRequest, "invalid_request", "invalid request body: %s", err)
	}
	if !wire.IsOpaqueToken(body.JoinToken, wire.MinTokenChars) {
		return internal.NewHandlerError(http.StatusBadRequest, "invalid_pair_refresh", "joinToken must be a high-entropy opaque identifier")
	}
	expiresAt, err := time.Parse(time.RFC3339, body.JoinTokenExpiresAt)
	now := r.clock()
	if err != nil || !expiresAt.After(now) {
		return internal.NewHandlerError(http.StatusBadRequest, "expired_join_token", "joinTokenExpiresAt must be in the future")
	}

	r.mu.Lock()
	s := r.sessions[body.SessionID]
	if s == nil {
		r.mu.Unlock()
		return internal.NewHandlerError(http.StatusNotFound, "session_not_found", "remote session not found")
	}
	if !pairing.ConstantTimeEquals(s.desktopSessionToken, body.DesktopSessionToken) {
		r.mu.Unlock()
		return internal.NewHandlerError(http.StatusForbidden, "invalid_desktop_token", "desktop session token is invalid")
	}
	// Full lease replacement: the previous token is dead and the used flag
	// resets, making the new token consumable exactly once.
	s.joinToken = body.JoinToken
	s.joinTokenExpiresAt = expiresAt
	s.joinTokenUsedAt = nil
	s.bumpActivityLocked(now)
	wsURL := s.relayWebSocketURL
	r.mu.Unlock()

	r.metrics.pairings.WithLabelValues("refresh", "accepted").Inc()
	logger.Info().Str("session", internal.LogSafeID(body.SessionID)).Msg("pair_refresh")
	r.respondJSON(w, req, http.StatusOK, pairStartResponse{
		Accepted:  true,
		SessionID: body.SessionID,
		WSURL:     wsURL,
	})
	return nil
}

func (r *Relay) handlePairStop(w http.ResponseWriter, req *http.Request) *internal.HandlerError {
	var body pairStopRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return internal.NewHandlerError(http.StatusBadRequest, "invalid_request", "invalid request body: %s", err)
	}

	r.mu.Lock()
	s := r.sessions[body.SessionID]
	if s == nil {
		r.mu.Unlock()
		return internal.NewHandlerError(http.StatusNotFound, "session_not_found", "remote session not found")
	}
	if !pairing.ConstantTimeEquals(s.desktopSessionToken, body.DesktopSessionToken) {
		r.mu.Unlock()
		return internal.NewHandlerError(http.StatusForbidden, "invalid_desktop_token", "desktop session token is invalid")
	}
	r.closeSessionLocked(s, wire.ReasonStoppedByDesktop)
	r.mu.Unlock()
	r.metrics.sessions.Set(float64(r.SessionCount()))

	r.respondJSON(w, req, http.StatusOK, acceptedResponse{Accepted: true, SessionID: body.SessionID})
	return nil
}

func (r *Relay) handleDevicesList(w http.ResponseWriter, req *http.Request) *internal.HandlerError {
	var body devicesListRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return internal.NewHandlerError(http.StatusBadRequest, "invalid_request", "invalid request body: %s", err)
	}

	r.mu.Lock()
	s := r.sessions[body.SessionID]
	if s == nil {
		r.mu.Unlock()
		return internal.NewHandlerError(http.StatusNotFound, "session_not_found", "remote session not found")
	}
	if !pairing.ConstantTimeEquals(s.desktopSessionToken, body.DesktopSessionToken) {
		r.mu.Unlock()
		return internal.NewHandlerError(http.StatusForbidden, "invalid_desktop_token", "desktop session token is invalid")
	}
	devices := make([]deviceSummary, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, deviceSummary{
			DeviceID:   d.ID,
			DeviceName: d.Name,
			Connected:  s.deviceConnected(d.ID),
			JoinedAt:   d.JoinedAt,
			LastSeenAt: d.LastSeenAt,
		})
	}
	s.bumpActivityLocked(r.clock())
	r.mu.Unlock()

	r.respondJSON(w, req, http.StatusOK, devicesListResponse{
		Accepted:  true,
		SessionID: body.SessionID,
		Devices:   devices,
	})
	return nil
}

func (r *Relay) handleDevicesRevoke(w http.ResponseWriter, req *http.Request) *internal.HandlerError {
	var body deviceRevokeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return internal.NewHandlerError(http.StatusBadRequest, "invalid_request", "invalid request body: %s", err)
	}

	r.mu.Lock()
	s := r.sessions[body.SessionID]
	if s == nil {
		r.mu.Unlock()
		return internal.NewHandlerError(http.StatusNotFound, "session_not_found", "remote session not found")
	}
	if !pairing.ConstantTimeEquals(s.desktopSessionToken, body.DesktopSessionToken) {
		r.mu.Unlock()
		return internal.NewHandlerError(http.StatusForbidden, "invalid_desktop_token", "desktop session token is invalid")
	}
	if _, ok := s.devices[body.DeviceID]; !ok {
		r.mu.Unlock()
		return internal.NewHandlerError(http.StatusNotFound, "device_not_found", "device not found in session roster")
	}

	for token, deviceID := range s.deviceTokens {
		if deviceID == body.DeviceID {
			delete(s.deviceTokens, token)
			delete(r.tokenIndex, token)
		}
	}
	for connID, c := range s.mobiles {
		if c.deviceID == body.DeviceID {
			c.shutdown(wire.ReasonDeviceRevoked)
			delete(s.mobiles, connID)
		}
	}
	delete(s.devices, body.DeviceID)
	s.bumpActivityLocked(r.clock())
	r.pushDeviceCountLocked(s)
	r.mu.Unlock()

	logger.Info().Str("session", internal.LogSafeID(body.SessionID)).Str("device", body.DeviceID).Msg("device_revoked")
	r.respondJSON(w, req, http.StatusOK, acceptedResponse{
		Accepted:  true,
		SessionID: body.SessionID,
		DeviceID:  body.DeviceID,
	})
	return nil
}

func (r *Relay) respondJSON(w http.ResponseWriter, req *http.Request, statusCode int, payload interface{}) {
	r.setCORSHeaders(w, req)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn().Err(err).Msg("failed to write response body")
	}
}

func (r *Relay) writeError(w http.ResponseWriter, req *http.Request, herr *internal.HandlerError) {
	if herr.StatusCode >= 500 {
		internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(herr)
		logger.Error().Err(herr.Err).Str("code", herr.Code).Msg("request failed")
	}
	r.setCORSHeaders(w, req)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

func (r *Relay) setCORSHeaders(w http.ResponseWriter, req *http.Request) {
	origin := req.Header.Get("Origin")
	if origin == "" || !r.originAllowed(origin) {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Access-Control-Max-Age", "300")
	h.Add("Vary", "Origin")
}

func clampIdleTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = 1800
	}
	if seconds < 60 {
		seconds = 60
	}
	if seconds > 86400 {
		seconds = 86400
	}
	return time.Duration(seconds) * time.Second
}

// clientAddr picks the rate-limit key for a request: the first hop of
// X-Forwarded-For when present, else the socket address.
func clientAddr(req *http.Request) string {
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// normalizeRelayWebSocketURL validates a desktop-supplied socket URL,
// defaulting the path to /ws and stripping query and fragment. Returns "" if
// the URL is unusable.
func normalizeRelayWebSocketURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := parseWSURL(raw)
	if err != nil {
		return ""
	}
	return parsed
}

func parseWSURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("relay: websocket URL must be ws or wss")
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/ws"
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}
