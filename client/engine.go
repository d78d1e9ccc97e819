// Package client implements the remote-control side of a pairing session:
// parsing join links, redeeming join tokens against the relay, and keeping a
// synchronized view of the desktop over a reconnecting WebSocket with
// sequence-gap detection and full-state resync.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/tether-dev/tether/internal"
	"github.com/tether-dev/tether/pairing"
	"github.com/tether-dev/tether/wire"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ConnState is the engine's connection lifecycle state.
type ConnState string

const (
	StateDisconnected  ConnState = "disconnected"
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateAuthenticated ConnState = "authenticated"
)

// Resync reasons stamped on snapshot requests.
const (
	ResyncInitial = "initial_sync"
	ResyncGap     = "gap_detected"
	ResyncManual  = "manual_refresh"
	ResyncStale   = "stale_connection"
)

const (
	pairTimeout         = 60 * time.Second
	maxBackoff          = 15 * time.Second
	stalenessThreshold  = 45 * time.Second
	stalenessCheckEvery = 5 * time.Second
	snapshotRetryAfter  = 10 * time.Second
	frameWriteTimeout   = 10 * time.Second
)

var (
	ErrNoJoinLink            = fmt.Errorf("client: no join link adopted")
	ErrNotPaired             = fmt.Errorf("client: not paired")
	ErrNotConnected          = fmt.Errorf("client: not connected")
	ErrPairRequestInProgress = fmt.Errorf("client: a pairing request is already in flight")
	ErrPairTimedOut          = fmt.Errorf("client: pairing request timed out")
	ErrPairDenied            = fmt.Errorf("client: pairing request denied")
)

// Socket is the minimal connection surface the engine needs. The production
// implementation wraps a WebSocket; tests substitute an in-memory pipe.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// DialFunc opens a socket to the relay.
type DialFunc func(ctx context.Context, wsURL string) (Socket, error)

type wsSocket struct {
	ws *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	typ, data, err := s.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("client: unexpected %v frame", typ)
	}
	return data, nil
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.ws.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close(reason string) error {
	return s.ws.Close(websocket.StatusNormalClosure, reason)
}

func dialRelay(ctx context.Context, wsURL string) (Socket, error) {
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(1 << 20)
	return &wsSocket{ws: ws}, nil
}

// Config wires an Engine. Zero values get sensible defaults.
type Config struct {
	HTTPClient *http.Client
	Dial       DialFunc
	// StatePath, when set, persists pairing credentials across restarts.
	StatePath  string
	DeviceName string

	QueueMaxEntries int
	QueueMaxBytes   int

	Now func() time.Time
	// OnChange fires after any observable state change. Called from engine
	// goroutines; keep it cheap.
	OnChange func()
}

// Status is a point-in-time snapshot for status surfaces.
type Status struct {
	ConnState            ConnState
	Paired               bool
	SessionID            string
	DeviceID             string
	Stale                bool
	ReconnectDisabled    bool
	LastDisconnectReason string
	QueuedCommands       int
	StatusMessage        string
}

// Engine runs the client side of a session. All state is guarded by a single
// mutex; network callbacks and timers are the only things that mutate it
// concurrently, and none of its calls block the caller on the network except
// Pair, which has a hard timeout.
type Engine struct {
	httpClient *http.Client
	dial       DialFunc
	now        func() time.Time
	cfg        Config

	mu           sync.Mutex
	link         *pairing.JoinLink
	creds        *PairingState
	pairInFlight bool

	sock      Socket
	connState ConnState
	cancelRun context.CancelFunc
	// runGen invalidates the exit path of superseded run loops.
	runGen uint64

	incoming            wire.SequenceTracker
	nextOutgoingSeq     uint64
	queue               commandQueue
	awaitingSnapshot    bool
	pendingResyncReason string
	snapshotTimer       *time.Timer
	snapshotTimerGen    uint64

	reconnectAttempts    int
	reconnectDisabled    bool
	lastDisconnectReason string
	lastSyncedAt         time.Time
	stale                bool
	statusMessage        string

	state AppState
}

func New(cfg Config) *Engine {
	e := &Engine{
		httpClient: cfg.HTTPClient,
		dial:       cfg.Dial,
		now:        cfg.Now,
		cfg:        cfg,
		connState:  StateDisconnected,
		queue:      newCommandQueue(cfg.QueueMaxEntries, cfg.QueueMaxBytes),
		state:      newAppState(),
	}
	if e.httpClient == nil {
		e.httpClient = &http.Client{}
	}
	if e.dial == nil {
		e.dial = dialRelay
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.StatePath != "" {
		if st, err := loadPairingState(cfg.StatePath); err != nil {
			logger.Warn().Err(err).Msg("ignoring unreadable pairing state file")
		} else if st != nil {
			e.creds = st
		}
	}
	return e
}

// AdoptJoinLink parses a scanned or pasted join link. It accepts a full URL,
// a bare fragment or a bare query string.
func (e *Engine) AdoptJoinLink(raw string) error {
	link := pairing.ParseJoinLink(raw)
	if link == nil {
		return fmt.Errorf("client: not a valid join link")
	}
	e.mu.Lock()
	e.link = link
	e.mu.Unlock()
	return nil
}

// Pair redeems the adopted join link against the relay. The three terminal
// outcomes are surfaced as ErrPairRequestInProgress, ErrPairTimedOut and
// ErrPairDenied; none of them is retried automatically.
func (e *Engine) Pair(ctx context.Context) error {
	e.mu.Lock()
	if e.pairInFlight {
		e.mu.Unlock()
		return ErrPairRequestInProgress
	}
	if e.link == nil {
		e.mu.Unlock()
		return ErrNoJoinLink
	}
	link := *e.link
	e.pairInFlight = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.pairInFlight = false
		e.mu.Unlock()
	}()

	if link.RelayBaseURL == "" {
		return fmt.Errorf("client: join link carries no relay origin")
	}

	ctx, cancel := context.WithTimeout(ctx, pairTimeout)
	defer cancel()
	body, err := json.Marshal(map[string]string{
		"sessionID":  link.SessionID,
		"joinToken":  link.JoinToken,
		"deviceName": e.cfg.DeviceName,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", link.RelayBaseURL+"/pair/join", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("client: build pair request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrPairTimedOut
		}
		return fmt.Errorf("client: pair request failed: %w", err)
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("client: read pair response: %w", err)
	}
	parsed := gjson.ParseBytes(resBody)
	if res.StatusCode != 200 {
		return fmt.Errorf("%w: %s (%s)", ErrPairDenied, parsed.Get("message").Str, parsed.Get("error").Str)
	}

	creds := &PairingState{
		SessionID:          parsed.Get("sessionID").Str,
		DeviceID:           parsed.Get("deviceID").Str,
		DeviceSessionToken: parsed.Get("deviceSessionToken").Str,
		WSURL:              parsed.Get("wsURL").Str,
		RelayBaseURL:       link.RelayBaseURL,
		PairedAt:           e.now(),
	}
	if creds.SessionID == "" || creds.DeviceSessionToken == "" || creds.WSURL == "" {
		return fmt.Errorf("client: pair response is missing credentials")
	}

	e.mu.Lock()
	e.creds = creds
	e.reconnectDisabled = false
	e.reconnectAttempts = 0
	e.lastDisconnectReason = ""
	e.incoming.Clear()
	e.nextOutgoingSeq = 0
	e.state = newAppState()
	e.stale = false
	e.statusMessage = ""
	e.mu.Unlock()

	if e.cfg.StatePath != "" {
		if err := savePairingState(e.cfg.StatePath, creds); err != nil {
			logger.Warn().Err(err).Msg("failed to persist pairing state")
		}
	}
	logger.Info().Str("session", internal.LogSafeID(creds.SessionID)).Str("device", creds.DeviceID).Msg("paired")
	e.notify()
	return nil
}

// Connect starts the connection loop. It returns immediately; connection
// progress is observable through Status and OnChange.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.creds == nil {
		e.mu.Unlock()
		return ErrNotPaired
	}
	if e.cancelRun != nil {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelRun = cancel
	e.runGen++
	gen := e.runGen
	e.mu.Unlock()
	go e.run(runCtx, gen)
	return nil
}

// Close stops the connection loop and closes any live socket.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancelRun
	e.cancelRun = nil
	sock := e.sock
	e.stopSnapshotTimerLocked()
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sock != nil {
		sock.Close("client closed")
	}
}

func (e *Engine) run(ctx context.Context, gen uint64) {
	go e.watchStaleness(ctx)
	for {
		e.mu.Lock()
		if ctx.Err() != nil || e.reconnectDisabled || e.creds == nil {
			// Only the current run loop may clear the cancel handle and
			// state; a superseded loop draining out must not touch its
			// successor's.
			if e.runGen == gen {
				e.connState = StateDisconnected
				e.cancelRun = nil
			}
			e.mu.Unlock()
			e.notify()
			return
		}
		attempts := e.reconnectAttempts
		creds := *e.creds
		e.connState = StateConnecting
		e.mu.Unlock()
		e.notify()

		if attempts > 0 {
			select {
			case <-time.After(backoffDelay(attempts)):
			case <-ctx.Done():
				continue
			}
		}

		sock, err := e.dial(ctx, creds.WSURL+"?token="+creds.DeviceSessionToken)
		if err != nil {
			logger.Warn().Err(err).Int("attempts", attempts).Msg("dial failed")
			e.mu.Lock()
			e.reconnectAttempts++
			e.mu.Unlock()
			continue
		}

		e.mu.Lock()
		e.sock = sock
		e.connState = StateConnected
		e.mu.Unlock()
		e.notify()

		e.writeJSON(ctx, wire.AuthFrame{Type: wire.ControlAuth, Token: creds.DeviceSessionToken})
		e.readLoop(ctx, sock, creds.SessionID)

		e.mu.Lock()
		e.sock = nil
		e.connState = StateDisconnected
		e.awaitingSnapshot = false
		e.stopSnapshotTimerLocked()
		e.reconnectAttempts++
		e.mu.Unlock()
		e.notify()
	}
}

// backoffDelay is min(15s, 1s * 2^attempts).
func backoffDelay(attempts int) time.Duration {
	if attempts >= 4 {
		return maxBackoff
	}
	d := time.Second * time.Duration(1<<uint(attempts))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (e *Engine) readLoop(ctx context.Context, sock Socket, sessionID string) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			return
		}
		if e.handleFrame(ctx, data, sessionID) {
			sock.Close("disconnected by relay")
			return
		}
	}
}

// handleFrame processes one inbound frame. It returns true when the
// connection must be torn down.
func (e *Engine) handleFrame(ctx context.Context, data []byte, sessionID string) bool {
	switch wire.ControlType(data) {
	case wire.ControlAuthOK:
		e.onAuthOK(ctx)
		return false
	case wire.ControlDisconnect:
		e.onDisconnect(gjson.GetBytes(data, "reason").Str)
		return true
	case wire.ControlError:
		e.mu.Lock()
		e.statusMessage = gjson.GetBytes(data, "message").Str
		e.mu.Unlock()
		e.notify()
		return false
	case "":
		e.handleEnvelope(ctx, data, sessionID)
		return false
	default:
		// Unknown control traffic from a newer relay is ignored.
		return false
	}
}

// onAuthOK flushes the offline queue and requests a full-state resync using
// any pending reason.
func (e *Engine) onAuthOK(ctx context.Context) {
	e.mu.Lock()
	e.connState = StateAuthenticated
	e.reconnectAttempts = 0
	e.lastSyncedAt = e.now()
	e.stale = false
	frames := e.queue.drain()
	reason := e.pendingResyncReason
	if reason == "" {
		reason = ResyncInitial
	}
	e.pendingResyncReason = ""
	frame := e.snapshotRequestLocked(reason)
	e.mu.Unlock()

	for _, f := range frames {
		e.writeRaw(ctx, f)
	}
	e.writeRaw(ctx, frame)
	e.notify()
}

// onDisconnect records the relay's reason. Terminal reasons permanently
// disable auto-reconnect and clear pairing credentials: the only way back is
// a fresh pairing flow.
func (e *Engine) onDisconnect(reason string) {
	e.mu.Lock()
	e.lastDisconnectReason = reason
	terminal := isTerminalReason(reason)
	if terminal {
		e.reconnectDisabled = true
		e.creds = nil
		e.incoming.Clear()
		e.queue.drain()
	}
	e.mu.Unlock()

	if terminal && e.cfg.StatePath != "" {
		if err := clearPairingState(e.cfg.StatePath); err != nil {
			logger.Warn().Err(err).Msg("failed to clear pairing state")
		}
	}
	logger.Info().Str("reason", reason).Bool("terminal", terminal).Msg("relay disconnect")
	e.notify()
}

func isTerminalReason(reason string) bool {
	switch reason {
	case wire.ReasonReplacedByNewPairStart,
		wire.ReasonStoppedByDesktop,
		wire.ReasonDeviceRevoked,
		wire.ReasonIdleTimeout,
		wire.ReasonSessionExpired,
		wire.ReasonRetentionExpired:
		return true
	}
	return false
}

// handleEnvelope applies the sequence rules to a desktop message.
func (e *Engine) handleEnvelope(ctx context.Context, data []byte, sessionID string) {
	parsed := gjson.ParseBytes(data)
	if parsed.Get("schemaVersion").Int() != wire.SchemaVersion {
		return
	}
	if parsed.Get("sessionID").Str != sessionID {
		return
	}
	payloadRaw := parsed.Get("payload").Raw
	if payloadRaw == "" {
		return
	}
	var payload wire.Payload
	if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
		logger.Warn().Err(err).Msg("dropping undecodable payload")
		return
	}
	seq := parsed.Get("seq")

	// A snapshot is a complete resynchronization: it always applies, clears
	// any gap episode and adopts its own sequence as the new baseline.
	if payload.Snapshot != nil {
		e.mu.Lock()
		e.state.applySnapshot(payload.Snapshot)
		if seq.Type == gjson.Number {
			e.incoming.Reset(seq.Uint())
		}
		e.awaitingSnapshot = false
		e.stopSnapshotTimerLocked()
		e.lastSyncedAt = e.now()
		e.stale = false
		e.mu.Unlock()
		e.notify()
		return
	}

	if seq.Type != gjson.Number {
		// Unsequenced control traffic: accepted without moving the baseline.
		e.applyPayload(&payload)
		return
	}

	e.mu.Lock()
	result, _ := e.incoming.Ingest(seq.Uint())
	switch result {
	case wire.SequenceStale:
		e.mu.Unlock()
		return
	case wire.SequenceGap:
		// One resync per gap episode; the flag suppresses duplicates until
		// a snapshot arrives. The gapped delta itself is not applied.
		if e.awaitingSnapshot {
			e.mu.Unlock()
			return
		}
		frame := e.snapshotRequestLocked(ResyncGap)
		e.mu.Unlock()
		e.writeRaw(ctx, frame)
		return
	}
	e.lastSyncedAt = e.now()
	e.stale = false
	e.mu.Unlock()

	e.applyPayload(&payload)
}

func (e *Engine) applyPayload(payload *wire.Payload) {
	if payload.Event == nil {
		return
	}
	e.mu.Lock()
	e.state.applyEvent(payload.Event)
	e.mu.Unlock()
	e.notify()
}

// snapshotRequestLocked marks a resync as awaited, arms the retry timer and
// returns the encoded request frame. Callers hold e.mu.
func (e *Engine) snapshotRequestLocked(reason string) []byte {
	e.awaitingSnapshot = true
	e.armSnapshotTimerLocked(reason)
	req := wire.SnapshotRequestFrame{
		Type:   wire.ControlSnapshotRequest,
		Reason: reason,
	}
	if e.creds != nil {
		req.SessionID = e.creds.SessionID
	}
	if last, ok := e.incoming.LastSeen(); ok {
		req.LastSeq = &last
	}
	frame, _ := json.Marshal(req)
	return frame
}

// armSnapshotTimerLocked schedules a single retry: if the awaited snapshot
// has not arrived after the deadline, the request is sent again and the
// timer re-armed. Callers hold e.mu.
func (e *Engine) armSnapshotTimerLocked(reason string) {
	e.stopSnapshotTimerLocked()
	e.snapshotTimerGen++
	gen := e.snapshotTimerGen
	e.snapshotTimer = time.AfterFunc(snapshotRetryAfter, func() {
		e.mu.Lock()
		if e.snapshotTimerGen != gen || !e.awaitingSnapshot || e.connState != StateAuthenticated {
			e.mu.Unlock()
			return
		}
		frame := e.snapshotRequestLocked(reason)
		e.mu.Unlock()
		e.writeRaw(context.Background(), frame)
	})
}

func (e *Engine) stopSnapshotTimerLocked() {
	if e.snapshotTimer != nil {
		e.snapshotTimer.Stop()
		e.snapshotTimer = nil
	}
	e.snapshotTimerGen++
}

// SendCommand sends a command envelope with the next outgoing sequence. When
// disconnected, only send-message and approval-response commands buffer;
// everything else fails with ErrNotConnected.
func (e *Engine) SendCommand(ctx context.Context, cmd wire.CommandPayload) error {
	e.mu.Lock()
	if e.creds == nil {
		e.mu.Unlock()
		return ErrNotPaired
	}
	e.nextOutgoingSeq++
	env := wire.NewEnvelope(e.creds.SessionID, e.nextOutgoingSeq, wire.Payload{Command: &cmd})
	frame, err := json.Marshal(env)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("client: encode command: %w", err)
	}
	if e.connState == StateAuthenticated && e.sock != nil {
		sock := e.sock
		e.mu.Unlock()
		return e.write(ctx, sock, frame)
	}
	if !queueable(cmd.Name) {
		e.mu.Unlock()
		return ErrNotConnected
	}
	err = e.queue.push(cmd.Name, frame)
	e.mu.Unlock()
	e.notify()
	return err
}

// SelectThread tells the desktop to switch threads and clears the local
// unread marker.
func (e *Engine) SelectThread(ctx context.Context, threadID string) error {
	e.mu.Lock()
	e.state.SelectedThreadID = threadID
	e.state.markRead(threadID)
	e.mu.Unlock()
	e.notify()
	return e.SendCommand(ctx, wire.CommandPayload{Name: wire.CommandSelectThread, ThreadID: &threadID})
}

// RequestResync asks the desktop for a fresh snapshot. When offline, the
// reason is remembered and used on the next successful authentication.
func (e *Engine) RequestResync(ctx context.Context, reason string) {
	if reason == "" {
		reason = ResyncManual
	}
	e.mu.Lock()
	if e.connState != StateAuthenticated || e.sock == nil {
		e.pendingResyncReason = reason
		e.mu.Unlock()
		return
	}
	// A manual request bypasses the gap-episode suppression.
	frame := e.snapshotRequestLocked(reason)
	e.mu.Unlock()
	e.writeRaw(ctx, frame)
}

// watchStaleness flags the connection stale when authenticated traffic stops
// flowing, without disconnecting. A resync clears it.
func (e *Engine) watchStaleness(ctx context.Context) {
	ticker := time.NewTicker(stalenessCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		e.mu.Lock()
		wasStale := e.stale
		if e.connState == StateAuthenticated && e.now().Sub(e.lastSyncedAt) > stalenessThreshold {
			e.stale = true
			e.statusMessage = "connection looks stale, pull to refresh"
		}
		changed := e.stale != wasStale
		e.mu.Unlock()
		if changed {
			e.notify()
		}
	}
}

// Status returns a point-in-time snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		ConnState:            e.connState,
		Paired:               e.creds != nil,
		Stale:                e.stale,
		ReconnectDisabled:    e.reconnectDisabled,
		LastDisconnectReason: e.lastDisconnectReason,
		QueuedCommands:       e.queue.size(),
		StatusMessage:        e.statusMessage,
	}
	if e.creds != nil {
		st.SessionID = e.creds.SessionID
		st.DeviceID = e.creds.DeviceID
	}
	return st
}

// State returns a copy of the synchronized application state.
func (e *Engine) State() AppState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.state
	out.Projects = append([]wire.ProjectSnapshot(nil), e.state.Projects...)
	out.Threads = append([]Thread(nil), e.state.Threads...)
	out.PendingApprovals = append([]wire.ApprovalSnapshot(nil), e.state.PendingApprovals...)
	out.Messages = make(map[string][]wire.MessageSnapshot, len(e.state.Messages))
	for threadID, buf := range e.state.Messages {
		out.Messages[threadID] = append([]wire.MessageSnapshot(nil), buf...)
	}
	return out
}

func (e *Engine) writeJSON(ctx context.Context, v interface{}) {
	frame, err := json.Marshal(v)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal frame")
		return
	}
	e.writeRaw(ctx, frame)
}

func (e *Engine) writeRaw(ctx context.Context, frame []byte) {
	e.mu.Lock()
	sock := e.sock
	e.mu.Unlock()
	if sock == nil {
		return
	}
	if err := e.write(ctx, sock, frame); err != nil {
		logger.Warn().Err(err).Msg("frame write failed")
	}
}

func (e *Engine) write(ctx context.Context, sock Socket, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, frameWriteTimeout)
	defer cancel()
	return sock.Write(wctx, frame)
}

func (e *Engine) notify() {
	if e.cfg.OnChange != nil {
		e.cfg.OnChange()
	}
}
