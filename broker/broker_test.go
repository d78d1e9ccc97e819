package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tether-dev/tether/pairing"
	"github.com/tether-dev/tether/pubsub"
)

type fakeRegistrar struct {
	mu       sync.Mutex
	started  []StartRequest
	refreshs []RefreshRequest
	stopped  []string
	revoked  []string
	devices  []Device

	failStart   error
	failRefresh error
}

func (f *fakeRegistrar) StartPairing(ctx context.Context, req StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart != nil {
		return "", f.failStart
	}
	f.started = append(f.started, req)
	return "wss://relay.test/ws", nil
}

func (f *fakeRegistrar) RefreshPairing(ctx context.Context, req RefreshRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRefresh != nil {
		return f.failRefresh
	}
	f.refreshs = append(f.refreshs, req)
	return nil
}

func (f *fakeRegistrar) StopPairing(ctx context.Context, sessionID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, sessionID)
	return nil
}

func (f *fakeRegistrar) ListDevices(ctx context.Context, sessionID, token string) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Device(nil), f.devices...), nil
}

func (f *fakeRegistrar) RevokeDevice(ctx context.Context, sessionID, token, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, deviceID)
	return nil
}

func (f *fakeRegistrar) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

func newTestBroker(reg *fakeRegistrar, policy pairing.SecurityPolicy, onStopped func(string)) *SessionBroker {
	return New(Config{
		Registrar:         reg,
		JoinBaseURL:       "https://app.test/join",
		RelayWebSocketURL: "wss://relay.test/ws",
		Policy:            policy,
		OnStopped:         onStopped,
	})
}

func TestStartSessionAdoptsOnlyOnAccept(t *testing.T) {
	reg := &fakeRegistrar{failStart: errors.New("boom")}
	b := newTestBroker(reg, pairing.SecurityPolicy{}, nil)

	if _, err := b.StartSession(context.Background()); err == nil {
		t.Fatalf("expected the relay rejection to surface")
	}
	if st := b.Status(); st.Phase != PhaseDisconnected || st.SessionID != "" {
		t.Fatalf("rejected start must not be partially applied: %+v", st)
	}

	reg.failStart = nil
	desc, err := b.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession: %s", err)
	}
	if desc.SessionID == "" || desc.JoinURL == "" {
		t.Fatalf("descriptor incomplete: %+v", desc)
	}
	st := b.Status()
	if st.Phase != PhaseActive || st.SessionID != desc.SessionID {
		t.Errorf("status after start: %+v", st)
	}
	if len(reg.started) != 1 {
		t.Fatalf("start calls: got %d want 1", len(reg.started))
	}
	req := reg.started[0]
	if req.SessionID != desc.SessionID || req.JoinToken != desc.JoinTokenLease.Token {
		t.Errorf("start request does not match the minted descriptor")
	}
	if req.IdleTimeoutSeconds != int(desc.IdleTimeout/time.Second) {
		t.Errorf("idle timeout seconds: got %d", req.IdleTimeoutSeconds)
	}
}

func TestStartSessionReplacesPrevious(t *testing.T) {
	reg := &fakeRegistrar{}
	b := newTestBroker(reg, pairing.SecurityPolicy{}, nil)

	first, err := b.StartSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.StartSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionID == second.SessionID {
		t.Errorf("a new start must mint a new session")
	}
	deadline := time.Now().Add(time.Second)
	for reg.stopCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.stopCount() != 1 {
		t.Errorf("previous session should have been stopped on the relay")
	}
}

func TestRefreshJoinTokenReplacesLease(t *testing.T) {
	reg := &fakeRegistrar{}
	b := newTestBroker(reg, pairing.SecurityPolicy{}, nil)

	if _, err := b.RefreshJoinToken(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("refresh without a session: got %v", err)
	}

	desc, err := b.StartSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	oldToken := desc.JoinTokenLease.Token

	// consume the current lease, then refresh: the replacement is fresh
	if err := b.ConsumeJoinToken(oldToken, time.Now().UTC()); err != nil {
		t.Fatalf("ConsumeJoinToken: %s", err)
	}
	lease, err := b.RefreshJoinToken(context.Background())
	if err != nil {
		t.Fatalf("RefreshJoinToken: %s", err)
	}
	if lease.Token == oldToken {
		t.Errorf("refresh must mint a brand-new token")
	}
	if lease.UsedAt != nil {
		t.Errorf("fresh lease must be unused")
	}
	if err := b.ConsumeJoinToken(lease.Token, time.Now().UTC()); err != nil {
		t.Errorf("fresh lease should be consumable: %s", err)
	}

	st := b.Status()
	if !st.JoinTokenUsed {
		t.Errorf("status should reflect consumption")
	}
	if len(reg.refreshs) != 1 || reg.refreshs[0].JoinToken != lease.Token {
		t.Errorf("relay was not told about the new lease")
	}
}

func TestConsumeJoinTokenSingleUse(t *testing.T) {
	reg := &fakeRegistrar{}
	b := newTestBroker(reg, pairing.SecurityPolicy{}, nil)
	desc, err := b.StartSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	token := desc.JoinTokenLease.Token

	if err := b.ConsumeJoinToken("wrong-token", now); err == nil {
		t.Errorf("mismatched token must not consume the lease")
	}
	if err := b.ConsumeJoinToken(token, now); err != nil {
		t.Fatalf("first consume: %s", err)
	}
	if err := b.ConsumeJoinToken(token, now); err == nil {
		t.Errorf("second consume must fail")
	}
}

func TestConsumeJoinTokenExpired(t *testing.T) {
	reg := &fakeRegistrar{}
	b := newTestBroker(reg, pairing.SecurityPolicy{JoinTokenTTL: 10 * time.Second}, nil)
	desc, err := b.StartSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	late := desc.JoinTokenLease.ExpiresAt.Add(time.Second)
	if err := b.ConsumeJoinToken(desc.JoinTokenLease.Token, late); err == nil {
		t.Errorf("expired lease must not be consumable")
	}
}

func TestIdleTimeoutStopsSession(t *testing.T) {
	reg := &fakeRegistrar{}
	stopped := make(chan string, 1)
	b := newTestBroker(reg, pairing.SecurityPolicy{}, func(reason string) { stopped <- reason })
	if _, err := b.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}

	// drive the timer directly rather than waiting a real timeout
	b.mu.Lock()
	b.rescheduleIdleLocked(10 * time.Millisecond)
	b.mu.Unlock()

	select {
	case reason := <-stopped:
		if reason != StopReasonIdleTimeout {
			t.Errorf("stop reason: got %q want %q", reason, StopReasonIdleTimeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("idle timer never fired")
	}
	if st := b.Status(); st.Phase != PhaseDisconnected {
		t.Errorf("session should be disconnected after idle timeout")
	}
}

func TestActivityReschedulesIdleTimer(t *testing.T) {
	reg := &fakeRegistrar{}
	stopped := make(chan string, 1)
	b := newTestBroker(reg, pairing.SecurityPolicy{}, func(reason string) { stopped <- reason })
	if _, err := b.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}

	b.mu.Lock()
	b.rescheduleIdleLocked(50 * time.Millisecond)
	b.mu.Unlock()
	// activity before the deadline replaces the timer with a long one
	time.Sleep(20 * time.Millisecond)
	b.NoteActivity()

	select {
	case <-stopped:
		t.Fatalf("rescheduled timer fired with the old deadline")
	case <-time.After(200 * time.Millisecond):
	}
	if st := b.Status(); st.Phase != PhaseActive {
		t.Errorf("session should still be active")
	}
}

func TestStopSessionClearsStateUnconditionally(t *testing.T) {
	reg := &fakeRegistrar{}
	b := newTestBroker(reg, pairing.SecurityPolicy{}, nil)
	if _, err := b.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}

	b.StopSession(context.Background(), StopReasonUser)
	st := b.Status()
	if st.Phase != PhaseDisconnected || st.SessionID != "" || len(st.Devices) != 0 {
		t.Errorf("stop must clear everything: %+v", st)
	}
	// stopping again is a no-op
	b.StopSession(context.Background(), StopReasonUser)
	deadline := time.Now().Add(time.Second)
	for reg.stopCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.stopCount() != 1 {
		t.Errorf("relay stop calls: got %d want 1", reg.stopCount())
	}
}

func TestRefreshTrustedDevices(t *testing.T) {
	reg := &fakeRegistrar{devices: []Device{
		{DeviceID: "d1", DeviceName: "Phone", Connected: true},
		{DeviceID: "d2", DeviceName: "Tablet"},
	}}
	b := newTestBroker(reg, pairing.SecurityPolicy{}, nil)
	if _, err := b.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}

	devices, err := b.RefreshTrustedDevices(context.Background())
	if err != nil {
		t.Fatalf("RefreshTrustedDevices: %s", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if st := b.Status(); len(st.Devices) != 2 {
		t.Errorf("status should carry the cached roster")
	}

	reg.mu.Lock()
	reg.devices = reg.devices[:1]
	reg.mu.Unlock()
	if err := b.RevokeTrustedDevice(context.Background(), "d2"); err != nil {
		t.Fatalf("RevokeTrustedDevice: %s", err)
	}
	if len(reg.revoked) != 1 || reg.revoked[0] != "d2" {
		t.Errorf("revoke was not forwarded to the relay")
	}
	if st := b.Status(); len(st.Devices) != 1 {
		t.Errorf("roster should be refreshed after revoke: %+v", st.Devices)
	}
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingListener) record(kind string) {
	r.mu.Lock()
	r.events = append(r.events, kind)
	r.mu.Unlock()
}

func (r *recordingListener) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingListener) OnSessionStarted(p *pubsub.SessionStarted)           { r.record("started") }
func (r *recordingListener) OnJoinTokenRefreshed(p *pubsub.JoinTokenRefreshed)   { r.record("refreshed") }
func (r *recordingListener) OnDeviceRosterChanged(p *pubsub.DeviceRosterChanged) { r.record("roster") }
func (r *recordingListener) OnDeviceCountChanged(p *pubsub.DeviceCountChanged)   { r.record("count") }
func (r *recordingListener) OnSessionStopped(p *pubsub.SessionStopped)           { r.record("stopped") }

func waitForEvents(t *testing.T, rec *recordingListener, want []string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := rec.snapshot()
		if len(got) >= len(want) {
			for i, kind := range want {
				if got[i] != kind {
					t.Fatalf("event order: got %v want %v", got, want)
				}
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v, got %v", want, rec.snapshot())
}

func TestBrokerPublishesLifecycleUpdates(t *testing.T) {
	bus := pubsub.NewPubSub(16)
	rec := &recordingListener{}
	sub := pubsub.NewPairingSub(bus, rec)
	go sub.Listen()
	defer sub.Teardown()

	reg := &fakeRegistrar{devices: []Device{{DeviceID: "d1", DeviceName: "Phone"}}}
	b := New(Config{
		Registrar:         reg,
		JoinBaseURL:       "https://app.test/join",
		RelayWebSocketURL: "wss://relay.test/ws",
		Updates:           bus,
		EnablePrometheus:  true,
	})

	if _, err := b.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %s", err)
	}
	if _, err := b.RefreshJoinToken(context.Background()); err != nil {
		t.Fatalf("RefreshJoinToken: %s", err)
	}
	if _, err := b.RefreshTrustedDevices(context.Background()); err != nil {
		t.Fatalf("RefreshTrustedDevices: %s", err)
	}
	b.UpdateConnectedDeviceCount(1)
	b.StopSession(context.Background(), StopReasonUser)

	waitForEvents(t, rec, []string{"started", "refreshed", "roster", "count", "stopped"})
}
