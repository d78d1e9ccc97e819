package pubsub

import "time"

// The channel which has pairing lifecycle payloads
const ChanPairing = "pairingch"

// PairingListener receives every pairing lifecycle update the session broker
// publishes. Implementations are UI surfaces: they must not block.
type PairingListener interface {
	OnSessionStarted(p *SessionStarted)
	OnJoinTokenRefreshed(p *JoinTokenRefreshed)
	OnDeviceRosterChanged(p *DeviceRosterChanged)
	OnDeviceCountChanged(p *DeviceCountChanged)
	OnSessionStopped(p *SessionStopped)
}

type SessionStarted struct {
	SessionID          string
	JoinURL            string
	JoinTokenExpiresAt time.Time
}

func (s SessionStarted) Type() string { return "s" }

type JoinTokenRefreshed struct {
	SessionID          string
	JoinURL            string
	JoinTokenExpiresAt time.Time
}

func (j JoinTokenRefreshed) Type() string { return "j" }

type DeviceRosterChanged struct {
	SessionID   string
	DeviceCount int
}

func (d DeviceRosterChanged) Type() string { return "d" }

type DeviceCountChanged struct {
	SessionID      string
	ConnectedCount int
}

func (d DeviceCountChanged) Type() string { return "c" }

type SessionStopped struct {
	SessionID string
	Reason    string
}

func (s SessionStopped) Type() string { return "x" }

type PairingSub struct {
	listener Listener
	receiver PairingListener
}

func NewPairingSub(l Listener, recv PairingListener) *PairingSub {
	return &PairingSub{
		listener: l,
		receiver: recv,
	}
}

func (s *PairingSub) Teardown() {
	s.listener.Close()
}

func (s *PairingSub) onMessage(p Payload) {
	switch p.Type() {
	case SessionStarted{}.Type():
		s.receiver.OnSessionStarted(p.(*SessionStarted))
	case JoinTokenRefreshed{}.Type():
		s.receiver.OnJoinTokenRefreshed(p.(*JoinTokenRefreshed))
	case DeviceRosterChanged{}.Type():
		s.receiver.OnDeviceRosterChanged(p.(*DeviceRosterChanged))
	case DeviceCountChanged{}.Type():
		s.receiver.OnDeviceCountChanged(p.(*DeviceCountChanged))
	case SessionStopped{}.Type():
		s.receiver.OnSessionStopped(p.(*SessionStopped))
	}
}

func (s *PairingSub) Listen() error {
	return s.listener.Listen(ChanPairing, s.onMessage)
}
