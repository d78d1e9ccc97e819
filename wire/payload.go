package wire

import (
	"encoding/json"
	"fmt"
)

// Payload type tags as they appear on the wire.
const (
	PayloadTypeHello    = "hello"
	PayloadTypeAuthOK   = "auth_ok"
	PayloadTypeSnapshot = "snapshot"
	PayloadTypeEvent    = "event"
	PayloadTypeCommand  = "command"
)

// Payload is the tagged union carried by an envelope. Exactly one member is
// non-nil. On the wire it is encoded as {"type": ..., "payload": ...}.
type Payload struct {
	Hello    *HelloPayload
	AuthOK   *AuthOKPayload
	Snapshot *SnapshotPayload
	Event    *EventPayload
	Command  *CommandPayload
}

// Type returns the wire tag for the populated member, or "" if empty.
func (p Payload) Type() string {
	switch {
	case p.Hello != nil:
		return PayloadTypeHello
	case p.AuthOK != nil:
		return PayloadTypeAuthOK
	case p.Snapshot != nil:
		return PayloadTypeSnapshot
	case p.Event != nil:
		return PayloadTypeEvent
	case p.Command != nil:
		return PayloadTypeCommand
	}
	return ""
}

type taggedPayload struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	var inner interface{}
	switch {
	case p.Hello != nil:
		inner = p.Hello
	case p.AuthOK != nil:
		inner = p.AuthOK
	case p.Snapshot != nil:
		inner = p.Snapshot
	case p.Event != nil:
		inner = p.Event
	case p.Command != nil:
		inner = p.Command
	default:
		return nil, fmt.Errorf("wire: empty payload")
	}
	raw, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedPayload{Type: p.Type(), Payload: raw})
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var tagged taggedPayload
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	*p = Payload{}
	switch tagged.Type {
	case PayloadTypeHello:
		p.Hello = &HelloPayload{}
		return json.Unmarshal(tagged.Payload, p.Hello)
	case PayloadTypeAuthOK:
		p.AuthOK = &AuthOKPayload{}
		return json.Unmarshal(tagged.Payload, p.AuthOK)
	case PayloadTypeSnapshot:
		p.Snapshot = &SnapshotPayload{}
		return json.Unmarshal(tagged.Payload, p.Snapshot)
	case PayloadTypeEvent:
		p.Event = &EventPayload{}
		return json.Unmarshal(tagged.Payload, p.Event)
	case PayloadTypeCommand:
		p.Command = &CommandPayload{}
		return json.Unmarshal(tagged.Payload, p.Command)
	}
	return fmt.Errorf("wire: unknown payload type %q", tagged.Type)
}
