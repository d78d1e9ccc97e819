package wire

import "github.com/tidwall/gjson"

// Control frames are bare JSON objects with a top-level "type" field. Unlike
// envelopes they carry no sequence number and are never forwarded verbatim by
// the relay to the opposite role (with the exception of relay.snapshot_request,
// which rides the normal mobile->desktop path).
const (
	ControlAuth            = "relay.auth"
	ControlAuthOK          = "auth_ok"
	ControlDisconnect      = "disconnect"
	ControlDeviceCount     = "relay.device_count"
	ControlSnapshotRequest = "relay.snapshot_request"
	ControlError           = "relay.error"
)

// AuthFrame is the first frame a client sends after the socket opens.
type AuthFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// AuthOKFrame is the relay's first frame on any accepted connection.
type AuthOKFrame struct {
	Type                 string   `json:"type"`
	Role                 PeerRole `json:"role"`
	SessionID            string   `json:"sessionID"`
	DeviceID             string   `json:"deviceID,omitempty"`
	ConnectedDeviceCount int      `json:"connectedDeviceCount"`
}

// DisconnectFrame announces why the relay is about to close a connection.
// Terminal reasons permanently disable client auto-reconnect.
type DisconnectFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Disconnect reasons the relay emits.
const (
	ReasonReplacedByNewPairStart = "replaced_by_new_pair_start"
	ReasonDesktopReconnected     = "desktop_reconnected"
	ReasonDeviceReconnected      = "device_reconnected"
	ReasonStoppedByDesktop       = "stopped_by_desktop"
	ReasonDeviceRevoked          = "device_revoked"
	ReasonIdleTimeout            = "idle_timeout"
	ReasonSessionExpired         = "session_expired"
	ReasonRetentionExpired       = "retention_expired"
)

type DeviceCountFrame struct {
	Type                 string `json:"type"`
	SessionID            string `json:"sessionID"`
	ConnectedDeviceCount int    `json:"connectedDeviceCount"`
}

// SnapshotRequestFrame asks the desktop for a full-state resync. LastSeq is
// the client's last accepted incoming sequence, nil if it has none.
type SnapshotRequestFrame struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionID"`
	Reason    string  `json:"reason"`
	LastSeq   *uint64 `json:"lastSeq,omitempty"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ControlType returns the top-level "type" of a raw frame, or "" if the frame
// is an envelope (or not an object). Envelopes keep their type tag nested
// under payload, so a top-level type uniquely identifies control traffic.
func ControlType(raw []byte) string {
	return gjson.GetBytes(raw, "type").Str
}
