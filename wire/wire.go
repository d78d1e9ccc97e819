// Package wire defines the envelope format spoken between the desktop, the
// relay and remote clients, along with the control frames the relay itself
// emits. Envelope payloads are forwarded opaquely by the relay; only the
// endpoints interpret them.
package wire

import "time"

// SchemaVersion is the wire format version stamped on every envelope.
// Receivers ignore envelopes with a different version.
const SchemaVersion = 1

// PeerRole identifies which side of a session a connection belongs to.
type PeerRole string

const (
	RoleDesktop PeerRole = "desktop"
	RoleMobile  PeerRole = "mobile"
)

// Command names understood by the desktop. The relay never interprets these.
const (
	CommandSendMessage     = "thread.send_message"
	CommandSelectThread    = "thread.select"
	CommandSelectProject   = "project.select"
	CommandRespondApproval = "approval.respond"
)

// Envelope is the common wrapper for all session traffic. Seq is assigned
// independently by each sender; each receiver tracks the last accepted seq
// per peer.
type Envelope struct {
	SchemaVersion int       `json:"schemaVersion"`
	SessionID     string    `json:"sessionID"`
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       Payload   `json:"payload"`
}

// NewEnvelope stamps the current schema version onto an envelope.
func NewEnvelope(sessionID string, seq uint64, payload Payload) Envelope {
	return Envelope{
		SchemaVersion: SchemaVersion,
		SessionID:     sessionID,
		Seq:           seq,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

type HelloPayload struct {
	Role              PeerRole `json:"role"`
	ClientName        string   `json:"clientName"`
	SupportsApprovals bool     `json:"supportsApprovals"`
}

type AuthOKPayload struct {
	ConnectionID       string   `json:"connectionID"`
	Role               PeerRole `json:"role"`
	CanApproveRemotely bool     `json:"canApproveRemotely"`
}

type ProjectSnapshot struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ThreadSnapshot struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectID"`
	Title     string `json:"title"`
	IsPinned  bool   `json:"isPinned"`
}

type MessageSnapshot struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadID"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type TurnStateSnapshot struct {
	ThreadID           string `json:"threadID"`
	IsTurnInProgress   bool   `json:"isTurnInProgress"`
	IsAwaitingApproval bool   `json:"isAwaitingApproval"`
}

type ApprovalSnapshot struct {
	RequestID string  `json:"requestID"`
	ThreadID  *string `json:"threadID"`
	Summary   string  `json:"summary"`
}

// SnapshotPayload is a full-state resync: receivers replace, not merge,
// everything it carries (except per-thread message buffers, which are merged
// by the client with a recency cap).
type SnapshotPayload struct {
	Projects          []ProjectSnapshot  `json:"projects"`
	Threads           []ThreadSnapshot   `json:"threads"`
	SelectedProjectID *string            `json:"selectedProjectID"`
	SelectedThreadID  *string            `json:"selectedThreadID"`
	Messages          []MessageSnapshot  `json:"messages"`
	TurnState         *TurnStateSnapshot `json:"turnState"`
	PendingApprovals  []ApprovalSnapshot `json:"pendingApprovals"`
}

// EventPayload carries an incremental update. Name is an application-level
// event name which this layer forwards without interpreting.
type EventPayload struct {
	Name      string     `json:"name"`
	ThreadID  *string    `json:"threadID,omitempty"`
	Body      *string    `json:"body,omitempty"`
	MessageID *string    `json:"messageID,omitempty"`
	Role      *string    `json:"role,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

type CommandPayload struct {
	Name              string  `json:"name"`
	ThreadID          *string `json:"threadID,omitempty"`
	ProjectID         *string `json:"projectID,omitempty"`
	Text              *string `json:"text,omitempty"`
	ApprovalRequestID *string `json:"approvalRequestID,omitempty"`
	ApprovalDecision  *string `json:"approvalDecision,omitempty"`
}

// Names of the application events the client reacts to. Anything else is
// surfaced as opaque status only.
const (
	EventMessageAppend     = "thread.message.append"
	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
	EventTurnStatusUpdate  = "turn.status.update"
)
