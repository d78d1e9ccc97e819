package client

import (
	"hash/fnv"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/tether-dev/tether/wire"
)

// maxMessagesPerThread caps each thread's message buffer at the most recent
// entries after a snapshot merge.
const maxMessagesPerThread = 240

// Thread is a thread as the client renders it: the snapshot fields plus a
// locally tracked unread marker.
type Thread struct {
	ID        string
	ProjectID string
	Title     string
	IsPinned  bool
	Unread    bool
}

// AppState is the client's view of the desktop. Snapshots replace the lists
// wholesale; only per-thread message buffers are merged.
type AppState struct {
	Projects          []wire.ProjectSnapshot
	Threads           []Thread
	SelectedProjectID string
	SelectedThreadID  string
	Messages          map[string][]wire.MessageSnapshot
	TurnState         *wire.TurnStateSnapshot
	PendingApprovals  []wire.ApprovalSnapshot
}

func newAppState() AppState {
	return AppState{Messages: make(map[string][]wire.MessageSnapshot)}
}

// applySnapshot replaces project/thread/approval state with the snapshot's
// and merges message buffers. A thread whose merged buffer changed content
// is marked unread unless it is the selected thread.
func (s *AppState) applySnapshot(snap *wire.SnapshotPayload) {
	prevUnread := make(map[string]bool, len(s.Threads))
	for _, t := range s.Threads {
		prevUnread[t.ID] = t.Unread
	}
	prevSig := make(map[string]uint64, len(s.Messages))
	for threadID, buf := range s.Messages {
		prevSig[threadID] = messageSignature(buf)
	}

	s.Projects = append([]wire.ProjectSnapshot(nil), snap.Projects...)
	s.PendingApprovals = append([]wire.ApprovalSnapshot(nil), snap.PendingApprovals...)
	s.TurnState = snap.TurnState

	incoming := make(map[string][]wire.MessageSnapshot)
	for _, m := range snap.Messages {
		incoming[m.ThreadID] = append(incoming[m.ThreadID], m)
	}
	merged := make(map[string][]wire.MessageSnapshot, len(incoming))
	threadIDs := make(map[string]bool, len(snap.Threads))
	for _, t := range snap.Threads {
		threadIDs[t.ID] = true
	}
	for threadID := range incoming {
		merged[threadID] = mergeMessages(s.Messages[threadID], incoming[threadID])
	}
	// keep buffers for threads the snapshot still lists but sent no
	// messages for
	for threadID, buf := range s.Messages {
		if _, ok := merged[threadID]; !ok && threadIDs[threadID] {
			merged[threadID] = buf
		}
	}
	s.Messages = merged

	// Selection is re-validated before unread marking so the selected
	// thread never shows as unread.
	s.SelectedProjectID = validateSelection(s.SelectedProjectID, snap.SelectedProjectID, func(id string) bool {
		for _, p := range snap.Projects {
			if p.ID == id {
				return true
			}
		}
		return false
	})
	s.SelectedThreadID = validateSelection(s.SelectedThreadID, snap.SelectedThreadID, func(id string) bool {
		return threadIDs[id]
	})

	s.Threads = s.Threads[:0]
	for _, t := range snap.Threads {
		unread := prevUnread[t.ID]
		if sig := messageSignature(s.Messages[t.ID]); sig != prevSig[t.ID] && t.ID != s.SelectedThreadID {
			unread = true
		}
		s.Threads = append(s.Threads, Thread{
			ID:        t.ID,
			ProjectID: t.ProjectID,
			Title:     t.Title,
			IsPinned:  t.IsPinned,
			Unread:    unread,
		})
	}
}

// applyEvent folds an incremental event into the state. Unknown event names
// are ignored.
func (s *AppState) applyEvent(ev *wire.EventPayload) {
	switch ev.Name {
	case wire.EventMessageAppend:
		if ev.ThreadID == nil || ev.MessageID == nil {
			return
		}
		msg := wire.MessageSnapshot{
			ID:       *ev.MessageID,
			ThreadID: *ev.ThreadID,
		}
		if ev.Body != nil {
			msg.Text = *ev.Body
		}
		if ev.Role != nil {
			msg.Role = *ev.Role
		}
		if ev.CreatedAt != nil {
			msg.CreatedAt = *ev.CreatedAt
		}
		s.Messages[msg.ThreadID] = mergeMessages(s.Messages[msg.ThreadID], []wire.MessageSnapshot{msg})
		if msg.ThreadID != s.SelectedThreadID {
			for i := range s.Threads {
				if s.Threads[i].ID == msg.ThreadID {
					s.Threads[i].Unread = true
				}
			}
		}
	case wire.EventTurnStatusUpdate:
		if ev.ThreadID != nil {
			s.TurnState = &wire.TurnStateSnapshot{ThreadID: *ev.ThreadID, IsTurnInProgress: true}
		}
	case wire.EventApprovalResolved:
		if ev.MessageID == nil {
			return
		}
		kept := s.PendingApprovals[:0]
		for _, a := range s.PendingApprovals {
			if a.RequestID != *ev.MessageID {
				kept = append(kept, a)
			}
		}
		s.PendingApprovals = kept
	case wire.EventApprovalRequested:
		if ev.MessageID == nil {
			return
		}
		s.PendingApprovals = append(s.PendingApprovals, wire.ApprovalSnapshot{
			RequestID: *ev.MessageID,
			ThreadID:  ev.ThreadID,
		})
	}
}

// markRead clears a thread's unread flag, typically when it is selected.
func (s *AppState) markRead(threadID string) {
	for i := range s.Threads {
		if s.Threads[i].ID == threadID {
			s.Threads[i].Unread = false
		}
	}
}

// mergeMessages combines two buffers, deduplicating on message ID (newer
// wins), ordering by creation time then ID, and keeping only the most recent
// maxMessagesPerThread entries.
func mergeMessages(existing, incoming []wire.MessageSnapshot) []wire.MessageSnapshot {
	byID := make(map[string]wire.MessageSnapshot, len(existing)+len(incoming))
	for _, m := range existing {
		byID[m.ID] = m
	}
	for _, m := range incoming {
		byID[m.ID] = m
	}
	out := make([]wire.MessageSnapshot, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	slices.SortStableFunc(out, func(a, b wire.MessageSnapshot) int {
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		if b.CreatedAt.Before(a.CreatedAt) {
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(out) > maxMessagesPerThread {
		out = out[len(out)-maxMessagesPerThread:]
	}
	return out
}

// messageSignature is a content hash of a buffer, used to decide whether a
// merge actually changed what the user would see.
func messageSignature(buf []wire.MessageSnapshot) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strconv.Itoa(len(buf))))
	for _, m := range buf {
		h.Write([]byte(m.ID))
		h.Write([]byte{0})
		h.Write([]byte(m.Text))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// validateSelection keeps the current selection if the snapshot still lists
// it, otherwise falls back to the snapshot's own selection, otherwise clears.
func validateSelection(current string, fromSnapshot *string, exists func(string) bool) string {
	if current != "" && exists(current) {
		return current
	}
	if fromSnapshot != nil && exists(*fromSnapshot) {
		return *fromSnapshot
	}
	return ""
}
