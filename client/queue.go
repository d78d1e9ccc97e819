package client

import (
	"fmt"

	"github.com/tether-dev/tether/wire"
)

const (
	// DefaultQueueMaxEntries bounds how many commands buffer while offline.
	DefaultQueueMaxEntries = 64
	// DefaultQueueMaxBytes bounds the queue's total serialized size.
	DefaultQueueMaxBytes = 256 * 1024
)

// ErrEntryTooLarge is returned for a single command bigger than the byte cap.
var ErrEntryTooLarge = fmt.Errorf("client: queued command exceeds the byte cap")

// queueable reports whether a command is safe to buffer while offline.
// Anything else must fail immediately rather than fire at an arbitrary
// later time.
func queueable(name string) bool {
	return name == wire.CommandSendMessage || name == wire.CommandRespondApproval
}

type queuedCommand struct {
	name  string
	frame []byte
}

// commandQueue is a FIFO bounded by entry count and total bytes. When a new
// entry does not fit, the oldest entries are evicted until it does.
type commandQueue struct {
	maxEntries int
	maxBytes   int
	entries    []queuedCommand
	totalBytes int
}

func newCommandQueue(maxEntries, maxBytes int) commandQueue {
	if maxEntries <= 0 {
		maxEntries = DefaultQueueMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultQueueMaxBytes
	}
	return commandQueue{maxEntries: maxEntries, maxBytes: maxBytes}
}

func (q *commandQueue) push(name string, frame []byte) error {
	if len(frame) > q.maxBytes {
		return ErrEntryTooLarge
	}
	for len(q.entries) > 0 && (len(q.entries)+1 > q.maxEntries || q.totalBytes+len(frame) > q.maxBytes) {
		q.totalBytes -= len(q.entries[0].frame)
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, queuedCommand{name: name, frame: frame})
	q.totalBytes += len(frame)
	return nil
}

// drain empties the queue, returning frames in arrival order.
func (q *commandQueue) drain() [][]byte {
	frames := make([][]byte, 0, len(q.entries))
	for _, e := range q.entries {
		frames = append(frames, e.frame)
	}
	q.entries = nil
	q.totalBytes = 0
	return frames
}

func (q *commandQueue) size() int  { return len(q.entries) }
func (q *commandQueue) bytes() int { return q.totalBytes }
