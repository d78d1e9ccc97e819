package client

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/tether-dev/tether/wire"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := newCommandQueue(0, 0)
	for i := 0; i < 5; i++ {
		if err := q.push(wire.CommandSendMessage, []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("push %d: %s", i, err)
		}
	}
	frames := q.drain()
	if len(frames) != 5 {
		t.Fatalf("drained %d frames, want 5", len(frames))
	}
	for i, f := range frames {
		if want := fmt.Sprintf("msg-%d", i); string(f) != want {
			t.Errorf("frame %d: got %q want %q", i, f, want)
		}
	}
	if q.size() != 0 || q.bytes() != 0 {
		t.Errorf("drain should empty the queue: size=%d bytes=%d", q.size(), q.bytes())
	}
}

func TestQueueEntryCap(t *testing.T) {
	q := newCommandQueue(3, 0)
	for i := 0; i < 5; i++ {
		q.push(wire.CommandSendMessage, []byte(fmt.Sprintf("m%d", i)))
	}
	frames := q.drain()
	if len(frames) != 3 {
		t.Fatalf("got %d entries, want 3", len(frames))
	}
	// oldest evicted first
	if string(frames[0]) != "m2" || string(frames[2]) != "m4" {
		t.Errorf("eviction order wrong: %q .. %q", frames[0], frames[2])
	}
}

func TestQueueByteCap(t *testing.T) {
	q := newCommandQueue(100, 100)
	big := bytes.Repeat([]byte{'a'}, 60)
	if err := q.push(wire.CommandSendMessage, big); err != nil {
		t.Fatalf("first push: %s", err)
	}
	// second 60-byte entry forces the first out
	if err := q.push(wire.CommandSendMessage, bytes.Repeat([]byte{'b'}, 60)); err != nil {
		t.Fatalf("second push: %s", err)
	}
	if q.size() != 1 || q.bytes() != 60 {
		t.Errorf("size=%d bytes=%d, want 1/60", q.size(), q.bytes())
	}
	if string(q.drain()[0][0:1]) != "b" {
		t.Errorf("oldest entry should have been evicted")
	}
}

func TestQueueRejectsOversizedEntry(t *testing.T) {
	q := newCommandQueue(100, 100)
	q.push(wire.CommandSendMessage, []byte("keep"))
	err := q.push(wire.CommandSendMessage, bytes.Repeat([]byte{'x'}, 101))
	if err != ErrEntryTooLarge {
		t.Fatalf("got %v, want ErrEntryTooLarge", err)
	}
	// the oversized entry must not have evicted anything
	if q.size() != 1 {
		t.Errorf("queue disturbed by rejected entry: size=%d", q.size())
	}
}

func TestQueueable(t *testing.T) {
	if !queueable(wire.CommandSendMessage) || !queueable(wire.CommandRespondApproval) {
		t.Errorf("send message and approval responses must be queueable")
	}
	if queueable(wire.CommandSelectThread) || queueable(wire.CommandSelectProject) {
		t.Errorf("selection commands must not be queueable")
	}
}
