package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// collectSink records every emitted event, safe for concurrent use.
type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectSink) Emit(_ context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *collectSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// blockingSink holds every Emit until released.
type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Emit(context.Context, Event) {
	<-s.release
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &collectSink{})
	if d != nil {
		t.Fatal("disabled dispatcher should be nil")
	}

	// Nil receivers must be safe, the gate calls them unconditionally.
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &collectSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), Event{EventType: fmt.Sprintf("e%d", i)})
	}
	d.Close()

	if got := sink.len(); got != 5 {
		t.Fatalf("delivered=%d, want 5", got)
	}
	for i, ev := range sink.events {
		if want := fmt.Sprintf("e%d", i); ev.EventType != want {
			t.Fatalf("event %d: type=%q, want %q", i, ev.EventType, want)
		}
	}
}

func TestCloseDrainsBufferedEvents(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	wrapped := &collectSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8, DropIfFull: true}, NewMultiSink(sink, wrapped))

	for i := 0; i < 4; i++ {
		d.Emit(context.Background(), Event{EventType: "queued"})
	}
	close(sink.release)
	d.Close()

	if got := wrapped.len(); got != 4 {
		t.Fatalf("drained=%d, want 4", got)
	}
}

func TestDropIfFullCountsDrops(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 2, DropIfFull: true}, sink)

	// The worker blocks on the first event; the buffer holds two more, the
	// rest must be dropped without blocking the caller.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "burst"})
	}

	deadline := time.After(2 * time.Second)
	for d.Dropped() == 0 {
		select {
		case <-deadline:
			t.Fatal("no drops recorded for a saturated buffer")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if got := d.Dropped(); got < 5 {
		t.Fatalf("dropped=%d, want most of the burst", got)
	}

	close(sink.release)
	d.Close()
}

func TestEmitAfterCloseIsIgnored(t *testing.T) {
	sink := &collectSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink)
	d.Close()

	d.Emit(context.Background(), Event{EventType: "late"})
	d.Close() // idempotent

	if got := sink.len(); got != 0 {
		t.Fatalf("delivered=%d after close, want 0", got)
	}
}

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), Event{EventType: "a", Success: true})
	sink.Emit(context.Background(), Event{EventType: "b"})

	scanner := bufio.NewScanner(&buf)
	var types []string
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %q: %v", scanner.Text(), err)
		}
		types = append(types, ev.EventType)
	}
	if len(types) != 2 || types[0] != "a" || types[1] != "b" {
		t.Fatalf("types=%v, want [a b]", types)
	}
}
