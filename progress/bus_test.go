package progress

import (
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Consume(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestBusDeliversToSinks(t *testing.T) {
	b := NewBus(16)
	sink := &captureSink{}
	b.AddSink(sink)

	b.Publish(Event{Type: EventStatus, Company: "Acme", Message: "sync started"})
	b.Publish(Event{Type: EventDone, Company: "Acme", Kind: "Sales"})
	b.Close()

	if sink.count() != 2 {
		t.Fatalf("delivered %d events, want 2", sink.count())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.events[0].Time.IsZero() {
		t.Error("publish must stamp the event time")
	}
	if sink.events[1].Kind != "Sales" {
		t.Errorf("event order lost: %+v", sink.events)
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	// No dispatcher drain is possible: the single sink blocks forever,
	// so the buffer fills and further publishes must drop, not hang.
	b := NewBus(4)
	block := make(chan struct{})
	b.AddSink(sinkFunc(func(Event) { <-block }))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: EventProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a saturated bus")
	}
	close(block)
	b.Close()
}

func TestBusPublishAfterClose(t *testing.T) {
	b := NewBus(4)
	b.Close()
	// Must be a silent no-op.
	b.Publish(Event{Type: EventLog})
}

func TestNilBusIsSafe(t *testing.T) {
	var b *Bus
	b.Publish(Event{Type: EventLog})
	b.AddSink(&captureSink{})
	b.Close()
}

type sinkFunc func(Event)

func (f sinkFunc) Consume(ev Event) { f(ev) }
