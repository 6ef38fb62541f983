// Package progress fans sync lifecycle events out to interested sinks:
// the structured log, connected websocket clients, and optionally a
// Kafka topic. Publishing never blocks the sync workers; when the bus
// is saturated or closed, events are dropped.
package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventLog              EventType = "log"
	EventProgress         EventType = "progress"
	EventStatus           EventType = "status"
	EventDone             EventType = "done"
	EventAllDone          EventType = "all_done"
	EventSchedulerUpdated EventType = "scheduler_updated"
)

// Event is one progress notification. RunID groups all events of a
// single orchestrator run.
type Event struct {
	Type    EventType `json:"type"`
	RunID   string    `json:"run_id,omitempty"`
	Company string    `json:"company,omitempty"`
	Kind    string    `json:"kind,omitempty"`
	Month   string    `json:"month,omitempty"`
	Rows    int       `json:"rows,omitempty"`
	Message string    `json:"message,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// NewRunID mints the identifier shared by every event of one run.
func NewRunID() string { return uuid.NewString() }

// Sink consumes events. Consume must not block for long; slow sinks
// should buffer internally.
type Sink interface {
	Consume(Event)
}

// Bus is a multi-producer single-dispatcher event bus. A nil *Bus is
// valid and drops everything.
type Bus struct {
	ch    chan Event
	done  chan struct{}
	wg    sync.WaitGroup
	mu    sync.RWMutex
	sinks []Sink

	closeOnce sync.Once
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// AddSink attaches a sink. Safe to call while the bus is running.
func (b *Bus) AddSink(s Sink) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish enqueues an event without blocking. Events are dropped when
// the buffer is full or the bus is closed. The channel is never
// closed, so a racing Publish after Close cannot panic.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	select {
	case <-b.done:
		return
	default:
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case b.ch <- ev:
	default:
	}
}

// Close stops the dispatcher after draining buffered events.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			for {
				select {
				case ev := <-b.ch:
					b.deliver(ev)
				default:
					return
				}
			}
		case ev := <-b.ch:
			b.deliver(ev)
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Consume(ev)
	}
}
