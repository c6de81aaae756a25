package radio

import "sync"

// DefaultEventBuffer is the default capacity of an EventStream.
const DefaultEventBuffer = 64

// EventStream is the event channel shared by all backends.
//
// Emit never drops an event: it blocks until the consumer takes it or the
// stream is closed. The channel itself is never closed, so consumers select
// on their own shutdown signal.
type EventStream struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewEventStream creates a stream with the given buffer size.
func NewEventStream(buffer int) *EventStream {
	if buffer < 0 {
		buffer = 0
	}
	return &EventStream{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// C returns the receive side of the stream.
func (s *EventStream) C() <-chan Event {
	return s.ch
}

// Emit delivers ev. Returns false if the stream was closed first.
func (s *EventStream) Emit(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Done is closed when the stream is closed.
func (s *EventStream) Done() <-chan struct{} {
	return s.done
}

// Close unblocks pending and future Emit calls. Safe to call more than once.
func (s *EventStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
