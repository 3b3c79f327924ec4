package events

import "sync"

// Recorder buffers events raised by an aggregate until the dispatcher drains
// them. Embed it in aggregate types:
//
//	type Account struct {
//	    events.Recorder
//	    ...
//	}
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Raise appends an event to the pending buffer.
func (r *Recorder) Raise(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

// PendingEvents returns a copy of the buffered events in raise order.
func (r *Recorder) PendingEvents() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)

	return out
}

// dropFirst removes the n oldest buffered events, keeping anything raised
// after the caller took its snapshot.
func (r *Recorder) dropFirst(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n >= len(r.events) {
		r.events = nil

		return
	}

	r.events = r.events[n:]
}

// ClearEvents empties the buffer. The dispatcher calls this after all
// reactors succeed; callers rolling back a unit of work may call it to drop
// events that no longer describe committed state.
func (r *Recorder) ClearEvents() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = nil
}
