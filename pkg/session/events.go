package session

import "time"

// Event kinds recorded by the session layer. Turn-loop kinds
// (tool_call, tool_result, model_text, warning, error) are defined in
// pkg/agent and flow through the same log.
const (
	EventSessionCreated  = "session_created"
	EventSessionCleared  = "session_cleared"
	EventUserMessage     = "user_message"
	EventStatusChange    = "status_change"
	EventCancelRequested = "cancel_requested"
)

// DefaultEventCapacity bounds a session's event log unless configured
// otherwise.
const DefaultEventCapacity = 2000

// Event is one entry in a session's log. Sequences start at 1, strictly
// increase for the session's lifetime, and are never reused, not even
// after Clear. Evicted events leave an observable gap.
type Event struct {
	Sequence  uint64                 `json:"sequence"`
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// eventLog is a fixed-capacity ring that drops the oldest entry on
// overflow. Callers hold the owning session's mutex.
type eventLog struct {
	capacity int
	events   []Event
	head     int
	nextSeq  uint64
	dropped  uint64
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &eventLog{capacity: capacity, nextSeq: 1}
}

func (l *eventLog) append(kind string, payload map[string]interface{}) Event {
	e := Event{
		Sequence:  l.nextSeq,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	l.nextSeq++
	if len(l.events) < l.capacity {
		l.events = append(l.events, e)
	} else {
		l.events[l.head] = e
		l.head = (l.head + 1) % l.capacity
		l.dropped++
	}
	return e
}

// after returns up to limit retained events with sequence greater than
// since, oldest first.
func (l *eventLog) after(since uint64, limit int) []Event {
	out := make([]Event, 0, limit)
	for i := 0; i < len(l.events) && len(out) < limit; i++ {
		e := l.events[(l.head+i)%l.capacity]
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	return out
}

// lastSeq is the sequence of the newest event, 0 when none were emitted.
func (l *eventLog) lastSeq() uint64 {
	return l.nextSeq - 1
}

// oldestSeq is the sequence of the oldest retained event, 0 when empty.
func (l *eventLog) oldestSeq() uint64 {
	if len(l.events) == 0 {
		return 0
	}
	return l.events[l.head].Sequence
}
