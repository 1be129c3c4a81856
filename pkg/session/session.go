package session

import (
	"sync"
	"sync/atomic"
	"time"

	"repoagent/internal/observability"
	"repoagent/pkg/agent"
)

// Session status values. A session is idle between turns; Submit moves
// it to pending, the turn goroutine to busy, Cancel to cancelling, and
// the turn's end back to idle.
const (
	StatusIdle       = "idle"
	StatusPending    = "pending"
	StatusBusy       = "busy"
	StatusCancelling = "cancelling"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls this far behind misses events; polling covers the gap.
const subscriberBuffer = 256

// Session is one conversation bound to the repository. ID and CreatedAt
// are immutable; mu guards everything else.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	status       string
	history      []agent.Message
	log          *eventLog
	turns        int
	callsUsed    int
	lastActivity time.Time
	cancelled    atomic.Bool
	subscribers  map[int]chan Event
	nextSubID    int
}

// StatusInfo is the external snapshot of a session.
type StatusInfo struct {
	SessionID       string    `json:"session_id"`
	Status          string    `json:"status"`
	BudgetRemaining int       `json:"budget_remaining"`
	LastSequence    uint64    `json:"last_sequence"`
	CreatedAt       time.Time `json:"created_at"`
	Turns           int       `json:"turns"`
}

// PollResult carries the events read by one poll plus the log's
// bookkeeping: Dropped is the cumulative eviction count, so a client
// comparing it across polls can tell whether its window lost events.
type PollResult struct {
	Events         []Event `json:"events"`
	LastSequence   uint64  `json:"last_sequence"`
	OldestSequence uint64  `json:"oldest_sequence"`
	Dropped        uint64  `json:"dropped"`
}

func newSession(id string, capacity int) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    time.Now().UTC(),
		status:       StatusIdle,
		log:          newEventLog(capacity),
		lastActivity: time.Now().UTC(),
		subscribers:  make(map[int]chan Event),
	}
}

// emitLocked appends an event and fans it out to subscribers without
// blocking. Callers hold s.mu.
func (s *Session) emitLocked(kind string, payload map[string]interface{}) Event {
	before := s.log.dropped
	e := s.log.append(kind, payload)
	if d := s.log.dropped - before; d > 0 {
		observability.RecordEventsDropped(int(d))
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
	return e
}

// setStatusLocked transitions the status and emits the status_change
// event, merging extra fields (outcome, turn) into the payload. Callers
// hold s.mu.
func (s *Session) setStatusLocked(to string, extra map[string]interface{}) {
	from := s.status
	if from == to {
		return
	}
	s.status = to
	payload := map[string]interface{}{"from": from, "to": to}
	for k, v := range extra {
		payload[k] = v
	}
	s.emitLocked(EventStatusChange, payload)
}

func (s *Session) statusInfoLocked(maxToolCalls int) StatusInfo {
	return StatusInfo{
		SessionID:       s.ID,
		Status:          s.status,
		BudgetRemaining: maxToolCalls - s.callsUsed,
		LastSequence:    s.log.lastSeq(),
		CreatedAt:       s.CreatedAt,
		Turns:           s.turns,
	}
}
