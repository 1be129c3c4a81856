package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"repoagent/internal/observability"
	"repoagent/internal/tracing"
	"repoagent/pkg/agent"
)

// Sentinel errors the facade maps to HTTP status codes.
var (
	ErrSessionBusy     = errors.New("session is busy")
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptyInput      = errors.New("input is empty")
	ErrManagerClosed   = errors.New("session manager is closed")
)

// Poll limit bounds. A non-positive limit defaults, an oversized one is
// capped.
const (
	DefaultPollLimit = 200
	MaxPollLimit     = 1000
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// TurnRunner is the slice of the agent loop the manager needs.
// *agent.Runner satisfies it.
type TurnRunner interface {
	RunTurn(ctx context.Context, turn agent.Turn) agent.TurnResult
	MaxToolCalls() int
	Provider() string
}

// Config holds manager configuration.
type Config struct {
	Runner        TurnRunner
	EventCapacity int
	Logger        zerolog.Logger
}

// Manager owns every session and is the only writer of their state.
// Turns run on manager-spawned goroutines under the manager's base
// context, so Close can cancel them collectively.
type Manager struct {
	runner   TurnRunner
	capacity int
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	closed   bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager validates cfg and builds an empty manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Runner == nil {
		return nil, errors.New("turn runner is required")
	}
	if cfg.EventCapacity <= 0 {
		cfg.EventCapacity = DefaultEventCapacity
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	observability.EnsureRegistered()
	return &Manager{
		runner:   cfg.Runner,
		capacity: cfg.EventCapacity,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}, nil
}

// NewSessionID mints a short random session id.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// ValidateSessionID rejects ids that could not safely appear in URLs,
// logs, or file names.
func ValidateSessionID(id string) error {
	if id == "" {
		return errors.New("session id is empty")
	}
	if id == "." || id == ".." {
		return fmt.Errorf("session id %q is reserved", id)
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("session id %q must be 1-64 characters of A-Za-z0-9._-", id)
	}
	return nil
}

// Ensure returns the session with the given id, creating it if absent.
// An empty id gets a generated one. The bool reports creation.
func (m *Manager) Ensure(ctx context.Context, id string) (*Session, bool, error) {
	if id == "" {
		id = NewSessionID()
	} else if err := ValidateSessionID(id); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrManagerClosed
	}
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, false, nil
	}
	s := newSession(id, m.capacity)
	m.sessions[id] = s
	m.order = append(m.order, id)
	m.mu.Unlock()

	s.mu.Lock()
	s.emitLocked(EventSessionCreated, map[string]interface{}{"session_id": id})
	s.mu.Unlock()

	observability.RecordSessionCreated()
	observability.RecordSessionAudit(ctx, "create", id, nil)
	m.logger.Info().Str("session_id", id).Msg("session created")
	return s, true, nil
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Submit starts a turn for the given input. A session runs at most one
// turn at a time; submitting against a running turn returns
// ErrSessionBusy, never queues.
func (m *Manager) Submit(ctx context.Context, id, input string) error {
	if strings.TrimSpace(input) == "" {
		return ErrEmptyInput
	}
	s, err := m.get(id)
	if err != nil {
		return err
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}

	_, span := tracing.StartSpan(ctx, "repoagent.session", "session.submit",
		attribute.String("session_id", id))
	defer span.End()

	s.mu.Lock()
	if s.status != StatusIdle {
		s.mu.Unlock()
		span.SetStatus(codes.Error, ErrSessionBusy.Error())
		return ErrSessionBusy
	}
	s.cancelled.Store(false)
	s.callsUsed = 0
	s.turns++
	turnNo := s.turns
	s.history = append(s.history, agent.UserMessage(input))
	s.emitLocked(EventUserMessage, map[string]interface{}{"text": input})
	s.setStatusLocked(StatusPending, map[string]interface{}{"turn": turnNo})
	history := append([]agent.Message(nil), s.history...)
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	m.logger.Debug().Str("session_id", id).Int("turn", turnNo).Msg("turn submitted")

	m.wg.Add(1)
	go m.runTurn(s, history, turnNo)
	return nil
}

func (m *Manager) runTurn(s *Session, history []agent.Message, turnNo int) {
	defer m.wg.Done()

	s.mu.Lock()
	s.setStatusLocked(StatusBusy, map[string]interface{}{"turn": turnNo})
	s.mu.Unlock()

	res := m.runner.RunTurn(m.baseCtx, agent.Turn{
		SessionID: s.ID,
		History:   history,
		Sink:      &sessionSink{session: s},
		Cancelled: func() bool { return s.cancelled.Load() },
	})

	s.mu.Lock()
	s.history = res.History
	s.callsUsed = 0
	s.lastActivity = time.Now().UTC()
	s.setStatusLocked(StatusIdle, map[string]interface{}{
		"outcome": string(res.Outcome),
		"turn":    turnNo,
	})
	s.mu.Unlock()

	evt := m.logger.Info()
	if res.Err != nil {
		evt = m.logger.Error().Err(res.Err)
	}
	evt.Str("session_id", s.ID).
		Int("turn", turnNo).
		Str("outcome", string(res.Outcome)).
		Int("effective_calls", res.EffectiveCalls).
		Msg("turn finished")
}

// sessionSink bridges loop events into the session's log. tool_call
// events also advance the budget counter surfaced by Status.
type sessionSink struct {
	session *Session
}

func (k *sessionSink) Emit(kind string, payload map[string]interface{}) {
	k.session.mu.Lock()
	if kind == agent.EventToolCall {
		k.session.callsUsed++
	}
	k.session.emitLocked(kind, payload)
	k.session.mu.Unlock()
}

// Poll reads events with sequence greater than since. It never blocks;
// an empty result just means nothing new yet.
func (m *Manager) Poll(id string, since uint64, limit int) (PollResult, error) {
	s, err := m.get(id)
	if err != nil {
		return PollResult{}, err
	}
	if limit <= 0 {
		limit = DefaultPollLimit
	}
	if limit > MaxPollLimit {
		limit = MaxPollLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return PollResult{
		Events:         s.log.after(since, limit),
		LastSequence:   s.log.lastSeq(),
		OldestSequence: s.log.oldestSeq(),
		Dropped:        s.log.dropped,
	}, nil
}

// Cancel requests cooperative cancellation of the running turn. The
// loop observes the flag at its next checkpoint; a tool call that
// already started is never interrupted. Cancelling an idle session is
// a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	turnNo := s.turns
	requested := false
	switch s.status {
	case StatusPending, StatusBusy:
		s.cancelled.Store(true)
		s.setStatusLocked(StatusCancelling, map[string]interface{}{"turn": turnNo})
		s.emitLocked(EventCancelRequested, map[string]interface{}{"turn": turnNo})
		requested = true
	}
	s.mu.Unlock()

	if requested {
		observability.RecordSessionAudit(ctx, "cancel", id, map[string]interface{}{"turn": turnNo})
		m.logger.Info().Str("session_id", id).Int("turn", turnNo).Msg("cancellation requested")
	}
	return nil
}

// Status returns the session's external snapshot.
func (m *Manager) Status(id string) (StatusInfo, error) {
	s, err := m.get(id)
	if err != nil {
		return StatusInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusInfoLocked(m.runner.MaxToolCalls()), nil
}

// History returns a copy of the session's conversation.
func (m *Manager) History(id string) ([]agent.Message, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Message(nil), s.history...), nil
}

// Clear resets the conversation history. The event log and its sequence
// counter keep going; only history is dropped. Rejected while a turn is
// in flight.
func (m *Manager) Clear(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.status != StatusIdle {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.history = nil
	s.emitLocked(EventSessionCleared, map[string]interface{}{"session_id": id})
	s.mu.Unlock()

	observability.RecordSessionAudit(ctx, "clear", id, nil)
	m.logger.Info().Str("session_id", id).Msg("session cleared")
	return nil
}

// List returns a snapshot of every session in creation order.
func (m *Manager) List() []StatusInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		sessions = append(sessions, m.sessions[id])
	}
	m.mu.RUnlock()

	maxCalls := m.runner.MaxToolCalls()
	out := make([]StatusInfo, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.statusInfoLocked(maxCalls))
		s.mu.Unlock()
	}
	return out
}

// Subscribe attaches a live event feed starting with the next emitted
// event. The cancel func detaches it. A subscriber whose buffer fills
// misses events; Poll reads them from the log.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	s, err := m.get(id)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	subID := s.nextSubID
	s.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	s.subscribers[subID] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[subID]; ok {
			delete(s.subscribers, subID)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

// NotifyBusySessions emits a warning into every session with a turn in
// flight and reports how many were notified. The repository watcher
// uses it when files change mid-turn.
func (m *Manager) NotifyBusySessions(reason, message string) int {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	notified := 0
	for _, s := range sessions {
		s.mu.Lock()
		if s.status != StatusIdle {
			s.emitLocked(agent.EventWarning, map[string]interface{}{
				"reason":  reason,
				"message": message,
			})
			notified++
		}
		s.mu.Unlock()
	}
	return notified
}

// UpdateGauges refreshes the per-status session gauges.
func (m *Manager) UpdateGauges() {
	counts := map[string]int{
		StatusIdle:       0,
		StatusPending:    0,
		StatusBusy:       0,
		StatusCancelling: 0,
	}
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		s.mu.Lock()
		counts[s.status]++
		s.mu.Unlock()
	}
	for status, n := range counts {
		observability.SetSessionsByStatus(status, n)
	}
}

// Close cancels every running turn and waits for them to finish. The
// manager accepts no new sessions or turns afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
