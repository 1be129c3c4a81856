package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repoagent/pkg/agent"
)

// fakeRunner completes turns synchronously. When run is set it replaces
// the default behavior of appending a single answer.
type fakeRunner struct {
	maxCalls int
	run      func(ctx context.Context, turn agent.Turn) agent.TurnResult
}

func (f *fakeRunner) RunTurn(ctx context.Context, turn agent.Turn) agent.TurnResult {
	if f.run != nil {
		return f.run(ctx, turn)
	}
	history := append(append([]agent.Message(nil), turn.History...), agent.AssistantText("ok"))
	if turn.Sink != nil {
		turn.Sink.Emit(agent.EventModelText, map[string]interface{}{"text": "ok"})
	}
	return agent.TurnResult{Outcome: agent.OutcomeCompleted, Answer: "ok", History: history}
}

func (f *fakeRunner) MaxToolCalls() int {
	if f.maxCalls > 0 {
		return f.maxCalls
	}
	return 30
}

func (f *fakeRunner) Provider() string { return "fake" }

// blockingRunner parks the turn until release is closed, reporting
// cancelled when the flag or context fired first.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (b *blockingRunner) RunTurn(ctx context.Context, turn agent.Turn) agent.TurnResult {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	if turn.Cancelled() || ctx.Err() != nil {
		return agent.TurnResult{Outcome: agent.OutcomeCancelled, History: turn.History}
	}
	history := append(append([]agent.Message(nil), turn.History...), agent.AssistantText("done"))
	return agent.TurnResult{Outcome: agent.OutcomeCompleted, Answer: "done", History: history}
}

func (b *blockingRunner) MaxToolCalls() int { return 30 }

func (b *blockingRunner) Provider() string { return "fake" }

func newTestManager(t *testing.T, runner TurnRunner, capacity int) *Manager {
	t.Helper()
	mgr, err := NewManager(Config{Runner: runner, EventCapacity: capacity, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	return mgr
}

func waitForIdle(t *testing.T, mgr *Manager, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, err := mgr.Status(id)
		return err == nil && info.Status == StatusIdle
	}, 3*time.Second, 5*time.Millisecond)
}

func pollKinds(t *testing.T, mgr *Manager, id string) []string {
	t.Helper()
	res, err := mgr.Poll(id, 0, MaxPollLimit)
	require.NoError(t, err)
	kinds := make([]string, len(res.Events))
	for i, e := range res.Events {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestValidateSessionID(t *testing.T) {
	valid := []string{"a", "repl-1", "user.42_x", "A-B_c.d", "123456789012"}
	for _, id := range valid {
		assert.NoError(t, ValidateSessionID(id), id)
	}

	invalid := []string{"", ".", "..", "a/b", "a\\b", "id with space", "café", string(make([]byte, 65))}
	for _, id := range invalid {
		assert.Error(t, ValidateSessionID(id), "%q should be rejected", id)
	}
}

func TestEnsureCreatesOnce(t *testing.T) {
	mgr := newTestManager(t, &fakeRunner{}, 0)
	ctx := context.Background()

	s, created, err := mgr.Ensure(ctx, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, s.ID, 12)
	assert.NoError(t, ValidateSessionID(s.ID))

	again, created, err := mgr.Ensure(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s, again)

	assert.Equal(t, []string{EventSessionCreated}, pollKinds(t, mgr, s.ID))

	_, _, err = mgr.Ensure(ctx, "../escape")
	assert.Error(t, err)
}

func TestSubmitCompletesTurn(t *testing.T) {
	mgr := newTestManager(t, &fakeRunner{}, 0)
	ctx := context.Background()

	s, _, err := mgr.Ensure(ctx, "chat")
	require.NoError(t, err)
	require.NoError(t, mgr.Submit(ctx, s.ID, "hello"))
	waitForIdle(t, mgr, s.ID)

	kinds := pollKinds(t, mgr, s.ID)
	assert.Equal(t, []string{
		EventSessionCreated,
		EventUserMessage,
		EventStatusChange, // idle -> pending
		EventStatusChange, // pending -> busy
		agent.EventModelText,
		EventStatusChange, // busy -> idle
	}, kinds)

	res, err := mgr.Poll(s.ID, 0, 0)
	require.NoError(t, err)
	final := res.Events[len(res.Events)-1]
	assert.Equal(t, StatusBusy, final.Payload["from"])
	assert.Equal(t, StatusIdle, final.Payload["to"])
	assert.Equal(t, string(agent.OutcomeCompleted), final.Payload["outcome"])
	assert.Equal(t, 1, final.Payload["turn"])

	history, err := mgr.History(s.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, agent.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, agent.RoleAssistant, history[1].Role)

	info, err := mgr.Status(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Turns)
	assert.Equal(t, 30, info.BudgetRemaining)
}

func TestSubmitValidation(t *testing.T) {
	mgr := newTestManager(t, &fakeRunner{}, 0)
	ctx := context.Background()

	assert.ErrorIs(t, mgr.Submit(ctx, "nope", "hi"), ErrSessionNotFound)

	s, _, err := mgr.Ensure(ctx, "chat")
	require.NoError(t, err)
	assert.ErrorIs(t, mgr.Submit(ctx, s.ID, "   \n"), ErrEmptyInput)
}

func TestSubmitBusyRejected(t *testing.T) {
	runner := newBlockingRunner()
	mgr := newTestManager(t, runner, 0)
	ctx := context.Background()

	s, _, err := mgr.Ensure(ctx, "chat")
	require.NoError(t, err)
	require.NoError(t, mgr.Submit(ctx, s.ID, "first"))
	<-runner.started

	// The running turn holds the slot; nothing queues behind it.
	assert.ErrorIs(t, mgr.Submit(ctx, s.ID, "second"), ErrSessionBusy)

	close(runner.release)
	waitForIdle(t, mgr, s.ID)

	history, err := mgr.History(s.ID)
	require.NoError(t, err)
	for _, msg := range history {
		assert.NotEqual(t, "second", msg.Content)
	}
}

func TestCancelTransitions(t *testing.T) {
	runner := newBlockingRunner()
	mgr := newTestManager(t, runner, 0)
	ctx := context.Background()

	s, _, err := mgr.Ensure(ctx, "chat")
	require.NoError(t, err)

	// Cancel on an idle session is a quiet no-op.
	before, err := mgr.Poll(s.ID, 0, 0)
	require.NoError(t, err)
	require.NoError(t, mgr.Cancel(ctx, s.ID))
	after, err := mgr.Poll(s.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, before.LastSequence, after.LastSequence)

	require.NoError(t, mgr.Submit(ctx, s.ID, "work"))
	<-runner.started
	require.NoError(t, mgr.Cancel(ctx, s.ID))

	info, err := mgr.Status(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelling, info.Status)

	// Cancelling twice stays idempotent.
	require.NoError(t, mgr.Cancel(ctx, s.ID))

	close(runner.release)
	waitForIdle(t, mgr, s.ID)

	kinds := pollKinds(t, mgr, s.ID)
	assert.Contains(t, kinds, EventCancelRequested)

	res, err := mgr.Poll(s.ID, 0, 0)
	require.NoError(t, err)
	final := res.Events[len(res.Events)-1]
	assert.Equal(t, EventStatusChange, final.Kind)
	assert.Equal(t, StatusCancelling, final.Payload["from"])
	assert.Equal(t, string(agent.OutcomeCancelled), final.Payload["outcome"])
}

func TestClearWhileBusyRejected(t *testing.T) {
	runner := newBlockingRunner()
	mgr := newTestManager(t, runner, 0)
	ctx := context.Background()

	s, _, err := mgr.Ensure(ctx, "chat")
	require.NoError(t, err)
	require.NoError(t, mgr.Submit(ctx, s.ID, "work"))
	<-runner.started

	assert.ErrorIs(t, mgr.Clear(ctx, s.ID), ErrSessionBusy)

	close(runner.release)
	waitForIdle(t, mgr, s.ID)

	seqBefore, err := mgr.Status(s.ID)
	require.NoError(t, err)
	require.NoError(t, mgr.Clear(ctx, s.ID))

	history, err := mgr.History(s.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	// Clearing never rewinds the sequence counter.
	info, err := mgr.Status(s.ID)
	require.NoError(t, err)
	assert.Greater(t, info.LastSequence, seqBefore.LastSequence)
	assert.Contains(t, pollKinds(t, mgr, s.ID), EventSessionCleared)
}

func TestPollEvictionAccounting(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, turn agent.Turn) agent.TurnResult {
		for i := 0; i < 40; i++ {
			turn.Sink.Emit(agent.EventWarning, map[string]interface{}{"n": i})
		}
		history := append(append([]agent.Message(nil), turn.History...), agent.AssistantText("done"))
		return agent.TurnResult{Outcome: agent.OutcomeCompleted, Answer: "done", History: history}
	}}
	mgr := newTestManager(t, runner, 16)
	ctx := context.Background()

	s, _, err := mgr.Ensure(ctx, "chat")
	require.NoError(t, err)
	require.NoError(t, mgr.Submit(ctx, s.ID, "go"))
	waitForIdle(t, mgr, s.ID)

	// 45 events total: created, user_message, two status changes, 40
	// warnings, final status change. Capacity 16 keeps 30..45.
	res, err := mgr.Poll(s.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, res.Events, 16)
	assert.Equal(t, uint64(30), res.OldestSequence)
	assert.Equal(t, uint64(45), res.LastSequence)
	assert.Equal(t, uint64(29), res.Dropped)
	assert.Equal(t, uint64(30), res.Events[0].Sequence)

	for i := 1; i < len(res.Events); i++ {
		assert.Greater(t, res.Events[i].Sequence, res.Events[i-1].Sequence)
	}

	res, err = mgr.Poll(s.ID, 44, 0)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, uint64(45), res.Events[0].Sequence)

	res, err = mgr.Poll(s.ID, 0, 5)
	require.NoError(t, err)
	require.Len(t, res.Events, 5)
	assert.Equal(t, uint64(30), res.Events[0].Sequence)
}

func TestPollLimitDefaultsAndCaps(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, turn agent.Turn) agent.TurnResult {
		for i := 0; i < 250; i++ {
			turn.Sink.Emit(agent.EventWarning, map[string]interface{}{"n": i})
		}
		return agent.TurnResult{Outcome: agent.OutcomeCompleted, History: turn.History}
	}}
	mgr := newTestManager(t, runner, 0)
	ctx := context.Background()

	s, _, err := mgr.Ensure(ctx, "chat")
	require.NoError(t, err)
	require.NoError(t, mgr.Submit(ctx, s.ID, "go"))
	waitForIdle(t, mgr, s.ID)

	res, err := mgr.Poll(s.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, res.Events, DefaultPollLimit)

	res, err = mgr.Poll(s.ID, 0, 5000)
	require.NoError(t, err)
	assert.Len(t, res.Events, 255)
}

func TestConcurrentPollersSeeMonotonicSequences(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, turn agent.Turn) agent.TurnResult {
		for i := 0; i < 100; i++ {
			turn.Sink.Emit(agent.EventWarning, map[string]interface{}{"n": i})
			time.Sleep(100 * time.Microsecond)
		}
		return agent.TurnResult{Outcome: agent.OutcomeCompleted, History: turn.History}
	}}
	mgr := newTestManager(t, runner, 0)
	ctx := context.Background()

	s, _, err := mgr.Ensure(ctx, "chat")
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := mgr.Poll(s.ID, last, 0)
				if !assert.NoError(t, err) {
					return
				}
				for _, e := range res.Events {
					assert.Greater(t, e.Sequence, last)
					last = e.Sequence
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}

	require.NoError(t, mgr.Submit(ctx, s.ID, "go"))
	waitForIdle(t, mgr, s.ID)
	close(stop)
	wg.Wait()
}

func TestSubscribeDeliversLiveEvents(t *testing.T) {
	mgr := newTestManager(t, &fakeRunner{}, 0)
	ctx := context.Background()

	s, _, err := mgr.Ensure(ctx, "chat")
	require.NoError(t, err)

	ch, cancel, err := mgr.Subscribe(s.ID)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, mgr.Submit(ctx, s.ID, "hello"))

	var kinds []string
	deadline := time.After(3 * time.Second)
	for len(kinds) < 5 {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	assert.Equal(t, []string{
		EventUserMessage,
		EventStatusChange,
		EventStatusChange,
		agent.EventModelText,
		EventStatusChange,
	}, kinds)

	_, _, err = mgr.Subscribe("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestNotifyBusySessions(t *testing.T) {
	runner := newBlockingRunner()
	mgr := newTestManager(t, runner, 0)
	ctx := context.Background()

	busy, _, err := mgr.Ensure(ctx, "busy")
	require.NoError(t, err)
	idle, _, err := mgr.Ensure(ctx, "idle")
	require.NoError(t, err)

	require.NoError(t, mgr.Submit(ctx, busy.ID, "work"))
	<-runner.started

	notified := mgr.NotifyBusySessions("repo_changed", "file changed during turn: main.go")
	assert.Equal(t, 1, notified)

	res, err := mgr.Poll(busy.ID, 0, 0)
	require.NoError(t, err)
	found := false
	for _, e := range res.Events {
		if e.Kind == agent.EventWarning {
			found = true
			assert.Equal(t, "repo_changed", e.Payload["reason"])
		}
	}
	assert.True(t, found)
	assert.NotContains(t, pollKinds(t, mgr, idle.ID), agent.EventWarning)

	close(runner.release)
	waitForIdle(t, mgr, busy.ID)
}

func TestListInCreationOrder(t *testing.T) {
	mgr := newTestManager(t, &fakeRunner{}, 0)
	ctx := context.Background()

	for _, id := range []string{"alpha", "bravo", "charlie"} {
		_, _, err := mgr.Ensure(ctx, id)
		require.NoError(t, err)
	}

	infos := mgr.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].SessionID)
	assert.Equal(t, "bravo", infos[1].SessionID)
	assert.Equal(t, "charlie", infos[2].SessionID)
}

func TestCloseCancelsRunningTurns(t *testing.T) {
	runner := newBlockingRunner()
	mgr, err := NewManager(Config{Runner: runner, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ctx := context.Background()

	s, _, err := mgr.Ensure(ctx, "chat")
	require.NoError(t, err)
	require.NoError(t, mgr.Submit(ctx, s.ID, "work"))
	<-runner.started

	done := make(chan struct{})
	go func() {
		mgr.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not cancel the running turn")
	}

	_, _, err = mgr.Ensure(ctx, "another")
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.ErrorIs(t, mgr.Submit(ctx, s.ID, "again"), ErrManagerClosed)
}
