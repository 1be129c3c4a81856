package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogAppendAndRead(t *testing.T) {
	log := newEventLog(8)
	assert.Equal(t, uint64(0), log.lastSeq())
	assert.Equal(t, uint64(0), log.oldestSeq())

	first := log.append(EventSessionCreated, map[string]interface{}{"session_id": "s1"})
	assert.Equal(t, uint64(1), first.Sequence)
	second := log.append(EventUserMessage, map[string]interface{}{"text": "hi"})
	assert.Equal(t, uint64(2), second.Sequence)

	assert.Equal(t, uint64(2), log.lastSeq())
	assert.Equal(t, uint64(1), log.oldestSeq())
	assert.Equal(t, uint64(0), log.dropped)

	events := log.after(0, 10)
	require.Len(t, events, 2)
	assert.Equal(t, EventSessionCreated, events[0].Kind)
	assert.Equal(t, EventUserMessage, events[1].Kind)

	events = log.after(1, 10)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].Sequence)

	assert.Empty(t, log.after(2, 10))
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestEventLogEvictsOldest(t *testing.T) {
	log := newEventLog(4)
	for i := 0; i < 10; i++ {
		log.append("warning", map[string]interface{}{"n": i})
	}

	assert.Equal(t, uint64(10), log.lastSeq())
	assert.Equal(t, uint64(7), log.oldestSeq())
	assert.Equal(t, uint64(6), log.dropped)

	events := log.after(0, 10)
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, uint64(7+i), e.Sequence, "retained events stay in order")
	}

	// A request below the window returns only what is retained; the
	// caller sees the gap through OldestSequence and Dropped.
	events = log.after(3, 10)
	require.Len(t, events, 4)
	assert.Equal(t, uint64(7), events[0].Sequence)
}

func TestEventLogAfterHonorsLimit(t *testing.T) {
	log := newEventLog(16)
	for i := 0; i < 10; i++ {
		log.append("warning", nil)
	}

	events := log.after(0, 3)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(3), events[2].Sequence)
}

func TestEventLogDefaultCapacity(t *testing.T) {
	log := newEventLog(0)
	assert.Equal(t, DefaultEventCapacity, log.capacity)
}
