package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilocode/backplane/internal/storage"
)

type captureSink struct {
	mu      sync.Mutex
	records []Metrics
	fail    bool
}

func (s *captureSink) IngestSessionMetrics(_ context.Context, m Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return assert.AnError
	}
	s.records = append(s.records, m)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *captureSink) last() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[len(s.records)-1]
}

func testDeps(clock clockwork.Clock, sink Sink) Deps {
	return Deps{
		Store:  storage.NewMemoryStore(),
		Sink:   sink,
		Clock:  clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func waitForEmission(t *testing.T, sink *captureSink, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return sink.count() == want },
		5*time.Second, 5*time.Millisecond)
}

func TestCloseReasonDrainsThenEmits(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &captureSink{}
	a := newActor("s1", testDeps(clock, sink))
	ctx := context.Background()

	require.NoError(t, a.Ingest(ctx, "user-1", 1, []Item{
		{Type: ItemSessionOpen},
		userMessage(1000),
		{Type: ItemSessionClose, Close: &CloseInfo{Reason: CloseCompleted}},
	}))

	// Inside the drain window nothing is emitted yet.
	clock.Advance(4 * time.Second)
	assert.Zero(t, sink.count())

	clock.Advance(2 * time.Second)
	waitForEmission(t, sink, 1)

	m := sink.last()
	assert.Equal(t, CloseCompleted, m.TerminationReason)
	assert.Equal(t, "user-1", m.KiloUserID)
	assert.Equal(t, 1, m.TotalTurns)
	assert.True(t, a.Emitted())
}

func TestInactivityFallbackEmitsAbandoned(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &captureSink{}
	a := newActor("s1", testDeps(clock, sink))

	require.NoError(t, a.Ingest(context.Background(), "u", 1, []Item{
		{Type: ItemSessionOpen},
		userMessage(1000),
	}))

	clock.Advance(5 * time.Minute)
	waitForEmission(t, sink, 1)
	assert.Equal(t, CloseAbandoned, sink.last().TerminationReason)
}

func TestLegacyClientsResetInactivityPerIngest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &captureSink{}
	a := newActor("s1", testDeps(clock, sink))
	ctx := context.Background()

	require.NoError(t, a.Ingest(ctx, "u", 0, []Item{userMessage(1000)}))
	clock.Advance(4 * time.Minute)
	require.NoError(t, a.Ingest(ctx, "u", 0, []Item{userMessage(2000)}))

	// The first deadline has passed, but the second ingest pushed it out.
	clock.Advance(4 * time.Minute)
	assert.Zero(t, sink.count())

	clock.Advance(time.Minute)
	waitForEmission(t, sink, 1)
	assert.Equal(t, 2, sink.last().TotalTurns)
}

func TestEmitExactlyOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &captureSink{}
	a := newActor("s1", testDeps(clock, sink))
	ctx := context.Background()

	require.NoError(t, a.Ingest(ctx, "u", 1, []Item{
		{Type: ItemSessionOpen},
		{Type: ItemSessionClose, Close: &CloseInfo{Reason: CloseCompleted}},
	}))

	emitted, err := a.Emit(ctx, "close")
	require.NoError(t, err)
	assert.True(t, emitted)

	again, err := a.Emit(ctx, "close")
	require.NoError(t, err)
	assert.False(t, again)
	assert.Equal(t, 1, sink.count())
}

func TestMarkerSurvivesRestart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &captureSink{}
	deps := testDeps(clock, sink)
	ctx := context.Background()

	a := newActor("s1", deps)
	require.NoError(t, a.Ingest(ctx, "u", 1, []Item{{Type: ItemSessionOpen}}))
	emitted, err := a.Emit(ctx, "close")
	require.NoError(t, err)
	require.True(t, emitted)

	// A fresh actor over the same bucket must refuse a second emission.
	b := newActor("s1", deps)
	again, err := b.Emit(ctx, "close")
	require.NoError(t, err)
	assert.False(t, again)
}

func TestPostEmissionIngestStartsNewTurn(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &captureSink{}
	a := newActor("s1", testDeps(clock, sink))
	ctx := context.Background()

	require.NoError(t, a.Ingest(ctx, "u", 1, []Item{
		{Type: ItemSessionOpen},
		{Type: ItemSessionClose, Close: &CloseInfo{Reason: CloseCompleted}},
	}))
	_, err := a.Emit(ctx, "close")
	require.NoError(t, err)

	require.NoError(t, a.Ingest(ctx, "u", 1, []Item{
		{Type: ItemSessionOpen},
		userMessage(1000),
		{Type: ItemSessionClose, Close: &CloseInfo{Reason: CloseInterrupted}},
	}))
	emitted, err := a.Emit(ctx, "close")
	require.NoError(t, err)
	assert.True(t, emitted)
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, CloseInterrupted, sink.last().TerminationReason)
}

func TestSinkFailureLeavesMarkerUnsetAndRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &captureSink{fail: true}
	a := newActor("s1", testDeps(clock, sink))
	ctx := context.Background()

	require.NoError(t, a.Ingest(ctx, "u", 1, []Item{
		{Type: ItemSessionOpen},
		{Type: ItemSessionClose, Close: &CloseInfo{Reason: CloseCompleted}},
	}))
	emitted, err := a.Emit(ctx, "close")
	require.Error(t, err)
	assert.False(t, emitted)
	assert.False(t, a.Emitted())

	// The retry alarm fires once the sink recovers.
	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	clock.Advance(5 * time.Second)
	waitForEmission(t, sink, 1)
}

func TestIntermediateItemsDoNotTouchV1Alarm(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &captureSink{}
	a := newActor("s1", testDeps(clock, sink))
	ctx := context.Background()

	require.NoError(t, a.Ingest(ctx, "u", 1, []Item{{Type: ItemSessionOpen}}))
	clock.Advance(4 * time.Minute)
	// A bare message chunk must not extend the inactivity deadline.
	require.NoError(t, a.Ingest(ctx, "u", 1, []Item{userMessage(1000)}))

	clock.Advance(time.Minute)
	waitForEmission(t, sink, 1)
}
