package main

import (
	"context"
	"testing"
	"time"

	"groupsync"
	"groupsync/docstore"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUntilNextCycle(t *testing.T) {
	tests := []struct {
		name   string
		now    time.Time
		length time.Duration
		want   time.Duration
	}{
		{"mid cycle", time.Unix(103, 0), 10 * time.Second, 7 * time.Second},
		{"on boundary", time.Unix(110, 0), 10 * time.Second, 10 * time.Second},
		{"sub second", time.Unix(100, int64(250*time.Millisecond)), time.Second, 750 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, untilNextCycle(tt.now, tt.length))
		})
	}
}

func TestSyncWaitsForBoundary(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(103, 0))
	b := &benchmark{clock: clock, logger: zap.NewNop(), cycleLength: 10 * time.Second}

	done := make(chan error, 1)
	go func() { done <- b.sync(context.Background()) }()

	clock.BlockUntil(1)
	clock.Advance(6 * time.Second)
	select {
	case <-done:
		t.Fatal("sync returned before the cycle boundary")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Second)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sync did not return at the cycle boundary")
	}
	assert.Equal(t, time.Unix(110, 0), clock.Now())
}

func TestSyncCancelled(t *testing.T) {
	b := &benchmark{clock: clockwork.NewFakeClock(), logger: zap.NewNop(), cycleLength: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.sync(ctx), context.Canceled)
}

func TestRoundReached(t *testing.T) {
	reached := roundReached(2)
	assert.False(t, reached(docstore.Document{"data": map[string]any{"round": -1.0}}))
	assert.True(t, reached(docstore.Document{"data": map[string]any{"round": 2.0}}))
	assert.True(t, reached(docstore.Document{"data": map[string]any{"round": 3.0}}))
	assert.False(t, reached(docstore.Document{"data": map[string]any{}}))
}

func TestDefaultRoles(t *testing.T) {
	assert.Equal(t, []string{"normal", "normal", "slacker"}, defaultRoles(3))
	assert.Equal(t, []string{"slacker"}, defaultRoles(1))
}

func TestSimulate(t *testing.T) {
	cfg := groupsync.DefaultConfig()
	cfg.ServerURI = "mem://benchmark-simulate"
	cfg.GroupSize = 3
	cfg.Roles = defaultRoles(3)
	cfg.InitialData = map[string]any{"round": -1}
	cfg.Heartbeat = 20 * time.Millisecond

	b := &benchmark{
		clock:        clockwork.NewRealClock(),
		logger:       zap.NewNop(),
		cycles:       2,
		cycleLength:  100 * time.Millisecond,
		slackerSleep: 20 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := b.simulate(ctx, cfg, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for id, rs := range results {
		require.Len(t, rs, 2, id)
		for i, r := range rs {
			assert.Equal(t, i, r.Round)
			assert.NotEmpty(t, r.Partner)
			assert.NotEqual(t, id, r.Partner)
		}
	}
}
