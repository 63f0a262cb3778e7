package timerstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.UnixMilli(1_700_000_000_000)

func runningRecord() Record {
	return Record{
		StartTime:     base.UnixMilli(),
		EndTime:       base.Add(10 * time.Minute).UnixMilli(),
		TotalDuration: (10 * time.Minute).Milliseconds(),
		IsRunning:     true,
	}
}

func TestDecide(t *testing.T) {
	running := runningRecord().Values()
	stopped := runningRecord().Values()
	stopped[KeyIsRunning] = "false"
	partial := runningRecord().Values()
	delete(partial, KeyTotalDuration)
	garbage := runningRecord().Values()
	garbage[KeyEndTime] = "soon"

	testCases := []struct {
		name   string
		values map[string]string
		now    time.Time
		want   Outcome
	}{
		{"empty", nil, base, OutcomeIdle},
		{"running before end", running, base.Add(5 * time.Minute), OutcomeResume},
		{"running at end", running, base.Add(10 * time.Minute), OutcomeComplete},
		{"running after end", running, base.Add(time.Hour), OutcomeComplete},
		{"stopped", stopped, base.Add(time.Minute), OutcomeIdle},
		{"missing key", partial, base.Add(time.Minute), OutcomeIdle},
		{"unparsable", garbage, base.Add(time.Minute), OutcomeIdle},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.values, tc.now).Outcome)
		})
	}
}

func TestDecideResumeProgress(t *testing.T) {
	decision := Decide(runningRecord().Values(), base.Add(5*time.Minute))
	require.Equal(t, OutcomeResume, decision.Outcome)
	assert.InDelta(t, 0.5, decision.Progress, 1e-9)
	assert.Equal(t, (5 * time.Minute).Milliseconds(), decision.Remaining)
	require.NotNil(t, decision.Record)
	assert.Equal(t, runningRecord(), *decision.Record)
}

func TestLevelStoreLoadClearsCompletedTimer(t *testing.T) {
	now := base.Add(time.Hour)
	store, err := NewMemoryLevelStore(func() time.Time { return now })
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, runningRecord()))
	decision, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, decision.Outcome)

	values, err := store.Values(ctx)
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestLevelStoreResumeKeepsRecord(t *testing.T) {
	now := base.Add(time.Minute)
	store, err := NewMemoryLevelStore(func() time.Time { return now })
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, runningRecord()))
	decision, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeResume, decision.Outcome)

	values, err := store.Values(ctx)
	require.NoError(t, err)
	assert.Len(t, values, len(Keys))
}

func TestLevelStoreStopThenLoadIsIdle(t *testing.T) {
	store, err := NewMemoryLevelStore(func() time.Time { return base.Add(time.Minute) })
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, runningRecord()))
	require.NoError(t, store.SetRunning(ctx, false))
	decision, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, decision.Outcome)
	assert.Nil(t, decision.Record)

	require.NoError(t, store.Clear(ctx))
	values, err := store.Values(ctx)
	require.NoError(t, err)
	assert.Empty(t, values)
}
