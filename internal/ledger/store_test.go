package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cloudmask/internal/timeutil"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestCommitAndLoad(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	recs, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, s.Commit(ctx, Batch{
		Records: []Record{
			{ImageID: "a", Status: StatusSubmitted, TaskID: "task-1", UpdatedAt: t0},
			{ImageID: "b", Status: StatusOutOfArea, UpdatedAt: t0},
		},
		Events: []Event{
			{ImageID: "a", From: StatusPending, To: StatusSubmitted, At: t0},
			{ImageID: "b", From: StatusPending, To: StatusOutOfArea, At: t0},
		},
	}))

	later := t0.Add(time.Minute)
	require.NoError(t, s.Commit(ctx, Batch{
		Records: []Record{{ImageID: "a", Status: StatusCompleted, TaskID: "task-1", Attempts: 1, UpdatedAt: later}},
		Events:  []Event{{ImageID: "a", From: StatusSubmitted, To: StatusCompleted, At: later}},
	}))

	recs, err = s.Load(ctx)
	require.NoError(t, err)
	want := map[string]Record{
		"a": {ImageID: "a", Status: StatusCompleted, TaskID: "task-1", Attempts: 1, UpdatedAt: later},
		"b": {ImageID: "b", Status: StatusOutOfArea, UpdatedAt: t0},
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}

	events, err := s.Events(ctx, "a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, StatusSubmitted, events[0].To)
	assert.Equal(t, StatusCompleted, events[1].To)
}

func TestCommitEmptyBatch(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Commit(context.Background(), Batch{}))
}

func TestCommitIsAtomic(t *testing.T) {
	s, _ := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Commit(ctx, Batch{Records: []Record{{ImageID: "a", Status: StatusSubmitted, UpdatedAt: t0}}})
	require.Error(t, err)

	recs, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMethodErrors(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, Batch{MethodErrors: []MethodError{
		{RunID: "r1", Method: "percentile5", ImageID: "a", Message: "empty background set", At: t0},
	}}))
	clock.Advance(time.Second)
	require.NoError(t, s.Commit(ctx, Batch{MethodErrors: []MethodError{
		{RunID: "r2", Method: "percentile1", ImageID: "b", Message: "x", At: clock.Now()},
	}}))

	all, err := s.MethodErrors(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, t0.Add(time.Second), all[1].At)

	r1, err := s.MethodErrors(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, r1, 1)
	assert.Equal(t, "percentile5", r1[0].Method)
}

func TestRuns(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, `{"nb_task_max":2}`)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)

	clock.Advance(time.Hour)
	sum := Summary{Completed: 10, Failed: 1, OutOfArea: 3, Structural: 2}
	require.NoError(t, s.FinishRun(ctx, run.ID, sum))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, sum, got.Summary)
	assert.Equal(t, t0, got.StartedAt)
	assert.Equal(t, t0.Add(time.Hour), got.FinishedAt)
	assert.Equal(t, `{"nb_task_max":2}`, got.ConfigJSON)

	assert.Error(t, s.FinishRun(ctx, "nope", sum))
}

func TestParseStatus(t *testing.T) {
	for _, st := range []Status{StatusPending, StatusSubmitted, StatusRunning, StatusCompleted, StatusFailed, StatusOutOfArea, StatusExcluded} {
		got, err := ParseStatus(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseStatus("LOST")
	assert.Error(t, err)

	assert.True(t, StatusRunning.Outstanding())
	assert.False(t, StatusPending.Outstanding())
	assert.True(t, StatusExcluded.Done())
	assert.False(t, StatusFailed.Done())
}
