package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmill/internal/domain"
)

// testStore opens a store in a temp dir and registers cleanup.
func testStore(t *testing.T) Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetRunState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.GetRunState(ctx, "mail-sync")
	require.ErrorIs(t, err, ErrNotFound)

	next := time.Now().UTC().Add(5 * time.Minute)
	require.NoError(t, s.PutRunState(ctx, domain.TaskRunState{
		TaskID:  "mail-sync",
		Status:  domain.StatusIdle,
		NextRun: next,
	}))

	st, err := s.GetRunState(ctx, "mail-sync")
	require.NoError(t, err)
	assert.Equal(t, "mail-sync", st.TaskID)
	assert.Equal(t, domain.StatusIdle, st.Status)
	assert.WithinDuration(t, next, st.NextRun, time.Second)
	assert.Nil(t, st.LastRun)
	assert.Nil(t, st.LastError)
	assert.Zero(t, st.RunCount)
}

func TestPutRunStateUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	st := domain.TaskRunState{TaskID: "scrape", Status: domain.StatusIdle, NextRun: now}
	require.NoError(t, s.PutRunState(ctx, st))

	lastRun := now.Add(time.Minute)
	msg := "exit status 1"
	st.Status = domain.StatusError
	st.LastRun = &lastRun
	st.NextRun = lastRun.Add(10 * time.Minute)
	st.RunCount = 3
	st.ErrorCount = 1
	st.LastError = &msg
	require.NoError(t, s.PutRunState(ctx, st))

	got, err := s.GetRunState(ctx, "scrape")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Equal(t, 3, got.RunCount)
	assert.Equal(t, 1, got.ErrorCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, msg, *got.LastError)
	require.NotNil(t, got.LastRun)
	assert.WithinDuration(t, lastRun, *got.LastRun, time.Second)

	states, err := s.ListRunStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestCheckpointRoundTripAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutRunState(ctx, domain.TaskRunState{
		TaskID: "digest", Status: domain.StatusIdle, NextRun: time.Now().UTC(),
	}))

	payload := []byte(`{"offset":4831,"cursor":"msg-99f"}`)
	require.NoError(t, s.SaveCheckpoint(ctx, "digest", payload))
	require.NoError(t, s.Close())

	// Simulated process restart.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, ok, err := s.LoadCheckpoint(ctx, "digest")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestCheckpointSurvivesRunStateWrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st := domain.TaskRunState{TaskID: "digest", Status: domain.StatusIdle, NextRun: time.Now().UTC()}
	require.NoError(t, s.PutRunState(ctx, st))
	require.NoError(t, s.SaveCheckpoint(ctx, "digest", []byte("offset=12")))

	// Scheduler bookkeeping after a run must not touch the checkpoint.
	st.Status = domain.StatusRunning
	require.NoError(t, s.PutRunState(ctx, st))
	st.Status = domain.StatusIdle
	st.RunCount = 1
	require.NoError(t, s.PutRunState(ctx, st))

	got, ok, err := s.LoadCheckpoint(ctx, "digest")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("offset=12"), got)
}

func TestLoadCheckpointAbsent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, _, err := s.LoadCheckpoint(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutRunState(ctx, domain.TaskRunState{
		TaskID: "fresh", Status: domain.StatusIdle, NextRun: time.Now().UTC(),
	}))
	_, ok, err := s.LoadCheckpoint(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveCheckpointEmptyMeansAbsent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRunState(ctx, domain.TaskRunState{
		TaskID: "digest", Status: domain.StatusIdle, NextRun: time.Now().UTC(),
	}))
	require.NoError(t, s.SaveCheckpoint(ctx, "digest", []byte("offset=3")))

	// Saving an empty payload is a clear, not a zero-length checkpoint.
	require.NoError(t, s.SaveCheckpoint(ctx, "digest", []byte{}))
	_, ok, err := s.LoadCheckpoint(ctx, "digest")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendAndQueryLog(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	dur := 2 * time.Second
	entries := []domain.LogEntry{
		{TaskID: "a", Timestamp: base, Action: domain.ActionStarted},
		{TaskID: "a", Timestamp: base.Add(time.Second), Action: domain.ActionCompleted, Duration: &dur},
		{TaskID: "b", Timestamp: base.Add(2 * time.Second), Action: domain.ActionStarted},
		{TaskID: "b", Timestamp: base.Add(3 * time.Second), Action: domain.ActionError, Message: "boom"},
	}
	for _, e := range entries {
		id, err := s.AppendLog(ctx, e)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	// Most recent first, across all tasks.
	all, err := s.QueryLog(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, domain.ActionError, all[0].Action)
	assert.Equal(t, "boom", all[0].Message)
	assert.Equal(t, domain.ActionStarted, all[3].Action)

	// Filtered by task id.
	forA, err := s.QueryLog(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, forA, 2)
	assert.Equal(t, domain.ActionCompleted, forA[0].Action)
	require.NotNil(t, forA[0].Duration)
	assert.Equal(t, dur, *forA[0].Duration)

	// Limit applies after ordering.
	top, err := s.QueryLog(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "b", top[0].TaskID)
}

func TestRecoverInterrupted(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.PutRunState(ctx, domain.TaskRunState{
		TaskID: "stuck", Status: domain.StatusRunning, NextRun: old.Add(2 * time.Hour),
	}))
	require.NoError(t, s.PutRunState(ctx, domain.TaskRunState{
		TaskID: "fine", Status: domain.StatusIdle, NextRun: old,
	}))
	require.NoError(t, s.SaveCheckpoint(ctx, "stuck", []byte("mid-batch")))

	now := time.Now().UTC()
	n, err := s.RecoverInterrupted(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stuck, err := s.GetRunState(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stuck.Status)
	require.NotNil(t, stuck.LastError)
	assert.Equal(t, "interrupted, state unknown", *stuck.LastError)
	assert.False(t, stuck.NextRun.After(now.Add(time.Second)), "repaired task must be immediately eligible")

	// The stale checkpoint survives; only the task decides it is stale.
	ckpt, ok, err := s.LoadCheckpoint(ctx, "stuck")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("mid-batch"), ckpt)

	fine, err := s.GetRunState(ctx, "fine")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, fine.Status)
}
