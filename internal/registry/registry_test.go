package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmill/internal/domain"
	"taskmill/internal/store"
)

func def(id string, interval int) domain.TaskDefinition {
	return domain.TaskDefinition{
		ID:              id,
		Name:            id,
		Executable:      "/usr/local/bin/" + id,
		IntervalMinutes: interval,
		Enabled:         true,
	}
}

func TestLoadValid(t *testing.T) {
	r, err := Load([]domain.TaskDefinition{def("b", 10), def("a", 5), def("c", 1)})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())

	var ids []string
	for _, d := range r.All() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	got, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, 10, got.IntervalMinutes)
	_, ok = r.Get("zz")
	assert.False(t, ok)
}

func TestReplaceDiffsAndSwaps(t *testing.T) {
	r, err := Load([]domain.TaskDefinition{def("a", 5), def("b", 10)})
	require.NoError(t, err)

	diff, err := r.Replace([]domain.TaskDefinition{def("a", 15), def("c", 5)})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, diff.Added)
	assert.Equal(t, []string{"b"}, diff.Removed)
	assert.Equal(t, []string{"a"}, diff.Changed)

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 15, got.IntervalMinutes)
	_, ok = r.Get("b")
	assert.False(t, ok)
	_, ok = r.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, r.Len())
}

func TestReplaceNoChanges(t *testing.T) {
	r, err := Load([]domain.TaskDefinition{def("a", 5)})
	require.NoError(t, err)

	diff, err := r.Replace([]domain.TaskDefinition{def("a", 5)})
	require.NoError(t, err)
	assert.Empty(t, diff.Added)
	assert.Empty(t, diff.Removed)
	assert.Empty(t, diff.Changed)
}

func TestReplaceInvalidKeepsCurrentTable(t *testing.T) {
	r, err := Load([]domain.TaskDefinition{def("a", 5)})
	require.NoError(t, err)

	_, err = r.Replace([]domain.TaskDefinition{def("b", 5), def("b", 5)})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "b", cfgErr.TaskID)

	_, ok := r.Get("a")
	assert.True(t, ok)
	_, ok = r.Get("b")
	assert.False(t, ok)
}

func TestEnsureRunStatesSkipsExisting(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "reg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	now := time.Now().UTC()

	r, err := Load([]domain.TaskDefinition{def("a", 5)})
	require.NoError(t, err)
	_, _, err = r.Reconcile(ctx, s, now)
	require.NoError(t, err)

	// Mark a running, then grow the set. EnsureRunStates must only create the
	// newcomer, never touch a's row.
	st, err := s.GetRunState(ctx, "a")
	require.NoError(t, err)
	st.Status = domain.StatusRunning
	require.NoError(t, s.PutRunState(ctx, st))

	_, err = r.Replace([]domain.TaskDefinition{def("a", 5), def("b", 5)})
	require.NoError(t, err)
	created, err := r.EnsureRunStates(ctx, s, now)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	st, err = s.GetRunState(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, st.Status)
	fresh, err := s.GetRunState(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, fresh.Status)
}

func TestLoadRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		defs []domain.TaskDefinition
		want string
	}{
		{
			name: "duplicate id",
			defs: []domain.TaskDefinition{def("a", 5), def("a", 5)},
			want: `task "a": duplicate id`,
		},
		{
			name: "missing executable",
			defs: []domain.TaskDefinition{{ID: "x", IntervalMinutes: 5}},
			want: `task "x": missing executable`,
		},
		{
			name: "zero interval",
			defs: []domain.TaskDefinition{{ID: "y", Executable: "/bin/true", IntervalMinutes: 0}},
			want: `task "y": interval must be positive, got 0`,
		},
		{
			name: "negative interval",
			defs: []domain.TaskDefinition{{ID: "y", Executable: "/bin/true", IntervalMinutes: -3}},
			want: `task "y": interval must be positive, got -3`,
		},
		{
			name: "missing id",
			defs: []domain.TaskDefinition{{Name: "nameless", Executable: "/bin/true", IntervalMinutes: 5}},
			want: `task "nameless": missing id`,
		},
		{
			name: "bad cron",
			defs: []domain.TaskDefinition{{ID: "z", Executable: "/bin/true", IntervalMinutes: 5, Cron: "not a cron"}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(tc.defs)
			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			if tc.want != "" {
				assert.Equal(t, tc.want, err.Error())
			}
		})
	}
}

func TestReconcileCreatesFreshRunStates(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "reg.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	r, err := Load([]domain.TaskDefinition{def("a", 5), def("b", 5)})
	require.NoError(t, err)

	now := time.Now().UTC()
	created, repaired, err := r.Reconcile(ctx, s, now)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Equal(t, 0, repaired)

	st, err := s.GetRunState(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, st.Status)
	assert.WithinDuration(t, now, st.NextRun, time.Second)

	// Second startup leaves existing rows alone.
	created, _, err = r.Reconcile(ctx, s, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestReconcileRepairsInterrupted(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "reg.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.PutRunState(ctx, domain.TaskRunState{
		TaskID:  "a",
		Status:  domain.StatusRunning,
		NextRun: time.Now().UTC().Add(time.Hour),
	}))

	r, err := Load([]domain.TaskDefinition{def("a", 5)})
	require.NoError(t, err)

	now := time.Now().UTC()
	created, repaired, err := r.Reconcile(ctx, s, now)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
	assert.Equal(t, 1, repaired)

	st, err := s.GetRunState(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, st.Status)
	require.NotNil(t, st.LastError)
	assert.Equal(t, "interrupted, state unknown", *st.LastError)
	assert.False(t, st.NextRun.After(now.Add(time.Second)))
}
