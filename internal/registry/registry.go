package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskmill/internal/domain"
	"taskmill/internal/store"
)

// ConfigError names the offending definition. Fatal at load.
type ConfigError struct {
	TaskID string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("task %q: %s", e.TaskID, e.Reason)
}

// Registry is the authoritative in-memory table of task definitions, rebuilt
// deterministically from the definition set on every startup. Read-only
// between loads; Replace swaps in a re-parsed definition set atomically.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]domain.TaskDefinition
	ids  []string // sorted, for deterministic iteration
}

// Diff describes how a replacement definition set differs from the current
// table. Ids are sorted.
type Diff struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
}

func buildTable(defs []domain.TaskDefinition) (map[string]domain.TaskDefinition, []string, error) {
	table := make(map[string]domain.TaskDefinition, len(defs))
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		if d.ID == "" {
			return nil, nil, &ConfigError{TaskID: d.Name, Reason: "missing id"}
		}
		if _, dup := table[d.ID]; dup {
			return nil, nil, &ConfigError{TaskID: d.ID, Reason: "duplicate id"}
		}
		if d.Executable == "" {
			return nil, nil, &ConfigError{TaskID: d.ID, Reason: "missing executable"}
		}
		if d.IntervalMinutes <= 0 {
			return nil, nil, &ConfigError{TaskID: d.ID, Reason: fmt.Sprintf("interval must be positive, got %d", d.IntervalMinutes)}
		}
		if d.Cron != "" {
			if _, err := cron.ParseStandard(d.Cron); err != nil {
				return nil, nil, &ConfigError{TaskID: d.ID, Reason: fmt.Sprintf("invalid cron expression %q: %v", d.Cron, err)}
			}
		}
		table[d.ID] = d
		ids = append(ids, d.ID)
	}
	sort.Strings(ids)
	return table, ids, nil
}

// Load validates the definition set and builds the registry. The first
// malformed or duplicate entry aborts the load.
func Load(defs []domain.TaskDefinition) (*Registry, error) {
	table, ids, err := buildTable(defs)
	if err != nil {
		return nil, err
	}
	return &Registry{defs: table, ids: ids}, nil
}

// Replace validates a re-parsed definition set and swaps it in atomically,
// reporting the diff against the previous table. A validation failure leaves
// the current table untouched.
func (r *Registry) Replace(defs []domain.TaskDefinition) (Diff, error) {
	table, ids, err := buildTable(defs)
	if err != nil {
		return Diff{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var d Diff
	for id, nd := range table {
		od, ok := r.defs[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case !equalDefs(od, nd):
			d.Changed = append(d.Changed, id)
		}
	}
	for id := range r.defs {
		if _, ok := table[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	r.defs, r.ids = table, ids
	return d, nil
}

func equalDefs(a, b domain.TaskDefinition) bool {
	return a.ID == b.ID &&
		a.Name == b.Name &&
		a.Executable == b.Executable &&
		slices.Equal(a.Args, b.Args) &&
		a.IntervalMinutes == b.IntervalMinutes &&
		a.Enabled == b.Enabled &&
		a.Priority == b.Priority &&
		a.TimeoutSeconds == b.TimeoutSeconds &&
		a.Cron == b.Cron
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (domain.TaskDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// All returns every definition in id order.
func (r *Registry) All() []domain.TaskDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TaskDefinition, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.defs[id])
	}
	return out
}

// Len reports the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// Reconcile makes the store consistent with the registry at startup: any run
// state stuck in 'running' from an ungraceful shutdown is repaired to 'error'
// and made immediately eligible, and every definition without a run state gets
// a fresh idle one with next_run = now.
func (r *Registry) Reconcile(ctx context.Context, st store.Store, now time.Time) (created, repaired int, err error) {
	repaired, err = st.RecoverInterrupted(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	created, err = r.EnsureRunStates(ctx, st, now)
	return created, repaired, err
}

// EnsureRunStates creates a fresh idle run state for every definition that
// lacks one. Unlike Reconcile it never repairs 'running' rows, so it is safe
// to call while the loop has a task in flight (reload).
func (r *Registry) EnsureRunStates(ctx context.Context, st store.Store, now time.Time) (int, error) {
	created := 0
	for _, def := range r.All() {
		_, err := st.GetRunState(ctx, def.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return created, err
		}
		fresh := domain.TaskRunState{
			TaskID:  def.ID,
			Status:  domain.StatusIdle,
			NextRun: now,
		}
		if err := st.PutRunState(ctx, fresh); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
