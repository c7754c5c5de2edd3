// Package control is the externally facing surface of the scheduler, shared
// by the HTTP API and any other collaborator (CLI, chat command router,
// remote supervisor).
package control

import (
	"context"
	"errors"
	"time"

	"taskmill/internal/domain"
	"taskmill/internal/registry"
	"taskmill/internal/scheduler"
	"taskmill/internal/store"
)

// ErrReloadUnavailable is returned when the controller was built without a
// definition loader, so there is no source to re-parse.
var ErrReloadUnavailable = errors.New("reload not configured")

// Loader re-parses the definition source (the YAML config file in the
// daemon). It is called on every reload request.
type Loader func() ([]domain.TaskDefinition, error)

// TaskStatus joins a definition with its persisted run state.
type TaskStatus struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Enabled    bool       `json:"enabled"`
	Priority   int        `json:"priority"`
	Status     string     `json:"status"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    time.Time  `json:"next_run"`
	RunCount   int        `json:"run_count"`
	ErrorCount int        `json:"error_count"`
	LastError  *string    `json:"last_error,omitempty"`
}

// Status is the full snapshot returned by the status operation.
type Status struct {
	Loop  scheduler.Snapshot `json:"loop"`
	Tasks []TaskStatus       `json:"tasks"`
}

type Controller struct {
	reg      *registry.Registry
	store    store.Store
	loop     *scheduler.Loop
	loadDefs Loader
}

func New(reg *registry.Registry, st store.Store, loop *scheduler.Loop, loader Loader) *Controller {
	return &Controller{reg: reg, store: st, loop: loop, loadDefs: loader}
}

// Status returns every registered task's run state plus loop metadata.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	states, err := c.store.ListRunStates(ctx)
	if err != nil {
		return Status{}, err
	}
	byID := make(map[string]domain.TaskRunState, len(states))
	for _, st := range states {
		byID[st.TaskID] = st
	}
	out := Status{Loop: c.loop.Snapshot()}
	for _, def := range c.reg.All() {
		ts := TaskStatus{
			ID:       def.ID,
			Name:     def.Name,
			Enabled:  def.Enabled,
			Priority: def.Priority,
			Status:   domain.StatusIdle,
		}
		if st, ok := byID[def.ID]; ok {
			ts.Status = st.Status
			ts.LastRun = st.LastRun
			ts.NextRun = st.NextRun
			ts.RunCount = st.RunCount
			ts.ErrorCount = st.ErrorCount
			ts.LastError = st.LastError
		}
		out.Tasks = append(out.Tasks, ts)
	}
	return out, nil
}

// Logs proxies to the store's log query. Empty taskID means all tasks.
func (c *Controller) Logs(ctx context.Context, taskID string, limit int) ([]domain.LogEntry, error) {
	if taskID != "" {
		if _, ok := c.reg.Get(taskID); !ok {
			return nil, scheduler.ErrUnknownTask
		}
	}
	return c.store.QueryLog(ctx, taskID, limit)
}

// RunNow requests immediate execution; force bypasses the next_run gate.
func (c *Controller) RunNow(ctx context.Context, taskID string, force bool) (scheduler.RunOutcome, error) {
	return c.loop.RunNow(ctx, taskID, force)
}

// RunAll force-dispatches every enabled, non-running task.
func (c *Controller) RunAll(ctx context.Context) ([]string, error) {
	return c.loop.RunAll(ctx)
}

// Pause excludes a task from scheduling until resumed.
func (c *Controller) Pause(ctx context.Context, taskID string) error {
	return c.loop.Pause(ctx, taskID)
}

// Resume returns a paused task to the due set.
func (c *Controller) Resume(ctx context.Context, taskID string) error {
	return c.loop.Resume(ctx, taskID)
}

// ReloadResult reports what a reload changed. Created counts the fresh run
// states written for added definitions.
type ReloadResult struct {
	registry.Diff
	Created int `json:"created"`
}

// Reload re-parses the definition source, validates it, and swaps it into the
// registry, reporting the diff. A validation failure aborts the reload and the
// previous table stays in force. Added definitions get a fresh idle run state
// due immediately; removed definitions keep their rows (history and checkpoint
// included) and simply stop being scheduled; changed definitions take effect
// from the next due-set evaluation without touching their run state.
func (c *Controller) Reload(ctx context.Context) (ReloadResult, error) {
	if c.loadDefs == nil {
		return ReloadResult{}, ErrReloadUnavailable
	}
	defs, err := c.loadDefs()
	if err != nil {
		return ReloadResult{}, err
	}
	diff, err := c.reg.Replace(defs)
	if err != nil {
		return ReloadResult{}, err
	}
	created, err := c.reg.EnsureRunStates(ctx, c.store, time.Now().UTC())
	if err != nil {
		return ReloadResult{Diff: diff, Created: created}, err
	}
	return ReloadResult{Diff: diff, Created: created}, nil
}
