// Package scheduler drives the control loop: it determines which tasks are
// due, orders them, invokes the execution engine, updates persisted state and
// sleeps. The loop is single-threaded cooperative; one task runs to completion
// before the next is considered.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"taskmill/internal/domain"
	"taskmill/internal/registry"
	"taskmill/internal/store"
)

var (
	// ErrUnknownTask means the id is not in the registry.
	ErrUnknownTask = errors.New("unknown task")
	// ErrAlreadyRunning rejects a duplicate run-now for an in-flight task.
	ErrAlreadyRunning = errors.New("task already running")
)

// Engine runs one task to completion or timeout. *executor.Engine is the
// production implementation.
type Engine interface {
	Execute(ctx context.Context, def domain.TaskDefinition) domain.ExecutionResult
}

// RunOutcome reports whether a run-now request was dispatched or skipped.
type RunOutcome struct {
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

// Snapshot is loop-level metadata for the status surface.
type Snapshot struct {
	Tick            int64    `json:"tick"`
	ShutdownPending bool     `json:"shutdown_pending"`
	InFlight        []string `json:"in_flight,omitempty"`
}

type Options struct {
	Tick      time.Duration // due-task evaluation interval, default 60s
	TaskPause time.Duration // delay between tasks within a tick, default 1s
}

type Loop struct {
	reg    *registry.Registry
	store  store.Store
	engine Engine

	tick      time.Duration
	taskPause time.Duration

	mu              sync.Mutex
	inFlight        map[string]bool
	pending         map[string]bool // run-now requests awaiting dispatch
	tickCount       int64
	shutdownPending bool

	wake chan struct{}
}

func New(reg *registry.Registry, st store.Store, engine Engine, opts Options) *Loop {
	if opts.Tick <= 0 {
		opts.Tick = 60 * time.Second
	}
	if opts.TaskPause <= 0 {
		opts.TaskPause = time.Second
	}
	return &Loop{
		reg:       reg,
		store:     st,
		engine:    engine,
		tick:      opts.Tick,
		taskPause: opts.TaskPause,
		inFlight:  make(map[string]bool),
		pending:   make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
}

// Run blocks until ctx is cancelled. Cancellation is the shutdown request:
// the in-flight task's bookkeeping is finished, no new tasks are started.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	log.Info().Dur("tick", l.tick).Int("tasks", l.reg.Len()).Msg("scheduler loop started")

	for {
		select {
		case <-ctx.Done():
			l.markShutdown()
			log.Info().Msg("scheduler loop stopped")
			return ctx.Err()
		case now := <-ticker.C:
			l.runTick(ctx, now)
		case <-l.wake:
			l.runTick(ctx, time.Now())
		}
	}
}

// Snapshot returns current loop metadata.
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := Snapshot{Tick: l.tickCount, ShutdownPending: l.shutdownPending}
	for id := range l.inFlight {
		snap.InFlight = append(snap.InFlight, id)
	}
	sort.Strings(snap.InFlight)
	return snap
}

// RunNow requests immediate execution of one task. Without force the next_run
// gate still applies and an early request is skipped without mutating state.
// Force bypasses only that gate: a disabled or paused task is skipped either
// way. A request for an in-flight task is rejected, never queued.
func (l *Loop) RunNow(ctx context.Context, taskID string, force bool) (RunOutcome, error) {
	def, ok := l.reg.Get(taskID)
	if !ok {
		return RunOutcome{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	st, err := l.store.GetRunState(ctx, taskID)
	if err != nil {
		return RunOutcome{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[taskID] || st.Status == domain.StatusRunning {
		return RunOutcome{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, taskID)
	}
	if st.Status == domain.StatusPaused {
		return RunOutcome{Skipped: true, Reason: "task is paused"}, nil
	}
	if !def.Enabled {
		return RunOutcome{Skipped: true, Reason: "task is disabled"}, nil
	}
	if !force && time.Now().Before(st.NextRun) {
		return RunOutcome{
			Skipped: true,
			Reason:  fmt.Sprintf("not due until %s", st.NextRun.UTC().Format(time.RFC3339)),
		}, nil
	}
	l.pending[taskID] = true
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return RunOutcome{}, nil
}

// RunAll force-requests every enabled, non-running, non-paused task and
// returns the dispatched ids.
func (l *Loop) RunAll(ctx context.Context) ([]string, error) {
	var dispatched []string
	for _, def := range l.reg.All() {
		if !def.Enabled {
			continue
		}
		out, err := l.RunNow(ctx, def.ID, true)
		if err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				continue
			}
			return dispatched, err
		}
		if !out.Skipped {
			dispatched = append(dispatched, def.ID)
		}
	}
	return dispatched, nil
}

// Pause excludes a task from the due set until resumed. A task cannot be
// paused mid-run; execution is an opaque process that cannot be suspended.
func (l *Loop) Pause(ctx context.Context, taskID string) error {
	return l.setPaused(ctx, taskID, true)
}

// Resume returns a paused task to idle. Its next_run is unchanged, so an
// overdue task runs on the next tick.
func (l *Loop) Resume(ctx context.Context, taskID string) error {
	return l.setPaused(ctx, taskID, false)
}

func (l *Loop) setPaused(ctx context.Context, taskID string, paused bool) error {
	if _, ok := l.reg.Get(taskID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	st, err := l.store.GetRunState(ctx, taskID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if paused {
		if l.inFlight[taskID] || st.Status == domain.StatusRunning {
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, taskID)
		}
		if st.Status == domain.StatusPaused {
			return nil
		}
		st.Status = domain.StatusPaused
	} else {
		if st.Status != domain.StatusPaused {
			return nil
		}
		st.Status = domain.StatusIdle
	}
	if err := l.store.PutRunState(ctx, st); err != nil {
		return err
	}
	action := domain.ActionPaused
	if !paused {
		action = domain.ActionResumed
	}
	_, err = l.store.AppendLog(ctx, domain.LogEntry{TaskID: taskID, Action: action, Message: "manual override"})
	return err
}

func (l *Loop) markShutdown() {
	l.mu.Lock()
	l.shutdownPending = true
	l.mu.Unlock()
}

type dueTask struct {
	def    domain.TaskDefinition
	state  domain.TaskRunState
	forced bool
}

// runTick evaluates the due set and dispatches it in order. Storage errors are
// fatal for the tick, not the process; the loop retries next tick.
func (l *Loop) runTick(ctx context.Context, now time.Time) {
	l.mu.Lock()
	l.tickCount++
	forced := l.pending
	l.pending = make(map[string]bool)
	l.mu.Unlock()

	due, err := l.dueSet(ctx, now, forced)
	if err != nil {
		log.Error().Err(err).Msg("failed to evaluate due set")
		return
	}

	for i, dt := range due {
		if ctx.Err() != nil {
			l.markShutdown()
			log.Info().Str("task_id", dt.def.ID).Msg("interrupt requested, skipping remaining due tasks")
			return
		}
		l.runOne(ctx, dt.def, dt.state)
		if i < len(due)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(l.taskPause):
			}
		}
	}
}

func (l *Loop) dueSet(ctx context.Context, now time.Time, forced map[string]bool) ([]dueTask, error) {
	states, err := l.store.ListRunStates(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.TaskRunState, len(states))
	for _, st := range states {
		byID[st.TaskID] = st
	}

	var due []dueTask
	for _, def := range l.reg.All() {
		st, ok := byID[def.ID]
		if !ok {
			continue
		}
		if st.Status == domain.StatusRunning || st.Status == domain.StatusPaused {
			continue
		}
		if !def.Enabled {
			continue
		}
		if forced[def.ID] {
			due = append(due, dueTask{def: def, state: st, forced: true})
			continue
		}
		if now.Before(st.NextRun) {
			continue
		}
		due = append(due, dueTask{def: def, state: st})
	}
	// Priority ascending, then id for determinism among equals.
	sort.Slice(due, func(i, j int) bool {
		if due[i].def.Priority != due[j].def.Priority {
			return due[i].def.Priority < due[j].def.Priority
		}
		return due[i].def.ID < due[j].def.ID
	})
	return due, nil
}

// runOne executes a single task and persists its bookkeeping. Writes after a
// shutdown request use a detached context so the in-flight task's state is
// never abandoned mid-write.
func (l *Loop) runOne(ctx context.Context, def domain.TaskDefinition, st domain.TaskRunState) {
	l.mu.Lock()
	if l.inFlight[def.ID] {
		l.mu.Unlock()
		return
	}
	l.inFlight[def.ID] = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.inFlight, def.ID)
		l.mu.Unlock()
	}()

	// Bookkeeping must complete even if ctx is cancelled mid-run.
	bookCtx := context.WithoutCancel(ctx)

	st.Status = domain.StatusRunning
	if err := l.store.PutRunState(bookCtx, st); err != nil {
		log.Error().Err(err).Str("task_id", def.ID).Msg("failed to mark task running")
		return
	}
	if _, err := l.store.AppendLog(bookCtx, domain.LogEntry{TaskID: def.ID, Action: domain.ActionStarted, Message: def.Executable}); err != nil {
		log.Error().Err(err).Str("task_id", def.ID).Msg("failed to append started entry")
	}

	res := l.engine.Execute(ctx, def)
	completedAt := time.Now().UTC()

	st.LastRun = &completedAt
	st.NextRun = nextRun(def, completedAt)
	action := domain.ActionCompleted
	message := ""
	if res.Success {
		st.Status = domain.StatusIdle
		st.RunCount++
		st.LastError = nil
	} else {
		st.Status = domain.StatusError
		st.ErrorCount++
		msg := res.Err.Error()
		st.LastError = &msg
		action = domain.ActionError
		if res.TimedOut {
			action = domain.ActionTimeout
		}
		message = msg
	}
	if err := l.store.PutRunState(bookCtx, st); err != nil {
		log.Error().Err(err).Str("task_id", def.ID).Msg("failed to persist run state")
		return
	}
	dur := res.Duration
	if _, err := l.store.AppendLog(bookCtx, domain.LogEntry{
		TaskID:   def.ID,
		Action:   action,
		Message:  message,
		Duration: &dur,
	}); err != nil {
		log.Error().Err(err).Str("task_id", def.ID).Msg("failed to append run entry")
	}

	ev := log.Info()
	if !res.Success {
		ev = log.Warn()
	}
	ev.Str("task_id", def.ID).
		Str("action", action).
		Dur("duration", res.Duration).
		Time("next_run", st.NextRun).
		Msg("task finished")
}

// nextRun recomputes eligibility after a run: completed_at + interval, or the
// cron schedule's next firing when the definition carries one.
func nextRun(def domain.TaskDefinition, completedAt time.Time) time.Time {
	if def.Cron != "" {
		if sched, err := cron.ParseStandard(def.Cron); err == nil {
			return sched.Next(completedAt)
		}
	}
	return completedAt.Add(def.Interval())
}
