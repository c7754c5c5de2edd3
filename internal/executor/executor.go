// Package executor runs one task to completion or timeout as an isolated
// child process, capturing exit status, duration and a truncated excerpt of
// its output. Retry policy lives in the scheduler loop, never here.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"taskmill/internal/checkpoint"
	"taskmill/internal/domain"
)

// ErrTimeout marks a run that exceeded its wall-clock budget.
var ErrTimeout = errors.New("execution timed out")

const (
	// DefaultTimeout is the per-run wall-clock budget unless the definition
	// overrides it.
	DefaultTimeout = 300 * time.Second
	// OutputLimit bounds captured bytes per stream.
	OutputLimit = 500
	// CheckpointFileEnv names the env var through which a child process reads
	// and writes its checkpoint without linking against the scheduler.
	CheckpointFileEnv = "TASKMILL_CHECKPOINT_FILE"
)

type Engine struct {
	checkpoints *checkpoint.Manager
	timeout     time.Duration
	workDir     string // scratch space for checkpoint files
}

func NewEngine(cp *checkpoint.Manager, defaultTimeout time.Duration) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Engine{checkpoints: cp, timeout: defaultTimeout, workDir: os.TempDir()}
}

// Execute invokes the task's executable, enforcing the wall-clock timeout by
// forcibly terminating the child's whole process group. It never retries.
func (e *Engine) Execute(ctx context.Context, def domain.TaskDefinition) domain.ExecutionResult {
	timeout := e.timeout
	if def.TimeoutSeconds > 0 {
		timeout = time.Duration(def.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, def.Executable, def.Args...)
	// Own process group so a timeout kill reaches the entire subprocess tree,
	// not just the immediate child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr boundedBuffer
	stdout.limit = OutputLimit
	stderr.limit = OutputLimit
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()

	ckptFile, hadCkpt, ckptErr := e.stageCheckpoint(ctx, def.ID)
	if ckptErr == nil && ckptFile != "" {
		cmd.Env = append(cmd.Env, CheckpointFileEnv+"="+ckptFile)
		defer os.Remove(ckptFile)
	}

	start := time.Now()
	err := cmd.Run()
	dur := time.Since(start)

	if ckptErr == nil && ckptFile != "" {
		e.collectCheckpoint(ctx, def.ID, ckptFile, hadCkpt)
	}

	res := domain.ExecutionResult{
		Duration: dur,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		res.Err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case err != nil:
		if res.Stderr != "" {
			res.Err = fmt.Errorf("%v: %s", err, res.Stderr)
		} else {
			res.Err = err
		}
	default:
		res.Success = true
	}
	return res
}

// stageCheckpoint materializes the task's stored checkpoint into a scratch
// file the child can read and rewrite. An empty file is created when no
// checkpoint exists so the task always has somewhere to write.
func (e *Engine) stageCheckpoint(ctx context.Context, taskID string) (path string, existed bool, err error) {
	if e.checkpoints == nil {
		return "", false, nil
	}
	payload, ok, err := e.checkpoints.Load(ctx, taskID)
	if err != nil {
		return "", false, err
	}
	f, err := os.CreateTemp(e.workDir, "ckpt-"+filepath.Base(taskID)+"-*")
	if err != nil {
		return "", false, err
	}
	if ok {
		if _, err := f.Write(payload); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", false, err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", false, err
	}
	return f.Name(), ok, nil
}

// collectCheckpoint persists whatever the child left in the scratch file.
// Deleting or truncating the file both mean the task declared its own marker
// stale; an empty payload is never stored, so Load can treat absence and
// emptiness as the same thing.
func (e *Engine) collectCheckpoint(ctx context.Context, taskID, path string, hadBefore bool) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return
	}
	if len(data) == 0 {
		if hadBefore {
			_ = e.checkpoints.Clear(ctx, taskID)
		}
		return
	}
	_ = e.checkpoints.Save(ctx, taskID, data)
}

// boundedBuffer keeps at most limit bytes and drops the rest, so a chatty
// task can't grow scheduler memory without bound.
type boundedBuffer struct {
	buf   []byte
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string { return string(b.buf) }
