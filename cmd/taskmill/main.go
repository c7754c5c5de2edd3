package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskmill/internal/api"
	"taskmill/internal/checkpoint"
	"taskmill/internal/client"
	"taskmill/internal/config"
	"taskmill/internal/control"
	"taskmill/internal/domain"
	"taskmill/internal/executor"
	"taskmill/internal/registry"
	"taskmill/internal/scheduler"
	"taskmill/internal/store"
)

var CLI struct {
	Addr string `help:"Daemon base URL for client commands" default:"http://127.0.0.1:8080"`

	Serve struct {
		Config string `short:"c" help:"Configuration file path" default:"taskmill.yaml"`
		Debug  bool   `help:"Expose pprof endpoints"`
	} `cmd:"" help:"Run the scheduler daemon"`

	Status struct{} `cmd:"" help:"Show all task run states and loop metadata"`

	Run struct {
		ID    string `arg:"" help:"Task id"`
		Force bool   `help:"Bypass the next_run gate"`
	} `cmd:"" help:"Request immediate execution of one task"`

	RunAll struct{} `cmd:"" name:"run-all" help:"Force-dispatch every enabled task"`

	Reload struct{} `cmd:"" help:"Re-parse the daemon's config file and apply definition changes"`

	Logs struct {
		ID    string `arg:"" optional:"" help:"Task id (all tasks if omitted)"`
		Limit int    `help:"Maximum entries" default:"50"`
	} `cmd:"" help:"Query the execution log, most recent first"`

	Pause struct {
		ID string `arg:"" help:"Task id"`
	} `cmd:"" help:"Exclude a task from scheduling until resumed"`

	Resume struct {
		ID string `arg:"" help:"Return a paused task to the due set"`
	} `cmd:"" help:"Resume a paused task"`
}

func main() {
	kctx := kong.Parse(&CLI)

	var err error
	switch kctx.Command() {
	case "serve":
		err = runServe()
	case "status":
		err = runStatus()
	case "run <id>":
		err = runTask()
	case "run-all":
		err = runAllTasks()
	case "reload":
		err = runReload()
	case "logs", "logs <id>":
		err = runLogs()
	case "pause <id>":
		err = client.New(CLI.Addr).Pause(context.Background(), CLI.Pause.ID)
	case "resume <id>":
		err = client.New(CLI.Addr).Resume(context.Background(), CLI.Resume.ID)
	default:
		err = fmt.Errorf("unknown command %q", kctx.Command())
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load(CLI.Serve.Config)
	if err != nil {
		return err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	tick, err := cfg.TickInterval()
	if err != nil {
		return err
	}
	taskPause, err := cfg.TaskPauseInterval()
	if err != nil {
		return err
	}
	execTimeout, err := cfg.ExecTimeout()
	if err != nil {
		return err
	}

	reg, err := registry.Load(cfg.Definitions())
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	// The registry load step repairs anything an abrupt kill left behind.
	created, repaired, err := reg.Reconcile(context.Background(), st, time.Now().UTC())
	if err != nil {
		return err
	}
	log.Info().Int("tasks", reg.Len()).Int("created", created).Int("repaired", repaired).Msg("registry reconciled")

	cp := checkpoint.NewManager(st)
	engine := executor.NewEngine(cp, execTimeout)
	loop := scheduler.New(reg, st, engine, scheduler.Options{Tick: tick, TaskPause: taskPause})

	// Reload re-reads the same config file the daemon started with.
	cfgPath := CLI.Serve.Config
	loader := func() ([]domain.TaskDefinition, error) {
		c, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		return c.Definitions(), nil
	}
	ctrl := control.New(reg, st, loop, loader)

	// The loop itself is signal-free; the host wiring owns the cancellation.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: cfg.Listen, Handler: api.NewServerWithDebug(ctrl, CLI.Serve.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("control API starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("control API")
		}
	}()

	err = loop.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runStatus() error {
	st, err := client.New(CLI.Addr).Status(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("tick %d, shutdown pending: %v", st.Loop.Tick, st.Loop.ShutdownPending)
	if len(st.Loop.InFlight) > 0 {
		fmt.Printf(", in flight: %s", strings.Join(st.Loop.InFlight, ","))
	}
	fmt.Println()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tENABLED\tPRI\tRUNS\tERRORS\tLAST RUN\tNEXT RUN\tLAST ERROR")
	for _, t := range st.Tasks {
		lastRun := "-"
		if t.LastRun != nil {
			lastRun = t.LastRun.Local().Format(time.RFC3339)
		}
		lastErr := ""
		if t.LastError != nil {
			lastErr = *t.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%d\t%d\t%d\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Enabled, t.Priority, t.RunCount, t.ErrorCount,
			lastRun, t.NextRun.Local().Format(time.RFC3339), lastErr)
	}
	return tw.Flush()
}

func runTask() error {
	out, err := client.New(CLI.Addr).Run(context.Background(), CLI.Run.ID, CLI.Run.Force)
	if err != nil {
		return err
	}
	if out.Skipped {
		fmt.Printf("skipped: %s\n", out.Reason)
	} else {
		fmt.Println("dispatched")
	}
	return nil
}

func runAllTasks() error {
	ids, err := client.New(CLI.Addr).RunAll(context.Background())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("nothing to dispatch")
		return nil
	}
	fmt.Printf("dispatched: %s\n", strings.Join(ids, ", "))
	return nil
}

func runReload() error {
	res, err := client.New(CLI.Addr).Reload(context.Background())
	if err != nil {
		return err
	}
	if len(res.Added)+len(res.Removed)+len(res.Changed) == 0 {
		fmt.Println("no definition changes")
		return nil
	}
	if len(res.Added) > 0 {
		fmt.Printf("added: %s\n", strings.Join(res.Added, ", "))
	}
	if len(res.Changed) > 0 {
		fmt.Printf("changed: %s\n", strings.Join(res.Changed, ", "))
	}
	if len(res.Removed) > 0 {
		fmt.Printf("removed: %s\n", strings.Join(res.Removed, ", "))
	}
	return nil
}

func runLogs() error {
	entries, err := client.New(CLI.Addr).Logs(context.Background(), CLI.Logs.ID, CLI.Logs.Limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTASK\tACTION\tDURATION\tMESSAGE")
	for _, e := range entries {
		dur := "-"
		if e.Duration != nil {
			dur = e.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.RFC3339), e.TaskID, e.Action, dur, e.Message)
	}
	return tw.Flush()
}
