package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/skobayashi/convoy/internal/detect"
	"github.com/skobayashi/convoy/internal/engine"
	"github.com/skobayashi/convoy/internal/janitor"
	"github.com/skobayashi/convoy/internal/model"
	"github.com/skobayashi/convoy/internal/monitor"
	"github.com/skobayashi/convoy/internal/recovery"
	"github.com/skobayashi/convoy/internal/session"
	"github.com/skobayashi/convoy/internal/store"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "add":
		runAdd(os.Args[2:])
	case "remove":
		runRemove(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "workflow":
		runWorkflow(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "version":
		fmt.Printf("convoy %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runWorkflow(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: convoy workflow <create|execute|status|pause|resume|cancel|checkpoint> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "create":
		runWorkflowCreate(args[1:])
	case "execute":
		runWorkflowExecute(args[1:])
	case "status":
		runWorkflowStatus(args[1:])
	case "pause":
		runWorkflowPause(args[1:])
	case "resume":
		runWorkflowResume(args[1:])
	case "cancel":
		runWorkflowCancel(args[1:])
	case "checkpoint":
		runWorkflowCheckpoint(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown workflow subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: convoy workflow <create|execute|status|pause|resume|cancel|checkpoint> [options]")
		os.Exit(1)
	}
}

func runInit(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	convoyDir := filepath.Join(dir, ".convoy")
	for _, sub := range []string{"", "backups", "archive", "locks", "logs"} {
		if err := os.MkdirAll(filepath.Join(convoyDir, sub), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			os.Exit(1)
		}
	}

	configPath := filepath.Join(convoyDir, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		data, err := yaml.Marshal(model.DefaultConfig())
		if err != nil {
			fmt.Fprintf(os.Stderr, "init: marshal default config: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(configPath, data, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			os.Exit(1)
		}
	}

	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized .convoy/ in %s\n", absDir)
}

func runAdd(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: convoy add <payload> [--priority n]")
		os.Exit(1)
	}

	payload := args[0]
	priority := 0
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--priority":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--priority requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(rest[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --priority value: %s\n", rest[i])
				os.Exit(1)
			}
			priority = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: convoy add <payload> [--priority n]\n", rest[i])
			os.Exit(1)
		}
	}

	st, _ := mustStore()
	task, err := model.NewTask(payload, priority)
	if err != nil {
		fmt.Fprintf(os.Stderr, "add: %v\n", err)
		os.Exit(1)
	}
	err = st.Mutate(context.Background(), func(state *model.QueueState) error {
		return store.AddTask(state, *task)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "add: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(task.ID)
}

func runRemove(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: convoy remove <id>")
		os.Exit(1)
	}
	id := args[0]

	st, _ := mustStore()
	err := st.Mutate(context.Background(), func(state *model.QueueState) error {
		return store.RemoveTask(state, id)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "remove: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("removed %s\n", id)
}

func runList(args []string) {
	jsonOutput := false
	statusFilter := ""
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			if statusFilter != "" {
				fmt.Fprintf(os.Stderr, "unknown argument: %s\nusage: convoy list [status] [--json]\n", a)
				os.Exit(1)
			}
			statusFilter = a
		}
	}

	st, _ := mustStore()
	state, err := st.LoadOrRecover()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		os.Exit(1)
	}

	tasks := state.Tasks
	if statusFilter != "" {
		filtered := make([]model.Task, 0, len(tasks))
		for _, t := range tasks {
			if string(t.Status) == statusFilter {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	if jsonOutput {
		out, err := json.MarshalIndent(tasks, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "list: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPRIORITY\tRETRIES\tCREATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", t.ID, t.Type, t.Status, t.Priority, t.RetryCount, t.CreatedAt)
	}
	w.Flush()
}

func runWorkflowCreate(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: convoy workflow create <type> <config> [--priority n]")
		os.Exit(1)
	}

	workflowType := args[0]
	ref := args[1]
	priority := 0
	rest := args[2:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--priority":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--priority requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(rest[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --priority value: %s\n", rest[i])
				os.Exit(1)
			}
			priority = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: convoy workflow create <type> <config> [--priority n]\n", rest[i])
			os.Exit(1)
		}
	}

	st, _ := mustStore()
	task, err := model.NewWorkflow(workflowType, ref, priority)
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflow create: %v\n", err)
		os.Exit(1)
	}
	err = st.Mutate(context.Background(), func(state *model.QueueState) error {
		return store.AddTask(state, *task)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflow create: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(task.ID)
}

func runWorkflowExecute(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: convoy workflow execute <id>")
		os.Exit(1)
	}
	id := args[0]

	st, cfg := mustStore()
	exec, err := buildExecutor(st, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflow execute: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := exec.ExecuteTask(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "workflow execute: %v\n", err)
		os.Exit(1)
	}
}

func runWorkflowStatus(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: convoy workflow status <id> [--detailed]")
		os.Exit(1)
	}
	id := args[0]
	detailed := false
	for _, a := range args[1:] {
		switch a {
		case "--detailed":
			detailed = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: convoy workflow status <id> [--detailed]\n", a)
			os.Exit(1)
		}
	}

	st, _ := mustStore()
	state, err := st.LoadOrRecover()
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflow status: %v\n", err)
		os.Exit(1)
	}
	task, err := store.FindTask(&state, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflow status: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("id:       %s\n", task.ID)
	fmt.Printf("type:     %s\n", task.WorkflowType)
	fmt.Printf("status:   %s\n", task.Status)
	fmt.Printf("progress: %d/%d steps\n", task.CurrentStep, len(task.Steps))
	fmt.Printf("retries:  %d\n", task.RetryCount)
	if task.LastError != nil {
		fmt.Printf("last error: %s\n", *task.LastError)
	}

	if !detailed {
		return
	}

	fmt.Println("\nsteps:")
	for i, s := range task.Steps {
		fmt.Printf("  [%d] %-8s %-12s retries=%d  %s\n", i, s.Phase, s.Status, s.RetryCount, s.Command)
	}
	if len(task.ErrorHistory) > 0 {
		fmt.Println("\nerror history:")
		for _, e := range task.ErrorHistory {
			fmt.Printf("  %s step=%d kind=%s retry=%d %q\n", e.Timestamp, e.StepIndex, e.Kind, e.RetryCount, e.Snippet)
		}
	}
	if len(task.Checkpoints) > 0 {
		fmt.Println("\ncheckpoints:")
		for _, cp := range task.Checkpoints {
			fmt.Printf("  %s %s reason=%s\n", cp.CreatedAt, cp.CheckpointID, cp.Reason)
		}
	}
}

func runWorkflowPause(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: convoy workflow pause <id>")
		os.Exit(1)
	}
	id := args[0]

	st, _ := mustStore()
	err := st.Mutate(context.Background(), func(state *model.QueueState) error {
		return store.UpdateStatus(state, id, model.StatusPaused)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflow pause: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("paused %s\n", id)
}

func runWorkflowResume(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: convoy workflow resume <id> [--from-step n]")
		os.Exit(1)
	}
	id := args[0]
	fromStep := -1
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--from-step":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--from-step requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(rest[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --from-step value: %s\n", rest[i])
				os.Exit(1)
			}
			fromStep = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: convoy workflow resume <id> [--from-step n]\n", rest[i])
			os.Exit(1)
		}
	}

	st, _ := mustStore()
	err := st.Mutate(context.Background(), func(state *model.QueueState) error {
		task, err := store.FindTask(state, id)
		if err != nil {
			return err
		}
		if task.Status != model.StatusPaused && task.Status != model.StatusFailed {
			return fmt.Errorf("task %s is %s, only paused or failed workflows can resume", id, task.Status)
		}
		step := fromStep
		if step < 0 {
			step = task.CurrentStep
		}
		return engine.ResumeFromStep(task, step)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflow resume: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("resumed %s\n", id)
}

func runWorkflowCancel(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: convoy workflow cancel <id>")
		os.Exit(1)
	}
	id := args[0]

	st, _ := mustStore()
	err := st.Mutate(context.Background(), func(state *model.QueueState) error {
		return store.UpdateStatus(state, id, model.StatusCancelled)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflow cancel: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("cancelled %s\n", id)
}

func runWorkflowCheckpoint(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: convoy workflow checkpoint <id>")
		os.Exit(1)
	}
	id := args[0]

	st, _ := mustStore()
	var checkpointID string
	err := st.Mutate(context.Background(), func(state *model.QueueState) error {
		task, err := store.FindTask(state, id)
		if err != nil {
			return err
		}
		checkpointID, err = engine.CreateCheckpoint(task, "manual")
		return err
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflow checkpoint: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(checkpointID)
}

func runRun(_ []string) {
	st, cfg := mustStore()
	convoyDir := st.Dir()

	exec, err := buildExecutor(st, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "", 0)
	mon := monitor.New(cfg.Monitor, logger, cfg.Logging.Level)

	jan := janitor.New(st, cfg.Janitor, logger, cfg.Logging.Level)
	if err := jan.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	defer jan.Stop()

	runner, err := engine.NewRunner(convoyDir, cfg, st, exec, mon)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	if err := runner.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
}

func buildExecutor(st *store.Store, cfg model.Config) (*engine.Executor, error) {
	logger := log.New(os.Stderr, "", 0)
	sess := session.NewTmux(cfg.Session.Name)
	det, err := detect.New(sess, cfg.Detector, cfg.Session.CaptureLines, logger, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("create detector: %w", err)
	}
	rec := recovery.NewController(cfg.Retry)
	return engine.NewExecutor(st, sess, det, rec, cfg, logger), nil
}

// mustStore locates .convoy/, loads config, and opens the store. Exits
// with a message if any of that fails.
func mustStore() (*store.Store, model.Config) {
	convoyDir := findConvoyDir()
	if convoyDir == "" {
		fmt.Fprintln(os.Stderr, "error: .convoy/ directory not found. Run 'convoy init <dir>' first.")
		os.Exit(1)
	}
	cfg, err := loadConfig(convoyDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	st, err := store.New(convoyDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	return st, cfg
}

// findConvoyDir searches for .convoy/ in the current directory and ancestors.
func findConvoyDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".convoy")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadConfig(convoyDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(convoyDir, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return model.DefaultConfig(), nil
		}
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return model.ApplyDefaults(cfg), nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `convoy %s — Task queue and recovery engine for AI CLI sessions

Usage: convoy <command> [options]

Queue:
  init [dir]                Initialize .convoy/ directory
  add <payload> [--priority n]   Enqueue a simple task
  remove <id>               Remove a task from the queue
  list [status] [--json]    List tasks, optionally filtered by status

Workflows:
  workflow create <type> <config> [--priority n]   Create a workflow (issue-merge, generic)
  workflow execute <id>     Execute a workflow to completion
  workflow status <id> [--detailed]   Show workflow progress
  workflow pause <id>       Pause a running or failed workflow
  workflow resume <id> [--from-step n]   Resume a paused or failed workflow
  workflow cancel <id>      Cancel a workflow
  workflow checkpoint <id>  Snapshot workflow state

Dispatcher:
  run                       Run the dispatch loop (singleton)

Utilities:
  version                   Show version
  help                      Show this help

`, version)
}
