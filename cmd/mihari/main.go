package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/msageha/mihari/internal/daemon"
	"github.com/msageha/mihari/internal/events"
	"github.com/msageha/mihari/internal/model"
	"github.com/msageha/mihari/internal/pipeline"
	"github.com/msageha/mihari/internal/setup"
	"github.com/msageha/mihari/internal/status"
	"github.com/msageha/mihari/internal/term"
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
	case "watch":
		runWatch(os.Args[2:])
	case "run":
		runOnce(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "runs":
		runRuns(os.Args[2:])
	case "rerun":
		runRerun(os.Args[2:])
	case "version":
		fmt.Printf("mihari %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	dir := "."
	var name string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		case strings.HasPrefix(args[i], "-"):
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: mihari init [dir] [--name <project>]\n", args[i])
			os.Exit(1)
		default:
			dir = args[i]
		}
	}

	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized .mihari/ in %s\n", absDir)
	fmt.Printf("Edit %s to declare your pipeline, then start 'mihari watch'.\n",
		filepath.Join(absDir, ".mihari", "config.yaml"))
}

func runWatch(args []string) {
	var addr string
	noServer := false
	noRunOnStart := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			i++
			addr = args[i]
		case "--no-server":
			noServer = true
		case "--no-run-on-start":
			noRunOnStart = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: mihari watch [--addr <host:port>] [--no-server] [--no-run-on-start]\n", args[i])
			os.Exit(1)
		}
	}

	mihariDir := requireMihariDir()
	cfg, err := model.LoadConfig(mihariDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	// Command-line overrides beat config.yaml for this invocation only.
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if noServer {
		off := false
		cfg.Server.Enabled = &off
	}
	if noRunOnStart {
		off := false
		cfg.Watch.RunOnStart = &off
	}
	projectDir := filepath.Dir(mihariDir)

	d, err := daemon.New(projectDir, mihariDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("watching %s — press Ctrl-C to stop\n", projectDir)
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
}

// runOnce executes the pipeline a single time without watching, for CI
// scripts and quick checks. The exit code reflects the run status. With
// --json the event stream is emitted as JSON lines instead of styled text,
// the same shape the daemon's /api/stream serves.
func runOnce(args []string) {
	jsonOutput := parseJSONFlag(args, "run")

	mihariDir := requireMihariDir()
	cfg, err := model.LoadConfig(mihariDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	projectDir := filepath.Dir(mihariDir)

	bc := events.NewBroadcaster(cfg.Server.Backlog, cfg.Server.StreamBuffer)
	sub, err := bc.Subscribe(0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			for ev := range sub.Events() {
				enc.Encode(ev)
			}
			return
		}
		printer := term.NewPrinter(os.Stdout, term.DefaultTheme)
		printer.Run(context.Background(), sub)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(projectDir, cfg.Run.GracePeriod(), bc)

	bc.BeginRun(1)
	bc.Publish(events.RunStart(1, model.Trigger{
		Reason:    model.TriggerManual,
		Timestamp: time.Now().UTC(),
	}))
	_, result := runner.Run(ctx, 1, cfg.Pipeline, nil)
	bc.Publish(events.RunEnd(1, result))

	bc.Close()
	<-printed

	if result != model.RunPassed {
		os.Exit(1)
	}
}

func runStatus(args []string) {
	jsonOutput := parseJSONFlag(args, "status")
	if err := status.Run(requireMihariDir(), jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runRuns(args []string) {
	jsonOutput := false
	limit := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			jsonOutput = true
		case "-n":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "-n requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				fmt.Fprintf(os.Stderr, "-n wants a positive integer, got %q\n", args[i])
				os.Exit(1)
			}
			limit = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: mihari runs [--json] [-n <count>]\n", args[i])
			os.Exit(1)
		}
	}
	if err := status.Runs(requireMihariDir(), jsonOutput, limit); err != nil {
		fmt.Fprintf(os.Stderr, "runs: %v\n", err)
		os.Exit(1)
	}
}

func runRerun(args []string) {
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: mihari rerun\n", args[0])
		os.Exit(1)
	}
	if err := status.Rerun(requireMihariDir()); err != nil {
		fmt.Fprintf(os.Stderr, "rerun: %v\n", err)
		os.Exit(1)
	}
}

func parseJSONFlag(args []string, command string) bool {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: mihari %s [--json]\n", a, command)
			os.Exit(1)
		}
	}
	return jsonOutput
}

func requireMihariDir() string {
	dir := findMihariDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .mihari/ directory not found. Run 'mihari init' first.")
		os.Exit(1)
	}
	return dir
}

// findMihariDir walks from the working directory toward the filesystem root
// looking for a .mihari directory, so mihari commands work from any
// subdirectory of the project.
func findMihariDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".mihari")
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

func printUsage() {
	fmt.Fprintf(os.Stderr, `mihari %s — Local continuous pipeline runner

Usage: mihari <command> [options]

Project:
  init [dir] [--name <project>]   Initialize .mihari/ in a project
  watch [--addr <host:port>] [--no-server] [--no-run-on-start]
                                  Watch the tree, run the pipeline on change
  run [--json]                    Run the pipeline once and exit

Inspection:
  status [--json]          Show watcher and current run status
  runs [--json] [-n <count>]  List retained run history
  rerun                    Queue a manual run on the running watcher

Utilities:
  version           Show version
  help              Show this help

`, version)
}
