// Package daemon runs the mihari watch loop: filesystem events feed the
// debouncer, debounced triggers feed the run coordinator, and every run is
// fanned out to the terminal, the event log, desktop notifications, and the
// HTTP API.
package daemon

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/mihari/internal/coordinator"
	"github.com/msageha/mihari/internal/events"
	"github.com/msageha/mihari/internal/lock"
	"github.com/msageha/mihari/internal/model"
	"github.com/msageha/mihari/internal/notify"
	"github.com/msageha/mihari/internal/pipeline"
	"github.com/msageha/mihari/internal/server"
	"github.com/msageha/mihari/internal/term"
	"github.com/msageha/mihari/internal/watch"
	atomicyaml "github.com/msageha/mihari/internal/yaml"
	"github.com/msageha/mihari/templates"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the mihari watch process.
type Daemon struct {
	projectDir string
	mihariDir  string
	config     model.Config
	logLevel   LogLevel
	logger     *log.Logger
	logFile    io.Closer

	fileLock    *lock.FileLock
	broadcaster *events.Broadcaster
	recorder    *events.Recorder
	debouncer   *watch.Debouncer
	watcher     *watch.Watcher
	coord       *coordinator.Coordinator
	server      *server.Server

	// printerOut is where styled run output goes; os.Stdout outside tests.
	printerOut io.Writer

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	subWG    sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a Daemon for the project rooted at projectDir, logging to
// <mihariDir>/logs/watcher.log.
func New(projectDir, mihariDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(mihariDir, "logs", "watcher.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open watcher log: %w", err)
	}

	d := newDaemon(projectDir, mihariDir, cfg, logFile, logFile)
	return d, nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(projectDir, mihariDir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		projectDir: projectDir,
		mihariDir:  mihariDir,
		config:     cfg,
		logLevel:   parseLogLevel(cfg.Logging.Level),
		logger:     log.New(w, "", 0),
		logFile:    closer,
		fileLock:   lock.NewFileLock(filepath.Join(mihariDir, "watch.lock")),
		printerOut: os.Stdout,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the watch loop and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: acquire the directory lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("watch lock: %w", err)
	}
	d.log(LogLevelInfo, "watcher starting pid=%d project=%s", os.Getpid(), d.config.Project.Name)

	// Step 2: event fan-out and the on-disk event log
	d.broadcaster = events.NewBroadcaster(d.config.Server.Backlog, d.config.Server.StreamBuffer)

	if d.config.Logging.EventLog {
		logPath := filepath.Join(d.mihariDir, "logs", "events"+events.LogFileExtension)
		rec, err := events.NewRecorder(logPath, int64(d.config.Logging.EventLogMaxMB)*1024*1024)
		if err != nil {
			d.cleanup()
			return fmt.Errorf("open event log: %w", err)
		}
		d.recorder = rec
	}

	// Step 3: run history store, pipeline runner, coordinator
	store := coordinator.NewStore(d.mihariDir, d.config.Run.HistoryLimit, d.logger)
	runner := pipeline.NewRunner(d.projectDir, d.config.Run.GracePeriod(), d.broadcaster)
	d.coord = coordinator.New(d.config.Pipeline, d.config.Run.HistoryLimit, runner.Run, d.broadcaster, d.logger)
	d.coord.SetStore(store)
	d.coord.SeedHistory(store.Load())
	if d.config.Notify.Enabled {
		d.coord.SetNotifier(notify.New(d.config.Project.Name, d.logger).RunFinished)
	}

	// Step 4: debouncer and filesystem watcher
	d.debouncer = watch.NewDebouncer(d.config.Watch.Debounce())
	watcher, err := watch.NewWatcher(d.projectDir, d.config.Watch, d.debouncer, d.logger)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("start filesystem watcher: %w", err)
	}
	d.watcher = watcher
	d.log(LogLevelInfo, "watching %d directories", len(watcher.Watched()))

	// Step 5: HTTP status server
	if d.config.Server.IsEnabled() {
		srv := server.New(d.config.Server.Addr, d.coord, d.broadcaster, d.logger)
		srv.SetProject(d.config.Project.Name)
		if page, err := fs.ReadFile(templates.FS, "dashboard.html"); err == nil {
			srv.SetDashboard(page)
		}
		if err := srv.Start(); err != nil {
			d.cleanup()
			return fmt.Errorf("start status server: %w", err)
		}
		d.server = srv
	}

	// Step 6: register so `mihari status` can find us
	if err := d.writeState(); err != nil {
		d.Shutdown()
		return fmt.Errorf("write watch.yaml: %w", err)
	}

	// Step 7: subscribers (terminal printer, event log drain)
	printerSub, err := d.broadcaster.Subscribe(0)
	if err != nil {
		d.Shutdown()
		return fmt.Errorf("subscribe printer: %w", err)
	}
	printer := term.NewPrinter(d.printerOut, term.DefaultTheme)
	d.subWG.Add(1)
	go func() {
		defer d.subWG.Done()
		printer.Run(context.Background(), printerSub)
	}()

	if d.recorder != nil {
		recorderSub, err := d.broadcaster.Subscribe(0)
		if err != nil {
			d.Shutdown()
			return fmt.Errorf("subscribe event log: %w", err)
		}
		d.subWG.Add(1)
		go func() {
			defer d.subWG.Done()
			if err := d.recorder.Drain(recorderSub); err != nil {
				d.log(LogLevelWarn, "event log recording stopped: %v", err)
			}
		}()
	}

	// Step 8: control loops
	g, gctx := errgroup.WithContext(d.ctx)
	d.group = g
	g.Go(func() error { return d.debouncer.Run(gctx) })
	g.Go(func() error { return d.watcher.Run(gctx) })
	g.Go(func() error { return d.coord.Run(gctx) })
	g.Go(func() error { return d.triggerLoop(gctx) })

	// Step 9: optional startup run
	if d.config.Watch.ShouldRunOnStart() {
		if err := d.coord.Submit(d.ctx, model.Trigger{
			Reason:    model.TriggerManual,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			d.log(LogLevelWarn, "startup run not submitted: %v", err)
		}
	}
	d.log(LogLevelInfo, "watcher ready")

	// Step 10: wait for signals
	d.waitSignals()

	return nil
}

// triggerLoop feeds debounced triggers into the coordinator. Submitting
// while a run is in flight preempts it; the coordinator tears the old run
// down completely before starting the new one.
func (d *Daemon) triggerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-d.debouncer.Triggers():
			d.log(LogLevelInfo, "change detected (%d paths), starting run", len(t.ChangedPaths))
			if err := d.coord.Submit(ctx, t); err != nil {
				return nil
			}
		}
	}
}

// Addr returns the status server address, or "" when the server is disabled.
func (d *Daemon) Addr() string {
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}

func (d *Daemon) writeState() error {
	st := model.WatchState{
		SchemaVersion: atomicyaml.CurrentSchemaVersion,
		FileType:      model.WatchStateFileType,
		PID:           os.Getpid(),
		Project:       d.config.Project.Name,
		StartedAt:     time.Now().Format(time.RFC3339),
	}
	if d.server != nil {
		st.Addr = d.server.Addr()
	}
	return atomicyaml.AtomicWrite(filepath.Join(d.mihariDir, "watch.yaml"), st)
}

func (d *Daemon) removeState() {
	os.Remove(filepath.Join(d.mihariDir, "watch.yaml"))
	os.Remove(filepath.Join(d.mihariDir, "watch.yaml.bak"))
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal during shutdown → force exit
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCh:
			d.log(LogLevelWarn, "received second signal, forcing exit")
			d.forceExit.Store(true)
			os.Exit(1)
		case <-done:
		}
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once). The
// in-flight run is cancelled and its process tree torn down before the
// event stream closes, so every subscriber sees the final run_end.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Stop producing triggers and cancel the in-flight run
		d.cancel()
		if d.watcher != nil {
			d.watcher.Close()
		}

		// 2. Drain the control loops; the coordinator may need a grace
		// period to kill the running pipeline
		if d.group != nil {
			done := make(chan struct{})
			go func() {
				d.group.Wait()
				close(done)
			}()

			timeout := d.config.Run.ShutdownTimeout()
			select {
			case <-done:
				d.log(LogLevelInfo, "control loops drained")
			case <-time.After(timeout):
				d.log(LogLevelWarn, "shutdown timeout after %s, some work may be incomplete", timeout)
			}
		}

		// 3. Release stream clients, then end the event fan-out
		if d.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			d.server.Shutdown(ctx)
			cancel()
		}
		if d.broadcaster != nil {
			d.broadcaster.Close()
		}
		d.subWG.Wait()

		// 4. Cleanup
		d.cleanup()
		d.log(LogLevelInfo, "watcher stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	if d.recorder != nil {
		d.recorder.Close()
	}
	d.removeState()
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
