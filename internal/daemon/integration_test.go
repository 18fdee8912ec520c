package daemon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/mihari/internal/lock"
	"github.com/msageha/mihari/internal/model"
)

// statusView is the slice of /api/status this test cares about.
type statusView struct {
	State string `json:"state"`
	Last  *struct {
		ID     uint64 `json:"id"`
		Status string `json:"status"`
	} `json:"last"`
}

func waitForAddr(t *testing.T, mihariDir string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(filepath.Join(mihariDir, "watch.yaml"))
		if err == nil {
			var st model.WatchState
			if yamlv3.Unmarshal(data, &st) == nil && st.Addr != "" {
				return st.Addr
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("daemon never registered an address in watch.yaml")
	return ""
}

func waitForRun(t *testing.T, addr string, id uint64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/api/status")
		if err == nil {
			var st statusView
			decodeErr := json.NewDecoder(resp.Body).Decode(&st)
			resp.Body.Close()
			if decodeErr == nil && st.Last != nil && st.Last.ID == id {
				if st.Last.Status != "passed" {
					t.Fatalf("run %d finished %s, want passed", id, st.Last.Status)
				}
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("run %d never completed", id)
}

func TestDaemon_EndToEnd(t *testing.T) {
	projectDir := t.TempDir()
	mihariDir := filepath.Join(projectDir, ".mihari")
	if err := os.MkdirAll(mihariDir, 0755); err != nil {
		t.Fatalf("create mihari dir: %v", err)
	}

	cfg := model.Config{
		Project: model.ProjectConfig{Name: "e2e"},
		Pipeline: []model.StepSpec{
			{Name: "greet", Command: model.Command{Shell: "echo hello from the pipeline"}},
		},
	}
	cfg.Watch.DebounceSec = 0.05
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Run.ShutdownTimeoutSec = 5
	cfg.Logging.EventLog = true
	cfg.ApplyDefaults()

	var logBuf bytes.Buffer
	d := newDaemon(projectDir, mihariDir, cfg, &logBuf, nil)
	var out bytes.Buffer
	d.printerOut = &out

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run() }()

	addr := waitForAddr(t, mihariDir)

	// run_on_start defaults to true, so run 1 happens without any change.
	waitForRun(t, addr, 1)

	// A source change triggers run 2 after the debounce window.
	if err := os.WriteFile(filepath.Join(projectDir, "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	waitForRun(t, addr, 2)

	// Graceful shutdown on SIGTERM.
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("send SIGTERM: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down after SIGTERM")
	}

	// Registration is withdrawn and the lock released.
	if _, err := os.Stat(filepath.Join(mihariDir, "watch.yaml")); !os.IsNotExist(err) {
		t.Errorf("watch.yaml should be removed on shutdown, got %v", err)
	}
	fl := lock.NewFileLock(filepath.Join(mihariDir, "watch.lock"))
	if err := fl.TryLock(); err != nil {
		t.Errorf("lock should be free after shutdown: %v", err)
	} else {
		fl.Unlock()
	}

	// Both runs were persisted.
	for _, name := range []string{"run_000001.yaml", "run_000002.yaml"} {
		if _, err := os.Stat(filepath.Join(mihariDir, "runs", name)); err != nil {
			t.Errorf("missing run record %s: %v", name, err)
		}
	}

	// The event log captured the runs.
	info, err := os.Stat(filepath.Join(mihariDir, "logs", "events.jsonl"))
	if err != nil {
		t.Fatalf("missing event log: %v", err)
	}
	if info.Size() == 0 {
		t.Error("event log is empty")
	}

	// The terminal printer saw both runs end to end.
	printed := out.String()
	for _, want := range []string{
		fmt.Sprintf("run #%d", 1),
		fmt.Sprintf("run #%d", 2),
		"hello from the pipeline",
		"passed",
	} {
		if !strings.Contains(printed, want) {
			t.Errorf("terminal output missing %q:\n%s", want, printed)
		}
	}
}

func TestDaemon_RerunOverHTTP(t *testing.T) {
	projectDir := t.TempDir()
	mihariDir := filepath.Join(projectDir, ".mihari")
	if err := os.MkdirAll(mihariDir, 0755); err != nil {
		t.Fatalf("create mihari dir: %v", err)
	}

	runOnStart := false
	cfg := model.Config{
		Project: model.ProjectConfig{Name: "rerun"},
		Pipeline: []model.StepSpec{
			{Name: "noop", Command: model.Command{Shell: "true"}},
		},
	}
	cfg.Watch.RunOnStart = &runOnStart
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Run.ShutdownTimeoutSec = 5
	cfg.ApplyDefaults()

	d := newDaemon(projectDir, mihariDir, cfg, &bytes.Buffer{}, nil)
	var out bytes.Buffer
	d.printerOut = &out

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run() }()

	addr := waitForAddr(t, mihariDir)

	// No startup run was requested; idle with no history.
	resp, err := http.Get("http://" + addr + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	var st statusView
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if st.Last != nil {
		t.Fatalf("expected no runs before rerun, got %+v", st.Last)
	}

	// POST /api/rerun queues run 1.
	resp, err = http.Post("http://"+addr+"/api/rerun", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/rerun: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("rerun status: got %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	waitForRun(t, addr, 1)

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("send SIGTERM: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down after SIGTERM")
	}
}
