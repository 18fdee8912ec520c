// Package status implements the CLI commands that query a running watch
// daemon: current status, run history, and manual rerun.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/mihari/internal/model"
	mihariyaml "github.com/msageha/mihari/internal/yaml"
)

// ErrNotRunning reports that no watch daemon is reachable for this
// project: either no registration file exists or the daemon behind it is
// gone.
var ErrNotRunning = errors.New("watcher is not running")

// StatusReply mirrors GET /api/status.
type StatusReply struct {
	State   string    `json:"state"`
	Project string    `json:"project"`
	NextSeq uint64    `json:"next_seq"`
	Current *RunReply `json:"current"`
	Last    *RunReply `json:"last"`
}

type RunReply struct {
	ID           uint64      `json:"id"`
	Status       string      `json:"status"`
	Reason       string      `json:"reason"`
	ChangedPaths []string    `json:"changed_paths"`
	StartedAt    time.Time   `json:"started_at"`
	DurationMS   int64       `json:"duration_ms"`
	Steps        []StepReply `json:"steps"`
}

type StepReply struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	ExitCode   *int   `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

// Client talks to the watch daemon's HTTP API.
type Client struct {
	state model.WatchState
	http  *http.Client
}

// Connect locates the daemon through .mihari/watch.yaml.
func Connect(mihariDir string) (*Client, error) {
	path := filepath.Join(mihariDir, "watch.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no %s", ErrNotRunning, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := mihariyaml.ValidateSchemaHeaderFromBytes(data, model.WatchStateFileType); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var st model.WatchState
	if err := yamlv3.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if st.Addr == "" {
		return nil, fmt.Errorf("%w: %s carries no address", ErrNotRunning, path)
	}
	return &Client{state: st, http: &http.Client{Timeout: 5 * time.Second}}, nil
}

// State returns the registration the daemon wrote at startup.
func (c *Client) State() model.WatchState { return c.state }

func (c *Client) Status() (*StatusReply, error) {
	var reply StatusReply
	if err := c.get("/api/status", &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Runs() ([]RunReply, error) {
	var reply struct {
		Runs []RunReply `json:"runs"`
	}
	if err := c.get("/api/runs", &reply); err != nil {
		return nil, err
	}
	return reply.Runs, nil
}

func (c *Client) Rerun() (queued bool, err error) {
	resp, err := c.http.Post("http://"+c.state.Addr+"/api/rerun", "application/json", nil)
	if err != nil {
		return false, c.unreachable()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return false, fmt.Errorf("POST /api/rerun: %s", resp.Status)
	}

	var reply struct {
		Queued bool `json:"queued"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return false, fmt.Errorf("decode rerun response: %w", err)
	}
	return reply.Queued, nil
}

func (c *Client) get(path string, into any) error {
	resp, err := c.http.Get("http://" + c.state.Addr + path)
	if err != nil {
		return c.unreachable()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// unreachable covers the stale-registration case: watch.yaml exists but
// the daemon behind it no longer answers.
func (c *Client) unreachable() error {
	return fmt.Errorf("%w: no response from %s (pid %d, stale watch.yaml?)",
		ErrNotRunning, c.state.Addr, c.state.PID)
}

// Run prints the watcher status. A missing or stale registration reports a
// stopped watcher instead of failing.
func Run(mihariDir string, jsonOutput bool) error {
	client, err := Connect(mihariDir)
	if err != nil {
		if errors.Is(err, ErrNotRunning) {
			return printStopped(jsonOutput)
		}
		return err
	}

	reply, err := client.Status()
	if err != nil {
		if errors.Is(err, ErrNotRunning) {
			return printStopped(jsonOutput)
		}
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reply)
	}
	printStatus(os.Stdout, client.State(), reply)
	return nil
}

// Runs prints the retained run history, newest first. limit > 0 caps the
// number of runs shown.
func Runs(mihariDir string, jsonOutput bool, limit int) error {
	client, err := Connect(mihariDir)
	if err != nil {
		return err
	}
	runs, err := client.Runs()
	if err != nil {
		return err
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	printRuns(os.Stdout, runs)
	return nil
}

// Rerun queues a manual run.
func Rerun(mihariDir string) error {
	client, err := Connect(mihariDir)
	if err != nil {
		return err
	}
	queued, err := client.Rerun()
	if err != nil {
		return err
	}
	if queued {
		fmt.Println("rerun queued")
	} else {
		fmt.Println("a run trigger is already pending")
	}
	return nil
}

func printStopped(jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"running": false})
	}
	fmt.Println("watcher: stopped")
	return nil
}

func printStatus(w io.Writer, st model.WatchState, reply *StatusReply) {
	fmt.Fprintf(w, "watcher: running (pid %d, http://%s)\n", st.PID, st.Addr)
	if reply.Project != "" {
		fmt.Fprintf(w, "project: %s\n", reply.Project)
	}

	switch {
	case reply.Current != nil:
		fmt.Fprintf(w, "\nrun #%d %s\n", reply.Current.ID, reply.Current.Status)
		printSteps(w, reply.Current.Steps)
	case reply.Last != nil:
		fmt.Fprintf(w, "\nlast run #%d %s (%s, %s)\n",
			reply.Last.ID, reply.Last.Status, durationString(reply.Last.DurationMS), reply.Last.Reason)
		printSteps(w, reply.Last.Steps)
	default:
		fmt.Fprintln(w, "\nno runs yet")
	}
}

func printSteps(w io.Writer, steps []StepReply) {
	fmt.Fprintf(w, "  %-16s  %-10s  %8s\n", "STEP", "STATUS", "TIME")
	for _, s := range steps {
		t := "-"
		if s.DurationMS > 0 {
			t = durationString(s.DurationMS)
		}
		fmt.Fprintf(w, "  %-16s  %-10s  %8s\n", s.Name, s.Status, t)
	}
}

func printRuns(w io.Writer, runs []RunReply) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	fmt.Fprintf(w, "  %-4s  %-10s  %-12s  %5s  %9s  %s\n",
		"ID", "STATUS", "REASON", "STEPS", "TIME", "STARTED")
	for _, r := range runs {
		fmt.Fprintf(w, "  %-4d  %-10s  %-12s  %5d  %9s  %s\n",
			r.ID, r.Status, r.Reason, len(r.Steps),
			durationString(r.DurationMS), r.StartedAt.Local().Format("15:04:05"))
	}
}

func durationString(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(100 * time.Millisecond).String()
}
