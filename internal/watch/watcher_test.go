package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/msageha/mihari/internal/model"
)

func startWatcher(t *testing.T, root string, cfg model.WatchConfig) *Debouncer {
	t.Helper()
	if len(cfg.Paths) == 0 {
		cfg.Paths = []string{"."}
	}

	d := NewDebouncer(testWindow)
	w, err := NewWatcher(root, cfg, d, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	debDone := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(debDone)
	}()
	go func() {
		w.Run(ctx)
		close(watchDone)
	}()
	t.Cleanup(func() {
		cancel()
		w.Close()
		<-debDone
		<-watchDone
	})

	// Let the kernel watches settle before the test mutates the tree.
	time.Sleep(50 * time.Millisecond)
	return d
}

func containsPath(paths []string, want string) bool {
	for _, p := range paths {
		if p == want {
			return true
		}
	}
	return false
}

func TestWatcher_DetectsWrite(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "main.go")
	if err := os.WriteFile(file, []byte("package main\n"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	d := startWatcher(t, root, model.WatchConfig{})

	if err := os.WriteFile(file, []byte("package main // edited\n"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	tr := waitTrigger(t, d, 10*testWindow)
	if !containsPath(tr.ChangedPaths, "main.go") {
		t.Errorf("expected main.go in changed paths, got %v", tr.ChangedPaths)
	}
}

func TestWatcher_DetectsRemove(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "old.go")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	d := startWatcher(t, root, model.WatchConfig{})

	if err := os.Remove(file); err != nil {
		t.Fatalf("remove file: %v", err)
	}

	tr := waitTrigger(t, d, 10*testWindow)
	if !containsPath(tr.ChangedPaths, "old.go") {
		t.Errorf("expected old.go in changed paths, got %v", tr.ChangedPaths)
	}
}

func TestWatcher_IgnoresPatterns(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{".git", "node_modules"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	d := startWatcher(t, root, model.WatchConfig{Ignore: []string{"node_modules", "*.tmp"}})

	// Changes in ignored locations must not produce triggers.
	if err := os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0644); err != nil {
		t.Fatalf("write ignored file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "node_modules", "pkg.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("write ignored file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "scratch.tmp"), []byte("x"), 0644); err != nil {
		t.Fatalf("write ignored file: %v", err)
	}
	assertNoTrigger(t, d, 4*testWindow)

	// A real change still comes through, alone.
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	tr := waitTrigger(t, d, 10*testWindow)
	if !containsPath(tr.ChangedPaths, "main.go") {
		t.Errorf("expected main.go in changed paths, got %v", tr.ChangedPaths)
	}
	for _, p := range tr.ChangedPaths {
		if p != "main.go" {
			t.Errorf("ignored path leaked into trigger: %q", p)
		}
	}
}

func TestWatcher_WatchesNewDirectories(t *testing.T) {
	root := t.TempDir()
	d := startWatcher(t, root, model.WatchConfig{})

	sub := filepath.Join(root, "pkg")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// The directory creation itself debounces into a trigger.
	waitTrigger(t, d, 10*testWindow)

	// Writes inside the new directory are now seen too.
	if err := os.WriteFile(filepath.Join(sub, "new.go"), []byte("package pkg\n"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	tr := waitTrigger(t, d, 10*testWindow)
	if !containsPath(tr.ChangedPaths, filepath.Join("pkg", "new.go")) {
		t.Errorf("expected pkg/new.go in changed paths, got %v", tr.ChangedPaths)
	}
}

func TestWatcher_SkipsIgnoredSubtreesAtSetup(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "node_modules", "dep"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "src"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	deb := NewDebouncer(testWindow)
	w, err := NewWatcher(root, model.WatchConfig{Paths: []string{"."}, Ignore: []string{"node_modules"}}, deb, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	for _, watched := range w.Watched() {
		if filepath.Base(watched) == "node_modules" || filepath.Base(watched) == "dep" {
			t.Errorf("ignored directory is being watched: %s", watched)
		}
	}

	found := false
	for _, watched := range w.Watched() {
		if filepath.Base(watched) == "src" {
			found = true
		}
	}
	if !found {
		t.Error("expected src to be watched")
	}
}
