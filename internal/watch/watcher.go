package watch

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/mihari/internal/model"
)

// Watcher follows the project tree with fsnotify and feeds changed paths
// into the debouncer. Directories created while watching are picked up
// recursively; ignored directories are never watched at all.
type Watcher struct {
	fsw    *fsnotify.Watcher
	root   string
	ignore []string
	deb    *Debouncer
	logger *log.Logger
}

// NewWatcher builds a recursive watcher over the configured watch paths,
// rooted at the project root. Paths matching an ignore pattern (plus .git
// and .mihari, always) are skipped.
func NewWatcher(root string, cfg model.WatchConfig, deb *Debouncer, logger *log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	w := &Watcher{
		fsw:    fsw,
		root:   root,
		ignore: cfg.Ignore,
		deb:    deb,
		logger: logger,
	}

	for _, p := range cfg.Paths {
		base := filepath.Join(root, p)
		if err := w.addRecursive(base); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", p, err)
		}
	}

	return w, nil
}

// Watched returns the directories currently under watch.
func (w *Watcher) Watched() []string {
	return w.fsw.WatchList()
}

// Close stops the underlying fsnotify watcher, which also ends Run.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run processes filesystem events until ctx is cancelled or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			rel := w.rel(event.Name)
			if w.ignored(rel) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logf("WARN", "watch new dir %s: %v", rel, err)
					}
				}
			}

			w.deb.Observe(rel)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logf("ERROR", "fsnotify error=%v", err)
		}
	}
}

// addRecursive puts dir and every non-ignored subdirectory under watch.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if rel := w.rel(path); rel != "." && w.ignored(rel) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return path
	}
	return rel
}

// ignored matches every segment of the relative path against the ignore
// patterns. The .git and .mihari directories are always ignored.
func (w *Watcher) ignored(rel string) bool {
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		if seg == ".git" || seg == ".mihari" {
			return true
		}
		for _, pat := range w.ignore {
			if ok, _ := filepath.Match(pat, seg); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	w.logger.Printf("%s %s watcher: %s", time.Now().Format(time.RFC3339), level, msg)
}
