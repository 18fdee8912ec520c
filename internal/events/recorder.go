package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize is the default event log rotation threshold (50MB).
	DefaultMaxLogSize = 50 * 1024 * 1024
	// LogFileExtension is the event log file extension.
	LogFileExtension = ".jsonl"
	// ArchiveDir is the directory rotated logs are moved into.
	ArchiveDir = "archive"
)

// Recorder appends events to an append-only JSONL log with size-based
// rotation. It is normally driven by its own subscriber goroutine, so a slow
// disk shows up as gap events in the log rather than backpressure on the run.
type Recorder struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	rotationCounter int
}

// NewRecorder opens (or creates) the event log at logPath. maxSize bounds
// the live file; zero or negative selects DefaultMaxLogSize.
func NewRecorder(logPath string, maxSize int64) (*Recorder, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	r := &Recorder{
		logPath: logPath,
		maxSize: maxSize,
	}

	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := r.openLogFile(); err != nil {
		return nil, err
	}

	return r, nil
}

// openLogFile opens the log file and gets its current size
func (r *Recorder) openLogFile() error {
	file, err := os.OpenFile(r.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	r.file = file
	r.currentSize = stat.Size()
	return nil
}

// Write appends one event as a JSON line, rotating first if the file would
// exceed the size limit.
func (r *Recorder) Write(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return fmt.Errorf("recorder is closed")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if r.currentSize+int64(len(data)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := r.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	r.currentSize += int64(n)
	return nil
}

// rotate performs log rotation
func (r *Recorder) rotate() error {
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log before rotation: %w", err)
	}
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close current log file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(r.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	// Generate archive filename with timestamp
	timestamp := time.Now().Format("20060102_150405")
	r.rotationCounter++
	baseName := filepath.Base(r.logPath)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		baseName[:len(baseName)-len(LogFileExtension)],
		timestamp,
		r.rotationCounter,
		LogFileExtension)
	archivePath := filepath.Join(archiveDir, archiveName)

	if err := os.Rename(r.logPath, archivePath); err != nil {
		return fmt.Errorf("failed to archive log file: %w", err)
	}

	if err := r.openLogFile(); err != nil {
		return fmt.Errorf("failed to open new log file: %w", err)
	}

	return nil
}

// Drain consumes a subscriber until its channel closes, writing every event
// to the log. Intended to run in its own goroutine; the first write error
// stops recording.
func (r *Recorder) Drain(sub *Subscriber) error {
	for ev := range sub.Events() {
		if err := r.Write(ev); err != nil {
			return err
		}
	}
	return nil
}

// Close syncs and closes the event log.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		r.file = nil
		return err
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// CurrentSize returns the current size of the live log file.
func (r *Recorder) CurrentSize() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentSize
}
