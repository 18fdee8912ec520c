package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/msageha/mihari/internal/model"
)

func TestNewRecorder(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "events.jsonl")

	rec, err := NewRecorder(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create recorder: %v", err)
	}
	defer rec.Close()

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Error("Log file was not created")
	}
}

func TestRecorder_Write(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "events.jsonl")

	rec, err := NewRecorder(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create recorder: %v", err)
	}
	defer rec.Close()

	ev := Output(3, "build", Span{Text: "compiling main.go", Style: StyleDim})
	ev.Seq = 7
	if err := rec.Write(ev); err != nil {
		t.Fatalf("Failed to write event: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var read Event
	if err := json.Unmarshal(data[:len(data)-1], &read); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}

	if read.Kind != KindOutput {
		t.Errorf("Kind mismatch: got %s, want %s", read.Kind, KindOutput)
	}
	if read.RunID != 3 || read.Seq != 7 {
		t.Errorf("identity mismatch: got run %d seq %d, want run 3 seq 7", read.RunID, read.Seq)
	}
	if read.Step != "build" || read.Text() != "compiling main.go" {
		t.Errorf("payload mismatch: step=%q text=%q", read.Step, read.Text())
	}
}

func TestRecorder_Rotation(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "events.jsonl")

	// Small max size to trigger rotation quickly.
	rec, err := NewRecorder(logPath, 1024)
	if err != nil {
		t.Fatalf("Failed to create recorder: %v", err)
	}
	defer rec.Close()

	rotationOccurred := false
	for i := 0; i < 100; i++ {
		ev := Output(1, "test", Span{Text: "a fairly long output line to push the log over its rotation threshold"})
		ev.Seq = uint64(i)
		if err := rec.Write(ev); err != nil {
			t.Fatalf("Failed to write event: %v", err)
		}

		archiveDir := filepath.Join(tempDir, ArchiveDir)
		if _, err := os.Stat(archiveDir); err == nil {
			files, _ := os.ReadDir(archiveDir)
			if len(files) > 0 {
				rotationOccurred = true
				break
			}
		}
	}

	if !rotationOccurred {
		t.Error("Log rotation did not occur despite exceeding max size")
	}

	if _, err := os.Stat(logPath); err != nil {
		t.Error("Current log file does not exist after rotation")
	}
}

func TestRecorder_Reopen(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "events.jsonl")

	rec1, err := NewRecorder(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create first recorder: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := rec1.Write(Output(1, "test", Span{Text: fmt.Sprintf("line %d", i)})); err != nil {
			t.Fatalf("Failed to write event: %v", err)
		}
	}
	rec1.Close()

	// Reopen on the same file, as a daemon restart would.
	rec2, err := NewRecorder(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create second recorder: %v", err)
	}
	defer rec2.Close()

	for i := 5; i < 10; i++ {
		if err := rec2.Write(Output(1, "test", Span{Text: fmt.Sprintf("line %d", i)})); err != nil {
			t.Fatalf("Failed to write event: %v", err)
		}
	}

	file, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	count := 0
	for decoder.More() {
		var ev Event
		if err := decoder.Decode(&ev); err != nil {
			t.Errorf("Failed to decode event: %v", err)
			continue
		}
		count++
	}

	if count != 10 {
		t.Errorf("Event count mismatch: got %d, want %d", count, 10)
	}
}

func TestRecorder_Drain(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "events.jsonl")

	rec, err := NewRecorder(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create recorder: %v", err)
	}
	defer rec.Close()

	b := NewBroadcaster(64, 64)
	b.BeginRun(1)
	sub, err := b.Subscribe(0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- rec.Drain(sub)
	}()

	b.Publish(RunStart(1, model.Trigger{Reason: model.TriggerManual}))
	b.Publish(Output(1, "test", Span{Text: "hello"}))
	b.Publish(RunEnd(1, model.RunPassed))
	b.Close()

	if err := <-done; err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var kinds []Kind
	decoder := json.NewDecoder(bytes.NewReader(data))
	for decoder.More() {
		var ev Event
		if err := decoder.Decode(&ev); err != nil {
			t.Fatalf("Failed to decode event: %v", err)
		}
		kinds = append(kinds, ev.Kind)
	}

	want := []Kind{KindRunStart, KindOutput, KindRunEnd}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(kinds))
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("event %d: got %s, want %s", i, kinds[i], k)
		}
	}
}
