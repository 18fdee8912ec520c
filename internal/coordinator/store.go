package coordinator

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/mihari/internal/model"
	"github.com/msageha/mihari/internal/yaml"
)

// storedRun is the on-disk form of a completed run record.
type storedRun struct {
	SchemaVersion int             `yaml:"schema_version"`
	FileType      string          `yaml:"file_type"`
	Run           model.RunRecord `yaml:"run"`
}

// Store persists completed run records as <mihariDir>/runs/run_<id>.yaml,
// one file per run, pruned to the history limit. Zero-padded IDs keep the
// directory listing in run order.
type Store struct {
	mihariDir string
	dir       string
	limit     int
	logger    *log.Logger
}

func NewStore(mihariDir string, limit int, logger *log.Logger) *Store {
	if limit <= 0 {
		limit = 20
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Store{
		mihariDir: mihariDir,
		dir:       filepath.Join(mihariDir, "runs"),
		limit:     limit,
		logger:    logger,
	}
}

// Save writes the record atomically and prunes files beyond the limit.
func (s *Store) Save(rec *model.RunRecord) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create runs dir: %w", err)
	}

	doc := storedRun{
		SchemaVersion: yaml.CurrentSchemaVersion,
		FileType:      model.RunRecordFileType,
		Run:           *rec,
	}
	if err := yaml.AtomicWrite(s.path(rec.ID), doc); err != nil {
		return fmt.Errorf("write run record: %w", err)
	}

	s.prune()
	return nil
}

// Load reads every retained run record, newest first. A corrupt file is
// restored from its backup when possible and quarantined otherwise; loading
// never fails the daemon start.
func (s *Store) Load() []*model.RunRecord {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logf("WARN", "read runs dir: %v", err)
		}
		return nil
	}

	var records []*model.RunRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "run_") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		path := filepath.Join(s.dir, name)

		rec, err := s.loadOne(path)
		if err == nil {
			records = append(records, rec)
			continue
		}
		s.logf("WARN", "run record %s: %v", name, err)

		if yaml.RestoreFromBackup(path) == nil {
			if rec, err := s.loadOne(path); err == nil {
				s.logf("INFO", "run record %s restored from backup", name)
				records = append(records, rec)
				continue
			}
		}
		if qErr := yaml.Quarantine(s.mihariDir, path); qErr != nil {
			s.logf("ERROR", "quarantine %s: %v", name, qErr)
		} else {
			s.logf("WARN", "run record %s quarantined", name)
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID > records[j].ID })
	return records
}

// loadOne parses and validates a single record file. Persisted records must
// be terminal through and through; anything else is treated as corrupt.
func (s *Store) loadOne(path string) (*model.RunRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if err := yaml.ValidateSchemaHeaderFromBytes(data, model.RunRecordFileType); err != nil {
		return nil, err
	}

	var doc storedRun
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if !model.IsRunTerminal(doc.Run.Status) {
		return nil, fmt.Errorf("non-terminal run status %q", doc.Run.Status)
	}
	for _, st := range doc.Run.Steps {
		if !model.IsStepTerminal(st.Status) {
			return nil, fmt.Errorf("step %q: non-terminal status %q", st.Name, st.Status)
		}
	}
	return &doc.Run, nil
}

// prune removes the oldest record files beyond the history limit, together
// with their backups.
func (s *Store) prune() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "run_") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		names = append(names, name)
	}
	if len(names) <= s.limit {
		return
	}

	// Zero-padded names: lexical order is run order, oldest first.
	sort.Strings(names)
	for _, name := range names[:len(names)-s.limit] {
		path := filepath.Join(s.dir, name)
		if err := os.Remove(path); err != nil {
			s.logf("WARN", "prune %s: %v", name, err)
		}
		os.Remove(path + ".bak")
	}
}

func (s *Store) path(id model.RunID) string {
	return filepath.Join(s.dir, fmt.Sprintf("run_%06d.yaml", id))
}

func (s *Store) logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s store: %s", time.Now().Format(time.RFC3339), level, msg)
}
