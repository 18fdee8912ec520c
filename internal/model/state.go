package model

// WatchStateFileType is the schema file_type of .mihari/watch.yaml.
const WatchStateFileType = "watch_state"

// RunRecordFileType is the schema file_type of .mihari/runs/run_*.yaml.
const RunRecordFileType = "run_record"

// WatchState is written by the watch daemon on startup and removed on
// shutdown. CLI commands read it to find the daemon's HTTP address.
type WatchState struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	PID           int    `yaml:"pid"`
	Addr          string `yaml:"addr,omitempty"`
	Project       string `yaml:"project"`
	StartedAt     string `yaml:"started_at"`
}
