package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/msageha/mihari/internal/coordinator"
	"github.com/msageha/mihari/internal/model"
)

// statusResponse is the GET /api/status payload. NextSeq tells stream
// clients where the live event stream currently stands.
type statusResponse struct {
	State   coordinator.State `json:"state"`
	Project string            `json:"project,omitempty"`
	NextSeq uint64            `json:"next_seq"`
	Current *runView          `json:"current,omitempty"`
	Last    *runView          `json:"last,omitempty"`
}

type runsResponse struct {
	Runs []*runView `json:"runs"`
}

type rerunResponse struct {
	Queued bool `json:"queued"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type runView struct {
	ID           model.RunID         `json:"id"`
	Status       model.RunStatus     `json:"status"`
	Reason       model.TriggerReason `json:"reason"`
	ChangedPaths []string            `json:"changed_paths,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	EndedAt      *time.Time          `json:"ended_at,omitempty"`
	DurationMS   int64               `json:"duration_ms"`
	Steps        []stepView          `json:"steps"`
}

type stepView struct {
	Name       string           `json:"name"`
	Status     model.StepStatus `json:"status"`
	ExitCode   *int             `json:"exit_code,omitempty"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	EndedAt    *time.Time       `json:"ended_at,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
	FirstSeq   uint64           `json:"first_seq,omitempty"`
	LastSeq    uint64           `json:"last_seq,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Snapshot()
	resp := statusResponse{
		State:   snap.State,
		Project: s.project,
		NextSeq: s.source.CurrentSeq(),
		Current: s.viewOf(snap.Current, true),
		Last:    s.viewOf(snap.Last, false),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	records := s.coord.Records()
	views := make([]*runView, 0, len(records))
	for _, rec := range records {
		views = append(views, s.viewOf(rec, false))
	}
	s.writeJSON(w, http.StatusOK, runsResponse{Runs: views})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid run id %q", raw))
		return
	}

	rec := s.coord.Record(model.RunID(id))
	if rec == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("run %d not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, s.viewOf(rec, rec.Status == model.RunRunning))
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	queued := s.coord.Rerun()
	if queued {
		s.logf("INFO", "manual rerun queued")
	}
	s.writeJSON(w, http.StatusAccepted, rerunResponse{Queued: queued})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if len(s.dashboard) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(s.dashboard)
}

// viewOf flattens a record for the wire. With pending set, configured steps
// the run has not reached yet are appended as pending; execution is strictly
// ordered, so observed steps are always a prefix of the configured order.
func (s *Server) viewOf(rec *model.RunRecord, pending bool) *runView {
	if rec == nil {
		return nil
	}
	v := &runView{
		ID:           rec.ID,
		Status:       rec.Status,
		Reason:       rec.Trigger.Reason,
		ChangedPaths: rec.Trigger.ChangedPaths,
		StartedAt:    rec.StartedAt,
		EndedAt:      rec.EndedAt,
		DurationMS:   rec.Duration().Milliseconds(),
		Steps:        make([]stepView, 0, len(rec.Steps)),
	}
	for _, st := range rec.Steps {
		v.Steps = append(v.Steps, stepViewOf(st))
	}
	if pending {
		reached := make(map[string]bool, len(rec.Steps))
		for _, st := range rec.Steps {
			reached[st.Name] = true
		}
		for _, name := range s.coord.StepNames() {
			if !reached[name] {
				v.Steps = append(v.Steps, stepView{Name: name, Status: model.StepPending})
			}
		}
	}
	return v
}

func stepViewOf(st model.StepResult) stepView {
	v := stepView{
		Name:     st.Name,
		Status:   st.Status,
		ExitCode: st.ExitCode,
		EndedAt:  st.EndedAt,
		FirstSeq: st.FirstSeq,
		LastSeq:  st.LastSeq,
	}
	if !st.StartedAt.IsZero() {
		t := st.StartedAt
		v.StartedAt = &t
		if st.EndedAt != nil {
			v.DurationMS = st.Duration().Milliseconds()
		} else if st.Status == model.StepRunning {
			v.DurationMS = time.Since(st.StartedAt).Milliseconds()
		}
	}
	return v
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logf("WARN", "write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, errorResponse{Error: msg})
}
