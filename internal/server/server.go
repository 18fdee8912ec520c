// Package server exposes the watch daemon over a local HTTP API: live
// status, bounded run history, an NDJSON event stream, manual reruns, and
// the embedded dashboard page.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/msageha/mihari/internal/coordinator"
	"github.com/msageha/mihari/internal/events"
	"github.com/msageha/mihari/internal/model"
)

// Coordinator is the slice of the run coordinator the API reads from.
type Coordinator interface {
	Snapshot() coordinator.Snapshot
	Record(id model.RunID) *model.RunRecord
	Records() []*model.RunRecord
	Rerun() bool
	StepNames() []string
}

// EventSource hands out replayable subscriptions to the run event stream.
type EventSource interface {
	Subscribe(from uint64) (*events.Subscriber, error)
	CurrentSeq() uint64
}

// Server is the HTTP layer over the coordinator and the event stream. It
// owns no run state; handlers read snapshots and clones only.
type Server struct {
	addr      string
	coord     Coordinator
	source    EventSource
	project   string
	dashboard []byte
	logger    *log.Logger

	httpSrv   *http.Server
	ln        net.Listener
	done      chan struct{}
	closeOnce sync.Once
}

func New(addr string, coord Coordinator, source EventSource, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		addr:   addr,
		coord:  coord,
		source: source,
		logger: logger,
		done:   make(chan struct{}),
	}
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetProject sets the project name reported by /api/status. Must be called
// before Start().
func (s *Server) SetProject(name string) {
	s.project = name
}

// SetDashboard sets the HTML page served at /. Must be called before
// Start().
func (s *Server) SetDashboard(page []byte) {
	s.dashboard = page
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleDashboard)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/runs", s.handleRuns)
	r.Get("/api/runs/{id}", s.handleRun)
	r.Get("/api/stream", s.handleStream)
	r.Post("/api/rerun", s.handleRerun)
	return r
}

// Handler returns the routed handler for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start binds the listen address and serves in the background. With a ":0"
// address the bound port is available from Addr() afterwards.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logf("ERROR", "serve: %v", err)
		}
	}()

	s.logf("INFO", "listening on http://%s", ln.Addr())
	return nil
}

// Addr returns the bound address once Start() has succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Shutdown releases live stream connections and then stops the listener.
// Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s server: %s", time.Now().Format(time.RFC3339), level, msg)
}
