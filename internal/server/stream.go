package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// handleStream serves GET /api/stream?from=<seq>: the retained backlog from
// the given sequence number, then live events, one JSON object per line.
// Without from the whole backlog of the current run is replayed. The
// subscriber is torn down when the client disconnects or the daemon stops.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var from uint64
	if raw := r.URL.Query().Get("from"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid from %q", raw))
			return
		}
		from = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := s.source.Subscribe(from)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream closed")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				// Client went away; the deferred Close tears the
				// subscriber down without touching the run.
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}
