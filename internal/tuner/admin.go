package tuner

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snapetech/hdhrbridge/internal/journal"
	"github.com/snapetech/hdhrbridge/internal/session"
)

type statusResponse struct {
	TunerCount int  `json:"tuner_count"`
	InUse      int  `json:"tuners_in_use"`
	Waiting    int  `json:"admission_waiting"`
	Sessions   int  `json:"sessions"`
	ScanActive bool `json:"scan_in_progress"`
}

func (s *Server) serveStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		TunerCount: s.Governor.Max(),
		InUse:      s.Governor.Active(),
		Waiting:    s.Governor.Waiting(),
		Sessions:   len(s.Sessions.List()),
		ScanActive: s.Source != nil && s.Source.ScanInProgress(),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	live := s.Sessions.List()
	out := make([]session.Info, 0, len(live))
	for _, sess := range live {
		out = append(out, sess.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

// getSession serves a live session, or the journal record of a finished one.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if sess, ok := s.Sessions.Get(id); ok {
		writeJSON(w, http.StatusOK, sess.Info())
		return
	}
	rec, err := s.Journal.Read(id)
	log := s.reqLog(r)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, journal.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
	default:
		log.Warn().Err(err).Str("session_id", id).Msg("admin: read journal")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// stopSession stops a session and waits for it. A session still winding
// down after the hard limit is reported as accepted.
func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), adminStopHardLimit)
	defer cancel()
	err := s.Sessions.Stop(ctx, id, "admin stop")
	log := s.reqLog(r)
	switch {
	case err == nil:
		log.Info().Str("session_id", id).Msg("admin: session stopped")
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
	default:
		log.Warn().Err(err).Str("session_id", id).Msg("admin: session still stopping")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	}
}
