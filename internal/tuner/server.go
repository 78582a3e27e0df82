// Package tuner is the HTTP face of the bridge: the HDHomeRun emulator that
// Plex discovers and scans, the SSDP advertiser, the /stream dispatcher and
// a small admin API over live sessions.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snapetech/hdhrbridge/internal/clientkind"
	"github.com/snapetech/hdhrbridge/internal/governor"
	"github.com/snapetech/hdhrbridge/internal/journal"
	"github.com/snapetech/hdhrbridge/internal/session"
	"github.com/snapetech/hdhrbridge/internal/store"
)

const (
	DefaultAdminRate   = 60
	shutdownTimeout    = 10 * time.Second
	readHeaderTimeout  = 10 * time.Second
	adminStopHardLimit = 5 * time.Second
)

// Server wires the emulator, dispatcher and admin API onto one listener.
type Server struct {
	Addr       string
	Device     Device
	Source     store.Source
	Governor   *governor.Governor
	Sessions   *session.Manager
	Classifier *clientkind.Classifier
	Journal    *journal.Journal
	FirstBytes time.Duration // dispatcher first-bytes wait; 0 uses the session default
	AdminRate  int           // admin API requests per minute per IP
	Log        zerolog.Logger

	reqSeq atomic.Uint64
}

// Handler builds the router. It is separate from Run so tests can mount it
// on httptest servers.
func (s *Server) Handler() http.Handler {
	h := &HDHR{Device: s.Device, Source: s.Source, Tuners: s.Governor.Max}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/discover.json", h.serveDiscover)
	r.Get("/lineup.json", h.serveLineup)
	r.Post("/lineup.post", h.serveLineup)
	r.Get("/lineup_status.json", h.serveLineupStatus)
	r.Get("/device.xml", h.serveDeviceXML)
	r.Get("/healthz", s.serveHealth)
	r.Handle("/metrics", promhttp.Handler())

	for _, m := range []string{http.MethodGet, http.MethodHead} {
		r.Method(m, "/stream/{channelId}", http.HandlerFunc(s.serveStream))
		r.Method(m, "/auto/v{number}", http.HandlerFunc(s.serveAuto))
	}

	rate := s.AdminRate
	if rate <= 0 {
		rate = DefaultAdminRate
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(rate, time.Minute))
		r.Get("/status", s.serveStatus)
		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{id}", s.getSession)
		r.Delete("/sessions/{id}", s.stopSession)
	})
	return r
}

// Run binds Addr and serves until ctx is done. Sessions are stopped before
// the listener drains so streaming handlers return promptly.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	serverErr := make(chan error, 1)
	go func() {
		s.Log.Info().Str("addr", ln.Addr().String()).Str("base_url", s.Device.BaseURL).Msg("tuner listening")
		serverErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.Log.Info().Msg("shutting down tuner")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Sessions.Shutdown(shutdownCtx); err != nil {
		s.Log.Warn().Err(err).Msg("session shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.Log.Warn().Err(err).Msg("tuner shutdown")
	}
	<-serverErr
	return nil
}

type reqIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(reqIDKey{}).(string)
	return id
}

// logRequests numbers every request and logs it once it completes.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := fmt.Sprintf("r%06d", s.reqSeq.Add(1))
		r = r.WithContext(context.WithValue(r.Context(), reqIDKey{}, id))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := s.Log.Info()
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			ev = s.Log.Debug()
		}
		ev.Str("req_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Str("ua", r.UserAgent()).
			Msg("http request")
	})
}

func (s *Server) reqLog(r *http.Request) zerolog.Logger {
	return s.Log.With().Str("req_id", requestID(r.Context())).Logger()
}

// serveHealth is 503 until the first snapshot has been loaded.
func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	var snapTime time.Time
	channels := 0
	if s.Source != nil {
		if snap := s.Source.Snapshot(); snap != nil {
			snapTime = snap.LoadedAt
			channels = len(snap.Lineup())
		}
	}
	if snapTime.IsZero() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"channels":      channels,
		"last_refresh":  snapTime.UTC().Format(time.RFC3339),
		"tuners_in_use": s.Governor.Active(),
	})
}
