package tuner

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snapetech/hdhrbridge/internal/catalog"
	"github.com/snapetech/hdhrbridge/internal/clientkind"
	"github.com/snapetech/hdhrbridge/internal/fault"
	"github.com/snapetech/hdhrbridge/internal/governor"
	"github.com/snapetech/hdhrbridge/internal/resilience"
	"github.com/snapetech/hdhrbridge/internal/session"
	"github.com/snapetech/hdhrbridge/internal/tspkt"
)

const (
	HeaderSessionID  = "X-Session-Id"
	HeaderMediaType  = "X-Media-Type"
	HeaderConsumer   = "X-Has-Consumer"
	HeaderPersistent = "X-Persistent-Session"

	// 805 is the HDHomeRun "all tuners in use" code Plex surfaces to users.
	hdhrAllTunersInUse = "805"

	copyPackets = 348 // ~64 KiB per write
)

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelId")
	s.dispatch(w, r, id, func(snap *catalog.Snapshot) (catalog.Channel, bool) {
		return snap.Channel(id)
	})
}

// serveAuto is the HDHomeRun /auto/v<number> tune, keyed by guide number.
func (s *Server) serveAuto(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	s.dispatch(w, r, number, func(snap *catalog.Snapshot) (catalog.Channel, bool) {
		return snap.ChannelByNumber(number)
	})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, key string, lookup func(*catalog.Snapshot) (catalog.Channel, bool)) {
	log := s.reqLog(r)
	ctx := r.Context()
	class := s.classify(r)

	// An unknown id (one a HEAD handed out, say) names the new session.
	var wantID string
	if sid := r.Header.Get(HeaderSessionID); sid != "" && r.Method != http.MethodHead {
		c, err := s.Sessions.Attach(sid)
		switch {
		case err == nil:
			log.Info().Str("session_id", sid).Str("client", class.Kind.String()).Msg("stream: consumer reattached")
			s.stream(w, r, c, log, true)
			return
		case errors.Is(err, session.ErrConsumerAttached):
			log.Info().Str("session_id", sid).Msg("stream: session busy, opening a new one")
		case errors.Is(err, session.ErrNotFound):
			wantID = sid
		default:
			log.Debug().Err(err).Str("session_id", sid).Msg("stream: reattach not possible")
		}
	}

	snap := s.Source.Snapshot()
	if snap == nil {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "lineup not loaded", http.StatusServiceUnavailable)
		return
	}
	ch, found := lookup(snap)
	if found {
		key = ch.ID
	}
	var st catalog.Stream
	if found {
		st, found = snap.StreamFor(ch)
	}

	if r.Method == http.MethodHead {
		if err := s.Governor.Check(ctx, key); err != nil {
			s.reject(w, log, err)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}
		// Same headers as GET. The id is not live yet; a GET presenting it
		// opens its session under that id.
		s.setHeaders(w, session.NewID(), true, s.persistent(class))
		w.WriteHeader(http.StatusOK)
		return
	}

	slot, err := s.Governor.Admit(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.reject(w, log, err)
		return
	}
	if !found {
		slot.Release()
		log.Info().Str("channel", key).Msg("stream: unknown or disabled channel")
		http.NotFound(w, r)
		return
	}

	sess, err := s.Sessions.Open(ctx, session.Request{
		ID:        wantID,
		Snapshot:  snap,
		Channel:   ch,
		Stream:    st,
		Kind:      class.Kind,
		Resilient: class.Resilient,
		Slot:      slot,
	})
	if err != nil {
		slot.Release()
		log.Warn().Err(err).Str("channel_id", ch.ID).Msg("stream: open session")
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	c, err := sess.Attach()
	if err != nil {
		sess.Stop("attach failed")
		log.Warn().Err(err).Str("session_id", sess.ID()).Msg("stream: attach")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Info().
		Str("session_id", sess.ID()).
		Str("channel_id", ch.ID).
		Str("stream_id", st.ID).
		Str("client", class.Kind.String()).
		Str("rule", class.Rule).
		Msg("stream: session opened")
	s.stream(w, r, c, log, false)
}

func (s *Server) classify(r *http.Request) clientkind.Result {
	if s.Classifier == nil {
		return clientkind.Result{Kind: clientkind.Generic, Rule: "default"}
	}
	return s.Classifier.Classify(r)
}

func (s *Server) persistent(class clientkind.Result) bool {
	return s.Sessions.Config().Policy(class.Kind, class.Resilient).MaxLayer >= resilience.LayerRestart
}

// stream waits for the session's first bytes (new sessions only) and then
// copies the consumer into the response until either side ends.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, c *session.Consumer, log zerolog.Logger, reattached bool) {
	sess := c.Session()
	defer c.Close()
	stop := context.AfterFunc(r.Context(), func() { _ = c.Close() })
	defer stop()

	if !reattached && !s.awaitFirstBytes(w, r, sess, log) {
		return
	}

	s.setHeaders(w, sess.ID(), sess.HasConsumer(), sess.Persistent())
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, copyPackets*tspkt.PacketSize)
	var sent int64
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Debug().Err(werr).Str("session_id", sess.ID()).Int64("bytes", sent).Msg("stream: client write ended")
				return
			}
			sent += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			log.Debug().Err(err).Str("session_id", sess.ID()).Int64("bytes", sent).Msg("stream: copy ended")
			return
		}
	}
}

// awaitFirstBytes reports whether the response should be committed. On
// false an error status has been written, or the client is gone.
func (s *Server) awaitFirstBytes(w http.ResponseWriter, r *http.Request, sess *session.Session, log zerolog.Logger) bool {
	wait := s.FirstBytes
	if wait <= 0 {
		wait = s.Sessions.Config().FirstBytes
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-sess.FirstBytes():
		return true
	case <-sess.Done():
		select {
		case <-sess.FirstBytes():
			return true
		default:
		}
		err := sess.Err()
		log.Warn().Err(err).Str("session_id", sess.ID()).Str("fault", fault.KindOf(err).String()).Msg("stream: session ended before first bytes")
		if fault.Is(err, fault.StalledStream) {
			http.Error(w, "upstream produced no data", http.StatusGatewayTimeout)
			return false
		}
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return false
	case <-timer.C:
		// A session still retrying in PROBING keeps the client with nulls.
		if sess.RetryPending() && sess.Bridging() {
			log.Info().Str("session_id", sess.ID()).Msg("stream: committing with null bridge while upstream retries")
			return true
		}
		sess.Stop("first bytes timeout")
		log.Warn().Str("session_id", sess.ID()).Dur("wait", wait).Msg("stream: first bytes timeout")
		http.Error(w, "upstream produced no data", http.StatusGatewayTimeout)
		return false
	case <-r.Context().Done():
		return false
	}
}

func (s *Server) setHeaders(w http.ResponseWriter, sessionID string, consumer, persistent bool) {
	h := w.Header()
	h.Set("Content-Type", "video/mp2t")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set(HeaderSessionID, sessionID)
	h.Set(HeaderMediaType, "live")
	h.Set(HeaderConsumer, flag(consumer))
	h.Set(HeaderPersistent, flag(persistent))
}

// flag is the 1/0 form HDHomeRun clients expect in headers.
func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Server) reject(w http.ResponseWriter, log zerolog.Logger, err error) {
	retry := 10 * time.Second
	var rej *governor.Rejection
	if errors.As(err, &rej) && rej.RetryAfter > 0 {
		retry = rej.RetryAfter
	}
	log.Info().Err(err).Dur("retry_after", retry).Msg("stream: admission rejected")
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
	w.Header().Set("X-HDHomeRun-Error", hdhrAllTunersInUse)
	http.Error(w, "All tuners in use", http.StatusServiceUnavailable)
}
