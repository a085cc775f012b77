// Package server provides the WebSocket ingress for the transcription
// service.
//
// Clients open GET /v1/transcribe, optionally passing ?language=<tag> and
// ?sv=<bool>, then stream raw little-endian 16-bit mono PCM as binary
// WebSocket messages. Each emitted transcription result is written back as a
// JSON text message. The connection is closed with a normal closure on clean
// end, unsupported-data when the client sends a non-binary message, and
// internal-error when the pipeline hits a fatal fault.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/skaldlabs/skald/internal/observe"
	"github.com/skaldlabs/skald/internal/recap"
	"github.com/skaldlabs/skald/internal/session"
)

// recapTimeout bounds the post-session LLM call so a slow provider cannot
// hold the connection open indefinitely.
const recapTimeout = 15 * time.Second

// recapFrame is the terminal JSON message sent after the last result when
// recap generation is enabled.
type recapFrame struct {
	Type     string   `json:"type"`
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords"`
}

// Server handles transcription WebSocket connections against a
// [session.Manager].
type Server struct {
	manager *session.Manager
	recap   *recap.Generator
	metrics *observe.Metrics
	log     *slog.Logger
}

// Option configures a [Server].
type Option func(*Server)

// WithRecap enables the post-session recap frame using the given generator.
func WithRecap(g *recap.Generator) Option {
	return func(s *Server) { s.recap = g }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a [Server] serving sessions from manager.
func New(manager *session.Manager, opts ...Option) *Server {
	s := &Server{manager: manager}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Register adds the transcription route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/transcribe", s.handleTranscribe)
}

// handleTranscribe validates the open parameters, opens a session, upgrades
// the connection, and runs the read loop until the client disconnects or the
// session ends.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sv := false
	if raw := q.Get("sv"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "invalid sv parameter", http.StatusBadRequest)
			return
		}
		sv = parsed
	}

	sess, err := s.manager.OpenSession(r.Context(), session.OpenParams{
		Language:      q.Get("language"),
		SpeakerVerify: sv,
	})
	switch {
	case errors.Is(err, session.ErrUnsupportedLanguage):
		http.Error(w, "unsupported language", http.StatusBadRequest)
		return
	case errors.Is(err, session.ErrManagerClosed):
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, "failed to open session", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		sess.Close()
		s.log.Warn("websocket accept failed", "session_id", sess.ID(), "err", err)
		return
	}

	log := s.log.With("session_id", sess.ID())
	ctx := r.Context()

	writeDone := make(chan websocket.StatusCode, 1)
	go func() {
		writeDone <- s.writeLoop(ctx, conn, sess, log)
	}()

	closeStatus := s.readLoop(ctx, conn, sess, log)

	// The session may already be closed (fatal error or shutdown); Close is
	// idempotent and drains in-flight inference either way.
	sess.Close()

	if st := <-writeDone; st != websocket.StatusNormalClosure {
		closeStatus = st
	}
	conn.Close(closeStatus, "")
	log.Info("connection closed", "status", closeStatus)
}

// readLoop pumps binary messages into the session until the client goes away,
// sends a non-binary message, or the session stops accepting audio.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, log *slog.Logger) websocket.StatusCode {
	for {
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			return websocket.StatusNormalClosure
		}
		if typ != websocket.MessageBinary {
			log.Warn("non-binary message from client", "type", typ)
			return websocket.StatusUnsupportedData
		}
		if err := sess.Ingest(frame); err != nil {
			if !errors.Is(err, session.ErrSessionClosed) {
				log.Warn("ingest failed", "err", err)
			}
			return websocket.StatusNormalClosure
		}
	}
}

// writeLoop forwards emitted results to the client until the results channel
// closes, then sends the optional recap frame. The returned status reflects
// the worst result seen: internal-error after a fatal frame, unsupported-data
// after a fatal protocol error.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, log *slog.Logger) websocket.StatusCode {
	status := websocket.StatusNormalClosure
	writable := true

	for res := range sess.Results() {
		if res.Code == session.CodeFatal {
			if res.Msg == session.KindProtocolError {
				status = websocket.StatusUnsupportedData
			} else {
				status = websocket.StatusInternalError
			}
		}
		if !writable {
			continue
		}
		if err := wsjson.Write(ctx, conn, res); err != nil {
			// Keep draining so the pipeline is never blocked on a dead peer.
			log.Debug("result write failed", "err", err)
			writable = false
		}
	}

	if s.recap != nil && writable && status == websocket.StatusNormalClosure {
		s.sendRecap(ctx, conn, sess, log)
	}
	return status
}

// sendRecap generates and writes the terminal recap frame. Best effort:
// failures are logged and the close handshake proceeds normally.
func (s *Server) sendRecap(ctx context.Context, conn *websocket.Conn, sess *session.Session, log *slog.Logger) {
	lines := sess.Transcript()
	if len(lines) == 0 {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, recapTimeout)
	defer cancel()

	rec, err := s.recap.Generate(rctx, lines)
	if err != nil {
		log.Warn("recap generation failed", "err", err)
		return
	}
	frame := recapFrame{Type: "recap", Summary: rec.Summary, Keywords: rec.Keywords}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		log.Debug("recap write failed", "err", err)
	}
}
