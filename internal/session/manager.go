package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skaldlabs/skald/internal/dispatch"
	"github.com/skaldlabs/skald/internal/observe"
	"github.com/skaldlabs/skald/pkg/provider/asr"
	"github.com/skaldlabs/skald/pkg/provider/speaker"
	"github.com/skaldlabs/skald/pkg/provider/vad"
)

// ErrManagerClosed is returned by OpenSession after Shutdown has begun.
var ErrManagerClosed = errors.New("session: manager closed")

// ErrUnsupportedLanguage is returned by OpenSession for a language hint
// outside the supported set.
var ErrUnsupportedLanguage = errors.New("session: unsupported language")

// languages is the accepted set of language hints.
var languages = map[string]struct{}{
	"zh": {}, "en": {}, "ja": {}, "ko": {}, "yue": {}, "auto": {},
}

// defaultDrainTimeout bounds how long a closing session waits for in-flight
// inference.
const defaultDrainTimeout = 5 * time.Second

// Models are the process-wide inference handles shared by all sessions.
// They must be safe for concurrent use; read-only after init.
type Models struct {
	ASR asr.Model

	// Speaker may be nil, in which case speaker verification is unavailable
	// and sessions requesting it fall back to plain transcription.
	Speaker speaker.Model

	VAD vad.Engine
}

// OpenParams are the per-connection options supplied at session open.
type OpenParams struct {
	// Language is the recognition language hint: zh, en, ja, ko, yue, or
	// auto. Empty means auto.
	Language string

	// SpeakerVerify enables per-segment speaker identification.
	SpeakerVerify bool
}

type managerOptions struct {
	metrics      *observe.Metrics
	log          *slog.Logger
	drainTimeout time.Duration
	onClose      func(*Session)
}

// ManagerOption customises a Manager.
type ManagerOption func(*managerOptions)

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ManagerOption {
	return func(o *managerOptions) { o.metrics = m }
}

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) ManagerOption {
	return func(o *managerOptions) { o.log = l }
}

// WithDrainTimeout bounds how long a closing session waits for in-flight
// inference to resolve. Defaults to 5 seconds.
func WithDrainTimeout(d time.Duration) ManagerOption {
	return func(o *managerOptions) { o.drainTimeout = d }
}

// Manager owns the shared model handles, the inference worker pool, and the
// set of open sessions. Safe for concurrent use.
type Manager struct {
	models     Models
	dispatcher *dispatch.Dispatcher
	opts       managerOptions

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a Manager. cfg's zero fields take the documented
// defaults; the worker pool and per-call deadline come from cfg.
func NewManager(cfg Config, models Models, opts ...ManagerOption) *Manager {
	cfg = cfg.withDefaults()
	o := managerOptions{
		log:          slog.Default(),
		drainTimeout: defaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	return &Manager{
		models: models,
		dispatcher: dispatch.New(cfg.WorkerPoolSize,
			time.Duration(cfg.InferenceTimeoutMs)*time.Millisecond),
		opts:     o,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// SetPipeline replaces the pipeline configuration for sessions opened from
// now on. Open sessions keep the config they were created with; the shared
// worker pool is likewise fixed at manager construction.
func (m *Manager) SetPipeline(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.withDefaults()
}

// OpenSession allocates a session bound to the shared models and worker
// pool. The returned session is in state Idle until its first frame.
func (m *Manager) OpenSession(ctx context.Context, p OpenParams) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	language := p.Language
	if language == "" {
		language = "auto"
	}
	if _, ok := languages[language]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, p.Language)
	}

	sv := p.SpeakerVerify
	if sv && m.models.Speaker == nil {
		m.opts.log.Warn("speaker verification requested but no speaker model is loaded")
		sv = false
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	cfg := m.cfg
	m.mu.Unlock()

	id := uuid.NewString()
	opts := m.opts
	opts.onClose = m.release
	s, err := newSession(id, cfg, language, sv, m.models, m.dispatcher, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = s.Close()
		return nil, ErrManagerClosed
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.opts.metrics.ActiveSessions.Add(ctx, 1)
	m.opts.log.Info("session opened",
		slog.String("session_id", id),
		slog.String("language", language),
		slog.Bool("speaker_verify", sv),
	)
	return s, nil
}

// release drops a closed session from the registry.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	_, known := m.sessions[s.ID()]
	delete(m.sessions, s.ID())
	m.mu.Unlock()

	if known {
		m.opts.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Closed reports whether Shutdown has begun. A closed manager rejects new
// sessions, which readiness probes surface as not-ready.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Shutdown closes every open session in parallel and waits for all of them
// to release their resources. Each session's drain is bounded by the drain
// timeout; ctx can cut the wait shorter.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	m.opts.log.Info("shutting down sessions", slog.Int("count", len(open)))

	var g errgroup.Group
	for _, s := range open {
		g.Go(s.Close)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown interrupted: %w", ctx.Err())
	}
}

// vadStreamConfig maps the pipeline config onto one session's VAD stream.
// The voicing threshold is left to the backend's default; the length and
// pause-bridging rules are pipeline-wide.
func vadStreamConfig(cfg Config) vad.StreamConfig {
	return vad.StreamConfig{
		SampleRate:  cfg.SampleRate,
		MinSpeechMs: segmentMinMs,
		MaxSpeechMs: segmentMaxMs,
		HangoverMs:  segmentHangoverMs,
	}
}
