// Package session implements the per-connection transcription pipeline and
// the manager that owns shared model handles across connections.
//
// A [Session] consumes raw PCM frames, cuts them into speech segments, runs
// ASR and speaker verification on a shared worker pool, and emits ordered
// [Result] frames on its Results channel. The [Manager] opens sessions
// against process-wide model handles and closes them all in parallel on
// shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skaldlabs/skald/internal/audio"
	"github.com/skaldlabs/skald/internal/dispatch"
	"github.com/skaldlabs/skald/internal/linebreak"
	"github.com/skaldlabs/skald/internal/observe"
	"github.com/skaldlabs/skald/internal/segment"
	"github.com/skaldlabs/skald/internal/speaker"
	"github.com/skaldlabs/skald/internal/transcript"
	"github.com/skaldlabs/skald/pkg/provider/asr"
)

// ErrSessionClosed is returned by Ingest once the session has left the
// streaming states.
var ErrSessionClosed = errors.New("session: closed")

// Segment rules applied by the VAD stage. Intervals shorter than the minimum
// are dropped; continuous speech is force-split at the maximum; silence runs
// shorter than the hangover stay inside the interval, bridging brief pauses.
const (
	segmentMinMs      = 300
	segmentMaxMs      = 30000
	segmentHangoverMs = 500
)

// resultQueueSize bounds the outbound queue. A slow reader stalls its own
// session's ingest once the queue fills; other sessions are unaffected.
const resultQueueSize = 256

// State is the session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds the pipeline knobs shared by all sessions. Zero values are
// replaced by the defaults from [DefaultConfig].
type Config struct {
	// SampleRate is the PCM rate in Hz assumed for all sessions.
	SampleRate int

	// ChunkSizeMs is the VAD cadence: a detection pass runs once this much
	// new audio has accumulated.
	ChunkSizeMs int

	// VADBufferSeconds is the rolling audio window capacity.
	VADBufferSeconds int

	// VADBufferCleanupThreshold is the fill fraction at which a trim fires.
	VADBufferCleanupThreshold float64

	// VADBufferCleanupRatio is the fraction of capacity trimmed per cleanup.
	VADBufferCleanupRatio float64

	// SilenceResetSeconds is the idle span after which the buffer resets.
	SilenceResetSeconds int

	// KeepAudioSeconds is the tail retained across a silence reset.
	KeepAudioSeconds int

	// SVThresholdBase is the base speaker-similarity threshold.
	SVThresholdBase float64

	// SVMinDurationMs gates speaker verification on segment length.
	SVMinDurationMs int64

	// SVMinEnergyRMS gates speaker verification on segment energy.
	SVMinEnergyRMS float64

	// PauseThresholdMs is the same-speaker gap that starts a new line.
	PauseThresholdMs int64

	// EnableSmartLineBreak toggles the line-break policy; when false every
	// segment is its own line.
	EnableSmartLineBreak bool

	// WorkerPoolSize bounds concurrent inference across all sessions.
	WorkerPoolSize int

	// InferenceTimeoutMs is the per-call inference deadline.
	InferenceTimeoutMs int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:                16000,
		ChunkSizeMs:               300,
		VADBufferSeconds:          15,
		VADBufferCleanupThreshold: 0.8,
		VADBufferCleanupRatio:     0.3,
		SilenceResetSeconds:       30,
		KeepAudioSeconds:          5,
		SVThresholdBase:           0.42,
		SVMinDurationMs:           400,
		SVMinEnergyRMS:            0.003,
		PauseThresholdMs:          1500,
		EnableSmartLineBreak:      true,
		WorkerPoolSize:            4,
		InferenceTimeoutMs:        10000,
	}
}

// withDefaults fills zero fields from DefaultConfig. EnableSmartLineBreak is
// left alone: false is a valid setting, and the loader layer owns its
// default.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.ChunkSizeMs <= 0 {
		c.ChunkSizeMs = d.ChunkSizeMs
	}
	if c.VADBufferSeconds <= 0 {
		c.VADBufferSeconds = d.VADBufferSeconds
	}
	if c.VADBufferCleanupThreshold <= 0 {
		c.VADBufferCleanupThreshold = d.VADBufferCleanupThreshold
	}
	if c.VADBufferCleanupRatio <= 0 {
		c.VADBufferCleanupRatio = d.VADBufferCleanupRatio
	}
	if c.SilenceResetSeconds <= 0 {
		c.SilenceResetSeconds = d.SilenceResetSeconds
	}
	if c.KeepAudioSeconds <= 0 {
		c.KeepAudioSeconds = d.KeepAudioSeconds
	}
	if c.SVThresholdBase <= 0 {
		c.SVThresholdBase = d.SVThresholdBase
	}
	if c.SVMinDurationMs <= 0 {
		c.SVMinDurationMs = d.SVMinDurationMs
	}
	if c.SVMinEnergyRMS <= 0 {
		c.SVMinEnergyRMS = d.SVMinEnergyRMS
	}
	if c.PauseThresholdMs <= 0 {
		c.PauseThresholdMs = d.PauseThresholdMs
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = d.WorkerPoolSize
	}
	if c.InferenceTimeoutMs <= 0 {
		c.InferenceTimeoutMs = d.InferenceTimeoutMs
	}
	return c
}

// Session is one connection's transcription pipeline.
//
// Ingest calls must be serialized by the caller (the transport read loop).
// Results is consumed by exactly one reader. Close may be called from any
// goroutine and is idempotent.
type Session struct {
	id       string
	cfg      Config
	language string
	sv       bool

	models     Models
	dispatcher *dispatch.Dispatcher
	metrics    *observe.Metrics
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	// ingestMu serializes the ingest pipeline against Close: the drain cannot
	// begin while a frame is mid-flight.
	ingestMu sync.Mutex

	// Ingest-side state, confined to the caller's read loop.
	buf          *audio.Buffer
	seg          *segment.Segmenter
	pendingBytes int
	chunkBytes   int
	nextSeq      uint64

	// Collation-side state, confined to the collator's deliver callback.
	tracker *speaker.Tracker
	breaks  *linebreak.Policy

	col     *collator
	results chan Result
	wg      sync.WaitGroup

	// emitStop aborts blocked result sends when the drain deadline passes.
	emitStop  chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once

	drainTimeout time.Duration
	onClose      func(*Session)

	// lineMu guards lines, the accumulated display text used for the
	// post-session recap.
	lineMu sync.Mutex
	lines  []string

	// now is the wall clock, swappable in tests.
	now func() time.Time
}

func newSession(id string, cfg Config, language string, sv bool, models Models, d *dispatch.Dispatcher, opts managerOptions) (*Session, error) {
	stream, err := models.VAD.NewStream(vadStreamConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("session: open vad stream: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now
	s := &Session{
		id:         id,
		cfg:        cfg,
		language:   language,
		sv:         sv,
		models:     models,
		dispatcher: d,
		metrics:    opts.metrics,
		log:        opts.log.With(slog.String("session_id", id)),
		ctx:        ctx,
		cancel:     cancel,
		buf: audio.NewBuffer(audio.BufferConfig{
			SampleRate:          cfg.SampleRate,
			BufferSeconds:       cfg.VADBufferSeconds,
			CleanupThreshold:    cfg.VADBufferCleanupThreshold,
			CleanupRatio:        cfg.VADBufferCleanupRatio,
			SilenceResetSeconds: cfg.SilenceResetSeconds,
			KeepAudioSeconds:    cfg.KeepAudioSeconds,
		}, now()),
		seg: segment.New(stream, segment.Config{
			SampleRate:  cfg.SampleRate,
			MinSpeechMs: segmentMinMs,
			MaxSpeechMs: segmentMaxMs,
		}),
		tracker: speaker.NewTracker(speaker.Config{
			ThresholdBase: cfg.SVThresholdBase,
			MinDurationMs: cfg.SVMinDurationMs,
			MinEnergyRMS:  cfg.SVMinEnergyRMS,
		}),
		breaks:       linebreak.New(cfg.EnableSmartLineBreak, cfg.PauseThresholdMs),
		results:      make(chan Result, resultQueueSize),
		emitStop:     make(chan struct{}),
		chunkBytes:   int(audio.MsToSamples(int64(cfg.ChunkSizeMs), cfg.SampleRate)) * 2,
		drainTimeout: opts.drainTimeout,
		onClose:      opts.onClose,
		now:          now,
	}
	s.col = newCollator(s.deliver)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Language returns the session's language hint.
func (s *Session) Language() string {
	return s.language
}

// Results returns the ordered outbound stream. The channel is closed once
// the session reaches Closed and all queued results are delivered.
func (s *Session) Results() <-chan Result {
	return s.results
}

// Transcript returns the display text of every successful result emitted so
// far, in emission order.
func (s *Session) Transcript() []string {
	s.lineMu.Lock()
	defer s.lineMu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// Ingest appends one frame of raw 16-bit little-endian mono PCM, runs a VAD
// pass when enough audio has accumulated, and schedules inference for any
// closed speech segments. Returns [ErrSessionClosed] after Close and a
// protocol error for malformed frames; both are fatal to the session.
func (s *Session) Ingest(frame []byte) error {
	kind, err := s.ingest(frame)
	if kind != "" {
		s.fail(kind)
	}
	return err
}

// ingest runs one frame through the pipeline under the ingest lock, which
// Close also takes before draining. A non-empty kind means the session is
// dead; the caller emits the terminal frame after the lock is released so
// the close path cannot deadlock against it.
func (s *Session) ingest(frame []byte) (kind string, err error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	switch s.State() {
	case StateDraining, StateClosed:
		return "", ErrSessionClosed
	case StateIdle:
		s.state.CompareAndSwap(int32(StateIdle), int32(StateStreaming))
	}

	if len(frame)%2 != 0 {
		return KindProtocolError, fmt.Errorf("session: frame of %d bytes is not a whole number of samples", len(frame))
	}
	if len(frame) == 0 {
		return "", nil
	}

	s.buf.Append(audio.DecodeS16LE(frame))
	s.metrics.AudioBytes.Add(s.ctx, int64(len(frame)))
	s.pendingBytes += len(frame)

	if s.pendingBytes >= s.chunkBytes {
		s.pendingBytes = 0
		if kind, err = s.detect(); err != nil {
			return kind, err
		}
	}

	if verr := s.buf.Validate(); verr != nil {
		s.log.Error("audio buffer invariant violated", slog.String("error", verr.Error()))
		return KindFatalInvariant, fmt.Errorf("session: %w", verr)
	}
	now := s.now()
	if s.buf.MaybeSilenceReset(now) {
		s.seg.Reset()
		s.metrics.SilenceResets.Add(s.ctx, 1)
		s.log.Debug("silence reset", slog.Int64("start_offset", s.buf.StartOffset()))
	}
	return "", nil
}

// detect runs one VAD pass over the buffered audio and schedules inference
// for each closed interval.
func (s *Session) detect() (string, error) {
	samples, start, end := s.buf.Snapshot()
	intervals, err := s.seg.Detect(samples, start, end)
	if err != nil {
		s.log.Error("vad detection failed", slog.String("error", err.Error()))
		return KindFatalInvariant, fmt.Errorf("session: vad: %w", err)
	}

	now := s.now()
	for _, iv := range intervals {
		s.buf.NoteVoiceActivity(iv.End, now)
		s.metrics.SegmentsDetected.Add(s.ctx, 1)
		s.schedule(iv)
	}
	// An open interval counts as voice activity so the silence reset cannot
	// fire mid-speech.
	if _, active := s.seg.Pending(); active {
		s.buf.NoteVoiceActivity(s.buf.EndOffset(), now)
	}
	return "", nil
}

// schedule submits inference for one closed interval and spawns the waiter
// that completes the segment in the collator.
func (s *Session) schedule(iv segment.Interval) {
	seq := s.nextSeq
	s.nextSeq++

	rate := s.cfg.SampleRate
	o := &segmentOutcome{
		seq:     seq,
		startMs: audio.SamplesToMs(iv.Start, rate),
		endMs:   audio.SamplesToMs(iv.End, rate),
	}

	raw := s.buf.Slice(iv.Start, iv.End)
	if want := iv.End - iv.Start; int64(len(raw)) < want && len(raw) > 0 {
		// A force-cut segment can outlive the rolling window; ASR gets the
		// surviving tail.
		s.log.Debug("segment clipped to the buffer window",
			slog.Uint64("seq", seq),
			slog.Int64("want_samples", want),
			slog.Int("have_samples", len(raw)))
	}
	pcm := audio.ToFloat32(raw)
	if len(pcm) == 0 {
		// The slice was trimmed out from under the interval. Treat it like a
		// timed-out segment so the sequence number is accounted for.
		o.code, o.errKind = CodeSkipped, KindInferenceTimeout
		s.col.complete(o)
		return
	}

	asrFut, err := s.dispatcher.SubmitASR(s.ctx, s.models.ASR, pcm, s.language)
	if err != nil {
		o.code, o.errKind = CodeSkipped, KindDispatcherBusy
		s.metrics.RecordDispatchRejection(s.ctx, "asr")
		s.col.complete(o)
		return
	}

	var spkFut *dispatch.Future[[]float32]
	if s.sv {
		duration := o.endMs - o.startMs
		if err := s.tracker.CheckQuality(duration, audio.RMS(pcm)); err != nil {
			// Too short or too quiet for a voiceprint; the collator inherits
			// the previous speaker.
			s.log.Debug("speaker verify skipped",
				slog.Uint64("seq", seq), slog.String("reason", err.Error()))
		} else if spkFut, err = s.dispatcher.SubmitSpeakerVerify(s.ctx, s.models.Speaker, pcm); err != nil {
			s.metrics.RecordDispatchRejection(s.ctx, "speaker")
			spkFut = nil
		}
	}

	s.wg.Add(1)
	go s.await(o, asrFut, spkFut)
}

// await resolves a segment's futures and hands the outcome to the collator.
// Every scheduled segment reaches the collator exactly once.
func (s *Session) await(o *segmentOutcome, asrFut *dispatch.Future[asr.Result], spkFut *dispatch.Future[[]float32]) {
	defer s.wg.Done()

	started := s.now()
	res, err := asrFut.Value()
	elapsed := time.Since(started).Seconds()

	switch {
	case err == nil:
		o.text, o.confidence = res.Text, res.Confidence
		s.metrics.RecordInference(s.ctx, "asr", "ok", elapsed)
	case errors.Is(err, dispatch.ErrTimeout):
		o.code, o.errKind = CodeSkipped, KindInferenceTimeout
		s.metrics.RecordInference(s.ctx, "asr", "timeout", elapsed)
	case errors.Is(err, context.Canceled):
		// Session shut down mid-flight; emit the timeout sentinel so the
		// sequence stays gapless for any results still draining.
		o.code, o.errKind = CodeSkipped, KindInferenceTimeout
		s.metrics.RecordInference(s.ctx, "asr", "cancelled", elapsed)
	default:
		o.code, o.errKind = CodeModelError, KindModelError
		s.metrics.RecordInference(s.ctx, "asr", "error", elapsed)
		s.log.Warn("asr failed", slog.Uint64("seq", o.seq), slog.String("error", err.Error()))
	}

	if spkFut != nil {
		if emb, err := spkFut.Value(); err == nil {
			o.embedding = emb
		} else if !errors.Is(err, context.Canceled) {
			s.log.Debug("speaker verify failed",
				slog.Uint64("seq", o.seq), slog.String("error", err.Error()))
		}
	}

	s.col.complete(o)
}

// deliver turns one in-order outcome into a Result frame. Runs under the
// collator lock; it is the only writer of the tracker and line-break state.
func (s *Session) deliver(o *segmentOutcome) {
	if o.code != 0 {
		// Failed segment: surface it, leave speaker and line state alone.
		s.emit(Result{
			Code:      o.code,
			Msg:       o.errKind,
			Language:  s.language,
			Timestamp: epochSeconds(s.now()),
		})
		return
	}

	f := transcript.Format(o.text)
	if f.Empty {
		return
	}

	var speakerID string
	if s.sv {
		if o.embedding != nil {
			speakerID = s.tracker.Identify(o.embedding, o.startMs, o.endMs).SpeakerID
		} else {
			speakerID = s.tracker.Inherit(o.endMs)
		}
	}

	newLine, segType := s.breaks.Decide(speakerID, o.startMs, o.endMs)

	data := f.Text
	if s.sv && speakerID != "" {
		data = "[" + speakerID + "]: " + f.Text
	}
	language := f.Language
	if language == "" {
		language = s.language
	}

	s.lineMu.Lock()
	s.lines = append(s.lines, f.Text)
	s.lineMu.Unlock()

	s.emit(Result{
		Code:        CodeOK,
		Data:        data,
		SpeakerID:   speakerID,
		IsNewLine:   newLine,
		SegmentType: string(segType),
		Language:    language,
		Timestamp:   epochSeconds(s.now()),
		Confidence:  o.confidence,
	})
}

// emit queues one result, giving up if the session's drain deadline already
// cut the outbound channel loose.
func (s *Session) emit(r Result) {
	s.metrics.RecordResult(s.ctx, fmt.Sprintf("%d", r.Code), r.SegmentType)
	select {
	case s.results <- r:
		return
	default:
	}
	select {
	case s.results <- r:
	case <-s.emitStop:
	}
}

// fail emits the terminal frame for a dead session and closes it.
func (s *Session) fail(kind string) {
	s.emit(Result{
		Code:      CodeFatal,
		Msg:       kind,
		Language:  s.language,
		Timestamp: epochSeconds(s.now()),
	})
	_ = s.Close()
}

// Close transitions the session to Draining, lets a frame already inside
// Ingest finish its pass, waits for in-flight inference to resolve (bounded
// by the drain timeout), then closes the result channel and releases
// pipeline resources. Idempotent; safe from any goroutine, including one
// racing the transport's read loop.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDraining))

		done := make(chan struct{})
		go func() {
			// An Ingest that was mid-flight when the state flipped finishes
			// under the ingest lock; taking it here orders that last frame's
			// scheduling before the Wait.
			s.ingestMu.Lock()
			defer s.ingestMu.Unlock()
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(s.drainTimeout):
			// Cut in-flight inference loose; waiters resolve with the
			// cancellation sentinel and any blocked emit is released.
			s.cancel()
			s.stopOnce.Do(func() { close(s.emitStop) })
			<-done
		}

		s.cancel()
		s.stopOnce.Do(func() { close(s.emitStop) })
		if err := s.seg.Close(); err != nil {
			s.log.Warn("vad stream close failed", slog.String("error", err.Error()))
		}

		s.state.Store(int32(StateClosed))
		close(s.results)
		if s.onClose != nil {
			s.onClose(s)
		}
		s.log.Info("session closed", slog.Uint64("segments", s.nextSeq))
	})
	return nil
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
