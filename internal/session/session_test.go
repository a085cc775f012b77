package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/skaldlabs/skald/pkg/provider/asr"
	asrmock "github.com/skaldlabs/skald/pkg/provider/asr/mock"
	spkmock "github.com/skaldlabs/skald/pkg/provider/speaker/mock"
	"github.com/skaldlabs/skald/pkg/provider/vad"
	vadmock "github.com/skaldlabs/skald/pkg/provider/vad/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pcm returns ms milliseconds of 16 kHz S16LE audio at the given amplitude.
// Amplitude 1000 gives an RMS of roughly 0.03, comfortably above the speaker
// energy gate; amplitude 50 falls below it.
func pcm(ms int, amplitude int16) []byte {
	n := ms * 16
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(amplitude))
	}
	return out
}

// testSession opens a session against mock models. The cleanup closes the
// session and drains whatever is left on its result channel.
func testSession(t *testing.T, cfg Config, p OpenParams, stream *vadmock.Stream, asrModel *asrmock.Model, spkModel *spkmock.Model, opts ...ManagerOption) *Session {
	t.Helper()

	models := Models{ASR: asrModel, VAD: &vadmock.Engine{Stream: stream}}
	if spkModel != nil {
		models.Speaker = spkModel
	}
	opts = append([]ManagerOption{WithLogger(discardLogger())}, opts...)
	m := NewManager(cfg, models, opts...)

	s, err := m.OpenSession(context.Background(), p)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
		for range s.Results() {
		}
	})
	return s
}

// recv reads n results or fails the test.
func recv(t *testing.T, s *Session, n int) []Result {
	t.Helper()
	out := make([]Result, 0, n)
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case r, ok := <-s.Results():
			if !ok {
				t.Fatalf("result channel closed after %d of %d results", len(out), n)
			}
			out = append(out, r)
		case <-deadline:
			t.Fatalf("timed out after %d of %d results", len(out), n)
		}
	}
	return out
}

func TestSession_SingleSpeakerShortPause(t *testing.T) {
	t.Parallel()

	// Two 2 s utterances 500 ms apart: same speaker, second one continues
	// the line.
	stream := &vadmock.Stream{Spans: [][]vad.Span{
		{{Start: 0, End: 32000}},
		nil,
		{{Start: 40000, End: 72000}},
	}}
	asrModel := &asrmock.Model{Results: []asr.Result{
		{Text: "hello there", Confidence: 0.93},
		{Text: "how are you", Confidence: 0.88},
	}}
	spkModel := &spkmock.Model{Embedding: []float32{1, 0, 0, 0}}

	s := testSession(t, DefaultConfig(), OpenParams{Language: "en", SpeakerVerify: true}, stream, asrModel, spkModel)

	for _, frame := range [][]byte{pcm(2000, 1000), pcm(500, 0), pcm(2000, 1000)} {
		if err := s.Ingest(frame); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	got := recv(t, s, 2)
	first, second := got[0], got[1]

	if first.Code != CodeOK || second.Code != CodeOK {
		t.Fatalf("codes = %d, %d, want 0, 0", first.Code, second.Code)
	}
	if first.SpeakerID != "speaker_1" || second.SpeakerID != "speaker_1" {
		t.Errorf("speakers = %q, %q, want both speaker_1", first.SpeakerID, second.SpeakerID)
	}
	if !first.IsNewLine || first.SegmentType != "new_speaker" {
		t.Errorf("first = (%v, %s), want (true, new_speaker)", first.IsNewLine, first.SegmentType)
	}
	if second.IsNewLine || second.SegmentType != "continue" {
		t.Errorf("second = (%v, %s), want (false, continue)", second.IsNewLine, second.SegmentType)
	}
	if first.Data != "[speaker_1]: hello there" {
		t.Errorf("data = %q", first.Data)
	}
	if first.Language != "en" {
		t.Errorf("language = %q, want en", first.Language)
	}
	if first.Confidence != 0.93 {
		t.Errorf("confidence = %v, want 0.93", first.Confidence)
	}
	if lines := s.Transcript(); len(lines) != 2 || lines[0] != "hello there" {
		t.Errorf("transcript = %v", lines)
	}
}

func TestSession_SpeakerChange(t *testing.T) {
	t.Parallel()

	stream := &vadmock.Stream{Spans: [][]vad.Span{
		{{Start: 0, End: 32000}},
		nil,
		{{Start: 36800, End: 68800}},
	}}
	asrModel := &asrmock.Model{Result: asr.Result{Text: "words", Confidence: 0.9}}
	spkModel := &spkmock.Model{Embeddings: [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
	}}

	s := testSession(t, DefaultConfig(), OpenParams{SpeakerVerify: true}, stream, asrModel, spkModel)

	for _, frame := range [][]byte{pcm(2000, 1000), pcm(300, 0), pcm(2000, 1000)} {
		if err := s.Ingest(frame); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	got := recv(t, s, 2)
	if got[0].SpeakerID == got[1].SpeakerID {
		t.Errorf("speakers both %q, want distinct", got[0].SpeakerID)
	}
	if !got[0].IsNewLine || !got[1].IsNewLine {
		t.Errorf("is_new_line = %v, %v, want both true", got[0].IsNewLine, got[1].IsNewLine)
	}
	if got[1].SegmentType != "new_speaker" {
		t.Errorf("second segment_type = %s, want new_speaker", got[1].SegmentType)
	}
}

func TestSession_LongPauseSameSpeaker(t *testing.T) {
	t.Parallel()

	// 2 s gap between same-speaker utterances: new line typed as pause.
	stream := &vadmock.Stream{Spans: [][]vad.Span{
		{{Start: 0, End: 32000}},
		nil,
		{{Start: 64000, End: 96000}},
	}}
	asrModel := &asrmock.Model{Result: asr.Result{Text: "words", Confidence: 0.9}}
	spkModel := &spkmock.Model{Embedding: []float32{1, 0, 0, 0}}

	s := testSession(t, DefaultConfig(), OpenParams{SpeakerVerify: true}, stream, asrModel, spkModel)

	for _, frame := range [][]byte{pcm(2000, 1000), pcm(2000, 0), pcm(2000, 1000)} {
		if err := s.Ingest(frame); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	got := recv(t, s, 2)
	if got[0].SpeakerID != got[1].SpeakerID {
		t.Errorf("speakers = %q, %q, want same", got[0].SpeakerID, got[1].SpeakerID)
	}
	if !got[1].IsNewLine || got[1].SegmentType != "pause" {
		t.Errorf("second = (%v, %s), want (true, pause)", got[1].IsNewLine, got[1].SegmentType)
	}
}

func TestSession_DispatcherBusySentinelOrdering(t *testing.T) {
	t.Parallel()

	// One pool slot, two segments in one VAD pass. The second submission is
	// refused immediately, but its sentinel must still come out after the
	// first segment's success.
	stream := &vadmock.Stream{Spans: [][]vad.Span{
		{{Start: 0, End: 16000}, {Start: 16000, End: 32000}},
	}}
	asrModel := &asrmock.Model{
		Result: asr.Result{Text: "kept", Confidence: 0.8},
		Delay:  100 * time.Millisecond,
	}

	cfg := DefaultConfig()
	cfg.WorkerPoolSize = 1
	s := testSession(t, cfg, OpenParams{}, stream, asrModel, nil)
	if err := s.Ingest(pcm(2000, 1000)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	got := recv(t, s, 2)
	if got[0].Code != CodeOK || got[0].Data != "kept" {
		t.Fatalf("first = %+v, want success", got[0])
	}
	if got[1].Code != CodeSkipped || got[1].Msg != KindDispatcherBusy {
		t.Fatalf("second = %+v, want code 1 dispatcher_busy", got[1])
	}
	if got[1].Data != "" || got[1].SpeakerID != "" {
		t.Errorf("sentinel carries payload: %+v", got[1])
	}
}

func TestSession_InferenceTimeout(t *testing.T) {
	t.Parallel()

	stream := &vadmock.Stream{Spans: [][]vad.Span{{{Start: 0, End: 32000}}}}
	asrModel := &asrmock.Model{Delay: 5 * time.Second}

	cfg := DefaultConfig()
	cfg.InferenceTimeoutMs = 30
	s := testSession(t, cfg, OpenParams{}, stream, asrModel, nil)
	if err := s.Ingest(pcm(2000, 1000)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	got := recv(t, s, 1)
	if got[0].Code != CodeSkipped || got[0].Msg != KindInferenceTimeout {
		t.Fatalf("result = %+v, want code 1 inference_timeout", got[0])
	}
}

func TestSession_ModelError(t *testing.T) {
	t.Parallel()

	stream := &vadmock.Stream{Spans: [][]vad.Span{{{Start: 0, End: 32000}}}}
	asrModel := &asrmock.Model{TranscribeErr: errors.New("onnx runtime fault")}

	s := testSession(t, DefaultConfig(), OpenParams{}, stream, asrModel, nil)
	if err := s.Ingest(pcm(2000, 1000)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	got := recv(t, s, 1)
	if got[0].Code != CodeModelError || got[0].Msg != KindModelError {
		t.Fatalf("result = %+v, want code 2 model_error", got[0])
	}
}

func TestSession_EmptyTextDroppedSilently(t *testing.T) {
	t.Parallel()

	// The first recognition is markers only; it must consume its sequence
	// number without emitting, and not block the second result.
	stream := &vadmock.Stream{Spans: [][]vad.Span{
		{{Start: 0, End: 32000}},
		{{Start: 32000, End: 64000}},
	}}
	asrModel := &asrmock.Model{Results: []asr.Result{
		{Text: "<|en|><|NEUTRAL|>"},
		{Text: "actual words", Confidence: 0.7},
	}}

	s := testSession(t, DefaultConfig(), OpenParams{}, stream, asrModel, nil)
	for range 2 {
		if err := s.Ingest(pcm(2000, 1000)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	got := recv(t, s, 1)
	if got[0].Data != "actual words" {
		t.Fatalf("result = %+v, want the second utterance only", got[0])
	}
	// The dropped segment must not have disturbed line-break state.
	if got[0].SegmentType != "new_speaker" {
		t.Errorf("segment_type = %s, want new_speaker", got[0].SegmentType)
	}
}

func TestSession_SpeakerGateShortSegment(t *testing.T) {
	t.Parallel()

	// 320 ms clears the VAD minimum but not the speaker verify minimum: no
	// embedding call, fresh inherited label.
	stream := &vadmock.Stream{Spans: [][]vad.Span{{{Start: 0, End: 5120}}}}
	asrModel := &asrmock.Model{Result: asr.Result{Text: "hm", Confidence: 0.5}}
	spkModel := &spkmock.Model{Embedding: []float32{1, 0, 0, 0}}

	s := testSession(t, DefaultConfig(), OpenParams{SpeakerVerify: true}, stream, asrModel, spkModel)
	if err := s.Ingest(pcm(2000, 1000)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	got := recv(t, s, 1)
	if got[0].Code != CodeOK || got[0].SpeakerID != "speaker_1" {
		t.Fatalf("result = %+v, want code 0 with inherited speaker_1", got[0])
	}
	if n := len(spkModel.EmbedCalls); n != 0 {
		t.Errorf("embed calls = %d, want 0 (gated before submission)", n)
	}
}

func TestSession_SpeakerGateLowEnergy(t *testing.T) {
	t.Parallel()

	stream := &vadmock.Stream{Spans: [][]vad.Span{{{Start: 0, End: 32000}}}}
	asrModel := &asrmock.Model{Result: asr.Result{Text: "whisper", Confidence: 0.5}}
	spkModel := &spkmock.Model{Embedding: []float32{1, 0, 0, 0}}

	s := testSession(t, DefaultConfig(), OpenParams{SpeakerVerify: true}, stream, asrModel, spkModel)
	// Amplitude 50 is an RMS of ~0.0015, below the 0.003 gate.
	if err := s.Ingest(pcm(2000, 50)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	got := recv(t, s, 1)
	if got[0].Code != CodeOK {
		t.Fatalf("result = %+v, want code 0", got[0])
	}
	if n := len(spkModel.EmbedCalls); n != 0 {
		t.Errorf("embed calls = %d, want 0", n)
	}
}

func TestSession_SpeakerModelErrorInherits(t *testing.T) {
	t.Parallel()

	stream := &vadmock.Stream{Spans: [][]vad.Span{
		{{Start: 0, End: 32000}},
		{{Start: 40000, End: 72000}},
	}}
	asrModel := &asrmock.Model{Result: asr.Result{Text: "words", Confidence: 0.9}}
	spkModel := &spkmock.Model{EmbedErr: errors.New("model load failure")}

	s := testSession(t, DefaultConfig(), OpenParams{SpeakerVerify: true}, stream, asrModel, spkModel)
	for range 2 {
		if err := s.Ingest(pcm(2000, 1000)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	got := recv(t, s, 2)
	for i, r := range got {
		if r.Code != CodeOK {
			t.Fatalf("result %d = %+v, want code 0", i, r)
		}
	}
	// First failure mints a label, the second inherits it.
	if got[0].SpeakerID != "speaker_1" || got[1].SpeakerID != "speaker_1" {
		t.Errorf("speakers = %q, %q, want both speaker_1", got[0].SpeakerID, got[1].SpeakerID)
	}
}

func TestSession_OddFrameIsFatal(t *testing.T) {
	t.Parallel()

	stream := &vadmock.Stream{}
	s := testSession(t, DefaultConfig(), OpenParams{}, stream, &asrmock.Model{}, nil)

	if err := s.Ingest([]byte{1, 2, 3}); err == nil {
		t.Fatal("Ingest accepted an odd-length frame")
	}

	got := recv(t, s, 1)
	if got[0].Code != CodeFatal || got[0].Msg != KindProtocolError {
		t.Fatalf("result = %+v, want code 99 protocol_error", got[0])
	}
	if _, ok := <-s.Results(); ok {
		t.Error("results channel still open after fatal error")
	}
	if err := s.Ingest(pcm(100, 0)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Ingest after fatal = %v, want ErrSessionClosed", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}

func TestSession_CloseDrainsInFlight(t *testing.T) {
	t.Parallel()

	stream := &vadmock.Stream{Spans: [][]vad.Span{{{Start: 0, End: 32000}}}}
	asrModel := &asrmock.Model{
		Result: asr.Result{Text: "late words", Confidence: 0.6},
		Delay:  200 * time.Millisecond,
	}

	s := testSession(t, DefaultConfig(), OpenParams{}, stream, asrModel, nil)
	if err := s.Ingest(pcm(2000, 1000)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, ok := <-s.Results()
	if !ok {
		t.Fatal("in-flight result lost on close")
	}
	if r.Code != CodeOK || r.Data != "late words" {
		t.Fatalf("result = %+v, want the drained success", r)
	}
	if _, ok := <-s.Results(); ok {
		t.Error("results channel still open after drain")
	}
}

func TestSession_DrainDeadlineEmitsSentinel(t *testing.T) {
	t.Parallel()

	stream := &vadmock.Stream{Spans: [][]vad.Span{{{Start: 0, End: 32000}}}}
	asrModel := &asrmock.Model{Delay: 10 * time.Second}

	s := testSession(t, DefaultConfig(), OpenParams{}, stream, asrModel, nil,
		WithDrainTimeout(50*time.Millisecond))
	if err := s.Ingest(pcm(2000, 1000)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	start := time.Now()
	_ = s.Close()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Close took %v, drain deadline not enforced", elapsed)
	}

	r, ok := <-s.Results()
	if !ok {
		t.Fatal("no sentinel for the cancelled segment")
	}
	if r.Code != CodeSkipped {
		t.Fatalf("result = %+v, want code 1 sentinel", r)
	}
	if _, ok := <-s.Results(); ok {
		t.Error("results channel still open")
	}
}

// blockingStream is a vad.Stream whose Push parks until released, pinning an
// Ingest call mid-pipeline.
type blockingStream struct {
	entered chan struct{}
	release chan struct{}
	spans   []vad.Span
}

func (b *blockingStream) Push([]float32) ([]vad.Span, error) {
	b.entered <- struct{}{}
	<-b.release
	spans := b.spans
	b.spans = nil
	return spans, nil
}

func (b *blockingStream) Pending() (int64, bool) { return 0, false }
func (b *blockingStream) Reset()                 {}
func (b *blockingStream) Close() error           { return nil }

func TestSession_CloseWaitsForInFlightIngest(t *testing.T) {
	t.Parallel()

	stream := &blockingStream{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		spans:   []vad.Span{{Start: 0, End: 32000}},
	}
	asrModel := &asrmock.Model{Result: asr.Result{Text: "last words", Confidence: 0.9}}
	m := NewManager(DefaultConfig(), Models{ASR: asrModel, VAD: &vadmock.Engine{Stream: stream}},
		WithLogger(discardLogger()))

	s, err := m.OpenSession(context.Background(), OpenParams{})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	ingestErr := make(chan error, 1)
	go func() { ingestErr <- s.Ingest(pcm(2000, 1000)) }()
	<-stream.entered

	closed := make(chan struct{})
	go func() { _ = s.Close(); close(closed) }()

	// The frame is parked inside the VAD pass; the drain must hold until it
	// clears the pipeline.
	select {
	case <-closed:
		t.Fatal("Close finished while a frame was still being ingested")
	case <-time.After(50 * time.Millisecond):
	}

	close(stream.release)
	if err := <-ingestErr; err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	<-closed

	// The segment that frame scheduled still drains as a result.
	r, ok := <-s.Results()
	if !ok {
		t.Fatal("segment scheduled during close was dropped")
	}
	if r.Code != CodeOK || r.Data != "last words" {
		t.Fatalf("result = %+v, want the in-flight success", r)
	}
	if _, ok := <-s.Results(); ok {
		t.Error("results channel still open after drain")
	}
}

func TestSession_ClippedSegmentLogged(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// A 1 s window with a detected interval reaching back past the trimmed
	// head: ASR gets the surviving tail and the truncation is logged.
	stream := &vadmock.Stream{Spans: [][]vad.Span{
		nil,
		{{Start: 0, End: 19200}},
	}}
	asrModel := &asrmock.Model{Result: asr.Result{Text: "partial audio", Confidence: 0.7}}

	cfg := DefaultConfig()
	cfg.VADBufferSeconds = 1
	s := testSession(t, cfg, OpenParams{}, stream, asrModel, nil, WithLogger(logger))

	for range 2 {
		if err := s.Ingest(pcm(800, 1000)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	got := recv(t, s, 1)
	if got[0].Code != CodeOK || got[0].Data != "partial audio" {
		t.Fatalf("result = %+v, want the clipped segment's text", got[0])
	}
	if !strings.Contains(logs.String(), "clipped") {
		t.Errorf("no clip log for a segment extending past the window, logs:\n%s", logs.String())
	}
}

func TestSession_IngestAfterCloseRejected(t *testing.T) {
	t.Parallel()

	s := testSession(t, DefaultConfig(), OpenParams{}, &vadmock.Stream{}, &asrmock.Model{}, nil)
	_ = s.Close()

	if err := s.Ingest(pcm(100, 0)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Ingest after Close = %v, want ErrSessionClosed", err)
	}
}

func TestSession_SilenceReset(t *testing.T) {
	t.Parallel()

	stream := &vadmock.Stream{}
	s := testSession(t, DefaultConfig(), OpenParams{}, stream, &asrmock.Model{}, nil)

	cur := time.Now()
	s.now = func() time.Time { return cur }

	if err := s.Ingest(pcm(6000, 1000)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	fillBefore := s.buf.Fill()

	cur = cur.Add(35 * time.Second)
	if err := s.Ingest(pcm(300, 0)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	keep := 5 * 16000
	if fill := s.buf.Fill(); fill > keep+4800 {
		t.Errorf("fill after reset = %d samples, want at most keep tail (%d) plus the new frame", fill, keep)
	}
	if fillBefore <= keep {
		t.Fatalf("test setup: fill before reset = %d, not above keep tail", fillBefore)
	}
	if s.buf.StartOffset() == 0 {
		t.Error("start offset did not advance across the reset")
	}
	if stream.ResetCallCount == 0 {
		t.Error("vad stream was not reset alongside the buffer")
	}
}

func TestSession_StateProgression(t *testing.T) {
	t.Parallel()

	s := testSession(t, DefaultConfig(), OpenParams{}, &vadmock.Stream{}, &asrmock.Model{}, nil)
	if s.State() != StateIdle {
		t.Fatalf("initial state = %s, want idle", s.State())
	}
	if err := s.Ingest(pcm(100, 0)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if s.State() != StateStreaming {
		t.Fatalf("state after first frame = %s, want streaming", s.State())
	}
	_ = s.Close()
	if s.State() != StateClosed {
		t.Fatalf("state after Close = %s, want closed", s.State())
	}
}

func TestCollator_ReleasesInSequenceOrder(t *testing.T) {
	t.Parallel()

	var order []uint64
	c := newCollator(func(o *segmentOutcome) { order = append(order, o.seq) })

	c.complete(&segmentOutcome{seq: 2})
	c.complete(&segmentOutcome{seq: 0})
	if len(order) != 1 || order[0] != 0 {
		t.Fatalf("after seq 2 and 0: delivered %v, want [0]", order)
	}

	c.complete(&segmentOutcome{seq: 1})
	want := []uint64{0, 1, 2}
	if len(order) != 3 {
		t.Fatalf("delivered %v, want %v", order, want)
	}
	for i, seq := range want {
		if order[i] != seq {
			t.Fatalf("delivered %v, want %v", order, want)
		}
	}
}
