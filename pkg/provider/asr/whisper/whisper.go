// Package whisper implements [asr.Model] using whisper.cpp through its
// native Go bindings.
//
// The GGML model is loaded once and shared; a fresh decode context is created
// per call. whisper.cpp contexts are not safe for concurrent use against the
// same model, so decodes are serialized internally. The shared inference pool
// still bounds how many transcriptions queue up here.
//
// Whisper emits plain text with no inline markers, so results pass through
// the transcript formatter unchanged.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/skaldlabs/skald/pkg/provider/asr"
)

// Model wraps a loaded whisper.cpp GGML model.
type Model struct {
	model    whisperlib.Model
	language string

	// mu serializes decode contexts; whisper.cpp does not support concurrent
	// inference on one model.
	mu sync.Mutex
}

// Option configures a [Model] created by [New].
type Option func(*Model)

// WithLanguage fixes the decode language, overriding the per-call hint.
// Whisper language codes apply ("en", "zh", "ja", "ko", "yue", "auto").
func WithLanguage(lang string) Option {
	return func(m *Model) {
		if lang != "" {
			m.language = lang
		}
	}
}

// New loads the GGML model file at modelPath. The returned Model owns native
// resources; call [Model.Close] when done.
func New(modelPath string, opts ...Option) (*Model, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("whisper asr: model path must not be empty")
	}

	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper asr: load model %q: %w", modelPath, err)
	}

	m := &Model{model: model}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Transcribe decodes one utterance. Input must be 16 kHz mono float32, which
// is the only rate whisper.cpp accepts.
func (m *Model) Transcribe(ctx context.Context, samples []float32, language string) (asr.Result, error) {
	if err := ctx.Err(); err != nil {
		return asr.Result{}, err
	}
	if len(samples) == 0 {
		return asr.Result{}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Deadline may have passed while waiting for the model.
	if err := ctx.Err(); err != nil {
		return asr.Result{}, err
	}

	wctx, err := m.model.NewContext()
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper asr: create context: %w", err)
	}

	lang := m.language
	if lang == "" {
		lang = language
	}
	if lang != "" {
		if err := wctx.SetLanguage(lang); err != nil {
			return asr.Result{}, fmt.Errorf("whisper asr: set language %q: %w", lang, err)
		}
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return asr.Result{}, fmt.Errorf("whisper asr: process: %w", err)
	}

	var sb strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return asr.Result{}, fmt.Errorf("whisper asr: read segment: %w", err)
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.TrimSpace(seg.Text))
	}

	return asr.Result{Text: sb.String()}, nil
}

// Close releases the native model. The Model must not be used after Close.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		err := m.model.Close()
		m.model = nil
		return err
	}
	return nil
}

// Ensure Model implements the interface at compile time.
var _ asr.Model = (*Model)(nil)
