package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skaldlabs/skald/internal/config"
	"github.com/skaldlabs/skald/internal/session"
	"github.com/skaldlabs/skald/pkg/provider/asr"
	asrmock "github.com/skaldlabs/skald/pkg/provider/asr/mock"
	"github.com/skaldlabs/skald/pkg/provider/llm"
	llmmock "github.com/skaldlabs/skald/pkg/provider/llm/mock"
	"github.com/skaldlabs/skald/pkg/provider/speaker"
	spkmock "github.com/skaldlabs/skald/pkg/provider/speaker/mock"
	"github.com/skaldlabs/skald/pkg/provider/vad"
	vadmock "github.com/skaldlabs/skald/pkg/provider/vad/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testRegistry registers mock factories under the production provider names
// and counts how often each factory runs.
func testRegistry(counts map[string]*atomic.Int32) *config.Registry {
	count := func(name string) {
		if counts == nil {
			return
		}
		if c, ok := counts[name]; ok {
			c.Add(1)
		}
	}

	r := config.NewRegistry()
	r.RegisterASR("sherpa-asr", func(config.ProviderEntry) (asr.Model, error) {
		count("sherpa-asr")
		return &asrmock.Model{}, nil
	})
	r.RegisterASR("whisper-asr", func(config.ProviderEntry) (asr.Model, error) {
		count("whisper-asr")
		return &asrmock.Model{}, nil
	})
	r.RegisterVAD("energy-vad", func(config.ProviderEntry) (vad.Engine, error) {
		count("energy-vad")
		return &vadmock.Engine{Stream: &vadmock.Stream{}}, nil
	})
	r.RegisterSpeaker("sherpa-speaker", func(config.ProviderEntry) (speaker.Model, error) {
		count("sherpa-speaker")
		return &spkmock.Model{}, nil
	})
	r.RegisterLLM("anyllm", func(config.ProviderEntry) (llm.Provider, error) {
		count("anyllm")
		return &llmmock.Provider{}, nil
	})
	return r
}

func testApp(t *testing.T, cfg *config.Config, counts map[string]*atomic.Int32) *App {
	t.Helper()

	a, err := New(cfg, testRegistry(counts), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_RequiresASRProvider(t *testing.T) {
	cfg := &config.Config{
		Providers: []config.ProviderEntry{{Name: "energy-vad"}},
	}
	if _, err := New(cfg, testRegistry(nil), WithLogger(discardLogger())); err == nil {
		t.Fatal("expected error when no asr provider is configured")
	}
}

func TestNew_ServesHealthAndMetrics(t *testing.T) {
	a := testApp(t, &config.Config{
		Providers: []config.ProviderEntry{
			{Name: "sherpa-asr"},
			{Name: "energy-vad"},
			{Name: "sherpa-speaker"},
		},
	}, nil)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestReadyz_FailsAfterShutdown(t *testing.T) {
	a := testApp(t, &config.Config{
		Providers: []config.ProviderEntry{{Name: "sherpa-asr"}},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz after shutdown = %d, want 503", rec.Code)
	}
}

func TestNew_ASRFallbackChain(t *testing.T) {
	counts := map[string]*atomic.Int32{
		"sherpa-asr":  new(atomic.Int32),
		"whisper-asr": new(atomic.Int32),
	}
	testApp(t, &config.Config{
		Providers: []config.ProviderEntry{
			{Name: "sherpa-asr"},
			{Name: "whisper-asr"},
		},
	}, counts)

	if counts["sherpa-asr"].Load() != 1 || counts["whisper-asr"].Load() != 1 {
		t.Errorf("factory calls = %d, %d, want 1, 1",
			counts["sherpa-asr"].Load(), counts["whisper-asr"].Load())
	}
}

func TestNew_UnknownProviderSkipped(t *testing.T) {
	testApp(t, &config.Config{
		Providers: []config.ProviderEntry{
			{Name: "sherpa-asr"},
			{Name: "mystery-provider"},
		},
	}, nil)
}

func TestNew_RecapProviderCreated(t *testing.T) {
	counts := map[string]*atomic.Int32{"anyllm": new(atomic.Int32)}
	testApp(t, &config.Config{
		Providers: []config.ProviderEntry{{Name: "sherpa-asr"}},
		Recap: config.RecapConfig{
			Enabled:  true,
			Provider: config.ProviderEntry{Name: "anyllm"},
		},
	}, counts)

	if counts["anyllm"].Load() != 1 {
		t.Errorf("llm factory calls = %d, want 1", counts["anyllm"].Load())
	}
}

func TestApplyPipeline_AffectsNewSessions(t *testing.T) {
	a := testApp(t, &config.Config{
		Providers: []config.ProviderEntry{{Name: "sherpa-asr"}},
	}, nil)

	a.ApplyPipeline(config.PipelineConfig{PauseThresholdMs: 700})

	// New sessions still open fine after the swap.
	s, err := a.Manager().OpenSession(context.Background(), session.OpenParams{Language: "en"})
	if err != nil {
		t.Fatalf("OpenSession after ApplyPipeline: %v", err)
	}
	_ = s.Close()
}

func TestShutdown_Idempotent(t *testing.T) {
	a := testApp(t, &config.Config{
		Providers: []config.ProviderEntry{{Name: "sherpa-asr"}},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
