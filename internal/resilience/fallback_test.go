package resilience

import (
	"errors"
	"testing"
	"time"
)

// asrChain builds a two-backend group the way the app wires multiple ASR
// providers: the first config entry is the primary.
func asrChain(cfg CircuitBreakerConfig) *FallbackGroup[string] {
	fg := NewFallbackGroup("sherpa-asr", "sherpa-asr", FallbackConfig{CircuitBreaker: cfg})
	fg.AddFallback("whisper-asr", "whisper-asr")
	return fg
}

func TestFallbackGroup_PrimaryHandlesCall(t *testing.T) {
	fg := asrChain(CircuitBreakerConfig{MaxFailures: 3})

	var served string
	err := fg.Execute(func(backend string) error {
		served = backend
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if served != "sherpa-asr" {
		t.Fatalf("served by %q, want the primary", served)
	}
}

func TestFallbackGroup_FailoverToNextBackend(t *testing.T) {
	fg := asrChain(CircuitBreakerConfig{MaxFailures: 3})

	var served string
	err := fg.Execute(func(backend string) error {
		if backend == "sherpa-asr" {
			return errBackendDown
		}
		served = backend
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if served != "whisper-asr" {
		t.Fatalf("served by %q, want the fallback", served)
	}
}

func TestFallbackGroup_WholeChainDown(t *testing.T) {
	fg := asrChain(CircuitBreakerConfig{MaxFailures: 3})

	err := fg.Execute(func(string) error { return errBackendDown })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_OpenBreakerSkipsBackend(t *testing.T) {
	fg := asrChain(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	// Trip the primary's breaker.
	for range 2 {
		_ = fg.Execute(func(backend string) error {
			if backend == "sherpa-asr" {
				return errBackendDown
			}
			return nil
		})
	}

	// Subsequent calls go straight to the fallback.
	primaryCalls := 0
	var served string
	err := fg.Execute(func(backend string) error {
		if backend == "sherpa-asr" {
			primaryCalls++
		}
		served = backend
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if served != "whisper-asr" || primaryCalls != 0 {
		t.Fatalf("served by %q with %d primary calls, want the fallback and none", served, primaryCalls)
	}
}

func TestExecuteWithResult_PrimaryValue(t *testing.T) {
	fg := asrChain(CircuitBreakerConfig{MaxFailures: 3})

	text, err := ExecuteWithResult(fg, func(backend string) (string, error) {
		return "transcript from " + backend, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if text != "transcript from sherpa-asr" {
		t.Fatalf("result = %q, want the primary's transcript", text)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := asrChain(CircuitBreakerConfig{MaxFailures: 3})

	text, err := ExecuteWithResult(fg, func(backend string) (string, error) {
		if backend == "sherpa-asr" {
			return "", errBackendDown
		}
		return "transcript from " + backend, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if text != "transcript from whisper-asr" {
		t.Fatalf("result = %q, want the fallback's transcript", text)
	}
}

func TestExecuteWithResult_WholeChainDown(t *testing.T) {
	fg := NewFallbackGroup("sherpa-asr", "sherpa-asr", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := ExecuteWithResult(fg, func(string) (string, error) {
		return "", errBackendDown
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
