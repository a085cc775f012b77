package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/skaldlabs/skald/pkg/provider/llm"
	llmmock "github.com/skaldlabs/skald/pkg/provider/llm/mock"
)

func TestLLMFallback_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "summary"},
	}
	secondary := &llmmock.Provider{}

	fb := NewLLMFallback(primary, "anyllm", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("anyllm-backup", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "recap please"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "summary" {
		t.Errorf("content = %q, want summary", resp.Content)
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Errorf("secondary called %d times, want 0", len(secondary.CompleteCalls))
	}
}

func TestLLMFallback_Failover(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from backup"},
	}

	fb := NewLLMFallback(primary, "anyllm", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("anyllm-backup", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "recap"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("content = %q, want from backup", resp.Content)
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("down")}

	fb := NewLLMFallback(primary, "anyllm", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
