// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the CompletionRequests being sent and
// to feed controlled responses without a live LLM backend.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Hello!"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/skaldlabs/skald/pkg/provider/llm"
)

// CompleteCall records a single invocation of [Provider.Complete].
type CompleteCall struct {
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of [llm.Provider]. Configure the fields
// before use; calls are recorded and the configured values returned. Safe
// for concurrent use.
type Provider struct {
	mu sync.Mutex

	// CompleteResponse is returned by Complete. If nil, an empty response is
	// returned.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned by every Complete call.
	CompleteErr error

	// CompleteCalls records every call to Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.CompleteResponse != nil {
		resp := *p.CompleteResponse
		return &resp, nil
	}
	return &llm.CompletionResponse{}, nil
}

// ResetCalls clears all recorded call history.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

// Ensure Provider implements the interface at compile time.
var _ llm.Provider = (*Provider)(nil)
