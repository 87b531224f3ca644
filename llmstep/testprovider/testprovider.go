// Package testprovider implements a deterministic, scriptable
// llmstep.Provider for use in tests and examples, in place of a real
// model API call.
package testprovider

import (
	"context"
	"fmt"
	"sync"

	"github.com/recera/agentrun/llmstep"
)

// Provider replays a fixed script of responses, one per call to Invoke,
// in order. It never performs network I/O, so tests exercising the
// correction loop or the tool loop can assert on exact call counts and
// message-turn shapes.
type Provider struct {
	mu        sync.Mutex
	responses []llmstep.Response
	errors    []error
	calls     int

	// StreamChunks, if set, is consumed by InvokeStreaming instead of
	// Responses/Errors; one []Chunk slice per call.
	StreamChunks [][]llmstep.Chunk
}

// New constructs a Provider that returns responses in order on
// successive Invoke calls.
func New(responses ...llmstep.Response) *Provider {
	return &Provider{responses: responses}
}

// WithErrors attaches a parallel error script: a non-nil entry at index i
// makes the i-th Invoke call fail instead of returning responses[i].
func (p *Provider) WithErrors(errs ...error) *Provider {
	p.errors = errs
	return p
}

// Calls returns the number of Invoke and InvokeStreaming calls made so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Provider) Invoke(ctx context.Context, req llmstep.Request) (llmstep.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.calls
	p.calls++

	if idx < len(p.errors) && p.errors[idx] != nil {
		return llmstep.Response{}, p.errors[idx]
	}
	if idx >= len(p.responses) {
		return llmstep.Response{}, fmt.Errorf("testprovider: no scripted response for call %d", idx)
	}
	return p.responses[idx], nil
}

func (p *Provider) InvokeStreaming(ctx context.Context, req llmstep.Request) (<-chan llmstep.Chunk, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if idx >= len(p.StreamChunks) {
		return nil, fmt.Errorf("testprovider: no scripted stream for call %d", idx)
	}

	ch := make(chan llmstep.Chunk)
	go func() {
		defer close(ch)
		for _, c := range p.StreamChunks[idx] {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// EstimateTokenCount approximates token count the same way
// conversation.DefaultTokenCounter does: length divided by four.
func (p *Provider) EstimateTokenCount(text string) int {
	n := len(text)
	if n == 0 {
		return 1
	}
	return (n + 3) / 4
}
