// ABOUTME: ModelProvider interface and error type for language-model backends
// ABOUTME: Includes a hard-timeout decorator so a hung provider cannot hold a worker

package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/taproot/internal/store"
)

// Turn is one prior message handed to the model as history.
type Turn struct {
	Role    store.Role
	Content string
}

// Request carries everything a backend needs to produce a reply.
type Request struct {
	SystemPrompt string
	History      []Turn
	UserText     string
	ModelID      string
	NodeType     store.NodeType
}

// Response is a completed model reply with raw token counts.
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// ModelProvider is the opaque completion capability consumed by turn workers.
type ModelProvider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Error wraps a backend failure. Retriable errors drive the queue's
// backoff/retry policy; non-retriable ones fail the job immediately.
type Error struct {
	ModelID   string
	Retriable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error (model %s): %v", e.ModelID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsProviderError extracts an *Error from an error chain.
func AsProviderError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// WithTimeout wraps a provider with a hard per-call timeout. A deadline hit
// is surfaced as a retriable provider error.
func WithTimeout(inner ModelProvider, timeout time.Duration) ModelProvider {
	return &timeoutProvider{inner: inner, timeout: timeout}
}

type timeoutProvider struct {
	inner   ModelProvider
	timeout time.Duration
}

func (p *timeoutProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.inner.Complete(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{ModelID: req.ModelID, Retriable: true, Err: fmt.Errorf("model call timed out after %s", p.timeout)}
		}
		return nil, err
	}
	return resp, nil
}
