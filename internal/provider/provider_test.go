// ABOUTME: Tests for the model provider abstraction
// ABOUTME: Covers the canned provider, error classification, and the timeout decorator

package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/taproot/internal/store"
)

type stubProvider struct {
	resp  *Response
	err   error
	delay time.Duration
}

func (s *stubProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestCanned_AnswersForNodeType(t *testing.T) {
	c := &Canned{Pick: func(n int) int { return 0 }}

	resp, err := c.Complete(context.Background(), &Request{NodeType: store.NodeRoot})
	require.NoError(t, err)
	assert.Equal(t, "Why do you believe that?", resp.Text)
	assert.Zero(t, resp.PromptTokens)
	assert.Zero(t, resp.CompletionTokens)
}

func TestCanned_DefaultSelector(t *testing.T) {
	c := NewCanned()

	resp, err := c.Complete(context.Background(), &Request{NodeType: store.NodeSeed})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Text)
}

func TestError_UnwrapAndClassify(t *testing.T) {
	cause := errors.New("connection refused")
	err := &Error{ModelID: "m1", Retriable: true, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "m1")

	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.True(t, pe.Retriable)

	_, ok = AsProviderError(errors.New("plain"))
	assert.False(t, ok)
}

func TestWithTimeout_PassesThrough(t *testing.T) {
	inner := &stubProvider{resp: &Response{Text: "ok", PromptTokens: 5, CompletionTokens: 2}}
	p := WithTimeout(inner, time.Second)

	resp, err := p.Complete(context.Background(), &Request{ModelID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}

func TestWithTimeout_DeadlineBecomesRetriableError(t *testing.T) {
	inner := &stubProvider{resp: &Response{Text: "late"}, delay: time.Second}
	p := WithTimeout(inner, 20*time.Millisecond)

	_, err := p.Complete(context.Background(), &Request{ModelID: "m1"})
	require.Error(t, err)

	pe, ok := AsProviderError(err)
	require.True(t, ok, "timeout must surface as a provider error")
	assert.True(t, pe.Retriable)
	assert.Equal(t, "m1", pe.ModelID)
}

func TestWithTimeout_PreservesInnerError(t *testing.T) {
	cause := &Error{ModelID: "m1", Retriable: false, Err: errors.New("bad request")}
	inner := &stubProvider{err: cause}
	p := WithTimeout(inner, time.Second)

	_, err := p.Complete(context.Background(), &Request{ModelID: "m1"})
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.False(t, pe.Retriable)
}
