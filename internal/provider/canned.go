// ABOUTME: Canned provider returning stock Socratic questions without a model backend
// ABOUTME: Serves as the development provider and the degraded-mode fallback

package provider

import (
	"context"
	"math/rand"

	"github.com/2389/taproot/internal/prompt"
)

// Canned is a ModelProvider that answers with a stock Socratic question for
// the request's node type instead of calling a model. It backs two things:
// local development without credentials, and the degraded-mode fallback when
// the real backend is down. The question selector is injectable so tests can
// assert a specific reply.
type Canned struct {
	Pick prompt.Selector
}

// NewCanned creates a canned provider with a random selector.
func NewCanned() *Canned {
	return &Canned{Pick: rand.Intn}
}

// Complete returns a canned question. Token counts are zero: no model was
// consulted, so there is nothing to meter.
func (c *Canned) Complete(_ context.Context, req *Request) (*Response, error) {
	return &Response{
		Text: prompt.Fallback(req.NodeType, c.Pick),
	}, nil
}

var _ ModelProvider = (*Canned)(nil)
