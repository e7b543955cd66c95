// ABOUTME: Tests for Socratic prompt construction and fallback questions
// ABOUTME: Verifies per-node techniques, snapshot inclusion, and selector behavior

package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/taproot/internal/store"
)

func TestBuild_IncludesTechniquePerNodeType(t *testing.T) {
	tests := []struct {
		nodeType store.NodeType
		want     string
	}{
		{store.NodeSeed, "clarification"},
		{store.NodeSoil, "constraint"},
		{store.NodeRoot, "assumption"},
		{store.NodeInsight, "implications"},
	}

	for _, tt := range tests {
		t.Run(string(tt.nodeType), func(t *testing.T) {
			got := Build(tt.nodeType, "", "")
			assert.True(t, strings.HasPrefix(got, basePrompt))
			assert.Contains(t, strings.ToLower(got), tt.want)
		})
	}
}

func TestBuild_UnknownNodeTypeFallsBackToSeed(t *testing.T) {
	got := Build(store.NodeType("bogus"), "", "")
	assert.Contains(t, got, techniques[store.NodeSeed])
}

func TestBuild_IncludesLabelAndSnapshot(t *testing.T) {
	got := Build(store.NodeRoot, "users want more features", `{"nodes":[{"id":"n1"}]}`)
	assert.Contains(t, got, `"users want more features"`)
	assert.Contains(t, got, `{"nodes":[{"id":"n1"}]}`)

	// Absent snapshot leaves no dangling section
	got = Build(store.NodeRoot, "users want more features", "")
	assert.NotContains(t, got, "Current problem structure")
}

func TestFallback_SelectorPicksQuestion(t *testing.T) {
	got := Fallback(store.NodeRoot, func(n int) int { return 0 })
	assert.Equal(t, "Why do you believe that?", got)

	got = Fallback(store.NodeRoot, func(n int) int { return n - 1 })
	assert.Equal(t, "What else would have to be true for this assumption to hold?", got)
}

func TestFallback_NilSelectorAndUnknownType(t *testing.T) {
	assert.Equal(t, fallbackQuestions[store.NodeSeed][0], Fallback(store.NodeSeed, nil))
	assert.Equal(t, fallbackQuestions[store.NodeSeed][0], Fallback(store.NodeType("bogus"), nil))
}
