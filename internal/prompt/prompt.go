// ABOUTME: Socratic prompt construction keyed by problem-structure node type
// ABOUTME: Pure functions; no I/O, no state

// Package prompt builds the system prompts and canned fallback questions used
// for node-anchored Socratic dialogue. Each node type gets its own
// questioning technique: seeds get clarification, soil gets constraint
// probing, roots get evidence probing, insights get implication probing.
package prompt

import (
	"fmt"
	"strings"

	"github.com/2389/taproot/internal/store"
)

const basePrompt = `You are a Socratic dialogue partner helping someone explore a problem they have mapped out as a structure of nodes. Never lecture and never hand over conclusions. Ask one focused question at a time, grounded in what the person just said. Keep replies short.`

// techniques maps each node type to its questioning instruction.
var techniques = map[store.NodeType]string{
	store.NodeSeed:    `The person is examining the problem statement itself (the "seed"). Use clarification questions: what exactly is meant, what would success look like, what is and is not part of the problem.`,
	store.NodeSoil:    `The person is examining a constraint around the problem (the "soil"). Probe the constraint: where does it come from, how firm is it really, what would change if it were relaxed.`,
	store.NodeRoot:    `The person is examining an underlying assumption (a "root"). Probe for evidence: why do they believe it, what would count as counter-evidence, what depends on it being true.`,
	store.NodeInsight: `The person is examining an insight they captured. Probe its implications: what follows from it, what it changes about the problem, where it might break down.`,
}

// Build returns the system prompt for a dialogue turn on the given node.
// The structure snapshot, when present, is included verbatim so the model
// sees the surrounding problem map.
func Build(nodeType store.NodeType, nodeLabel string, structureSnapshot string) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n")

	technique, ok := techniques[nodeType]
	if !ok {
		technique = techniques[store.NodeSeed]
	}
	b.WriteString(technique)

	if nodeLabel != "" {
		fmt.Fprintf(&b, "\n\nThe node under discussion is: %q", nodeLabel)
	}
	if structureSnapshot != "" {
		b.WriteString("\n\nCurrent problem structure:\n")
		b.WriteString(structureSnapshot)
	}
	return b.String()
}

// fallbackQuestions are the canned replies used when the model backend is
// unavailable. Generic enough to keep a dialogue moving on any node.
var fallbackQuestions = map[store.NodeType][]string{
	store.NodeSeed: {
		"What would it look like if this problem were already solved?",
		"Which part of this problem statement feels least precise to you?",
		"Who is affected by this problem, and how would they describe it?",
	},
	store.NodeSoil: {
		"Where does this constraint actually come from?",
		"What would become possible if this constraint were relaxed?",
		"Is this constraint a fact, or a decision someone once made?",
	},
	store.NodeRoot: {
		"Why do you believe that?",
		"What evidence would change your mind about this?",
		"What else would have to be true for this assumption to hold?",
	},
	store.NodeInsight: {
		"What does this insight change about how you see the problem?",
		"Where might this insight stop being true?",
		"What would you do differently now that you have noticed this?",
	},
}

// Selector picks an index in [0, n). The default is random; tests inject a
// deterministic one.
type Selector func(n int) int

// Fallback returns a canned question for the node type using the given
// selector. A nil selector picks the first question.
func Fallback(nodeType store.NodeType, pick Selector) string {
	qs, ok := fallbackQuestions[nodeType]
	if !ok {
		qs = fallbackQuestions[store.NodeSeed]
	}
	if pick == nil {
		return qs[0]
	}
	return qs[pick(len(qs))]
}
