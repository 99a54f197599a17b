// Package composer merges a personality and an ordered set of guardrail
// fragments into a single deterministic system prompt.
//
// Composition is a pure function: identical inputs always yield a
// byte-identical prompt. Guardrails take precedence over personality
// structurally. Guardrail sections are always rendered after the
// personality text, and the always/never sections are labeled
// non-negotiable. The composer does not attempt semantic contradiction
// detection; genuine content conflicts are an authoring concern.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zootalk/zootalk/assistant-engine/pkg/models"
)

// sectionOrder is the fixed rendering order of guardrail sections.
var sectionOrder = []models.GuardrailKind{
	models.GuardrailAlways,
	models.GuardrailNever,
	models.GuardrailEncourage,
	models.GuardrailDiscourage,
}

// sectionHeading returns the prompt heading for a guardrail kind.
func sectionHeading(kind models.GuardrailKind) string {
	switch kind {
	case models.GuardrailAlways:
		return "ALWAYS (non-negotiable):"
	case models.GuardrailNever:
		return "NEVER (non-negotiable):"
	case models.GuardrailEncourage:
		return "ENCOURAGE:"
	case models.GuardrailDiscourage:
		return "DISCOURAGE:"
	}
	return string(kind) + ":"
}

// InvalidInputError reports a composition input that cannot produce a
// usable prompt.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid composition input: " + e.Reason
}

// fragment is a guardrail line awaiting placement: stored guardrails and
// custom fragments normalized into one shape. seq preserves insertion order
// (selection order for stored guardrails, then author order for custom ones)
// so priority ties break deterministically.
type fragment struct {
	kind     models.GuardrailKind
	text     string
	priority int
	seq      int
}

// Compose renders the system prompt for one assistant.
//
// guardrails must already be the effective set: explicitly selected rules in
// selection order plus all global rules, de-duplicated by id (the engine owns
// that merge). custom fragments are always included. knowledgeFileCount only
// drives the knowledge-availability note; file content never appears here.
func Compose(personality *models.Personality, guardrails []models.Guardrail, custom []models.GuardrailFragment, knowledgeFileCount int) (string, error) {
	if personality == nil || strings.TrimSpace(personality.Text) == "" {
		return "", &InvalidInputError{Reason: "personality text is empty"}
	}

	frags := make([]fragment, 0, len(guardrails)+len(custom))
	for _, g := range guardrails {
		if strings.TrimSpace(g.Text) == "" {
			continue
		}
		frags = append(frags, fragment{kind: g.Kind, text: g.Text, priority: g.Priority, seq: len(frags)})
	}
	for _, c := range custom {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		if !models.ValidGuardrailKind(c.Kind) {
			return "", &InvalidInputError{Reason: fmt.Sprintf("unknown guardrail kind %q", c.Kind)}
		}
		frags = append(frags, fragment{kind: c.Kind, text: c.Text, priority: c.Priority, seq: len(frags)})
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(personality.Text))

	for _, kind := range sectionOrder {
		section := bucket(frags, kind)
		if len(section) == 0 {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(sectionHeading(kind))
		for _, f := range section {
			b.WriteString("\n- ")
			b.WriteString(strings.TrimSpace(f.text))
		}
	}

	if knowledgeFileCount > 0 {
		noun := "reference documents"
		if knowledgeFileCount == 1 {
			noun = "reference document"
		}
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "You have %d %s about this animal available; prefer them over general knowledge when they are relevant.", knowledgeFileCount, noun)
	}

	return b.String(), nil
}

// bucket returns the fragments of one kind, highest priority first,
// insertion order breaking ties.
func bucket(frags []fragment, kind models.GuardrailKind) []fragment {
	var out []fragment
	for _, f := range frags {
		if f.kind == kind {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].priority > out[j].priority
	})
	return out
}
