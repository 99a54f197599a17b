// Package models defines the core entities of the ZooTalk assistant engine:
// assistants (live and sandbox), personalities, guardrails, and the composed
// prompt metadata that the conversation layer reads.
package models

import "time"

// ── Assistant ────────────────────────────────────────────────

// AssistantKind distinguishes the single live assistant of an animal from
// the short-lived sandbox assistants used to test configuration changes.
type AssistantKind string

const (
	// KindLive is the configuration visitors actually talk to.
	KindLive AssistantKind = "live"
	// KindSandbox is a TTL-bounded test configuration. It either expires
	// or is promoted to become the new live assistant.
	KindSandbox AssistantKind = "sandbox"
)

// AssistantStatus is the lifecycle state of an assistant record.
type AssistantStatus string

const (
	StatusActive AssistantStatus = "active"
	// StatusExpiring means the sandbox is inside its pre-expiry grace
	// window. Purely informational; the sandbox remains fully usable.
	StatusExpiring AssistantStatus = "expiring"
	// StatusExpired blocks all further updates, links, and promotion.
	StatusExpired AssistantStatus = "expired"
	// StatusPromoted is terminal: the sandbox's content became the new
	// live assistant and the record is kept only as history.
	StatusPromoted AssistantStatus = "promoted"
	StatusDeleted  AssistantStatus = "deleted"
)

// MaxKnowledgeFiles is the hard cap on knowledge file references per
// assistant. Attempts to link a 21st file are rejected, never truncated.
const MaxKnowledgeFiles = 20

// DefaultSandboxTTL is the policy default lifetime of a sandbox assistant.
const DefaultSandboxTTL = 30 * time.Minute

// Assistant is the central entity: one animal's conversational assistant
// configuration plus its derived system prompt.
//
// ComposedPrompt is recomputed on every successful write; it is never
// hand-edited and never recomputed lazily on read. Version is the
// optimistic-concurrency token: every successful write increments it, and
// a write carrying a stale version fails with a version conflict.
type Assistant struct {
	ID       string          `json:"id" db:"id"`
	AnimalID string          `json:"animal_id" db:"animal_id"` // immutable after create
	Kind     AssistantKind   `json:"kind" db:"kind"`
	Status   AssistantStatus `json:"status" db:"status"`

	PersonalityRef   string              `json:"personality_ref" db:"personality_ref"`
	GuardrailRefs    []string            `json:"guardrail_refs,omitempty" db:"guardrail_refs"`
	CustomGuardrails []GuardrailFragment `json:"custom_guardrails,omitempty" db:"custom_guardrails"`

	// KnowledgeFileRefs never exceeds MaxKnowledgeFiles. File content and
	// indexing are owned by the external knowledge indexer; the engine
	// only tracks the references.
	KnowledgeFileRefs []string `json:"knowledge_file_refs,omitempty" db:"knowledge_file_refs"`

	ComposedPrompt string `json:"composed_prompt" db:"composed_prompt"`
	Version        int64  `json:"version" db:"version"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"` // sandbox only, always non-nil there
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsTerminal reports whether the assistant can no longer be mutated.
// Expired sandboxes are included: they are awaiting hard deletion and
// reject all updates, links, and promotion.
func (a *Assistant) IsTerminal() bool {
	switch a.Status {
	case StatusExpired, StatusPromoted, StatusDeleted:
		return true
	}
	return false
}

// ── Personality ──────────────────────────────────────────────

// Personality is an independently-authored free-text persona fragment.
// Owned by the reference store; read-only from the engine's perspective.
type Personality struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Text           string    `json:"text"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

// ── Guardrail ────────────────────────────────────────────────

// GuardrailKind partitions guardrails into the four prompt sections.
// Section order in the composed prompt is fixed: always, never, encourage,
// discourage. Guardrails structurally take precedence over personality by
// always being rendered after it.
type GuardrailKind string

const (
	GuardrailAlways     GuardrailKind = "always"
	GuardrailNever      GuardrailKind = "never"
	GuardrailEncourage  GuardrailKind = "encourage"
	GuardrailDiscourage GuardrailKind = "discourage"
)

// ValidGuardrailKind reports whether k is one of the four known kinds.
func ValidGuardrailKind(k GuardrailKind) bool {
	switch k {
	case GuardrailAlways, GuardrailNever, GuardrailEncourage, GuardrailDiscourage:
		return true
	}
	return false
}

// Guardrail is a stored, reusable rule fragment. Global guardrails apply to
// every assistant and are merged in at composition time rather than being
// stored redundantly on each assistant.
type Guardrail struct {
	ID       string        `json:"id"`
	Text     string        `json:"text"`
	Kind     GuardrailKind `json:"kind"`
	Priority int           `json:"priority"` // higher = listed first within its kind
	Global   bool          `json:"global"`
}

// GuardrailFragment is an inline, animal-specific rule that is not backed by
// a stored Guardrail record.
type GuardrailFragment struct {
	Kind     GuardrailKind `json:"kind"`
	Text     string        `json:"text"`
	Priority int           `json:"priority,omitempty"`
}

// ── Animal ───────────────────────────────────────────────────

// Animal is a thin view of the externally-owned animal record. The engine
// only validates existence at create time; it never mutates animal data.
type Animal struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Species string `json:"species,omitempty"`
}
