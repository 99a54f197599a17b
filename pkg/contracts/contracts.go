// Package contracts defines the interfaces the assistant engine consumes
// from external collaborators: the reference store holding personalities and
// guardrails, the animal directory, the knowledge indexer, and the clock.
//
// The engine depends only on these interfaces. The repo ships community
// implementations (internal/refstore, NoopIndexer, RealClock); production
// deployments wire in the platform-owned services instead, a single line
// change in the wiring code (pkg/server).
package contracts

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zootalk/zootalk/assistant-engine/pkg/models"
)

// ── Reference Store ─────────────────────────────────────────

// ReferenceStore provides read-only lookups for personalities and guardrails.
// The records are owned and mutated by the content-authoring system; the
// engine only resolves references at composition time.
type ReferenceStore interface {
	// GetPersonality returns the personality with the given id.
	GetPersonality(ctx context.Context, id string) (*models.Personality, error)

	// GetGuardrails resolves the given ids, preserving input order.
	// An unknown id is an error; assistants must never silently lose rules.
	GetGuardrails(ctx context.Context, ids []string) ([]models.Guardrail, error)

	// ListGlobalGuardrails returns every guardrail flagged as global, in a
	// stable order.
	ListGlobalGuardrails(ctx context.Context) ([]models.Guardrail, error)
}

// ErrReferenceNotFound is returned by ReferenceStore implementations for an
// unknown personality or guardrail id.
type ErrReferenceNotFound struct {
	Entity string
	Key    string
}

func (e *ErrReferenceNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ── Animal Directory ────────────────────────────────────────

// AnimalDirectory validates animal references. Used only at assistant
// creation; the engine never owns or mutates animal data.
type AnimalDirectory interface {
	Exists(ctx context.Context, animalID string) bool
}

// ── Knowledge Indexer ───────────────────────────────────────

// KnowledgeIndexer receives file link/unlink notifications asynchronously.
// The engine never waits for indexing to complete: unlinking a file whose
// processing is still in flight succeeds immediately, and stale indexing
// results are the indexer's concern.
type KnowledgeIndexer interface {
	FileLinked(assistantID, fileRef string)
	FileUnlinked(assistantID, fileRef string)
}

// NoopIndexer is the community KnowledgeIndexer: it logs the notification
// and drops it. Deployments with a real indexer replace it in wiring.
type NoopIndexer struct{}

func (NoopIndexer) FileLinked(assistantID, fileRef string) {
	log.Debug().Str("assistant", assistantID).Str("file", fileRef).Msg("Knowledge file linked (no indexer configured)")
}

func (NoopIndexer) FileUnlinked(assistantID, fileRef string) {
	log.Debug().Str("assistant", assistantID).Str("file", fileRef).Msg("Knowledge file unlinked (no indexer configured)")
}

// ── Auth ────────────────────────────────────────────────────

// Identity is the authenticated staff principal attached to a request.
type Identity struct {
	// Subject is a stable principal identifier (e.g. "apikey:3f2a...").
	Subject string

	// Provider is the name of the auth provider that produced this identity.
	Provider string

	// Role is the coarse-grained role assigned by the provider.
	Role string

	// DisplayName is a human-readable label for logs and audit trails.
	DisplayName string

	// ExpiresAt bounds how long this identity may be cached.
	ExpiresAt time.Time
}

// AuthProvider authenticates an HTTP request.
//
// Contract:
//   - (*Identity, nil): authenticated
//   - (nil, nil): this provider does not handle this request
//   - (nil, error): auth was attempted and failed; reject the request
type AuthProvider interface {
	Name() string
	Enabled() bool
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// ── Archiver ────────────────────────────────────────────────

// Archiver persists expired sandbox records before the sweeper purges them,
// keeping an audit trail beyond the in-store retention window. The community
// implementation writes local JSONL files; hosted deployments replace it with
// object storage.
type Archiver interface {
	// ArchiveAssistants writes the records and returns a locator for the
	// archive (e.g. a file path).
	ArchiveAssistants(ctx context.Context, animalID string, records []models.Assistant) (string, error)

	// HealthCheck verifies the archive destination is writable.
	HealthCheck(ctx context.Context) error
}

// ── Clock ───────────────────────────────────────────────────

// Clock is an injectable time source. The sandbox TTL machinery takes its
// notion of "now" from here so expiry behavior is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall-clock Clock used in production.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }
