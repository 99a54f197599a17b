// Package store provides the storage interface and implementations for
// assistant records. The in-memory store serves local dev and tests; the
// PostgreSQL store provides durable persistence with conditional writes
// keyed on the record version.
package store

import (
	"context"
	"time"

	"github.com/zootalk/zootalk/assistant-engine/pkg/models"
)

// Store is the persistence interface for assistant records.
//
// All mutations to a single assistant are linearized through the version
// token: a write carrying a stale expected version fails with
// *ErrVersionConflict and nothing is persisted. Timestamps are supplied by
// the caller so that the engine's injected clock stays authoritative.
type Store interface {
	// CreateAssistant persists a new record. For kind=live it fails with
	// *ErrDuplicateLive if the animal already has an active live assistant.
	CreateAssistant(ctx context.Context, assistant *models.Assistant) error

	// GetAssistant returns the record or *ErrNotFound.
	GetAssistant(ctx context.Context, id string) (*models.Assistant, error)

	// UpdateAssistant replaces the record if expectedVersion matches the
	// stored version, bumping the version by exactly one. On a stale
	// version it fails with *ErrVersionConflict carrying the current
	// record so callers can re-render and retry. Terminal records
	// (expired/promoted/deleted) reject updates with *ErrExpired.
	UpdateAssistant(ctx context.Context, assistant *models.Assistant, expectedVersion int64) (*models.Assistant, error)

	// DeleteAssistant marks the record deleted under the same version
	// discipline as UpdateAssistant. Promoted and already-deleted records
	// reject it with *ErrExpired; expired sandboxes may still be
	// discarded explicitly.
	DeleteAssistant(ctx context.Context, id string, expectedVersion int64, at time.Time) error

	// ListByAnimal returns every assistant record for the animal,
	// including retired sandbox history.
	ListByAnimal(ctx context.Context, animalID string) ([]models.Assistant, error)

	// ListSandboxes returns all sandbox records. Used by the lifecycle
	// sweeper; callers filter by status.
	ListSandboxes(ctx context.Context) ([]models.Assistant, error)

	// GetLiveForAnimal returns the single active live assistant for the
	// animal, or *ErrUnavailable if none exists.
	GetLiveForAnimal(ctx context.Context, animalID string) (*models.Assistant, error)

	// TransitionStatus performs a compare-and-set on the status field,
	// bumping the version. Only the lifecycle sweeper may apply
	// time-derived transitions; request paths never call this.
	TransitionStatus(ctx context.Context, id string, from, to models.AssistantStatus, at time.Time) error

	// PromoteSandbox atomically retires the animal's current live
	// assistant (if any), creates a new live record with the sandbox's
	// content under newLiveID, and marks the sandbox promoted. Fails with
	// *ErrVersionConflict on a stale version and *ErrExpired if the
	// sandbox is no longer promotable.
	PromoteSandbox(ctx context.Context, sandboxID string, expectedVersion int64, newLiveID string, at time.Time) (*models.Assistant, error)

	// PurgeAssistant removes the record entirely. Used by the sweeper
	// after the post-expiry retention window.
	PurgeAssistant(ctx context.Context, id string) error

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested record does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrVersionConflict is the first-save-wins rejection: another write
// happened since the caller last read the record. Record holds the current
// state so the caller can re-render and ask the user to retry.
type ErrVersionConflict struct {
	ID       string
	Expected int64
	Current  int64
	Record   *models.Assistant
}

func (e *ErrVersionConflict) Error() string {
	return "assistant " + e.ID + ": version conflict (record was modified by someone else)"
}

// ErrDuplicateLive is returned when a create would yield a second active
// live assistant for the same animal. Callers must replace, not create.
type ErrDuplicateLive struct {
	AnimalID string
}

func (e *ErrDuplicateLive) Error() string {
	return "animal " + e.AnimalID + " already has an active live assistant"
}

// ErrExpired is returned for mutations against an expired, promoted, or
// deleted record.
type ErrExpired struct {
	ID     string
	Status models.AssistantStatus
}

func (e *ErrExpired) Error() string {
	return "assistant " + e.ID + " is " + string(e.Status) + " and can no longer be modified"
}

// ErrUnavailable is returned when an animal has no active live assistant
// for the conversation layer to use.
type ErrUnavailable struct {
	AnimalID string
}

func (e *ErrUnavailable) Error() string {
	return "no active live assistant for animal " + e.AnimalID
}
