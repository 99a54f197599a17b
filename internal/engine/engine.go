// Package engine implements the assistant configuration operations: create,
// update, and delete for live and sandbox assistants, knowledge file linkage,
// and sandbox promotion.
//
// Every mutation recomputes the composed prompt from the current references
// and writes it through the store's version-checked update path, so two
// concurrent writers racing on the same starting version produce exactly one
// winner. The loser gets a version conflict carrying the fresh record.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zootalk/zootalk/assistant-engine/internal/composer"
	"github.com/zootalk/zootalk/assistant-engine/internal/store"
	"github.com/zootalk/zootalk/assistant-engine/pkg/contracts"
	"github.com/zootalk/zootalk/assistant-engine/pkg/models"
)

// ErrLimitExceeded is returned when a link would push an assistant past the
// knowledge file cap.
type ErrLimitExceeded struct {
	ID    string
	Limit int
}

func (e *ErrLimitExceeded) Error() string {
	return "assistant " + e.ID + ": knowledge file limit of " + strconv.Itoa(e.Limit) + " reached"
}

// Engine wires the store, the external reference collaborators, and the
// clock into the assistant operations. All dependencies are injected; the
// engine holds no ambient global state.
type Engine struct {
	store      store.Store
	refs       contracts.ReferenceStore
	animals    contracts.AnimalDirectory
	indexer    contracts.KnowledgeIndexer
	clock      contracts.Clock
	sandboxTTL time.Duration
}

// New creates an Engine. A non-positive sandboxTTL falls back to the
// 30-minute policy default.
func New(s store.Store, refs contracts.ReferenceStore, animals contracts.AnimalDirectory, indexer contracts.KnowledgeIndexer, clock contracts.Clock, sandboxTTL time.Duration) *Engine {
	if sandboxTTL <= 0 {
		sandboxTTL = models.DefaultSandboxTTL
	}
	return &Engine{
		store:      s,
		refs:       refs,
		animals:    animals,
		indexer:    indexer,
		clock:      clock,
		sandboxTTL: sandboxTTL,
	}
}

// CreateRequest carries the inputs for a new assistant.
type CreateRequest struct {
	Kind              models.AssistantKind       `json:"kind"`
	AnimalID          string                     `json:"animal_id"`
	PersonalityRef    string                     `json:"personality_ref"`
	GuardrailRefs     []string                   `json:"guardrail_refs,omitempty"`
	CustomGuardrails  []models.GuardrailFragment `json:"custom_guardrails,omitempty"`
	KnowledgeFileRefs []string                   `json:"knowledge_file_refs,omitempty"`
	TTL               *time.Duration             `json:"-"` // sandbox only; nil = policy default
}

// Patch carries the mutable fields of an update. Nil means "leave as is".
type Patch struct {
	PersonalityRef    *string                     `json:"personality_ref,omitempty"`
	GuardrailRefs     *[]string                   `json:"guardrail_refs,omitempty"`
	CustomGuardrails  *[]models.GuardrailFragment `json:"custom_guardrails,omitempty"`
	KnowledgeFileRefs *[]string                   `json:"knowledge_file_refs,omitempty"`
}

// Create builds a new assistant, composes its prompt, and persists it.
// Creating a live assistant for an animal that already has an active one
// fails with *store.ErrDuplicateLive; callers replace via promotion or
// explicit delete, never by stacking a second live record.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*models.Assistant, error) {
	if req.Kind != models.KindLive && req.Kind != models.KindSandbox {
		return nil, &composer.InvalidInputError{Reason: fmt.Sprintf("unknown assistant kind %q", req.Kind)}
	}
	if !e.animals.Exists(ctx, req.AnimalID) {
		return nil, &store.ErrNotFound{Entity: "animal", Key: req.AnimalID}
	}
	if len(req.KnowledgeFileRefs) > models.MaxKnowledgeFiles {
		return nil, &ErrLimitExceeded{ID: req.AnimalID, Limit: models.MaxKnowledgeFiles}
	}

	prompt, err := e.compose(ctx, req.PersonalityRef, req.GuardrailRefs, req.CustomGuardrails, len(req.KnowledgeFileRefs))
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	assistant := &models.Assistant{
		ID:                uuid.NewString(),
		AnimalID:          req.AnimalID,
		Kind:              req.Kind,
		Status:            models.StatusActive,
		PersonalityRef:    req.PersonalityRef,
		GuardrailRefs:     req.GuardrailRefs,
		CustomGuardrails:  req.CustomGuardrails,
		KnowledgeFileRefs: req.KnowledgeFileRefs,
		ComposedPrompt:    prompt,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.Kind == models.KindSandbox {
		ttl := e.sandboxTTL
		if req.TTL != nil && *req.TTL > 0 {
			ttl = *req.TTL
		}
		expiresAt := now.Add(ttl)
		assistant.ExpiresAt = &expiresAt
	}

	if err := e.store.CreateAssistant(ctx, assistant); err != nil {
		return nil, err
	}

	log.Info().
		Str("assistant", assistant.ID).
		Str("animal", assistant.AnimalID).
		Str("kind", string(assistant.Kind)).
		Msg("Assistant created")
	return assistant, nil
}

// Get returns the assistant record.
func (e *Engine) Get(ctx context.Context, id string) (*models.Assistant, error) {
	return e.store.GetAssistant(ctx, id)
}

// ListByAnimal returns every assistant record for the animal.
func (e *Engine) ListByAnimal(ctx context.Context, animalID string) ([]models.Assistant, error) {
	return e.store.ListByAnimal(ctx, animalID)
}

// GetLiveForAnimal returns the active live assistant the conversation layer
// should use, or *store.ErrUnavailable if the animal has none.
func (e *Engine) GetLiveForAnimal(ctx context.Context, animalID string) (*models.Assistant, error) {
	return e.store.GetLiveForAnimal(ctx, animalID)
}

// Update applies the patch, recomposes the prompt, and writes the record
// under the first-save-wins version check. A stale expectedVersion fails
// with *store.ErrVersionConflict carrying the current record.
func (e *Engine) Update(ctx context.Context, id string, expectedVersion int64, patch Patch) (*models.Assistant, error) {
	current, err := e.store.GetAssistant(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsTerminal() {
		return nil, &store.ErrExpired{ID: id, Status: current.Status}
	}

	if patch.PersonalityRef != nil {
		current.PersonalityRef = *patch.PersonalityRef
	}
	if patch.GuardrailRefs != nil {
		current.GuardrailRefs = *patch.GuardrailRefs
	}
	if patch.CustomGuardrails != nil {
		current.CustomGuardrails = *patch.CustomGuardrails
	}
	if patch.KnowledgeFileRefs != nil {
		if len(*patch.KnowledgeFileRefs) > models.MaxKnowledgeFiles {
			return nil, &ErrLimitExceeded{ID: id, Limit: models.MaxKnowledgeFiles}
		}
		current.KnowledgeFileRefs = *patch.KnowledgeFileRefs
	}

	return e.writeComposed(ctx, current, expectedVersion)
}

// Delete marks the assistant deleted under the same version discipline as
// Update. Explicit discard works on expired sandboxes too; promoted and
// already-deleted records are terminal and reject it. Only the sweep
// removes records without a version token.
func (e *Engine) Delete(ctx context.Context, id string, expectedVersion int64) error {
	if err := e.store.DeleteAssistant(ctx, id, expectedVersion, e.clock.Now()); err != nil {
		return err
	}
	log.Info().Str("assistant", id).Msg("Assistant deleted")
	return nil
}

// Link adds a knowledge file reference. The 21st file fails with
// *ErrLimitExceeded; linking an already-linked file is a no-op and does not
// bump the version. The external indexer is notified after the write and
// never awaited.
func (e *Engine) Link(ctx context.Context, id, fileRef string, expectedVersion int64) (*models.Assistant, error) {
	current, err := e.store.GetAssistant(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsTerminal() {
		return nil, &store.ErrExpired{ID: id, Status: current.Status}
	}
	for _, ref := range current.KnowledgeFileRefs {
		if ref == fileRef {
			return current, nil
		}
	}
	if len(current.KnowledgeFileRefs) >= models.MaxKnowledgeFiles {
		return nil, &ErrLimitExceeded{ID: id, Limit: models.MaxKnowledgeFiles}
	}

	current.KnowledgeFileRefs = append(current.KnowledgeFileRefs, fileRef)
	updated, err := e.writeComposed(ctx, current, expectedVersion)
	if err != nil {
		return nil, err
	}
	e.indexer.FileLinked(id, fileRef)
	return updated, nil
}

// Unlink removes a knowledge file reference. It succeeds immediately even
// if the file is still being processed; stale indexing results are the
// external indexer's concern.
func (e *Engine) Unlink(ctx context.Context, id, fileRef string, expectedVersion int64) (*models.Assistant, error) {
	current, err := e.store.GetAssistant(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsTerminal() {
		return nil, &store.ErrExpired{ID: id, Status: current.Status}
	}

	found := false
	refs := current.KnowledgeFileRefs[:0]
	for _, ref := range current.KnowledgeFileRefs {
		if ref == fileRef {
			found = true
			continue
		}
		refs = append(refs, ref)
	}
	if !found {
		return nil, &store.ErrNotFound{Entity: "knowledge file", Key: fileRef}
	}
	current.KnowledgeFileRefs = refs

	updated, err := e.writeComposed(ctx, current, expectedVersion)
	if err != nil {
		return nil, err
	}
	e.indexer.FileUnlinked(id, fileRef)
	return updated, nil
}

// Promote atomically turns the sandbox's content into the animal's new live
// assistant, retiring the previous live record. The sandbox must still be
// active or in its expiry warning window, and the version must match.
func (e *Engine) Promote(ctx context.Context, sandboxID string, expectedVersion int64) (*models.Assistant, error) {
	current, err := e.store.GetAssistant(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if current.Kind != models.KindSandbox {
		return nil, &composer.InvalidInputError{Reason: "only sandbox assistants can be promoted"}
	}

	newLive, err := e.store.PromoteSandbox(ctx, sandboxID, expectedVersion, uuid.NewString(), e.clock.Now())
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("sandbox", sandboxID).
		Str("live", newLive.ID).
		Str("animal", newLive.AnimalID).
		Msg("Sandbox promoted to live")
	return newLive, nil
}

// writeComposed recomposes the prompt for the (already patched) record and
// persists it through the version-checked update path.
func (e *Engine) writeComposed(ctx context.Context, assistant *models.Assistant, expectedVersion int64) (*models.Assistant, error) {
	prompt, err := e.compose(ctx, assistant.PersonalityRef, assistant.GuardrailRefs, assistant.CustomGuardrails, len(assistant.KnowledgeFileRefs))
	if err != nil {
		return nil, err
	}
	assistant.ComposedPrompt = prompt
	assistant.UpdatedAt = e.clock.Now()
	return e.store.UpdateAssistant(ctx, assistant, expectedVersion)
}

// compose resolves references and renders the prompt. The effective
// guardrail set is the explicit selection (in selection order) plus every
// global guardrail, de-duplicated by id.
func (e *Engine) compose(ctx context.Context, personalityRef string, guardrailRefs []string, custom []models.GuardrailFragment, knowledgeFileCount int) (string, error) {
	personality, err := e.refs.GetPersonality(ctx, personalityRef)
	if err != nil {
		return "", fmt.Errorf("resolve personality: %w", err)
	}

	selected, err := e.refs.GetGuardrails(ctx, guardrailRefs)
	if err != nil {
		return "", fmt.Errorf("resolve guardrails: %w", err)
	}
	global, err := e.refs.ListGlobalGuardrails(ctx)
	if err != nil {
		return "", fmt.Errorf("list global guardrails: %w", err)
	}

	seen := make(map[string]bool, len(selected))
	effective := make([]models.Guardrail, 0, len(selected)+len(global))
	for _, g := range selected {
		if seen[g.ID] {
			continue
		}
		seen[g.ID] = true
		effective = append(effective, g)
	}
	for _, g := range global {
		if seen[g.ID] {
			continue
		}
		seen[g.ID] = true
		effective = append(effective, g)
	}

	return composer.Compose(personality, effective, custom, knowledgeFileCount)
}
