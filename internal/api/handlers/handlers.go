// Package handlers implements the HTTP handlers for the assistant engine.
// All handlers translate the engine's typed errors into stable, machine-
// readable error codes so the UI layer can render accurate messages
// ("someone else just changed this, please retry", "this test assistant
// has expired", and so on).
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zootalk/zootalk/assistant-engine/internal/composer"
	"github.com/zootalk/zootalk/assistant-engine/internal/engine"
	"github.com/zootalk/zootalk/assistant-engine/internal/refstore"
	"github.com/zootalk/zootalk/assistant-engine/internal/store"
	"github.com/zootalk/zootalk/assistant-engine/pkg/contracts"
	"github.com/zootalk/zootalk/assistant-engine/pkg/models"
)

// Handlers holds all handler dependencies. Everything goes through the
// engine; handlers never touch the store directly.
type Handlers struct {
	Engine *engine.Engine

	// Refs is the community in-memory reference store, exposed through
	// dev-convenience endpoints. Nil when reference data is owned by an
	// external authoring service.
	Refs *refstore.Memory
}

// New creates a new Handlers instance.
func New(eng *engine.Engine, refs *refstore.Memory) *Handlers {
	return &Handlers{Engine: eng, Refs: refs}
}

// ── Assistant Handlers ───────────────────────────────────────

// createAssistantRequest is engine.CreateRequest plus a wire-friendly TTL.
type createAssistantRequest struct {
	engine.CreateRequest
	TTL string `json:"ttl,omitempty"` // Go duration string, e.g. "30m"
}

func (h *Handlers) CreateAssistant(w http.ResponseWriter, r *http.Request) {
	var req createAssistantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "Invalid request body")
		return
	}
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_input", "Invalid ttl duration")
			return
		}
		req.CreateRequest.TTL = &d
	}

	assistant, err := h.Engine.Create(r.Context(), req.CreateRequest)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, assistant)
}

func (h *Handlers) GetAssistant(w http.ResponseWriter, r *http.Request) {
	assistant, err := h.Engine.Get(r.Context(), chi.URLParam(r, "assistantID"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, assistant)
}

// updateAssistantRequest carries the patch plus the version the caller
// last read. The first save against a given version wins.
type updateAssistantRequest struct {
	ExpectedVersion int64        `json:"expected_version"`
	Patch           engine.Patch `json:"patch"`
}

func (h *Handlers) UpdateAssistant(w http.ResponseWriter, r *http.Request) {
	var req updateAssistantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "Invalid request body")
		return
	}

	assistant, err := h.Engine.Update(r.Context(), chi.URLParam(r, "assistantID"), req.ExpectedVersion, req.Patch)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, assistant)
}

func (h *Handlers) DeleteAssistant(w http.ResponseWriter, r *http.Request) {
	expectedVersion, ok := expectedVersionParam(w, r)
	if !ok {
		return
	}
	if err := h.Engine.Delete(r.Context(), chi.URLParam(r, "assistantID"), expectedVersion); err != nil {
		respondEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListAssistantsByAnimal(w http.ResponseWriter, r *http.Request) {
	assistants, err := h.Engine.ListByAnimal(r.Context(), chi.URLParam(r, "animalID"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if assistants == nil {
		assistants = []models.Assistant{}
	}
	respondJSON(w, http.StatusOK, assistants)
}

func (h *Handlers) GetLiveAssistant(w http.ResponseWriter, r *http.Request) {
	assistant, err := h.Engine.GetLiveForAnimal(r.Context(), chi.URLParam(r, "animalID"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, assistant)
}

// ── Knowledge Linkage Handlers ───────────────────────────────

type linkRequest struct {
	FileRef         string `json:"file_ref"`
	ExpectedVersion int64  `json:"expected_version"`
}

func (h *Handlers) LinkKnowledgeFile(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "Invalid request body")
		return
	}
	if req.FileRef == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "file_ref is required")
		return
	}

	assistant, err := h.Engine.Link(r.Context(), chi.URLParam(r, "assistantID"), req.FileRef, req.ExpectedVersion)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, assistant)
}

func (h *Handlers) UnlinkKnowledgeFile(w http.ResponseWriter, r *http.Request) {
	expectedVersion, ok := expectedVersionParam(w, r)
	if !ok {
		return
	}
	assistant, err := h.Engine.Unlink(r.Context(), chi.URLParam(r, "assistantID"), chi.URLParam(r, "fileRef"), expectedVersion)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, assistant)
}

// ── Promotion Handler ────────────────────────────────────────

type promoteRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

func (h *Handlers) PromoteSandbox(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "Invalid request body")
		return
	}

	newLive, err := h.Engine.Promote(r.Context(), chi.URLParam(r, "assistantID"), req.ExpectedVersion)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newLive)
}

// ── Reference Handlers (dev convenience) ─────────────────────
// Reference data is owned by the external authoring system in production;
// these endpoints exist so the community server is usable standalone.

func (h *Handlers) CreatePersonality(w http.ResponseWriter, r *http.Request) {
	var p models.Personality
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "Invalid request body")
		return
	}
	respondJSON(w, http.StatusCreated, h.Refs.PutPersonality(p))
}

func (h *Handlers) ListPersonalities(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.Refs.ListPersonalities())
}

func (h *Handlers) CreateGuardrail(w http.ResponseWriter, r *http.Request) {
	var g models.Guardrail
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "Invalid request body")
		return
	}
	if !models.ValidGuardrailKind(g.Kind) {
		respondError(w, http.StatusBadRequest, "invalid_input", "Unknown guardrail kind")
		return
	}
	respondJSON(w, http.StatusCreated, h.Refs.PutGuardrail(g))
}

func (h *Handlers) ListGuardrails(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.Refs.ListGuardrails())
}

func (h *Handlers) CreateAnimal(w http.ResponseWriter, r *http.Request) {
	var a models.Animal
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "Invalid request body")
		return
	}
	respondJSON(w, http.StatusCreated, h.Refs.PutAnimal(a))
}

// ── Response helpers ─────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	// Current is the fresh record on a version conflict so the caller can
	// re-render and retry.
	Current *models.Assistant `json:"current,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondEngineError maps the engine's typed errors onto stable HTTP codes.
func respondEngineError(w http.ResponseWriter, err error) {
	var (
		invalid     *composer.InvalidInputError
		refNotFound *contracts.ErrReferenceNotFound
		notFound    *store.ErrNotFound
		conflict    *store.ErrVersionConflict
		duplicate   *store.ErrDuplicateLive
		limit       *engine.ErrLimitExceeded
		expired     *store.ErrExpired
		unavailable *store.ErrUnavailable
	)
	switch {
	case errors.As(err, &invalid):
		respondError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.As(err, &refNotFound), errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &conflict):
		respondJSON(w, http.StatusConflict, errorResponse{
			Error:   err.Error(),
			Code:    "version_conflict",
			Current: conflict.Record,
		})
	case errors.As(err, &duplicate):
		respondError(w, http.StatusConflict, "duplicate_live", err.Error())
	case errors.As(err, &limit):
		respondError(w, http.StatusConflict, "limit_exceeded", err.Error())
	case errors.As(err, &expired):
		respondError(w, http.StatusGone, "expired", err.Error())
	case errors.As(err, &unavailable):
		respondError(w, http.StatusNotFound, "unavailable", err.Error())
	default:
		log.Error().Err(err).Msg("Unhandled engine error")
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// expectedVersionParam reads the expected_version query parameter, writing
// a 400 response itself when it is missing or malformed.
func expectedVersionParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("expected_version")
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "expected_version query parameter is required")
		return 0, false
	}
	return v, true
}
