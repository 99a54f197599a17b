// Package refstore provides the in-memory ReferenceStore and AnimalDirectory
// used by the community server and tests. Production deployments replace it
// with the platform's content-authoring services; the engine only ever sees
// the contracts interfaces.
package refstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zootalk/zootalk/assistant-engine/pkg/contracts"
	"github.com/zootalk/zootalk/assistant-engine/pkg/models"
)

// Memory is a thread-safe in-memory reference store.
type Memory struct {
	mu            sync.RWMutex
	personalities map[string]*models.Personality
	guardrails    map[string]*models.Guardrail
	animals       map[string]*models.Animal
}

// NewMemory creates an empty reference store.
func NewMemory() *Memory {
	return &Memory{
		personalities: make(map[string]*models.Personality),
		guardrails:    make(map[string]*models.Guardrail),
		animals:       make(map[string]*models.Animal),
	}
}

// ── ReferenceStore ──────────────────────────────────────────

func (m *Memory) GetPersonality(_ context.Context, id string) (*models.Personality, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.personalities[id]
	if !ok {
		return nil, &contracts.ErrReferenceNotFound{Entity: "personality", Key: id}
	}
	copy := *p
	return &copy, nil
}

func (m *Memory) GetGuardrails(_ context.Context, ids []string) ([]models.Guardrail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Guardrail, 0, len(ids))
	for _, id := range ids {
		g, ok := m.guardrails[id]
		if !ok {
			return nil, &contracts.ErrReferenceNotFound{Entity: "guardrail", Key: id}
		}
		result = append(result, *g)
	}
	return result, nil
}

// ListGlobalGuardrails returns global guardrails ordered by id so callers
// see a stable order regardless of map iteration.
func (m *Memory) ListGlobalGuardrails(_ context.Context) ([]models.Guardrail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Guardrail
	for _, g := range m.guardrails {
		if g.Global {
			result = append(result, *g)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ── AnimalDirectory ─────────────────────────────────────────

func (m *Memory) Exists(_ context.Context, animalID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.animals[animalID]
	return ok
}

// ── Registration (dev/test convenience) ─────────────────────

// PutPersonality stores a personality, assigning an id if empty, and
// stamps LastModifiedAt.
func (m *Memory) PutPersonality(p models.Personality) models.Personality {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.LastModifiedAt = time.Now().UTC()
	m.mu.Lock()
	m.personalities[p.ID] = &p
	m.mu.Unlock()
	return p
}

// PutGuardrail stores a guardrail, assigning an id if empty.
func (m *Memory) PutGuardrail(g models.Guardrail) models.Guardrail {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.guardrails[g.ID] = &g
	m.mu.Unlock()
	return g
}

// PutAnimal registers an animal in the directory.
func (m *Memory) PutAnimal(a models.Animal) models.Animal {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.animals[a.ID] = &a
	m.mu.Unlock()
	return a
}

// ListPersonalities returns all personalities ordered by id.
func (m *Memory) ListPersonalities() []models.Personality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Personality, 0, len(m.personalities))
	for _, p := range m.personalities {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ListGuardrails returns all guardrails ordered by id.
func (m *Memory) ListGuardrails() []models.Guardrail {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Guardrail, 0, len(m.guardrails))
	for _, g := range m.guardrails {
		result = append(result, *g)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
