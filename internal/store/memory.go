// In-memory Store implementation.
// Used when PostgreSQL is not configured (local dev, tests). Supports
// file-based snapshot persistence so records survive restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zootalk/zootalk/assistant-engine/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Assistants map[string]*models.Assistant `json:"assistants"`
}

// MemoryStore implements Store with an in-memory map. All reads and writes
// go through deep copies so callers can never alias internal state.
type MemoryStore struct {
	mu         sync.RWMutex
	assistants map[string]*models.Assistant // key: assistant id

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If ZOOTALK_DATA_DIR is set, records are persisted to a JSON file in that
// directory; otherwise persistence is disabled.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		assistants: make(map[string]*models.Assistant),
		saveCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}

	if dataDir := os.Getenv("ZOOTALK_DATA_DIR"); dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "assistants.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all records to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	data, err := json.MarshalIndent(snapshot{Assistants: m.assistants}, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads records from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Assistants != nil {
		m.assistants = snap.Assistants
	}
	log.Info().Int("assistants", len(m.assistants)).Str("path", m.snapshotPath).Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

// clone deep-copies a record, including its slices. Shared backing arrays
// between the store and callers would break the copy-on-read discipline.
func clone(a *models.Assistant) *models.Assistant {
	c := *a
	if a.GuardrailRefs != nil {
		c.GuardrailRefs = append([]string(nil), a.GuardrailRefs...)
	}
	if a.CustomGuardrails != nil {
		c.CustomGuardrails = append([]models.GuardrailFragment(nil), a.CustomGuardrails...)
	}
	if a.KnowledgeFileRefs != nil {
		c.KnowledgeFileRefs = append([]string(nil), a.KnowledgeFileRefs...)
	}
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		c.ExpiresAt = &t
	}
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// activeLiveLocked returns the active live record for an animal, or nil.
// Caller must hold at least a read lock.
func (m *MemoryStore) activeLiveLocked(animalID string) *models.Assistant {
	for _, a := range m.assistants {
		if a.AnimalID == animalID && a.Kind == models.KindLive && a.Status == models.StatusActive {
			return a
		}
	}
	return nil
}

// ── Store implementation ────────────────────────────────────

func (m *MemoryStore) CreateAssistant(_ context.Context, assistant *models.Assistant) error {
	m.mu.Lock()
	if existing, exists := m.assistants[assistant.ID]; exists {
		conflict := &ErrVersionConflict{ID: assistant.ID, Current: existing.Version, Record: clone(existing)}
		m.mu.Unlock()
		return conflict
	}
	if assistant.Kind == models.KindLive {
		if live := m.activeLiveLocked(assistant.AnimalID); live != nil {
			m.mu.Unlock()
			return &ErrDuplicateLive{AnimalID: assistant.AnimalID}
		}
	}
	m.assistants[assistant.ID] = clone(assistant)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetAssistant(_ context.Context, id string) (*models.Assistant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assistants[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "assistant", Key: id}
	}
	return clone(a), nil
}

func (m *MemoryStore) UpdateAssistant(_ context.Context, assistant *models.Assistant, expectedVersion int64) (*models.Assistant, error) {
	m.mu.Lock()
	current, ok := m.assistants[assistant.ID]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "assistant", Key: assistant.ID}
	}
	if current.Version != expectedVersion {
		conflict := &ErrVersionConflict{
			ID:       assistant.ID,
			Expected: expectedVersion,
			Current:  current.Version,
			Record:   clone(current),
		}
		m.mu.Unlock()
		return nil, conflict
	}
	if current.IsTerminal() {
		status := current.Status
		m.mu.Unlock()
		return nil, &ErrExpired{ID: assistant.ID, Status: status}
	}

	next := clone(assistant)
	next.Version = expectedVersion + 1
	// Immutable fields are taken from the stored record, not the patch.
	next.AnimalID = current.AnimalID
	next.Kind = current.Kind
	next.CreatedAt = current.CreatedAt
	m.assistants[assistant.ID] = next
	m.mu.Unlock()
	m.requestSave()
	return clone(next), nil
}

func (m *MemoryStore) DeleteAssistant(_ context.Context, id string, expectedVersion int64, at time.Time) error {
	m.mu.Lock()
	current, ok := m.assistants[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "assistant", Key: id}
	}
	if current.Version != expectedVersion {
		conflict := &ErrVersionConflict{
			ID:       id,
			Expected: expectedVersion,
			Current:  current.Version,
			Record:   clone(current),
		}
		m.mu.Unlock()
		return conflict
	}
	// Promoted and deleted records are terminal and stay that way. Expired
	// sandboxes may still be discarded explicitly ahead of the sweep.
	if current.Status == models.StatusPromoted || current.Status == models.StatusDeleted {
		status := current.Status
		m.mu.Unlock()
		return &ErrExpired{ID: id, Status: status}
	}
	current.Status = models.StatusDeleted
	current.Version++
	current.UpdatedAt = at
	deletedAt := at
	current.DeletedAt = &deletedAt
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListByAnimal(_ context.Context, animalID string) ([]models.Assistant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Assistant
	for _, a := range m.assistants {
		if a.AnimalID == animalID {
			result = append(result, *clone(a))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListSandboxes(_ context.Context) ([]models.Assistant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Assistant
	for _, a := range m.assistants {
		if a.Kind == models.KindSandbox {
			result = append(result, *clone(a))
		}
	}
	return result, nil
}

func (m *MemoryStore) GetLiveForAnimal(_ context.Context, animalID string) (*models.Assistant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if live := m.activeLiveLocked(animalID); live != nil {
		return clone(live), nil
	}
	return nil, &ErrUnavailable{AnimalID: animalID}
}

func (m *MemoryStore) TransitionStatus(_ context.Context, id string, from, to models.AssistantStatus, at time.Time) error {
	m.mu.Lock()
	current, ok := m.assistants[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "assistant", Key: id}
	}
	if current.Status != from {
		conflict := &ErrVersionConflict{ID: id, Current: current.Version, Record: clone(current)}
		m.mu.Unlock()
		return conflict
	}
	current.Status = to
	current.Version++
	current.UpdatedAt = at
	if to == models.StatusDeleted {
		deletedAt := at
		current.DeletedAt = &deletedAt
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) PromoteSandbox(_ context.Context, sandboxID string, expectedVersion int64, newLiveID string, at time.Time) (*models.Assistant, error) {
	m.mu.Lock()
	sandbox, ok := m.assistants[sandboxID]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "assistant", Key: sandboxID}
	}
	if sandbox.IsTerminal() {
		status := sandbox.Status
		m.mu.Unlock()
		return nil, &ErrExpired{ID: sandboxID, Status: status}
	}
	if sandbox.Version != expectedVersion {
		conflict := &ErrVersionConflict{
			ID:       sandboxID,
			Expected: expectedVersion,
			Current:  sandbox.Version,
			Record:   clone(sandbox),
		}
		m.mu.Unlock()
		return nil, conflict
	}

	// Retire the current live assistant, if any.
	if old := m.activeLiveLocked(sandbox.AnimalID); old != nil {
		old.Status = models.StatusDeleted
		old.Version++
		old.UpdatedAt = at
		deletedAt := at
		old.DeletedAt = &deletedAt
	}

	// The sandbox's content becomes the new live record.
	newLive := clone(sandbox)
	newLive.ID = newLiveID
	newLive.Kind = models.KindLive
	newLive.Status = models.StatusActive
	newLive.Version = 1
	newLive.CreatedAt = at
	newLive.UpdatedAt = at
	newLive.ExpiresAt = nil
	newLive.DeletedAt = nil
	m.assistants[newLiveID] = newLive

	// The sandbox record is terminal and never reused.
	sandbox.Status = models.StatusPromoted
	sandbox.Version++
	sandbox.UpdatedAt = at

	m.mu.Unlock()
	m.requestSave()
	return clone(newLive), nil
}

func (m *MemoryStore) PurgeAssistant(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.assistants[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "assistant", Key: id}
	}
	delete(m.assistants, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
