// PostgreSQL Store implementation.
// Provides durable persistence with conditional writes keyed on the record
// version. Connection URL comes from ZOOTALK_DATABASE_URL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/zootalk/zootalk/assistant-engine/pkg/models"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and creates the required schema
// if it does not exist.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS assistants (
			id                  TEXT PRIMARY KEY,
			animal_id           TEXT NOT NULL,
			kind                TEXT NOT NULL,
			status              TEXT NOT NULL,
			personality_ref     TEXT NOT NULL,
			guardrail_refs      JSONB NOT NULL DEFAULT '[]',
			custom_guardrails   JSONB NOT NULL DEFAULT '[]',
			knowledge_file_refs JSONB NOT NULL DEFAULT '[]',
			composed_prompt     TEXT NOT NULL DEFAULT '',
			version             BIGINT NOT NULL,
			created_at          TIMESTAMPTZ NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL,
			expires_at          TIMESTAMPTZ,
			deleted_at          TIMESTAMPTZ
		);

		-- The one-active-live-per-animal invariant, enforced by the database
		-- in addition to the create/promote checks.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_assistants_one_live
			ON assistants (animal_id) WHERE kind = 'live' AND status = 'active';

		CREATE INDEX IF NOT EXISTS idx_assistants_animal ON assistants (animal_id);
		CREATE INDEX IF NOT EXISTS idx_assistants_kind ON assistants (kind);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

const assistantColumns = `id, animal_id, kind, status, personality_ref,
	guardrail_refs, custom_guardrails, knowledge_file_refs, composed_prompt,
	version, created_at, updated_at, expires_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssistant(row rowScanner) (*models.Assistant, error) {
	var (
		a             models.Assistant
		refsJSON      []byte
		customJSON    []byte
		knowledgeJSON []byte
	)
	err := row.Scan(&a.ID, &a.AnimalID, &a.Kind, &a.Status, &a.PersonalityRef,
		&refsJSON, &customJSON, &knowledgeJSON, &a.ComposedPrompt,
		&a.Version, &a.CreatedAt, &a.UpdatedAt, &a.ExpiresAt, &a.DeletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(refsJSON, &a.GuardrailRefs); err != nil {
		return nil, fmt.Errorf("decode guardrail_refs: %w", err)
	}
	if err := json.Unmarshal(customJSON, &a.CustomGuardrails); err != nil {
		return nil, fmt.Errorf("decode custom_guardrails: %w", err)
	}
	if err := json.Unmarshal(knowledgeJSON, &a.KnowledgeFileRefs); err != nil {
		return nil, fmt.Errorf("decode knowledge_file_refs: %w", err)
	}
	return &a, nil
}

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v)
}

func (s *PostgresStore) CreateAssistant(ctx context.Context, assistant *models.Assistant) error {
	refs, err := encodeJSON(assistant.GuardrailRefs)
	if err != nil {
		return err
	}
	custom, err := encodeJSON(assistant.CustomGuardrails)
	if err != nil {
		return err
	}
	knowledge, err := encodeJSON(assistant.KnowledgeFileRefs)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if assistant.Kind == models.KindLive {
		var existing string
		err := tx.QueryRow(ctx,
			`SELECT id FROM assistants WHERE animal_id = $1 AND kind = 'live' AND status = 'active' FOR UPDATE`,
			assistant.AnimalID).Scan(&existing)
		if err == nil {
			return &ErrDuplicateLive{AnimalID: assistant.AnimalID}
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO assistants (`+assistantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		assistant.ID, assistant.AnimalID, assistant.Kind, assistant.Status,
		assistant.PersonalityRef, refs, custom, knowledge,
		assistant.ComposedPrompt, assistant.Version,
		assistant.CreatedAt, assistant.UpdatedAt, assistant.ExpiresAt, assistant.DeletedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetAssistant(ctx context.Context, id string) (*models.Assistant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+assistantColumns+` FROM assistants WHERE id = $1`, id)
	a, err := scanAssistant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "assistant", Key: id}
	}
	return a, err
}

// lockAssistant reads a record inside a transaction with a row lock, mapping
// pgx.ErrNoRows to *ErrNotFound.
func lockAssistant(ctx context.Context, tx pgx.Tx, id string) (*models.Assistant, error) {
	row := tx.QueryRow(ctx, `SELECT `+assistantColumns+` FROM assistants WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAssistant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "assistant", Key: id}
	}
	return a, err
}

func (s *PostgresStore) UpdateAssistant(ctx context.Context, assistant *models.Assistant, expectedVersion int64) (*models.Assistant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := lockAssistant(ctx, tx, assistant.ID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, &ErrVersionConflict{ID: assistant.ID, Expected: expectedVersion, Current: current.Version, Record: current}
	}
	if current.IsTerminal() {
		return nil, &ErrExpired{ID: assistant.ID, Status: current.Status}
	}

	refs, err := encodeJSON(assistant.GuardrailRefs)
	if err != nil {
		return nil, err
	}
	custom, err := encodeJSON(assistant.CustomGuardrails)
	if err != nil {
		return nil, err
	}
	knowledge, err := encodeJSON(assistant.KnowledgeFileRefs)
	if err != nil {
		return nil, err
	}

	next := *assistant
	next.Version = expectedVersion + 1
	next.AnimalID = current.AnimalID
	next.Kind = current.Kind
	next.CreatedAt = current.CreatedAt

	_, err = tx.Exec(ctx, `
		UPDATE assistants SET
			status = $2, personality_ref = $3, guardrail_refs = $4,
			custom_guardrails = $5, knowledge_file_refs = $6,
			composed_prompt = $7, version = $8, updated_at = $9, expires_at = $10
		WHERE id = $1 AND version = $11`,
		next.ID, next.Status, next.PersonalityRef, refs, custom, knowledge,
		next.ComposedPrompt, next.Version, next.UpdatedAt, next.ExpiresAt,
		expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *PostgresStore) DeleteAssistant(ctx context.Context, id string, expectedVersion int64, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	current, err := lockAssistant(ctx, tx, id)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return &ErrVersionConflict{ID: id, Expected: expectedVersion, Current: current.Version, Record: current}
	}
	// Promoted and deleted records are terminal and stay that way. Expired
	// sandboxes may still be discarded explicitly ahead of the sweep.
	if current.Status == models.StatusPromoted || current.Status == models.StatusDeleted {
		return &ErrExpired{ID: id, Status: current.Status}
	}

	_, err = tx.Exec(ctx, `
		UPDATE assistants SET status = $2, version = version + 1, updated_at = $3, deleted_at = $3
		WHERE id = $1`,
		id, models.StatusDeleted, at)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListByAnimal(ctx context.Context, animalID string) ([]models.Assistant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assistantColumns+` FROM assistants WHERE animal_id = $1 ORDER BY created_at`, animalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssistants(rows)
}

func (s *PostgresStore) ListSandboxes(ctx context.Context) ([]models.Assistant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assistantColumns+` FROM assistants WHERE kind = 'sandbox' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssistants(rows)
}

func collectAssistants(rows pgx.Rows) ([]models.Assistant, error) {
	var result []models.Assistant
	for rows.Next() {
		a, err := scanAssistant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetLiveForAnimal(ctx context.Context, animalID string) (*models.Assistant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+assistantColumns+` FROM assistants WHERE animal_id = $1 AND kind = 'live' AND status = 'active'`,
		animalID)
	a, err := scanAssistant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrUnavailable{AnimalID: animalID}
	}
	return a, err
}

func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to models.AssistantStatus, at time.Time) error {
	var deletedAt any
	if to == models.StatusDeleted {
		deletedAt = at
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE assistants SET status = $3, version = version + 1, updated_at = $4,
			deleted_at = COALESCE($5, deleted_at)
		WHERE id = $1 AND status = $2`,
		id, from, to, at, deletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		current, getErr := s.GetAssistant(ctx, id)
		if getErr != nil {
			return getErr
		}
		return &ErrVersionConflict{ID: id, Current: current.Version, Record: current}
	}
	return nil
}

func (s *PostgresStore) PromoteSandbox(ctx context.Context, sandboxID string, expectedVersion int64, newLiveID string, at time.Time) (*models.Assistant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	sandbox, err := lockAssistant(ctx, tx, sandboxID)
	if err != nil {
		return nil, err
	}
	if sandbox.IsTerminal() {
		return nil, &ErrExpired{ID: sandboxID, Status: sandbox.Status}
	}
	if sandbox.Version != expectedVersion {
		return nil, &ErrVersionConflict{ID: sandboxID, Expected: expectedVersion, Current: sandbox.Version, Record: sandbox}
	}

	// Retire the current live assistant, if any.
	_, err = tx.Exec(ctx, `
		UPDATE assistants SET status = $2, version = version + 1, updated_at = $3, deleted_at = $3
		WHERE animal_id = $1 AND kind = 'live' AND status = 'active'`,
		sandbox.AnimalID, models.StatusDeleted, at)
	if err != nil {
		return nil, err
	}

	newLive := *sandbox
	newLive.ID = newLiveID
	newLive.Kind = models.KindLive
	newLive.Status = models.StatusActive
	newLive.Version = 1
	newLive.CreatedAt = at
	newLive.UpdatedAt = at
	newLive.ExpiresAt = nil
	newLive.DeletedAt = nil

	refs, err := encodeJSON(newLive.GuardrailRefs)
	if err != nil {
		return nil, err
	}
	custom, err := encodeJSON(newLive.CustomGuardrails)
	if err != nil {
		return nil, err
	}
	knowledge, err := encodeJSON(newLive.KnowledgeFileRefs)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO assistants (`+assistantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		newLive.ID, newLive.AnimalID, newLive.Kind, newLive.Status,
		newLive.PersonalityRef, refs, custom, knowledge,
		newLive.ComposedPrompt, newLive.Version,
		newLive.CreatedAt, newLive.UpdatedAt, newLive.ExpiresAt, newLive.DeletedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE assistants SET status = $2, version = version + 1, updated_at = $3
		WHERE id = $1`,
		sandboxID, models.StatusPromoted, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &newLive, nil
}

func (s *PostgresStore) PurgeAssistant(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM assistants WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "assistant", Key: id}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
