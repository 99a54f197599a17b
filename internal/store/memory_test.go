package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zootalk/zootalk/assistant-engine/pkg/models"
)

func testAssistant(id, animalID string, kind models.AssistantKind) *models.Assistant {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &models.Assistant{
		ID:             id,
		AnimalID:       animalID,
		Kind:           kind,
		Status:         models.StatusActive,
		PersonalityRef: "pers-1",
		ComposedPrompt: "You are a friendly bear.",
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if kind == models.KindSandbox {
		exp := now.Add(30 * time.Minute)
		a.ExpiresAt = &exp
	}
	return a
}

func TestCreateAndGetAssistant(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	a := testAssistant("a1", "bear-1", models.KindLive)
	if err := s.CreateAssistant(ctx, a); err != nil {
		t.Fatalf("CreateAssistant failed: %v", err)
	}

	got, err := s.GetAssistant(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAssistant failed: %v", err)
	}
	if got.AnimalID != "bear-1" || got.Version != 1 {
		t.Errorf("unexpected record: %+v", got)
	}

	// Mutating the returned record must not leak into the store.
	got.PersonalityRef = "mutated"
	again, _ := s.GetAssistant(ctx, "a1")
	if again.PersonalityRef != "pers-1" {
		t.Error("store state aliased by caller mutation")
	}

	_, err = s.GetAssistant(ctx, "missing")
	var nf *ErrNotFound
	if !errors.As(err, &nf) {
		t.Errorf("expected *ErrNotFound, got %v", err)
	}
}

func TestCreateDuplicateLive(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.CreateAssistant(ctx, testAssistant("a1", "bear-1", models.KindLive)); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	err := s.CreateAssistant(ctx, testAssistant("a2", "bear-1", models.KindLive))
	var dup *ErrDuplicateLive
	if !errors.As(err, &dup) {
		t.Fatalf("expected *ErrDuplicateLive, got %v", err)
	}

	// Sandboxes are unconstrained, and other animals are unaffected.
	if err := s.CreateAssistant(ctx, testAssistant("a3", "bear-1", models.KindSandbox)); err != nil {
		t.Errorf("sandbox create failed: %v", err)
	}
	if err := s.CreateAssistant(ctx, testAssistant("a4", "otter-1", models.KindLive)); err != nil {
		t.Errorf("other-animal live create failed: %v", err)
	}
}

func TestUpdateVersionConflict(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	a := testAssistant("a1", "bear-1", models.KindLive)
	if err := s.CreateAssistant(ctx, a); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	a.PersonalityRef = "pers-2"
	updated, err := s.UpdateAssistant(ctx, a, 1)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}

	// A second writer still holding version 1 must lose.
	stale := testAssistant("a1", "bear-1", models.KindLive)
	stale.PersonalityRef = "pers-3"
	_, err = s.UpdateAssistant(ctx, stale, 1)
	var conflict *ErrVersionConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ErrVersionConflict, got %v", err)
	}
	if conflict.Record == nil || conflict.Record.PersonalityRef != "pers-2" {
		t.Errorf("conflict must carry the current record, got %+v", conflict.Record)
	}
	if conflict.Current != 2 {
		t.Errorf("expected current version 2, got %d", conflict.Current)
	}

	// The losing write persisted nothing.
	got, _ := s.GetAssistant(ctx, "a1")
	if got.PersonalityRef != "pers-2" {
		t.Errorf("lost write leaked: %+v", got)
	}
}

func TestConcurrentUpdatesExactlyOneWins(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.CreateAssistant(ctx, testAssistant("a1", "bear-1", models.KindLive)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	const writers = 16
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := testAssistant("a1", "bear-1", models.KindLive)
			a.PersonalityRef = "pers-racer"
			_, err := s.UpdateAssistant(ctx, a, 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		var conflict *ErrVersionConflict
		if !errors.As(err, &conflict) {
			t.Errorf("loser got unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	got, _ := s.GetAssistant(ctx, "a1")
	if got.Version != 2 {
		t.Errorf("expected version 2 after the race, got %d", got.Version)
	}
}

func TestUpdateImmutableFields(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.CreateAssistant(ctx, testAssistant("a1", "bear-1", models.KindSandbox)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	patch := testAssistant("a1", "wolf-9", models.KindLive)
	updated, err := s.UpdateAssistant(ctx, patch, 1)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.AnimalID != "bear-1" || updated.Kind != models.KindSandbox {
		t.Errorf("animal id and kind must be immutable, got %+v", updated)
	}
}

func TestDeleteAndTerminalRejection(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateAssistant(ctx, testAssistant("a1", "bear-1", models.KindLive)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.DeleteAssistant(ctx, "a1", 1, now); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	got, err := s.GetAssistant(ctx, "a1")
	if err != nil {
		t.Fatalf("get after delete failed: %v", err)
	}
	if got.Status != models.StatusDeleted || got.DeletedAt == nil {
		t.Errorf("expected deleted record, got %+v", got)
	}

	_, err = s.UpdateAssistant(ctx, got, got.Version)
	var expired *ErrExpired
	if !errors.As(err, &expired) {
		t.Errorf("expected *ErrExpired updating a deleted record, got %v", err)
	}
}

func TestDeleteTerminalRecordsRejected(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateAssistant(ctx, testAssistant("sb", "bear-1", models.KindSandbox)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := s.PromoteSandbox(ctx, "sb", 1, "new-live", now); err != nil {
		t.Fatalf("promote failed: %v", err)
	}

	// A promoted sandbox is history; even a caller holding the current
	// version cannot flip it to deleted.
	promoted, err := s.GetAssistant(ctx, "sb")
	if err != nil {
		t.Fatalf("get promoted failed: %v", err)
	}
	var expired *ErrExpired
	if err := s.DeleteAssistant(ctx, "sb", promoted.Version, now); !errors.As(err, &expired) {
		t.Fatalf("expected *ErrExpired deleting a promoted sandbox, got %v", err)
	}
	got, _ := s.GetAssistant(ctx, "sb")
	if got.Status != models.StatusPromoted {
		t.Errorf("promoted record must stay promoted, got %s", got.Status)
	}

	// Deleting twice is likewise rejected.
	if err := s.CreateAssistant(ctx, testAssistant("lv", "otter-1", models.KindLive)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.DeleteAssistant(ctx, "lv", 1, now); err != nil {
		t.Fatalf("first delete failed: %v", err)
	}
	deleted, _ := s.GetAssistant(ctx, "lv")
	if err := s.DeleteAssistant(ctx, "lv", deleted.Version, now); !errors.As(err, &expired) {
		t.Errorf("expected *ErrExpired on double delete, got %v", err)
	}

	// Expired sandboxes can still be discarded explicitly.
	if err := s.CreateAssistant(ctx, testAssistant("sb2", "bear-1", models.KindSandbox)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.TransitionStatus(ctx, "sb2", models.StatusActive, models.StatusExpired, now); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	sb2, _ := s.GetAssistant(ctx, "sb2")
	if err := s.DeleteAssistant(ctx, "sb2", sb2.Version, now); err != nil {
		t.Errorf("explicit discard of an expired sandbox must work, got %v", err)
	}
}

func TestGetLiveForAnimal(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	_, err := s.GetLiveForAnimal(ctx, "bear-1")
	var unavailable *ErrUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected *ErrUnavailable, got %v", err)
	}

	// A sandbox never satisfies the live lookup.
	if err := s.CreateAssistant(ctx, testAssistant("sb", "bear-1", models.KindSandbox)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := s.GetLiveForAnimal(ctx, "bear-1"); !errors.As(err, &unavailable) {
		t.Fatalf("sandbox must not serve as live, got %v", err)
	}

	if err := s.CreateAssistant(ctx, testAssistant("lv", "bear-1", models.KindLive)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	live, err := s.GetLiveForAnimal(ctx, "bear-1")
	if err != nil {
		t.Fatalf("GetLiveForAnimal failed: %v", err)
	}
	if live.ID != "lv" {
		t.Errorf("expected live assistant lv, got %s", live.ID)
	}
}

func TestTransitionStatusCAS(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateAssistant(ctx, testAssistant("sb", "bear-1", models.KindSandbox)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := s.TransitionStatus(ctx, "sb", models.StatusActive, models.StatusExpiring, now); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	got, _ := s.GetAssistant(ctx, "sb")
	if got.Status != models.StatusExpiring || got.Version != 2 {
		t.Errorf("expected expiring v2, got %+v", got)
	}

	// Stale from-status loses the CAS.
	err := s.TransitionStatus(ctx, "sb", models.StatusActive, models.StatusExpired, now)
	var conflict *ErrVersionConflict
	if !errors.As(err, &conflict) {
		t.Errorf("expected *ErrVersionConflict on stale from-status, got %v", err)
	}
}

func TestPromoteSandboxSwap(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateAssistant(ctx, testAssistant("old-live", "bear-1", models.KindLive)); err != nil {
		t.Fatalf("create live failed: %v", err)
	}
	sb := testAssistant("sb", "bear-1", models.KindSandbox)
	sb.PersonalityRef = "pers-new"
	if err := s.CreateAssistant(ctx, sb); err != nil {
		t.Fatalf("create sandbox failed: %v", err)
	}

	newLive, err := s.PromoteSandbox(ctx, "sb", 1, "new-live", now)
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if newLive.ID != "new-live" || newLive.Kind != models.KindLive || newLive.Status != models.StatusActive {
		t.Errorf("unexpected new live record: %+v", newLive)
	}
	if newLive.PersonalityRef != "pers-new" {
		t.Errorf("new live must carry the sandbox content, got %+v", newLive)
	}
	if newLive.Version != 1 || newLive.ExpiresAt != nil {
		t.Errorf("new live must start fresh without an expiry, got %+v", newLive)
	}

	oldLive, _ := s.GetAssistant(ctx, "old-live")
	if oldLive.Status != models.StatusDeleted {
		t.Errorf("previous live must be retired, got %s", oldLive.Status)
	}

	sandbox, _ := s.GetAssistant(ctx, "sb")
	if sandbox.Status != models.StatusPromoted {
		t.Errorf("sandbox must be marked promoted, got %s", sandbox.Status)
	}

	// Exactly one active live remains.
	live, err := s.GetLiveForAnimal(ctx, "bear-1")
	if err != nil {
		t.Fatalf("GetLiveForAnimal failed: %v", err)
	}
	if live.ID != "new-live" {
		t.Errorf("expected new-live to serve, got %s", live.ID)
	}
}

func TestPromoteStaleVersionAndTerminal(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateAssistant(ctx, testAssistant("sb", "bear-1", models.KindSandbox)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err := s.PromoteSandbox(ctx, "sb", 99, "nl", now)
	var conflict *ErrVersionConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ErrVersionConflict, got %v", err)
	}

	if err := s.TransitionStatus(ctx, "sb", models.StatusActive, models.StatusExpired, now); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	_, err = s.PromoteSandbox(ctx, "sb", 2, "nl", now)
	var expired *ErrExpired
	if !errors.As(err, &expired) {
		t.Fatalf("expected *ErrExpired promoting an expired sandbox, got %v", err)
	}
}

func TestPurgeAssistant(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.CreateAssistant(ctx, testAssistant("sb", "bear-1", models.KindSandbox)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.PurgeAssistant(ctx, "sb"); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	_, err := s.GetAssistant(ctx, "sb")
	var nf *ErrNotFound
	if !errors.As(err, &nf) {
		t.Errorf("expected *ErrNotFound after purge, got %v", err)
	}
	if err := s.PurgeAssistant(ctx, "sb"); !errors.As(err, &nf) {
		t.Errorf("expected *ErrNotFound purging twice, got %v", err)
	}
}

func TestSnapshotPersistence(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ZOOTALK_DATA_DIR", dir)
	ctx := context.Background()

	s := NewMemoryStore()
	if err := s.CreateAssistant(ctx, testAssistant("a1", "bear-1", models.KindLive)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened := NewMemoryStore()
	defer reopened.Close()
	got, err := reopened.GetAssistant(ctx, "a1")
	if err != nil {
		t.Fatalf("record did not survive restart: %v", err)
	}
	if got.AnimalID != "bear-1" || got.Version != 1 {
		t.Errorf("unexpected restored record: %+v", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}
