package retention

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zootalk/zootalk/assistant-engine/pkg/models"
)

// fixedClock pins the archiver to a known instant so filenames are
// predictable.
type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestLocalFileArchiverWritesJSONL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewLocalFileArchiver(t.TempDir(), false, fixedClock{t: now})
	ctx := context.Background()
	records := []models.Assistant{
		{ID: "sb-1", AnimalID: "bear-1", Kind: models.KindSandbox, Status: models.StatusExpired, Version: 3, CreatedAt: now, UpdatedAt: now},
		{ID: "sb-2", AnimalID: "bear-1", Kind: models.KindSandbox, Status: models.StatusExpired, Version: 5, CreatedAt: now, UpdatedAt: now},
	}

	path, err := a.ArchiveAssistants(ctx, "bear-1", records)
	if err != nil {
		t.Fatalf("ArchiveAssistants failed: %v", err)
	}
	if got := filepath.Base(path); got != "2026-03-01T12-00-00Z.jsonl" {
		t.Errorf("filename must come from the injected clock, got %s", got)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()

	var got []models.Assistant
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec models.Assistant
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("parse archive line: %v", err)
		}
		got = append(got, rec)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 archived records, got %d", len(got))
	}
	if got[0].ID != "sb-1" || got[1].ID != "sb-2" {
		t.Errorf("unexpected archive contents: %+v", got)
	}
}

func TestLocalFileArchiverHealthCheck(t *testing.T) {
	a := NewLocalFileArchiver(t.TempDir(), false, nil)
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
}
