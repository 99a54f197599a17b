// Package retention archives expired sandbox records before the sweeper
// purges them, keeping an audit trail beyond the in-store retention window.
package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/zootalk/zootalk/assistant-engine/pkg/contracts"
	"github.com/zootalk/zootalk/assistant-engine/pkg/models"
)

// LocalFileArchiver writes purged records as JSONL files to a local
// directory. This is the default archive driver for the community server.
//
// Directory structure:
//
//	{basePath}/{animalID}/assistants/2026-03-01T15-04-05Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
	clock    contracts.Clock
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.zootalk/archive"; a nil clock falls back to real time.
func NewLocalFileArchiver(basePath string, compress bool, clock contracts.Clock) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/zootalk/archive"
		} else {
			basePath = filepath.Join(home, ".zootalk", "archive")
		}
	}
	if clock == nil {
		clock = contracts.RealClock{}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress, clock: clock}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

// ArchiveAssistants writes the records to a timestamped JSONL file and
// returns its path.
func (a *LocalFileArchiver) ArchiveAssistants(_ context.Context, animalID string, records []models.Assistant) (string, error) {
	dir := filepath.Join(a.basePath, animalID, "assistants")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := a.clock.Now().UTC().Format("2006-01-02T15-04-05Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if a.compress {
		gw := gzip.NewWriter(f)
		defer gw.Close()
		enc = json.NewEncoder(gw)
	}

	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return "", fmt.Errorf("encode assistant %s: %w", r.ID, err)
		}
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(records)).
		Str("animal", animalID).
		Msg("Archived assistants to local file")

	return fpath, nil
}

// HealthCheck verifies the base path is writable.
func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
