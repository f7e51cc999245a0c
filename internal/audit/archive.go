package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileArchive appends archived events to a JSONL file, one event per line.
// It implements ArchiveSink.
type FileArchive struct {
	path string
}

// NewFileArchive creates a FileArchive writing to path. Parent directories
// are created on first use.
func NewFileArchive(path string) *FileArchive {
	return &FileArchive{path: path}
}

// Archive implements ArchiveSink. The file is synced before Archive
// returns, so events are durable before the trail drops them.
func (a *FileArchive) Archive(_ context.Context, events []*SignedEvent) error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close() //nolint:errcheck

	enc := json.NewEncoder(f)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("write archived event: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	return f.Close()
}
