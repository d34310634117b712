package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/corveehq/corvee/internal/taskstore"
)

// CSVSink appends submission rows to a per-project data.csv under the
// work directory. Writes are serialized with a mutex and flushed before
// Append returns, so a successful Append is on disk.
type CSVSink struct {
	mu      sync.Mutex
	workDir string
}

// NewCSVSink creates a CSV sink rooted at workDir.
func NewCSVSink(workDir string) *CSVSink {
	return &CSVSink{workDir: workDir}
}

func (s *CSVSink) path(project string) string {
	return filepath.Join(s.workDir, "work_"+project, "data.csv")
}

// Append writes one line per submission row, creating the file with a
// header when it does not exist yet.
func (s *CSVSink) Append(ctx context.Context, sub *taskstore.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(sub.Key.Project)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("csv sink: %w", err)
	}

	writeHeader := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		writeHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csv sink: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(columns); err != nil {
			return fmt.Errorf("csv sink: %w", err)
		}
	}
	for _, r := range sub.Rows {
		if err := w.Write(rowValues(sub, r)); err != nil {
			return fmt.Errorf("csv sink: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("csv sink: %w", err)
	}
	return f.Sync()
}

// Close is a no-op; files are opened per Append.
func (s *CSVSink) Close() error { return nil }
