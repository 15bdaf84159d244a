package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
)

const (
	runsDir    = "runs"
	reportFile = "report.json"
)

// FSStore implements Store on the filesystem: <baseDir>/runs/<id>/report.json
// plus trace.jsonl.
//
// Writes go through a temp file and rename, so concurrent readers never see
// a partial file and no locks are required.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a filesystem store rooted at baseDir, creating it if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string { return fs.baseDir }

func (fs *FSStore) runDir(id string) string {
	return filepath.Join(fs.baseDir, runsDir, id)
}

func (fs *FSStore) reportPath(id string) string {
	return filepath.Join(fs.runDir(id), reportFile)
}

func (fs *FSStore) SaveReport(r *Report) error {
	if r == nil {
		return fmt.Errorf("report cannot be nil")
	}
	if err := r.Validate(); err != nil {
		return err
	}

	dir := fs.runDir(r.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}

	finalPath := fs.reportPath(r.ID)
	if err := writeAtomic(finalPath, data); err != nil {
		return err
	}

	slog.Debug("Report saved", "id", r.ID, "path", finalPath)
	return nil
}

func writeAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (fs *FSStore) LoadReport(id string) (*Report, error) {
	if id == "" || !validID(id) {
		return nil, &NotFoundError{ID: id}
	}

	path := fs.reportPath(id)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{ID: id}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read report file: %w", err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to deserialize report: %w", err)
	}

	slog.Debug("Report loaded", "id", id, "path", path)
	return &r, nil
}

func (fs *FSStore) ListReports() ([]ReportInfo, error) {
	root := filepath.Join(fs.baseDir, runsDir)

	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return []ReportInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	infos := []ReportInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id := entry.Name()
		if _, err := os.Stat(fs.reportPath(id)); os.IsNotExist(err) {
			continue
		}

		r, err := fs.LoadReport(id)
		if err != nil {
			slog.Warn("Failed to load report for listing", "id", id, "error", err)
			continue
		}

		info := r.ToInfo()
		if size, err := dirSize(fs.runDir(id)); err == nil {
			info.SizeBytes = size
		}
		infos = append(infos, info)
	}

	sortNewestFirst(infos)
	slog.Debug("Listed reports", "count", len(infos))
	return infos, nil
}

func (fs *FSStore) DeleteReport(id string) error {
	if id == "" || !validID(id) {
		return &NotFoundError{ID: id}
	}

	dir := fs.runDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return &NotFoundError{ID: id}
	} else if err != nil {
		return fmt.Errorf("failed to stat run directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove run directory: %w", err)
	}

	slog.Debug("Report deleted", "id", id, "path", dir)
	return nil
}

func (fs *FSStore) SaveTrace(id string, entries []TraceEntry) error {
	if id == "" || !validID(id) {
		return &ValidationError{Field: "ID", Reason: "invalid"}
	}
	tw, err := NewTraceWriter(fs.baseDir, id, false)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := tw.Write(e); err != nil {
			tw.Close()
			return err
		}
	}
	return tw.Close()
}

func (fs *FSStore) LoadTrace(id string) ([]TraceEntry, error) {
	if id == "" || !validID(id) {
		return nil, &NotFoundError{ID: id}
	}
	tr, err := NewTraceReader(fs.baseDir, id)
	if errors.Is(err, ErrNotFound) {
		if _, statErr := os.Stat(fs.reportPath(id)); statErr == nil {
			return []TraceEntry{}, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	defer tr.Close()
	return tr.ReadAll()
}

func (fs *FSStore) Close() error { return nil }

func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}

func sortNewestFirst(infos []ReportInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
}
