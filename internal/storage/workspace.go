// Package storage manages the on-disk workspace: one exclusively owned
// directory per job, plus the disk headroom checks admission depends on.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Workspace is the root directory holding per-job working directories.
type Workspace struct {
	root string
}

// New constructs a workspace rooted at dir.
func New(dir string) (*Workspace, error) {
	root := strings.TrimSpace(dir)
	if root == "" {
		return nil, errors.New("workspace root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspace{root: root}, nil
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string {
	return w.root
}

// JobDir returns the absolute path of a job's working directory. The job
// identifier is flattened to a single safe path segment.
func (w *Workspace) JobDir(jobID string) string {
	return filepath.Join(w.root, sanitizeSegment(jobID))
}

// CreateJobDir makes the job's working directory, returning its path.
func (w *Workspace) CreateJobDir(jobID string) (string, error) {
	dir := w.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job directory: %w", err)
	}
	return dir, nil
}

// RemoveJobDir deletes the job's working directory and all its contents.
func (w *Workspace) RemoveJobDir(jobID string) error {
	dir := w.JobDir(jobID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove job directory %s: %w", dir, err)
	}
	return nil
}

// ListJobDirs returns the names of all per-job directories currently on disk.
func (w *Workspace) ListJobDirs() ([]string, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// FreeBytes reports the available bytes on the filesystem backing the workspace.
func (w *Workspace) FreeBytes() (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(w.root, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", w.root, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// HasHeadroom reports whether available disk space meets the floor.
func (w *Workspace) HasHeadroom(minBytes uint64) (bool, error) {
	free, err := w.FreeBytes()
	if err != nil {
		return false, err
	}
	return free >= minBytes, nil
}

// ValidateWritable verifies the workspace accepts writes at startup.
func (w *Workspace) ValidateWritable() error {
	probe := filepath.Join(w.root, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("workspace not writable: %w", err)
	}
	return os.Remove(probe)
}

func sanitizeSegment(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	cleaned := strings.Trim(b.String(), "-.")
	if cleaned == "" {
		return "job"
	}
	return cleaned
}
