package storage_test

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"soundpress/internal/storage"
)

func TestCreateAndRemoveJobDir(t *testing.T) {
	ws, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	dir, err := ws.CreateJobDir("job-1")
	if err != nil {
		t.Fatalf("CreateJobDir: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("job dir missing: %v", err)
	}

	if err := ws.RemoveJobDir("job-1"); err != nil {
		t.Fatalf("RemoveJobDir: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("job dir still present: %v", err)
	}
	// Removing twice is fine.
	if err := ws.RemoveJobDir("job-1"); err != nil {
		t.Fatalf("second RemoveJobDir: %v", err)
	}
}

func TestJobDirNeverEscapesRoot(t *testing.T) {
	root := t.TempDir()
	ws, err := storage.New(root)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	for _, hostile := range []string{
		"../outside",
		"../../etc/passwd",
		"a/b",
		"..",
	} {
		dir := ws.JobDir(hostile)
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			t.Fatalf("Rel(%q): %v", hostile, err)
		}
		if rel == ".." || filepath.IsAbs(rel) || len(rel) >= 2 && rel[:2] == ".." {
			t.Fatalf("JobDir(%q) escaped the workspace: %s", hostile, dir)
		}
	}
}

func TestListJobDirs(t *testing.T) {
	ws, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := ws.CreateJobDir(id); err != nil {
			t.Fatalf("CreateJobDir %s: %v", id, err)
		}
	}

	dirs, err := ws.ListJobDirs()
	if err != nil {
		t.Fatalf("ListJobDirs: %v", err)
	}
	slices.Sort(dirs)
	if !slices.Equal(dirs, []string{"a", "b"}) {
		t.Fatalf("dirs = %v, want [a b]", dirs)
	}
}

func TestHasHeadroom(t *testing.T) {
	ws, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	ok, err := ws.HasHeadroom(0)
	if err != nil {
		t.Fatalf("HasHeadroom(0): %v", err)
	}
	if !ok {
		t.Fatal("zero floor should always pass")
	}

	free, err := ws.FreeBytes()
	if err != nil {
		t.Fatalf("FreeBytes: %v", err)
	}
	ok, err = ws.HasHeadroom(free * 2)
	if err != nil {
		t.Fatalf("HasHeadroom(free*2): %v", err)
	}
	if ok {
		t.Fatal("floor above free space should fail")
	}
}

func TestValidateWritable(t *testing.T) {
	ws, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	if err := ws.ValidateWritable(); err != nil {
		t.Fatalf("ValidateWritable: %v", err)
	}
}
