package testsupport

import (
	"context"
	"testing"

	"soundpress/internal/config"
	"soundpress/internal/registry"
)

// MustOpenStore opens a registry.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *registry.Store {
	t.Helper()

	store, err := registry.Open(cfg)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob creates a job record for tests using the provided store.
func NewJob(t testing.TB, store *registry.Store, jobID, inputPath string) *registry.Job {
	t.Helper()

	job, existed, err := store.Create(context.Background(), &registry.Job{
		ID:         jobID,
		SourceName: "clip.mp4",
		InputPath:  inputPath,
		Destination: registry.Endpoint{
			URL:   "https://storage.example.com/bucket/" + jobID,
			Token: "dest-token",
		},
	})
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	if existed {
		t.Fatalf("job %s already existed", jobID)
	}
	return job
}
