package opencall

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLoadCheckpoint_MissingFileIsEmpty(t *testing.T) {
	cp, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nested", "checkpoint.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Len() != 0 {
		t.Errorf("len = %d, want 0", cp.Len())
	}
	if cp.Completed("anything") {
		t.Error("empty checkpoint reported a completion")
	}
}

func TestCheckpoint_MarkPersistsImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	cp, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := cp.MarkComplete("key-a", "/photos/a.jpg"); err != nil {
		t.Fatalf("mark a: %v", err)
	}
	if err := cp.MarkComplete("key-b", "/photos/b.jpg"); err != nil {
		t.Fatalf("mark b: %v", err)
	}

	// No Flush: each mark must already be on disk.
	reloaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Len() != 2 {
		t.Errorf("reloaded len = %d, want 2", reloaded.Len())
	}
	if !reloaded.Completed("key-a") || !reloaded.Completed("key-b") {
		t.Error("reloaded checkpoint lost a completion")
	}
	if reloaded.Completed("key-c") {
		t.Error("reloaded checkpoint invented a completion")
	}
}

func TestCheckpoint_MarkIsIdempotent(t *testing.T) {
	cp, err := LoadCheckpoint(filepath.Join(t.TempDir(), "checkpoint.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := cp.MarkComplete("key-a", "/photos/a.jpg"); err != nil {
			t.Fatalf("mark %d: %v", i, err)
		}
	}
	if cp.Len() != 1 {
		t.Errorf("len = %d, want 1 after repeated marks", cp.Len())
	}
}

func TestLoadCheckpoint_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := os.WriteFile(path, []byte("{definitely not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	_, err := LoadCheckpoint(path)
	if !errors.Is(err, ErrCheckpointCorrupt) {
		t.Errorf("error = %v, want ErrCheckpointCorrupt", err)
	}
}

func TestLoadCheckpoint_VersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := os.WriteFile(path, []byte(`{"version": 99, "completed": {}}`), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	_, err := LoadCheckpoint(path)
	if !errors.Is(err, ErrCheckpointVersion) {
		t.Errorf("error = %v, want ErrCheckpointVersion", err)
	}
}

func TestCheckpoint_Reset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	cp, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cp.MarkComplete("key-a", "/photos/a.jpg"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	if err := cp.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if cp.Len() != 0 {
		t.Errorf("len = %d, want 0 after reset", cp.Len())
	}

	reloaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Len() != 0 {
		t.Errorf("reloaded len = %d, want 0 after reset", reloaded.Len())
	}
}

func TestCheckpoint_ConcurrentMarks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	cp, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- cp.MarkComplete(fmt.Sprintf("key-%02d", i), fmt.Sprintf("/photos/%02d.jpg", i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent mark: %v", err)
		}
	}

	if cp.Len() != n {
		t.Errorf("len = %d, want %d", cp.Len(), n)
	}
	reloaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Len() != n {
		t.Errorf("reloaded len = %d, want %d", reloaded.Len(), n)
	}
}
