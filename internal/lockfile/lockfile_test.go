package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.lock")
	lk, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lk.Path() != path {
		t.Fatalf("unexpected lock path %q", lk.Path())
	}

	// The pid marker is best-effort but should normally be present.
	if data, err := os.ReadFile(path); err != nil || len(data) == 0 {
		t.Fatalf("expected pid marker in lock file, err=%v data=%q", err, data)
	}

	if err := lk.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Release is idempotent.
	if err := lk.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestAcquireConflict(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.lock")
	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer func() { _ = first.Release() }()

	// A second descriptor on the same file must be refused while the
	// first lock is held.
	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := Acquire(path)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = second.Release()
}

func TestAcquireEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Acquire(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
