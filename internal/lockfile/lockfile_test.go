package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesPidFile(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("Lock file not readable: %v", err)
	}
	want := fmt.Sprintf("pid=%d\n", os.Getpid())
	if string(data) != want {
		t.Errorf("Lock file = %q, want %q", data, want)
	}
}

func TestAcquireCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("State directory not created: %v", err)
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("Second AcquireLock should fail while the lock is held")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Error type = %T, want *LockError", err)
	}
	if !strings.Contains(err.Error(), "another zapflow instance") {
		t.Errorf("Error should name the conflicting instance: %v", err)
	}
	if want := fmt.Sprintf("pid %d", os.Getpid()); !strings.Contains(lockErr.Holder, want) {
		t.Errorf("Holder = %q, want it to contain %q", lockErr.Holder, want)
	}
}

func TestReleaseRemovesFileAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("Lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Second Release should be a no-op, got %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Reacquire after release failed: %v", err)
	}
	again.Release()
}

func TestDescribeHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	if got := describeHolder(path); got != "" {
		t.Errorf("Missing file described as %q, want empty", got)
	}

	os.WriteFile(path, []byte("garbage\n"), 0644)
	if got := describeHolder(path); got != "" {
		t.Errorf("Unparseable file described as %q, want empty", got)
	}

	os.WriteFile(path, []byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0644)
	if got, want := describeHolder(path), fmt.Sprintf("pid %d", os.Getpid()); got != want {
		t.Errorf("describeHolder = %q, want %q", got, want)
	}
}
