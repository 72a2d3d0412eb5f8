package lock

import (
	"errors"
	"os"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir, "u1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	data, err := os.ReadFile(tmpDir + "/LOCK")
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	owner := parseOwner(string(data))
	if owner.PID != os.Getpid() || owner.User != "u1" || owner.Since.IsZero() {
		t.Errorf("owner = %+v", owner)
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	tmpDir := t.TempDir()

	l1, err := Acquire(tmpDir, "u1")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(tmpDir, "u1")
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}

	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if lockErr.Owner.PID != os.Getpid() {
		t.Errorf("owner PID = %d, want %d", lockErr.Owner.PID, os.Getpid())
	}
}

func TestInspect(t *testing.T) {
	tmpDir := t.TempDir()

	if _, held, err := Inspect(tmpDir); err != nil || held {
		t.Fatalf("Inspect() on empty dir = held %v, err %v", held, err)
	}

	l, err := Acquire(tmpDir, "u9")
	if err != nil {
		t.Fatal(err)
	}
	owner, held, err := Inspect(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if !held || owner.User != "u9" {
		t.Errorf("Inspect() = %+v held %v, want u9 held", owner, held)
	}

	_ = l.Release()
	if _, held, _ := Inspect(tmpDir); held {
		t.Error("Inspect() after release should report not held")
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l, err := Acquire(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
