package session

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatalf("touch %s: %v", n, err)
		}
	}
}

func TestNextSessionNumberEmptyDir(t *testing.T) {
	dir := t.TempDir()
	n, err := NextSessionNumber(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
}

func TestNextSessionNumberFollowsMax(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, FileName(1, "opl"), FileName(2, "opl"), FileName(3, "csv"))
	n, err := NextSessionNumber(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
}

func TestNextSessionNumberWrapsAtMax(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, FileName(99999, "opl"))
	n, err := NextSessionNumber(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want wrap to 1", n)
	}
}

func TestNextSessionNumberIdempotentWithoutNewFile(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, FileName(5, "opl"))
	n1, _ := NextSessionNumber(dir)
	n2, _ := NextSessionNumber(dir)
	if n1 != n2 {
		t.Fatalf("calling twice without a new file gave different results: %d vs %d", n1, n2)
	}
}

func TestFileCursorWritesAndOverwrites(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.WriteBlock([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if c.Offset() != 5 {
		t.Fatalf("offset = %d, want 5", c.Offset())
	}
	c.Close()

	// reopening the same session number must truncate the file.
	c2, err := Open(dir, 1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	if c2.Offset() != 0 {
		t.Fatalf("offset after reopen = %d, want 0", c2.Offset())
	}
	data, err := os.ReadFile(filepath.Join(dir, FileName(1, "opl")))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("file not truncated on reopen, len=%d", len(data))
	}
}

func TestNewSessionIDUnique(t *testing.T) {
	a, err := NewSessionID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	b, err := NewSessionID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if a == b {
		t.Fatalf("two session ids collided")
	}
}
