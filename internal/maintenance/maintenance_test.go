package maintenance

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPruneRemovesOnlyAgedArchives(t *testing.T) {
	dir := t.TempDir()

	old := filepath.Join(dir, "turn-0.ndjsonl")
	fresh := filepath.Join(dir, "turn-1.ndjsonl")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, other} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, stale, stale); err != nil {
		t.Fatal(err)
	}

	s := New(dir, 1, "@hourly")
	removed, err := s.Prune(time.Now())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removal, got %d", removed)
	}

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("aged archive should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh archive should survive")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("non-archive files should never be touched")
	}
}

func TestPruneMissingDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope"), 1, "@hourly")
	if n, err := s.Prune(time.Now()); err != nil || n != 0 {
		t.Errorf("missing dir should be a no-op, got n=%d err=%v", n, err)
	}
}
