package persist

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckpointDefaultsToZero(t *testing.T) {
	s := NewCheckpointStore(filepath.Join(t.TempDir(), "checkpoint.json"))
	cp, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Cursor != 0 {
		t.Errorf("missing file should default to cursor 0, got %d", cp.Cursor)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	s := NewCheckpointStore(path)

	if err := s.Save(17); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Cursor != 17 {
		t.Errorf("expected cursor 17, got %d", cp.Cursor)
	}
	if cp.UpdatedAt.IsZero() {
		t.Error("expected updatedAt to be stamped")
	}

	// Overwrite advances.
	if err := s.Save(99); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp, _ = s.Load()
	if cp.Cursor != 99 {
		t.Errorf("expected cursor 99, got %d", cp.Cursor)
	}

	// No tmp file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("tmp file should be renamed away")
	}
}

func TestCheckpointCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := os.WriteFile(path, []byte("{torn"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCheckpointStore(path).Load(); err == nil {
		t.Error("expected error for corrupt checkpoint")
	}
}
