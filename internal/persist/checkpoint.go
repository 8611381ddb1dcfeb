// internal/persist/checkpoint.go
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is the last cursor known to have been handed to the durable
// store, kept outside the in-memory event log so it survives daemon
// restarts.
type Checkpoint struct {
	Cursor    int64     `json:"cursor"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckpointStore reads and atomically rewrites the checkpoint file.
type CheckpointStore struct {
	path string
}

func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{path: path}
}

// Load reads the checkpoint, defaulting to cursor 0 when the file does not
// exist yet.
func (s *CheckpointStore) Load() (Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, nil
		}
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("parse checkpoint: %w", err)
	}
	return cp, nil
}

// Save rewrites the checkpoint via tmp+rename so a crash never leaves a
// torn file.
func (s *CheckpointStore) Save(cursor int64) error {
	cp := Checkpoint{Cursor: cursor, UpdatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
