// Package maintenance runs the daemon's periodic housekeeping on a cron
// schedule: pruning aged turn archives so a long-lived sandbox does not
// fill its disk with NDJSON copies that were already uploaded.
package maintenance

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler owns the cron ticker for one daemon.
type Scheduler struct {
	archiveDir string
	retention  time.Duration
	schedule   string
	cron       *cron.Cron
}

// New creates a Scheduler that prunes archiveDir entries older than
// retentionDays on the given cron schedule (descriptors like "@hourly"
// are accepted).
func New(archiveDir string, retentionDays int, schedule string) *Scheduler {
	return &Scheduler{
		archiveDir: archiveDir,
		retention:  time.Duration(retentionDays) * 24 * time.Hour,
		schedule:   schedule,
		cron:       cron.New(),
	}
}

// Start registers the prune job and starts the ticker.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if n, err := s.Prune(time.Now()); err != nil {
			slog.Error("archive prune failed", "error", err)
		} else if n > 0 {
			slog.Info("pruned turn archives", "removed", n)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron ticker.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Prune removes archived turn files whose modification time is older than
// the retention window, returning how many were removed.
func (s *Scheduler) Prune(now time.Time) (int, error) {
	entries, err := os.ReadDir(s.archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := now.Add(-s.retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ndjsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.archiveDir, entry.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("remove archive file", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
