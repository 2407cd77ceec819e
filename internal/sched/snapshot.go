package sched

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const (
	snapshotInterval = 24 * time.Hour

	// snapshotStartDelay gives the rest of the process time to come up
	// before the first export.
	snapshotStartDelay = 60 * time.Second
)

// SnapshotNameRe matches snapshot filenames; the restore endpoint uses
// it to reject path tricks.
var SnapshotNameRe = regexp.MustCompile(`^argus-backup-\d{4}-\d{2}-\d{2}\.json$`)

// SnapshotDir returns the backup directory under dataDir.
func SnapshotDir(dataDir string) string {
	return filepath.Join(dataDir, "backups")
}

func (s *Scheduler) snapshotLoop(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(snapshotStartDelay)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-timer.C:
				s.writeSnapshot()
				s.pruneSnapshots()
				timer.Reset(snapshotInterval)
			}
		}
	}()
}

// snapshotPath is today's snapshot file.
func (s *Scheduler) snapshotPath() string {
	name := "argus-backup-" + s.now().Format("2006-01-02") + ".json"
	return filepath.Join(SnapshotDir(s.dataDir), name)
}

// writeSnapshot exports everything to today's snapshot file,
// overwriting an earlier snapshot from the same day.
func (s *Scheduler) writeSnapshot() {
	backup, err := s.store.ExportAll()
	if err != nil {
		s.logger.Error("snapshot export failed", "error", err)
		return
	}

	path := s.snapshotPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Error("snapshot dir create failed", "error", err)
		return
	}

	data, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		s.logger.Error("snapshot marshal failed", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Error("snapshot write failed", "path", path, "error", err)
		return
	}
	s.logger.Info("snapshot written", "path", path, "events", backup.Counts["events"])
}

// SnapshotOnShutdown writes today's snapshot if none exists yet, so a
// stop-start cycle never loses a day.
func (s *Scheduler) SnapshotOnShutdown() {
	if _, err := os.Stat(s.snapshotPath()); err == nil {
		return
	}
	s.writeSnapshot()
}

// pruneSnapshots removes snapshots older than the retention window. Age
// comes from the date in the filename, not file mtime, so restored
// backup directories prune correctly.
func (s *Scheduler) pruneSnapshots() {
	dir := SnapshotDir(s.dataDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	for _, e := range entries {
		if e.IsDir() || !SnapshotNameRe.MatchString(e.Name()) {
			continue
		}
		dateStr := e.Name()[len("argus-backup-") : len(e.Name())-len(".json")]
		day, err := time.ParseInLocation("2006-01-02", dateStr, s.now().Location())
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			s.logger.Warn("snapshot prune failed", "file", e.Name(), "error", err)
			continue
		}
		s.logger.Info("snapshot pruned", "file", e.Name())
	}
}
