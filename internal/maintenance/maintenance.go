// Package maintenance runs periodic database housekeeping: statistics
// refresh, snapshot backups, and orphaned-association sweeps. Everything
// goes through the database coordinator so the worker's single connection
// stays the only one.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/voxnote/voxnote/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const backupPrefix = "voxnote-backup-"

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	DB          *persistence.Manager
	Logger      *slog.Logger
	Schedule    string        // cron expression; defaults to 03:00 daily
	BackupDir   string        // where VACUUM INTO snapshots land
	KeepBackups int           // snapshots to retain; defaults to 7
	Interval    time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler fires a maintenance run whenever the cron schedule comes due.
type Scheduler struct {
	db          *persistence.Manager
	logger      *slog.Logger
	schedule    cronlib.Schedule
	backupDir   string
	keepBackups int
	interval    time.Duration

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the cron expression and builds the scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance schedule %q: %w", expr, err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	keep := cfg.KeepBackups
	if keep <= 0 {
		keep = 7
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		db:          cfg.DB,
		logger:      logger.With("component", "maintenance"),
		schedule:    sched,
		backupDir:   cfg.BackupDir,
		keepBackups: keep,
		interval:    interval,
		nextRun:     sched.Next(time.Now()),
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "next_run", s.NextRun())
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

// NextRun returns when the next maintenance run is due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			due := !now.Before(s.nextRun)
			if due {
				s.nextRun = s.schedule.Next(now)
			}
			s.mu.Unlock()

			if due {
				if err := s.RunNow(ctx); err != nil {
					s.logger.Error("maintenance run failed", "error", err)
				}
			}
		}
	}
}

// RunNow performs a full maintenance pass immediately: orphan sweep,
// statistics refresh, snapshot backup, and backup pruning.
func (s *Scheduler) RunNow(ctx context.Context) error {
	start := time.Now()

	swept, err := s.SweepOrphans(ctx)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecuteQuery(ctx, "ANALYZE", nil, false); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	backup, err := s.Backup(ctx)
	if err != nil {
		return err
	}
	pruned, err := s.pruneBackups()
	if err != nil {
		return err
	}

	s.logger.Info("maintenance run complete",
		"orphans_swept", swept,
		"backup", backup,
		"backups_pruned", pruned,
		"duration", time.Since(start),
	)
	return nil
}

// SweepOrphans deletes recording-folder associations whose endpoints no
// longer exist. With foreign keys enforced these should not occur; the sweep
// repairs databases written before enforcement was on.
func (s *Scheduler) SweepOrphans(ctx context.Context) (int, error) {
	result, err := s.db.ExecuteQuery(ctx, `
		SELECT COUNT(*) FROM recording_folders
		WHERE recording_id NOT IN (SELECT id FROM recordings)
		   OR folder_id NOT IN (SELECT id FROM folders)`, nil, false)
	if err != nil {
		return 0, fmt.Errorf("count orphans: %w", err)
	}
	count := 0
	if rows, _ := result.([][]any); len(rows) > 0 {
		if n, ok := rows[0][0].(int64); ok {
			count = int(n)
		}
	}
	if count == 0 {
		return 0, nil
	}

	if _, err := s.db.ExecuteQuery(ctx, `
		DELETE FROM recording_folders
		WHERE recording_id NOT IN (SELECT id FROM recordings)
		   OR folder_id NOT IN (SELECT id FROM folders)`, nil, false); err != nil {
		return 0, fmt.Errorf("sweep orphans: %w", err)
	}

	s.logger.Warn("swept orphaned folder associations", "count", count)
	return count, nil
}

// Backup writes a consistent snapshot of the database into the backup
// directory and returns its path. Returns "" when no backup directory is
// configured.
func (s *Scheduler) Backup(ctx context.Context) (string, error) {
	if s.backupDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(s.backupDir, 0o700); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	name := backupPrefix + time.Now().Format("20060102-150405") + ".db"
	path := filepath.Join(s.backupDir, name)

	// VACUUM INTO takes its own consistent snapshot; single quotes in the
	// path must be doubled since the statement cannot bind the filename.
	stmt := fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(path, "'", "''"))
	if _, err := s.db.ExecuteQuery(ctx, stmt, nil, false); err != nil {
		return "", fmt.Errorf("backup database: %w", err)
	}

	s.logger.Info("database backup written", "path", path)
	return path, nil
}

// pruneBackups removes the oldest snapshots beyond the retention count.
func (s *Scheduler) pruneBackups() (int, error) {
	if s.backupDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read backup directory: %w", err)
	}

	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) <= s.keepBackups {
		return 0, nil
	}

	// Timestamped names sort chronologically.
	sort.Strings(backups)
	toRemove := backups[:len(backups)-s.keepBackups]
	for _, name := range toRemove {
		if err := os.Remove(filepath.Join(s.backupDir, name)); err != nil {
			return 0, fmt.Errorf("prune backup %s: %w", name, err)
		}
	}
	return len(toRemove), nil
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
