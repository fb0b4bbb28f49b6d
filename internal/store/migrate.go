package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kurameshinatsuki/supremus/internal/events"
)

// ErrMigrateUnavailable is returned by [Store.Migrate] when the active
// backend is not relational.
var ErrMigrateUnavailable = errors.New("migration requires the relational backend")

// MigrationReport counts the outcome of a migration run.
type MigrationReport struct {
	Users  int
	Groups int
	Failed int
}

// Migrate copies every record in the fallback snapshot file into the
// relational backend. Each key is written under its own lock with an
// upsert, so running it twice leaves the same state. A key that fails
// is logged and counted; the rest continue. The source file is left in
// place. A missing source file is an empty migration.
func (s *Store) Migrate(ctx context.Context) (MigrationReport, error) {
	var report MigrationReport
	if s.selection.Backend != BackendRelational {
		return report, ErrMigrateUnavailable
	}
	if s.cfg.FallbackPath == "" {
		return report, nil
	}
	if _, err := os.Stat(s.cfg.FallbackPath); errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no fallback snapshot to migrate", "path", s.cfg.FallbackPath)
		return report, nil
	}

	snap, err := ReadSnapshot(s.cfg.FallbackPath, s.logger)
	if err != nil {
		return report, fmt.Errorf("read snapshot: %w", err)
	}

	start := time.Now()
	var users, groups, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MigrateWorkers)

	for id, rec := range snap.Users {
		g.Go(func() error {
			if err := s.SaveUser(gctx, rec); err != nil {
				s.logger.Error("user migration failed", "user", id, "error", err)
				failed.Add(1)
				return nil
			}
			users.Add(1)
			return nil
		})
	}
	for id, rec := range snap.Groups {
		g.Go(func() error {
			if err := s.SaveGroup(gctx, rec); err != nil {
				s.logger.Error("group migration failed", "group", id, "error", err)
				failed.Add(1)
				return nil
			}
			groups.Add(1)
			return nil
		})
	}
	// Workers never return an error; Wait only joins them.
	_ = g.Wait()

	report = MigrationReport{
		Users:  int(users.Load()),
		Groups: int(groups.Load()),
		Failed: int(failed.Load()),
	}
	s.logger.Info("migration complete",
		"users", report.Users,
		"groups", report.Groups,
		"failed", report.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	s.publish(events.KindMigrationComplete, map[string]any{
		"users":  report.Users,
		"groups": report.Groups,
		"failed": report.Failed,
	})
	return report, nil
}
