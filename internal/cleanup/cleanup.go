package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/italolelis/magnet_relay/internal/logctx"
)

// Purge removes a job's storage path. A path that is already gone is not an error.
func Purge(ctx context.Context, path string) error {
	logger := logctx.LoggerFromContext(ctx)

	if path == "" || path == "/" || path == "." {
		return fmt.Errorf("refusing to purge %q", path)
	}

	if err := os.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.ErrorContext(ctx, "failed to purge storage path", "path", path, "err", err)

		return fmt.Errorf("failed to purge %s: %w", path, err)
	}

	logger.DebugContext(ctx, "storage path purged", "path", path)

	return nil
}

// PurgeOrphans deletes entries directly under dir that no live job owns and
// that have not been modified for longer than grace. It returns how many were removed.
func PurgeOrphans(ctx context.Context, dir string, isLive func(name string) bool, grace time.Duration, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read download dir: %w", err)
	}

	var (
		removed int
		errs    []error
	)

	for _, entry := range entries {
		if isLive(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			errs = append(errs, err)

			continue
		}

		if now.Sub(info.ModTime()) <= grace {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete orphan %s: %w", path, err))

			continue
		}

		logger.InfoContext(ctx, "deleted orphaned download", "path", path, "modified_at", info.ModTime())

		removed++
	}

	return removed, errors.Join(errs...)
}

// Sweeper runs PurgeOrphans once at start and then on every interval.
type Sweeper struct {
	Dir      string
	Interval time.Duration
	Grace    time.Duration
	IsLive   func(name string) bool
}

// Start launches the sweep loop; it stops when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "orphan sweeper panic",
					"operation", "purge_orphans",
					"panic", r,
					"stack", string(debug.Stack()))

				if ctx.Err() == nil {
					time.Sleep(time.Second)
					s.Start(ctx)
				}
			}
		}()

		s.sweep(ctx)

		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.InfoContext(ctx, "orphan sweeper shutdown", "reason", "context_cancelled")

				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := PurgeOrphans(ctx, s.Dir, s.IsLive, s.Grace, time.Now())
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to purge orphaned downloads", "err", err)
	}

	if removed > 0 {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "orphan sweep finished", "removed", removed)
	}
}
