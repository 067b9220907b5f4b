package sched

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// SweepScratch deletes regular files in dir whose modification time is
// older than olderThan and returns the number removed. Media downloads
// land in the scratch directory and are worthless once processed.
func SweepScratch(ctx context.Context, dir string, olderThan time.Duration, logger log.Logger) (int, error) {
	if logger == nil {
		logger = log.Nop()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read scratch dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var removed int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn(ctx, "scratch file removal failed", "path", path, "error", err.Error())
			continue
		}
		removed++
	}
	return removed, nil
}
