package artifacts

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/neurolens/neurolens/internal/redact"
)

// ParseSchedule parses a standard 5-field cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Sweep removes regular files older than maxAge relative to now. The lock
// file is kept.
func (d *Dir) Sweep(maxAge time.Duration, now time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(d.root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() || e.Name() == lockName {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return nil
		}
		if !info.Mode().IsRegular() || now.Sub(info.ModTime()) <= maxAge {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}

// StartSweeper runs Sweep on schedule until ctx is cancelled.
func (d *Dir) StartSweeper(ctx context.Context, schedule string, maxAge time.Duration) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	redact.Logf("artifacts: retention sweep scheduled (cron: %s, max age %s)", schedule, maxAge)
	go func() {
		for {
			now := time.Now()
			timer := time.NewTimer(sched.Next(now).Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			n, err := d.Sweep(maxAge, time.Now())
			if err != nil {
				redact.Logf("artifacts: retention sweep failed: %v", err)
				continue
			}
			if n > 0 {
				redact.Logf("artifacts: retention sweep removed %d files", n)
			}
		}
	}()
	return nil
}
