package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DurationProbe returns the duration of a media file in seconds.
type DurationProbe func(ctx context.Context, path string) (float64, error)

// SyncDirectory inserts a row for every .mp3 in dir that the table does not
// know yet, using the file size, the probed duration and the modification
// time. Unreadable files are skipped. It returns the number of rows added.
func (d *DB) SyncDirectory(ctx context.Context, dir string, probe DurationProbe) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read recordings directory: %w", err)
	}

	known, err := d.Filenames(ctx)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".mp3") {
			continue
		}
		if _, ok := known[name]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			slog.Warn("skipping unreadable recording", "file", name, "error", err)
			continue
		}

		size := info.Size()
		rec := NewRecording{
			Filename:  name,
			Size:      &size,
			CreatedAt: info.ModTime(),
		}
		if probe != nil {
			if secs, err := probe(ctx, filepath.Join(dir, name)); err == nil {
				rec.Duration = &secs
			} else {
				slog.Debug("duration probe failed", "file", name, "error", err)
			}
		}

		inserted, err := d.Insert(ctx, rec)
		if err != nil {
			return added, err
		}
		if inserted {
			added++
		}
	}

	if added > 0 {
		slog.Info("synced existing recordings", "dir", dir, "added", added)
	}
	return added, nil
}

// SyncOnce runs SyncDirectory until one run succeeds; later calls return
// nil without touching the directory. The run ignores cancellation of ctx,
// so a request that goes away neither aborts it nor records a failure.
func (d *DB) SyncOnce(ctx context.Context, dir string, probe DurationProbe) error {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()
	if d.synced {
		return nil
	}
	if _, err := d.SyncDirectory(context.WithoutCancel(ctx), dir, probe); err != nil {
		return err
	}
	d.synced = true
	return nil
}
