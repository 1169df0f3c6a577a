package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "auris.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func ptr[T any](v T) *T { return &v }

func TestInsertIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := NewRecording{Filename: "a.mp3", Device: ptr("plughw:1,0"), CreatedAt: time.UnixMilli(1000)}
	inserted, err := db.Insert(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("first Insert = %v, %v", inserted, err)
	}
	inserted, err = db.Insert(ctx, rec)
	if err != nil || inserted {
		t.Fatalf("second Insert = %v, %v; want false, nil", inserted, err)
	}

	got, err := db.Get(ctx, "a.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active() {
		t.Error("row without size should be active")
	}
	if got.Device == nil || *got.Device != "plughw:1,0" {
		t.Errorf("Device = %v", got.Device)
	}
	if got.CreatedAt.UnixMilli() != 1000 {
		t.Errorf("CreatedAt = %v", got.CreatedAt)
	}
}

func TestListNewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i, name := range []string{"old.mp3", "mid.mp3", "new.mp3"} {
		if _, err := db.Insert(ctx, NewRecording{Filename: name, CreatedAt: time.UnixMilli(int64(i+1) * 1000)}); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := db.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].Filename != "new.mp3" || recs[2].Filename != "old.mp3" {
		t.Errorf("List order = %v", recs)
	}
}

func TestActiveAndUpdateMetadata(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Active(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Active on empty db = %v, want ErrNotFound", err)
	}

	if _, err := db.Insert(ctx, NewRecording{Filename: "rec.mp3", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	active, err := db.Active(ctx)
	if err != nil || active.Filename != "rec.mp3" {
		t.Fatalf("Active = %v, %v", active, err)
	}

	if err := db.UpdateMetadata(ctx, "rec.mp3", 4096, ptr(12.5)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Active(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("Active after finalize = %v, want ErrNotFound", err)
	}

	got, _ := db.Get(ctx, "rec.mp3")
	if got.Size == nil || *got.Size != 4096 || got.Duration == nil || *got.Duration != 12.5 {
		t.Errorf("metadata = size %v duration %v", got.Size, got.Duration)
	}

	if err := db.UpdateMetadata(ctx, "missing.mp3", 1, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateMetadata unknown = %v, want ErrNotFound", err)
	}
}

func TestWaveformCache(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Waveform(ctx, "x.mp3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Waveform unknown = %v, want ErrNotFound", err)
	}

	if _, err := db.Insert(ctx, NewRecording{Filename: "x.mp3", Size: ptr(int64(10)), CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Waveform(ctx, "x.mp3"); !errors.Is(err, ErrNoWaveform) {
		t.Errorf("Waveform before save = %v, want ErrNoWaveform", err)
	}

	w := Waveform{JSON: []byte("[0,0.5,1]"), Hash: "abcd1234", PeakDB: -1, RMSDB: -20}
	if err := db.SaveWaveform(ctx, "x.mp3", w); err != nil {
		t.Fatal(err)
	}
	// Identical overwrite from a racing generator.
	if err := db.SaveWaveform(ctx, "x.mp3", w); err != nil {
		t.Fatal(err)
	}

	got, err := db.Waveform(ctx, "x.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.JSON) != "[0,0.5,1]" || got.Hash != "abcd1234" || got.RMSDB != -20 {
		t.Errorf("Waveform = %+v", got)
	}

	rec, _ := db.Get(ctx, "x.mp3")
	if rec.WaveformHash == nil || *rec.WaveformHash != "abcd1234" {
		t.Errorf("WaveformHash = %v", rec.WaveformHash)
	}
	if api := rec.API(0); api.Size != 10 || api.WaveformHash == nil {
		t.Errorf("API = %+v", api)
	}
}

func TestArchiveTracking(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _ = db.Insert(ctx, NewRecording{Filename: "done.mp3", Size: ptr(int64(1)), CreatedAt: time.UnixMilli(1)})
	_, _ = db.Insert(ctx, NewRecording{Filename: "live.mp3", CreatedAt: time.UnixMilli(2)})

	pending, err := db.PendingArchive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Filename != "done.mp3" {
		t.Fatalf("PendingArchive = %v", pending)
	}

	if err := db.MarkArchived(ctx, "done.mp3", time.UnixMilli(5000)); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingArchive(ctx)
	if len(pending) != 0 {
		t.Errorf("PendingArchive after mark = %v", pending)
	}
	rec, _ := db.Get(ctx, "done.mp3")
	if !rec.API(0).Archived {
		t.Error("recording should be archived")
	}
}

func TestDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _ = db.Insert(ctx, NewRecording{Filename: "gone.mp3", CreatedAt: time.Now()})
	if err := db.Delete(ctx, "gone.mp3"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Get(ctx, "gone.mp3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
	if err := db.Delete(ctx, "gone.mp3"); err != nil {
		t.Errorf("second Delete = %v", err)
	}
}

func TestSyncDirectory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	dir := t.TempDir()

	for _, name := range []string{"2025-01-01_10-00-00.mp3", "known.mp3", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("data"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.mp3"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, _ = db.Insert(ctx, NewRecording{Filename: "known.mp3", CreatedAt: time.Now()})

	probed := 0
	probe := func(_ context.Context, path string) (float64, error) {
		probed++
		if filepath.Base(path) != "2025-01-01_10-00-00.mp3" {
			t.Errorf("probed unexpected file %s", path)
		}
		return 3.5, nil
	}

	added, err := db.SyncDirectory(ctx, dir, probe)
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 || probed != 1 {
		t.Fatalf("added = %d, probed = %d; want 1, 1", added, probed)
	}

	rec, err := db.Get(ctx, "2025-01-01_10-00-00.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Size == nil || *rec.Size != 4 || rec.Duration == nil || *rec.Duration != 3.5 {
		t.Errorf("synced row = size %v duration %v", rec.Size, rec.Duration)
	}

	// Already-synced files are not re-probed.
	added, _ = db.SyncDirectory(ctx, dir, probe)
	if added != 0 || probed != 1 {
		t.Errorf("second sync added %d, probed %d", added, probed)
	}
}

func TestSyncDirectoryMissingDir(t *testing.T) {
	db := openTestDB(t)
	added, err := db.SyncDirectory(context.Background(), filepath.Join(t.TempDir(), "nope"), nil)
	if err != nil || added != 0 {
		t.Errorf("SyncDirectory missing dir = %d, %v", added, err)
	}
}

func TestSyncOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	dir := t.TempDir()

	if err := db.SyncOnce(ctx, dir, nil); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "late.mp3"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := db.SyncOnce(ctx, dir, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Get(ctx, "late.mp3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SyncOnce ran twice: %v", err)
	}
}

func TestSyncOnceRetriesAfterFailure(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "recordings")

	// A regular file where the directory should be makes ReadDir fail.
	if err := os.WriteFile(dir, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := db.SyncOnce(ctx, dir, nil); err == nil {
		t.Fatal("SyncOnce succeeded on a file")
	}

	if err := os.Remove(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.mp3"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := db.SyncOnce(ctx, dir, nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := db.Get(ctx, "a.mp3"); err != nil {
		t.Errorf("retry did not sync: %v", err)
	}
}

func TestSyncOnceIgnoresCancelledCaller(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.mp3"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := db.SyncOnce(ctx, dir, nil); err != nil {
		t.Fatalf("SyncOnce with cancelled ctx = %v", err)
	}
	if _, err := db.Get(context.Background(), "a.mp3"); err != nil {
		t.Errorf("recording not synced: %v", err)
	}
}
