package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/auris/internal/devicecfg"
	"github.com/oszuidwest/auris/internal/storage"
	"github.com/oszuidwest/auris/internal/types"
)

type fakeUnits struct {
	mu     sync.Mutex
	active bool
	calls  []string
	// onStart runs when the unit is started or restarted.
	onStart func()
}

func (f *fakeUnits) IsActive(context.Context, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeUnits) Start(_ context.Context, unit string) error {
	f.record("start " + unit)
	f.setActive(true)
	if f.onStart != nil {
		f.onStart()
	}
	return nil
}

func (f *fakeUnits) Stop(_ context.Context, unit string) error {
	f.record("stop " + unit)
	f.setActive(false)
	return nil
}

func (f *fakeUnits) Restart(_ context.Context, unit string) error {
	f.record("restart " + unit)
	f.setActive(true)
	if f.onStart != nil {
		f.onStart()
	}
	return nil
}

func (f *fakeUnits) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeUnits) setActive(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = v
}

func (f *fakeUnits) Calls() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, ",")
}

type fixture struct {
	ctl       *Controller
	units     *fakeUnits
	devices   *devicecfg.File
	db        *storage.DB
	dir       string
	statuses  []types.CaptureStatus
	finalized chan string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "recordings")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	db, err := storage.Open(filepath.Join(root, "auris.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		units:     &fakeUnits{},
		devices:   devicecfg.New(filepath.Join(root, "auris.env"), false),
		db:        db,
		dir:       dir,
		finalized: make(chan string, 1),
	}
	f.ctl = New(Config{
		Unit:         "auris-capture",
		Dir:          dir,
		Units:        f.units,
		DeviceConfig: f.devices,
		Recordings:   db,
		Probe: func(context.Context, string) (float64, error) {
			return 42.5, nil
		},
		SettleDelay: -1,
		Now:         func() time.Time { return time.UnixMilli(5000) },
		OnChange:    func(s types.CaptureStatus) { f.statuses = append(f.statuses, s) },
		OnFinalized: func(_ context.Context, name string) { f.finalized <- name },
	})
	return f
}

func writeFile(t *testing.T, path string, size int, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestStatusRequiresActiveUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	on := true
	if err := f.devices.SetMode(ctx, &on, &on); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(f.dir, "rec.mp3"), 10, time.Now())

	if s := f.ctl.Status(ctx); s.Streaming || s.Recording || s.RecordingFile != nil {
		t.Errorf("inactive unit status = %+v", s)
	}

	f.units.setActive(true)
	s := f.ctl.Status(ctx)
	if !s.Streaming || !s.Recording {
		t.Errorf("active unit status = %+v", s)
	}
	if s.RecordingFile == nil || *s.RecordingFile != "rec.mp3" {
		t.Errorf("RecordingFile = %v", s.RecordingFile)
	}
}

func TestStreamStartStop(t *testing.T) {
	tests := []struct {
		name      string
		active    bool
		record    bool
		wantStart string
		wantStop  string
	}{
		{"idle", false, false, "start auris-capture", "stop auris-capture"},
		{"recording", true, true, "restart auris-capture", "restart auris-capture"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.units.active = tt.active
			if err := f.devices.SetMode(ctx, nil, &tt.record); err != nil {
				t.Fatal(err)
			}

			if err := f.ctl.StartStream(ctx); err != nil {
				t.Fatal(err)
			}
			if got := f.units.Calls(); got != tt.wantStart {
				t.Errorf("start calls = %q, want %q", got, tt.wantStart)
			}
			if !f.devices.Mode().Stream {
				t.Error("stream flag not set")
			}

			f.units.calls = nil
			if err := f.ctl.StopStream(ctx); err != nil {
				t.Fatal(err)
			}
			if got := f.units.Calls(); got != tt.wantStop {
				t.Errorf("stop calls = %q, want %q", got, tt.wantStop)
			}
			if f.devices.Mode().Stream {
				t.Error("stream flag still set")
			}
			if len(f.statuses) != 2 {
				t.Errorf("broadcast %d statuses, want 2", len(f.statuses))
			}
		})
	}
}

func TestStopStreamWhenInactive(t *testing.T) {
	f := newFixture(t)
	if err := f.ctl.StopStream(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.units.Calls(); got != "" {
		t.Errorf("inactive unit received %q", got)
	}
}

func TestRecordingLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.devices.SetSelectedDevice(ctx, "plughw:1,0"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(f.dir, "old.mp3"), 5, time.Now().Add(-time.Hour))
	f.units.onStart = func() {
		writeFile(t, filepath.Join(f.dir, "new.mp3"), 0, time.Now())
	}

	if err := f.ctl.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	rec, err := f.db.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Filename != "new.mp3" || rec.Device == nil || *rec.Device != "plughw:1,0" {
		t.Errorf("active recording = %+v", rec)
	}
	if rec.CreatedAt.UnixMilli() != 5000 {
		t.Errorf("CreatedAt = %v", rec.CreatedAt)
	}
	if s := f.statuses[len(f.statuses)-1]; !s.Recording || s.RecordingFile == nil || *s.RecordingFile != "new.mp3" {
		t.Errorf("status after start = %+v", s)
	}

	writeFile(t, filepath.Join(f.dir, "new.mp3"), 1234, time.Now())
	f.units.calls = nil
	if err := f.ctl.StopRecording(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.units.Calls(); got != "stop auris-capture" {
		t.Errorf("stop calls = %q", got)
	}

	select {
	case name := <-f.finalized:
		if name != "new.mp3" {
			t.Errorf("finalized %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("finalizer not called")
	}
	f.ctl.Wait()

	got, err := f.db.Get(ctx, "new.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if got.Active() || *got.Size != 1234 || got.Duration == nil || *got.Duration != 42.5 {
		t.Errorf("finalized row = %+v", got)
	}
	if _, err := f.db.Active(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Active after stop = %v", err)
	}
}

func TestStopRecordingKeepsStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	on := true
	if err := f.devices.SetMode(ctx, &on, &on); err != nil {
		t.Fatal(err)
	}
	f.units.active = true

	if err := f.ctl.StopRecording(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.units.Calls(); got != "restart auris-capture" {
		t.Errorf("calls = %q", got)
	}
	if m := f.devices.Mode(); !m.Stream || m.Record {
		t.Errorf("mode = %+v", m)
	}
}

func TestSetDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.ctl.SetDevice(ctx, "hw:1,0"); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("SetDevice invalid = %v", err)
	}
	if err := f.ctl.SetDevice(ctx, "plughw:2,0"); err != nil {
		t.Fatal(err)
	}
	if f.units.Calls() != "" {
		t.Errorf("inactive unit restarted: %q", f.units.Calls())
	}

	f.units.active = true
	if err := f.ctl.SetDevice(ctx, "plughw:3,0"); err != nil {
		t.Fatal(err)
	}
	if f.units.Calls() != "restart auris-capture" {
		t.Errorf("calls = %q", f.units.Calls())
	}
	if got := f.devices.SelectedDevice(); got != "plughw:3,0" {
		t.Errorf("SelectedDevice = %q", got)
	}
}

func TestNewestRecording(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeFile(t, filepath.Join(dir, "a.mp3"), 1, now.Add(-2*time.Minute))
	writeFile(t, filepath.Join(dir, "b.mp3"), 1, now.Add(-time.Minute))
	writeFile(t, filepath.Join(dir, "c.wav"), 1, now)

	got, err := NewestRecording(dir)
	if err != nil || got != "b.mp3" {
		t.Errorf("NewestRecording = %q, %v", got, err)
	}
	if _, err := NewestRecording(filepath.Join(dir, "missing")); err == nil {
		t.Error("missing dir should fail")
	}
}
