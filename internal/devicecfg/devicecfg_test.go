package devicecfg

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "auris"), false)
	if f.Exists() {
		t.Fatal("file should not exist yet")
	}
	if got := f.SelectedDevice(); got != DefaultDevice {
		t.Errorf("SelectedDevice = %q, want %q", got, DefaultDevice)
	}
	if m := f.Mode(); m.Stream || m.Record {
		t.Errorf("Mode = %+v, want both off", m)
	}
}

func TestReadExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auris")
	content := "ALSA_DEVICE=plughw:1,0\nCAPTURE_STREAM=1\nCAPTURE_RECORD=0\nICECAST_PASSWORD=secret\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	f := New(path, false)
	if got := f.SelectedDevice(); got != "plughw:1,0" {
		t.Errorf("SelectedDevice = %q", got)
	}
	if m := f.Mode(); !m.Stream || m.Record {
		t.Errorf("Mode = %+v", m)
	}
}

func TestUpdatesPreserveOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auris")
	if err := os.WriteFile(path, []byte("ICECAST_PASSWORD=secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	f := New(path, false)
	ctx := context.Background()

	if err := f.SetSelectedDevice(ctx, "plughw:2,0"); err != nil {
		t.Fatal(err)
	}
	on := true
	if err := f.SetMode(ctx, nil, &on); err != nil {
		t.Fatal(err)
	}

	env := f.Read()
	if env["ICECAST_PASSWORD"] != "secret" {
		t.Errorf("unrelated key lost: %v", env)
	}
	if env[KeyDevice] != "plughw:2,0" || env[KeyRecord] != "1" {
		t.Errorf("env = %v", env)
	}
	if _, ok := env[KeyStream]; ok {
		t.Error("nil stream flag was written")
	}

	off := false
	if err := f.SetMode(ctx, &off, &off); err != nil {
		t.Fatal(err)
	}
	if m := f.Mode(); m.Stream || m.Record {
		t.Errorf("Mode after clearing = %+v", m)
	}
}
