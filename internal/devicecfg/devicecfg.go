// Package devicecfg reads and writes the KEY=VALUE environment file the
// capture service is started with.
package devicecfg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/joho/godotenv"

	"github.com/oszuidwest/auris/internal/types"
	"github.com/oszuidwest/auris/internal/util"
)

// Keys understood by the capture service.
const (
	KeyDevice = "ALSA_DEVICE"
	KeyStream = "CAPTURE_STREAM"
	KeyRecord = "CAPTURE_RECORD"
)

// DefaultDevice is used when no device is configured.
const DefaultDevice = "plughw:0,0"

// File is the capture service environment file.
type File struct {
	path string
	sudo bool

	// mu serializes read-modify-write cycles.
	mu sync.Mutex
}

// New returns a File at path. With sudo set, writes go through sudo tee.
func New(path string, sudo bool) *File {
	return &File{path: path, sudo: sudo}
}

// Path returns the file location.
func (f *File) Path() string { return f.path }

// Read returns all keys. A missing or unreadable file yields an empty map.
func (f *File) Read() map[string]string {
	env, err := godotenv.Read(f.path)
	if err != nil {
		return map[string]string{}
	}
	return env
}

// SelectedDevice returns the configured ALSA device.
func (f *File) SelectedDevice() string {
	if d := f.Read()[KeyDevice]; d != "" {
		return d
	}
	return DefaultDevice
}

// SetSelectedDevice stores the ALSA device.
func (f *File) SetSelectedDevice(ctx context.Context, id string) error {
	return f.update(ctx, func(env map[string]string) {
		env[KeyDevice] = id
	})
}

// Mode returns the stream and record flags.
func (f *File) Mode() types.CaptureMode {
	env := f.Read()
	return types.CaptureMode{
		Stream: env[KeyStream] == "1",
		Record: env[KeyRecord] == "1",
	}
}

// SetMode updates the flags that are non-nil.
func (f *File) SetMode(ctx context.Context, stream, record *bool) error {
	return f.update(ctx, func(env map[string]string) {
		if stream != nil {
			env[KeyStream] = flag(*stream)
		}
		if record != nil {
			env[KeyRecord] = flag(*record)
		}
	})
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (f *File) update(ctx context.Context, mutate func(map[string]string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	env := f.Read()
	mutate(env)

	if !f.sudo {
		if err := godotenv.Write(env, f.path); err != nil {
			return util.WrapError("write device config", err)
		}
		return nil
	}

	content, err := godotenv.Marshal(env)
	if err != nil {
		return util.WrapError("encode device config", err)
	}
	return f.sudoWrite(ctx, content+"\n")
}

// sudoWrite writes content to the file through sudo tee.
func (f *File) sudoWrite(ctx context.Context, content string) error {
	cmd := exec.CommandContext(ctx, "sudo", "tee", f.path)
	cmd.Stdin = bytes.NewBufferString(content)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("write %s: %w", f.path, &util.CommandError{Command: "sudo tee", Err: err, Stderr: stderr.String()})
	}
	return nil
}

// Exists reports whether the file is present.
func (f *File) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}
