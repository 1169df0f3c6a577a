package util

import (
	"bytes"
	"context"
	"os/exec"
)

// ResolveBinary returns the path to an external tool such as ffmpeg or ffprobe.
// If customPath is set, it must resolve to an executable; otherwise name is
// looked up in PATH. Returns an empty string if the tool is not found.
func ResolveBinary(customPath, name string) string {
	if customPath != "" {
		if _, err := exec.LookPath(customPath); err == nil {
			return customPath
		}
		return ""
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return path
}

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host, optionally through sudo.
type ExecRunner struct {
	Sudo bool
}

// Run executes name with args and returns stdout.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Sudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &CommandError{Command: name, Err: err, Stderr: stderr.String()}
	}
	return stdout.Bytes(), nil
}
