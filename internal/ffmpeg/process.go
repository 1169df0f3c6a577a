// Package ffmpeg provides shared FFmpeg and FFprobe process utilities.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/auris/internal/util"
)

// stopTimeout is how long a cancelled process gets to exit before it is killed.
const stopTimeout = 2 * time.Second

// ErrNoDuration is returned when ffprobe reports no usable duration.
var ErrNoDuration = errors.New("no duration reported")

// Process represents a running FFmpeg subprocess.
type Process struct {
	Cmd    *exec.Cmd
	Cancel context.CancelFunc
	Stderr *bytes.Buffer

	done chan struct{}
	err  error
	once sync.Once
}

// StartProcess launches an FFmpeg subprocess. When ctx is cancelled or Cancel
// is called the process is interrupted, and killed if it has not exited
// within stopTimeout.
func StartProcess(ctx context.Context, ffmpegPath string, args []string) (*Process, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	cmd.Cancel = func() error { return util.GracefulSignal(cmd.Process) }
	cmd.WaitDelay = stopTimeout

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	p := &Process{
		Cmd:    cmd,
		Cancel: cancel,
		Stderr: &stderr,
		done:   make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			err = &util.CommandError{Command: "ffmpeg", Err: err, Stderr: stderr.String()}
		}
		p.err = err
		cancel()
		close(p.done)
	}()
	return p, nil
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Stop cancels the process and waits for it to exit.
func (p *Process) Stop() {
	p.once.Do(p.Cancel)
	<-p.done
}

// DecodeArgs returns FFmpeg arguments that decode path to mono s16le PCM on stdout.
func DecodeArgs(path string, sampleRate int) []string {
	return []string{
		"-i", path,
		"-f", "s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-v", "quiet",
		"pipe:1",
	}
}

// DecodePCM decodes an audio file to mono 16-bit samples at sampleRate.
func DecodePCM(ctx context.Context, ffmpegPath, path string, sampleRate int) ([]int16, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, DecodeArgs(path, sampleRate)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &util.CommandError{Command: "ffmpeg", Err: err, Stderr: stderr.String()}
	}
	return SamplesFromBytes(stdout.Bytes()), nil
}

// SamplesFromBytes converts little-endian s16le bytes to samples. A trailing odd byte is ignored.
func SamplesFromBytes(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// ProbeDuration returns the duration of a media file in seconds.
func ProbeDuration(ctx context.Context, ffprobePath, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, &util.CommandError{Command: "ffprobe", Err: err, Stderr: stderr.String()}
	}
	return ParseDuration(stdout.String())
}

// ParseDuration parses ffprobe's csv duration output.
func ParseDuration(out string) (float64, error) {
	s := strings.TrimSpace(out)
	if s == "" || s == "N/A" {
		return 0, ErrNoDuration
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, ErrNoDuration
	}
	return d, nil
}

// ToneArgs returns FFmpeg arguments that stream a tone file to an Icecast URL
// in real time.
func ToneArgs(inputPath, icecastURL string) []string {
	return []string{
		"-re",
		"-i", inputPath,
		"-acodec", "libmp3lame",
		"-ab", "128k",
		"-ar", "44100",
		"-ac", "1",
		"-content_type", "audio/mpeg",
		"-f", "mp3",
		icecastURL,
	}
}
