// Package alsa lists ALSA capture devices and reads and sets mixer controls
// through arecord and amixer.
package alsa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"

	"github.com/oszuidwest/auris/internal/types"
	"github.com/oszuidwest/auris/internal/util"
)

// Mixer control names.
const (
	ControlCapture     = "Capture"
	ControlMicBoost    = "Mic Boost"
	ControlInputSource = "Input Source"
)

// ErrUnknownSource is returned when setting an input source the card does not offer.
var ErrUnknownSource = errors.New("unknown input source")

var (
	devicePattern  = regexp.MustCompile(`(?m)^card (\d+): \S+ \[(.+?)\], device (\d+): (.+?) \[`)
	limitsPattern  = regexp.MustCompile(`Limits:.*?(\d+) - (\d+)`)
	volumePattern  = regexp.MustCompile(`Front Left:.*?(\d+) \[(\d+)%\] \[(.+?dB)\](?:\s*\[(on|off)\])?`)
	itemsPattern   = regexp.MustCompile(`Items:\s*(.+)`)
	itemPattern    = regexp.MustCompile(`'([^']+)'`)
	currentPattern = regexp.MustCompile(`Item0:\s*'(.+?)'`)
	alsaIDPattern  = regexp.MustCompile(`^plughw:(\d+),(\d+)$`)
)

// Client runs arecord and amixer.
type Client struct {
	runner util.CommandRunner
}

// New creates a Client that runs commands through runner.
func New(runner util.CommandRunner) *Client {
	return &Client{runner: runner}
}

// CaptureDevices returns the capture devices reported by arecord -l.
// Failures yield an empty list.
func (c *Client) CaptureDevices(ctx context.Context) []types.CaptureDevice {
	out, err := c.runner.Run(ctx, "arecord", "-l")
	if err != nil {
		slog.Warn("failed to list capture devices", "error", err)
		return []types.CaptureDevice{}
	}
	return ParseCaptureDevices(string(out))
}

// ParseCaptureDevices parses arecord -l output.
func ParseCaptureDevices(out string) []types.CaptureDevice {
	devices := []types.CaptureDevice{}
	for _, m := range devicePattern.FindAllStringSubmatch(out, -1) {
		card, _ := strconv.Atoi(m[1])
		device, _ := strconv.Atoi(m[3])
		devices = append(devices, types.CaptureDevice{
			Card:     card,
			Device:   device,
			Name:     m[4],
			CardName: m[2],
			AlsaID:   fmt.Sprintf("plughw:%d,%d", card, device),
		})
	}
	return devices
}

// ValidDeviceID reports whether id has the form plughw:<card>,<device>.
func ValidDeviceID(id string) bool {
	return alsaIDPattern.MatchString(id)
}

// CardFromDevice returns the card number of a plughw:<card>,<device> id, or 0.
func CardFromDevice(id string) int {
	m := alsaIDPattern.FindStringSubmatch(id)
	if m == nil {
		return 0
	}
	card, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return card
}

// Volume reads a volume control. It returns nil if the card has no such control.
func (c *Client) Volume(ctx context.Context, card int, control string) *types.MixerVolume {
	out, err := c.sget(ctx, card, control)
	if err != nil {
		return nil
	}
	return ParseVolume(control, out)
}

// ParseVolume parses amixer sget output for a volume control.
func ParseVolume(name, out string) *types.MixerVolume {
	lim := limitsPattern.FindStringSubmatch(out)
	val := volumePattern.FindStringSubmatch(out)
	if lim == nil || val == nil {
		return nil
	}
	v := &types.MixerVolume{Name: name, DB: val[3], Enabled: true}
	v.Min, _ = strconv.Atoi(lim[1])
	v.Max, _ = strconv.Atoi(lim[2])
	v.Value, _ = strconv.Atoi(val[1])
	v.Percent, _ = strconv.Atoi(val[2])
	if val[4] != "" {
		v.Enabled = val[4] == "on"
	}
	return v
}

// InputSource reads the input source selector. It returns nil if the card has none.
func (c *Client) InputSource(ctx context.Context, card int) *types.MixerEnum {
	out, err := c.sget(ctx, card, ControlInputSource)
	if err != nil {
		return nil
	}
	return ParseEnum(ControlInputSource, out)
}

// ParseEnum parses amixer sget output for an enumerated control.
func ParseEnum(name, out string) *types.MixerEnum {
	items := itemsPattern.FindStringSubmatch(out)
	if items == nil {
		return nil
	}
	e := &types.MixerEnum{Name: name, Items: []string{}}
	for _, m := range itemPattern.FindAllStringSubmatch(items[1], -1) {
		e.Items = append(e.Items, m[1])
	}
	if cur := currentPattern.FindStringSubmatch(out); cur != nil {
		e.Current = cur[1]
	} else if len(e.Items) > 0 {
		e.Current = e.Items[0]
	}
	return e
}

// Mixer reads all supported controls of card.
func (c *Client) Mixer(ctx context.Context, card int) types.MixerState {
	return types.MixerState{
		Capture:     c.Volume(ctx, card, ControlCapture),
		MicBoost:    c.Volume(ctx, card, ControlMicBoost),
		InputSource: c.InputSource(ctx, card),
	}
}

// SetVolume sets a volume control to a raw value.
func (c *Client) SetVolume(ctx context.Context, card int, control string, value int) error {
	return c.sset(ctx, card, control, strconv.Itoa(value))
}

// SetInputSource selects an input source. The source must be one the card offers.
func (c *Client) SetInputSource(ctx context.Context, card int, source string) error {
	current := c.InputSource(ctx, card)
	if current == nil || !slices.Contains(current.Items, source) {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return c.sset(ctx, card, ControlInputSource, source)
}

func (c *Client) sget(ctx context.Context, card int, control string) (string, error) {
	out, err := c.runner.Run(ctx, "amixer", "-c", strconv.Itoa(card), "sget", control)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (c *Client) sset(ctx context.Context, card int, control, value string) error {
	if _, err := c.runner.Run(ctx, "amixer", "-c", strconv.Itoa(card), "sset", control, value); err != nil {
		return fmt.Errorf("set %s: %w", control, err)
	}
	return nil
}
