package server

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/oszuidwest/auris/internal/types"
)

// Request types for the HTTP API with validation tags.

// --- Audio ---

// DeviceRequest is the request body for POST /api/audio/device.
type DeviceRequest struct {
	AlsaID string `json:"alsaId" validate:"required,alsa_device"`
}

// MixerUpdateRequest is the request body for POST /api/audio/mixer.
// Absent fields are left unchanged.
type MixerUpdateRequest struct {
	Capture     *int    `json:"capture" validate:"omitempty,gte=0,lte=63"`
	MicBoost    *int    `json:"micBoost" validate:"omitempty,gte=0,lte=3"`
	InputSource *string `json:"inputSource" validate:"omitempty,min=1,max=64"`
}

// --- Theme ---

// ThemeRequest is the request body for POST /api/theme.
type ThemeRequest struct {
	Played     string `json:"played" validate:"required,hexcolor"`
	Unplayed   string `json:"unplayed" validate:"required,hexcolor"`
	Background string `json:"background" validate:"required,hexcolor"`
}

// --- Waveform ---

// WaveformImageQuery holds the query parameters of the waveform PNG endpoint.
type WaveformImageQuery struct {
	Width    int     `query:"width" validate:"gte=1,lte=4096"`
	Height   int     `query:"height" validate:"gte=1,lte=1024"`
	DPR      float64 `query:"dpr" validate:"gte=1,lte=4"`
	Progress float64 `query:"progress" validate:"gte=0,lte=1"`
}

// ParseWaveformImageQuery reads and validates width, height, dpr and
// progress from q, applying defaults for absent values.
func ParseWaveformImageQuery(q url.Values) (WaveformImageQuery, error) {
	req := WaveformImageQuery{Width: 800, Height: 80, DPR: 1}
	verr := types.NewValidationError()

	parseInt := func(name string, dst *int) {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				verr.Add(name, "must be an integer", v)
				return
			}
			*dst = n
		}
	}
	parseFloat := func(name string, dst *float64) {
		if v := q.Get(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				verr.Add(name, "must be a number", v)
				return
			}
			*dst = f
		}
	}
	parseInt("width", &req.Width)
	parseInt("height", &req.Height)
	parseFloat("dpr", &req.DPR)
	parseFloat("progress", &req.Progress)

	if verr.HasErrors() {
		return req, verr
	}
	return req, Validate(&req)
}

// --- Events ---

// EventsQuery holds the query parameters of GET /api/events.
type EventsQuery struct {
	Limit  int    `query:"limit" validate:"gte=1,lte=500"`
	Offset int    `query:"offset" validate:"gte=0"`
	Type   string `query:"type" validate:"omitempty,oneof=stream recording waveform archive"`
}

// ParseEventsQuery reads and validates limit, offset and type from q.
func ParseEventsQuery(q url.Values) (EventsQuery, error) {
	req := EventsQuery{Limit: 50, Type: q.Get("type")}
	for name, dst := range map[string]*int{"limit": &req.Limit, "offset": &req.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return req, fmt.Errorf("%s must be an integer", name)
			}
			*dst = n
		}
	}
	return req, Validate(&req)
}
