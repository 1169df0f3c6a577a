// Package types provides shared type definitions used across the dashboard.
package types

// CaptureDevice is an ALSA capture device reported by arecord.
type CaptureDevice struct {
	Card     int    `json:"card"`
	Device   int    `json:"device"`
	Name     string `json:"name"`
	CardName string `json:"cardName"`
	AlsaID   string `json:"alsaId"` // plughw:<card>,<device>
}

// MixerVolume is a volume control read from amixer.
type MixerVolume struct {
	Name    string `json:"name"`
	Min     int    `json:"min"`
	Max     int    `json:"max"`
	Value   int    `json:"value"`
	Percent int    `json:"percent"`
	DB      string `json:"dB"`
	Enabled bool   `json:"enabled"`
}

// MixerEnum is an enumerated mixer control such as the input source selector.
type MixerEnum struct {
	Name    string   `json:"name"`
	Items   []string `json:"items"`
	Current string   `json:"current"`
}

// MixerState is the full mixer state of the selected capture card.
// Controls the card does not expose are nil.
type MixerState struct {
	Capture     *MixerVolume `json:"capture"`
	MicBoost    *MixerVolume `json:"micBoost"`
	InputSource *MixerEnum   `json:"inputSource"`
}

// CaptureMode holds the stream and record flags of the capture service.
type CaptureMode struct {
	Stream bool `json:"stream"`
	Record bool `json:"record"`
}

// CaptureStatus is the live state of the capture service.
type CaptureStatus struct {
	Streaming     bool    `json:"streaming"`
	Recording     bool    `json:"recording"`
	RecordingFile *string `json:"recording_file"`
}

// Recording is a recording as returned by the recordings API.
type Recording struct {
	Filename     string   `json:"filename"`
	Size         int64    `json:"size"`
	CreatedAt    int64    `json:"createdAt"` // Unix milliseconds
	Duration     *float64 `json:"duration"`
	Device       *string  `json:"device"`
	WaveformHash *string  `json:"waveformHash"`
	PeakDB       *float64 `json:"peakDb,omitempty"`
	RMSDB        *float64 `json:"rmsDb,omitempty"`
	Archived     bool     `json:"archived"`
}

// WSStatusResponse is pushed to WebSocket clients on every status change.
type WSStatusResponse struct {
	Type            string        `json:"type"` // "status"
	Capture         CaptureStatus `json:"capture"`
	FFmpegAvailable bool          `json:"ffmpeg_available"`
	TonePlaying     bool          `json:"tone_playing"`
	Version         VersionInfo   `json:"version"`
}

// WSWaveformEvent is pushed when a waveform has been generated for a recording.
type WSWaveformEvent struct {
	Type     string `json:"type"` // "waveform"
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}
