package types

// ErrorResponse is the JSON body of every failed API request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// OKResponse is the JSON body of a successful command.
type OKResponse struct {
	OK      bool     `json:"ok"`
	Device  string   `json:"device,omitempty"`
	Updated []string `json:"updated,omitempty"`
}

// DevicesResponse is returned by GET /api/audio/devices.
type DevicesResponse struct {
	Devices  []CaptureDevice `json:"devices"`
	Selected string          `json:"selected"`
}

// BatchResponse summarises a waveform batch run.
type BatchResponse struct {
	Generated int `json:"generated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}
