package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/oszuidwest/auris/internal/alsa"
	"github.com/oszuidwest/auris/internal/archive"
	"github.com/oszuidwest/auris/internal/capture"
	"github.com/oszuidwest/auris/internal/config"
	"github.com/oszuidwest/auris/internal/eventlog"
	"github.com/oszuidwest/auris/internal/server"
	"github.com/oszuidwest/auris/internal/storage"
	"github.com/oszuidwest/auris/internal/tone"
	"github.com/oszuidwest/auris/internal/types"
	"github.com/oszuidwest/auris/internal/util"
	"github.com/oszuidwest/auris/internal/waveform"
)

// archiveTestTimeout bounds POST /api/archive/test.
const archiveTestTimeout = 30 * time.Second

// writeServiceError maps a component error to an HTTP status.
func writeServiceError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, os.ErrNotExist):
		status = http.StatusNotFound
	case errors.Is(err, util.ErrInvalidRecordingName),
		errors.Is(err, capture.ErrInvalidDevice),
		errors.Is(err, alsa.ErrUnknownSource):
		status = http.StatusBadRequest
	case errors.Is(err, waveform.ErrRecordingActive),
		errors.Is(err, tone.ErrCaptureActive),
		errors.Is(err, tone.ErrPlaying):
		status = http.StatusConflict
	case errors.Is(err, tone.ErrMountTimeout):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		slog.Error(message, "error", err)
	}
	server.WriteError(w, status, message, err)
}

// recordingName reads and validates the {filename} path value.
func recordingName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name, err := util.RecordingName(r.PathValue("filename"))
	if err != nil {
		server.WriteError(w, http.StatusBadRequest, "invalid filename", err)
		return "", false
	}
	return name, true
}

// handleHealth reports liveness.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns the capture service state.
// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, s.capture.Status(r.Context()))
}

// handleVersion returns the running and latest release versions.
// GET /api/version
func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	server.WriteJSON(w, http.StatusOK, s.versionInfo())
}

// handleEvents returns event log entries, newest first.
// GET /api/events?limit=&offset=&type=
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, err := server.ParseEventsQuery(r.URL.Query())
	if err != nil {
		server.WriteRequestError(w, err)
		return
	}

	if s.events == nil {
		server.WriteJSON(w, http.StatusOK, map[string]any{
			"events":   []eventlog.Event{},
			"has_more": false,
		})
		return
	}

	filter, _ := eventlog.ParseFilter(q.Type)
	events, hasMore, err := eventlog.ReadLast(s.events.Path(), q.Limit, q.Offset, filter)
	if err != nil {
		writeServiceError(w, "failed to read event log", err)
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"has_more": hasMore,
	})
}

// --- Recordings ---

// handleListRecordings returns all recordings, newest first. With ?q= only
// recordings whose filename fuzzily matches are returned.
// GET /api/recordings
func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dir := s.config.Snapshot().RecordingsDir

	if err := s.db.SyncOnce(ctx, dir, s.probe); err != nil {
		slog.Warn("recordings sync failed", "error", err)
	}

	recs, err := s.db.List(ctx)
	if err != nil {
		writeServiceError(w, "failed to list recordings", err)
		return
	}

	query := r.URL.Query().Get("q")
	out := make([]types.Recording, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		if query != "" && !fuzzy.MatchNormalizedFold(query, rec.Filename) {
			continue
		}
		var size int64
		if rec.Size == nil {
			if info, err := os.Stat(filepath.Join(dir, rec.Filename)); err == nil {
				size = info.Size()
			}
		}
		out = append(out, rec.API(size))
	}
	server.WriteJSON(w, http.StatusOK, out)
}

// handleGetRecording streams a recording with Range support.
// GET /api/recordings/{filename}
func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	name, ok := recordingName(w, r)
	if !ok {
		return
	}

	f, err := os.Open(filepath.Join(s.config.Snapshot().RecordingsDir, name))
	if err != nil {
		writeServiceError(w, "recording not found", err)
		return
	}
	defer f.Close() //nolint:errcheck // Read-only file

	info, err := f.Stat()
	if err != nil {
		writeServiceError(w, "failed to read recording", err)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", `inline; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// handleDeleteRecording removes a finished recording from disk and database.
// DELETE /api/recordings/{filename}
func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	name, ok := recordingName(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	rec, err := s.db.Get(ctx, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		writeServiceError(w, "failed to delete recording", err)
		return
	}
	if rec != nil && rec.Active() {
		writeServiceError(w, "recording in progress", waveform.ErrRecordingActive)
		return
	}

	if err := os.Remove(filepath.Join(s.config.Snapshot().RecordingsDir, name)); err != nil {
		if !errors.Is(err, os.ErrNotExist) || rec == nil {
			writeServiceError(w, "recording not found", err)
			return
		}
	}
	if err := s.db.Delete(ctx, name); err != nil {
		writeServiceError(w, "failed to delete recording", err)
		return
	}

	slog.Info("recording deleted", "file", name)
	s.logEvent(eventlog.RecordingDeleted, &eventlog.Details{Filename: name})
	server.WriteJSON(w, http.StatusOK, types.OKResponse{OK: true})
}

// --- Waveforms ---

// handleGetWaveform returns the cached peak array of a recording,
// generating it first when missing.
// GET /api/recordings/{filename}/waveform
func (s *Server) handleGetWaveform(w http.ResponseWriter, r *http.Request) {
	name, ok := recordingName(w, r)
	if !ok {
		return
	}

	wf, err := s.waveforms.Ensure(r.Context(), name)
	if err != nil {
		writeServiceError(w, "waveform unavailable", err)
		return
	}
	writeWaveform(w, r, wf)
}

// handleRegenerateWaveform rebuilds the waveform of a recording.
// POST /api/recordings/{filename}/waveform
func (s *Server) handleRegenerateWaveform(w http.ResponseWriter, r *http.Request) {
	name, ok := recordingName(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	rec, err := s.db.Get(ctx, name)
	if err != nil {
		writeServiceError(w, "recording not found", err)
		return
	}
	if rec.Active() {
		writeServiceError(w, "recording in progress", waveform.ErrRecordingActive)
		return
	}

	wf, err := s.waveforms.Regenerate(ctx, name)
	if err != nil {
		writeServiceError(w, "waveform generation failed", err)
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]string{"hash": wf.Hash})
}

func writeWaveform(w http.ResponseWriter, r *http.Request, wf storage.Waveform) {
	etag := strconv.Quote(wf.Hash)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(wf.JSON); err != nil {
		slog.Debug("failed to write waveform", "error", err)
	}
}

// handleWaveformImage renders a recording's waveform as a PNG.
// GET /api/recordings/{filename}/waveform.png?width=&height=&dpr=&progress=
func (s *Server) handleWaveformImage(w http.ResponseWriter, r *http.Request) {
	name, ok := recordingName(w, r)
	if !ok {
		return
	}
	q, err := server.ParseWaveformImageQuery(r.URL.Query())
	if err != nil {
		server.WriteRequestError(w, err)
		return
	}

	wf, err := s.waveforms.Ensure(r.Context(), name)
	if err != nil {
		writeServiceError(w, "waveform unavailable", err)
		return
	}
	peaks, err := waveform.Decode(wf.JSON)
	if err != nil {
		writeServiceError(w, "invalid waveform", err)
		return
	}

	cfg := s.config.Snapshot()
	theme, err := waveform.ThemeFromHex(cfg.PlayedColor, cfg.UnplayedColor, cfg.BackgroundColor)
	if err != nil {
		writeServiceError(w, "invalid theme", err)
		return
	}

	surface := waveform.NewSurface(q.Width, q.Height, q.DPR)
	renderer := waveform.NewRenderer(surface, theme)
	renderer.SetPeaks(peaks)
	renderer.Draw(q.Progress)

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := renderer.WritePNG(w); err != nil {
		slog.Debug("failed to write waveform image", "file", name, "error", err)
	}
}

// handleGenerateWaveforms generates missing waveforms for all finished
// recordings, or all of them with ?force=true.
// POST /api/waveforms/generate
func (s *Server) handleGenerateWaveforms(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	res, err := s.generateAll(r.Context(), force)
	if err != nil {
		writeServiceError(w, "waveform batch failed", err)
		return
	}
	server.WriteJSON(w, http.StatusOK, types.BatchResponse{
		Generated: res.Generated,
		Skipped:   res.Skipped,
		Failed:    res.Failed,
	})
}

// generateAll runs a waveform batch over every finished recording.
func (s *Server) generateAll(ctx context.Context, force bool) (waveform.BatchResult, error) {
	if err := s.db.SyncOnce(ctx, s.config.Snapshot().RecordingsDir, s.probe); err != nil {
		slog.Warn("recordings sync failed", "error", err)
	}
	recs, err := s.db.List(ctx)
	if err != nil {
		return waveform.BatchResult{}, err
	}
	names := make([]string, 0, len(recs))
	for i := range recs {
		if !recs[i].Active() {
			names = append(names, recs[i].Filename)
		}
	}
	return s.waveforms.GenerateAll(ctx, names, force)
}

// --- Capture ---

// handleRecordStart starts recording.
// POST /api/record/start
func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	s.captureCommand(w, r, "failed to start recording", s.capture.StartRecording)
}

// handleRecordStop stops recording.
// POST /api/record/stop
func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	s.captureCommand(w, r, "failed to stop recording", s.capture.StopRecording)
}

// handleStreamStart starts streaming.
// POST /api/stream/start
func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	s.captureCommand(w, r, "failed to start stream", s.capture.StartStream)
}

// handleStreamStop stops streaming.
// POST /api/stream/stop
func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	s.captureCommand(w, r, "failed to stop stream", s.capture.StopStream)
}

func (s *Server) captureCommand(w http.ResponseWriter, r *http.Request, message string, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		writeServiceError(w, message, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, types.OKResponse{OK: true})
}

// handleToneStart sends a test tone to the Icecast mount.
// POST /api/stream/test-tone
func (s *Server) handleToneStart(w http.ResponseWriter, r *http.Request) {
	if err := s.tone.Start(r.Context()); err != nil {
		if !errors.Is(err, tone.ErrCaptureActive) && !errors.Is(err, tone.ErrPlaying) {
			s.logEvent(eventlog.ToneFailed, &eventlog.Details{Error: err.Error()})
		}
		writeServiceError(w, "test tone failed", err)
		return
	}
	s.logEvent(eventlog.ToneStarted, nil)
	server.WriteJSON(w, http.StatusOK, types.OKResponse{OK: true})
}

// handleToneStop stops a playing test tone.
// DELETE /api/stream/test-tone
func (s *Server) handleToneStop(w http.ResponseWriter, _ *http.Request) {
	s.tone.Stop()
	server.WriteJSON(w, http.StatusOK, types.OKResponse{OK: true})
}

// --- Audio ---

// handleListDevices returns the ALSA capture devices and the selected one.
// GET /api/audio/devices
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.mixer.CaptureDevices(r.Context())
	if devices == nil {
		devices = []types.CaptureDevice{}
	}
	server.WriteJSON(w, http.StatusOK, types.DevicesResponse{
		Devices:  devices,
		Selected: s.devices.SelectedDevice(),
	})
}

// handleSetDevice selects the capture device.
// POST /api/audio/device
func (s *Server) handleSetDevice(w http.ResponseWriter, r *http.Request) {
	var req server.DeviceRequest
	if err := server.DecodeAndValidate(w, r, &req); err != nil {
		server.WriteRequestError(w, err)
		return
	}

	if err := s.capture.SetDevice(r.Context(), req.AlsaID); err != nil {
		writeServiceError(w, "failed to set device", err)
		return
	}
	s.logEvent(eventlog.DeviceChanged, &eventlog.Details{Device: req.AlsaID})
	server.WriteJSON(w, http.StatusOK, types.OKResponse{OK: true, Device: req.AlsaID})
}

// selectedCard returns the ALSA card of the selected capture device.
func (s *Server) selectedCard() int {
	return alsa.CardFromDevice(s.devices.SelectedDevice())
}

// handleGetMixer returns the mixer state of the selected card.
// GET /api/audio/mixer
func (s *Server) handleGetMixer(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, s.mixer.Mixer(r.Context(), s.selectedCard()))
}

// handleSetMixer applies mixer changes. Absent fields are left as they are.
// POST /api/audio/mixer
func (s *Server) handleSetMixer(w http.ResponseWriter, r *http.Request) {
	var req server.MixerUpdateRequest
	if err := server.DecodeAndValidate(w, r, &req); err != nil {
		server.WriteRequestError(w, err)
		return
	}

	ctx := r.Context()
	card := s.selectedCard()
	updated := []string{}

	if req.Capture != nil {
		if err := s.mixer.SetVolume(ctx, card, alsa.ControlCapture, *req.Capture); err != nil {
			writeServiceError(w, "failed to set capture volume", err)
			return
		}
		updated = append(updated, "capture")
	}
	if req.MicBoost != nil {
		if err := s.mixer.SetVolume(ctx, card, alsa.ControlMicBoost, *req.MicBoost); err != nil {
			writeServiceError(w, "failed to set mic boost", err)
			return
		}
		updated = append(updated, "micBoost")
	}
	if req.InputSource != nil {
		if err := s.mixer.SetInputSource(ctx, card, *req.InputSource); err != nil {
			writeServiceError(w, "failed to set input source", err)
			return
		}
		updated = append(updated, "inputSource")
	}

	server.WriteJSON(w, http.StatusOK, types.OKResponse{OK: true, Updated: updated})
}

// --- Settings ---

// handleGetTheme returns the waveform colors.
// GET /api/theme
func (s *Server) handleGetTheme(w http.ResponseWriter, _ *http.Request) {
	server.WriteJSON(w, http.StatusOK, themeOf(s.config.Snapshot()))
}

func themeOf(cfg config.Snapshot) server.ThemeRequest {
	return server.ThemeRequest{
		Played:     cfg.PlayedColor,
		Unplayed:   cfg.UnplayedColor,
		Background: cfg.BackgroundColor,
	}
}

// handleSetTheme stores new waveform colors.
// POST /api/theme
func (s *Server) handleSetTheme(w http.ResponseWriter, r *http.Request) {
	var req server.ThemeRequest
	if err := server.DecodeAndValidate(w, r, &req); err != nil {
		server.WriteRequestError(w, err)
		return
	}
	if err := s.config.SetTheme(req.Played, req.Unplayed, req.Background); err != nil {
		writeServiceError(w, "failed to save theme", err)
		return
	}
	server.WriteJSON(w, http.StatusOK, types.OKResponse{OK: true})
}

// handleArchiveTest uploads and deletes a probe object in the configured bucket.
// POST /api/archive/test
func (s *Server) handleArchiveTest(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.Snapshot()
	client, err := archive.NewClient(cfg.Archive)
	if err != nil {
		server.WriteError(w, http.StatusBadRequest, "archive is not configured", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), archiveTestTimeout)
	defer cancel()

	if err := archive.TestConnection(ctx, client, cfg.Archive.Bucket); err != nil {
		server.WriteJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}
