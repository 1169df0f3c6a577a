package main

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/oszuidwest/auris/internal/alsa"
	"github.com/oszuidwest/auris/internal/archive"
	"github.com/oszuidwest/auris/internal/capture"
	"github.com/oszuidwest/auris/internal/config"
	"github.com/oszuidwest/auris/internal/devicecfg"
	"github.com/oszuidwest/auris/internal/eventlog"
	"github.com/oszuidwest/auris/internal/ffmpeg"
	"github.com/oszuidwest/auris/internal/server"
	"github.com/oszuidwest/auris/internal/storage"
	"github.com/oszuidwest/auris/internal/systemd"
	"github.com/oszuidwest/auris/internal/tone"
	"github.com/oszuidwest/auris/internal/types"
	"github.com/oszuidwest/auris/internal/update"
	"github.com/oszuidwest/auris/internal/util"
	"github.com/oszuidwest/auris/internal/waveform"
)

var indexTmpl = template.Must(template.New("index").Parse(indexHTML))
var faviconTmpl = template.Must(template.New("favicon").Parse(faviconSVG))

type indexData struct {
	Version  string
	Year     int
	ThemeCSS template.CSS
	Theme    server.ThemeRequest
}

// Server is the HTTP server of the dashboard.
type Server struct {
	config    *config.Config
	db        *storage.DB
	events    *eventlog.Logger
	hub       *server.Hub
	updates   *update.Checker
	mixer     *alsa.Client
	devices   *devicecfg.File
	capture   *capture.Controller
	waveforms *waveform.Service
	tone      *tone.Player
	archiver  *archive.Archiver
	probe     storage.DurationProbe

	ffmpegAvailable bool
}

// NewServer opens the database and wires every component. ffmpegPath and
// ffprobePath may be empty when the tools are missing.
func NewServer(cfg *config.Config, ffmpegPath, ffprobePath string) (*Server, error) {
	snap := cfg.Snapshot()
	return newServer(cfg, util.ExecRunner{Sudo: snap.Sudo}, util.ExecRunner{}, ffmpegPath, ffprobePath)
}

// newServer wires the components. systemctl runs through units; arecord and
// amixer run through mixer.
func newServer(cfg *config.Config, units, mixer util.CommandRunner, ffmpegPath, ffprobePath string) (*Server, error) {
	snap := cfg.Snapshot()

	if err := util.CheckPathWritable(filepath.Dir(snap.DatabasePath)); err != nil {
		return nil, fmt.Errorf("database directory %s: %w", filepath.Dir(snap.DatabasePath), err)
	}
	db, err := storage.Open(snap.DatabasePath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:          cfg,
		db:              db,
		hub:             server.NewHub(),
		ffmpegAvailable: ffmpegPath != "",
	}

	s.updates = update.New(snap.UpdateRepo, Version, update.Options{
		OnUpdate: func(string) { s.hub.Broadcast(server.StatusChanged{}) },
	})

	if snap.HasEventLog() {
		events, err := eventlog.NewLogger(snap.EventLogPath)
		if err != nil {
			slog.Warn("event log disabled", "path", snap.EventLogPath, "error", err)
		} else {
			s.events = events
		}
	}

	if ffprobePath != "" {
		s.probe = func(ctx context.Context, path string) (float64, error) {
			return ffmpeg.ProbeDuration(ctx, ffprobePath, path)
		}
	}

	s.mixer = alsa.New(mixer)
	s.devices = devicecfg.New(snap.DeviceConfigPath, snap.Sudo)

	s.waveforms, err = newWaveformService(snap, ffmpegPath, db)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.waveforms.OnGenerated = func(filename, hash string) {
		s.logEvent(eventlog.WaveformGenerated, &eventlog.Details{Filename: filename, Hash: hash})
		s.hub.Broadcast(types.WSWaveformEvent{Type: "waveform", Filename: filename, Hash: hash})
	}
	s.waveforms.OnFailed = func(filename string, err error) {
		s.logEvent(eventlog.WaveformFailed, &eventlog.Details{Filename: filename, Error: err.Error()})
	}

	if snap.HasArchive() {
		client, err := archive.NewClient(snap.Archive)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.archiver = archive.New(client, snap.Archive, snap.RecordingsDir, db, s.events, archive.Options{})
	}

	s.capture = capture.New(capture.Config{
		Unit:         snap.CaptureUnit,
		Dir:          snap.RecordingsDir,
		Units:        systemd.New(units),
		DeviceConfig: s.devices,
		Recordings:   db,
		Probe:        s.probe,
		OnChange:     func(types.CaptureStatus) { s.hub.Broadcast(server.StatusChanged{}) },
		OnStarted: func(filename string) {
			s.logEvent(eventlog.RecordingStarted, &eventlog.Details{Filename: filename, Device: s.devices.SelectedDevice()})
		},
		OnFinalized: s.finalizeRecording,
		OnStream: func(on bool) {
			if on {
				s.logEvent(eventlog.StreamStarted, nil)
			} else {
				s.logEvent(eventlog.StreamStopped, nil)
			}
		},
	})

	s.tone = tone.New(tone.Config{
		Launch:        tone.FFmpegLauncher(ffmpegOrDefault(ffmpegPath)),
		SourceURL:     snap.IcecastSource,
		MountURL:      snap.IcecastMount,
		CaptureActive: s.capture.Active,
		OnChange:      func(bool) { s.hub.Broadcast(server.StatusChanged{}) },
	})

	return s, nil
}

// ffmpegOrDefault falls back to a PATH lookup at launch time when ffmpeg was
// not found at startup.
func ffmpegOrDefault(path string) string {
	if path == "" {
		return "ffmpeg"
	}
	return path
}

func newWaveformService(snap config.Snapshot, ffmpegPath string, db *storage.DB) (*waveform.Service, error) {
	norm, err := waveform.ParseNormalization(snap.Normalization)
	if err != nil {
		return nil, err
	}
	gen := &waveform.Generator{
		Decoder: waveform.FFmpegDecoder{FFmpegPath: ffmpegOrDefault(ffmpegPath), SampleRate: snap.DecodeSampleRate},
		Bars: waveform.BarConfig{
			Mode:           waveform.BarMode(snap.BarMode),
			Fixed:          snap.FixedBars,
			PeaksPerSecond: snap.PeaksPerSecond,
			Min:            snap.MinBars,
			Max:            snap.MaxBars,
		},
		Normalization: norm,
	}
	return waveform.NewService(gen, db, snap.RecordingsDir), nil
}

// finalizeRecording generates the waveform of a stopped recording and
// queues it for the archive.
func (s *Server) finalizeRecording(ctx context.Context, filename string) {
	var details eventlog.Details
	details.Filename = filename
	if rec, err := s.db.Get(ctx, filename); err == nil {
		if rec.Size != nil {
			details.SizeBytes = *rec.Size
		}
		if rec.Duration != nil {
			details.Duration = *rec.Duration
		}
	}
	s.logEvent(eventlog.RecordingFinalized, &details)
	s.hub.Broadcast(server.StatusChanged{})

	if _, err := s.waveforms.Regenerate(ctx, filename); err != nil {
		slog.Warn("waveform for stopped recording failed", "file", filename, "error", err)
	}
	if s.archiver != nil {
		if err := s.archiver.Enqueue(ctx, filename); err != nil {
			slog.Warn("failed to queue recording for archive", "file", filename, "error", err)
		}
	}
}

// Run starts background workers.
func (s *Server) Run(ctx context.Context) {
	if s.archiver != nil {
		if err := s.archiver.Start(ctx); err != nil {
			slog.Error("failed to start archive worker", "error", err)
		}
	}
	go func() {
		if err := s.db.SyncOnce(ctx, s.config.Snapshot().RecordingsDir, s.probe); err != nil {
			slog.Warn("initial recordings sync failed", "error", err)
		}
	}()
	go s.updates.Run(ctx)
}

// Close stops background work and releases resources.
func (s *Server) Close() {
	if s.tone != nil {
		s.tone.Close()
	}
	if s.capture != nil {
		s.capture.Wait()
	}
	if s.archiver != nil {
		s.archiver.Stop()
	}
	if s.events != nil {
		if err := s.events.Close(); err != nil {
			slog.Warn("failed to close event log", "error", err)
		}
	}
	if err := s.db.Close(); err != nil {
		slog.Warn("failed to close database", "error", err)
	}
}

func (s *Server) logEvent(t eventlog.EventType, details *eventlog.Details) {
	if err := s.events.Record(t, "", details); err != nil {
		slog.Warn("failed to write event", "type", t, "error", err)
	}
}

// buildWSStatus returns the current WebSocket status response.
func (s *Server) buildWSStatus(ctx context.Context) types.WSStatusResponse {
	return types.WSStatusResponse{
		Type:            "status",
		Capture:         s.capture.Status(ctx),
		FFmpegAvailable: s.ffmpegAvailable,
		TonePlaying:     s.tone.Playing(),
		Version:         s.versionInfo(),
	}
}

// versionInfo reports the running build and the latest known release.
func (s *Server) versionInfo() types.VersionInfo {
	return types.VersionInfo{
		Current:     update.Normalize(Version),
		Latest:      s.updates.Latest(),
		UpdateAvail: s.updates.UpdateAvailable(),
		Commit:      Commit,
		BuildTime:   util.FormatHumanTime(BuildTime),
	}
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /api/recordings", s.handleListRecordings)
	mux.HandleFunc("GET /api/recordings/{filename}", s.handleGetRecording)
	mux.HandleFunc("DELETE /api/recordings/{filename}", s.handleDeleteRecording)
	mux.HandleFunc("GET /api/recordings/{filename}/waveform", s.handleGetWaveform)
	mux.HandleFunc("POST /api/recordings/{filename}/waveform", s.handleRegenerateWaveform)
	mux.HandleFunc("GET /api/recordings/{filename}/waveform.png", s.handleWaveformImage)
	mux.HandleFunc("POST /api/waveforms/generate", s.handleGenerateWaveforms)

	mux.HandleFunc("POST /api/record/start", s.handleRecordStart)
	mux.HandleFunc("POST /api/record/stop", s.handleRecordStop)
	mux.HandleFunc("POST /api/stream/start", s.handleStreamStart)
	mux.HandleFunc("POST /api/stream/stop", s.handleStreamStop)
	mux.HandleFunc("POST /api/stream/test-tone", s.handleToneStart)
	mux.HandleFunc("DELETE /api/stream/test-tone", s.handleToneStop)

	mux.HandleFunc("GET /api/audio/devices", s.handleListDevices)
	mux.HandleFunc("POST /api/audio/device", s.handleSetDevice)
	mux.HandleFunc("GET /api/audio/mixer", s.handleGetMixer)
	mux.HandleFunc("POST /api/audio/mixer", s.handleSetMixer)

	mux.HandleFunc("GET /api/theme", s.handleGetTheme)
	mux.HandleFunc("POST /api/theme", s.handleSetTheme)
	mux.HandleFunc("POST /api/archive/test", s.handleArchiveTest)

	mux.Handle("GET /ws", &server.StatusSocket{
		Hub:    s.hub,
		Status: func(ctx context.Context) any { return s.buildWSStatus(ctx) },
	})
	mux.HandleFunc("GET /favicon.svg", s.handleFavicon)
	mux.HandleFunc("GET /", s.handleStatic)

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// handleFavicon serves the favicon in the played-bar color.
func (s *Server) handleFavicon(w http.ResponseWriter, _ *http.Request) {
	cfg := s.config.Snapshot()
	w.Header().Set("Content-Type", "image/svg+xml")
	if err := faviconTmpl.Execute(w, struct{ Color string }{Color: cfg.PlayedColor}); err != nil {
		slog.Error("failed to render favicon", "error", err)
	}
}

// staticFile is an embedded static file with content type and data.
type staticFile struct {
	contentType string
	content     string
	name        string
}

// staticFiles is a map from URL paths to static file definitions.
var staticFiles = map[string]staticFile{
	"/style.css": {
		contentType: "text/css",
		content:     styleCSS,
		name:        "style.css",
	},
	"/app.js": {
		contentType: "application/javascript",
		content:     appJS,
		name:        "app.js",
	},
	"/waveform.js": {
		contentType: "application/javascript",
		content:     waveformJS,
		name:        "waveform.js",
	},
	// favicon.svg is served dynamically via handleFavicon
}

// serveStaticFile serves a static file by path and reports whether it was found.
func serveStaticFile(w http.ResponseWriter, path string) bool {
	file, ok := staticFiles[path]
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", file.contentType)
	if _, err := w.Write([]byte(file.content)); err != nil {
		slog.Error("failed to write static file", "file", file.name, "error", err)
	}
	return true
}

// handleStatic serves the embedded web interface.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" || path == "/index.html" {
		cfg := s.config.Snapshot()
		w.Header().Set("Content-Type", "text/html")
		if err := indexTmpl.Execute(w, indexData{
			Version:  Version,
			Year:     time.Now().Year(),
			ThemeCSS: template.CSS(util.GenerateThemeCSS(cfg.PlayedColor, cfg.UnplayedColor, cfg.BackgroundColor)), //nolint:gosec // Colors are validated hex tokens
			Theme:    themeOf(cfg),
		}); err != nil {
			slog.Error("failed to write index.html", "error", err)
		}
		return
	}

	if serveStaticFile(w, path) {
		return
	}
	http.NotFound(w, r)
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
