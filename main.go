// Package main provides a home-audio monitoring dashboard: it drives the
// capture service, manages recordings and serves waveform previews.
//
// Usage:
//
//	auris [-config path/to/config.json] [-generate-waveforms [-force]]
//	auris -snapshot http://host:8080/api/recordings/a.mp3/waveform -out a.png [-at 0.5]
//
// If -config is not specified, auris looks for config.json in the same
// directory as the binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/oszuidwest/auris/internal/config"
	"github.com/oszuidwest/auris/internal/util"
	"github.com/oszuidwest/auris/internal/waveform"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	generate := flag.Bool("generate-waveforms", false, "Generate missing waveforms for all recordings and exit")
	force := flag.Bool("force", false, "With -generate-waveforms, regenerate cached waveforms too")
	snapshotURL := flag.String("snapshot", "", "Fetch a waveform URL and write it as PNG to -out, then exit")
	snapshotOut := flag.String("out", "waveform.png", "With -snapshot, output PNG path")
	snapshotAt := flag.Float64("at", 0, "With -snapshot, playhead position from 0 to 1")
	snapshotWidth := flag.Int("width", 800, "With -snapshot, image width in pixels")
	snapshotHeight := flag.Int("height", 80, "With -snapshot, image height in pixels")
	flag.Parse()

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "error", err)
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if *snapshotURL != "" {
		snap := cfg.Snapshot()
		theme, err := waveform.ThemeFromHex(snap.PlayedColor, snap.UnplayedColor, snap.BackgroundColor)
		if err != nil {
			slog.Error("invalid theme", "error", err)
			os.Exit(1)
		}
		ctx, stop := signal.NotifyContext(context.Background(), util.ShutdownSignals()...)
		err = runSnapshot(ctx, snapshotOptions{
			URL:    *snapshotURL,
			Out:    *snapshotOut,
			Width:  *snapshotWidth,
			Height: *snapshotHeight,
			At:     *snapshotAt,
			Theme:  theme,
		})
		stop()
		if err != nil {
			slog.Error("snapshot failed", "error", err)
			os.Exit(1)
		}
		slog.Info("snapshot written", "path", *snapshotOut)
		return
	}

	ffmpegPath := util.ResolveBinary(cfg.FFmpegPath(), "ffmpeg")
	if ffmpegPath == "" {
		slog.Warn("FFmpeg not found - waveforms and test tone unavailable",
			"configured_path", cfg.FFmpegPath())
	} else {
		slog.Info("FFmpeg found", "path", ffmpegPath)
	}
	ffprobePath := util.ResolveBinary(cfg.FFprobePath(), "ffprobe")
	if ffprobePath == "" {
		slog.Warn("ffprobe not found - recording durations unavailable",
			"configured_path", cfg.FFprobePath())
	}

	srv, err := NewServer(cfg, ffmpegPath, ffprobePath)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	if *generate {
		os.Exit(runBatch(srv, *force))
	}

	ctx, stop := context.WithCancel(context.Background())
	srv.Run(ctx)

	// Start web server.
	httpServer := srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, util.ShutdownSignals()...)
	<-sigChan

	slog.Info("shutting down")

	// Shut down HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	stop()
	srv.Close()

	slog.Info("shutdown complete")
}

// runBatch generates waveforms until done or interrupted and returns the
// process exit code.
func runBatch(srv *Server, force bool) int {
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), util.ShutdownSignals()...)
	defer stop()

	start := time.Now()
	res, err := srv.generateAll(ctx, force)
	slog.Info("waveform batch finished",
		"generated", res.Generated,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond))
	if err != nil {
		slog.Error("waveform batch interrupted", "error", err)
		return 1
	}
	if res.Failed > 0 {
		return 1
	}
	return 0
}
