package main

import (
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/auris/internal/config"
	"github.com/oszuidwest/auris/internal/eventlog"
	"github.com/oszuidwest/auris/internal/storage"
	"github.com/oszuidwest/auris/internal/types"
)

const sourceOutput = `Simple mixer control 'Input Source',0
  Capabilities: cenum
  Items: 'Mic' 'Line'
  Item0: 'Mic'
`

// fakeHost answers systemctl, arecord and amixer the way a small capture box would.
type fakeHost struct {
	mu     sync.Mutex
	active bool
	calls  []string
}

func (h *fakeHost) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	call := name + " " + strings.Join(args, " ")
	h.calls = append(h.calls, call)

	switch {
	case strings.HasPrefix(call, "systemctl is-active"):
		if h.active {
			return []byte("active\n"), nil
		}
		return []byte("inactive\n"), errors.New("exit status 3")
	case strings.HasPrefix(call, "systemctl start"), strings.HasPrefix(call, "systemctl restart"):
		h.active = true
		return nil, nil
	case strings.HasPrefix(call, "systemctl stop"):
		h.active = false
		return nil, nil
	case call == "arecord -l":
		return []byte("card 1: Device [USB Audio Device], device 0: USB Audio [USB Audio]\n"), nil
	case strings.HasPrefix(call, "amixer -c 1 sget Input Source"):
		return []byte(sourceOutput), nil
	case strings.HasPrefix(call, "amixer -c 1 sset"):
		return nil, nil
	}
	return nil, errors.New("exit status 1")
}

func (h *fakeHost) setActive(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = v
}

func (h *fakeHost) called(call string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Contains(h.calls, call)
}

type testServer struct {
	srv     *Server
	handler http.Handler
	host    *fakeHost
	dir     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "recordings")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	envPath := filepath.Join(root, "auris.env")
	if err := os.WriteFile(envPath, []byte("ALSA_DEVICE=plughw:1,0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.New(filepath.Join(root, "config.json"))
	cfg.Paths.RecordingsDir = dir
	cfg.Paths.DatabasePath = filepath.Join(root, "auris.db")
	cfg.Paths.DeviceConfig = envPath
	cfg.Paths.EventLog = filepath.Join(root, "events.jsonl")
	sudo := false
	cfg.System.Sudo = &sudo

	host := &fakeHost{}
	srv, err := newServer(cfg, host, host, "", "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, handler: srv.SetupRoutes(), host: host, dir: dir}
}

func (ts *testServer) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func (ts *testServer) writeRecording(t *testing.T, name, content string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(ts.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/health", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d", w.Code)
	}
}

func TestListRecordingsSyncsAndSearches(t *testing.T) {
	ts := newTestServer(t)
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	ts.writeRecording(t, "morning-show.mp3", "aaaa", base)
	ts.writeRecording(t, "evening-news.mp3", "bbbbbb", base.Add(10*time.Hour))
	ts.writeRecording(t, "notes.txt", "x", base)

	w := ts.do(t, http.MethodGet, "/api/recordings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	recs := decodeJSON[[]types.Recording](t, w)
	if len(recs) != 2 {
		t.Fatalf("recordings = %+v", recs)
	}
	if recs[0].Filename != "evening-news.mp3" || recs[0].Size != 6 {
		t.Errorf("newest = %+v", recs[0])
	}

	w = ts.do(t, http.MethodGet, "/api/recordings?q=MORNSHOW", "")
	recs = decodeJSON[[]types.Recording](t, w)
	if len(recs) != 1 || recs[0].Filename != "morning-show.mp3" {
		t.Errorf("search = %+v", recs)
	}
}

func TestGetRecordingRange(t *testing.T) {
	ts := newTestServer(t)
	ts.writeRecording(t, "range.mp3", "0123456789", time.Now())

	w := ts.do(t, http.MethodGet, "/api/recordings/range.mp3", "", "Range", "bytes=2-5")
	if w.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Body.String(); got != "2345" {
		t.Errorf("body = %q", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cr := w.Header().Get("Content-Range"); cr != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", cr)
	}

	w = ts.do(t, http.MethodGet, "/api/recordings/range.mp3", "")
	if w.Code != http.StatusOK || w.Body.Len() != 10 {
		t.Errorf("full download = %d, %d bytes", w.Code, w.Body.Len())
	}
}

func TestRecordingNameRejected(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{
		"/api/recordings/notes.txt",
		"/api/recordings/con%5Cfig.mp3",
		"/api/recordings/.mp3x",
	} {
		if w := ts.do(t, http.MethodGet, path, ""); w.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d", path, w.Code)
		}
	}
	if w := ts.do(t, http.MethodGet, "/api/recordings/missing.mp3", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing = %d", w.Code)
	}
}

func TestDeleteRecording(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	ts.writeRecording(t, "old.mp3", "data", time.Now())
	size := int64(4)
	if _, err := ts.srv.db.Insert(ctx, storage.NewRecording{Filename: "old.mp3", Size: &size, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if w := ts.do(t, http.MethodDelete, "/api/recordings/old.mp3", ""); w.Code != http.StatusOK {
		t.Fatalf("delete = %d: %s", w.Code, w.Body)
	}
	if _, err := os.Stat(filepath.Join(ts.dir, "old.mp3")); !os.IsNotExist(err) {
		t.Errorf("file still present: %v", err)
	}
	if _, err := ts.srv.db.Get(ctx, "old.mp3"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("row still present: %v", err)
	}
	if w := ts.do(t, http.MethodDelete, "/api/recordings/old.mp3", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d", w.Code)
	}

	events, _, err := eventlog.ReadLast(ts.srv.events.Path(), 10, 0, eventlog.FilterRecording)
	if err != nil || len(events) != 1 || events[0].Type != eventlog.RecordingDeleted {
		t.Errorf("events = %+v, %v", events, err)
	}
}

func TestDeleteActiveRecordingRefused(t *testing.T) {
	ts := newTestServer(t)
	ts.writeRecording(t, "live.mp3", "data", time.Now())
	if _, err := ts.srv.db.Insert(context.Background(), storage.NewRecording{Filename: "live.mp3", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if w := ts.do(t, http.MethodDelete, "/api/recordings/live.mp3", ""); w.Code != http.StatusConflict {
		t.Errorf("delete active = %d", w.Code)
	}
}

func TestGetWaveform(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	size := int64(10)
	if _, err := ts.srv.db.Insert(ctx, storage.NewRecording{Filename: "done.mp3", Size: &size, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := ts.srv.db.SaveWaveform(ctx, "done.mp3", storage.Waveform{JSON: []byte("[0.25,1,0.5]"), Hash: "abc123"}); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.srv.db.Insert(ctx, storage.NewRecording{Filename: "live.mp3", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	w := ts.do(t, http.MethodGet, "/api/recordings/done.mp3/waveform", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	if w.Body.String() != "[0.25,1,0.5]" {
		t.Errorf("body = %s", w.Body)
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "immutable") {
		t.Errorf("Cache-Control = %q", cc)
	}

	w = ts.do(t, http.MethodGet, "/api/recordings/done.mp3/waveform", "", "If-None-Match", `"abc123"`)
	if w.Code != http.StatusNotModified {
		t.Errorf("conditional = %d", w.Code)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/recordings/live.mp3/waveform", http.StatusConflict},
		{"/api/recordings/unknown.mp3/waveform", http.StatusNotFound},
		{"/api/recordings/bad.wav/waveform", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := ts.do(t, http.MethodGet, tt.path, ""); w.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.want)
		}
	}
}

func TestWaveformImage(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	size := int64(10)
	if _, err := ts.srv.db.Insert(ctx, storage.NewRecording{Filename: "img.mp3", Size: &size, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := ts.srv.db.SaveWaveform(ctx, "img.mp3", storage.Waveform{JSON: []byte("[0.5,1,0.5,0.2]"), Hash: "h"}); err != nil {
		t.Fatal(err)
	}

	w := ts.do(t, http.MethodGet, "/api/recordings/img.mp3/waveform.png?width=40&height=10&progress=0.5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	img, err := png.Decode(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 10 {
		t.Errorf("bounds = %v", b)
	}

	if w := ts.do(t, http.MethodGet, "/api/recordings/img.mp3/waveform.png?width=0", ""); w.Code != http.StatusBadRequest {
		t.Errorf("width=0 = %d", w.Code)
	}
}

func TestStreamStartStop(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/stream/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", w.Code, w.Body)
	}
	if ok := decodeJSON[types.OKResponse](t, w); !ok.OK {
		t.Errorf("start body = %+v", ok)
	}
	if !ts.host.called("systemctl start auris-capture") {
		t.Errorf("calls = %v", ts.host.calls)
	}

	w = ts.do(t, http.MethodGet, "/api/status", "")
	if st := decodeJSON[types.CaptureStatus](t, w); !st.Streaming || st.Recording {
		t.Errorf("GET /api/status = %+v", st)
	}

	w = ts.do(t, http.MethodPost, "/api/stream/stop", "")
	if ok := decodeJSON[types.OKResponse](t, w); w.Code != http.StatusOK || !ok.OK {
		t.Errorf("stop = %d %+v", w.Code, ok)
	}
	w = ts.do(t, http.MethodGet, "/api/status", "")
	if st := decodeJSON[types.CaptureStatus](t, w); st.Streaming {
		t.Errorf("status after stop = %+v", st)
	}
	if !ts.host.called("systemctl stop auris-capture") {
		t.Errorf("calls = %v", ts.host.calls)
	}
}

func TestToneRefusedWhileCapturing(t *testing.T) {
	ts := newTestServer(t)
	ts.host.setActive(true)
	if w := ts.do(t, http.MethodPost, "/api/stream/test-tone", ""); w.Code != http.StatusConflict {
		t.Errorf("tone while active = %d", w.Code)
	}
	if w := ts.do(t, http.MethodDelete, "/api/stream/test-tone", ""); w.Code != http.StatusOK {
		t.Errorf("stop idle tone = %d", w.Code)
	}
}

func TestDevices(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/audio/devices", "")
	resp := decodeJSON[types.DevicesResponse](t, w)
	if len(resp.Devices) != 1 || resp.Devices[0].AlsaID != "plughw:1,0" || resp.Selected != "plughw:1,0" {
		t.Errorf("devices = %+v", resp)
	}

	if w := ts.do(t, http.MethodPost, "/api/audio/device", `{"alsaId":"hw:1,0"}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid device = %d", w.Code)
	}

	w = ts.do(t, http.MethodPost, "/api/audio/device", `{"alsaId":"plughw:2,0"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set device = %d: %s", w.Code, w.Body)
	}
	if got := ts.srv.devices.SelectedDevice(); got != "plughw:2,0" {
		t.Errorf("selected = %q", got)
	}
}

func TestMixerUpdate(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/audio/mixer", `{"capture":40,"inputSource":"Line"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	resp := decodeJSON[types.OKResponse](t, w)
	if !slices.Equal(resp.Updated, []string{"capture", "inputSource"}) {
		t.Errorf("updated = %v", resp.Updated)
	}
	for _, call := range []string{"amixer -c 1 sset Capture 40", "amixer -c 1 sset Input Source Line"} {
		if !ts.host.called(call) {
			t.Errorf("missing call %q in %v", call, ts.host.calls)
		}
	}

	tests := []struct {
		body string
		want int
	}{
		{`{"capture":64}`, http.StatusBadRequest},
		{`{"micBoost":4}`, http.StatusBadRequest},
		{`{"inputSource":"Aux"}`, http.StatusBadRequest},
		{`{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := ts.do(t, http.MethodPost, "/api/audio/mixer", tt.body); w.Code != tt.want {
			t.Errorf("%s = %d, want %d", tt.body, w.Code, tt.want)
		}
	}
}

func TestEvents(t *testing.T) {
	ts := newTestServer(t)
	for range 3 {
		ts.srv.logEvent(eventlog.StreamStarted, nil)
	}
	ts.srv.logEvent(eventlog.WaveformGenerated, &eventlog.Details{Filename: "a.mp3"})

	w := ts.do(t, http.MethodGet, "/api/events?limit=2&type=stream", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	resp := decodeJSON[struct {
		Events  []eventlog.Event `json:"events"`
		HasMore bool             `json:"has_more"`
	}](t, w)
	if len(resp.Events) != 2 || !resp.HasMore {
		t.Errorf("events = %+v", resp)
	}

	if w := ts.do(t, http.MethodGet, "/api/events?type=silence", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad type = %d", w.Code)
	}
}

func TestTheme(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/theme", `{"played":"#112233","unplayed":"#445566","background":"#000000"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	if got := ts.srv.config.Snapshot().PlayedColor; got != "#112233" {
		t.Errorf("played = %q", got)
	}

	w = ts.do(t, http.MethodGet, "/", "")
	if !strings.Contains(w.Body.String(), "--wave-played:#112233") {
		t.Error("index does not carry the theme")
	}
	if !strings.Contains(w.Body.String(), `window.AURIS_THEME = {"played":"#112233","unplayed":"#445566","background":"#000000"}`) {
		t.Error("index does not hand the theme to the player")
	}

	if w := ts.do(t, http.MethodPost, "/api/theme", `{"played":"blue","unplayed":"#445566","background":"#000000"}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid color = %d", w.Code)
	}
}

func TestArchiveTestNotConfigured(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodPost, "/api/archive/test", ""); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestStaticFiles(t *testing.T) {
	ts := newTestServer(t)
	for path, ct := range map[string]string{
		"/app.js":      "application/javascript",
		"/waveform.js": "application/javascript",
		"/style.css":   "text/css",
		"/favicon.svg": "image/svg+xml",
	} {
		w := ts.do(t, http.MethodGet, path, "")
		if w.Code != http.StatusOK || w.Header().Get("Content-Type") != ct {
			t.Errorf("%s = %d %q", path, w.Code, w.Header().Get("Content-Type"))
		}
	}
	if w := ts.do(t, http.MethodGet, "/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown path = %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/", ""); w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing")
	}
}
