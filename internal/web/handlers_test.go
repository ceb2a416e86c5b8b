package web

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cjeanneret/TetherGo/internal/hw/camera"
	"github.com/cjeanneret/TetherGo/internal/logic/control"
	"github.com/cjeanneret/TetherGo/internal/storage"
)

const testOrigin = "http://localhost:3000"

var testJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x10, 0x20, 0x30}

// fakeConn streams previews and captures JPEGs; config keys are unknown so
// negotiation and autofocus no-op.
type fakeConn struct {
	drv *fakeDriver
}

var _ camera.Conn = (*fakeConn)(nil)

func (c *fakeConn) Choices(key string) (string, []string, error) {
	return "", nil, fmt.Errorf("unknown key %s", key)
}

func (c *fakeConn) Set(key, value string) error { return nil }

func (c *fakeConn) CapturePreview() ([]byte, error) { return testJPEG, nil }

func (c *fakeConn) TriggerCapture() (camera.FileRef, error) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	if c.drv.captureErr != nil {
		return camera.FileRef{}, c.drv.captureErr
	}
	c.drv.captures++
	return camera.FileRef{Folder: "/DCIM", Name: fmt.Sprintf("IMG_%04d.JPG", c.drv.captures)}, nil
}

func (c *fakeConn) FetchFile(ref camera.FileRef) ([]byte, string, error) {
	payload := append(append([]byte{}, testJPEG...), []byte(ref.Name)...)
	return payload, "image/jpeg", nil
}

func (c *fakeConn) FetchThumbnail(camera.FileRef) ([]byte, error) {
	return nil, errors.New("file already gone")
}

func (c *fakeConn) DeleteFile(camera.FileRef) error { return nil }

func (c *fakeConn) Close() error { return nil }

type fakeDriver struct {
	mu         sync.Mutex
	devices    []camera.DeviceInfo
	captureErr error
	captures   int
}

var _ camera.Driver = (*fakeDriver)(nil)

func (d *fakeDriver) Detect() ([]camera.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devices, nil
}

func (d *fakeDriver) Open(port string) (camera.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.devices) == 0 {
		return nil, errors.New("device gone")
	}
	return &fakeConn{drv: d}, nil
}

func newTestServer(t *testing.T, drv *fakeDriver) (*Server, *control.Controller) {
	t.Helper()
	store, err := storage.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	ctrl := control.New(control.Config{
		Driver:         drv,
		Store:          store,
		PreviewFPS:     18,
		FrameInterval:  3 * time.Millisecond,
		ReconnectDelay: 2 * time.Millisecond,
		PumpFocus:      time.Millisecond,
		CaptureFocus:   time.Millisecond,
		StopTimeout:    time.Second,
		Logger:         zap.NewNop(),
	})
	t.Cleanup(ctrl.Shutdown)
	return NewServer(":0", testOrigin, ctrl, zap.NewNop()), ctrl
}

func tetheredDriver() *fakeDriver {
	return &fakeDriver{devices: []camera.DeviceInfo{{Model: "Nikon Z6", Port: "usb:001,004"}}}
}

func doJSON(t *testing.T, mux http.Handler, method, target string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("%s %s: decode body: %v", method, target, err)
	}
	return w.Code, body
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// -----------------------------------------------------------------------------
// Plain endpoints
// -----------------------------------------------------------------------------

func TestRoot(t *testing.T) {
	s, _ := newTestServer(t, tetheredDriver())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("GET / = %d %q, want 200 OK", w.Code, w.Body.String())
	}
}

func TestHealthShape(t *testing.T) {
	s, _ := newTestServer(t, tetheredDriver())
	code, body := doJSON(t, s.Mux(), http.MethodGet, "/api/health")

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	for _, key := range []string{"ok", "running", "viewers", "mode", "selected_port", "supports_preview", "last_error", "preview_fps"} {
		if _, present := body[key]; !present {
			t.Errorf("health payload missing %q", key)
		}
	}
	if body["ok"] != true || body["mode"] != "live" || body["preview_fps"] != 18.0 {
		t.Errorf("health = %v, want ok/live/18fps", body)
	}
	if body["selected_port"] != nil || body["supports_preview"] != nil || body["last_error"] != nil {
		t.Error("fresh health should report null port, preview support and error")
	}
}

func TestDiagListsDetectedCameras(t *testing.T) {
	s, _ := newTestServer(t, tetheredDriver())
	code, body := doJSON(t, s.Mux(), http.MethodGet, "/api/diag")

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	detected, ok := body["detected"].([]any)
	if !ok || len(detected) != 1 {
		t.Fatalf("detected = %v, want one camera", body["detected"])
	}
	cam := detected[0].(map[string]any)
	if cam["model"] != "Nikon Z6" || cam["port"] != "usb:001,004" {
		t.Errorf("detected camera = %v", cam)
	}
}

func TestCamerasEndpoint(t *testing.T) {
	s, _ := newTestServer(t, tetheredDriver())
	code, body := doJSON(t, s.Mux(), http.MethodGet, "/cameras")

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	cams, ok := body["cameras"].([]any)
	if !ok || len(cams) != 1 {
		t.Fatalf("cameras = %v, want one entry", body["cameras"])
	}
	if body["selected_port"] != nil {
		t.Errorf("selected_port = %v, want null before set_camera", body["selected_port"])
	}
}

func TestSetCamera(t *testing.T) {
	s, ctrl := newTestServer(t, tetheredDriver())
	mux := s.Mux()

	// missing parameter
	req := httptest.NewRequest(http.MethodPost, "/set_camera", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "camera_port required") {
		t.Errorf("POST /set_camera without port = %d %q, want 400 camera_port required", w.Code, w.Body.String())
	}

	// via query string, GET works too
	code, body := doJSON(t, mux, http.MethodGet, "/set_camera?camera_port=usb:002,009")
	if code != http.StatusOK || body["ok"] != true || body["selected_port"] != "usb:002,009" {
		t.Errorf("set_camera = %d %v", code, body)
	}
	if ctrl.SelectedPort() != "usb:002,009" {
		t.Errorf("controller port = %q", ctrl.SelectedPort())
	}
}

// -----------------------------------------------------------------------------
// Capture cycle over HTTP
// -----------------------------------------------------------------------------

func TestCaptureConfirmCycle(t *testing.T) {
	s, _ := newTestServer(t, tetheredDriver())
	mux := s.Mux()

	code, body := doJSON(t, mux, http.MethodPost, "/capture")
	if code != http.StatusOK || body["ok"] != true {
		t.Fatalf("capture = %d %v", code, body)
	}
	url, _ := body["url"].(string)
	if !strings.HasPrefix(url, "/captured_images/capture_") || !strings.HasSuffix(url, ".jpg") {
		t.Fatalf("capture url = %q", url)
	}
	if sp, _ := body["serverPath"].(string); !strings.HasSuffix(sp, strings.TrimPrefix(url, "/captured_images/")) {
		t.Errorf("serverPath = %q does not match url %q", sp, url)
	}

	// the file the url points at is served with no-cache headers
	req := httptest.NewRequest(http.MethodGet, url, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s = %d", url, w.Code)
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	if !strings.HasPrefix(w.Body.String(), string([]byte{0xFF, 0xD8})) {
		t.Error("served image does not start with the JPEG SOI marker")
	}

	// download serves the same bytes from memory
	req = httptest.NewRequest(http.MethodGet, "/download", nil)
	dl := httptest.NewRecorder()
	mux.ServeHTTP(dl, req)
	if dl.Code != http.StatusOK {
		t.Fatalf("GET /download = %d", dl.Code)
	}
	if ct := dl.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("download Content-Type = %q, want image/jpeg", ct)
	}
	if dl.Body.String() != w.Body.String() {
		t.Error("download bytes differ from the served capture file")
	}

	// confirm hands back a fresh stream URL and drops the asset
	code, body = doJSON(t, mux, http.MethodPost, "/confirm")
	if code != http.StatusOK {
		t.Fatalf("confirm = %d", code)
	}
	if video, _ := body["video"].(string); !strings.HasPrefix(video, "/video_feed?ts=") {
		t.Errorf("confirm video = %q", body["video"])
	}

	req = httptest.NewRequest(http.MethodGet, "/download", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "No image captured") {
		t.Errorf("GET /download after confirm = %d %q, want 404", w.Code, w.Body.String())
	}
}

func TestCaptureWithoutCameraIs503(t *testing.T) {
	s, _ := newTestServer(t, &fakeDriver{})
	code, body := doJSON(t, s.Mux(), http.MethodPost, "/capture")

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	msg, _ := body["error"].(string)
	if body["ok"] != false || msg == "" {
		t.Errorf("body = %v, want ok:false with an error", body)
	}
}

func TestCaptureFailureIs500(t *testing.T) {
	drv := tetheredDriver()
	drv.captureErr = errors.New("shutter jammed")
	s, _ := newTestServer(t, drv)

	code, body := doJSON(t, s.Mux(), http.MethodPost, "/capture")
	if code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", code)
	}
	if body["ok"] != false {
		t.Errorf("body = %v, want ok:false", body)
	}
}

func TestReturnLive(t *testing.T) {
	s, _ := newTestServer(t, tetheredDriver())
	mux := s.Mux()

	if code, _ := doJSON(t, mux, http.MethodPost, "/capture"); code != http.StatusOK {
		t.Fatalf("capture = %d", code)
	}

	req := httptest.NewRequest(http.MethodPost, "/return_live", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "Live" {
		t.Errorf("POST /return_live = %d %q, want 200 Live", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/download", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET /download after return_live = %d, want 404", w.Code)
	}
}

func TestStopRoutes(t *testing.T) {
	s, _ := newTestServer(t, tetheredDriver())
	mux := s.Mux()

	for _, target := range []string{"/stop_stream", "/stop"} {
		code, body := doJSON(t, mux, http.MethodPost, target)
		if code != http.StatusOK || body["ok"] != true || body["stopped"] != true {
			t.Errorf("POST %s = %d %v, want ok and stopped", target, code, body)
		}
	}
}

func TestCapturedImagesRejectsTraversal(t *testing.T) {
	s, _ := newTestServer(t, tetheredDriver())
	mux := s.Mux()

	for _, target := range []string{
		"/captured_images/%2e%2e%2fgo.mod",
		"/captured_images/..%2fgo.mod",
		"/captured_images/.hidden",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", target, w.Code)
		}
	}
}

// -----------------------------------------------------------------------------
// CORS
// -----------------------------------------------------------------------------

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, tetheredDriver())
	mux := s.Mux()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", testOrigin)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != testOrigin {
		t.Errorf("allowed origin echoed = %q, want %q", got, testOrigin)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got CORS header %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/capture", nil)
	req.Header.Set("Origin", testOrigin)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("preflight = %d, want 200", w.Code)
	}
}

// -----------------------------------------------------------------------------
// Streams
// -----------------------------------------------------------------------------

func TestVideoFeedStreamsMultipartFrames(t *testing.T) {
	s, ctrl := newTestServer(t, tetheredDriver())
	ts := httptest.NewServer(s.Mux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/video_feed")
	if err != nil {
		t.Fatalf("GET /video_feed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if resp.Header.Get("X-Accel-Buffering") != "no" {
		t.Error("X-Accel-Buffering header missing")
	}

	reader := multipart.NewReader(resp.Body, "frame")
	part, err := reader.NextPart()
	if err != nil {
		t.Fatalf("NextPart: %v", err)
	}
	if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("part Content-Type = %q", ct)
	}
	frame, err := io.ReadAll(part)
	if err != nil {
		t.Fatalf("read part: %v", err)
	}
	if string(frame) != string(testJPEG) {
		t.Errorf("part bytes = % X, want the preview frame", frame)
	}

	resp.Body.Close()
	if !waitFor(t, 2*time.Second, func() bool { return ctrl.Health().Viewers == 0 }) {
		t.Error("viewer not detached after the stream client went away")
	}
}

func TestWebsocketPreviewDeliversBinaryFrames(t *testing.T) {
	s, ctrl := newTestServer(t, tetheredDriver())
	ts := httptest.NewServer(s.Mux())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/preview"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Errorf("message type = %d, want binary", kind)
	}
	if string(frame) != string(testJPEG) {
		t.Errorf("frame = % X, want the preview frame", frame)
	}

	conn.Close()
	if !waitFor(t, 2*time.Second, func() bool { return ctrl.Health().Viewers == 0 }) {
		t.Error("viewer not detached after the socket closed")
	}
}

func TestEventsStream(t *testing.T) {
	s, ctrl := newTestServer(t, tetheredDriver())
	ts := httptest.NewServer(s.Mux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		ctrl.Capture()
	}()

	scanner := bufio.NewScanner(resp.Body)
	sawConnected := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ": connected") {
			sawConnected = true
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			if !sawConnected {
				t.Error("data arrived before the connected comment")
			}
			if !strings.Contains(line, `"type":"mode"`) {
				t.Errorf("first event = %q, want a mode transition", line)
			}
			return
		}
	}
	t.Fatal("stream ended without an event")
}
