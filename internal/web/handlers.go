package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cjeanneret/TetherGo/internal/hw/camera"
	"github.com/cjeanneret/TetherGo/internal/logic/control"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	ctrl     *control.Controller
	events   *EventBroadcaster
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandlers creates handlers backed by the given controller.
func NewHandlers(ctrl *control.Controller, events *EventBroadcaster, origin string, logger *zap.Logger) *Handlers {
	return &Handlers{
		ctrl:   ctrl,
		events: events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				o := r.Header.Get("Origin")
				return o == "" || o == origin
			},
		},
		logger: logger,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// noCache marks a response as never cacheable, for image and stream bodies.
func noCache(h http.Header) {
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

// HandleRoot answers the reachability probe.
func (h *Handlers) HandleRoot(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}

// HandleHealth reports the controller state.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Health())
}

// HandleDiag reports the controller state plus a fresh USB detection pass.
func (h *Handlers) HandleDiag(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Diagnostics())
}

// HandleCameras lists detected cameras and the selected port. The port is
// null until a client picks one.
func (h *Handlers) HandleCameras(w http.ResponseWriter, r *http.Request) {
	var selected *string
	if port := h.ctrl.SelectedPort(); port != "" {
		selected = &port
	}
	writeJSON(w, http.StatusOK, struct {
		Cameras      []control.CameraInfo `json:"cameras"`
		SelectedPort *string              `json:"selected_port"`
	}{
		Cameras:      h.ctrl.ListCameras(),
		SelectedPort: selected,
	})
}

// HandleSetCamera switches the selected port. Accepts the port in the query
// string or a form body.
func (h *Handlers) HandleSetCamera(w http.ResponseWriter, r *http.Request) {
	port := r.FormValue("camera_port")
	if port == "" {
		http.Error(w, "camera_port required", http.StatusBadRequest)
		return
	}
	selected := h.ctrl.SelectCamera(port)
	writeJSON(w, http.StatusOK, struct {
		OK           bool   `json:"ok"`
		SelectedPort string `json:"selected_port"`
	}{OK: true, SelectedPort: selected})
}

type captureError struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// HandleCapture takes a shot and reports where it landed.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	asset, err := h.ctrl.Capture()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, camera.ErrDeviceNotFound) || errors.Is(err, camera.ErrDeviceInitFailed) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, captureError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK         bool   `json:"ok"`
		URL        string `json:"url"`
		ServerPath string `json:"serverPath"`
	}{OK: true, URL: "/captured_images/" + asset.Name, ServerPath: asset.Path})
}

// HandleConfirm accepts the shot and hands back a fresh stream URL.
func (h *Handlers) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Video string `json:"video"`
	}{Video: h.ctrl.Confirm()})
}

// HandleReturnLive discards the shot and resumes the live view.
func (h *Handlers) HandleReturnLive(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ReturnLive()
	w.Write([]byte("Live"))
}

// HandleStop force-stops the preview, for the UI's teardown call.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.ctrl.StopStream()
	writeJSON(w, http.StatusOK, struct {
		OK      bool `json:"ok"`
		Stopped bool `json:"stopped"`
	}{OK: true, Stopped: true})
}

// HandleDownload serves the captured image awaiting confirmation.
func (h *Handlers) HandleDownload(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.ctrl.Download()
	if !ok {
		http.Error(w, "No image captured", http.StatusNotFound)
		return
	}
	noCache(w.Header())
	mime := asset.Mime
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Disposition", `inline; filename="`+asset.Name+`"`)
	w.Write(asset.Data)
}

// HandleCapturedImage serves files from the save directory by base name.
func (h *Handlers) HandleCapturedImage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		http.NotFound(w, r)
		return
	}
	noCache(w.Header())
	http.ServeFile(w, r, filepath.Join(h.ctrl.SaveDir(), name))
}

// HandleEvents streams status events as SSE.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.events.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
