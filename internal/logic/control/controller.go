// Package control ties the camera, preview pump, mode machine and capture
// store together behind the single object the HTTP handlers talk to.
package control

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cjeanneret/TetherGo/internal/hw/camera"
	"github.com/cjeanneret/TetherGo/internal/logic/capture"
	"github.com/cjeanneret/TetherGo/internal/logic/mode"
	"github.com/cjeanneret/TetherGo/internal/logic/preview"
	"github.com/cjeanneret/TetherGo/internal/storage"
)

// Config carries everything the controller needs from the outside.
type Config struct {
	Driver         camera.Driver
	Store          *storage.Store
	InitialPort    string  // empty means auto-detect on connect
	PreviewFPS     float64 // reported in health, drives the frame interval
	FrameInterval  time.Duration
	ReconnectDelay time.Duration
	PumpFocus      time.Duration // autofocus budget when the pump connects
	CaptureFocus   time.Duration // autofocus budget before a capture
	StopTimeout    time.Duration
	Logger         *zap.Logger
}

// CameraInfo is one detected camera as reported to clients.
type CameraInfo struct {
	Model string `json:"model"`
	Port  string `json:"port"`
}

// Health is the /api/health payload.
type Health struct {
	OK              bool    `json:"ok"`
	Running         bool    `json:"running"`
	Viewers         int     `json:"viewers"`
	Mode            string  `json:"mode"`
	SelectedPort    *string `json:"selected_port"`
	SupportsPreview *bool   `json:"supports_preview"`
	LastError       *string `json:"last_error"`
	PreviewFPS      float64 `json:"preview_fps"`
}

// Diag is the /api/diag payload: health plus a fresh detection pass.
type Diag struct {
	Detected        []CameraInfo `json:"detected"`
	SelectedPort    *string      `json:"selected_port"`
	Running         bool         `json:"running"`
	SupportsPreview *bool        `json:"supports_preview"`
	Viewers         int          `json:"viewers"`
	Mode            string       `json:"mode"`
	LastError       *string      `json:"last_error"`
	PreviewFPS      float64      `json:"preview_fps"`
}

// Event is a status notification for the event stream.
type Event struct {
	Type  string `json:"type"` // mode, capture, capture_error, device_error
	From  string `json:"from,omitempty"`
	Mode  string `json:"mode,omitempty"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// Controller owns the live state of the tether box. Operations that touch
// the camera (capture, camera switch, confirm, stop) are serialized; reads
// only take the short state lock.
type Controller struct {
	cfg    Config
	logger *zap.Logger

	machine *mode.Machine
	buffer  *preview.Buffer
	pump    *preview.Pump
	coord   *capture.Coordinator

	opMu sync.Mutex // serializes camera-owning operations

	mu        sync.Mutex
	viewers   map[uuid.UUID]struct{}
	port      string
	lastError string
	sinks     []func(Event)
}

func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg:     cfg,
		logger:  logger,
		machine: mode.NewMachine(),
		buffer:  preview.NewBuffer(),
		viewers: make(map[uuid.UUID]struct{}),
		port:    strings.TrimSpace(cfg.InitialPort),
	}
	c.pump = preview.New(preview.Config{
		Open:        c.openPreviewSession,
		Buffer:      c.buffer,
		Interval:    cfg.FrameInterval,
		FocusBudget: cfg.PumpFocus,
		StopTimeout: cfg.StopTimeout,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(cfg.ReconnectDelay)
		},
		OnError: c.recordError,
		Logger:  logger.Named("pump"),
	})
	c.coord = capture.New(capture.Config{
		Open:        c.openCaptureSession,
		Store:       cfg.Store,
		Frames:      c.buffer,
		FocusBudget: cfg.CaptureFocus,
		Logger:      logger.Named("capture"),
	})
	c.machine.OnTransition(func(from, to mode.Mode) {
		c.notify(Event{Type: "mode", From: string(from), Mode: string(to)})
	})
	return c
}

// Frames exposes the live frame buffer to the stream handlers.
func (c *Controller) Frames() *preview.Buffer { return c.buffer }

// OnModeChange registers a mode transition listener, for the front panel.
func (c *Controller) OnModeChange(l mode.Listener) { c.machine.OnTransition(l) }

// Notify registers an event sink, for the status event stream. Register
// before serving; sinks must not block.
func (c *Controller) Notify(fn func(Event)) {
	c.mu.Lock()
	c.sinks = append(c.sinks, fn)
	c.mu.Unlock()
}

func (c *Controller) notify(e Event) {
	c.mu.Lock()
	sinks := c.sinks
	c.mu.Unlock()
	for _, fn := range sinks {
		fn(e)
	}
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

func (c *Controller) openSession() (*camera.Session, error) {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	sess, err := camera.Open(c.cfg.Driver, port, c.logger)
	if err != nil {
		c.recordError(err)
		return nil, err
	}
	c.clearError()
	return sess, nil
}

func (c *Controller) openPreviewSession() (preview.Session, error) {
	sess, err := c.openSession()
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// openCaptureSession negotiates formats up front; the coordinator handles
// focus and the shot itself.
func (c *Controller) openCaptureSession() (capture.Session, error) {
	sess, err := c.openSession()
	if err != nil {
		return nil, err
	}
	sess.NegotiateFeatures()
	return sess, nil
}

func (c *Controller) recordError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
	c.notify(Event{Type: "device_error", Error: err.Error()})
}

func (c *Controller) clearError() {
	c.mu.Lock()
	c.lastError = ""
	c.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Viewers
// -----------------------------------------------------------------------------

// Attach registers a stream viewer and starts the pump when it is the
// first one in live mode.
func (c *Controller) Attach() uuid.UUID {
	id := uuid.New()
	c.mu.Lock()
	c.viewers[id] = struct{}{}
	n := len(c.viewers)
	c.mu.Unlock()
	c.logger.Info("viewer attached", zap.Stringer("viewer", id), zap.Int("viewers", n))
	c.ensurePreview()
	return id
}

// Detach removes a viewer. Unknown or already-removed IDs are ignored.
func (c *Controller) Detach(id uuid.UUID) {
	c.mu.Lock()
	_, known := c.viewers[id]
	delete(c.viewers, id)
	n := len(c.viewers)
	c.mu.Unlock()
	if !known {
		return
	}
	c.logger.Info("viewer detached", zap.Stringer("viewer", id), zap.Int("viewers", n))
	c.ensurePreview()
}

// ensurePreview reconciles the pump with the desired state: running exactly
// when someone is watching and the box is in live mode.
func (c *Controller) ensurePreview() {
	c.mu.Lock()
	n := len(c.viewers)
	c.mu.Unlock()
	if n > 0 && c.machine.Current() == mode.Live {
		c.pump.Start()
	} else {
		c.pump.Stop()
	}
}

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

// Capture takes a full-resolution shot. The pump is stopped first so the
// capture session has the camera to itself; afterwards the box is in
// captured mode showing the review frame, or back in live mode on failure.
func (c *Controller) Capture() (storage.Asset, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.pump.Stop()

	if c.machine.Current() == mode.Captured {
		// retake: the new shot replaces the one awaiting confirmation
		c.machine.Reset()
	}
	if err := c.machine.Begin(); err != nil {
		c.ensurePreview()
		return storage.Asset{}, err
	}

	asset, err := c.coord.Run()
	if err != nil {
		c.recordError(err)
		c.notify(Event{Type: "capture_error", Error: err.Error()})
		if ferr := c.machine.Fail(); ferr != nil {
			c.logger.Error("mode reset after failed capture", zap.Error(ferr))
		}
		c.ensurePreview()
		return storage.Asset{}, err
	}

	if cerr := c.machine.Complete(); cerr != nil {
		c.logger.Error("mode advance after capture", zap.Error(cerr))
	}
	c.notify(Event{Type: "capture", URL: "/captured_images/" + asset.Name})
	c.ensurePreview()
	return asset, nil
}

// Confirm accepts the captured shot: drop it from the slot, return to live
// and hand back a fresh stream URL.
func (c *Controller) Confirm() string {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.resetToLive()
	return fmt.Sprintf("/video_feed?ts=%d", time.Now().UnixMilli())
}

// ReturnLive discards the captured shot and resumes the live view.
func (c *Controller) ReturnLive() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.resetToLive()
}

func (c *Controller) resetToLive() {
	c.cfg.Store.Clear()
	c.pump.Stop()
	c.machine.Reset()
	c.ensurePreview()
}

// StopStream force-stops the pump and resets the mode. Deliberately no
// reconcile here: an explicit stop stays stopped until the next viewer or
// mode event.
func (c *Controller) StopStream() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.machine.Reset()
	c.pump.Stop()
}

// SelectCamera switches to the given port and restarts the preview against
// the new camera if anyone is watching.
func (c *Controller) SelectCamera(port string) string {
	port = strings.TrimSpace(port)
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	c.port = port
	c.mu.Unlock()
	c.logger.Info("switching camera", zap.String("port", port))
	c.pump.Stop()
	c.pump.ResetSupport()
	c.machine.Reset()
	c.ensurePreview()
	return port
}

// ListCameras runs a detection pass. Failures are logged and reported as an
// empty list, like an empty USB bus.
func (c *Controller) ListCameras() []CameraInfo {
	infos, err := c.cfg.Driver.Detect()
	if err != nil {
		c.logger.Error("autodetect failed", zap.Error(err))
		return []CameraInfo{}
	}
	out := make([]CameraInfo, 0, len(infos))
	for _, d := range infos {
		out = append(out, CameraInfo{Model: d.Model, Port: d.Port})
	}
	return out
}

// SelectedPort returns the configured port, empty when auto-detecting.
func (c *Controller) SelectedPort() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// Download returns the captured asset awaiting confirmation.
func (c *Controller) Download() (storage.Asset, bool) {
	return c.cfg.Store.Last()
}

// SaveDir is where captures land on disk.
func (c *Controller) SaveDir() string { return c.cfg.Store.Dir() }

// FrameInterval paces both the pump and the outgoing streams.
func (c *Controller) FrameInterval() time.Duration { return c.cfg.FrameInterval }

// Mode returns the current mode.
func (c *Controller) Mode() mode.Mode { return c.machine.Current() }

// Health snapshots the controller state.
func (c *Controller) Health() Health {
	c.mu.Lock()
	viewers := len(c.viewers)
	port := c.port
	lastErr := c.lastError
	c.mu.Unlock()
	return Health{
		OK:              true,
		Running:         c.pump.Running(),
		Viewers:         viewers,
		Mode:            string(c.machine.Current()),
		SelectedPort:    optional(port),
		SupportsPreview: c.pump.PreviewSupport(),
		LastError:       optional(lastErr),
		PreviewFPS:      c.cfg.PreviewFPS,
	}
}

// Diagnostics is Health plus a detection pass against the USB bus.
func (c *Controller) Diagnostics() Diag {
	h := c.Health()
	return Diag{
		Detected:        c.ListCameras(),
		SelectedPort:    h.SelectedPort,
		Running:         h.Running,
		SupportsPreview: h.SupportsPreview,
		Viewers:         h.Viewers,
		Mode:            h.Mode,
		LastError:       h.LastError,
		PreviewFPS:      h.PreviewFPS,
	}
}

// Shutdown stops the pump with a bounded join.
func (c *Controller) Shutdown() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.pump.Stop()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
