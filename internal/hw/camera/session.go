package camera

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Widget names and match words for camera state negotiation, collected from
// Canon and Nikon PTP property tables.
var (
	formatKeys      = []string{"imageformat", "imagequality"}
	liveViewKeys    = []string{"viewfinder", "liveview", "eosviewfinder", "movie", "uilock"}
	liveViewOnWords = []string{"on", "live", "enable", "movie", "viewfinder"}
	focusToggleKeys = []string{"autofocusdrive", "autofocus", "triggerfocus"}
)

// Session is one bound camera connection plus the tethering state that
// belongs to it. A session is owned by a single goroutine at a time (the
// preview pump or a capture), never shared.
type Session struct {
	conn   Conn
	info   DeviceInfo
	logger *zap.Logger

	previewSupport *bool // nil until the first probe
	closed         bool
}

// Open binds a camera. With a port hint the camera on that port is used
// directly; otherwise the first detected camera wins.
func Open(drv Driver, portHint string, logger *zap.Logger) (*Session, error) {
	info := DeviceInfo{Port: strings.TrimSpace(portHint)}
	if info.Port == "" {
		devices, err := drv.Detect()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
		}
		if len(devices) == 0 {
			return nil, ErrDeviceNotFound
		}
		info = devices[0]
		logger.Info("auto-selected camera",
			zap.String("model", info.Model), zap.String("port", info.Port))
	}

	conn, err := drv.Open(info.Port)
	if err != nil {
		return nil, fmt.Errorf("%w on port %s: %v", ErrDeviceInitFailed, info.Port, err)
	}
	return &Session{conn: conn, info: info, logger: logger}, nil
}

// Info reports the bound camera.
func (s *Session) Info() DeviceInfo {
	return s.info
}

// PreviewSupport reports the cached probe result; nil means not probed yet.
func (s *Session) PreviewSupport() *bool {
	return s.previewSupport
}

// Close releases the connection. Safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// NegotiateFeatures nudges the camera into a tether-friendly state: select a
// JPEG image format when the camera offers one and switch live view on.
// Cameras differ too much for any of this to be fatal, so every step is best
// effort.
func (s *Session) NegotiateFeatures() {
	s.preferJPEG()
	s.enableLiveView()
}

func (s *Session) preferJPEG() {
	for _, key := range formatKeys {
		_, choices, err := s.conn.Choices(key)
		if err != nil {
			continue
		}
		for _, choice := range choices {
			lc := strings.ToLower(choice)
			if strings.Contains(lc, "jpeg") || strings.Contains(lc, "jpg") || strings.Contains(lc, "fine") {
				if err := s.conn.Set(key, choice); err != nil {
					s.logger.Warn("cannot select jpeg format",
						zap.String("key", key), zap.Error(err))
				} else {
					s.logger.Info("image format set",
						zap.String("key", key), zap.String("value", choice))
				}
				return
			}
		}
	}
}

// enableLiveView switches on every live-view-ish widget the camera exposes,
// then re-asserts capturetarget. Some bodies need the latter for preview and
// capture to coexist.
func (s *Session) enableLiveView() {
	for _, key := range liveViewKeys {
		_, choices, err := s.conn.Choices(key)
		if err != nil {
			continue
		}
		if len(choices) == 0 {
			// toggle widget
			_ = s.conn.Set(key, "1")
			continue
		}
		for _, choice := range choices {
			if containsAny(strings.ToLower(choice), liveViewOnWords) {
				_ = s.conn.Set(key, choice)
				break
			}
		}
	}

	if current, _, err := s.conn.Choices("capturetarget"); err == nil && current != "" {
		_ = s.conn.Set("capturetarget", current)
	}
}

// ProbePreview determines once per session whether the camera delivers live
// view frames. The result is cached; the probe frame itself is discarded.
func (s *Session) ProbePreview() bool {
	if s.previewSupport != nil {
		return *s.previewSupport
	}
	data, err := s.conn.CapturePreview()
	ok := err == nil && len(data) > 0
	s.previewSupport = &ok
	if !ok {
		s.logger.Warn("camera does not deliver preview frames",
			zap.String("port", s.info.Port), zap.Error(err))
	}
	return ok
}

// RetryPreviewProbe re-enables live view and probes again, clearing the
// cached result first. Recovery path for bodies that need a second nudge
// before live view sticks.
func (s *Session) RetryPreviewProbe() bool {
	s.enableLiveView()
	s.previewSupport = nil
	return s.ProbePreview()
}

// FetchPreviewFrame grabs one live view frame.
func (s *Session) FetchPreviewFrame() ([]byte, error) {
	if s.previewSupport != nil && !*s.previewSupport {
		return nil, ErrPreviewUnsupported
	}
	data, err := s.conn.CapturePreview()
	if err != nil {
		return nil, fmt.Errorf("%w: preview: %v", ErrDeviceTransient, err)
	}
	return data, nil
}

// AttemptAutofocus drives the camera's autofocus through whichever controls
// the body exposes, then waits for the lens to settle. Returns whether any
// control accepted the request.
func (s *Session) AttemptAutofocus(budget time.Duration) bool {
	tried := false
	ok := false

	// drive toggles: first present key wins
	for _, key := range focusToggleKeys {
		if err := s.conn.Set(key, "1"); err == nil {
			tried, ok = true, true
			break
		}
	}

	if halfTried, halfOK := s.halfPressFocus(); halfTried {
		tried = true
		ok = ok || halfOK
	}

	if driveTried, driveOK := s.nearFocusDrive(); driveTried {
		tried = true
		ok = ok || driveOK
	}

	if tried {
		time.Sleep(clampFocusSettle(budget))
	}
	return ok
}

// halfPressFocus focuses Canon-style: hold the remote release half-pressed,
// then let go.
func (s *Session) halfPressFocus() (tried, ok bool) {
	_, choices, err := s.conn.Choices("eosremoterelease")
	if err != nil || len(choices) == 0 {
		return false, false
	}
	var half, release string
	for _, c := range choices {
		lc := strings.ToLower(c)
		if half == "" && strings.Contains(lc, "half") {
			half = c
		}
		if release == "" && strings.Contains(lc, "release") {
			release = c
		}
	}
	if half == "" {
		return true, false
	}
	if err := s.conn.Set("eosremoterelease", half); err != nil {
		return true, false
	}
	time.Sleep(200 * time.Millisecond)
	if release != "" {
		_ = s.conn.Set("eosremoterelease", release)
	}
	return true, true
}

// nearFocusDrive steps the focus motor a small amount toward near. Weakest
// of the strategies, but the only one some bodies have.
func (s *Session) nearFocusDrive() (tried, ok bool) {
	_, choices, err := s.conn.Choices("manualfocusdrive")
	if err != nil || len(choices) == 0 {
		return false, false
	}
	choice := choices[0]
	for _, c := range choices {
		lc := strings.ToLower(c)
		if strings.Contains(lc, "near") || lc == "1" || strings.Contains(lc, "small") {
			choice = c
			break
		}
	}
	return true, s.conn.Set("manualfocusdrive", choice) == nil
}

func clampFocusSettle(budget time.Duration) time.Duration {
	if budget < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	if budget > 2*time.Second {
		return 2 * time.Second
	}
	return budget
}

// Capture is the result of one full-resolution capture.
type Capture struct {
	Data []byte
	Mime string
	Ref  FileRef
}

// CaptureFullResolution fires the shutter, downloads the image, then removes
// it from the camera card (best effort). The returned Ref stays usable for a
// thumbnail fetch on bodies that capture to RAM.
func (s *Session) CaptureFullResolution() (*Capture, error) {
	ref, err := s.conn.TriggerCapture()
	if err != nil {
		return nil, fmt.Errorf("%w: trigger: %v", ErrCaptureFailed, err)
	}
	data, mimeType, err := s.conn.FetchFile(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrCaptureFailed, ref.Name, err)
	}
	if err := s.conn.DeleteFile(ref); err != nil {
		s.logger.Warn("cannot delete file on camera",
			zap.String("file", ref.Name), zap.Error(err))
	}
	return &Capture{Data: data, Mime: mimeType, Ref: ref}, nil
}

// FetchThumbnail downloads the embedded preview of a captured file.
func (s *Session) FetchThumbnail(ref FileRef) ([]byte, error) {
	return s.conn.FetchThumbnail(ref)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
