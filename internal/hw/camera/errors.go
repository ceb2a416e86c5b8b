package camera

import "errors"

// Device failures are classified so callers can branch with errors.Is
// and the web layer can map them to status codes.
var (
	ErrDeviceNotFound     = errors.New("no camera detected")
	ErrDeviceInitFailed   = errors.New("camera init failed")
	ErrPreviewUnsupported = errors.New("preview not supported")
	ErrDeviceTransient    = errors.New("transient camera error")
	ErrCaptureFailed      = errors.New("capture failed")
)
