package camera

// DeviceInfo identifies a detected camera.
type DeviceInfo struct {
	Model string
	Port  string
}

// FileRef addresses a file on the camera's storage.
type FileRef struct {
	Folder string
	Name   string
}

// Conn is an open connection to one camera. Implementations talk PTP one
// way or another (gphoto2 CLI, a fake in tests); Session builds the
// tethering behavior on top.
type Conn interface {
	// Choices reads a configuration widget: its current value and, for
	// radio/menu widgets, the selectable values.
	Choices(key string) (current string, choices []string, err error)
	// Set writes a configuration widget.
	Set(key, value string) error
	// CapturePreview grabs one live view frame.
	CapturePreview() ([]byte, error)
	// TriggerCapture fires the shutter and reports where the camera
	// stored the image.
	TriggerCapture() (FileRef, error)
	// FetchFile downloads a stored image and reports its mime type.
	FetchFile(ref FileRef) (data []byte, mime string, err error)
	// FetchThumbnail downloads the embedded preview of a stored image.
	FetchThumbnail(ref FileRef) ([]byte, error)
	// DeleteFile removes a stored image.
	DeleteFile(ref FileRef) error
	Close() error
}

// Driver is the abstract transport to reach cameras, regardless of how
// they are connected (USB PTP via gphoto2, a fake in tests).
type Driver interface {
	Detect() ([]DeviceInfo, error)
	Open(port string) (Conn, error)
}
