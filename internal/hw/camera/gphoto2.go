package camera

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Gphoto2Driver drives cameras through the gphoto2 command line tool, the
// stock way to reach a PTP camera on Raspberry Pi OS. Each operation runs a
// short-lived process, so no libgphoto2 state lives in this process.
type Gphoto2Driver struct {
	bin     string
	timeout time.Duration
	logger  *zap.Logger
}

var _ Driver = (*Gphoto2Driver)(nil)

// NewGphoto2Driver creates a CLI-backed driver. bin is the gphoto2 binary
// name or path; timeout bounds every invocation.
func NewGphoto2Driver(bin string, timeout time.Duration, logger *zap.Logger) *Gphoto2Driver {
	return &Gphoto2Driver{bin: bin, timeout: timeout, logger: logger}
}

func (d *Gphoto2Driver) run(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s %s: %s", d.bin, strings.Join(args, " "), msg)
	}
	return stdout.Bytes(), nil
}

// Detect lists connected cameras via --auto-detect.
func (d *Gphoto2Driver) Detect() ([]DeviceInfo, error) {
	out, err := d.run("--auto-detect")
	if err != nil {
		return nil, err
	}
	devices := parseAutoDetect(string(out))
	d.logger.Debug("auto-detect", zap.Int("cameras", len(devices)))
	return devices, nil
}

// Open returns a connection for the camera on the given port. An empty port
// lets gphoto2 pick the only connected camera. A cheap round trip proves the
// camera actually answers.
func (d *Gphoto2Driver) Open(port string) (Conn, error) {
	c := &gphoto2Conn{drv: d, port: port}
	if _, err := d.run(c.args("--summary")...); err != nil {
		return nil, err
	}
	return c, nil
}

// parseAutoDetect reads the table printed by gphoto2 --auto-detect:
//
//	Model                          Port
//	----------------------------------------------------------
//	Nikon DSC D90 (PTP mode)       usb:001,006
func parseAutoDetect(out string) []DeviceInfo {
	var devices []DeviceInfo
	headerSeen := false
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "----") {
			headerSeen = true
			continue
		}
		if !headerSeen {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		port := fields[len(fields)-1]
		if !strings.Contains(port, ":") {
			continue
		}
		devices = append(devices, DeviceInfo{
			Model: strings.Join(fields[:len(fields)-1], " "),
			Port:  port,
		})
	}
	return devices
}

type gphoto2Conn struct {
	drv  *Gphoto2Driver
	port string
}

var _ Conn = (*gphoto2Conn)(nil)

func (c *gphoto2Conn) args(extra ...string) []string {
	out := []string{"--quiet"}
	if c.port != "" {
		out = append(out, "--port", c.port)
	}
	return append(out, extra...)
}

func (c *gphoto2Conn) Choices(key string) (string, []string, error) {
	out, err := c.drv.run(c.args("--get-config", key)...)
	if err != nil {
		return "", nil, err
	}
	var current string
	var choices []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Current: "); ok {
			current = v
			continue
		}
		if v, ok := strings.CutPrefix(line, "Choice: "); ok {
			// "Choice: 2 JPEG Fine"; strip the index
			if _, val, found := strings.Cut(v, " "); found {
				choices = append(choices, val)
			}
		}
	}
	return current, choices, nil
}

func (c *gphoto2Conn) Set(key, value string) error {
	_, err := c.drv.run(c.args("--set-config", key+"="+value)...)
	return err
}

func (c *gphoto2Conn) CapturePreview() ([]byte, error) {
	// --capture-preview writes to a file; stage it in a private dir
	dir, err := os.MkdirTemp("", "tethergo-preview-")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	target := filepath.Join(dir, "preview.jpg")
	if _, err := c.drv.run(c.args("--capture-preview", "--filename", target, "--force-overwrite")...); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("read preview: %w", err)
	}
	return data, nil
}

func (c *gphoto2Conn) TriggerCapture() (FileRef, error) {
	out, err := c.drv.run(c.args("--capture-image")...)
	if err != nil {
		return FileRef{}, err
	}
	ref, ok := parseCaptureLocation(string(out))
	if !ok {
		return FileRef{}, fmt.Errorf("unexpected --capture-image output: %q", strings.TrimSpace(string(out)))
	}
	return ref, nil
}

// parseCaptureLocation extracts the on-camera path from a line like
// "New file is in location /store_00010001/DCIM/100NCD90/DSC_0042.JPG on the camera".
func parseCaptureLocation(out string) (FileRef, bool) {
	for _, line := range strings.Split(out, "\n") {
		_, rest, found := strings.Cut(line, "New file is in location ")
		if !found {
			continue
		}
		loc := strings.TrimSpace(rest)
		loc = strings.TrimSuffix(loc, " on the camera")
		loc = strings.TrimSpace(loc)
		if loc == "" {
			continue
		}
		return FileRef{Folder: path.Dir(loc), Name: path.Base(loc)}, true
	}
	return FileRef{}, false
}

func (c *gphoto2Conn) FetchFile(ref FileRef) ([]byte, string, error) {
	out, err := c.drv.run(c.args("--folder", ref.Folder, "--get-file", ref.Name, "--stdout")...)
	if err != nil {
		return nil, "", err
	}
	if len(out) == 0 {
		return nil, "", fmt.Errorf("empty file %s", ref.Name)
	}
	return out, mimeFromName(ref.Name), nil
}

func (c *gphoto2Conn) FetchThumbnail(ref FileRef) ([]byte, error) {
	out, err := c.drv.run(c.args("--folder", ref.Folder, "--get-thumbnail", ref.Name, "--stdout")...)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty thumbnail for %s", ref.Name)
	}
	return out, nil
}

func (c *gphoto2Conn) DeleteFile(ref FileRef) error {
	_, err := c.drv.run(c.args("--folder", ref.Folder, "--delete-file", ref.Name)...)
	return err
}

// Close is a no-op: every operation runs its own process, so there is no
// persistent connection to tear down.
func (c *gphoto2Conn) Close() error {
	return nil
}

var mimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".cr2":  "image/x-canon-cr2",
	".nef":  "image/x-nikon-nef",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

// mimeFromName derives a mime type from the on-camera filename. The CLI does
// not report one, and the filename is all the camera gives us.
func mimeFromName(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if m, ok := mimeByExt[ext]; ok {
		return m
	}
	if m := mime.TypeByExtension(ext); m != "" {
		return m
	}
	return "application/octet-stream"
}
