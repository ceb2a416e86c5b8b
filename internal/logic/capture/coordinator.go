// Package capture runs a single full-resolution capture transaction against
// a freshly opened camera session.
package capture

import (
	"bytes"
	"time"

	"go.uber.org/zap"

	"github.com/cjeanneret/TetherGo/internal/hw/camera"
	"github.com/cjeanneret/TetherGo/internal/storage"
)

// Session is the slice of a camera session a capture needs. Satisfied by
// *camera.Session; tests supply fakes.
type Session interface {
	AttemptAutofocus(budget time.Duration) bool
	CaptureFullResolution() (*camera.Capture, error)
	FetchThumbnail(ref camera.FileRef) ([]byte, error)
	Close() error
}

// SessionFactory opens a session bound to the currently selected camera.
type SessionFactory func() (Session, error)

// Saver persists a capture payload. Satisfied by *storage.Store.
type Saver interface {
	Save(data []byte, mimeType, deviceName string) (storage.Asset, error)
}

// Publisher receives the frame shown on the review screen. Satisfied by
// *preview.Buffer.
type Publisher interface {
	Publish(frame []byte)
}

var jpegSOI = []byte{0xFF, 0xD8}

// Config parameterizes a Coordinator.
type Config struct {
	Open        SessionFactory
	Store       Saver
	Frames      Publisher
	FocusBudget time.Duration
	Logger      *zap.Logger
}

// Coordinator executes captures. The caller is responsible for stopping the
// preview pump first; the coordinator opens its own session so a capture
// never shares a device handle with the live view.
type Coordinator struct {
	cfg Config
}

func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{cfg: cfg}
}

// Run performs one capture: open, focus, trigger, persist, and push a review
// frame. The session is closed before Run returns, success or not.
func (c *Coordinator) Run() (storage.Asset, error) {
	sess, err := c.cfg.Open()
	if err != nil {
		return storage.Asset{}, err
	}
	defer func() { _ = sess.Close() }()

	if sess.AttemptAutofocus(c.cfg.FocusBudget) {
		c.cfg.Logger.Info("autofocus before capture done")
	} else {
		c.cfg.Logger.Info("autofocus before capture skipped")
	}

	shot, err := sess.CaptureFullResolution()
	if err != nil {
		return storage.Asset{}, err
	}

	asset, err := c.cfg.Store.Save(shot.Data, shot.Mime, shot.Ref.Name)
	if err != nil {
		return storage.Asset{}, err
	}

	c.publishReviewFrame(sess, asset, shot.Ref)
	return asset, nil
}

// publishReviewFrame mirrors the shot into the live frame slot so the review
// screen shows it. JPEG captures go out as-is; for raw formats we try the
// camera's embedded thumbnail instead. Bodies that capture straight to the
// card may refuse the thumbnail fetch after the delete, which leaves the
// previous live frame in place.
func (c *Coordinator) publishReviewFrame(sess Session, asset storage.Asset, ref camera.FileRef) {
	if asset.DeclaresJPEG() && bytes.HasPrefix(asset.Data, jpegSOI) {
		c.cfg.Frames.Publish(asset.Data)
		return
	}
	thumb, err := sess.FetchThumbnail(ref)
	if err != nil {
		c.cfg.Logger.Debug("no thumbnail for review frame", zap.Error(err))
		return
	}
	if bytes.HasPrefix(thumb, jpegSOI) {
		c.cfg.Frames.Publish(thumb)
	}
}
