// Package storage writes captured images to disk and keeps the most recent
// one in memory for review and download.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrFileIntegrity reports a capture whose bytes do not match what the file
// name promises.
var ErrFileIntegrity = errors.New("file integrity check failed")

var jpegSOI = []byte{0xFF, 0xD8}

// extByMime covers the formats tethered bodies actually report. Anything
// else falls through to the platform mime tables.
var extByMime = map[string]string{
	"image/jpeg":        ".jpg",
	"image/x-canon-cr2": ".cr2",
	"image/x-nikon-nef": ".nef",
	"image/tiff":        ".tif",
}

// Asset is one captured image, on disk and cached in memory.
type Asset struct {
	Path string // absolute path on disk
	Name string // base file name, capture_<timestamp><ext>
	Mime string
	Data []byte
	Time time.Time
}

// DeclaresJPEG reports whether the asset claims to be a JPEG, by mime type
// or by file extension.
func (a Asset) DeclaresJPEG() bool {
	return a.Mime == "image/jpeg" || declaresJPEG(a.Name)
}

// Store persists captures under a directory and tracks the latest one.
// A new capture replaces the slot; Clear empties it without touching disk.
type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	last *Asset
}

// New creates the save directory if needed and returns a store rooted there.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create save dir %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return &Store{dir: abs, logger: logger, now: time.Now}, nil
}

// Dir returns the absolute save directory.
func (s *Store) Dir() string { return s.dir }

// ChooseExt picks the on-disk extension for a capture: known mime types
// first, then the platform mime tables, then whatever extension the camera
// gave its own file, then .bin.
func ChooseExt(mimeType, deviceName string) string {
	if ext, ok := extByMime[mimeType]; ok {
		return ext
	}
	if mimeType != "" {
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	if ext := filepath.Ext(deviceName); ext != "" {
		return ext
	}
	return ".bin"
}

// Save writes the capture to disk under a timestamped name and makes it the
// latest asset. Files named as JPEG must start with the SOI marker;
// otherwise Save fails with ErrFileIntegrity and nothing is written.
func (s *Store) Save(data []byte, mimeType, deviceName string) (Asset, error) {
	now := s.now()
	ext := ChooseExt(mimeType, deviceName)
	name := "capture_" + now.Format("20060102_150405") + ext

	if declaresJPEG(name) && !bytes.HasPrefix(data, jpegSOI) {
		return Asset{}, fmt.Errorf("%w: %s does not start with the JPEG SOI marker", ErrFileIntegrity, name)
	}

	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Asset{}, fmt.Errorf("write %s: %w", path, err)
	}

	asset := Asset{Path: path, Name: name, Mime: mimeType, Data: data, Time: now}
	s.mu.Lock()
	s.last = &asset
	s.mu.Unlock()

	s.logger.Info("capture saved",
		zap.String("file", name),
		zap.String("mime", mimeType),
		zap.Int("bytes", len(data)))
	return asset, nil
}

// Last returns the most recent capture, if any.
func (s *Store) Last() (Asset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Asset{}, false
	}
	return *s.last, true
}

// Clear empties the slot. Files already on disk stay there.
func (s *Store) Clear() {
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
}

func declaresJPEG(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg")
}
