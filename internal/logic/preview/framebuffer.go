package preview

import (
	"sync"
	"time"
)

// Buffer is a single-slot frame store. A writer replaces the frame, readers
// poll; the version lets a reader detect a new frame without comparing
// bytes. Versions are strictly increasing for the life of the process.
type Buffer struct {
	mu      sync.RWMutex
	frame   []byte
	version uint64
	stamp   time.Time
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Publish stores a frame and bumps the version. The buffer takes ownership
// of the slice; callers must not modify it afterwards.
func (b *Buffer) Publish(frame []byte) {
	b.mu.Lock()
	b.frame = frame
	b.version++
	b.stamp = time.Now()
	b.mu.Unlock()
}

// Read returns the current frame, its version and its publish time. Version
// zero means nothing has been published yet. The returned slice is shared;
// treat it as read-only.
func (b *Buffer) Read() ([]byte, uint64, time.Time) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frame, b.version, b.stamp
}

// Version returns the current version without copying the frame.
func (b *Buffer) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}
