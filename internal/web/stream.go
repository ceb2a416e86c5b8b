package web

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// HandleVideoFeed streams the live view as MJPEG. Each connected client
// counts as a viewer; the first one starts the camera pump.
func (h *Handlers) HandleVideoFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	id := h.ctrl.Attach()
	defer h.ctrl.Detach(id)

	noCache(w.Header())
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	h.streamParts(r, w, flusher)
}

// streamParts writes multipart frames until the client goes away. Parts are
// paced at the preview rate and only written when the buffer holds a frame
// the client has not seen yet.
func (h *Handlers) streamParts(r *http.Request, w io.Writer, flusher http.Flusher) {
	interval := h.ctrl.FrameInterval()
	ctx := r.Context()
	var lastSent uint64
	nextSend := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}
		if wait := time.Until(nextSend); wait > 0 {
			// short naps keep cancellation prompt
			time.Sleep(min(wait, 5*time.Millisecond))
			continue
		}

		frame, ver, _ := h.ctrl.Frames().Read()
		if ver == 0 || ver == lastSent {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if err := writePart(w, frame); err != nil {
			return
		}
		flusher.Flush()
		lastSent = ver
		nextSend = time.Now().Add(interval)
	}
}

func writePart(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
