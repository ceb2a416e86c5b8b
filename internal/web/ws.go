package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandlePreviewSocket streams live frames as binary websocket messages.
// One socket counts as one viewer, exactly like a /video_feed client.
func (h *Handlers) HandlePreviewSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id := h.ctrl.Attach()
	defer h.ctrl.Detach(id)

	// drain the read side so close frames are processed
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := h.ctrl.FrameInterval()
	if interval <= 0 {
		interval = time.Second / 18
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastSent uint64

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		frame, ver, _ := h.ctrl.Frames().Read()
		if ver == 0 || ver == lastSent {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
		lastSent = ver
	}
}
