package web

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cjeanneret/TetherGo/internal/logic/control"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	origin   string
	handlers *Handlers
	logger   *zap.Logger
}

// NewServer creates a server configured for the given address and controller.
// origin is the frontend origin allowed by CORS.
func NewServer(addr, origin string, ctrl *control.Controller, logger *zap.Logger) *Server {
	events := NewEventBroadcaster()
	ctrl.Notify(events.Broadcast)

	return &Server{
		addr:     addr,
		origin:   origin,
		handlers: NewHandlers(ctrl, events, origin, logger),
		logger:   logger,
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handlers.HandleRoot) // exact match for root only
	mux.HandleFunc("GET /api/health", s.handlers.HandleHealth)
	mux.HandleFunc("GET /api/diag", s.handlers.HandleDiag)
	mux.HandleFunc("GET /api/events", s.handlers.HandleEvents)
	mux.HandleFunc("GET /cameras", s.handlers.HandleCameras)
	mux.HandleFunc("GET /set_camera", s.handlers.HandleSetCamera)
	mux.HandleFunc("POST /set_camera", s.handlers.HandleSetCamera)
	mux.HandleFunc("POST /capture", s.handlers.HandleCapture)
	mux.HandleFunc("POST /confirm", s.handlers.HandleConfirm)
	mux.HandleFunc("POST /return_live", s.handlers.HandleReturnLive)
	mux.HandleFunc("GET /video_feed", s.handlers.HandleVideoFeed)
	mux.HandleFunc("GET /ws/preview", s.handlers.HandlePreviewSocket)
	mux.HandleFunc("GET /captured_images/{file}", s.handlers.HandleCapturedImage)
	mux.HandleFunc("GET /download", s.handlers.HandleDownload)
	mux.HandleFunc("POST /stop_stream", s.handlers.HandleStop)
	mux.HandleFunc("POST /stop", s.handlers.HandleStop)

	return corsMiddleware(s.origin, mux)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.logger.Info("web server listening", zap.String("addr", s.addr))
	return http.ListenAndServe(s.addr, s.Mux())
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully. The server carries no write timeout; the MJPEG and SSE
// responses stay open for as long as a client watches.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web server listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// corsMiddleware allows cross-origin requests from the configured frontend.
func corsMiddleware(allowed string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && origin == allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
