package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/cjeanneret/TetherGo/internal/config"
	"github.com/cjeanneret/TetherGo/internal/hw/camera"
	"github.com/cjeanneret/TetherGo/internal/hw/gpio"
	"github.com/cjeanneret/TetherGo/internal/hw/panel"
	"github.com/cjeanneret/TetherGo/internal/logging"
	"github.com/cjeanneret/TetherGo/internal/logic/control"
	"github.com/cjeanneret/TetherGo/internal/logic/mode"
	"github.com/cjeanneret/TetherGo/internal/storage"
	"github.com/cjeanneret/TetherGo/internal/web"
)

func main() {
	// CLI flags
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	addr := flag.String("addr", "", "listen address override, e.g. :8080")
	cameraPort := flag.String("camera-port", "", "camera port override, e.g. usb:001,004; empty = auto-detect")
	fps := flag.Float64("fps", 0, "preview frame rate override (1-60)")
	saveDir := flag.String("save-dir", "", "capture directory override")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (only non-zero values are applied; zero means "use config")
	if err := validateFlagOverrides(*fps); err != nil {
		log.Fatalf("invalid flag: %v", err)
	}
	applyFlagOverrides(cfg, flagOverrides{
		Addr:       *addr,
		CameraPort: *cameraPort,
		FPS:        *fps,
		SaveDir:    *saveDir,
	})

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logging failed: %v", err)
	}
	defer logger.Sync()

	logger.Info("tethergo starting",
		zap.String("config", *cfgPath),
		zap.String("addr", cfg.Server.ListenAddr),
		zap.String("camera_port", cfg.Camera.Port),
		zap.Float64("preview_fps", cfg.Preview.FPS))

	store, err := storage.New(cfg.Capture.SaveDir, logger.Named("storage"))
	if err != nil {
		log.Fatalf("init storage failed: %v", err)
	}

	driver := camera.NewGphoto2Driver(cfg.Camera.Gphoto2Bin, cfg.CommandTimeout(), logger.Named("gphoto2"))

	ctrl := control.New(control.Config{
		Driver:         driver,
		Store:          store,
		InitialPort:    cfg.Camera.Port,
		PreviewFPS:     cfg.Preview.FPS,
		FrameInterval:  cfg.FrameInterval(),
		ReconnectDelay: cfg.ReconnectDelay(),
		PumpFocus:      cfg.PumpFocusBudget(),
		CaptureFocus:   cfg.CaptureFocusBudget(),
		StopTimeout:    cfg.PumpStopTimeout(),
		Logger:         logger,
	})
	defer ctrl.Shutdown()

	// Optional front panel: status LED plus a physical shutter button
	if cfg.Panel.Enabled {
		gpioDriver, err := gpio.NewDriver(cfg.Panel.MockGPIO, logger.Named("gpio"))
		if err != nil {
			log.Fatalf("init GPIO failed: %v", err)
		}
		defer func() {
			if err := gpioDriver.Close(); err != nil {
				logger.Warn("closing GPIO driver failed", zap.Error(err))
			}
		}()

		pnl, err := panel.New(panel.Config{
			Driver:    gpioDriver,
			ButtonPin: cfg.Panel.ButtonPin,
			LEDPin:    cfg.Panel.LEDPin,
			Poll:      cfg.ButtonPoll(),
			OnPress: func() {
				if _, err := ctrl.Capture(); err != nil {
					logger.Warn("button capture failed", zap.Error(err))
				}
			},
			Logger: logger.Named("panel"),
		})
		if err != nil {
			log.Fatalf("init front panel failed: %v", err)
		}
		ctrl.OnModeChange(func(_, to mode.Mode) { pnl.SetMode(to) })
		pnl.Start()
		defer pnl.Stop()
	}

	srv := web.NewServer(cfg.Server.ListenAddr, cfg.Server.FrontendOrigin, ctrl, logger.Named("web"))
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("web server: %v", err)
	}
	logger.Info("tethergo stopped")
}

// flagOverrides carries the command line values that win over the config
// file. Zero values mean "use the config".
type flagOverrides struct {
	Addr       string
	CameraPort string
	FPS        float64
	SaveDir    string
}

// validateFlagOverrides checks that a non-zero fps override is usable.
// Zero is ignored (it means "use config default").
func validateFlagOverrides(fps float64) error {
	if fps != 0 {
		if math.IsNaN(fps) || math.IsInf(fps, 0) || fps < 1 || fps > 60 {
			return fmt.Errorf("fps must be between 1 and 60, got %g", fps)
		}
	}
	return nil
}

// applyFlagOverrides mutates cfg with overrides. Only non-zero values are
// applied.
func applyFlagOverrides(cfg *config.Config, o flagOverrides) {
	if o.Addr != "" {
		cfg.Server.ListenAddr = o.Addr
	}
	if o.CameraPort != "" {
		cfg.Camera.Port = o.CameraPort
	}
	if o.FPS > 0 {
		cfg.Preview.FPS = o.FPS
	}
	if o.SaveDir != "" {
		cfg.Capture.SaveDir = o.SaveDir
	}
}
