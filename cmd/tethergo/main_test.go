package main

import (
	"math"
	"testing"

	"github.com/cjeanneret/TetherGo/internal/config"
)

// ---------- validateFlagOverrides ----------

func TestValidateFlagOverrides_Zero(t *testing.T) {
	if err := validateFlagOverrides(0); err != nil {
		t.Errorf("zero should be valid (use config default), got: %v", err)
	}
}

func TestValidateFlagOverrides_ValidRange(t *testing.T) {
	for _, fps := range []float64{1, 18, 29.97, 60} {
		if err := validateFlagOverrides(fps); err != nil {
			t.Errorf("fps %g should be valid, got: %v", fps, err)
		}
	}
}

func TestValidateFlagOverrides_OutOfRange(t *testing.T) {
	cases := []struct {
		name string
		fps  float64
	}{
		{"below_min", 0.5},
		{"above_max", 61},
		{"negative", -1},
		{"NaN", math.NaN()},
		{"+Inf", math.Inf(1)},
		{"-Inf", math.Inf(-1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateFlagOverrides(tc.fps); err == nil {
				t.Error("expected error for out-of-range fps, got nil")
			}
		})
	}
}

// ---------- applyFlagOverrides ----------

func newTestConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr:     ":8080",
			FrontendOrigin: "http://localhost:3000",
		},
		Camera: config.CameraConfig{
			Port:       "usb:001,004",
			Gphoto2Bin: "gphoto2",
		},
		Preview: config.PreviewConfig{FPS: 18},
		Capture: config.CaptureConfig{SaveDir: "captured_images"},
	}
}

func TestApplyFlagOverrides_NonZero(t *testing.T) {
	cfg := newTestConfig()
	applyFlagOverrides(cfg, flagOverrides{
		Addr:       ":9090",
		CameraPort: "usb:002,007",
		FPS:        24,
		SaveDir:    "/tmp/shots",
	})
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want \":9090\"", cfg.Server.ListenAddr)
	}
	if cfg.Camera.Port != "usb:002,007" {
		t.Errorf("Camera.Port = %q, want \"usb:002,007\"", cfg.Camera.Port)
	}
	if cfg.Preview.FPS != 24 {
		t.Errorf("Preview.FPS = %v, want 24", cfg.Preview.FPS)
	}
	if cfg.Capture.SaveDir != "/tmp/shots" {
		t.Errorf("SaveDir = %q, want \"/tmp/shots\"", cfg.Capture.SaveDir)
	}
}

func TestApplyFlagOverrides_ZeroLeavesUnchanged(t *testing.T) {
	cfg := newTestConfig()
	origAddr := cfg.Server.ListenAddr
	origPort := cfg.Camera.Port
	origFPS := cfg.Preview.FPS
	origDir := cfg.Capture.SaveDir

	applyFlagOverrides(cfg, flagOverrides{})

	if cfg.Server.ListenAddr != origAddr {
		t.Errorf("ListenAddr changed: %q != %q", cfg.Server.ListenAddr, origAddr)
	}
	if cfg.Camera.Port != origPort {
		t.Errorf("Camera.Port changed: %q != %q", cfg.Camera.Port, origPort)
	}
	if cfg.Preview.FPS != origFPS {
		t.Errorf("Preview.FPS changed: %v != %v", cfg.Preview.FPS, origFPS)
	}
	if cfg.Capture.SaveDir != origDir {
		t.Errorf("SaveDir changed: %q != %q", cfg.Capture.SaveDir, origDir)
	}
}

func TestApplyFlagOverrides_Partial(t *testing.T) {
	cfg := newTestConfig()
	origAddr := cfg.Server.ListenAddr
	origDir := cfg.Capture.SaveDir

	applyFlagOverrides(cfg, flagOverrides{CameraPort: "usb:003,001"})

	if cfg.Camera.Port != "usb:003,001" {
		t.Errorf("Camera.Port = %q, want \"usb:003,001\"", cfg.Camera.Port)
	}
	if cfg.Server.ListenAddr != origAddr {
		t.Errorf("ListenAddr should be unchanged: %q != %q", cfg.Server.ListenAddr, origAddr)
	}
	if cfg.Capture.SaveDir != origDir {
		t.Errorf("SaveDir should be unchanged: %q != %q", cfg.Capture.SaveDir, origDir)
	}
}
