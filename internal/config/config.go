package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr     string `yaml:"listen_addr"`     // e.g., ":8080"
	FrontendOrigin string `yaml:"frontend_origin"` // origin allowed by CORS
}

// CameraConfig describes how to reach the tethered camera.
type CameraConfig struct {
	Port             string `yaml:"port"`               // e.g., "usb:001,004"; empty = first detected
	Gphoto2Bin       string `yaml:"gphoto2_bin"`        // gphoto2 binary name or path
	CommandTimeoutMs int    `yaml:"command_timeout_ms"` // per-invocation timeout for the CLI
}

// PreviewConfig tunes the live-view pump.
type PreviewConfig struct {
	FPS              float64 `yaml:"fps"`                // preview frames per second (clamped to 1-60)
	ReconnectDelayMs int     `yaml:"reconnect_delay_ms"` // pause before reopening after a device error
	StartupFocusMs   int     `yaml:"startup_focus_ms"`   // autofocus budget when the pump (re)connects
	StopTimeoutMs    int     `yaml:"stop_timeout_ms"`    // bound on waiting for the worker to exit
}

// CaptureConfig tunes full-resolution captures.
type CaptureConfig struct {
	SaveDir string `yaml:"save_dir"` // directory for captured files
	FocusMs int    `yaml:"focus_ms"` // autofocus budget before the shot
}

// PanelConfig describes the optional front panel (status LED + shutter button).
type PanelConfig struct {
	Enabled   bool `yaml:"enabled"`
	MockGPIO  bool `yaml:"mock_gpio"`  // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	ButtonPin int  `yaml:"button_pin"` // BCM pin for the shutter button (active LOW)
	LEDPin    int  `yaml:"led_pin"`    // BCM pin for the status LED
	PollMs    int  `yaml:"poll_ms"`    // button poll interval
}

// Config aggregates all application configuration.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Camera   CameraConfig  `yaml:"camera"`
	Preview  PreviewConfig `yaml:"preview"`
	Capture  CaptureConfig `yaml:"capture"`
	Panel    PanelConfig   `yaml:"panel"`
	LogLevel string        `yaml:"log_level"` // debug, info, warn or error
}

// Load reads a YAML file, applies environment overrides and returns the
// configuration. A missing file is not an error: the server can run on
// defaults and environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	case os.IsNotExist(err):
		// defaults + env only
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv maps the environment variables understood by earlier deployments
// onto the config. They win over file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("FRONTEND_ORIGIN"); v != "" {
		c.Server.FrontendOrigin = v
	}
	if v := os.Getenv("CAMERA_PORT"); v != "" {
		c.Camera.Port = v
	}
	if v := os.Getenv("PREVIEW_FPS"); v != "" {
		if fps, err := strconv.ParseFloat(v, 64); err == nil {
			c.Preview.FPS = fps
		}
	}
}

func (c *Config) validate() error {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.FrontendOrigin == "" {
		c.Server.FrontendOrigin = "http://localhost:3000"
	}
	if c.Camera.Gphoto2Bin == "" {
		c.Camera.Gphoto2Bin = "gphoto2"
	}
	if c.Camera.CommandTimeoutMs <= 0 {
		c.Camera.CommandTimeoutMs = 15000
	}
	if c.Preview.FPS == 0 {
		c.Preview.FPS = 18
	}
	if c.Preview.FPS < 1 {
		c.Preview.FPS = 1
	}
	if c.Preview.FPS > 60 {
		c.Preview.FPS = 60
	}
	if c.Preview.ReconnectDelayMs <= 0 {
		c.Preview.ReconnectDelayMs = 800
	}
	if c.Preview.StartupFocusMs <= 0 {
		c.Preview.StartupFocusMs = 400
	}
	if c.Preview.StopTimeoutMs <= 0 {
		c.Preview.StopTimeoutMs = 2000
	}
	if c.Capture.SaveDir == "" {
		c.Capture.SaveDir = "captured_images"
	}
	if c.Capture.FocusMs <= 0 {
		c.Capture.FocusMs = 600
	}
	if c.Panel.Enabled {
		if c.Panel.ButtonPin <= 0 {
			return fmt.Errorf("panel.button_pin is required when the panel is enabled")
		}
		if c.Panel.LEDPin <= 0 {
			return fmt.Errorf("panel.led_pin is required when the panel is enabled")
		}
	}
	if c.Panel.PollMs <= 0 {
		c.Panel.PollMs = 50
	}
	switch c.LogLevel {
	case "":
		c.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return nil
}

// FrameInterval returns the time between two preview frames.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.Preview.FPS)
}

// ReconnectDelay returns the pause before the pump reopens the device.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Preview.ReconnectDelayMs) * time.Millisecond
}

// PumpFocusBudget returns the autofocus budget used when the pump connects.
func (c *Config) PumpFocusBudget() time.Duration {
	return time.Duration(c.Preview.StartupFocusMs) * time.Millisecond
}

// PumpStopTimeout returns the bound on joining the pump worker.
func (c *Config) PumpStopTimeout() time.Duration {
	return time.Duration(c.Preview.StopTimeoutMs) * time.Millisecond
}

// CaptureFocusBudget returns the autofocus budget before a full capture.
func (c *Config) CaptureFocusBudget() time.Duration {
	return time.Duration(c.Capture.FocusMs) * time.Millisecond
}

// CommandTimeout returns the per-invocation timeout for the camera CLI.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Camera.CommandTimeoutMs) * time.Millisecond
}

// ButtonPoll returns the front-panel button poll interval.
func (c *Config) ButtonPoll() time.Duration {
	return time.Duration(c.Panel.PollMs) * time.Millisecond
}
