// Package panel drives the tether box front panel: a status LED and a
// physical shutter button on GPIO.
package panel

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cjeanneret/TetherGo/internal/hw/gpio"
	"github.com/cjeanneret/TetherGo/internal/logic/mode"
)

// Config wires the panel to its pins and to the capture operation.
type Config struct {
	Driver    gpio.Driver
	ButtonPin int
	LEDPin    int
	Poll      time.Duration
	OnPress   func() // invoked from the poll goroutine on each press
	Logger    *zap.Logger
}

// Panel polls the shutter button and mirrors the box mode on the LED.
// The button is wired active-low against a pull-up input.
type Panel struct {
	cfg Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New configures the pins and returns a stopped panel.
func New(cfg Config) (*Panel, error) {
	if cfg.Poll <= 0 {
		cfg.Poll = 50 * time.Millisecond
	}
	if cfg.OnPress == nil {
		cfg.OnPress = func() {}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := cfg.Driver.SetupPin(cfg.ButtonPin, gpio.InputPullup); err != nil {
		return nil, err
	}
	if err := cfg.Driver.SetupPin(cfg.LEDPin, gpio.Output); err != nil {
		return nil, err
	}
	if err := cfg.Driver.WritePin(cfg.LEDPin, gpio.Low); err != nil {
		return nil, err
	}
	return &Panel{cfg: cfg}, nil
}

// Start launches the button poll loop. No-op when already running.
func (p *Panel) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	p.cfg.Logger.Info("front panel active",
		zap.Int("button_pin", p.cfg.ButtonPin),
		zap.Int("led_pin", p.cfg.LEDPin))
	go p.poll(p.stopCh, p.done)
}

// Stop ends the poll loop and turns the LED off.
func (p *Panel) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh, done := p.stopCh, p.done
	p.mu.Unlock()

	close(stopCh)
	<-done
	if err := p.cfg.Driver.WritePin(p.cfg.LEDPin, gpio.Low); err != nil {
		p.cfg.Logger.Warn("led off failed", zap.Error(err))
	}
}

// SetMode updates the LED: off while live, on while a shot is in flight or
// awaiting confirmation. Register with the controller's mode listener.
func (p *Panel) SetMode(m mode.Mode) {
	level := gpio.High
	if m == mode.Live {
		level = gpio.Low
	}
	if err := p.cfg.Driver.WritePin(p.cfg.LEDPin, level); err != nil {
		p.cfg.Logger.Warn("led update failed", zap.Error(err))
	}
}

// poll samples the button each tick. A high-to-low edge fires OnPress; the
// line must return high before the next press counts. OnPress runs inline,
// so a slow capture naturally locks the button out.
func (p *Panel) poll(stopCh, done chan struct{}) {
	defer close(done)
	pressed := false
	ticker := time.NewTicker(p.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}
		level, err := p.cfg.Driver.ReadPin(p.cfg.ButtonPin)
		if err != nil {
			p.cfg.Logger.Warn("button read failed", zap.Error(err))
			continue
		}
		switch {
		case level == gpio.Low && !pressed:
			pressed = true
			p.cfg.Logger.Info("shutter button pressed")
			p.cfg.OnPress()
		case level == gpio.High && pressed:
			pressed = false
		}
	}
}
