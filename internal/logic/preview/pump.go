package preview

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/cjeanneret/TetherGo/internal/hw/camera"
)

// Session is the slice of a camera session the pump needs. Satisfied by
// *camera.Session; tests supply fakes.
type Session interface {
	NegotiateFeatures()
	ProbePreview() bool
	RetryPreviewProbe() bool
	FetchPreviewFrame() ([]byte, error)
	AttemptAutofocus(budget time.Duration) bool
	PreviewSupport() *bool
	Close() error
}

// SessionFactory opens a fresh session for the pump. Each connect cycle gets
// its own session; the pump never shares one with a capture.
type SessionFactory func() (Session, error)

var jpegSOI = []byte{0xFF, 0xD8}

// Config parameterizes a Pump.
type Config struct {
	Open            SessionFactory
	Buffer          *Buffer
	Interval        time.Duration          // time between frame fetches
	FocusBudget     time.Duration          // autofocus budget after a (re)connect
	StopTimeout     time.Duration          // bound on joining the worker
	ProbeRetryDelay time.Duration          // idle time before re-probing a camera that refuses live view
	NewBackOff      func() backoff.BackOff // reconnect wait policy, fresh per outage
	OnError         func(error)            // observes connect and fetch failures
	Logger          *zap.Logger
}

// Pump runs the live view loop: fetch a frame from the camera on a fixed
// schedule and publish it to the buffer. It owns its camera session and
// survives device errors by reconnecting.
type Pump struct {
	cfg Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	support *bool // last known preview support, mirrored out of the session
}

func New(cfg Config) *Pump {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second / 18
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.ProbeRetryDelay <= 0 {
		cfg.ProbeRetryDelay = 500 * time.Millisecond
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			return backoff.NewConstantBackOff(800 * time.Millisecond)
		}
	}
	if cfg.OnError == nil {
		cfg.OnError = func(error) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pump{cfg: cfg}
}

// Start launches the worker. No-op when already running.
func (p *Pump) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.support = nil
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	p.cfg.Logger.Info("preview pump starting", zap.Duration("interval", p.cfg.Interval))
	go p.run(p.stopCh, p.done)
}

// Stop signals the worker and waits for it to exit, bounded by the stop
// timeout. Reports whether the worker finished in time; a late worker still
// sees the stop signal at its next loop check.
func (p *Pump) Stop() bool {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return true
	}
	p.running = false
	stopCh, done := p.stopCh, p.done
	p.mu.Unlock()

	close(stopCh)
	select {
	case <-done:
		p.cfg.Logger.Info("preview pump stopped")
		return true
	case <-time.After(p.cfg.StopTimeout):
		p.cfg.Logger.Warn("preview pump did not stop in time")
		return false
	}
}

// Running reports whether the worker is active.
func (p *Pump) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// PreviewSupport reports the last probe result of the pump's session; nil
// while unknown.
func (p *Pump) PreviewSupport() *bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.support
}

// ResetSupport forgets the last probe result. Used when the selected camera
// changes while the pump is stopped; Start resets it on its own.
func (p *Pump) ResetSupport() { p.setSupport(nil) }

func (p *Pump) setSupport(v *bool) {
	p.mu.Lock()
	p.support = v
	p.mu.Unlock()
}

func (p *Pump) run(stopCh, done chan struct{}) {
	defer close(done)

	bo := p.cfg.NewBackOff()
	var sess Session
	defer func() {
		if sess != nil {
			_ = sess.Close()
		}
	}()

	nextTick := time.Now().Add(p.cfg.Interval)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if sess == nil {
			s, err := p.connect()
			if err != nil {
				p.cfg.OnError(err)
				if !sleepOrStop(stopCh, bo.NextBackOff()) {
					return
				}
				continue
			}
			sess = s
			bo.Reset()
			nextTick = time.Now().Add(p.cfg.Interval)
			continue
		}

		// a camera that refused live view gets nudged and probed again
		if sup := sess.PreviewSupport(); sup != nil && !*sup {
			ok := sess.RetryPreviewProbe()
			p.setSupport(sess.PreviewSupport())
			if !ok {
				if !sleepOrStop(stopCh, p.cfg.ProbeRetryDelay) {
					return
				}
				continue
			}
		}

		// honor the frame schedule
		if wait := time.Until(nextTick); wait > 0 {
			if !sleepOrStop(stopCh, wait) {
				return
			}
		}
		nextTick = nextTick.Add(p.cfg.Interval)
		if nextTick.Before(time.Now().Add(-p.cfg.Interval)) {
			// more than one frame behind; resync instead of bursting
			nextTick = time.Now().Add(p.cfg.Interval)
		}

		frame, err := sess.FetchPreviewFrame()
		if err != nil {
			if errors.Is(err, camera.ErrPreviewUnsupported) {
				if !sleepOrStop(stopCh, p.cfg.ProbeRetryDelay) {
					return
				}
				continue
			}
			p.cfg.OnError(err)
			p.cfg.Logger.Warn("preview fetch failed, reconnecting", zap.Error(err))
			_ = sess.Close()
			sess = nil
			p.setSupport(nil)
			if !sleepOrStop(stopCh, bo.NextBackOff()) {
				return
			}
			continue
		}

		if bytes.HasPrefix(frame, jpegSOI) {
			p.cfg.Buffer.Publish(frame)
		}
	}
}

// connect opens a fresh session and walks it through the live view entry
// sequence: negotiate, probe, short autofocus.
func (p *Pump) connect() (Session, error) {
	sess, err := p.cfg.Open()
	if err != nil {
		return nil, err
	}
	sess.NegotiateFeatures()
	sess.ProbePreview()
	p.setSupport(sess.PreviewSupport())
	sess.AttemptAutofocus(p.cfg.FocusBudget)
	return sess, nil
}

// sleepOrStop waits d unless the stop channel closes first.
func sleepOrStop(stopCh chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}
