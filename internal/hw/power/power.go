package power

import (
	"context"
	"sync"
	"time"

	"github.com/cjeanneret/SerCam/internal/debug"
	"github.com/cjeanneret/SerCam/internal/hw/gpio"
)

// Config holds the wiring of the sensor supply switch and indicator LED.
type Config struct {
	PowerPin     int           // BCM pin driving the sensor supply switch. 0 = not used. Active HIGH.
	LedPin       int           // BCM pin of the frame indicator LED. 0 = not used.
	PowerUpDelay time.Duration // boot time of the sensor after power is applied
	OffTime      time.Duration // time with power removed during a cycle. If 0, defaults to 200ms.
}

// Switch powers the camera sensor and drives the indicator LED.
// With no pins configured it only observes the power-up delay.
type Switch struct {
	gpio gpio.Driver
	cfg  Config

	mu  sync.Mutex
	on  bool
	led gpio.Level
}

// NewSwitch configures the pins as outputs, with power and LED off.
func NewSwitch(g gpio.Driver, cfg Config) *Switch {
	if cfg.OffTime <= 0 {
		cfg.OffTime = 200 * time.Millisecond
	}
	if cfg.PowerPin > 0 {
		_ = g.SetupPin(cfg.PowerPin, gpio.Output)
		_ = g.WritePin(cfg.PowerPin, gpio.Low)
	}
	if cfg.LedPin > 0 {
		_ = g.SetupPin(cfg.LedPin, gpio.Output)
		_ = g.WritePin(cfg.LedPin, gpio.Low)
	}
	return &Switch{gpio: g, cfg: cfg}
}

// On applies power and waits for the sensor to boot.
func (s *Switch) On(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powerOn(ctx)
}

func (s *Switch) powerOn(ctx context.Context) error {
	if s.cfg.PowerPin > 0 {
		debug.Verbose("Power: sensor ON (pin %d -> HIGH)", s.cfg.PowerPin)
		if err := s.gpio.WritePin(s.cfg.PowerPin, gpio.High); err != nil {
			return err
		}
	}
	s.on = true
	debug.Verbose("Power: waiting for sensor boot (%v)", s.cfg.PowerUpDelay)
	return sleep(ctx, s.cfg.PowerUpDelay)
}

// Off removes power from the sensor.
func (s *Switch) Off() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powerOff()
}

func (s *Switch) powerOff() error {
	s.on = false
	if s.cfg.PowerPin <= 0 {
		return nil
	}
	debug.Verbose("Power: sensor OFF (pin %d -> LOW)", s.cfg.PowerPin)
	return s.gpio.WritePin(s.cfg.PowerPin, gpio.Low)
}

// Cycle removes power, waits OffTime and powers the sensor up again.
// Without a power pin there is nothing to cycle and it returns immediately.
func (s *Switch) Cycle(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.PowerPin <= 0 {
		debug.Verbose("Power: no power pin, cycle skipped")
		return nil
	}
	debug.Live("Power: cycling sensor supply")
	if err := s.powerOff(); err != nil {
		return err
	}
	if err := sleep(ctx, s.cfg.OffTime); err != nil {
		return err
	}
	return s.powerOn(ctx)
}

// IsOn reports whether power was last applied.
func (s *Switch) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// Toggle flips the indicator LED. It never blocks.
func (s *Switch) Toggle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.LedPin <= 0 {
		return nil
	}
	s.led = !s.led
	return s.gpio.WritePin(s.cfg.LedPin, s.led)
}

// Close turns the LED and the sensor off.
func (s *Switch) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.LedPin > 0 {
		s.led = gpio.Low
		_ = s.gpio.WritePin(s.cfg.LedPin, gpio.Low)
	}
	return s.powerOff()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
