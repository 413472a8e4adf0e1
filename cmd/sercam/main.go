package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/SerCam/internal/config"
	"github.com/cjeanneret/SerCam/internal/debug"
	"github.com/cjeanneret/SerCam/internal/hw/camera"
	"github.com/cjeanneret/SerCam/internal/hw/gpio"
	"github.com/cjeanneret/SerCam/internal/hw/power"
	"github.com/cjeanneret/SerCam/internal/hw/uart"
	"github.com/cjeanneret/SerCam/internal/logic/capture"
	"github.com/cjeanneret/SerCam/internal/logic/geometry"
	"github.com/cjeanneret/SerCam/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	resolution := flag.String("resolution", "", "override camera resolution (vga, qvga, qqvga)")
	ratio := flag.Int("ratio", -1, "override compression ratio (0-255); -1 keeps the config value")
	snapshot := flag.String("snapshot", "", "capture one frame into this JPEG file and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate and apply CLI overrides
	if err := validateCLIOverrides(*resolution, *ratio); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, *resolution, *ratio)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// The broadcaster must exist before the service so frame events reach SSE clients.
	var broadcaster *web.StatusBroadcaster
	if webPort.port() > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	// Open the serial link
	debug.Value("Mock serial", cfg.Defaults.MockSerial)
	debug.Step(2, "Opening serial link")
	port, err := openPort(cfg)
	if err != nil {
		log.Fatalf("open serial port failed: %v", err)
	}
	debug.PrintStruct("Serial config", cfg.Serial)

	// Initialize camera
	debug.Step(3, "Initializing camera")
	svc, err := newServiceFromConfig(cfg, port, gpioDriver, broadcaster)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}
	debug.PrintStruct("Camera config", cfg.Camera)
	defer func() {
		if err := svc.Close(); err != nil {
			log.Printf("closing camera failed: %v", err)
		}
	}()
	if err := svc.Open(ctx); err != nil {
		log.Fatalf("camera startup failed: %v", err)
	}

	switch {
	case *snapshot != "":
		if err := runSnapshot(ctx, svc, *snapshot); err != nil {
			log.Fatalf("snapshot failed: %v", err)
		}

	case webPort.port() > 0:
		srv := web.NewServer(fmt.Sprintf(":%d", webPort.port()), broadcaster, svc)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}

	default:
		if err := runStream(ctx, svc, cfg.StreamInterval()); err != nil {
			log.Fatalf("streaming failed: %v", err)
		}
	}
}

// openPort returns the in-memory sensor when mock_serial is set, the UART otherwise.
func openPort(cfg *config.Config) (uart.Port, error) {
	if cfg.Defaults.MockSerial {
		return camera.NewSimulator(camera.GradientSource), nil
	}
	return uart.Open(cfg.Serial.Port, uart.Options{
		BaudRate:     cfg.Serial.BaudRate,
		DataBits:     cfg.Serial.DataBits,
		StopBits:     cfg.Serial.StopBits,
		Parity:       cfg.Serial.Parity,
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
	})
}

// newServiceFromConfig wires the camera, its power switch and the streaming
// options. broadcaster may be nil.
func newServiceFromConfig(cfg *config.Config, port uart.Port, g gpio.Driver, broadcaster *web.StatusBroadcaster) (*capture.Service, error) {
	res, err := camera.ParseResolution(cfg.Camera.Resolution)
	if err != nil {
		return nil, err
	}
	fit, err := geometry.ParseFitMode(cfg.Camera.Fit)
	if err != nil {
		return nil, err
	}

	timing := camera.DefaultTiming()
	timing.CommandDelay = cfg.CommandDelay()
	timing.ResetDelay = cfg.ResetDelay()
	timing.ReadDelay = cfg.ReadDelay()

	cam := camera.NewSerialCamera(port,
		camera.WithTiming(timing),
		camera.WithBlockSize(uint16(cfg.Camera.BlockSize)),
		camera.WithResolution(res),
	)
	sw := power.NewSwitch(g, power.Config{
		PowerPin:     cfg.Camera.PowerPin,
		LedPin:       cfg.Camera.LedPin,
		PowerUpDelay: cfg.PowerUpDelay(),
	})

	opts := []capture.Option{
		capture.WithInterval(cfg.StreamInterval()),
		capture.WithPausePoll(cfg.PausePoll()),
		capture.WithStopTimeout(cfg.StopTimeout()),
		capture.WithHardReset(cfg.Streaming.PowerCycleAfter, nil),
		capture.WithFit(fit),
	}
	if broadcaster != nil {
		opts = append(opts, capture.OnFrame(broadcaster.BroadcastFrame))
	}

	settings := capture.Settings{Resolution: res, Ratio: byte(cfg.Camera.Ratio)}
	return capture.NewService(cam, sw, settings, opts...), nil
}

// runSnapshot captures a single frame into path.
func runSnapshot(ctx context.Context, svc *capture.Service, path string) error {
	debug.Section("Snapshot")
	frame, err := svc.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, frame.Data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	debug.Info("Snapshot %s saved to %s (%d bytes, %s)", frame.ID, path, frame.Size(), frame.Resolution)
	return nil
}

// runStream streams until ctx is cancelled, reporting each new frame.
func runStream(ctx context.Context, svc *capture.Service, interval time.Duration) error {
	debug.Section("Streaming")
	if err := svc.StartStreaming(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frames := 0
	for {
		select {
		case <-ctx.Done():
			err := svc.StopStreaming()
			debug.Summary(fmt.Sprintf("Streaming ended after %d frames", frames))
			return err
		case <-ticker.C:
			if frame, ok := svc.TakeLatestFrame(); ok {
				frames++
				debug.Live("Frame #%d: %d bytes", frames, frame.Size())
			}
		}
	}
}

// validateCLIOverrides checks the CLI overrides. Empty resolution and negative
// ratio mean "use config value".
func validateCLIOverrides(resolution string, ratio int) error {
	if resolution != "" {
		if _, err := camera.ParseResolution(resolution); err != nil {
			return err
		}
	}
	if ratio > 255 {
		return fmt.Errorf("ratio must be between 0 and 255, got %d", ratio)
	}
	return nil
}

// applyOverrides mutates cfg with the validated overrides.
func applyOverrides(cfg *config.Config, resolution string, ratio int) {
	if resolution != "" {
		res, _ := camera.ParseResolution(resolution)
		cfg.Camera.Resolution = res.String()
	}
	if ratio >= 0 {
		cfg.Camera.Ratio = ratio
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
