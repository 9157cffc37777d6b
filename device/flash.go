package device

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

const (
	connectingMarker    = "Connecting..."
	flashCompleteMarker = "Flashing has completed"
)

// FlashConfig configures a FlashTransport.
type FlashConfig struct {
	// Tool is the espflash executable.
	Tool string
	// ResetTool is the usb_modeswitch executable.
	ResetTool string
	// USBVendor and USBProduct identify the serial adapter to power
	// cycle. The reset is skipped when either is empty.
	USBVendor  string
	USBProduct string
	// SettleDelay is waited after a USB reset for the port to reappear.
	SettleDelay time.Duration
	// Backoff is waited by Cleanup after a failed attempt.
	Backoff time.Duration
}

// FlashTransport runs firmware on a USB-serial attached microcontroller
// with espflash. The first attempt flashes and monitors in one command;
// later attempts only monitor.
type FlashTransport struct {
	cfg    FlashConfig
	logger *slog.Logger
}

// NewFlashTransport returns a FlashTransport.
func NewFlashTransport(cfg FlashConfig, logger *slog.Logger) *FlashTransport {
	if cfg.Tool == "" {
		cfg.Tool = "espflash"
	}
	if cfg.ResetTool == "" {
		cfg.ResetTool = "usb_modeswitch"
	}

	return &FlashTransport{
		cfg:    cfg,
		logger: logger.With(slog.String("tool", cfg.Tool)),
	}
}

func (t *FlashTransport) Name() string { return "flash" }

// Connect power cycles the USB link so the serial port is free and the
// chip starts from reset.
func (t *FlashTransport) Connect(ctx context.Context) error {
	if t.cfg.USBVendor == "" || t.cfg.USBProduct == "" {
		return nil
	}

	if err := t.ResetUSB(ctx); err != nil {
		return err
	}

	return sleep(ctx, t.cfg.SettleDelay)
}

// ResetUSB power cycles the configured USB device.
func (t *FlashTransport) ResetUSB(ctx context.Context) error {
	t.logger.InfoContext(ctx, "resetting usb device",
		slog.String("vendor", t.cfg.USBVendor),
		slog.String("product", t.cfg.USBProduct),
	)

	var out bytes.Buffer

	cmd := exec.CommandContext(ctx, t.cfg.ResetTool,
		"-v", t.cfg.USBVendor, "-p", t.cfg.USBProduct, "--reset-usb")
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return fmt.Errorf("%w: usb reset: %w\noutput: %s", ErrTransport, err, out.String())
	}

	return nil
}

// Transfer is a no-op: flashing happens in Launch.
func (t *FlashTransport) Transfer(context.Context, Artifact) error { return nil }

func (t *FlashTransport) Launch(ctx context.Context, artifact Artifact, fresh bool) (Process, error) {
	args := []string{"monitor", "--non-interactive"}
	if fresh {
		args = []string{"flash", "--monitor", artifact.Path}
	}

	t.logger.InfoContext(ctx, "starting espflash",
		slog.Any("args", args),
		slog.Bool("flash", fresh),
	)

	proc, err := StartProcess(t.cfg.Tool, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	return proc, nil
}

func (t *FlashTransport) Handshake(fresh bool) Handshake {
	h := Handshake{Connect: connectingMarker}
	if fresh {
		h.Transfer = flashCompleteMarker
	}

	return h
}

// Cleanup waits for the serial port to be released by the killed
// espflash process.
func (t *FlashTransport) Cleanup(ctx context.Context) error {
	return sleep(ctx, t.cfg.Backoff)
}

func (t *FlashTransport) Close() error { return nil }
