package harness

import (
	"fmt"
	"log/slog"

	"github.com/weiihann/devbench/config"
	"github.com/weiihann/devbench/device"
)

// KnownTransports returns the supported transport names.
func KnownTransports() []string {
	return []string{config.TransportSSH, config.TransportFlash}
}

// NewTransport builds the transport selected by cfg.
func NewTransport(cfg config.Config, logger *slog.Logger) (device.Transport, error) {
	switch cfg.Transport {
	case config.TransportSSH:
		t, err := device.NewSSHTransport(device.SSHConfig{
			Target:                cfg.SSH.Target,
			User:                  cfg.SSH.User,
			Port:                  cfg.SSH.Port,
			RemoteDir:             cfg.SSH.RemoteDir,
			IdentityFiles:         cfg.SSH.IdentityFiles,
			KnownHosts:            cfg.SSH.KnownHosts,
			InsecureIgnoreHostKey: cfg.SSH.InsecureIgnoreHostKey,
			Sudo:                  cfg.SSH.Sudo,
			DialTimeout:           cfg.SSH.DialTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("configure ssh transport: %w", err)
		}

		return t, nil

	case config.TransportFlash:
		return device.NewFlashTransport(device.FlashConfig{
			Tool:        cfg.Flash.Tool,
			ResetTool:   cfg.Flash.ResetTool,
			USBVendor:   cfg.Flash.USBVendor,
			USBProduct:  cfg.Flash.USBProduct,
			SettleDelay: cfg.Flash.SettleDelay,
			Backoff:     cfg.Flash.Backoff,
		}, logger), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
