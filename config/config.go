// Package config loads the settings of a benchmark invocation from a YAML
// file, falling back to defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/weiihann/devbench/report"
)

// Transport names.
const (
	TransportSSH   = "ssh"
	TransportFlash = "flash"
)

// DefaultFiles are searched, in order, when no config file is named.
var DefaultFiles = []string{"devbench.yaml", "devbench.yml"}

// Config is the configuration of one invocation. It is not modified after
// Load and the command line overrides are applied.
type Config struct {
	Artifacts []string `yaml:"artifacts"`
	OutputDir string   `yaml:"output_dir"`

	Iterations int             `yaml:"iterations"`
	Reports    int             `yaml:"reports"`
	Retries    int             `yaml:"retries"`
	Reset      bool            `yaml:"reset"`
	Protocol   report.Protocol `yaml:"protocol"`

	LineTimeout    time.Duration `yaml:"line_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	StopGrace      time.Duration `yaml:"stop_grace"`

	Transport string      `yaml:"transport"`
	SSH       SSHConfig   `yaml:"ssh"`
	Flash     FlashConfig `yaml:"flash"`
}

// SSHConfig configures the SSH transport.
type SSHConfig struct {
	Target                string        `yaml:"target"`
	User                  string        `yaml:"user"`
	Port                  int           `yaml:"port"`
	RemoteDir             string        `yaml:"remote_dir"`
	IdentityFiles         []string      `yaml:"identity_files"`
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	Sudo                  bool          `yaml:"sudo"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
}

// FlashConfig configures the espflash transport.
type FlashConfig struct {
	Tool        string        `yaml:"tool"`
	ResetTool   string        `yaml:"reset_tool"`
	USBVendor   string        `yaml:"usb_vendor"`
	USBProduct  string        `yaml:"usb_product"`
	SettleDelay time.Duration `yaml:"settle_delay"`
	Backoff     time.Duration `yaml:"backoff"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		OutputDir:      "analysis/perf",
		Iterations:     5,
		Reports:        100,
		Retries:        10,
		Protocol:       report.ProtocolCombined,
		LineTimeout:    15 * time.Second,
		ConnectTimeout: 5 * time.Second,
		StopGrace:      5 * time.Second,
		Transport:      TransportSSH,
		SSH: SSHConfig{
			Target:      "raspberrypi.local",
			RemoteDir:   "app",
			Sudo:        true,
			DialTimeout: 10 * time.Second,
		},
		Flash: FlashConfig{
			Tool:        "espflash",
			ResetTool:   "usb_modeswitch",
			SettleDelay: 2 * time.Second,
			Backoff:     time.Second,
		},
	}
}

// Load reads the configuration from path. With an empty path the
// DefaultFiles are tried and, if none exists, the defaults are returned.
// USB ids missing from the file are taken from USB_VENDOR and
// USB_PRODUCT.
func Load(path string) (Config, error) {
	cfg := Default()

	var (
		data []byte
		err  error
	)

	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		for _, name := range DefaultFiles {
			data, err = os.ReadFile(name)
			if err == nil {
				path = name
				break
			}
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", name, err)
			}
		}
	}

	if path != "" {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if cfg.Flash.USBVendor == "" {
		cfg.Flash.USBVendor = os.Getenv("USB_VENDOR")
	}
	if cfg.Flash.USBProduct == "" {
		cfg.Flash.USBProduct = os.Getenv("USB_PRODUCT")
	}

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if len(c.Artifacts) == 0 {
		return errors.New("at least one artifact must be given")
	}
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d", c.Iterations)
	}
	if c.Reports <= 0 {
		return fmt.Errorf("reports must be positive, got %d", c.Reports)
	}
	if c.Retries <= 0 {
		return fmt.Errorf("retries must be positive, got %d", c.Retries)
	}
	if c.LineTimeout <= 0 {
		return fmt.Errorf("line timeout must be positive, got %s", c.LineTimeout)
	}
	if c.OutputDir == "" {
		return errors.New("output directory must be set")
	}
	if _, err := report.ParseProtocol(string(c.Protocol)); err != nil {
		return err
	}

	switch c.Transport {
	case TransportSSH:
		if c.SSH.Target == "" {
			return errors.New("ssh target must be set")
		}
	case TransportFlash:
		if (c.Flash.USBVendor == "") != (c.Flash.USBProduct == "") {
			return errors.New("usb vendor and product must be set together")
		}
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)",
			c.Transport, TransportSSH, TransportFlash)
	}

	return nil
}
