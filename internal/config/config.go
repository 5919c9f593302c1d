// Package config handles configuration management using Viper
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DisableHardwareCompositorEnv forces the direct surface composition for every output
const DisableHardwareCompositorEnv = "KMSWAY_DISABLE_HARDWARE_COMPOSITOR"

// Config represents the application configuration
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Render  RenderConfig  `mapstructure:"render"`
	Hotplug HotplugConfig `mapstructure:"hotplug"`
	IPC     IPCConfig     `mapstructure:"ipc"`
	Logging LoggingConfig `mapstructure:"logging"`

	// Driver workarounds, matched against the DRM driver name and description
	Quirks []Quirk `mapstructure:"quirks"`
}

// BackendConfig contains device and output settings
type BackendConfig struct {
	Seat                      string `mapstructure:"seat"`
	PrimaryGPU                string `mapstructure:"primary_gpu"` // Device path, empty means auto-detect
	DisableHardwareCompositor bool   `mapstructure:"disable_hardware_compositor"`
}

// RenderConfig contains repaint settings
type RenderConfig struct {
	ClearColor []float32 `mapstructure:"clear_color"` // RGBA, 0..1
}

// HotplugConfig contains device monitoring settings
type HotplugConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"` // Connector rescan period
}

// IPCConfig contains the status socket settings
type IPCConfig struct {
	SocketPath string `mapstructure:"socket_path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `mapstructure:"level"` // Override LOG_LEVEL env var
}

// Quirk is a driver workaround
type Quirk struct {
	Match                string `mapstructure:"match"` // Case-insensitive substring of driver name or description
	DisableOverlayPlanes bool   `mapstructure:"disable_overlay_planes"`
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Backend: BackendConfig{
			Seat:                      "seat0",
			PrimaryGPU:                "",
			DisableHardwareCompositor: false,
		},
		Render: RenderConfig{
			ClearColor: []float32{0.2, 0.05, 0.6, 1.0},
		},
		Hotplug: HotplugConfig{
			PollInterval: 2 * time.Second,
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath(),
		},
		Logging: LoggingConfig{
			Level: "", // Empty means use LOG_LEVEL env var
		},
		Quirks: []Quirk{
			// Overlay planes are unreliable on the proprietary driver
			{Match: "nvidia", DisableOverlayPlanes: true},
		},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system
func Init() error {
	viper.SetConfigName("kmsway")
	viper.SetConfigType("toml")

	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		viper.AddConfigPath("/etc/kmsway")
		if home := os.Getenv("HOME"); home != "" {
			viper.AddConfigPath(filepath.Join(home, ".config", "kmsway"))
		}
		viper.AddConfigPath(".")
	}

	viper.SetDefault("backend.seat", DefaultConfig.Backend.Seat)
	viper.SetDefault("backend.primary_gpu", DefaultConfig.Backend.PrimaryGPU)
	viper.SetDefault("backend.disable_hardware_compositor", DefaultConfig.Backend.DisableHardwareCompositor)

	viper.SetDefault("render.clear_color", DefaultConfig.Render.ClearColor)

	viper.SetDefault("hotplug.poll_interval", DefaultConfig.Hotplug.PollInterval)

	viper.SetDefault("ipc.socket_path", DefaultConfig.IPC.SocketPath)

	viper.SetDefault("logging.level", DefaultConfig.Logging.Level)

	viper.SetDefault("quirks", quirksAsMaps(DefaultConfig.Quirks))

	if err := viper.BindEnv("backend.disable_hardware_compositor", DisableHardwareCompositorEnv); err != nil {
		return fmt.Errorf("failed to bind %s: %w", DisableHardwareCompositorEnv, err)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults
	}

	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	cfg = c
	return nil
}

// Validate checks values viper cannot type-check
func (c *Config) Validate() error {
	if len(c.Render.ClearColor) != 4 {
		return fmt.Errorf("render.clear_color needs 4 components, got %d", len(c.Render.ClearColor))
	}
	for i, v := range c.Render.ClearColor {
		if v < 0 || v > 1 {
			return fmt.Errorf("render.clear_color[%d] = %v is outside [0, 1]", i, v)
		}
	}
	if c.Hotplug.PollInterval < 0 {
		return fmt.Errorf("hotplug.poll_interval must not be negative")
	}
	for i, q := range c.Quirks {
		if strings.TrimSpace(q.Match) == "" {
			return fmt.Errorf("quirks[%d].match is empty", i)
		}
	}
	return nil
}

// ClearColor returns the configured clear color as an RGBA array
func (c *Config) ClearColor() [4]float32 {
	var out [4]float32
	copy(out[:], c.Render.ClearColor)
	return out
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		// Return defaults if not initialized
		return &DefaultConfig
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// GetConfigPath returns the path to the config file
func GetConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}

	if viper.ConfigFileUsed() != "" {
		return viper.ConfigFileUsed()
	}

	if os.Getuid() == 0 {
		return "/etc/kmsway/kmsway.toml"
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/kmsway/kmsway.toml"
	}

	return filepath.Join(home, ".config", "kmsway", "kmsway.toml")
}

func quirksAsMaps(quirks []Quirk) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(quirks))
	for _, q := range quirks {
		out = append(out, map[string]interface{}{
			"match":                  q.Match,
			"disable_overlay_planes": q.DisableOverlayPlanes,
		})
	}
	return out
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "kmsway.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("kmsway-%d.sock", os.Getuid()))
}

// WriteDefault writes the current settings to path, creating parent directories.
// An existing file is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
