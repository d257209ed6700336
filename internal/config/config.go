package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	// Global settings
	Format  string `mapstructure:"format" yaml:"format" json:"format"`
	Level   string `mapstructure:"level" yaml:"level" json:"level"`
	Quiet   bool   `mapstructure:"quiet" yaml:"quiet" json:"quiet"`
	Verbose bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Default values for commands
	Defaults     DefaultsConfig     `mapstructure:"defaults" yaml:"defaults" json:"defaults"`
	Chromedriver ChromedriverConfig `mapstructure:"chromedriver" yaml:"chromedriver" json:"chromedriver"`
	Serve        ServeConfig        `mapstructure:"serve" yaml:"serve" json:"serve"`
	Watch        WatchConfig        `mapstructure:"watch" yaml:"watch" json:"watch"`
}

// DefaultsConfig holds the device and app a session targets
type DefaultsConfig struct {
	Serial       string `mapstructure:"serial" yaml:"serial" json:"serial"`
	AppPackage   string `mapstructure:"app_package" yaml:"app_package" json:"app_package"`
	DeviceSocket string `mapstructure:"device_socket" yaml:"device_socket" json:"device_socket"`
	AdbPath      string `mapstructure:"adb_path" yaml:"adb_path" json:"adb_path"`
}

// ChromedriverConfig configures the chromedriver processes started for webviews
type ChromedriverConfig struct {
	Executable         string         `mapstructure:"executable" yaml:"executable" json:"executable"`
	Port               int            `mapstructure:"port" yaml:"port" json:"port"` // 0 picks a free port per webview
	AdbPort            int            `mapstructure:"adb_port" yaml:"adb_port" json:"adb_port"`
	Args               []string       `mapstructure:"args" yaml:"args" json:"args"`
	StartTimeout       string         `mapstructure:"start_timeout" yaml:"start_timeout" json:"start_timeout"`
	PerformanceLogging bool           `mapstructure:"performance_logging" yaml:"performance_logging" json:"performance_logging"`
	ChromeOptions      map[string]any `mapstructure:"chrome_options" yaml:"chrome_options" json:"chrome_options"`
}

// ServeConfig configures the WebDriver front
type ServeConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr"`
}

// WatchConfig configures context polling
type WatchConfig struct {
	Interval  string `mapstructure:"interval" yaml:"interval" json:"interval"`
	Heartbeat string `mapstructure:"heartbeat" yaml:"heartbeat" json:"heartbeat"`
	Cooldown  string `mapstructure:"cooldown" yaml:"cooldown" json:"cooldown"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Format:  "auto",
		Level:   "info",
		Quiet:   false,
		Verbose: false,
		Defaults: DefaultsConfig{
			AdbPath: "adb",
		},
		Chromedriver: ChromedriverConfig{
			Executable:   "chromedriver",
			AdbPort:      5037,
			StartTimeout: "30s",
		},
		Serve: ServeConfig{
			Addr: "127.0.0.1:4723",
		},
		Watch: WatchConfig{
			Interval: "2s",
			Cooldown: "5s",
		},
	}
}

// StartTimeoutDuration parses start_timeout.
func (c ChromedriverConfig) StartTimeoutDuration() (time.Duration, error) {
	return parseDuration("chromedriver.start_timeout", c.StartTimeout)
}

// IntervalDuration parses watch.interval.
func (c WatchConfig) IntervalDuration() (time.Duration, error) {
	return parseDuration("watch.interval", c.Interval)
}

// HeartbeatDuration parses watch.heartbeat; empty disables heartbeats.
func (c WatchConfig) HeartbeatDuration() (time.Duration, error) {
	return parseDuration("watch.heartbeat", c.Heartbeat)
}

// CooldownDuration parses watch.cooldown.
func (c WatchConfig) CooldownDuration() (time.Duration, error) {
	return parseDuration("watch.cooldown", c.Cooldown)
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("format", cfg.Format)
	v.SetDefault("level", cfg.Level)
	v.SetDefault("quiet", cfg.Quiet)
	v.SetDefault("verbose", cfg.Verbose)
	v.SetDefault("defaults.adb_path", cfg.Defaults.AdbPath)
	v.SetDefault("chromedriver.executable", cfg.Chromedriver.Executable)
	v.SetDefault("chromedriver.adb_port", cfg.Chromedriver.AdbPort)
	v.SetDefault("chromedriver.start_timeout", cfg.Chromedriver.StartTimeout)
	v.SetDefault("serve.addr", cfg.Serve.Addr)
	v.SetDefault("watch.interval", cfg.Watch.Interval)
	v.SetDefault("watch.cooldown", cfg.Watch.Cooldown)
}

// Load loads configuration from files and environment
func Load() (*Config, error) {
	v := viper.New()

	// Set config name and type
	v.SetConfigName("wvctx")
	v.SetConfigType("yaml")

	// Add config paths (in order of precedence, lowest first)
	// 1. System-wide config
	v.AddConfigPath("/etc/wvctx/")
	// 2. User config directory
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "wvctx"))
	}
	// 3. Home directory and current directory
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	v.AddConfigPath(".")

	// A dotfile in the current directory or home wins over wvctx.yaml
	if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	}

	// Environment variables
	v.SetEnvPrefix("WVCTX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Short names for the settings people change most
	v.BindEnv("format", "WVCTX_FORMAT")
	v.BindEnv("level", "WVCTX_LEVEL")
	v.BindEnv("quiet", "WVCTX_QUIET")
	v.BindEnv("verbose", "WVCTX_VERBOSE")
	v.BindEnv("defaults.serial", "WVCTX_SERIAL", "ANDROID_SERIAL")
	v.BindEnv("defaults.app_package", "WVCTX_APP_PACKAGE")
	v.BindEnv("defaults.device_socket", "WVCTX_DEVICE_SOCKET")
	v.BindEnv("defaults.adb_path", "WVCTX_ADB")
	v.BindEnv("chromedriver.executable", "WVCTX_CHROMEDRIVER")

	cfg := Default()
	setDefaults(v, cfg)

	// Try to read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error occurred
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := restoreChromeOptions(cfg, v.ConfigFileUsed()); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file. The short
// environment overrides still apply on top of it.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := restoreChromeOptions(cfg, path); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	return cfg, nil
}

// restoreChromeOptions re-reads chromedriver.chrome_options from the file.
// Viper lowercases map keys and chromeOptions keys are case sensitive.
func restoreChromeOptions(cfg *Config, path string) error {
	if path == "" || cfg.Chromedriver.ChromeOptions == nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var raw struct {
		Chromedriver struct {
			ChromeOptions map[string]any `yaml:"chrome_options" json:"chrome_options"`
		} `yaml:"chromedriver" json:"chromedriver"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if raw.Chromedriver.ChromeOptions != nil {
		cfg.Chromedriver.ChromeOptions = raw.Chromedriver.ChromeOptions
	}
	return nil
}

// applyEnvOverrides applies the WVCTX_* short variables to cfg.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WVCTX_FORMAT"); v != "" {
		cfg.Format = v
	}
	if v := os.Getenv("WVCTX_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("WVCTX_QUIET"); v == "1" || v == "true" {
		cfg.Quiet = true
	}
	if v := os.Getenv("WVCTX_VERBOSE"); v == "1" || v == "true" {
		cfg.Verbose = true
	}
	if v := os.Getenv("WVCTX_SERIAL"); v != "" {
		cfg.Defaults.Serial = v
	}
	if v := os.Getenv("WVCTX_APP_PACKAGE"); v != "" {
		cfg.Defaults.AppPackage = v
	}
	if v := os.Getenv("WVCTX_DEVICE_SOCKET"); v != "" {
		cfg.Defaults.DeviceSocket = v
	}
	if v := os.Getenv("WVCTX_CHROMEDRIVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Chromedriver.Port = port
		}
	}
}

// findConfigFile looks for a dotfile config in the current directory, then home.
func findConfigFile() string {
	names := []string{".wvctx.yaml", ".wvctx.yml", ".wvctxrc"}
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}
	for _, dir := range dirs {
		for _, name := range names {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				if abs, err := filepath.Abs(path); err == nil {
					return abs
				}
				return path
			}
		}
	}
	return ""
}

// ConfigFile returns the path to the config file that would be loaded
func ConfigFile() string {
	if found := findConfigFile(); found != "" {
		return found
	}

	v := viper.New()
	v.SetConfigName("wvctx")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/wvctx/")
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "wvctx"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err == nil {
		return v.ConfigFileUsed()
	}
	return ""
}

// Generate renders cfg as a YAML config file.
func Generate(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
