package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. SVCBRIDGE_STOP_MAX_WAIT.
const EnvPrefix = "SVCBRIDGE"

// Config holds all configuration values
type Config struct {
	Prefix     string           `mapstructure:"prefix"`
	Labels     LabelsConfig     `mapstructure:"labels"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Stop       StopConfig       `mapstructure:"stop"`
	Kill       KillConfig       `mapstructure:"kill"`
	Privileged PrivilegedConfig `mapstructure:"privileged"`
	State      StateConfig      `mapstructure:"state"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
}

// LabelsConfig holds the label naming convention per backend
type LabelsConfig struct {
	LaunchdPrefix string `mapstructure:"launchd_prefix"`
	SystemdPrefix string `mapstructure:"systemd_prefix"`
}

// PathsConfig holds the managed directories per backend and scope
type PathsConfig struct {
	LaunchdBootDir string `mapstructure:"launchd_boot_dir"`
	LaunchdUserDir string `mapstructure:"launchd_user_dir"`
	SystemdBootDir string `mapstructure:"systemd_boot_dir"`
	SystemdUserDir string `mapstructure:"systemd_user_dir"`
}

// StopConfig holds the stop wait-loop settings
type StopConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxWait bounds the wait-loop; zero waits until the service is unloaded.
	MaxWait time.Duration `mapstructure:"max_wait"`
}

// KillConfig holds the kill wait-loop settings
type KillConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// PrivilegedConfig holds ownership settings applied when running as root
type PrivilegedConfig struct {
	Group string `mapstructure:"group"`
}

// StateConfig holds the journal location and lock settings
type StateConfig struct {
	Dir              string        `mapstructure:"dir"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	JournalRetention time.Duration `mapstructure:"journal_retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// ServerConfig holds the serve command configuration
type ServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	WatchInterval time.Duration `mapstructure:"watch_interval"`
}

// Manager loads configuration from an optional file, environment and defaults
type Manager struct {
	config *Config
	viper  *viper.Viper
	path   string
}

// NewManager creates a new configuration manager. home is the invoking
// account's home directory and seeds the per-user defaults. A missing file at
// configPath is not an error unless required is set.
func NewManager(configPath string, required bool, home string) (*Manager, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, home)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if required || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	m := &Manager{
		config: &Config{},
		viper:  v,
		path:   configPath,
	}

	if err := v.Unmarshal(m.config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := m.config.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// DefaultPath returns the config file looked up when --config is not given
func DefaultPath(home string) string {
	return filepath.Join(home, ".config", "svcbridge", "config.yaml")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("prefix", "")

	v.SetDefault("labels.launchd_prefix", "org.svcbridge.")
	v.SetDefault("labels.systemd_prefix", "svcbridge.")

	v.SetDefault("paths.launchd_boot_dir", "/Library/LaunchDaemons")
	v.SetDefault("paths.launchd_user_dir", filepath.Join(home, "Library", "LaunchAgents"))
	v.SetDefault("paths.systemd_boot_dir", "/usr/lib/systemd/system")
	v.SetDefault("paths.systemd_user_dir", filepath.Join(home, ".config", "systemd", "user"))

	v.SetDefault("stop.poll_interval", "1s")
	v.SetDefault("stop.max_wait", "60s")

	v.SetDefault("kill.poll_interval", "5s")
	v.SetDefault("kill.max_attempts", 3)

	v.SetDefault("privileged.group", "")

	v.SetDefault("state.dir", filepath.Join(home, ".local", "state", "svcbridge"))
	v.SetDefault("state.lock_timeout", "10s")
	v.SetDefault("state.journal_retention", "720h")

	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 5)
	v.SetDefault("logging.max_backups", 3)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7373)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.watch_interval", "5s")
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	return m.config
}

// Path returns the config file path the manager was created with
func (m *Manager) Path() string {
	return m.path
}

// Validate rejects settings the lifecycle code cannot work with
func (c *Config) Validate() error {
	if c.Labels.LaunchdPrefix == "" || c.Labels.SystemdPrefix == "" {
		return fmt.Errorf("label prefixes must not be empty")
	}
	if c.Stop.PollInterval <= 0 {
		return fmt.Errorf("stop.poll_interval must be positive, got %s", c.Stop.PollInterval)
	}
	if c.Stop.MaxWait < 0 {
		return fmt.Errorf("stop.max_wait must not be negative, got %s", c.Stop.MaxWait)
	}
	if c.Kill.PollInterval <= 0 {
		return fmt.Errorf("kill.poll_interval must be positive, got %s", c.Kill.PollInterval)
	}
	if c.Kill.MaxAttempts < 1 {
		return fmt.Errorf("kill.max_attempts must be at least 1, got %d", c.Kill.MaxAttempts)
	}
	return nil
}

// Address returns the server address string
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// JournalPath returns the journal database location
func (c *Config) JournalPath() string {
	return filepath.Join(c.State.Dir, "journal.db")
}
