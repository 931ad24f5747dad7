// Package config loads panel's application configuration from an optional
// TOML file, PANEL_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/panel/internal/logger"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// PANEL_SERVER_LISTEN overrides server.listen.
const EnvPrefix = "PANEL"

// FileName is the config file looked up in the config dir when no explicit
// path is given.
const FileName = "panel.toml"

type PathsConfig struct {
	ConfigDir     string `mapstructure:"config_dir"`
	RegistryFile  string `mapstructure:"registry_file"`
	EnvDir        string `mapstructure:"env_dir"`
	BackupDir     string `mapstructure:"backup_dir"`
	LastKnownGood string `mapstructure:"last_known_good"`
	UnitDir       string `mapstructure:"unit_dir"`
}

type SupervisorConfig struct {
	UnitTemplate     string        `mapstructure:"unit_template"`
	User             bool          `mapstructure:"user"`
	Timeout          time.Duration `mapstructure:"timeout"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	ReconcileOnStart bool          `mapstructure:"reconcile_on_start"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
}

type BackupConfig struct {
	// Keep is how many auto-backup files survive rotation. 0 keeps all.
	Keep int `mapstructure:"keep"`
	// Schedule is a robfig/cron spec for snapshots taken by `panel serve`.
	// Empty disables scheduled snapshots.
	Schedule string `mapstructure:"schedule"`
}

type HistoryConfig struct {
	DSNs             []string      `mapstructure:"dsns"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on a dedicated address. Empty mounts it on the API server.
	Listen string `mapstructure:"listen"`
}

type ServerConfig struct {
	Listen    string        `mapstructure:"listen"`
	BasePath  string        `mapstructure:"base_path"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	TLS       TLSConfig     `mapstructure:"tls"`
}

// TLSConfig enables HTTPS for `panel serve`. Explicit cert_file/key_file
// win over dir; with auto_generate a self-signed pair is created in dir
// when missing.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"`
	CommonName   string   `mapstructure:"common_name"`
	DNSNames     []string `mapstructure:"dns_names"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// Config is the full application configuration.
type Config struct {
	Paths      PathsConfig      `mapstructure:"paths"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Log        logger.Config    `mapstructure:"log"`
	Backup     BackupConfig     `mapstructure:"backup"`
	History    HistoryConfig    `mapstructure:"history"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Server     ServerConfig     `mapstructure:"server"`

	// Home is the invoking user's home directory, used as the working
	// directory fallback for services that declare none.
	Home string `mapstructure:"-"`
	// File is the config file actually read, empty when none was found.
	File string `mapstructure:"-"`
}

// Load builds the configuration. An explicit path must exist; with an
// empty path the default location is read when present and skipped otherwise.
func Load(path string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	return load(path, home)
}

func load(path, home string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, home)

	file := path
	if file == "" {
		candidate := filepath.Join(expandHome(v.GetString("paths.config_dir"), home), FileName)
		if _, err := os.Stat(candidate); err == nil {
			file = candidate
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Home = home
	cfg.File = file
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("paths.config_dir", filepath.Join(home, ".config", "control-panel"))
	v.SetDefault("paths.registry_file", "")
	v.SetDefault("paths.env_dir", "")
	v.SetDefault("paths.backup_dir", "")
	v.SetDefault("paths.last_known_good", filepath.Join(home, ".local", "share", "control-panel", "last-known-good.json"))
	v.SetDefault("paths.unit_dir", "")

	v.SetDefault("supervisor.unit_template", "control-panel@%s.service")
	v.SetDefault("supervisor.user", true)
	v.SetDefault("supervisor.timeout", 8*time.Second)
	v.SetDefault("supervisor.settle_delay", time.Second)
	v.SetDefault("supervisor.reconcile_on_start", true)
	v.SetDefault("supervisor.lock_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("backup.keep", 20)
	v.SetDefault("backup.schedule", "")

	v.SetDefault("history.dsns", []string{})
	v.SetDefault("history.failure_threshold", 3)
	v.SetDefault("history.open_timeout", 30*time.Second)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")

	v.SetDefault("server.listen", "127.0.0.1:9000")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", 24*time.Hour)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("server.tls.valid_days", 365)
}

// resolvePaths expands ~ and derives the paths left empty from config_dir.
func (c *Config) resolvePaths() {
	p := &c.Paths
	p.ConfigDir = expandHome(p.ConfigDir, c.Home)
	if p.RegistryFile == "" {
		p.RegistryFile = filepath.Join(p.ConfigDir, "services.json")
	}
	if p.EnvDir == "" {
		p.EnvDir = filepath.Join(p.ConfigDir, "env")
	}
	if p.BackupDir == "" {
		p.BackupDir = filepath.Join(p.ConfigDir, "backups")
	}
	if p.UnitDir == "" {
		if c.Supervisor.User {
			p.UnitDir = filepath.Join(c.Home, ".config", "systemd", "user")
		} else {
			p.UnitDir = "/etc/systemd/system"
		}
	}
	p.RegistryFile = expandHome(p.RegistryFile, c.Home)
	p.EnvDir = expandHome(p.EnvDir, c.Home)
	p.BackupDir = expandHome(p.BackupDir, c.Home)
	p.LastKnownGood = expandHome(p.LastKnownGood, c.Home)
	p.UnitDir = expandHome(p.UnitDir, c.Home)
	c.Log.File.Path = expandHome(c.Log.File.Path, c.Home)
	c.Server.TLS.CertFile = expandHome(c.Server.TLS.CertFile, c.Home)
	c.Server.TLS.KeyFile = expandHome(c.Server.TLS.KeyFile, c.Home)
	if c.Server.TLS.Enabled && c.Server.TLS.Dir == "" && c.Server.TLS.CertFile == "" {
		c.Server.TLS.Dir = filepath.Join(p.ConfigDir, "tls")
	}
	c.Server.TLS.Dir = expandHome(c.Server.TLS.Dir, c.Home)
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		c.Server.BasePath = "/" + c.Server.BasePath
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
}

// Validate rejects settings the rest of panel cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if !strings.Contains(c.Supervisor.UnitTemplate, "%s") {
		errs = append(errs, fmt.Errorf("supervisor.unit_template %q must contain %%s", c.Supervisor.UnitTemplate))
	}
	if c.Supervisor.Timeout <= 0 {
		errs = append(errs, errors.New("supervisor.timeout must be positive"))
	}
	if c.Supervisor.SettleDelay < 0 {
		errs = append(errs, errors.New("supervisor.settle_delay must not be negative"))
	}
	if c.Supervisor.LockTimeout <= 0 {
		errs = append(errs, errors.New("supervisor.lock_timeout must be positive"))
	}
	if c.Backup.Keep < 0 {
		errs = append(errs, errors.New("backup.keep must not be negative"))
	}
	if c.Server.TokenTTL <= 0 {
		errs = append(errs, errors.New("server.token_ttl must be positive"))
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls.cert_file and server.tls.key_file must be set together"))
	}
	switch c.Log.Format {
	case logger.FormatText, logger.FormatJSON, logger.FormatColor:
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text, json or color", c.Log.Format))
	}
	return errors.Join(errs...)
}

func expandHome(p, home string) string {
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}
