// Copyright (c) 2025 Michael D Henderson. All rights reserved.

// Package config loads and validates the photoxfer configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"
)

// PlaceholderHardwareAddress is written into new config files and must be
// replaced before the pipeline will run.
const PlaceholderHardwareAddress = "XX:XX:XX:XX:XX:XX"

// Config holds the complete pipeline configuration.
type Config struct {
	Remote   RemoteConfig   `yaml:"remote"`
	Transfer TransferConfig `yaml:"transfer"`
	Paths    PathsConfig    `yaml:"paths"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
	Server   ServerConfig   `yaml:"server"`
}

// RemoteConfig describes the import host and how to reach it.
type RemoteConfig struct {
	// Host is "host", "host:port", "user@host" or "user@host:port".
	Host                     string `yaml:"host"`
	User                     string `yaml:"user"`
	HardwareAddress          string `yaml:"hardware_address"`
	CredentialPath           string `yaml:"credential_path"`
	KnownHostsPath           string `yaml:"known_hosts_path"`
	WakeWaitSeconds          int    `yaml:"wake_wait_seconds"`
	ConnectionTimeoutSeconds int    `yaml:"connection_timeout_seconds"`
	WakePort                 int    `yaml:"wake_port"`
	WakeBroadcast            string `yaml:"wake_broadcast"`
}

// TransferConfig bounds batch size, timeouts and upload retries.
type TransferConfig struct {
	BatchSizeLimit         int `yaml:"batch_size_limit"` // 0 means unlimited
	TransferTimeoutSeconds int `yaml:"transfer_timeout_seconds"`
	PerPhotoTimeoutSeconds int `yaml:"per_photo_timeout_seconds"`
	RetryCount             int `yaml:"retry_count"`
	RetryDelaySeconds      int `yaml:"retry_delay_seconds"`
}

// PathsConfig holds the local staging root and the remote directory layout.
// Remote paths may start with ~ and are resolved on the remote host.
type PathsConfig struct {
	StagingDir         string `yaml:"staging_dir"`
	RemoteIncomingDir  string `yaml:"remote_incoming_dir"`
	RemoteProcessedDir string `yaml:"remote_processed_dir"`
	RemoteReportsDir   string `yaml:"remote_reports_dir"`
}

// CleanupConfig is the retention policy for both ends of a transfer.
type CleanupConfig struct {
	KeepSuccessfulDays        int     `yaml:"keep_successful_days"`
	KeepFailedDays            int     `yaml:"keep_failed_days"`
	CleanLogOnSuccess         bool    `yaml:"clean_log_on_success"`
	OrphanMaxAgeHours         float64 `yaml:"orphan_max_age_hours"`
	RunOrphanCleanupOnStartup bool    `yaml:"run_orphan_cleanup_on_startup"`
}

// ServerConfig holds settings for the local process.
type ServerConfig struct {
	DBPath                 string `yaml:"db_path"`
	ListenAddr             string `yaml:"listen_addr"`
	Workers                int    `yaml:"workers"`
	ReadPoolSize           int    `yaml:"read_pool_size"`
	RecycleIntervalMinutes int    `yaml:"recycle_interval_minutes"`
}

// Default returns a configuration with every option set to its default.
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			Host:                     "pipeline@import-host.local",
			HardwareAddress:          PlaceholderHardwareAddress,
			CredentialPath:           "~/.ssh/pipeline_key",
			KnownHostsPath:           "~/.ssh/known_hosts",
			WakeWaitSeconds:          10,
			ConnectionTimeoutSeconds: 60,
			WakePort:                 9,
			WakeBroadcast:            "255.255.255.255",
		},
		Transfer: TransferConfig{
			TransferTimeoutSeconds: 300,
			PerPhotoTimeoutSeconds: 30,
			RetryCount:             2,
			RetryDelaySeconds:      5,
		},
		Paths: PathsConfig{
			StagingDir:         "~/ToSend",
			RemoteIncomingDir:  "~/IncomingPhotos",
			RemoteProcessedDir: "~/ProcessedPhotos",
			RemoteReportsDir:   "~/ImportReports",
		},
		Cleanup: CleanupConfig{
			CleanLogOnSuccess:         true,
			OrphanMaxAgeHours:         0.25,
			RunOrphanCleanupOnStartup: true,
		},
		Server: ServerConfig{
			DBPath:                 "photoxfer.db",
			ListenAddr:             "localhost:8080",
			Workers:                2,
			ReadPoolSize:           4,
			RecycleIntervalMinutes: 10,
		},
	}
}

// Load reads a YAML config file over the defaults and expands ~ in local
// paths. It does not validate; call Validate once at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.expandLocalPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path. It refuses to overwrite an existing file.
func Save(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) expandLocalPaths() error {
	for _, p := range []*string{
		&c.Remote.CredentialPath,
		&c.Remote.KnownHostsPath,
		&c.Paths.StagingDir,
		&c.Server.DBPath,
	} {
		expanded, err := ExpandHome(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// ExpandHome replaces a leading ~ with the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Validate checks the configuration once at startup. A private key readable
// by group or others is tightened to 0600 and logged as a warning.
func (c *Config) Validate(logger hclog.Logger) error {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	if _, _, err := c.Remote.Address(); err != nil {
		return err
	}
	if c.Remote.HardwareAddress == "" || strings.EqualFold(c.Remote.HardwareAddress, PlaceholderHardwareAddress) {
		return &ConfigurationError{Field: "remote.hardware_address", Msg: "hardware address is not configured"}
	}
	if _, err := net.ParseMAC(c.Remote.HardwareAddress); err != nil {
		return &ConfigurationError{Field: "remote.hardware_address", Msg: "invalid hardware address", Err: err}
	}

	if c.Remote.CredentialPath == "" {
		return &ConfigurationError{Field: "remote.credential_path", Msg: "credential path is required"}
	}
	keyPath, err := ExpandHome(c.Remote.CredentialPath)
	if err != nil {
		return &ConfigurationError{Field: "remote.credential_path", Msg: "cannot expand path", Err: err}
	}
	sb, err := os.Stat(keyPath)
	if err != nil {
		return &ConfigurationError{Field: "remote.credential_path", Msg: fmt.Sprintf("credential file %s not found", keyPath), Err: err}
	} else if sb.IsDir() {
		return &ConfigurationError{Field: "remote.credential_path", Msg: fmt.Sprintf("%s is a directory", keyPath)}
	}
	if sb.Mode().Perm()&0o077 != 0 {
		logger.Warn("credential file permissions too open, fixing", "path", keyPath, "mode", fmt.Sprintf("%o", sb.Mode().Perm()))
		if err := os.Chmod(keyPath, 0o600); err != nil {
			return &ConfigurationError{Field: "remote.credential_path", Msg: "cannot fix permissions", Err: err}
		}
	}

	positive := []struct {
		field string
		value int
	}{
		{"remote.wake_wait_seconds", c.Remote.WakeWaitSeconds},
		{"remote.connection_timeout_seconds", c.Remote.ConnectionTimeoutSeconds},
		{"transfer.transfer_timeout_seconds", c.Transfer.TransferTimeoutSeconds},
		{"transfer.per_photo_timeout_seconds", c.Transfer.PerPhotoTimeoutSeconds},
		{"server.workers", c.Server.Workers},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &ConfigurationError{Field: p.field, Msg: "must be greater than zero"}
		}
	}

	nonNegative := []struct {
		field string
		value int
	}{
		{"transfer.batch_size_limit", c.Transfer.BatchSizeLimit},
		{"transfer.retry_count", c.Transfer.RetryCount},
		{"transfer.retry_delay_seconds", c.Transfer.RetryDelaySeconds},
		{"cleanup.keep_successful_days", c.Cleanup.KeepSuccessfulDays},
		{"cleanup.keep_failed_days", c.Cleanup.KeepFailedDays},
	}
	for _, p := range nonNegative {
		if p.value < 0 {
			return &ConfigurationError{Field: p.field, Msg: "must not be negative"}
		}
	}
	if c.Cleanup.OrphanMaxAgeHours < 0 {
		return &ConfigurationError{Field: "cleanup.orphan_max_age_hours", Msg: "must not be negative"}
	}

	for field, p := range map[string]string{
		"paths.staging_dir":          c.Paths.StagingDir,
		"paths.remote_incoming_dir":  c.Paths.RemoteIncomingDir,
		"paths.remote_processed_dir": c.Paths.RemoteProcessedDir,
		"paths.remote_reports_dir":   c.Paths.RemoteReportsDir,
	} {
		if p == "" {
			return &ConfigurationError{Field: field, Msg: "path is required"}
		}
	}

	return nil
}

// Address splits Host into the login user and a dialable host:port.
// An explicit User overrides a user given in Host.
func (r RemoteConfig) Address() (user, addr string, err error) {
	host := strings.TrimSpace(r.Host)
	if host == "" {
		return "", "", &ConfigurationError{Field: "remote.host", Msg: "remote host is required"}
	}
	if at := strings.LastIndex(host, "@"); at >= 0 {
		user, host = host[:at], host[at+1:]
	}
	if r.User != "" {
		user = r.User
	}
	if user == "" {
		return "", "", &ConfigurationError{Field: "remote.user", Msg: "remote user is required"}
	}

	port := "22"
	if h, p, splitErr := net.SplitHostPort(host); splitErr == nil {
		if _, convErr := strconv.Atoi(p); convErr != nil {
			return "", "", &ConfigurationError{Field: "remote.host", Msg: fmt.Sprintf("invalid port %q", p)}
		}
		host, port = h, p
	}
	if host == "" {
		return "", "", &ConfigurationError{Field: "remote.host", Msg: "remote host is required"}
	}
	return user, net.JoinHostPort(host, port), nil
}

func (r RemoteConfig) WakeWait() time.Duration {
	return time.Duration(r.WakeWaitSeconds) * time.Second
}

func (r RemoteConfig) ConnectionTimeout() time.Duration {
	return time.Duration(r.ConnectionTimeoutSeconds) * time.Second
}

func (t TransferConfig) RetryDelay() time.Duration {
	return time.Duration(t.RetryDelaySeconds) * time.Second
}

// ImportTimeout is min(photoCount * per-photo timeout, transfer timeout).
func (t TransferConfig) ImportTimeout(photoCount int) time.Duration {
	perPhoto := time.Duration(photoCount) * time.Duration(t.PerPhotoTimeoutSeconds) * time.Second
	limit := time.Duration(t.TransferTimeoutSeconds) * time.Second
	if perPhoto < limit {
		return perPhoto
	}
	return limit
}

// OrphanMaxAge converts the fractional hour threshold into a duration.
func (c CleanupConfig) OrphanMaxAge() time.Duration {
	return time.Duration(c.OrphanMaxAgeHours * float64(time.Hour))
}

// ConfigurationError is returned for configuration that can never work.
// It is fatal and never retried.
type ConfigurationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Field, e.Msg, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.Field, e.Msg)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
