// Package config loads topoctl settings from TOML on top of built-in
// defaults. Keys absent from the file keep their default value.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/topoctl/internal/artifact"
	"github.com/danmuck/topoctl/internal/discovery"
	"github.com/danmuck/topoctl/internal/protocol/session"
)

const DefaultAddr = "127.0.0.1:12080"

var (
	ErrAddrRequired    = errors.New("config: addr required")
	ErrInvalidRate     = errors.New("config: query_rate must not be negative")
	ErrInvalidAttempts = errors.New("config: max_connect_attempts must not be negative")
)

type Config struct {
	Addr               string
	MaxConnectAttempts int
	// RunTimeout bounds one whole discovery run; zero disables it.
	RunTimeout  time.Duration
	Session     session.Config
	Discovery   discovery.Config
	ReportPath  string
	MetricsAddr string
	Progress    bool
	LogFile     string
	Artifact    artifact.Config
}

func DefaultConfig() Config {
	return Config{
		Addr:               DefaultAddr,
		MaxConnectAttempts: 5,
		RunTimeout:         5 * time.Minute,
		Session:            session.DefaultConfig(),
		Discovery:          discovery.DefaultConfig(),
		Progress:           true,
		Artifact:           artifact.DefaultConfig(),
	}
}

type fileConfig struct {
	Addr               string         `toml:"addr"`
	ConnectTimeout     string         `toml:"connect_timeout"`
	ReadTimeout        string         `toml:"read_timeout"`
	WriteTimeout       string         `toml:"write_timeout"`
	CloseWaitTimeout   string         `toml:"close_wait_timeout"`
	RunTimeout         string         `toml:"run_timeout"`
	MaxConnectAttempts int            `toml:"max_connect_attempts"`
	BackoffInitial     string         `toml:"backoff_initial"`
	BackoffMultiplier  float64        `toml:"backoff_multiplier"`
	BackoffMax         string         `toml:"backoff_max"`
	BackoffJitter      bool           `toml:"backoff_jitter"`
	QueryRate          float64        `toml:"query_rate"`
	QueryBurst         int            `toml:"query_burst"`
	MaxBufferBytes     int            `toml:"max_buffer_bytes"`
	ReportPath         string         `toml:"report_path"`
	MetricsAddr        string         `toml:"metrics_addr"`
	Progress           bool           `toml:"progress"`
	LogFile            string         `toml:"log_file"`
	Artifact           artifactConfig `toml:"artifact"`
}

type artifactConfig struct {
	Enabled    bool   `toml:"enabled"`
	Image      string `toml:"image"`
	RemotePath string `toml:"remote_path"`
	LocalPath  string `toml:"local_path"`
	Settle     string `toml:"settle"`
}

// Load reads path over DefaultConfig. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load topoctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load topoctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.Session.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"close_wait_timeout", raw.CloseWaitTimeout, &cfg.Session.CloseWaitTimeout},
		{"run_timeout", raw.RunTimeout, &cfg.RunTimeout},
		{"backoff_initial", raw.BackoffInitial, &cfg.Session.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Session.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.val)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.Session.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Session.Backoff.Jitter = raw.BackoffJitter
	}
	if meta.IsDefined("query_rate") {
		cfg.Discovery.QueryRate = raw.QueryRate
	}
	if meta.IsDefined("query_burst") {
		cfg.Discovery.QueryBurst = raw.QueryBurst
	}
	if meta.IsDefined("max_buffer_bytes") {
		cfg.Session.Limits.MaxBufferBytes = raw.MaxBufferBytes
	}
	if meta.IsDefined("report_path") {
		cfg.ReportPath = strings.TrimSpace(raw.ReportPath)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("progress") {
		cfg.Progress = raw.Progress
	}
	if meta.IsDefined("log_file") {
		cfg.LogFile = strings.TrimSpace(raw.LogFile)
	}

	if meta.IsDefined("artifact", "enabled") {
		cfg.Artifact.Enabled = raw.Artifact.Enabled
	}
	if meta.IsDefined("artifact", "image") {
		cfg.Artifact.Image = strings.TrimSpace(raw.Artifact.Image)
	}
	if meta.IsDefined("artifact", "remote_path") {
		cfg.Artifact.RemotePath = strings.TrimSpace(raw.Artifact.RemotePath)
	}
	if meta.IsDefined("artifact", "local_path") {
		cfg.Artifact.LocalPath = strings.TrimSpace(raw.Artifact.LocalPath)
	}
	if meta.IsDefined("artifact", "settle") {
		v, err := parseDuration("artifact.settle", raw.Artifact.Settle)
		if err != nil {
			return Config{}, err
		}
		cfg.Artifact.Settle = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return ErrAddrRequired
	}
	if c.Discovery.QueryRate < 0 {
		return ErrInvalidRate
	}
	if c.MaxConnectAttempts < 0 {
		return ErrInvalidAttempts
	}
	return nil
}

// ClientConfig projects the settings the session dialer needs.
func (c Config) ClientConfig() session.ClientConfig {
	return session.ClientConfig{
		Address:            c.Addr,
		Session:            c.Session,
		MaxConnectAttempts: c.MaxConnectAttempts,
	}
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration %s", key, d)
	}
	return d, nil
}
