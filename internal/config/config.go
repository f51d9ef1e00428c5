// Package config loads service settings from an optional YAML file and
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/mtcclock/internal/mtc"
	"github.com/zsiec/mtcclock/internal/pipeline"
)

// Config is the complete service configuration.
type Config struct {
	SRTAddr string `yaml:"srt_addr"`
	APIAddr string `yaml:"api_addr"`
	H3Addr  string `yaml:"h3_addr"`

	// MIDIPorts are input port names (substring match) opened at startup.
	MIDIPorts []string `yaml:"midi_ports"`
	// Pulls are SRT pulls started at startup.
	Pulls []Pull `yaml:"srt_pulls"`
	// OSCTargets are host:port UDP destinations that receive every
	// snapshot as an OSC message.
	OSCTargets []string `yaml:"osc_targets"`

	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LogLevel     string        `yaml:"log_level"`

	TLS TLS `yaml:"tls"`
}

// Pull is a configured SRT caller-mode source.
type Pull struct {
	Address   string `yaml:"address"`
	SourceKey string `yaml:"source_key"`
	StreamID  string `yaml:"stream_id"`
}

// TLS selects the certificate. With no files set, a self-signed one is
// generated for localhost and Hosts.
type TLS struct {
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	Hosts    []string `yaml:"hosts"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SRTAddr:      ":6000",
		APIAddr:      ":4444",
		H3Addr:       ":4443",
		Timeout:      mtc.DefaultTimeout,
		PollInterval: pipeline.DefaultPollInterval,
		LogLevel:     "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path if
// path is not empty, then environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode merges YAML data into cfg. Unknown keys are rejected.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from environment variables:
// SRT_ADDR, API_ADDR, H3_ADDR, MIDI_PORTS and OSC_TARGETS (comma
// separated), MTC_TIMEOUT, POLL_INTERVAL, LOG_LEVEL, and DEBUG (any value
// selects debug logging). SRT_ADDR set to an empty value disables the SRT
// listener; other empty variables are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	if v, ok := lookup("SRT_ADDR"); ok {
		c.SRTAddr = v
	}
	str("API_ADDR", &c.APIAddr)
	str("H3_ADDR", &c.H3Addr)
	str("LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup("DEBUG"); ok && v != "" {
		c.LogLevel = "debug"
	}
	if v, ok := lookup("MIDI_PORTS"); ok && v != "" {
		c.MIDIPorts = splitList(v)
	}
	if v, ok := lookup("OSC_TARGETS"); ok && v != "" {
		c.OSCTargets = splitList(v)
	}
	if err := dur("MTC_TIMEOUT", &c.Timeout); err != nil {
		return err
	}
	return dur("POLL_INTERVAL", &c.PollInterval)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.APIAddr == "" {
		errs = append(errs, errors.New("api_addr is empty"))
	}
	if c.H3Addr == "" {
		errs = append(errs, errors.New("h3_addr is empty"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout %v is not positive", c.Timeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval %v is not positive", c.PollInterval))
	} else if c.PollInterval >= time.Second {
		errs = append(errs, fmt.Errorf("poll_interval %v must be below the 1s lock timeout", c.PollInterval))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls cert_file and key_file must be set together"))
	}
	for i, t := range c.OSCTargets {
		if _, _, err := net.SplitHostPort(t); err != nil {
			errs = append(errs, fmt.Errorf("osc_targets[%d]: %w", i, err))
		}
	}
	for i, p := range c.Pulls {
		if p.Address == "" || p.SourceKey == "" {
			errs = append(errs, fmt.Errorf("srt_pulls[%d]: address and source_key are required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
