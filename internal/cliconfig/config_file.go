package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors Config but uses strings for durations to keep files readable.
// Numbers and booleans are pointers so an explicit zero is told apart from unset.
type FileConfig struct {
	LogLevel string `toml:"log_level" yaml:"log_level"`
	Network  string `toml:"network" yaml:"network"`

	RegistrationAddr string `toml:"registration_addr" yaml:"registration_addr"`
	IngressAddr      string `toml:"ingress_addr" yaml:"ingress_addr"`
	MaxChunkSize     *int   `toml:"max_chunk_size" yaml:"max_chunk_size"`
	RegistrationTTL  string `toml:"registration_ttl" yaml:"registration_ttl"`

	Target        string `toml:"target" yaml:"target"`
	QueueCapacity *int   `toml:"queue_capacity" yaml:"queue_capacity"`
	Fragment      *bool  `toml:"fragment" yaml:"fragment"`
	FrameDir      string `toml:"frame_dir" yaml:"frame_dir"`
	FrameInterval string `toml:"frame_interval" yaml:"frame_interval"`
	Loop          *bool  `toml:"loop" yaml:"loop"`

	ListenAddr         string `toml:"listen_addr" yaml:"listen_addr"`
	RelayAddr          string `toml:"relay_addr" yaml:"relay_addr"`
	RegisterInterval   string `toml:"register_interval" yaml:"register_interval"`
	HandshakeTimeout   string `toml:"handshake_timeout" yaml:"handshake_timeout"`
	HandshakeRetries   *int   `toml:"handshake_retries" yaml:"handshake_retries"`
	ReassemblyTimeout  string `toml:"reassembly_timeout" yaml:"reassembly_timeout"`
	ReassemblyMaxBytes *int   `toml:"reassembly_max_bytes" yaml:"reassembly_max_bytes"`
	OutputDir          string `toml:"output_dir" yaml:"output_dir"`
}

// LoadFileConfig reads a config file. Files ending in .yaml or .yml are
// parsed as YAML, anything else as TOML.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := toml.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.framerelay/config.toml, or "" when the home
// directory is unknown.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".framerelay", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("network", fc.Network, &cfg.Network)
	s.setString("registration-addr", fc.RegistrationAddr, &cfg.RegistrationAddr)
	s.setString("ingress-addr", fc.IngressAddr, &cfg.IngressAddr)
	s.setString("target", fc.Target, &cfg.Target)
	s.setString("frame-dir", fc.FrameDir, &cfg.FrameDir)
	s.setString("listen-addr", fc.ListenAddr, &cfg.ListenAddr)
	s.setString("relay-addr", fc.RelayAddr, &cfg.RelayAddr)
	s.setString("output-dir", fc.OutputDir, &cfg.OutputDir)

	durations := []struct {
		flag  string
		value string
		dst   *time.Duration
	}{
		{"registration-ttl", fc.RegistrationTTL, &cfg.RegistrationTTL},
		{"frame-interval", fc.FrameInterval, &cfg.FrameInterval},
		{"register-interval", fc.RegisterInterval, &cfg.RegisterInterval},
		{"handshake-timeout", fc.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"reassembly-timeout", fc.ReassemblyTimeout, &cfg.ReassemblyTimeout},
	}
	for _, d := range durations {
		if err := s.setDuration(d.flag, d.value, d.dst); err != nil {
			return err
		}
	}

	s.setInt("max-chunk-size", fc.MaxChunkSize, &cfg.MaxChunkSize)
	s.setInt("queue-capacity", fc.QueueCapacity, &cfg.QueueCapacity)
	s.setInt("handshake-retries", fc.HandshakeRetries, &cfg.HandshakeRetries)
	s.setInt("reassembly-max-bytes", fc.ReassemblyMaxBytes, &cfg.ReassemblyMaxBytes)

	s.setBool("fragment", fc.Fragment, &cfg.Fragment)
	s.setBool("loop", fc.Loop, &cfg.Loop)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
