// Package cliconfig assembles the framerelay command configuration from
// flags, FRAMERELAY_* environment variables, a TOML or YAML file and
// defaults, in that order of precedence.
package cliconfig

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/bft-labs/framerelay/pkg/fragment"
	"github.com/bft-labs/framerelay/pkg/log"
	"github.com/bft-labs/framerelay/pkg/pipeline"
	"github.com/bft-labs/framerelay/pkg/reassembly"
	"github.com/bft-labs/framerelay/pkg/transport"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the settings of all three roles.
type Config struct {
	LogLevel string
	Network  string

	// relay
	RegistrationAddr string
	IngressAddr      string
	MaxChunkSize     int
	RegistrationTTL  time.Duration

	// produce
	Target        string
	QueueCapacity int
	Fragment      bool
	FrameDir      string
	FrameInterval time.Duration
	Loop          bool

	// consume
	ListenAddr         string
	RelayAddr          string
	RegisterInterval   time.Duration
	HandshakeTimeout   time.Duration
	HandshakeRetries   int
	ReassemblyTimeout  time.Duration
	ReassemblyMaxBytes int
	OutputDir          string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	hs := transport.DefaultHandshakeConfig()
	return Config{
		LogLevel:           "info",
		Network:            transport.DefaultNetwork,
		RegistrationAddr:   "0.0.0.0:9999",
		IngressAddr:        "0.0.0.0:9998",
		MaxChunkSize:       fragment.DefaultChunkSize,
		Target:             "127.0.0.1:9998",
		QueueCapacity:      pipeline.DefaultQueueCapacity,
		FrameInterval:      33 * time.Millisecond, // ~30 fps
		ListenAddr:         "0.0.0.0:0",
		RelayAddr:          "127.0.0.1:9999",
		RegisterInterval:   5 * time.Second,
		HandshakeTimeout:   hs.Timeout,
		HandshakeRetries:   hs.Retries,
		ReassemblyTimeout:  reassembly.DefaultTimeout,
		ReassemblyMaxBytes: reassembly.DefaultMaxBufferedBytes,
	}
}

// Validate checks every field. Errors wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return invalid("log-level", err)
	}
	switch c.Network {
	case "udp", "udp4", "udp6":
	default:
		return invalid("network", fmt.Errorf("%q is not one of udp, udp4, udp6", c.Network))
	}

	addrs := []struct{ flag, value string }{
		{"registration-addr", c.RegistrationAddr},
		{"ingress-addr", c.IngressAddr},
		{"target", c.Target},
		{"listen-addr", c.ListenAddr},
	}
	for _, a := range addrs {
		if err := validateAddr(a.value); err != nil {
			return invalid(a.flag, err)
		}
	}
	if c.RelayAddr != "" {
		if err := validateAddr(c.RelayAddr); err != nil {
			return invalid("relay-addr", err)
		}
	}

	if c.MaxChunkSize < 1 || c.MaxChunkSize > fragment.MaxChunkSize {
		return invalid("max-chunk-size", fmt.Errorf("%d out of range (1..%d)", c.MaxChunkSize, fragment.MaxChunkSize))
	}
	if c.QueueCapacity < 1 {
		return invalid("queue-capacity", fmt.Errorf("must be at least 1"))
	}
	if c.HandshakeRetries < 0 {
		return invalid("handshake-retries", fmt.Errorf("must not be negative"))
	}
	if c.ReassemblyMaxBytes < 0 {
		return invalid("reassembly-max-bytes", fmt.Errorf("must not be negative"))
	}
	if c.HandshakeTimeout <= 0 {
		return invalid("handshake-timeout", fmt.Errorf("must be positive"))
	}

	durations := []struct {
		flag  string
		value time.Duration
	}{
		{"registration-ttl", c.RegistrationTTL},
		{"frame-interval", c.FrameInterval},
		{"register-interval", c.RegisterInterval},
		{"reassembly-timeout", c.ReassemblyTimeout},
	}
	for _, d := range durations {
		if d.value < 0 {
			return invalid(d.flag, fmt.Errorf("must not be negative"))
		}
	}
	return nil
}

func invalid(flag string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, flag, err)
}

func validateAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value from a pointer if not nil and flag not changed.
func (s *configSetter) setInt(flag string, value *int, dst *int) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses a string to int and sets the destination. Range
// checks are left to Validate.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = i
	return nil
}

// setBoolFromString accepts "true" and "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
