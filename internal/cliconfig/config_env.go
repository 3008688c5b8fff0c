package cliconfig

import (
	"os"
	"strings"
)

// EnvPrefix is prepended to the upper-cased flag name to form its
// environment variable, e.g. max-chunk-size is FRAMERELAY_MAX_CHUNK_SIZE.
const EnvPrefix = "FRAMERELAY_"

// EnvName returns the environment variable read for flag.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// ApplyEnvConfig applies configuration from FRAMERELAY_* environment variables.
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)
	env := func(flag string) string { return os.Getenv(EnvName(flag)) }

	strs := []struct {
		flag string
		dst  *string
	}{
		{"log-level", &cfg.LogLevel},
		{"network", &cfg.Network},
		{"registration-addr", &cfg.RegistrationAddr},
		{"ingress-addr", &cfg.IngressAddr},
		{"target", &cfg.Target},
		{"frame-dir", &cfg.FrameDir},
		{"listen-addr", &cfg.ListenAddr},
		{"relay-addr", &cfg.RelayAddr},
		{"output-dir", &cfg.OutputDir},
	}
	for _, f := range strs {
		s.setString(f.flag, env(f.flag), f.dst)
	}

	if err := s.setDuration("registration-ttl", env("registration-ttl"), &cfg.RegistrationTTL); err != nil {
		return err
	}
	if err := s.setDuration("frame-interval", env("frame-interval"), &cfg.FrameInterval); err != nil {
		return err
	}
	if err := s.setDuration("register-interval", env("register-interval"), &cfg.RegisterInterval); err != nil {
		return err
	}
	if err := s.setDuration("handshake-timeout", env("handshake-timeout"), &cfg.HandshakeTimeout); err != nil {
		return err
	}
	if err := s.setDuration("reassembly-timeout", env("reassembly-timeout"), &cfg.ReassemblyTimeout); err != nil {
		return err
	}

	if err := s.setIntFromString("max-chunk-size", env("max-chunk-size"), &cfg.MaxChunkSize); err != nil {
		return err
	}
	if err := s.setIntFromString("queue-capacity", env("queue-capacity"), &cfg.QueueCapacity); err != nil {
		return err
	}
	if err := s.setIntFromString("handshake-retries", env("handshake-retries"), &cfg.HandshakeRetries); err != nil {
		return err
	}
	if err := s.setIntFromString("reassembly-max-bytes", env("reassembly-max-bytes"), &cfg.ReassemblyMaxBytes); err != nil {
		return err
	}

	s.setBoolFromString("fragment", env("fragment"), &cfg.Fragment)
	s.setBoolFromString("loop", env("loop"), &cfg.Loop)

	return nil
}
