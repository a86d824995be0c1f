package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the STT provider names that ship with meetscribe.
// Used by [Validate] to reject unknown provider ids at startup.
var ValidProviderNames = []string{"deepgram", "assemblyai", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment overrides applied. It is a
// convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides credential fields from the environment. The environment
// wins over the file so that keys never need to live on disk.
func applyEnv(cfg *Config) {
	envKey := strings.ToUpper(cfg.Provider.Name) + "_API_KEY"
	if v := os.Getenv(envKey); v != "" {
		cfg.Provider.APIKey = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range (1–65535)", cfg.Server.Port))
	}

	// Mode
	if cfg.Mode != "" && !cfg.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid; valid values: local, remote", cfg.Mode))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		errs = append(errs, fmt.Errorf("provider.name %q is unknown; valid values: %s", cfg.Provider.Name, strings.Join(ValidProviderNames, ", ")))
	}
	if needsAPIKey(cfg.Provider.Name) && cfg.Provider.APIKey == "" {
		errs = append(errs, fmt.Errorf("provider.api_key is required for %q (or set %s_API_KEY)", cfg.Provider.Name, strings.ToUpper(cfg.Provider.Name)))
	}

	// Audio format
	if cfg.Audio.SampleRateHz < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate_hz %d must be positive", cfg.Audio.SampleRateHz))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range (1–2)", cfg.Audio.Channels))
	}
	if cfg.Audio.BitDepth != 0 && cfg.Audio.BitDepth != 16 {
		errs = append(errs, fmt.Errorf("audio.bit_depth %d is unsupported; only 16-bit PCM is accepted", cfg.Audio.BitDepth))
	}

	// Persistence destinations
	if cfg.Recording.Enabled && cfg.Recording.Dir == "" {
		errs = append(errs, errors.New("recording.dir is required when recording is enabled"))
	}
	if cfg.Transcripts.Enabled && cfg.Transcripts.Dir == "" {
		errs = append(errs, errors.New("transcripts.dir is required when transcript logging is enabled"))
	}

	return errors.Join(errs...)
}

// needsAPIKey reports whether the named provider requires a credential.
func needsAPIKey(name string) bool {
	return name == "deepgram" || name == "assemblyai"
}
