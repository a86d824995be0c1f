// Package config provides the configuration schema, loader, and provider
// registry for the meetscribe transcription mediator.
package config

import "github.com/meetscribe/meetscribe/pkg/types"

// LogLevel controls log verbosity for the meetscribe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects how transcription startup is gated.
type Mode string

const (
	// ModeLocal opens the gate immediately: the audio source is the caller
	// itself, so no external authorization is awaited.
	ModeLocal Mode = "local"

	// ModeRemote keeps the gate closed until the conferencing platform
	// reports that the bot is in the call and permitted to record.
	ModeRemote Mode = "remote"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeLocal || m == ModeRemote
}

// Config is the root configuration structure for meetscribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Mode        Mode              `yaml:"mode"`
	Provider    ProviderEntry     `yaml:"provider"`
	Audio       AudioConfig       `yaml:"audio"`
	Recording   RecordingConfig   `yaml:"recording"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
	Playback    PlaybackConfig    `yaml:"playback"`
}

// ServerConfig holds network and logging settings for the combined
// WebSocket + HTTP server.
type ServerConfig struct {
	// Host is the bind address. Default: "0.0.0.0".
	Host string `yaml:"host"`

	// Port is the TCP port serving the audio socket, webhooks, health, and
	// metrics. Default: 4040.
	Port int `yaml:"port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects and configures the STT provider for this process.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. May also be
	// supplied via the provider-specific environment variable (e.g.
	// DEEPGRAM_API_KEY); the environment wins when both are set.
	APIKey string `yaml:"api_key"`

	// Model selects a specific model within the provider (e.g., "nova-3").
	Model string `yaml:"model"`

	// Language is the BCP-47 recognition language tag (e.g., "en-US").
	Language string `yaml:"language"`

	// InterimResults requests low-latency preliminary transcripts.
	InterimResults bool `yaml:"interim_results"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig asserts the inbound PCM format. It is forwarded to the STT
// provider and used for the WAV header when recording is enabled.
type AudioConfig struct {
	// SampleRateHz is the PCM sample rate. Default: 16000.
	SampleRateHz int `yaml:"sample_rate_hz"`

	// Channels is the channel count. Default: 1.
	Channels int `yaml:"channels"`

	// BitDepth is the bits per sample. Only 16 is supported.
	BitDepth int `yaml:"bit_depth"`
}

// Format returns the audio format with defaults applied.
func (a AudioConfig) Format() types.AudioFormat {
	f := types.DefaultAudioFormat()
	if a.SampleRateHz > 0 {
		f.SampleRate = a.SampleRateHz
	}
	if a.Channels > 0 {
		f.Channels = a.Channels
	}
	if a.BitDepth > 0 {
		f.BitDepth = a.BitDepth
	}
	return f
}

// RecordingConfig enables the session WAV writer.
type RecordingConfig struct {
	// Enabled turns on PCM capture and WAV output at session end.
	Enabled bool `yaml:"enabled"`

	// Dir is the output directory for WAV files. Created recursively on
	// demand. Default: "recordings".
	Dir string `yaml:"dir"`
}

// TranscriptsConfig enables the per-session transcript journal.
type TranscriptsConfig struct {
	// Enabled turns on the on-disk session journal.
	Enabled bool `yaml:"enabled"`

	// Dir is the journal root; each session creates a timestamped
	// subdirectory under it. Default: "sessions".
	Dir string `yaml:"dir"`
}

// PlaybackConfig covers local audio playback. Playback itself is handled by
// an external collaborator; the option is recognised so that configs written
// for the full deployment parse cleanly.
type PlaybackConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a Config with the documented defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     4040,
			LogLevel: LogInfo,
		},
		Mode: ModeRemote,
		Audio: AudioConfig{
			SampleRateHz: 16000,
			Channels:     1,
			BitDepth:     16,
		},
		Recording:   RecordingConfig{Dir: "recordings"},
		Transcripts: TranscriptsConfig{Enabled: true, Dir: "sessions"},
	}
}
