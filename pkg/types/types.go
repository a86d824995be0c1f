// Package types defines the shared types used across all meetscribe packages.
//
// These types form the lingua franca between the audio ingress, the provider
// bridge, the transcript sink, and the session orchestrator. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// FrameKind classifies an inbound ingress message.
type FrameKind int

const (
	// FramePCM is a raw little-endian signed 16-bit PCM audio frame.
	FramePCM FrameKind = iota

	// FrameSpeakerMeta is a JSON array carrying speaker activity metadata.
	FrameSpeakerMeta

	// FrameControlJSON is a structured JSON control message, e.g. a bot
	// subscriber registration.
	FrameControlJSON
)

// String returns the human-readable name of the frame kind.
func (k FrameKind) String() string {
	switch k {
	case FramePCM:
		return "pcm"
	case FrameSpeakerMeta:
		return "speaker_meta"
	case FrameControlJSON:
		return "control_json"
	default:
		return "unknown"
	}
}

// AudioFormat describes the PCM format flowing through a session. It is
// asserted to the STT provider at stream open and used to compute the WAV
// header when recording is enabled.
type AudioFormat struct {
	// SampleRate in Hz. 16000 is the STT-optimised default.
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int

	// BitDepth is the bits per sample. Only 16 (S16LE) is supported.
	BitDepth int
}

// DefaultAudioFormat returns the format negotiated when the configuration
// does not override it: 16 kHz mono S16LE.
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{SampleRate: 16000, Channels: 1, BitDepth: 16}
}

// BytesPerSecond returns the raw PCM byte rate for this format.
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// AudioFrame is a single inbound audio payload together with its arrival
// time. Frames are transient: they live only across the ingress → bridge hop
// and are never retained unless recording is enabled.
type AudioFrame struct {
	// Data is the raw PCM payload. May be empty; zero-length frames are
	// forwarded unchanged.
	Data []byte

	// ReceivedAt is the wall-clock arrival time on the ingress socket.
	ReceivedAt time.Time
}

// SpeakerInfo is the decoded payload of a speaker-metadata frame.
type SpeakerInfo struct {
	// Name is the display name reported by the conferencing platform.
	Name string

	// ID is the platform-assigned numeric participant id.
	ID int64

	// Timestamp is the platform-reported event time in epoch milliseconds.
	Timestamp int64

	// IsSpeaking reports whether the participant just started (true) or
	// stopped (false) speaking. Only rising edges mutate the session's
	// current speaker.
	IsSpeaking bool
}

// TranscriptEvent is one transcript result attributed to a session. It is
// produced by the provider bridge, persisted to the journal, and fanned out
// to subscribers exactly once.
type TranscriptEvent struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or interim
	// result. Only finals contribute to the plain-text artifact.
	IsFinal bool

	// ReceivedAt is when the bridge observed the provider message.
	ReceivedAt time.Time

	// Speaker is a snapshot of the session's current speaker at arrival.
	// Nil when no speaker has been observed yet.
	Speaker *SpeakerInfo

	// Confidence is the provider-reported confidence (0.0–1.0). Zero when
	// the provider does not report confidence.
	Confidence float64

	// AudioStart and AudioEnd bound the utterance relative to the audio
	// stream start, when the provider reports word timing.
	AudioStart time.Duration
	AudioEnd   time.Duration
}
