// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or
// AssemblyAI) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw PCM audio
// frames and emits a single ordered stream of Event values carrying interim
// and final transcripts.
//
// Implementations must be safe for concurrent use. Audio input and the event
// channel are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by SendAudio after the session was closed,
// either by Close or by the provider ending the stream.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session. The audio encoding is always signed 16-bit little-endian PCM; the
// remaining fields must be compatible with what the underlying provider
// supports.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 0 means the provider default
	// (16000 for the built-in providers).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// InterimResults requests low-latency preliminary transcripts in addition
	// to finals. Providers that cannot disable interims may ignore false.
	InterimResults bool
}

// Result is one transcript message as decoded from the provider's wire
// format, before the session layer attributes it to a speaker.
type Result struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether the provider has committed to this result.
	IsFinal bool

	// Confidence is the provider-reported confidence (0.0–1.0), zero when
	// unreported.
	Confidence float64

	// Start and End bound the utterance in seconds from stream start, when
	// the provider reports timing. Both zero when unreported.
	Start float64
	End   float64
}

// Event is one element of a session's ordered event stream. Exactly one of
// Result or Err is set. The stream ends (channel close) when the provider
// half-closes or the session is closed locally.
type Event struct {
	// Result is the decoded transcript message, nil for error events.
	Result *Result

	// Err is a mid-stream provider error. The session remains open unless the
	// event stream also ends.
	Err error
}

// InitError is the structured failure returned when a provider cannot
// establish a streaming session. It is fatal for the session that requested
// the stream.
type InitError struct {
	// Provider is the adapter name, e.g. "deepgram".
	Provider string

	// Message is a human-readable description suitable for display.
	Message string

	// Cause is the underlying transport or API error, if any.
	Cause error
}

// Error implements the error interface.
func (e *InitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying cause.
func (e *InitError) Unwrap() error { return e.Cause }

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The call enqueues without blocking on the network; frames
	// may be coalesced internally. Calling SendAudio after Close returns
	// ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Events returns the ordered stream of transcript and error events
	// produced by the provider. The channel is closed when the provider ends
	// the stream or the session is closed. The session never reorders or
	// deduplicates provider messages.
	Events() <-chan Event

	// Close half-closes the session: no further audio is accepted, pending
	// audio is flushed, and the provider is asked to finalize. Close returns
	// after the provider acknowledges or the session context ends. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// On failure the error is (or wraps) an *InitError describing why the
	// session could not be established (authentication failure, unsupported
	// configuration, or ctx already cancelled).
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
